package accounts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/pgutil"
)

// addressConstraint is the unique constraint on accounts.account_address.
const addressConstraint = "accounts_account_address_key"

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `user_id, account_address, password_hash, created_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4)`,
		a.UserID, a.AccountAddress, a.PasswordHash, a.CreatedAt,
	)
	if constraint, ok := pgutil.UniqueViolation(err); ok {
		if constraint == addressConstraint {
			return ErrAddressClaimed
		}
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	return p.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
}

func (p *PostgresStore) FindByAddress(ctx context.Context, address string) (*Account, error) {
	return p.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_address = $1`, address)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, cursor string, limit int) ([]*Account, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	var rows *sql.Rows
	if c == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+accountColumns+` FROM accounts
			ORDER BY created_at, user_id
			LIMIT $1`, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+accountColumns+` FROM accounts
			WHERE (created_at, user_id) > ($1, $2)
			ORDER BY created_at, user_id
			LIMIT $3`, c.CreatedAt, c.ID, limit+1)
	}
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(out, limit, scanKey)
	return page, next, nil
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	return pgutil.ClearBatched(ctx, p.db, "accounts", "user_id")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	if err := sc.Scan(&a.UserID, &a.AccountAddress, &a.PasswordHash, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

var _ Store = (*PostgresStore)(nil)
