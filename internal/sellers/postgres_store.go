package sellers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/pgutil"
)

// PostgresStore persists sellers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed seller store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sellerColumns = `seller_address, contract_address, return_window_days, created_at`

func (p *PostgresStore) Create(ctx context.Context, s *Seller) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO sellers (`+sellerColumns+`)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seller_address) DO NOTHING`,
		s.Address, s.ContractAddress, s.ReturnWindowDays, s.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE seller_address = $1`, address)
	s, err := scanSeller(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, cursor string, limit int) ([]*Seller, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	var rows *sql.Rows
	if c == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sellerColumns+` FROM sellers
			ORDER BY created_at, seller_address
			LIMIT $1`, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sellerColumns+` FROM sellers
			WHERE (created_at, seller_address) > ($1, $2)
			ORDER BY created_at, seller_address
			LIMIT $3`, c.CreatedAt, c.ID, limit+1)
	}
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var out []*Seller
	for rows.Next() {
		s, err := scanSeller(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(out, limit, scanKey)
	return page, next, nil
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	return pgutil.ClearBatched(ctx, p.db, "sellers", "seller_address")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSeller(sc scanner) (*Seller, error) {
	s := &Seller{}
	if err := sc.Scan(&s.Address, &s.ContractAddress, &s.ReturnWindowDays, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
