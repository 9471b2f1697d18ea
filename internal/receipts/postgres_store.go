package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/pgutil"
	"github.com/mbd888/receiptescrow/internal/wei"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `transaction_hash, seller_address, buyer_address, contract_address,
		       amount, item_name, purchase_time, block_number, receipt_index,
		       status, return_time, funds_release_time, created_at`

// timestampColumns maps a target status to the column it stamps.
var timestampColumns = map[Status]string{
	StatusReturned:      "return_time",
	StatusFundsReleased: "funds_release_time",
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(38,18), $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (transaction_hash) DO NOTHING`,
		r.TransactionHash, r.SellerAddress, r.BuyerAddress, r.ContractAddress,
		r.Amount, r.ItemName, r.PurchaseTime, int64(r.BlockNumber), int64(r.ReceiptIndex), //nolint:gosec // chain values stay below 2^63
		string(r.Status), nullTime(r.ReturnTime), nullTime(r.FundsReleaseTime), r.CreatedAt,
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

func (p *PostgresStore) Get(ctx context.Context, txHash string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE transaction_hash = $1`, txHash)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Scan(ctx context.Context, f Filter, cursor string, limit int) ([]*Receipt, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	var (
		where []string
		args  []interface{}
	)
	switch f.Attribute {
	case AttrSeller, AttrBuyer:
		args = append(args, f.Value)
		where = append(where, fmt.Sprintf("%s = $%d", f.Attribute, len(args)))
	case "":
	default:
		return nil, "", fmt.Errorf("receipts: unsupported filter attribute %q", f.Attribute)
	}
	if c != nil {
		args = append(args, c.CreatedAt, c.ID)
		where = append(where, fmt.Sprintf("(created_at, transaction_hash) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at, transaction_hash LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...) // #nosec G201 -- columns come from the Attribute whitelist
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(out, limit, scanKey)
	return page, next, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, txHash string, from, to Status, at time.Time) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	col := timestampColumns[to]

	res, err := p.db.ExecContext(ctx, `
		UPDATE receipts SET status = $1, `+col+` = $2
		WHERE transaction_hash = $3 AND status = $4`,
		string(to), at, txHash, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM receipts WHERE transaction_hash = $1)`, txHash,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	return pgutil.ClearBatched(ctx, p.db, "receipts", "transaction_hash")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(s scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		amount       string
		status       string
		blockNumber  int64
		receiptIndex int64
		returnTime   sql.NullTime
		releaseTime  sql.NullTime
	)
	err := s.Scan(
		&r.TransactionHash, &r.SellerAddress, &r.BuyerAddress, &r.ContractAddress,
		&amount, &r.ItemName, &r.PurchaseTime, &blockNumber, &receiptIndex,
		&status, &returnTime, &releaseTime, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Amount = wei.Canonical(amount)
	r.Status = Status(status)
	r.BlockNumber = uint64(blockNumber)   //nolint:gosec // column is non-negative
	r.ReceiptIndex = uint64(receiptIndex) //nolint:gosec // column is non-negative
	r.PurchaseTime = r.PurchaseTime.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	if returnTime.Valid {
		t := returnTime.Time.UTC()
		r.ReturnTime = &t
	}
	if releaseTime.Valid {
		t := releaseTime.Time.UTC()
		r.FundsReleaseTime = &t
	}
	return r, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
