// Package pgutil holds small PostgreSQL helpers shared by the record stores.
package pgutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ClearBatchSize is how many keys each bulk-delete round removes.
const ClearBatchSize = 25

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// UniqueViolation reports whether err is a unique-constraint failure and,
// if so, which constraint fired.
func UniqueViolation(err error) (constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// ClearBatched deletes every row of table by scanning keyColumn in pages
// of ClearBatchSize and deleting each page with one statement. It returns
// the number of rows removed. table and keyColumn must be trusted
// identifiers, never user input.
func ClearBatched(ctx context.Context, db *sql.DB, table, keyColumn string) (int, error) {
	selectKeys := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s LIMIT $1`, keyColumn, table, keyColumn) // #nosec G201 -- trusted identifiers
	deleteKeys := fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1)`, table, keyColumn)                 // #nosec G201 -- trusted identifiers

	total := 0
	for {
		keys, err := scanKeys(ctx, db, selectKeys)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}
		res, err := db.ExecContext(ctx, deleteKeys, pq.Array(keys))
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
}

func scanKeys(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, ClearBatchSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
