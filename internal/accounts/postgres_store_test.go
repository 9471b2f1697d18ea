//go:build integration

package accounts

import (
	"testing"

	"github.com/mbd888/receiptescrow/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeContract(t, NewPostgresStore(db))
}
