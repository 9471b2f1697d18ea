package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// checkTimeout bounds a single probe.
const checkTimeout = 3 * time.Second

// AccountLister is the slice of the chain gateway a probe needs.
type AccountLister interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Database reports whether db answers a ping.
func Database(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{Name: name, Healthy: true,
			Detail: fmt.Sprintf("%d open, %d in use", stats.OpenConnections, stats.InUse)}
	}
}

// Chain reports whether the node answers eth_accounts with at least one
// unlocked account.
func Chain(name string, node AccountLister) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		accts, err := node.Accounts(ctx)
		if err == nil && len(accts) == 0 {
			err = errors.New("node has no unlocked accounts")
		}
		if err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d accounts", len(accts))}
	}
}

// Static always reports the same status. Used for the in-memory store.
func Static(name, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true, Detail: detail}
	}
}
