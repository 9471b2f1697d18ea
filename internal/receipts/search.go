package receipts

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/wei"
)

var (
	ErrInvalidSort   = errors.New("receipts: invalid sort key")
	ErrInvalidAmount = errors.New("receipts: invalid amount filter")
)

// SortKey orders search results.
type SortKey string

const (
	SortNone         SortKey = ""
	SortAmount       SortKey = "amount"
	SortPurchaseTime SortKey = "purchase_time"
)

// Query describes a receipt search. Amount and PurchaseTime are optional
// equality filters applied on top of the attribute filter.
type Query struct {
	Filter
	Amount       string
	PurchaseTime *time.Time
	SortBy       SortKey
	Descending   bool
}

// Search collects every page matching q, reading at most maxPages pages of
// pageSize receipts (maxPages <= 0 reads everything). truncated reports
// whether the page cap cut the scan short.
func Search(ctx context.Context, store Store, q Query, pageSize, maxPages int) (out []*Receipt, truncated bool, err error) {
	switch q.SortBy {
	case SortNone, SortAmount, SortPurchaseTime:
	default:
		return nil, false, ErrInvalidSort
	}
	var amount string
	if q.Amount != "" {
		v, ok := wei.Parse(q.Amount)
		if !ok {
			return nil, false, ErrInvalidAmount
		}
		amount = wei.Format(v)
	}

	all, truncated, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*Receipt, string, error) {
		return store.Scan(ctx, q.Filter, cursor, pageSize)
	}, maxPages)
	if err != nil {
		return nil, false, err
	}

	out = all[:0]
	for _, r := range all {
		if amount != "" && wei.Canonical(r.Amount) != amount {
			continue
		}
		if q.PurchaseTime != nil && !r.PurchaseTime.Equal(*q.PurchaseTime) {
			continue
		}
		out = append(out, r)
	}

	if q.SortBy != SortNone {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i], out[j], q.SortBy)
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	return out, truncated, nil
}

func compare(a, b *Receipt, key SortKey) int {
	switch key {
	case SortAmount:
		av, _ := wei.Parse(a.Amount)
		bv, _ := wei.Parse(b.Amount)
		if av == nil || bv == nil {
			return 0
		}
		return av.Cmp(bv)
	case SortPurchaseTime:
		return a.PurchaseTime.Compare(b.PurchaseTime)
	}
	return 0
}
