// Package pagination provides opaque continuation tokens for keyset scans
// and a bounded collector that follows them.
package pagination

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for continuation tokens that do not decode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is a position in a result set ordered by (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// After reports whether (createdAt, id) sorts strictly after c.
// A nil cursor precedes everything.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.After(c.CreatedAt)
	}
	return id > c.ID
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (createdAt, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	last := items[len(items)-1]
	createdAt, id := extractKey(last)
	return items, Encode(createdAt, id), true
}

// Window pages an in-memory slice the way a keyset query would: it sorts
// by key, skips everything up to cursor, and returns at most limit items
// with the continuation token for the next page.
func Window[T any](items []T, cursor string, limit int, key func(T) (time.Time, string)) ([]T, string, error) {
	c, err := Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	sort.Slice(items, func(i, j int) bool {
		ti, ii := key(items[i])
		tj, ij := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ii < ij
	})

	page := make([]T, 0, limit+1)
	for _, item := range items {
		if !c.After(key(item)) {
			continue
		}
		page = append(page, item)
		if len(page) > limit {
			break
		}
	}
	page, next, _ := ComputePage(page, limit, key)
	return page, next, nil
}

// PageFunc fetches the page after cursor. An empty next token marks the
// last page.
type PageFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// Collect follows continuation tokens until the scan is exhausted or
// maxPages pages have been read (maxPages <= 0 means no cap). truncated
// reports whether the cap stopped a scan that had more pages.
func Collect[T any](ctx context.Context, fetch PageFunc[T], maxPages int) (all []T, truncated bool, err error) {
	cursor := ""
	for pages := 0; ; pages++ {
		if maxPages > 0 && pages == maxPages {
			return all, true, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return nil, false, err
		}
		all = append(all, items...)
		if next == "" {
			return all, false, nil
		}
		cursor = next
	}
}
