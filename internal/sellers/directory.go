package sellers

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/receiptescrow/internal/pagination"
)

// Directory is a read-through cache over a Store. The store stays the
// source of truth: misses always go to it, so a seller registered by
// another process is found on first lookup, and entries expire after ttl.
type Directory struct {
	store   Store
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cachedSeller
	now     func() time.Time
}

type cachedSeller struct {
	seller  Seller
	expires time.Time
}

// NewDirectory creates a directory over store. A non-positive ttl
// disables caching.
func NewDirectory(store Store, ttl time.Duration) *Directory {
	return &Directory{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cachedSeller),
		now:     time.Now,
	}
}

// Resolve returns the seller for address, or ErrNotFound.
func (d *Directory) Resolve(ctx context.Context, address string) (*Seller, error) {
	if s, ok := d.cached(address); ok {
		return s, nil
	}

	s, err := d.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	d.put(s)
	cp := *s
	return &cp, nil
}

// Warm loads every stored seller into the cache.
func (d *Directory) Warm(ctx context.Context, pageSize int) (int, error) {
	all, _, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*Seller, string, error) {
		return d.store.List(ctx, cursor, pageSize)
	}, 0)
	if err != nil {
		return 0, err
	}
	for _, s := range all {
		d.put(s)
	}
	return len(all), nil
}

// Invalidate drops address from the cache.
func (d *Directory) Invalidate(address string) {
	d.mu.Lock()
	delete(d.entries, address)
	d.mu.Unlock()
}

// Reset empties the cache.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.entries = make(map[string]cachedSeller)
	d.mu.Unlock()
}

func (d *Directory) cached(address string) (*Seller, bool) {
	if d.ttl <= 0 {
		return nil, false
	}
	d.mu.RLock()
	e, ok := d.entries[address]
	d.mu.RUnlock()
	if !ok || !d.now().Before(e.expires) {
		return nil, false
	}
	s := e.seller
	return &s, true
}

func (d *Directory) put(s *Seller) {
	if d.ttl <= 0 {
		return
	}
	d.mu.Lock()
	d.entries[s.Address] = cachedSeller{seller: *s, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
}
