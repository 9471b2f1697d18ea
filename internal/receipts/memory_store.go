package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/receiptescrow/internal/pagination"
)

// MemoryStore is an in-memory receipt store for development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.receipts[r.TransactionHash]; ok {
		return ErrAlreadyExists
	}
	m.receipts[r.TransactionHash] = clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, txHash string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.receipts[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) Scan(_ context.Context, f Filter, cursor string, limit int) ([]*Receipt, string, error) {
	m.mu.RLock()
	var matched []*Receipt
	for _, r := range m.receipts {
		if f.matches(r) {
			matched = append(matched, clone(r))
		}
	}
	m.mu.RUnlock()

	return pagination.Window(matched, cursor, limit, scanKey)
}

func (m *MemoryStore) UpdateStatus(_ context.Context, txHash string, from, to Status, at time.Time) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.receipts[txHash]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrStatusConflict
	}
	r.Status = to
	r.stamp(to, at)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.receipts)
	m.receipts = make(map[string]*Receipt)
	return n, nil
}

func clone(r *Receipt) *Receipt {
	cp := *r
	if r.ReturnTime != nil {
		t := *r.ReturnTime
		cp.ReturnTime = &t
	}
	if r.FundsReleaseTime != nil {
		t := *r.FundsReleaseTime
		cp.FundsReleaseTime = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
