package sellers

import (
	"context"
	"sync"

	"github.com/mbd888/receiptescrow/internal/pagination"
)

// MemoryStore is an in-memory seller store for development mode.
type MemoryStore struct {
	sellers map[string]*Seller
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory seller store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sellers: make(map[string]*Seller)}
}

func (m *MemoryStore) Create(_ context.Context, s *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sellers[s.Address]; ok {
		return ErrAlreadyExists
	}
	cp := *s
	m.sellers[s.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, address string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sellers[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, cursor string, limit int) ([]*Seller, string, error) {
	m.mu.RLock()
	all := make([]*Seller, 0, len(m.sellers))
	for _, s := range m.sellers {
		cp := *s
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	return pagination.Window(all, cursor, limit, scanKey)
}

func (m *MemoryStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sellers)
	m.sellers = make(map[string]*Seller)
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
