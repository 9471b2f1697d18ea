package accounts

import (
	"context"
	"sync"

	"github.com/mbd888/receiptescrow/internal/pagination"
)

// MemoryStore is an in-memory account store for development mode.
type MemoryStore struct {
	accounts  map[string]*Account
	byAddress map[string]string // address -> user ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		byAddress: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.UserID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byAddress[a.AccountAddress]; ok {
		return ErrAddressClaimed
	}
	cp := *a
	m.accounts[a.UserID] = &cp
	m.byAddress[a.AccountAddress] = a.UserID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindByAddress(_ context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, cursor string, limit int) ([]*Account, string, error) {
	m.mu.RLock()
	all := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	return pagination.Window(all, cursor, limit, scanKey)
}

func (m *MemoryStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.accounts)
	m.accounts = make(map[string]*Account)
	m.byAddress = make(map[string]string)
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
