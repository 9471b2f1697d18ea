// Package sellers stores the mapping from a seller address to its escrow
// contract and return window.
package sellers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("sellers: seller not found")
	ErrAlreadyExists = errors.New("sellers: seller already exists")
)

// Seller is created once per address and never mutated afterwards.
type Seller struct {
	Address          string    `json:"sellerAddress"`
	ContractAddress  string    `json:"contractAddress"`
	ReturnWindowDays int       `json:"returnWindowDays"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists sellers keyed by lowercase address.
type Store interface {
	// Create inserts s, failing with ErrAlreadyExists if the address is taken.
	Create(ctx context.Context, s *Seller) error
	Get(ctx context.Context, address string) (*Seller, error)
	// List returns up to limit sellers after cursor and the next cursor,
	// which is empty on the last page.
	List(ctx context.Context, cursor string, limit int) ([]*Seller, string, error)
	// Clear deletes every seller and reports how many were removed.
	Clear(ctx context.Context) (int, error)
}

func scanKey(s *Seller) (time.Time, string) { return s.CreatedAt, s.Address }
