// Package accounts stores user logins, each bound to one chain address
// from the node's pre-funded pool.
package accounts

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound       = errors.New("accounts: account not found")
	ErrAlreadyExists  = errors.New("accounts: user already exists")
	ErrAddressClaimed = errors.New("accounts: address already assigned")
	ErrEmptyPassword  = errors.New("accounts: empty password")
)

// Account is immutable once created.
type Account struct {
	UserID         string    `json:"userId"`
	AccountAddress string    `json:"accountAddress"`
	PasswordHash   string    `json:"-"` // bcrypt, never exposed
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists accounts. Both the user ID and the address are unique.
type Store interface {
	// Create fails with ErrAlreadyExists for a taken user ID and with
	// ErrAddressClaimed for a taken address.
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, userID string) (*Account, error)
	FindByAddress(ctx context.Context, address string) (*Account, error)
	List(ctx context.Context, cursor string, limit int) ([]*Account, string, error)
	Clear(ctx context.Context) (int, error)
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the account's hash.
func (a *Account) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

func scanKey(a *Account) (time.Time, string) { return a.CreatedAt, a.UserID }
