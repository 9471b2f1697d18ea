package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/receiptescrow/internal/accounts"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/traces"
)

// maxUserIDLength bounds user identifiers.
const maxUserIDLength = 64

// RegisterUserRequest contains the parameters for creating a login.
type RegisterUserRequest struct {
	UserID           string `json:"userId" binding:"required"`
	Password         string `json:"password" binding:"required"`
	ReturnWindowDays int    `json:"returnWindowDays"`
}

// UserResult is the result of RegisterUser and VerifyLogin.
type UserResult struct {
	Decision
	Account *accounts.Account `json:"account,omitempty"`
	Seller  *sellers.Seller   `json:"seller,omitempty"`
}

// RegisterUser binds a new login to the first pool address nobody has
// claimed and registers that address as a seller. The pool is the first
// AccountPoolSize accounts of the node.
func (s *Service) RegisterUser(ctx context.Context, req RegisterUserRequest) (res *UserResult, err error) {
	const op = "register_user"
	userID := strings.TrimSpace(req.UserID)

	ctx, span := traces.StartSpan(ctx, "escrow.RegisterUser")
	defer func() { traces.End(span, err) }()

	if userID == "" || len(userID) > maxUserIDLength || req.Password == "" {
		return &UserResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "user id and password are required")}, nil
	}
	window := req.ReturnWindowDays
	if window == 0 {
		window = s.cfg.DefaultReturnWindowDays
	}
	if window < 1 {
		return &UserResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "return window must be at least one day")}, nil
	}

	if _, err := s.stores.Accounts.Get(ctx, userID); err == nil {
		return &UserResult{Decision: s.reject(ctx, op, CodeAccountExists, "user already exists", "user_id", userID)}, nil
	} else if !errors.Is(err, accounts.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := accounts.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	pool, err := s.gateway.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool) > s.cfg.AccountPoolSize {
		pool = pool[:s.cfg.AccountPoolSize]
	}

	for _, candidate := range pool {
		address := strings.ToLower(candidate.Hex())
		if _, err := s.stores.Accounts.FindByAddress(ctx, address); err == nil {
			continue
		} else if !errors.Is(err, accounts.ErrNotFound) {
			return nil, fmt.Errorf("failed to check pool address: %w", err)
		}

		seller, err := s.sellerFor(ctx, address, window)
		if err != nil {
			return nil, err
		}
		if !seller.OK {
			return &UserResult{Decision: seller.Decision}, nil
		}

		account := &accounts.Account{
			UserID:         userID,
			AccountAddress: address,
			PasswordHash:   hash,
			CreatedAt:      s.now(),
		}
		switch err := s.stores.Accounts.Create(ctx, account); {
		case errors.Is(err, accounts.ErrAddressClaimed):
			// claimed by another process since the lookup
			continue
		case errors.Is(err, accounts.ErrAlreadyExists):
			return &UserResult{Decision: s.reject(ctx, op, CodeAccountExists, "user already exists", "user_id", userID)}, nil
		case err != nil:
			return nil, fmt.Errorf("failed to record account: %w", err)
		}

		s.logger.InfoContext(ctx, "user registered", "user_id", userID, "address", address)
		return &UserResult{Decision: accepted(), Account: account, Seller: seller.Seller}, nil
	}

	return &UserResult{Decision: s.reject(ctx, op, CodePoolExhausted,
		fmt.Sprintf("all %d pool addresses are assigned", len(pool)), "user_id", userID)}, nil
}

// sellerFor registers address as a seller, or returns the existing
// registration if it already has a contract.
func (s *Service) sellerFor(ctx context.Context, address string, window int) (*SellerResult, error) {
	res, err := s.RegisterSeller(ctx, address, window)
	if err != nil || res.OK || res.Code != CodeSellerExists {
		return res, err
	}
	existing, err := s.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing seller: %w", err)
	}
	return &SellerResult{Decision: accepted(), Seller: existing}, nil
}

// VerifyLogin checks password against the stored bcrypt hash. Unknown
// users and wrong passwords are indistinguishable to the caller.
func (s *Service) VerifyLogin(ctx context.Context, userID, password string) (*UserResult, error) {
	const op = "verify_login"
	userID = strings.TrimSpace(userID)

	account, err := s.stores.Accounts.Get(ctx, userID)
	if errors.Is(err, accounts.ErrNotFound) {
		return &UserResult{Decision: s.reject(ctx, op, CodeInvalidCredentials, "invalid user id or password")}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !account.CheckPassword(password) {
		return &UserResult{Decision: s.reject(ctx, op, CodeInvalidCredentials, "invalid user id or password")}, nil
	}
	return &UserResult{Decision: accepted(), Account: account}, nil
}
