// Package escrow keeps the off-chain receipt ledger consistent with the
// per-seller escrow contracts.
//
// Receipt lifecycle:
//  1. Seller issues a receipt → buyer funds move into the seller's contract (Active)
//  2. Buyer requests a return inside the window → contract refunds (Returned)
//  3. Seller releases a returned receipt → contract settles it (FundsReleased)
//
// A chain call is only made when the ledger shows the expected predecessor
// status, and the ledger only moves after the contract accepted the call.
// Business rejections come back as a Decision; errors are infrastructure
// faults.
package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/receiptescrow/internal/accounts"
	"github.com/mbd888/receiptescrow/internal/chain"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/syncutil"
)

// Rejection codes carried by a Decision.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeSellerExists       = "seller_exists"
	CodeSellerNotFound     = "seller_not_found"
	CodeReceiptNotFound    = "receipt_not_found"
	CodeInvalidStatus      = "invalid_status"
	CodeContractRejected   = "contract_rejected"
	CodePoolExhausted      = "pool_exhausted"
	CodeAccountExists      = "account_exists"
	CodeInvalidCredentials = "invalid_credentials"
)

// Realtime event types published after a ledger change.
const (
	EventSellerRegistered     = "seller.registered"
	EventReceiptIssued        = "receipt.issued"
	EventReceiptReturned      = "receipt.returned"
	EventReceiptFundsReleased = "receipt.funds_released"
)

// Decision is the business verdict on a request. OK is false for an
// expected refusal (duplicate seller, contract revert, wrong password),
// with Code identifying it and Reason explaining it to a person.
type Decision struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func accepted() Decision { return Decision{OK: true} }

// Gateway is the chain surface the service drives. *chain.Gateway
// implements it.
type Gateway interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	DeployContract(ctx context.Context, owner common.Address, returnWindowDays uint64) (common.Address, error)
	IssueReceipt(ctx context.Context, contract, seller, buyer common.Address, amount *big.Int) (*chain.Issued, error)
	RequestReturn(ctx context.Context, contract, buyer common.Address, index uint64) (chain.Outcome, error)
	ReleaseFunds(ctx context.Context, contract, buyer common.Address, index uint64, seller common.Address) (chain.Outcome, error)
}

// SellerResolver looks sellers up by address. *sellers.Directory
// implements it.
type SellerResolver interface {
	Resolve(ctx context.Context, address string) (*sellers.Seller, error)
	Invalidate(address string)
	Reset()
}

// Publisher fans ledger changes out to subscribers. addresses are the
// parties an event concerns.
type Publisher interface {
	Publish(eventType string, addresses []string, data interface{})
}

// Stores groups the three record collections.
type Stores struct {
	Sellers  sellers.Store
	Receipts receipts.Store
	Accounts accounts.Store
}

// Config tunes scans and user registration.
type Config struct {
	PageSize                int
	MaxPages                int // cap for AllReceipts; 0 means unbounded
	AccountPoolSize         int
	DefaultReturnWindowDays int
}

// Service implements the reconciliation logic between chain and ledger.
type Service struct {
	gateway   Gateway
	stores    Stores
	resolver  SellerResolver
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	locks  *syncutil.KeyedMutex // serializes operations on one seller or receipt
	poolMu sync.Mutex           // serializes address allocation
}

// NewService creates a new escrow service.
func NewService(gateway Gateway, stores Stores, resolver SellerResolver, cfg Config, logger *slog.Logger) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.AccountPoolSize <= 0 {
		cfg.AccountPoolSize = 10
	}
	if cfg.DefaultReturnWindowDays <= 0 {
		cfg.DefaultReturnWindowDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway:  gateway,
		stores:   stores,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(0),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// WithPublisher adds a realtime publisher for ledger events.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) publish(eventType string, data interface{}, addresses ...string) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, addresses, data)
	}
}

// reject records a business refusal.
func (s *Service) reject(ctx context.Context, op, code, reason string, args ...any) Decision {
	metrics.RejectionsTotal.WithLabelValues(op, code).Inc()
	s.logger.InfoContext(ctx, "request rejected",
		append([]any{"op", op, "code", code, "reason", reason}, args...)...)
	return Decision{Code: code, Reason: reason}
}
