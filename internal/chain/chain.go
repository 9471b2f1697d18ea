// Package chain is the contract gateway: it deploys per-seller escrow
// contracts and drives receipt transactions against a development node
// whose accounts are unlocked.
//
// Infrastructure faults (node unreachable, transaction never mined,
// missing event) are returned as *Error. A contract that executes and
// declines a request is not an error: RequestReturn and ReleaseFunds
// report it as an Outcome with status Failed and the revert reason.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrRPC         = errors.New("chain: rpc call failed")
	ErrTimeout     = errors.New("chain: transaction not mined before timeout")
	ErrReverted    = errors.New("chain: transaction reverted")
	ErrNoEvent     = errors.New("chain: expected event not found in receipt")
	ErrUnavailable = errors.New("chain: node unavailable (circuit open)")
	ErrArtifact    = errors.New("chain: invalid contract artifact")
)

// Error wraps a gateway failure with the operation and, once known, the
// transaction hash.
type Error struct {
	Op     string
	TxHash string
	Reason string // revert reason when Err is ErrReverted
	Err    error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %s", e.Op, e.TxHash, msg)
	}
	return fmt.Sprintf("chain: %s failed: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// OutcomeStatus is the result of a transaction the contract may decline.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "Success"
	OutcomeRejected OutcomeStatus = "Failed"
)

// Outcome is what RequestReturn and ReleaseFunds report when the node
// executed the call. Reason is the contract's revert string, verbatim.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	TxHash      string        `json:"transactionHash,omitempty"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// Accepted reports whether the contract accepted the call.
func (o Outcome) Accepted() bool { return o.Status == OutcomeSuccess }

func rejected(reason string) Outcome {
	return Outcome{Status: OutcomeRejected, Reason: reason}
}

// Issued describes a mined issueReceipt transaction.
type Issued struct {
	TxHash       string
	BlockNumber  uint64
	PurchaseTime time.Time
	ReceiptIndex uint64
	Status       OutcomeStatus
}

// IssuedLog is one ReceiptIssued event as the contract emitted it.
type IssuedLog struct {
	TxHash       common.Hash
	BlockNumber  uint64
	Buyer        common.Address
	ReceiptIndex uint64
	Amount       *big.Int
}

// ReceiptState is the contract's own view of one receipt (getReceipt).
type ReceiptState struct {
	Amount        *big.Int
	PurchaseTime  time.Time
	Refunded      bool
	FundsReleased bool
}

// TxRequest is a transaction the node signs with one of its unlocked
// accounts. A nil To deploys Data as contract creation code.
type TxRequest struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

// Backend is the node surface the gateway needs. RPCBackend implements it
// over JSON-RPC; tests substitute a simulated contract.
type Backend interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, number *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}
