package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/receiptescrow/internal/circuitbreaker"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/retry"
	"github.com/mbd888/receiptescrow/internal/traces"
)

const (
	// DefaultTxTimeout bounds the wait for a transaction to be mined.
	DefaultTxTimeout = 60 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 500 * time.Millisecond

	// breakerKey groups every call to the one configured node.
	breakerKey = "rpc"
)

// Config tunes transaction waiting.
type Config struct {
	TxTimeout    time.Duration
	PollInterval time.Duration
}

// Gateway drives the escrow contract through a Backend.
type Gateway struct {
	backend  Backend
	contract *Contract
	cfg      Config
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway creates a gateway for contract over backend.
func NewGateway(backend Backend, contract *Contract, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend:  backend,
		contract: contract,
		cfg:      cfg,
		breaker:  circuitbreaker.New(5, 15*time.Second),
		logger:   logger,
		now:      time.Now,
	}
}

// WithBreaker replaces the default circuit breaker.
func (g *Gateway) WithBreaker(b *circuitbreaker.Breaker) *Gateway {
	g.breaker = b
	return g
}

// Accounts lists the node's unlocked accounts in node order.
func (g *Gateway) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	err := g.read(ctx, "accounts", func(ctx context.Context) error {
		var err error
		accounts, err = g.backend.Accounts(ctx)
		return err
	})
	if err != nil {
		return nil, g.fault(ctx, "accounts", "", err)
	}
	return accounts, nil
}

// Balance returns addr's balance in wei at the latest block.
func (g *Gateway) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := g.read(ctx, "balance", func(ctx context.Context) error {
		var err error
		bal, err = g.backend.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, g.fault(ctx, "balance", "", err)
	}
	return bal, nil
}

// DeployContract deploys a new escrow contract owned by owner.
func (g *Gateway) DeployContract(ctx context.Context, owner common.Address, returnWindowDays uint64) (common.Address, error) {
	const op = "deploy"
	data, err := g.contract.DeployData(returnWindowDays)
	if err != nil {
		return common.Address{}, &Error{Op: op, Err: err}
	}

	m, err := g.transact(ctx, op, TxRequest{From: owner, Data: data})
	if err != nil {
		return common.Address{}, err
	}
	if m.reason != "" {
		return common.Address{}, &Error{Op: op, TxHash: m.hash.Hex(), Reason: m.reason, Err: ErrReverted}
	}
	if m.receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, &Error{Op: op, TxHash: m.hash.Hex(), Err: fmt.Errorf("%w: no contract address", ErrNoEvent)}
	}
	return m.receipt.ContractAddress, nil
}

// IssueReceipt escrows amount wei from seller into contract on behalf of
// buyer and waits for it to be mined. Any revert is an error here: the
// seller's own contract has no business reason to refuse a sale.
func (g *Gateway) IssueReceipt(ctx context.Context, contract, seller, buyer common.Address, amount *big.Int) (*Issued, error) {
	const op = "issue_receipt"
	data, err := g.contract.ABI.Pack("issueReceipt", buyer)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	m, err := g.transact(ctx, op, TxRequest{From: seller, To: &contract, Value: amount, Data: data})
	if err != nil {
		return nil, err
	}
	txHash := m.hash.Hex()
	if m.reason != "" {
		return nil, &Error{Op: op, TxHash: txHash, Reason: m.reason, Err: ErrReverted}
	}

	idx, err := g.contract.ReceiptIndex(m.receipt, contract)
	if err != nil {
		return nil, &Error{Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrNoEvent, err)}
	}

	// The funds are escrowed; finish even if the caller has gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TxTimeout)
	defer cancel()

	purchased := g.now().UTC()
	var ts uint64
	err = g.read(ctx, op, func(ctx context.Context) error {
		var err error
		ts, err = g.backend.BlockTime(ctx, m.receipt.BlockNumber)
		return err
	})
	if err != nil || ts == 0 {
		g.logger.WarnContext(ctx, "block timestamp unavailable, using local clock",
			"tx_hash", txHash, "block", m.receipt.BlockNumber, "error", err)
	} else {
		purchased = unixTime(ts)
	}

	return &Issued{
		TxHash:       txHash,
		BlockNumber:  m.receipt.BlockNumber.Uint64(),
		PurchaseTime: purchased,
		ReceiptIndex: idx,
		Status:       OutcomeSuccess,
	}, nil
}

// RequestReturn asks contract, as buyer, to refund receipt index.
func (g *Gateway) RequestReturn(ctx context.Context, contract, buyer common.Address, index uint64) (Outcome, error) {
	const op = "request_return"
	data, err := g.contract.ABI.Pack("requestReturn", new(big.Int).SetUint64(index))
	if err != nil {
		return Outcome{}, &Error{Op: op, Err: err}
	}
	m, err := g.transact(ctx, op, TxRequest{From: buyer, To: &contract, Data: data})
	if err != nil {
		return Outcome{}, err
	}
	return m.outcome(), nil
}

// ReleaseFunds asks contract, as seller, to pay out buyer's receipt index.
func (g *Gateway) ReleaseFunds(ctx context.Context, contract, buyer common.Address, index uint64, seller common.Address) (Outcome, error) {
	const op = "release_funds"
	data, err := g.contract.ABI.Pack("releaseFunds", buyer, new(big.Int).SetUint64(index))
	if err != nil {
		return Outcome{}, &Error{Op: op, Err: err}
	}
	m, err := g.transact(ctx, op, TxRequest{From: seller, To: &contract, Data: data})
	if err != nil {
		return Outcome{}, err
	}
	return m.outcome(), nil
}

// ReceiptState reads the contract's record of buyer's receipt index.
func (g *Gateway) ReceiptState(ctx context.Context, contract, buyer common.Address, index uint64) (*ReceiptState, error) {
	const op = "get_receipt"
	data, err := g.contract.ABI.Pack("getReceipt", buyer, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	var out []byte
	err = g.read(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = g.backend.CallContract(ctx, ethereum.CallMsg{From: buyer, To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return nil, &Error{Op: op, Reason: reason, Err: ErrReverted}
		}
		return nil, g.fault(ctx, op, "", err)
	}

	state, err := g.contract.DecodeReceiptState(out)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}
	return state, nil
}

// IssuedReceipts lists every receipt contract has issued, from its
// ReceiptIssued events.
func (g *Gateway) IssuedReceipts(ctx context.Context, contract common.Address) ([]IssuedLog, error) {
	const op = "issued_receipts"
	q := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{g.contract.ABI.Events[eventReceiptIssued].ID}},
	}
	var logs []types.Log
	err := g.read(ctx, op, func(ctx context.Context) error {
		var err error
		logs, err = g.backend.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, g.fault(ctx, op, "", err)
	}

	out := make([]IssuedLog, 0, len(logs))
	for i := range logs {
		l, err := g.contract.DecodeIssued(&logs[i])
		if err != nil {
			return nil, &Error{Op: op, TxHash: logs[i].TxHash.Hex(), Err: fmt.Errorf("%w: %v", ErrRPC, err)}
		}
		out = append(out, *l)
	}
	return out, nil
}

// mined is a submitted transaction. reason is set when the node refused
// it as a revert, either at preflight or after mining with status 0.
type mined struct {
	hash    common.Hash
	receipt *types.Receipt
	reason  string
}

func (m mined) outcome() Outcome {
	var o Outcome
	if m.reason != "" {
		o = rejected(m.reason)
	} else {
		o = Outcome{Status: OutcomeSuccess}
	}
	if m.hash != (common.Hash{}) {
		o.TxHash = m.hash.Hex()
	}
	if m.receipt != nil && m.receipt.BlockNumber != nil {
		o.BlockNumber = m.receipt.BlockNumber.Uint64()
	}
	return o
}

// transact preflights tx with eth_call so a revert surfaces with its
// reason before any gas is spent, then sends it and waits for mining.
func (g *Gateway) transact(ctx context.Context, op string, tx TxRequest) (m mined, err error) {
	ctx, span := traces.StartSpan(ctx, "chain."+op, traces.SellerAddr(tx.From.Hex()))
	start := time.Now()
	defer func() {
		metrics.ChainCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	if tx.To != nil {
		span.SetAttributes(traces.ContractAddr(tx.To.Hex()))
		err = g.guard(op, func() error {
			_, err := g.backend.CallContract(ctx, ethereum.CallMsg{
				From:  tx.From,
				To:    tx.To,
				Value: tx.Value,
				Data:  tx.Data,
			}, nil)
			return err
		})
		if err != nil {
			if reason, ok := RevertReason(err); ok {
				return mined{reason: reason}, nil
			}
			return mined{}, g.fault(ctx, op, "", err)
		}
	}

	err = g.guard(op, func() error {
		var err error
		m.hash, err = g.backend.SendTransaction(ctx, tx)
		return err
	})
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return mined{reason: reason}, nil
		}
		return mined{}, g.fault(ctx, op, "", err)
	}
	span.SetAttributes(traces.TxHash(m.hash.Hex()))

	m.receipt, err = g.waitMined(ctx, op, m.hash)
	if err != nil {
		return mined{}, err
	}
	if m.receipt.Status != types.ReceiptStatusSuccessful {
		m.reason = "transaction reverted"
	}
	return m, nil
}

// waitMined polls for hash's receipt until it appears or TxTimeout passes.
// A sent transaction mines whether or not the caller is still waiting, so
// only TxTimeout ends the wait.
func (g *Gateway) waitMined(caller context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(caller), g.cfg.TxTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	gone := caller.Done()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			g.logger.DebugContext(ctx, "receipt poll failed", "op", op, "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-gone:
			g.logger.WarnContext(ctx, "caller gone, still waiting for transaction to be mined",
				"op", op, "tx_hash", hash.Hex(), "cause", context.Cause(caller))
			gone = nil
		case <-ctx.Done():
			metrics.ChainErrorsTotal.WithLabelValues(op).Inc()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Op: op, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, &Error{Op: op, TxHash: hash.Hex(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// read runs an idempotent call with retries inside the breaker.
func (g *Gateway) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.guard(op, func() error {
		return retry.Do(ctx, retry.ReadPolicy, func(ctx context.Context) error {
			err := fn(ctx)
			if _, reverted := RevertReason(err); reverted {
				return retry.Permanent(err)
			}
			return err
		})
	})
}

// guard runs fn through the breaker; reverts do not count as node faults.
func (g *Gateway) guard(op string, fn func() error) error {
	err := g.breaker.Execute(breakerKey, fn, isNodeFault)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Op: op, Err: ErrUnavailable}
	}
	return err
}

func isNodeFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	_, reverted := RevertReason(err)
	return !reverted
}

// fault converts a backend error into *Error wrapping ErrRPC.
func (g *Gateway) fault(ctx context.Context, op, txHash string, err error) error {
	metrics.ChainErrorsTotal.WithLabelValues(op).Inc()
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	g.logger.ErrorContext(ctx, "chain call failed", "op", op, "tx_hash", txHash, "error", err)
	return &Error{Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrRPC, err)}
}

func unixTime(sec uint64) time.Time {
	return time.Unix(int64(sec), 0).UTC() //nolint:gosec // block timestamps fit in int64
}
