// Package reconciliation audits the off-chain receipt ledger against the
// escrow contracts' own records and reports drift.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/receiptescrow/internal/chain"
	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/wei"
)

// ChainReader reads receipts as the contracts see them.
type ChainReader interface {
	ReceiptState(ctx context.Context, contract, buyer common.Address, index uint64) (*chain.ReceiptState, error)
	IssuedReceipts(ctx context.Context, contract common.Address) ([]chain.IssuedLog, error)
}

// DriftKind classifies a mismatch.
type DriftKind string

const (
	DriftStatus     DriftKind = "status"
	DriftAmount     DriftKind = "amount"
	DriftMissing    DriftKind = "missing_on_chain"
	DriftUnrecorded DriftKind = "missing_in_ledger" // issued on chain, absent from the ledger
)

// Drift is one receipt whose ledger record disagrees with its contract.
type Drift struct {
	Kind             DriftKind       `json:"kind"`
	TransactionHash  string          `json:"transactionHash"`
	ContractAddress  string          `json:"contractAddress"`
	BuyerAddress     string          `json:"buyerAddress"`
	ReceiptIndex     uint64          `json:"receiptIndex"`
	LedgerStatus     receipts.Status `json:"ledgerStatus"`
	LedgerAmount     string          `json:"ledgerAmount"`
	ChainRefunded    bool            `json:"chainRefunded"`
	ChainReleased    bool            `json:"chainFundsReleased"`
	ChainAmount      string          `json:"chainAmount,omitempty"`
	ExpectedRefunded bool            `json:"expectedRefunded"`
	ExpectedReleased bool            `json:"expectedFundsReleased"`
}

// Report is the result of one audit run.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
	Checked   int           `json:"checked"`
	Contracts int           `json:"contractsScanned"`
	Errors    int           `json:"errors"`
	Truncated bool          `json:"truncated"`
	Drift     []Drift       `json:"drift"`
}

// Clean reports whether the run saw no drift and no read errors.
func (r *Report) Clean() bool { return len(r.Drift) == 0 && r.Errors == 0 }

// expectedFlags maps a ledger status to the (refunded, fundsReleased) pair
// its contract should hold. Release is only reachable after a return.
func expectedFlags(s receipts.Status) (refunded, released bool) {
	switch s {
	case receipts.StatusReturned:
		return true, false
	case receipts.StatusFundsReleased:
		return true, true
	}
	return false, false
}

// Runner walks the receipt store and compares each receipt with the chain,
// then walks each contract's issued receipts and looks for them in the
// ledger.
type Runner struct {
	store    receipts.Store
	sellers  sellers.Store
	chain    ChainReader
	pageSize int
	maxPages int
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates an audit runner. maxPages 0 scans the whole ledger.
func NewRunner(store receipts.Store, reader ChainReader, pageSize, maxPages int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Runner{
		store:    store,
		chain:    reader,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger,
		now:      time.Now,
	}
}

// WithSellers adds the contracts of every registered seller to the
// ledger-completeness pass, including sellers with no recorded receipts.
func (r *Runner) WithSellers(store sellers.Store) *Runner {
	r.sellers = store
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll audits every receipt, then every contract's issued receipts.
// Per-receipt read failures are counted and the run continues; an open
// circuit aborts it.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{StartedAt: start.UTC(), Drift: []Drift{}}

	all, truncated, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*receipts.Receipt, string, error) {
		return r.store.Scan(ctx, receipts.Filter{}, cursor, r.pageSize)
	}, r.maxPages)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to scan receipts: %w", err)
	}
	report.Truncated = truncated

	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		drift, err := r.check(ctx, rec)
		if err != nil {
			if errors.Is(err, chain.ErrUnavailable) {
				reconcileErrors.Inc()
				return nil, err
			}
			report.Errors++
			reconcileErrors.Inc()
			r.logger.WarnContext(ctx, "receipt audit failed",
				"tx_hash", rec.TransactionHash, "error", err)
			continue
		}
		report.Checked++
		if drift != nil {
			report.Drift = append(report.Drift, *drift)
			r.logger.ErrorContext(ctx, "receipt drift detected",
				"kind", drift.Kind,
				"tx_hash", drift.TransactionHash,
				"ledger_status", drift.LedgerStatus,
				"chain_refunded", drift.ChainRefunded,
				"chain_released", drift.ChainReleased)
		}
	}

	if truncated {
		r.logger.DebugContext(ctx, "ledger scan truncated, skipping contract event pass")
	} else if err := r.checkContracts(ctx, all, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report.Duration = r.now().Sub(start)
	reconcileChecked.Set(float64(report.Checked))
	reconcileDrift.Set(float64(len(report.Drift)))
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileLastRun.SetToCurrentTime()

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if len(report.Drift) > 0 {
		r.logger.WarnContext(ctx, "reconciliation found drift",
			"checked", report.Checked, "drift", len(report.Drift), "errors", report.Errors)
	} else {
		r.logger.InfoContext(ctx, "reconciliation clean",
			"checked", report.Checked, "errors", report.Errors)
	}
	return report, nil
}

func (r *Runner) check(ctx context.Context, rec *receipts.Receipt) (*Drift, error) {
	state, err := r.chain.ReceiptState(ctx,
		common.HexToAddress(rec.ContractAddress),
		common.HexToAddress(rec.BuyerAddress),
		rec.ReceiptIndex)

	wantRefunded, wantReleased := expectedFlags(rec.Status)
	d := &Drift{
		TransactionHash:  rec.TransactionHash,
		ContractAddress:  rec.ContractAddress,
		BuyerAddress:     rec.BuyerAddress,
		ReceiptIndex:     rec.ReceiptIndex,
		LedgerStatus:     rec.Status,
		LedgerAmount:     rec.Amount,
		ExpectedRefunded: wantRefunded,
		ExpectedReleased: wantReleased,
	}

	if err != nil {
		// the contract reverts getReceipt for an index it never issued
		if errors.Is(err, chain.ErrReverted) {
			d.Kind = DriftMissing
			return d, nil
		}
		return nil, err
	}

	d.ChainRefunded = state.Refunded
	d.ChainReleased = state.FundsReleased
	d.ChainAmount = wei.Format(state.Amount)

	switch {
	case state.Refunded != wantRefunded || state.FundsReleased != wantReleased:
		d.Kind = DriftStatus
	case wei.Canonical(rec.Amount) != d.ChainAmount:
		d.Kind = DriftAmount
	default:
		return nil, nil
	}
	return d, nil
}

// checkContracts reports every ReceiptIssued event whose transaction is not
// in ledger. Contracts come from the ledger itself and, when configured,
// from the sellers store.
func (r *Runner) checkContracts(ctx context.Context, ledger []*receipts.Receipt, report *Report) error {
	recorded := make(map[string]bool, len(ledger))
	contracts := make(map[string]bool)
	for _, rec := range ledger {
		recorded[strings.ToLower(rec.TransactionHash)] = true
		contracts[strings.ToLower(rec.ContractAddress)] = true
	}
	if r.sellers != nil {
		all, _, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*sellers.Seller, string, error) {
			return r.sellers.List(ctx, cursor, r.pageSize)
		}, 0)
		if err != nil {
			return fmt.Errorf("failed to list sellers: %w", err)
		}
		for _, s := range all {
			contracts[strings.ToLower(s.ContractAddress)] = true
		}
	}

	addrs := make([]string, 0, len(contracts))
	for c := range contracts {
		addrs = append(addrs, c)
	}
	sort.Strings(addrs)

	for _, contract := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		issued, err := r.chain.IssuedReceipts(ctx, common.HexToAddress(contract))
		if err != nil {
			if errors.Is(err, chain.ErrUnavailable) {
				return err
			}
			report.Errors++
			reconcileErrors.Inc()
			r.logger.WarnContext(ctx, "contract event scan failed", "contract", contract, "error", err)
			continue
		}
		report.Contracts++
		for _, l := range issued {
			hash := strings.ToLower(l.TxHash.Hex())
			if recorded[hash] {
				continue
			}
			d := Drift{
				Kind:            DriftUnrecorded,
				TransactionHash: hash,
				ContractAddress: contract,
				BuyerAddress:    strings.ToLower(l.Buyer.Hex()),
				ReceiptIndex:    l.ReceiptIndex,
				ChainAmount:     wei.Format(l.Amount),
			}
			report.Drift = append(report.Drift, d)
			r.logger.ErrorContext(ctx, "receipt drift detected",
				"kind", d.Kind, "tx_hash", d.TransactionHash,
				"contract", contract, "receipt_index", d.ReceiptIndex)
		}
	}
	return nil
}
