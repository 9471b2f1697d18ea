package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/receiptescrow/internal/chain"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/metrics"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/traces"
	"github.com/mbd888/receiptescrow/internal/validation"
	"github.com/mbd888/receiptescrow/internal/wei"
)

// SellerResult is the result of RegisterSeller.
type SellerResult struct {
	Decision
	Seller *sellers.Seller `json:"seller,omitempty"`
}

// IssueRequest contains the parameters for issuing a receipt.
type IssueRequest struct {
	SellerAddress string `json:"sellerAddress" binding:"required"`
	BuyerAddress  string `json:"buyerAddress" binding:"required"`
	Amount        string `json:"amount" binding:"required"` // ether
	ItemName      string `json:"itemName"`
}

// IssueResult is the result of IssueReceipt.
type IssueResult struct {
	Decision
	Receipt *receipts.Receipt `json:"receipt,omitempty"`
}

// TransitionResult is the result of RequestReturn and ReleaseFunds.
// Outcome is set whenever the contract was called.
type TransitionResult struct {
	Decision
	Outcome *chain.Outcome    `json:"outcome,omitempty"`
	Receipt *receipts.Receipt `json:"receipt,omitempty"`
}

// ledgerTimeout bounds the store writes that follow a mined transaction.
const ledgerTimeout = 10 * time.Second

// afterChain detaches ctx from the caller once a transaction has been
// mined.
func afterChain(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
}

// unresolved flags a chain error that carries a transaction hash: the
// transaction was sent but its effect could not be confirmed, so the ledger
// may now be behind the chain.
func (s *Service) unresolved(ctx context.Context, op string, err error, args ...any) error {
	var ce *chain.Error
	if !errors.As(err, &ce) || ce.TxHash == "" || errors.Is(err, chain.ErrReverted) {
		return err
	}
	metrics.StoreDivergenceTotal.WithLabelValues(op).Inc()
	logging.Critical(ctx, s.logger, "transaction sent but not confirmed, ledger not updated",
		append([]any{"op", op, "tx_hash", ce.TxHash, "error", err}, args...)...)
	return err
}

// RegisterSeller deploys an escrow contract owned by address and records
// it. An address can only be registered once; the store is checked before
// anything is deployed.
func (s *Service) RegisterSeller(ctx context.Context, address string, returnWindowDays int) (res *SellerResult, err error) {
	const op = "register_seller"
	address = validation.SanitizeAddress(address)

	ctx, span := traces.StartSpan(ctx, "escrow.RegisterSeller", traces.SellerAddr(address))
	defer func() { traces.End(span, err) }()

	if !validation.IsValidEthAddress(address) {
		return &SellerResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "seller address is not a valid address")}, nil
	}
	if returnWindowDays < 1 {
		return &SellerResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "return window must be at least one day")}, nil
	}

	unlock, err := s.locks.Lock(ctx, "seller:"+address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.stores.Sellers.Get(ctx, address); err == nil {
		return &SellerResult{Decision: s.reject(ctx, op, CodeSellerExists, "seller already has a contract", "seller", address)}, nil
	} else if !errors.Is(err, sellers.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up seller: %w", err)
	}

	contract, err := s.gateway.DeployContract(ctx, common.HexToAddress(address), uint64(returnWindowDays))
	if err != nil {
		return nil, s.unresolved(ctx, op, err, "seller", address)
	}

	ctx, cancel := afterChain(ctx)
	defer cancel()

	seller := &sellers.Seller{
		Address:          address,
		ContractAddress:  strings.ToLower(contract.Hex()),
		ReturnWindowDays: returnWindowDays,
		CreatedAt:        s.now(),
	}
	if err := s.stores.Sellers.Create(ctx, seller); err != nil {
		if errors.Is(err, sellers.ErrAlreadyExists) {
			// Another process registered the seller between our check and
			// the insert; the contract just deployed is unused.
			s.logger.WarnContext(ctx, "seller registered concurrently, deployed contract orphaned",
				"seller", address, "contract", seller.ContractAddress)
			return &SellerResult{Decision: s.reject(ctx, op, CodeSellerExists, "seller already has a contract", "seller", address)}, nil
		}
		return nil, fmt.Errorf("failed to record seller: %w", err)
	}
	s.resolver.Invalidate(address)

	metrics.SellersRegisteredTotal.Inc()
	s.logger.InfoContext(ctx, "seller registered",
		"seller", address, "contract", seller.ContractAddress, "return_window_days", returnWindowDays)
	s.publish(EventSellerRegistered, seller, address)

	return &SellerResult{Decision: accepted(), Seller: seller}, nil
}

// IssueReceipt escrows amount from the seller's contract for the buyer and
// records the mined receipt as Active.
func (s *Service) IssueReceipt(ctx context.Context, req IssueRequest) (res *IssueResult, err error) {
	const op = "issue_receipt"
	sellerAddr := validation.SanitizeAddress(req.SellerAddress)
	buyerAddr := validation.SanitizeAddress(req.BuyerAddress)

	ctx, span := traces.StartSpan(ctx, "escrow.IssueReceipt",
		traces.SellerAddr(sellerAddr), traces.BuyerAddr(buyerAddr), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if !validation.IsValidEthAddress(sellerAddr) || !validation.IsValidEthAddress(buyerAddr) {
		return &IssueResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "seller and buyer must be valid addresses")}, nil
	}
	amount, ok := wei.ParsePositive(req.Amount)
	if !ok {
		return &IssueResult{Decision: s.reject(ctx, op, CodeInvalidRequest, "amount must be a positive ether value with at most 18 decimals")}, nil
	}

	seller, err := s.resolver.Resolve(ctx, sellerAddr)
	if errors.Is(err, sellers.ErrNotFound) {
		return &IssueResult{Decision: s.reject(ctx, op, CodeSellerNotFound, "no associated contract for seller", "seller", sellerAddr)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seller: %w", err)
	}

	contract := common.HexToAddress(seller.ContractAddress)
	issued, err := s.gateway.IssueReceipt(ctx, contract, common.HexToAddress(sellerAddr), common.HexToAddress(buyerAddr), amount)
	if err != nil {
		return nil, s.unresolved(ctx, op, err, "seller", sellerAddr, "buyer", buyerAddr, "amount", req.Amount)
	}

	ctx, cancel := afterChain(ctx)
	defer cancel()

	receipt := &receipts.Receipt{
		TransactionHash: strings.ToLower(issued.TxHash),
		SellerAddress:   sellerAddr,
		BuyerAddress:    buyerAddr,
		ContractAddress: seller.ContractAddress,
		Amount:          wei.Format(amount),
		ItemName:        req.ItemName,
		PurchaseTime:    issued.PurchaseTime.UTC(),
		BlockNumber:     issued.BlockNumber,
		ReceiptIndex:    issued.ReceiptIndex,
		Status:          receipts.StatusActive,
		CreatedAt:       s.now(),
	}
	if err := s.stores.Receipts.Create(ctx, receipt); err != nil {
		metrics.StoreDivergenceTotal.WithLabelValues(op).Inc()
		logging.Critical(ctx, s.logger, "receipt escrowed on chain but not recorded",
			"tx_hash", receipt.TransactionHash, "seller", sellerAddr, "buyer", buyerAddr,
			"receipt_index", receipt.ReceiptIndex, "amount", receipt.Amount, "error", err)
		return nil, fmt.Errorf("failed to record receipt %s (requires manual resolution): %w", receipt.TransactionHash, err)
	}

	metrics.ReceiptsIssuedTotal.Inc()
	s.logger.InfoContext(ctx, "receipt issued",
		"tx_hash", receipt.TransactionHash, "seller", sellerAddr, "buyer", buyerAddr,
		"amount", receipt.Amount, "receipt_index", receipt.ReceiptIndex)
	s.publish(EventReceiptIssued, receipt, sellerAddr, buyerAddr)

	return &IssueResult{Decision: accepted(), Receipt: receipt}, nil
}

// RequestReturn asks the seller's contract, as the buyer, to refund an
// Active receipt, and marks it Returned if the contract agrees.
func (s *Service) RequestReturn(ctx context.Context, txHash string) (*TransitionResult, error) {
	return s.transition(ctx, "request_return", txHash, receipts.StatusActive, receipts.StatusReturned, EventReceiptReturned,
		func(ctx context.Context, r *receipts.Receipt) (chain.Outcome, error) {
			return s.gateway.RequestReturn(ctx,
				common.HexToAddress(r.ContractAddress), common.HexToAddress(r.BuyerAddress), r.ReceiptIndex)
		})
}

// ReleaseFunds asks the seller's contract, as the seller, to settle a
// Returned receipt, and marks it FundsReleased if the contract agrees.
func (s *Service) ReleaseFunds(ctx context.Context, txHash string) (*TransitionResult, error) {
	return s.transition(ctx, "release_funds", txHash, receipts.StatusReturned, receipts.StatusFundsReleased, EventReceiptFundsReleased,
		func(ctx context.Context, r *receipts.Receipt) (chain.Outcome, error) {
			return s.gateway.ReleaseFunds(ctx,
				common.HexToAddress(r.ContractAddress), common.HexToAddress(r.BuyerAddress), r.ReceiptIndex,
				common.HexToAddress(r.SellerAddress))
		})
}

func (s *Service) transition(
	ctx context.Context,
	op, txHash string,
	from, to receipts.Status,
	event string,
	call func(context.Context, *receipts.Receipt) (chain.Outcome, error),
) (res *TransitionResult, err error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))

	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, "receipt:"+txHash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.stores.Receipts.Get(ctx, txHash)
	if errors.Is(err, receipts.ErrNotFound) {
		return &TransitionResult{Decision: s.reject(ctx, op, CodeReceiptNotFound, "no receipt with that transaction hash", "tx_hash", txHash)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	span.SetAttributes(traces.ContractAddr(r.ContractAddress), traces.ReceiptIndex(r.ReceiptIndex))

	if r.Status != from {
		reason := fmt.Sprintf("receipt is %s, expected %s", r.Status, from)
		return &TransitionResult{
			Decision: s.reject(ctx, op, CodeInvalidStatus, reason, "tx_hash", txHash),
			Receipt:  r,
		}, nil
	}

	outcome, err := call(ctx, r)
	if err != nil {
		return nil, s.unresolved(ctx, op, err, "receipt", txHash)
	}
	span.SetAttributes(traces.Outcome(string(outcome.Status)))
	if !outcome.Accepted() {
		return &TransitionResult{
			Decision: s.reject(ctx, op, CodeContractRejected, outcome.Reason, "tx_hash", txHash),
			Outcome:  &outcome,
			Receipt:  r,
		}, nil
	}

	ctx, cancel := afterChain(ctx)
	defer cancel()

	at := s.now()
	if err := s.stores.Receipts.UpdateStatus(ctx, txHash, from, to, at); err != nil {
		// The contract already moved. Retry once unless the record itself
		// disagrees.
		if !errors.Is(err, receipts.ErrStatusConflict) {
			err = s.stores.Receipts.UpdateStatus(ctx, txHash, from, to, at)
		}
		if err != nil {
			metrics.StoreDivergenceTotal.WithLabelValues(op).Inc()
			logging.Critical(ctx, s.logger, "contract accepted transition but ledger update failed",
				"op", op, "tx_hash", txHash, "chain_tx", outcome.TxHash, "from", from, "to", to, "error", err)
			return nil, fmt.Errorf("failed to record %s for %s after chain success (requires manual resolution): %w", to, txHash, err)
		}
	}

	r.Status = to
	switch to {
	case receipts.StatusReturned:
		r.ReturnTime = &at
	case receipts.StatusFundsReleased:
		r.FundsReleaseTime = &at
	}

	metrics.ReceiptTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.InfoContext(ctx, "receipt transitioned",
		"op", op, "tx_hash", txHash, "chain_tx", outcome.TxHash, "status", to)
	s.publish(event, r, r.SellerAddress, r.BuyerAddress)

	return &TransitionResult{Decision: accepted(), Outcome: &outcome, Receipt: r}, nil
}
