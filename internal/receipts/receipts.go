// Package receipts stores escrowed purchase receipts and their lifecycle
// status (Active, Returned, FundsReleased).
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("receipts: receipt not found")
	ErrAlreadyExists     = errors.New("receipts: receipt already exists")
	ErrStatusConflict    = errors.New("receipts: status changed concurrently")
	ErrInvalidTransition = errors.New("receipts: invalid status transition")
)

// Status is a receipt's lifecycle position. It only moves forward.
type Status string

const (
	StatusActive        Status = "Active"
	StatusReturned      Status = "Returned"
	StatusFundsReleased Status = "FundsReleased"
)

// Next is the status a successful transition from s leads to.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusActive:
		return StatusReturned, true
	case StatusReturned:
		return StatusFundsReleased, true
	}
	return "", false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReturned, StatusFundsReleased:
		return true
	}
	return false
}

// Receipt records one escrowed purchase. TransactionHash is the key.
// ReceiptIndex is only unique within ContractAddress.
type Receipt struct {
	TransactionHash  string     `json:"transactionHash"`
	SellerAddress    string     `json:"sellerAddress"`
	BuyerAddress     string     `json:"buyerAddress"`
	ContractAddress  string     `json:"contractAddress"`
	Amount           string     `json:"amount"` // ether, canonical decimal
	ItemName         string     `json:"itemName"`
	PurchaseTime     time.Time  `json:"purchaseTime"`
	BlockNumber      uint64     `json:"blockNumber"`
	ReceiptIndex     uint64     `json:"receiptIndex"`
	Status           Status     `json:"status"`
	ReturnTime       *time.Time `json:"returnTime,omitempty"`
	FundsReleaseTime *time.Time `json:"fundsReleaseTime,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// stamp records at in the timestamp field belonging to status.
func (r *Receipt) stamp(status Status, at time.Time) {
	t := at
	switch status {
	case StatusReturned:
		r.ReturnTime = &t
	case StatusFundsReleased:
		r.FundsReleaseTime = &t
	}
}

// Attribute is a column a scan may filter on by equality.
type Attribute string

const (
	AttrSeller Attribute = "seller_address"
	AttrBuyer  Attribute = "buyer_address"
)

// Filter narrows a scan. The zero Filter matches every receipt.
type Filter struct {
	Attribute Attribute
	Value     string
}

func (f Filter) matches(r *Receipt) bool {
	switch f.Attribute {
	case AttrSeller:
		return r.SellerAddress == f.Value
	case AttrBuyer:
		return r.BuyerAddress == f.Value
	}
	return true
}

// Store persists receipts.
type Store interface {
	// Create inserts r, failing with ErrAlreadyExists on a known hash.
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, txHash string) (*Receipt, error)
	// Scan returns up to limit receipts matching f after cursor, plus the
	// next cursor (empty on the last page).
	Scan(ctx context.Context, f Filter, cursor string, limit int) ([]*Receipt, string, error)
	// UpdateStatus moves txHash from `from` to `to` and stamps the matching
	// timestamp with at. It fails with ErrStatusConflict if the stored
	// status is no longer `from`.
	UpdateStatus(ctx context.Context, txHash string, from, to Status, at time.Time) error
	// Clear deletes every receipt and reports how many were removed.
	Clear(ctx context.Context) (int, error)
}

func checkTransition(from, to Status) error {
	if next, ok := from.Next(); !ok || next != to {
		return ErrInvalidTransition
	}
	return nil
}

func scanKey(r *Receipt) (time.Time, string) { return r.CreatedAt, r.TransactionHash }
