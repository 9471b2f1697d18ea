package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/receiptescrow/internal/accounts"
	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/sellers"
	"github.com/mbd888/receiptescrow/internal/validation"
	"github.com/mbd888/receiptescrow/internal/wei"
)

// NetworkAccount is one node account with its balance in ether.
type NetworkAccount struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// SellerView is a seller with the ether currently held by its contract.
type SellerView struct {
	sellers.Seller
	ContractBalance string `json:"contractBalance"`
}

// ReceiptList is a page-collected receipt listing. Truncated is set when
// the scan stopped at the page cap.
type ReceiptList struct {
	Receipts  []*receipts.Receipt `json:"receipts"`
	Count     int                 `json:"count"`
	Truncated bool                `json:"truncated"`
}

// ResetResult reports how many records Reset removed.
type ResetResult struct {
	Sellers  int `json:"sellers"`
	Receipts int `json:"receipts"`
	Accounts int `json:"accounts"`
}

// NetworkAccounts lists the node's accounts and their balances.
func (s *Service) NetworkAccounts(ctx context.Context) ([]NetworkAccount, error) {
	addrs, err := s.gateway.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NetworkAccount, 0, len(addrs))
	for i, a := range addrs {
		bal, err := s.gateway.Balance(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, NetworkAccount{Index: i, Address: strings.ToLower(a.Hex()), Balance: wei.Format(bal)})
	}
	return out, nil
}

// Sellers lists every registered seller with its contract balance.
func (s *Service) Sellers(ctx context.Context) ([]SellerView, error) {
	all, _, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*sellers.Seller, string, error) {
		return s.stores.Sellers.List(ctx, cursor, s.cfg.PageSize)
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}

	out := make([]SellerView, 0, len(all))
	for _, seller := range all {
		bal, err := s.gateway.Balance(ctx, common.HexToAddress(seller.ContractAddress))
		if err != nil {
			return nil, err
		}
		out = append(out, SellerView{Seller: *seller, ContractBalance: wei.Format(bal)})
	}
	return out, nil
}

// SellerReceipts lists every receipt a seller issued.
func (s *Service) SellerReceipts(ctx context.Context, address string, q receipts.Query) (*ReceiptList, error) {
	q.Filter = receipts.Filter{Attribute: receipts.AttrSeller, Value: validation.SanitizeAddress(address)}
	return s.search(ctx, q, 0)
}

// BuyerReceipts lists every receipt issued to a buyer.
func (s *Service) BuyerReceipts(ctx context.Context, address string, q receipts.Query) (*ReceiptList, error) {
	q.Filter = receipts.Filter{Attribute: receipts.AttrBuyer, Value: validation.SanitizeAddress(address)}
	return s.search(ctx, q, 0)
}

// AllReceipts lists receipts across sellers, reading at most MaxPages pages.
func (s *Service) AllReceipts(ctx context.Context, q receipts.Query) (*ReceiptList, error) {
	q.Filter = receipts.Filter{}
	return s.search(ctx, q, s.cfg.MaxPages)
}

func (s *Service) search(ctx context.Context, q receipts.Query, maxPages int) (*ReceiptList, error) {
	found, truncated, err := receipts.Search(ctx, s.stores.Receipts, q, s.cfg.PageSize, maxPages)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []*receipts.Receipt{}
	}
	return &ReceiptList{Receipts: found, Count: len(found), Truncated: truncated}, nil
}

// Receipt returns one receipt by transaction hash.
func (s *Service) Receipt(ctx context.Context, txHash string) (*receipts.Receipt, error) {
	return s.stores.Receipts.Get(ctx, strings.ToLower(strings.TrimSpace(txHash)))
}

// Users lists accounts. Password hashes never serialize.
func (s *Service) Users(ctx context.Context) ([]*accounts.Account, error) {
	all, _, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]*accounts.Account, string, error) {
		return s.stores.Accounts.List(ctx, cursor, s.cfg.PageSize)
	}, 0)
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = []*accounts.Account{}
	}
	return all, nil
}

// Reset clears all three collections and the seller cache. Deployed
// contracts stay on chain.
func (s *Service) Reset(ctx context.Context) (*ResetResult, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	var (
		res ResetResult
		err error
	)
	if res.Receipts, err = s.stores.Receipts.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear receipts: %w", err)
	}
	if res.Sellers, err = s.stores.Sellers.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear sellers: %w", err)
	}
	if res.Accounts, err = s.stores.Accounts.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear accounts: %w", err)
	}
	s.resolver.Reset()

	s.logger.WarnContext(ctx, "ledger reset",
		"sellers", res.Sellers, "receipts", res.Receipts, "accounts", res.Accounts)
	return &res, nil
}
