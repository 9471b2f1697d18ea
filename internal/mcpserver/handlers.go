package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers implements the MCP tool handlers on top of the API client.
type Handlers struct {
	client *Client
}

// NewHandlers creates handlers for the given client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListNetworkAccounts lists node accounts.
func (h *Handlers) HandleListNetworkAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.NetworkAccounts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}

	text, err := formatAccounts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse accounts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListSellers lists registered sellers.
func (h *Handlers) HandleListSellers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListSellers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sellers: %v", err)), nil
	}

	text, err := formatSellers(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sellers: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRegisterSeller deploys a contract for a new seller.
func (h *Handlers) HandleRegisterSeller(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller_address", "")
	if seller == "" {
		return mcp.NewToolResultError("seller_address is required"), nil
	}
	days := req.GetInt("return_window_days", 30)
	if days <= 0 {
		return mcp.NewToolResultError("return_window_days must be positive"), nil
	}

	raw, err := h.client.RegisterSeller(ctx, seller, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Registration failed: %v", err)), nil
	}

	var resp struct {
		Seller sellerInfo `json:"seller"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse seller: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Seller %s registered.\n"+
			"Escrow contract: %s\n"+
			"Return window: %d days",
		resp.Seller.Address, resp.Seller.ContractAddress, resp.Seller.ReturnWindowDays)), nil
}

// HandleIssueReceipt records a purchase.
func (h *Handlers) HandleIssueReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller_address", "")
	if seller == "" {
		return mcp.NewToolResultError("seller_address is required"), nil
	}
	buyer := req.GetString("buyer_address", "")
	if buyer == "" {
		return mcp.NewToolResultError("buyer_address is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.IssueReceipt(ctx, seller, buyer, amount, req.GetString("item_name", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Purchase failed: %v", err)), nil
	}

	r, err := parseReceipt(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse receipt: %v", err)), nil
	}
	return mcp.NewToolResultText("Receipt issued.\n" + formatReceipt(r)), nil
}

// HandleGetReceipt fetches one receipt.
func (h *Handlers) HandleGetReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("transaction_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("transaction_hash is required"), nil
	}

	raw, err := h.client.GetReceipt(ctx, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get receipt: %v", err)), nil
	}

	r, err := parseReceipt(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse receipt: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceipt(r)), nil
}

// HandleRequestReturn refunds the buyer.
func (h *Handlers) HandleRequestReturn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("transaction_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("transaction_hash is required"), nil
	}

	raw, err := h.client.RequestReturn(ctx, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Return failed: %v", err)), nil
	}
	return transitionResult("Return accepted", raw)
}

// HandleReleaseFunds pays out a returned receipt.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("transaction_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("transaction_hash is required"), nil
	}

	raw, err := h.client.ReleaseFunds(ctx, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	return transitionResult("Funds released", raw)
}

// HandleListReceipts lists receipts with optional scope and filters.
func (h *Handlers) HandleListReceipts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "all")
	address := req.GetString("address", "")
	if (role == "seller" || role == "buyer") && address == "" {
		return mcp.NewToolResultError("address is required when role is " + role), nil
	}

	q := url.Values{}
	for _, key := range []string{"sort", "order", "amount"} {
		if v := req.GetString(key, ""); v != "" {
			q.Set(key, v)
		}
	}

	raw, err := h.client.ListReceipts(ctx, role, address, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list receipts: %v", err)), nil
	}

	text, err := formatReceiptList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse receipts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunReconciliation runs a drift audit.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	var resp struct {
		Clean  bool `json:"clean"`
		Report struct {
			Checked   int               `json:"checked"`
			Errors    int               `json:"errors"`
			Truncated bool              `json:"truncated"`
			Drift     []json.RawMessage `json:"drift"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	if resp.Clean {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Ledger matches the chain. %d receipt(s) checked.", resp.Report.Checked)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Checked %d receipt(s): %d drifted, %d read error(s).\n",
		resp.Report.Checked, len(resp.Report.Drift), resp.Report.Errors))
	for _, d := range resp.Report.Drift {
		sb.WriteString("\n")
		sb.WriteString(formatJSON(d))
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type receiptInfo struct {
	TransactionHash string `json:"transactionHash"`
	SellerAddress   string `json:"sellerAddress"`
	BuyerAddress    string `json:"buyerAddress"`
	ContractAddress string `json:"contractAddress"`
	Amount          string `json:"amount"`
	ItemName        string `json:"itemName"`
	PurchaseTime    string `json:"purchaseTime"`
	Status          string `json:"status"`
}

type sellerInfo struct {
	Address          string `json:"sellerAddress"`
	ContractAddress  string `json:"contractAddress"`
	ReturnWindowDays int    `json:"returnWindowDays"`
	ContractBalance  string `json:"contractBalance"`
}

func parseReceipt(raw json.RawMessage) (receiptInfo, error) {
	var resp struct {
		Receipt *receiptInfo `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return receiptInfo{}, err
	}
	if resp.Receipt == nil {
		return receiptInfo{}, fmt.Errorf("no receipt in response: %s", string(raw))
	}
	return *resp.Receipt, nil
}

func formatReceipt(r receiptInfo) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  Transaction: %s\n", r.TransactionHash))
	if r.ItemName != "" {
		sb.WriteString(fmt.Sprintf("  Item: %s\n", r.ItemName))
	}
	sb.WriteString(fmt.Sprintf("  Amount: %s ETH\n", r.Amount))
	sb.WriteString(fmt.Sprintf("  Seller: %s\n", r.SellerAddress))
	sb.WriteString(fmt.Sprintf("  Buyer: %s\n", r.BuyerAddress))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", r.Status))
	return sb.String()
}

func transitionResult(verb string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Outcome struct {
			Status string `json:"status"`
			TxHash string `json:"transactionHash"`
		} `json:"outcome"`
		Receipt *receiptInfo `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Receipt == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected response: %s", string(raw))), nil
	}
	text := fmt.Sprintf("%s.\nChain transaction: %s\n%s", verb, resp.Outcome.TxHash, formatReceipt(*resp.Receipt))
	return mcp.NewToolResultText(text), nil
}

func formatReceiptList(raw json.RawMessage) (string, error) {
	var resp struct {
		Receipts  []receiptInfo `json:"receipts"`
		Count     int           `json:"count"`
		Truncated bool          `json:"truncated"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Receipts) == 0 {
		return "No receipts found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d receipt(s):\n\n", resp.Count))
	for i, r := range resp.Receipts {
		name := r.ItemName
		if name == "" {
			name = "(unnamed item)"
		}
		sb.WriteString(fmt.Sprintf("%d. %s for %s ETH [%s]\n", i+1, name, r.Amount, r.Status))
		sb.WriteString(fmt.Sprintf("   %s\n", r.TransactionHash))
	}
	if resp.Truncated {
		sb.WriteString("\nList truncated; narrow the query to see more.\n")
	}
	return sb.String(), nil
}

func formatAccounts(raw json.RawMessage) (string, error) {
	var resp struct {
		Accounts []struct {
			Index   int    `json:"index"`
			Address string `json:"address"`
			Balance string `json:"balance"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "The node reports no accounts.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d account(s):\n\n", len(resp.Accounts)))
	for _, a := range resp.Accounts {
		sb.WriteString(fmt.Sprintf("%d. %s  %s ETH\n", a.Index, a.Address, a.Balance))
	}
	return sb.String(), nil
}

func formatSellers(raw json.RawMessage) (string, error) {
	var resp struct {
		Sellers []sellerInfo `json:"sellers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Sellers) == 0 {
		return "No sellers registered.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d seller(s):\n\n", len(resp.Sellers)))
	for i, s := range resp.Sellers {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, s.Address))
		sb.WriteString(fmt.Sprintf("   Contract: %s | Window: %d days | Held: %s ETH\n",
			s.ContractAddress, s.ReturnWindowDays, s.ContractBalance))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
