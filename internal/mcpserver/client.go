package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the receipt escrow API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8010"
	AdminSecret string // optional, only needed for run_reconciliation
}

// Client is a plain HTTP client for the receipt escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// writes wait for chain confirmation
			Timeout: 90 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// NetworkAccounts lists the node's accounts with balances.
func (c *Client) NetworkAccounts(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/network/accounts", nil, nil)
}

// ListSellers lists registered sellers with their contract balances.
func (c *Client) ListSellers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sellers", nil, nil)
}

// RegisterSeller deploys an escrow contract for a seller.
func (c *Client) RegisterSeller(ctx context.Context, address string, windowDays int) (json.RawMessage, error) {
	body := map[string]any{
		"sellerAddress":    address,
		"returnWindowDays": windowDays,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sellers", nil, body)
}

// IssueReceipt records a purchase, funding the seller's contract from the buyer.
func (c *Client) IssueReceipt(ctx context.Context, seller, buyer, amount, itemName string) (json.RawMessage, error) {
	body := map[string]string{
		"sellerAddress": seller,
		"buyerAddress":  buyer,
		"amount":        amount,
		"itemName":      itemName,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/receipts", nil, body)
}

// GetReceipt fetches one receipt by its issuing transaction hash.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(txHash), nil, nil)
}

// RequestReturn asks the contract to refund the buyer.
func (c *Client) RequestReturn(ctx context.Context, txHash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/receipts/"+url.PathEscape(txHash)+"/return", nil, nil)
}

// ReleaseFunds asks the contract to pay out a returned receipt.
func (c *Client) ReleaseFunds(ctx context.Context, txHash string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/receipts/"+url.PathEscape(txHash)+"/release", nil, nil)
}

// ListReceipts lists receipts, scoped to a seller or buyer when role is set.
func (c *Client) ListReceipts(ctx context.Context, role, address string, q url.Values) (json.RawMessage, error) {
	path := "/v1/receipts"
	switch role {
	case "seller":
		path = "/v1/sellers/" + url.PathEscape(address) + "/receipts"
	case "buyer":
		path = "/v1/buyers/" + url.PathEscape(address) + "/receipts"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// Reconcile runs a drift audit. Requires the admin secret in production.
func (c *Client) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/reconcile", nil, nil)
}
