package escrow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/chain"
	"github.com/mbd888/receiptescrow/internal/logging"
	"github.com/mbd888/receiptescrow/internal/pagination"
	"github.com/mbd888/receiptescrow/internal/receipts"
	"github.com/mbd888/receiptescrow/internal/validation"
)

// Handler provides HTTP endpoints for the receipt workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the receipt workflow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/network/accounts", h.ListNetworkAccounts)

	r.GET("/sellers", h.ListSellers)
	r.POST("/sellers", h.RegisterSeller)
	r.GET("/sellers/:address/receipts", validation.AddressParam(), h.ListSellerReceipts)
	r.GET("/buyers/:address/receipts", validation.AddressParam(), h.ListBuyerReceipts)

	r.GET("/receipts", h.ListReceipts)
	r.POST("/receipts", h.IssueReceipt)
	receipt := r.Group("/receipts/:txHash", validation.TxHashParam())
	receipt.GET("", h.GetReceipt)
	receipt.POST("/return", h.RequestReturn)
	receipt.POST("/release", h.ReleaseFunds)

	r.GET("/users", h.ListUsers)
	r.POST("/users", h.RegisterUser)
	r.POST("/login", h.Login)
}

// RegisterAdminRoutes sets up routes that must sit behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reset", h.Reset)
}

// RegisterSellerRequest contains the parameters for registering a seller.
type RegisterSellerRequest struct {
	SellerAddress    string `json:"sellerAddress" binding:"required"`
	ReturnWindowDays int    `json:"returnWindowDays" binding:"required"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// rejectionStatus maps a rejection code to its HTTP status.
var rejectionStatus = map[string]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeSellerExists:       http.StatusConflict,
	CodeSellerNotFound:     http.StatusNotFound,
	CodeReceiptNotFound:    http.StatusNotFound,
	CodeInvalidStatus:      http.StatusConflict,
	CodeContractRejected:   http.StatusUnprocessableEntity,
	CodePoolExhausted:      http.StatusConflict,
	CodeAccountExists:      http.StatusConflict,
	CodeInvalidCredentials: http.StatusUnauthorized,
}

// ListNetworkAccounts handles GET /v1/network/accounts
func (h *Handler) ListNetworkAccounts(c *gin.Context) {
	accts, err := h.service.NetworkAccounts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accts, "count": len(accts)})
}

// ListSellers handles GET /v1/sellers
func (h *Handler) ListSellers(c *gin.Context) {
	list, err := h.service.Sellers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sellers": list, "count": len(list)})
}

// RegisterSeller handles POST /v1/sellers
func (h *Handler) RegisterSeller(c *gin.Context) {
	var req RegisterSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if errs := new(validation.Checker).
		Address("sellerAddress", req.SellerAddress).
		PositiveInt("returnWindowDays", req.ReturnWindowDays).
		Errors(); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	res, err := h.service.RegisterSeller(c.Request.Context(), req.SellerAddress, req.ReturnWindowDays)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		writeRejection(c, res.Decision, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seller": res.Seller})
}

// ListSellerReceipts handles GET /v1/sellers/:address/receipts
func (h *Handler) ListSellerReceipts(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	list, err := h.service.SellerReceipts(c.Request.Context(), c.Param("address"), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// ListBuyerReceipts handles GET /v1/buyers/:address/receipts
func (h *Handler) ListBuyerReceipts(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	list, err := h.service.BuyerReceipts(c.Request.Context(), c.Param("address"), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// ListReceipts handles GET /v1/receipts
func (h *Handler) ListReceipts(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	list, err := h.service.AllReceipts(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// IssueReceipt handles POST /v1/receipts
func (h *Handler) IssueReceipt(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if errs := new(validation.Checker).
		Address("sellerAddress", req.SellerAddress).
		Address("buyerAddress", req.BuyerAddress).
		Amount("amount", req.Amount).
		MaxLength("itemName", req.ItemName, validation.MaxItemNameLength).
		Errors(); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req.ItemName = validation.SanitizeString(req.ItemName, validation.MaxItemNameLength)

	res, err := h.service.IssueReceipt(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		writeRejection(c, res.Decision, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receipt": res.Receipt})
}

// GetReceipt handles GET /v1/receipts/:txHash
func (h *Handler) GetReceipt(c *gin.Context) {
	r, err := h.service.Receipt(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		if errors.Is(err, receipts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   CodeReceiptNotFound,
				"message": "Receipt not found",
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": r})
}

// RequestReturn handles POST /v1/receipts/:txHash/return
func (h *Handler) RequestReturn(c *gin.Context) {
	res, err := h.service.RequestReturn(c.Request.Context(), c.Param("txHash"))
	h.writeTransition(c, res, err)
}

// ReleaseFunds handles POST /v1/receipts/:txHash/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	res, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("txHash"))
	h.writeTransition(c, res, err)
}

func (h *Handler) writeTransition(c *gin.Context, res *TransitionResult, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		extra := gin.H{}
		if res.Outcome != nil {
			extra["outcome"] = res.Outcome
		}
		if res.Receipt != nil {
			extra["status"] = res.Receipt.Status
		}
		writeRejection(c, res.Decision, extra)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "receipt": res.Receipt})
}

// ListUsers handles GET /v1/users
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.service.Users(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// RegisterUser handles POST /v1/users
func (h *Handler) RegisterUser(c *gin.Context) {
	var req RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := h.service.RegisterUser(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		writeRejection(c, res.Decision, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": res.Account, "seller": res.Seller})
}

// Login handles POST /v1/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := h.service.VerifyLogin(c.Request.Context(), req.UserID, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		writeRejection(c, res.Decision, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "account": res.Account})
}

// Reset handles POST /v1/admin/reset
func (h *Handler) Reset(c *gin.Context) {
	res, err := h.service.Reset(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": res})
}

// parseQuery reads sort, order, amount and purchaseTime. It writes the
// error response itself and reports false on bad input.
func parseQuery(c *gin.Context) (receipts.Query, bool) {
	q := receipts.Query{
		SortBy: receipts.SortKey(c.Query("sort")),
		Amount: c.Query("amount"),
	}
	switch strings.ToLower(c.DefaultQuery("order", "asc")) {
	case "asc":
	case "desc":
		q.Descending = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeInvalidRequest,
			"message": "order must be asc or desc",
		})
		return q, false
	}
	if v := c.Query("purchaseTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   CodeInvalidRequest,
				"message": "purchaseTime must be RFC 3339",
			})
			return q, false
		}
		t = t.UTC()
		q.PurchaseTime = &t
	}
	return q, true
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   CodeInvalidRequest,
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func writeRejection(c *gin.Context, d Decision, extra gin.H) {
	status, ok := rejectionStatus[d.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	body := gin.H{"error": d.Code, "message": d.Reason}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// writeError maps infrastructure failures to 4xx/5xx responses without
// leaking internals.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	var chainErr *chain.Error
	switch {
	case errors.Is(err, receipts.ErrInvalidSort), errors.Is(err, receipts.ErrInvalidAmount), errors.Is(err, pagination.ErrInvalidCursor):
		status, code, message = http.StatusBadRequest, CodeInvalidRequest, err.Error()
	case errors.Is(err, receipts.ErrStatusConflict):
		status, code, message = http.StatusConflict, "status_conflict", "Receipt changed concurrently; the ledger needs manual reconciliation"
	case errors.Is(err, chain.ErrUnavailable):
		status, code, message = http.StatusServiceUnavailable, "chain_unavailable", "Chain node unavailable"
	case errors.As(err, &chainErr):
		status, code, message = http.StatusBadGateway, "chain_error", "Chain request failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusGatewayTimeout, "timeout", "Request timed out waiting for another operation on this record"
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
