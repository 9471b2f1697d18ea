package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t, 2)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	return r, f
}

func do(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_SellerAndReceiptFlow(t *testing.T) {
	router, f := setupTestRouter(t)

	w := do(router, "POST", "/v1/sellers", RegisterSellerRequest{SellerAddress: f.addr(0), ReturnWindowDays: 30})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, "POST", "/v1/sellers", RegisterSellerRequest{SellerAddress: f.addr(0), ReturnWindowDays: 30})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeSellerExists, decode(t, w)["error"])

	w = do(router, "POST", "/v1/receipts", IssueRequest{
		SellerAddress: f.addr(0), BuyerAddress: f.addr(1), Amount: "1.5", ItemName: "  desk  ",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var issued struct {
		Receipt struct {
			TransactionHash string `json:"transactionHash"`
			Amount          string `json:"amount"`
			ItemName        string `json:"itemName"`
			Status          string `json:"status"`
		} `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, "1.5", issued.Receipt.Amount)
	assert.Equal(t, "desk", issued.Receipt.ItemName)
	assert.Equal(t, "Active", issued.Receipt.Status)
	hash := issued.Receipt.TransactionHash

	w = do(router, "GET", "/v1/receipts/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, "POST", "/v1/receipts/"+hash+"/release", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, CodeInvalidStatus, body["error"])
	assert.Equal(t, "Active", body["status"])

	w = do(router, "POST", "/v1/receipts/"+hash+"/return", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, "Success", body["outcome"].(map[string]interface{})["status"])
	assert.Equal(t, "Returned", body["receipt"].(map[string]interface{})["status"])

	w = do(router, "POST", "/v1/receipts/"+hash+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, "GET", "/v1/sellers/"+f.addr(0)+"/receipts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(router, "GET", "/v1/buyers/"+f.addr(1)+"/receipts?sort=amount&order=desc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(router, "GET", "/v1/sellers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sellersBody := decode(t, w)
	assert.EqualValues(t, 1, sellersBody["count"])
	first := sellersBody["sellers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, f.addr(0), first["sellerAddress"])
	assert.Equal(t, "0", first["contractBalance"])
}

func TestHandler_ContractRejection(t *testing.T) {
	router, f := setupTestRouter(t)
	f.seller(t, 0)
	r := f.issue(t, 0, 1, "1")
	f.sim.Advance(31 * 24 * time.Hour)

	w := do(router, "POST", "/v1/receipts/"+r.TransactionHash+"/return", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, CodeContractRejected, body["error"])
	assert.Equal(t, "Return window has closed", body["message"])
	assert.Equal(t, "Failed", body["outcome"].(map[string]interface{})["status"])
}

func TestHandler_IssueUnknownSeller(t *testing.T) {
	router, f := setupTestRouter(t)
	w := do(router, "POST", "/v1/receipts", IssueRequest{SellerAddress: f.addr(0), BuyerAddress: f.addr(1), Amount: "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeSellerNotFound, decode(t, w)["error"])
}

func TestHandler_ValidationErrors(t *testing.T) {
	router, f := setupTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"bad seller address", "POST", "/v1/sellers", RegisterSellerRequest{SellerAddress: "0x12", ReturnWindowDays: 3}},
		{"missing window", "POST", "/v1/sellers", map[string]string{"sellerAddress": f.addr(0)}},
		{"zero amount", "POST", "/v1/receipts", IssueRequest{SellerAddress: f.addr(0), BuyerAddress: f.addr(1), Amount: "0"}},
		{"too many decimals", "POST", "/v1/receipts", IssueRequest{SellerAddress: f.addr(0), BuyerAddress: f.addr(1), Amount: "1.0000000000000000001"}},
		{"long item name", "POST", "/v1/receipts", IssueRequest{SellerAddress: f.addr(0), BuyerAddress: f.addr(1), Amount: "1", ItemName: strings.Repeat("x", 300)}},
		{"bad tx hash", "GET", "/v1/receipts/0x1234", nil},
		{"bad address param", "GET", "/v1/buyers/nobody/receipts", nil},
		{"bad order", "GET", "/v1/receipts?order=sideways", nil},
		{"bad sort", "GET", "/v1/receipts?sort=name", nil},
		{"bad purchase time", "GET", "/v1/receipts?purchaseTime=yesterday", nil},
		{"bad amount filter", "GET", "/v1/receipts?amount=-3", nil},
		{"empty login", "POST", "/v1/login", map[string]string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, f.sim.Sends())
}

func TestHandler_UnknownReceipt(t *testing.T) {
	router, _ := setupTestRouter(t)
	hash := "0x" + strings.Repeat("a", 64)

	w := do(router, "GET", "/v1/receipts/"+hash, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, "POST", "/v1/receipts/"+hash+"/return", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeReceiptNotFound, decode(t, w)["error"])
}

func TestHandler_UsersAndLogin(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "POST", "/v1/users", RegisterUserRequest{UserID: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "pw\"")
	assert.NotContains(t, w.Body.String(), "passwordHash")

	w = do(router, "POST", "/v1/users", RegisterUserRequest{UserID: "alice", Password: "pw"})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/users", RegisterUserRequest{UserID: "bob", Password: "pw"}).Code)
	w = do(router, "POST", "/v1/users", RegisterUserRequest{UserID: "carol", Password: "pw"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodePoolExhausted, decode(t, w)["error"])

	w = do(router, "POST", "/v1/login", LoginRequest{UserID: "alice", Password: "pw"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, "POST", "/v1/login", LoginRequest{UserID: "alice", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, "GET", "/v1/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])
	assert.NotContains(t, w.Body.String(), "$2a$")
}

func TestHandler_NetworkAccountsAndChainDown(t *testing.T) {
	router, f := setupTestRouter(t)

	w := do(router, "GET", "/v1/network/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 6, decode(t, w)["count"])

	f.sim.SetDown(true)
	w = do(router, "POST", "/v1/sellers", RegisterSellerRequest{SellerAddress: f.addr(0), ReturnWindowDays: 30})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "chain_error", body["error"])
	assert.NotContains(t, body["message"], "connection refused")
}

func TestHandler_Reset(t *testing.T) {
	router, f := setupTestRouter(t)
	f.seller(t, 0)
	f.issue(t, 0, 1, "1")

	w := do(router, "POST", "/v1/admin/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reset := decode(t, w)["reset"].(map[string]interface{})
	assert.EqualValues(t, 1, reset["sellers"])
	assert.EqualValues(t, 1, reset["receipts"])

	w = do(router, "GET", "/v1/receipts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])
}
