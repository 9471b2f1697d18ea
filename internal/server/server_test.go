package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/chain/chaintest"
	"github.com/mbd888/receiptescrow/internal/config"
	"github.com/mbd888/receiptescrow/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		RPCURL:                  "http://127.0.0.1:8545",
		TxTimeout:               200 * time.Millisecond,
		TxPollInterval:          5 * time.Millisecond,
		AccountPoolSize:         3,
		DefaultReturnWindowDays: 30,
		ScanPageSize:            10,
		ScanMaxPages:            5,
		SellerCacheTTL:          time.Minute,
		AllowedOrigins:          []string{"*"},
	}
}

// newTestServer creates a server over a simulated chain and in-memory stores
func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *chaintest.Sim) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	sim := chaintest.New(4)
	s, err := New(cfg, WithChain(sim, chaintest.Contract()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, sim
}

func serve(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("Expected chain and database checks, got %v", resp.Checks)
	}
}

func TestHealthEndpoint_ChainDown(t *testing.T) {
	s, sim := newTestServer(t)
	sim.SetDown(true)

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Errorf("Expected degraded status, got %s", w.Body.String())
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := serve(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := serve(s, "GET", "/health/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/network/accounts",
		"GET:/v1/sellers",
		"POST:/v1/sellers",
		"GET:/v1/sellers/:address/receipts",
		"GET:/v1/buyers/:address/receipts",
		"GET:/v1/receipts",
		"POST:/v1/receipts",
		"GET:/v1/receipts/:txHash",
		"POST:/v1/receipts/:txHash/return",
		"POST:/v1/receipts/:txHash/release",
		"GET:/v1/users",
		"POST:/v1/users",
		"POST:/v1/login",
		"POST:/v1/admin/reset",
		"GET:/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", "X-Request-ID", "req-123")
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("Expected request id echoed, got %q", got)
	}

	w = serve(s, "GET", "/health/live", "")
	if got := w.Header().Get("X-Request-ID"); len(got) != 32 {
		t.Errorf("Expected generated 32-char request id, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	w := serve(s, "GET", "/health/live", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff header")
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Expected CSP header")
	}
}

func TestRateLimitOnWrites(t *testing.T) {
	s, sim := newTestServer(t, func(c *config.Config) {
		c.RateLimitPerMinute = 1
		c.RateLimitBurst = 1
	})
	t.Cleanup(s.rateLimiter.Stop)

	body := `{"sellerAddress":"` + strings.ToLower(sim.Account(0).Hex()) + `","returnWindowDays":30}`
	if w := serve(s, "POST", "/v1/sellers", body); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := serve(s, "POST", "/v1/sellers", body); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w := serve(s, "GET", "/v1/sellers", ""); w.Code != http.StatusOK {
		t.Errorf("Reads should not be limited, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestReceiptFlow(t *testing.T) {
	s, sim := newTestServer(t)
	seller := strings.ToLower(sim.Account(0).Hex())
	buyer := strings.ToLower(sim.Account(1).Hex())

	w := serve(s, "POST", "/v1/sellers", `{"sellerAddress":"`+seller+`","returnWindowDays":30}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register seller: %d %s", w.Code, w.Body.String())
	}

	w = serve(s, "POST", "/v1/receipts",
		`{"sellerAddress":"`+seller+`","buyerAddress":"`+buyer+`","amount":"2","itemName":"bike"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue receipt: %d %s", w.Code, w.Body.String())
	}
	var issued struct {
		Receipt struct {
			TransactionHash string `json:"transactionHash"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
		t.Fatalf("parse: %v", err)
	}

	w = serve(s, "POST", "/v1/receipts/"+issued.Receipt.TransactionHash+"/return", "")
	if w.Code != http.StatusOK {
		t.Fatalf("return: %d %s", w.Code, w.Body.String())
	}

	w = serve(s, "GET", "/v1/admin/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"clean":true`) {
		t.Errorf("Expected a clean audit, got %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Admin auth
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.AdminSecret = "s3cret" })

	if w := serve(s, "POST", "/v1/admin/reset", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}
	if w := serve(s, "POST", "/v1/admin/reset", "", security.AdminSecretHeader, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}
	if w := serve(s, "POST", "/v1/admin/reset", "", security.AdminSecretHeader, "s3cret"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", w.Code)
	}
}

func TestAdminRoutesClosedInProductionWithoutSecret(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Env = "production" })
	gin.SetMode(gin.TestMode)

	if w := serve(s, "POST", "/v1/admin/reset", ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://escrow:hunter2@db:5432/escrow?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %s", got)
	}
	if !strings.Contains(got, "escrow:") {
		t.Errorf("expected username kept: %s", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := serve(s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.ready.Load() }, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, s.Addr())

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("req-123"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID("line\nbreak"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
}
