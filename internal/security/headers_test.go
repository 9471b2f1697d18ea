package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/sellers", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/v1/admin/reset", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest(http.MethodGet, "/v1/sellers", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	for _, kv := range apiHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]), kv[0])
	}
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "plain HTTP must not get HSTS")
}

func TestHeadersMiddleware_HSTSBehindTLSProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sellers", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")

	w := serve(HeadersMiddleware(), req)
	assert.Equal(t, hsts, w.Header().Get("Strict-Transport-Security"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://shop.example.com"}, "https://shop.example.com", "https://shop.example.com", true},
		{"listed with trailing slash and case", []string{" https://Shop.example.com/ "}, "https://shop.example.com", "https://shop.example.com", true},
		{"unlisted origin", []string{"https://shop.example.com"}, "https://evil.example.net", "", false},
		{"wildcard", []string{"*"}, "https://anywhere.example.org", "https://anywhere.example.org", false},
		{"empty list is open", nil, "https://anywhere.example.org", "https://anywhere.example.org", false},
		{"no origin header", []string{"*"}, "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sellers", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := serve(CORSMiddleware(tc.allowed), req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			assert.Contains(t, w.Header().Values("Vary"), "Origin")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/admin/reset", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Headers", AdminSecretHeader)

	w := serve(CORSMiddleware([]string{"https://shop.example.com"}), req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, corsMethods, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), AdminSecretHeader)
}

func TestRequireAdminSecret(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		allowOpen bool
		header    string
		want      int
	}{
		{"correct secret", "s3cret", false, "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", false, "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", true, "", http.StatusUnauthorized},
		{"open in development", "", true, "", http.StatusOK},
		{"closed without secret", "", false, "anything", http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/reset", nil)
			if tc.header != "" {
				req.Header.Set(AdminSecretHeader, tc.header)
			}
			w := serve(RequireAdminSecret(tc.secret, tc.allowOpen), req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
