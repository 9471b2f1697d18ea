package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

const addr = "0x1234567890123456789012345678901234567890"

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		addr,
		"0xabcdefABCDEF1234567890123456789012345678",
		"0x0000000000000000000000000000000000000000",
	}
	invalid := []string{
		"",
		"0x",
		addr[2:],                 // no prefix
		addr[:41],                // short
		addr + "12",              // long
		"0x" + strings.Repeat("G", 40),
	}
	for _, a := range valid {
		assert.True(t, IsValidEthAddress(a), a)
	}
	for _, a := range invalid {
		assert.False(t, IsValidEthAddress(a), a)
	}
}

func TestIsValidTxHash(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	assert.True(t, IsValidTxHash(hash))
	for _, bad := range []string{"", "0x", hash[:65], hash + "00", "0x" + strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		assert.False(t, IsValidTxHash(bad), bad)
	}
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, addr, SanitizeAddress(addr))
	assert.Equal(t, "0xabcdef1234567890123456789012345678901234", SanitizeAddress("0xABCDEF1234567890123456789012345678901234"))
	assert.Equal(t, addr, SanitizeAddress("  "+addr+"  "))
	assert.Equal(t, addr, SanitizeAddress(addr[2:]))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
		{"héllo wörld", 7, "héllo w"},
		{"日本語のテキスト", 3, "日本語"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SanitizeString(tc.in, tc.max), tc.in)
	}
}

func TestChecker(t *testing.T) {
	errs := new(Checker).
		Required("name", "Ada").
		Address("sellerAddress", addr).
		PositiveInt("returnWindowDays", 30).
		Errors()
	assert.Empty(t, errs)

	errs = new(Checker).
		Required("name", "  ").
		Address("sellerAddress", "invalid").
		Address("buyerAddress", "").
		PositiveInt("returnWindowDays", 0).
		Errors()
	if assert.Len(t, errs, 4) {
		assert.Equal(t, "name: is required", errs.Error())
		assert.Equal(t, "sellerAddress", errs[1].Field)
		assert.Equal(t, "is required", errs[2].Message)
	}

	assert.Equal(t, "validation failed", Errors(nil).Error())
}

func TestChecker_Amount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{".5", true},
		{"0.000000000000000001", true},

		{"", false},
		{"0", false},
		{"0.000", false},
		{"0.0000000000000000001", false}, // 19 decimals
		{"abc", false},
		{"-1.00", false},
		{"1e18", false},
		{"1.2.3", false},
	}
	for _, tc := range tests {
		errs := new(Checker).Amount("amount", tc.value).Errors()
		assert.Equal(t, tc.valid, len(errs) == 0, tc.value)
	}
}

func TestChecker_MaxLength(t *testing.T) {
	assert.Empty(t, new(Checker).MaxLength("f", "hello", 10).Errors())
	assert.Empty(t, new(Checker).MaxLength("f", "hello", 5).Errors())
	assert.Empty(t, new(Checker).MaxLength("f", "日本語", 3).Errors(), "counts characters, not bytes")
	assert.Len(t, new(Checker).MaxLength("f", "hello world", 5).Errors(), 1)
}

func TestParamGuards(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/receipts/:txHash", TxHashParam(), ok)
	r.GET("/sellers/:address/receipts", AddressParam(), ok)

	tests := []struct {
		path string
		want int
	}{
		{"/receipts/0x" + strings.Repeat("1", 64), http.StatusOK},
		{"/receipts/nope", http.StatusBadRequest},
		{"/sellers/" + addr + "/receipts", http.StatusOK},
		{"/sellers/0xnope/receipts", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.want, w.Code, tc.path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"}`+strings.Repeat(" ", 16))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
