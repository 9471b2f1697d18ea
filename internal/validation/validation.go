// Package validation checks request input before it reaches the service.
package validation

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/receiptescrow/internal/wei"
)

const (
	// MaxRequestSize bounds request bodies.
	MaxRequestSize = 64 << 10

	// MaxItemNameLength bounds a receipt's item name, in characters.
	MaxItemNameLength = 256
)

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidTxHash reports whether hash is 0x followed by 64 hex digits.
func IsValidTxHash(hash string) bool {
	if len(hash) != 2+2*common.HashLength {
		return false
	}
	_, err := hexutil.Decode(hash)
	return err == nil
}

// SanitizeString trims s, drops NUL bytes and cuts it to maxLen characters.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// SanitizeAddress lowercases addr and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 2*common.AddressLength && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists every rejected field of a request.
type Errors []FieldError

// Error reports the first failure.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Checker accumulates field errors. The zero value is ready to use and
// every method returns the receiver so checks chain.
type Checker struct {
	errs Errors
}

func (c *Checker) fail(field, msg string) *Checker {
	c.errs = append(c.errs, FieldError{Field: field, Message: msg})
	return c
}

// Errors returns the failures so far, nil when every check passed.
func (c *Checker) Errors() Errors { return c.errs }

// Required rejects a blank value.
func (c *Checker) Required(field, value string) *Checker {
	if strings.TrimSpace(value) == "" {
		return c.fail(field, "is required")
	}
	return c
}

// Address rejects a value that is not a 0x-prefixed Ethereum address.
func (c *Checker) Address(field, value string) *Checker {
	switch {
	case value == "":
		return c.fail(field, "is required")
	case !IsValidEthAddress(value):
		return c.fail(field, "must be a valid Ethereum address (0x + 40 hex chars)")
	}
	return c
}

// Amount rejects a value that is not a positive ether amount with at most
// 18 decimals.
func (c *Checker) Amount(field, value string) *Checker {
	v, ok := wei.Parse(value)
	switch {
	case value == "":
		return c.fail(field, "is required")
	case !ok:
		return c.fail(field, "invalid amount format")
	case v.Sign() <= 0:
		return c.fail(field, "amount must be greater than zero")
	}
	return c
}

// MaxLength rejects a value longer than max characters.
func (c *Checker) MaxLength(field, value string, max int) *Checker {
	if utf8.RuneCountInString(value) > max {
		return c.fail(field, "exceeds maximum length")
	}
	return c
}

// PositiveInt rejects a value below 1.
func (c *Checker) PositiveInt(field string, value int) *Checker {
	if value < 1 {
		return c.fail(field, "must be at least 1")
	}
	return c
}

// paramGuard aborts with 400 when URL parameter name fails ok.
func paramGuard(name string, ok func(string) bool, code, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !ok(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
			return
		}
		c.Next()
	}
}

// AddressParam rejects a malformed :address URL parameter.
func AddressParam() gin.HandlerFunc {
	return paramGuard("address", IsValidEthAddress,
		"invalid_address", "address must be a valid Ethereum address (0x + 40 hex chars)")
}

// TxHashParam rejects a malformed :txHash URL parameter.
func TxHashParam() gin.HandlerFunc {
	return paramGuard("txHash", IsValidTxHash,
		"invalid_tx_hash", "transaction hash must be 0x + 64 hex chars")
}
