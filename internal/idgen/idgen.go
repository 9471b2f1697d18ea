// Package idgen generates random identifiers for requests and connections.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// Hex returns numBytes of randomness as lowercase hex. If the system
// random source fails it falls back to the current time in nanoseconds.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// RequestID returns a 32-character hex request identifier.
func RequestID() string { return Hex(16) }
