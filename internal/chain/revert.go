package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Prefixes nodes put in front of a revert reason in error messages.
// Longest first so "execution reverted:" wins over "execution reverted".
var revertMarkers = []string{
	"VM Exception while processing transaction: revert",
	"execution reverted:",
	"execution reverted",
	"reverted with reason string",
}

// RevertReason reports whether err is the node saying the contract
// reverted, and if so the reason string. Anything else (refused
// connections, timeouts, malformed responses) returns ok=false.
func RevertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if reason, ok := decodeRevertData(de.ErrorData()); ok {
			return reason, true
		}
	}

	msg := err.Error()
	for _, marker := range revertMarkers {
		i := strings.Index(msg, marker)
		if i < 0 {
			continue
		}
		reason = strings.TrimSpace(msg[i+len(marker):])
		reason = strings.Trim(reason, "'\"")
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

// decodeRevertData handles the error data shapes seen from geth
// ("0x08c379a0...") and ganache ({"message": ..., "data": "0x..."} or
// a map keyed by transaction hash carrying "reason").
func decodeRevertData(data interface{}) (string, bool) {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		reason, err := abi.UnpackRevert(raw)
		if err != nil {
			return "", false
		}
		return reason, true
	case map[string]interface{}:
		if reason, ok := v["reason"].(string); ok && reason != "" {
			return reason, true
		}
		if inner, ok := v["data"]; ok {
			if reason, ok := decodeRevertData(inner); ok {
				return reason, true
			}
		}
		for _, nested := range v {
			if m, ok := nested.(map[string]interface{}); ok {
				if reason, ok := decodeRevertData(m); ok {
					return reason, true
				}
			}
		}
	}
	return "", false
}
