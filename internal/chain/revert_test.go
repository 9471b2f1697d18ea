package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
)

type dataError struct {
	msg  string
	data interface{}
}

func (e *dataError) Error() string          { return e.msg }
func (e *dataError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	return hexutil.Encode(append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...))
}

func TestRevertReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
		ok     bool
	}{
		{"nil", nil, "", false},
		{"connection refused", errors.New("dial tcp: connection refused"), "", false},
		{"timeout", errors.New("context deadline exceeded"), "", false},
		{"ganache message", errors.New("VM Exception while processing transaction: revert Return window has closed"), "Return window has closed", true},
		{"geth message", errors.New("execution reverted: Funds already released"), "Funds already released", true},
		{"bare revert", errors.New("execution reverted"), "execution reverted", true},
		{"wrapped", fmt.Errorf("send: %w", errors.New("execution reverted: nope")), "nope", true},
		{"hardhat", errors.New("Error: VM Exception: reverted with reason string 'Only the seller can release funds'"), "Only the seller can release funds", true},
		{"hex data", &dataError{msg: "execution reverted", data: encodeRevert(t, "Return window has closed")}, "Return window has closed", true},
		{"ganache data map", &dataError{msg: "rpc error", data: map[string]interface{}{
			"0xabc": map[string]interface{}{"error": "revert", "reason": "Refund already issued"},
		}}, "Refund already issued", true},
		{"nested data", &dataError{msg: "rpc error", data: map[string]interface{}{
			"message": "revert", "data": encodeRevert(t, "Invalid receipt index"),
		}}, "Invalid receipt index", true},
		{"undecodable data falls back to message", &dataError{msg: "boom", data: "0xzz"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := RevertReason(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestError_Format(t *testing.T) {
	err := &Error{Op: "issue_receipt", TxHash: "0xabc", Reason: "nope", Err: ErrReverted}
	assert.Equal(t, "chain: issue_receipt failed (tx: 0xabc): chain: transaction reverted: nope", err.Error())
	assert.ErrorIs(t, err, ErrReverted)

	err = &Error{Op: "accounts", Err: ErrUnavailable}
	assert.Equal(t, "chain: accounts failed: chain: node unavailable (circuit open)", err.Error())
}
