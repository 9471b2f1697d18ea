package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptManagerABI is the interface of the per-seller escrow contract.
const ReceiptManagerABI = `[
	{"inputs":[{"name":"_returnWindowDays","type":"uint256"}],"stateMutability":"nonpayable","type":"constructor"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"receiptIndex","type":"uint256"},{"indexed":false,"name":"purchaseAmount","type":"uint256"}],"name":"ReceiptIssued","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"refundAmount","type":"uint256"}],"name":"RefundIssued","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"FundsReleased","type":"event"},
	{"inputs":[{"name":"buyer","type":"address"}],"name":"issueReceipt","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"receiptIndex","type":"uint256"}],"name":"requestReturn","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"buyer","type":"address"},{"name":"receiptIndex","type":"uint256"}],"name":"releaseFunds","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"buyer","type":"address"},{"name":"receiptIndex","type":"uint256"}],"name":"getReceipt","outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"bool"},{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const eventReceiptIssued = "ReceiptIssued"

// Contract is a compiled escrow contract: its ABI and creation bytecode.
type Contract struct {
	ABI      abi.ABI
	Bytecode []byte
}

type artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// LoadArtifact reads a truffle or hardhat build artifact from path.
func LoadArtifact(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes a build artifact carrying "abi" and "bytecode".
func ParseArtifact(data []byte) (*Contract, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	if len(a.ABI) == 0 {
		return nil, fmt.Errorf("%w: missing abi", ErrArtifact)
	}
	return NewContract(string(a.ABI), a.Bytecode)
}

// NewContract builds a Contract from an ABI document and hex bytecode.
// The ABI must expose the escrow methods and the ReceiptIssued event.
func NewContract(abiJSON, bytecode string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	for _, m := range []string{"issueReceipt", "requestReturn", "releaseFunds"} {
		if _, ok := parsed.Methods[m]; !ok {
			return nil, fmt.Errorf("%w: abi lacks method %s", ErrArtifact, m)
		}
	}
	if _, ok := parsed.Events[eventReceiptIssued]; !ok {
		return nil, fmt.Errorf("%w: abi lacks event %s", ErrArtifact, eventReceiptIssued)
	}
	code, err := hexutil.Decode(ensureHexPrefix(bytecode))
	if err != nil || len(code) == 0 {
		return nil, fmt.Errorf("%w: bytecode must be non-empty hex", ErrArtifact)
	}
	return &Contract{ABI: parsed, Bytecode: code}, nil
}

// DeployData is the creation code with constructor arguments appended.
func (c *Contract) DeployData(returnWindowDays uint64) ([]byte, error) {
	args, err := c.ABI.Pack("", new(big.Int).SetUint64(returnWindowDays))
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(c.Bytecode)+len(args))
	return append(append(data, c.Bytecode...), args...), nil
}

// ReceiptIndex extracts the receiptIndex field of the ReceiptIssued event
// emitted by contract in r. The field may be declared indexed or not.
func (c *Contract) ReceiptIndex(r *types.Receipt, contract common.Address) (uint64, error) {
	ev := c.ABI.Events[eventReceiptIssued]
	for _, log := range r.Logs {
		if log.Address != contract || len(log.Topics) == 0 || log.Topics[0] != ev.ID {
			continue
		}
		v, err := eventUint(ev, log, "receiptIndex")
		if err != nil {
			return 0, err
		}
		if !v.IsUint64() {
			return 0, fmt.Errorf("receipt index %s overflows uint64", v)
		}
		return v.Uint64(), nil
	}
	return 0, ErrNoEvent
}

// DecodeIssued decodes a ReceiptIssued log.
func (c *Contract) DecodeIssued(log *types.Log) (*IssuedLog, error) {
	ev := c.ABI.Events[eventReceiptIssued]
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return nil, ErrNoEvent
	}
	buyer, err := eventField(ev, log, "buyer")
	if err != nil {
		return nil, err
	}
	addr, ok := buyer.(common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s.buyer", ErrNoEvent, ev.Name)
	}
	idx, err := eventUint(ev, log, "receiptIndex")
	if err != nil {
		return nil, err
	}
	if !idx.IsUint64() {
		return nil, fmt.Errorf("receipt index %s overflows uint64", idx)
	}
	amount, err := eventUint(ev, log, "purchaseAmount")
	if err != nil {
		return nil, err
	}
	return &IssuedLog{
		TxHash:       log.TxHash,
		BlockNumber:  log.BlockNumber,
		Buyer:        addr,
		ReceiptIndex: idx.Uint64(),
		Amount:       amount,
	}, nil
}

func eventUint(ev abi.Event, log *types.Log, name string) (*big.Int, error) {
	v, err := eventField(ev, log, name)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoEvent, ev.Name, name)
	}
	return n, nil
}

// eventField reads one event input. Indexed addresses come back as
// common.Address and indexed integers as *big.Int.
func eventField(ev abi.Event, log *types.Log, name string) (interface{}, error) {
	topic := 1
	for _, in := range ev.Inputs {
		if !in.Indexed {
			continue
		}
		if in.Name == name {
			if topic >= len(log.Topics) {
				return nil, ErrNoEvent
			}
			if in.Type.T == abi.AddressTy {
				return common.BytesToAddress(log.Topics[topic].Bytes()), nil
			}
			return new(big.Int).SetBytes(log.Topics[topic].Bytes()), nil
		}
		topic++
	}

	fields := map[string]interface{}{}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	v, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoEvent, ev.Name, name)
	}
	return v, nil
}

// DecodeReceiptState unpacks getReceipt's return data.
func (c *Contract) DecodeReceiptState(data []byte) (*ReceiptState, error) {
	out, err := c.ABI.Unpack("getReceipt", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("getReceipt returned %d values", len(out))
	}
	amount, ok1 := out[0].(*big.Int)
	purchased, ok2 := out[1].(*big.Int)
	refunded, ok3 := out[2].(bool)
	released, ok4 := out[3].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("getReceipt returned unexpected types")
	}
	return &ReceiptState{
		Amount:        amount,
		PurchaseTime:  unixTime(purchased.Uint64()),
		Refunded:      refunded,
		FundsReleased: released,
	}, nil
}

func ensureHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "0x" + s
	}
	return s
}
