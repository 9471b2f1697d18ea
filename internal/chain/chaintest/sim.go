// Package chaintest provides an in-process Backend that simulates the
// escrow contract for tests: deployment, issue/return/release rules,
// the return window, revert reasons, and node faults.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/receiptescrow/internal/chain"
)

// Revert reasons the simulated contract uses.
const (
	ReasonOnlySellerIssue   = "Only the seller can issue receipts"
	ReasonZeroAmount        = "Purchase amount must be greater than zero"
	ReasonInvalidIndex      = "Invalid receipt index"
	ReasonAlreadyRefunded   = "Refund already issued"
	ReasonWindowClosed      = "Return window has closed"
	ReasonOnlySellerRelease = "Only the seller can release funds"
	ReasonAlreadyReleased   = "Funds already released"
)

// ErrNodeDown is returned by every call while the node is marked down.
var ErrNodeDown = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// Bytecode is placeholder creation code accepted by the simulator.
const Bytecode = "0x6080604052348015600f57600080fd5b50"

// Contract returns the escrow contract definition paired with Bytecode.
func Contract() *chain.Contract {
	c, err := chain.NewContract(chain.ReceiptManagerABI, Bytecode)
	if err != nil {
		panic(err)
	}
	return c
}

// RevertStyle selects how a reverting eth_sendTransaction is reported.
type RevertStyle int

const (
	// RevertOnSend rejects the send with a ganache-style error message.
	RevertOnSend RevertStyle = iota
	// RevertMined mines the transaction with status 0.
	RevertMined
)

type receipt struct {
	amount       *big.Int
	purchaseTime uint64
	refunded     bool
	released     bool
}

type escrow struct {
	owner      common.Address
	windowDays uint64
	receipts   map[common.Address][]*receipt
}

// Sim is a simulated dev node holding unlocked, pre-funded accounts.
type Sim struct {
	mu        sync.Mutex
	contract  *chain.Contract
	accounts  []common.Address
	balances  map[common.Address]*big.Int
	escrows   map[common.Address]*escrow
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	blockTime map[uint64]uint64
	nonces    map[common.Address]uint64
	now       time.Time
	block     uint64

	down          bool
	skipPreflight bool
	neverMine     bool
	revertStyle   RevertStyle
	failAccounts  error
	sends         int
	afterSend     func()
}

var _ chain.Backend = (*Sim)(nil)

// New creates a simulator with n accounts holding 100 ether each.
func New(n int) *Sim {
	s := &Sim{
		contract:  Contract(),
		balances:  make(map[common.Address]*big.Int),
		escrows:   make(map[common.Address]*escrow),
		receipts:  make(map[common.Hash]*types.Receipt),
		blockTime: make(map[uint64]uint64),
		nonces:    make(map[common.Address]uint64),
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	hundred := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	for i := 0; i < n; i++ {
		addr := common.BigToAddress(big.NewInt(int64(0xa11ce000 + i)))
		s.accounts = append(s.accounts, addr)
		s.balances[addr] = new(big.Int).Set(hundred)
	}
	return s
}

// Account returns the i-th node account.
func (s *Sim) Account(i int) common.Address { return s.accounts[i] }

// Advance moves the chain clock forward.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Now is the chain clock.
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetDown makes every call fail as if the node were unreachable.
func (s *Sim) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetNeverMine makes sent transactions stay pending forever.
func (s *Sim) SetNeverMine(v bool) {
	s.mu.Lock()
	s.neverMine = v
	s.mu.Unlock()
}

// SetRevertStyle chooses how sends that revert are reported. Preflight
// calls are skipped for RevertMined so the mined path is reachable.
func (s *Sim) SetRevertStyle(style RevertStyle) {
	s.mu.Lock()
	s.revertStyle = style
	s.skipPreflight = style == RevertMined
	s.mu.Unlock()
}

// FailAccounts makes Accounts return err (nil clears it).
func (s *Sim) FailAccounts(err error) {
	s.mu.Lock()
	s.failAccounts = err
	s.mu.Unlock()
}

// AfterSend runs fn after every accepted eth_sendTransaction (nil clears it).
func (s *Sim) AfterSend(fn func()) {
	s.mu.Lock()
	s.afterSend = fn
	s.mu.Unlock()
}

// Sends counts eth_sendTransaction calls.
func (s *Sim) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// MarkRefunded flips the on-chain refunded flag without a transaction,
// producing drift between the contract and any off-chain record.
func (s *Sim) MarkRefunded(contract, buyer common.Address, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[contract]; ok && index < uint64(len(e.receipts[buyer])) {
		e.receipts[buyer][index].refunded = true
	}
}

func (s *Sim) Accounts(context.Context) ([]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrNodeDown
	}
	if s.failAccounts != nil {
		return nil, s.failAccounts
	}
	return append([]common.Address(nil), s.accounts...), nil
}

func (s *Sim) BalanceAt(ctx context.Context, addr common.Address, _ *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrNodeDown
	}
	return new(big.Int).Set(s.balance(addr)), nil
}

func (s *Sim) BlockTime(ctx context.Context, number *big.Int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, ErrNodeDown
	}
	if number == nil {
		return uint64(s.now.Unix()), nil
	}
	return s.blockTime[number.Uint64()], nil
}

func (s *Sim) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrNodeDown
	}
	r, ok := s.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (s *Sim) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrNodeDown
	}
	if call.To == nil {
		return nil, nil
	}
	if s.skipPreflight {
		if m, err := s.contract.ABI.MethodById(call.Data); err == nil && !m.IsConstant() {
			return nil, nil
		}
	}
	out, _, reason, err := s.execute(call.From, *call.To, call.Value, call.Data, false)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, newRevertError(reason)
	}
	return out, nil
}

func (s *Sim) SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	hash, err := s.send(tx)
	s.mu.Lock()
	hook := s.afterSend
	s.mu.Unlock()
	if err == nil && hook != nil {
		hook()
	}
	return hash, err
}

func (s *Sim) send(tx chain.TxRequest) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return common.Hash{}, ErrNodeDown
	}
	s.sends++

	nonce := s.nonces[tx.From]
	s.nonces[tx.From]++
	hash := crypto.Keccak256Hash(tx.From.Bytes(), new(big.Int).SetUint64(nonce).Bytes(), []byte("tx"))

	r := &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}
	if tx.To == nil {
		addr, err := s.deploy(tx.From, nonce, tx.Data)
		if err != nil {
			r.Status = types.ReceiptStatusFailed
		}
		r.ContractAddress = addr
	} else {
		_, logs, reason, err := s.execute(tx.From, *tx.To, tx.Value, tx.Data, true)
		if err != nil {
			return common.Hash{}, err
		}
		if reason != "" {
			if s.revertStyle == RevertOnSend {
				return common.Hash{}, fmt.Errorf("VM Exception while processing transaction: revert %s", reason)
			}
			r.Status = types.ReceiptStatusFailed
		}
		r.Logs = logs
	}

	if s.neverMine {
		return hash, nil
	}
	s.block++
	s.blockTime[s.block] = uint64(s.now.Unix())
	r.BlockNumber = new(big.Int).SetUint64(s.block)
	for _, l := range r.Logs {
		l.TxHash = hash
		l.BlockNumber = s.block
		if r.Status == types.ReceiptStatusSuccessful {
			s.logs = append(s.logs, *l)
		}
	}
	s.receipts[hash] = r
	return hash, nil
}

func (s *Sim) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrNodeDown
	}
	var out []types.Log
	for _, l := range s.logs {
		if matchLog(l, q) {
			out = append(out, l)
		}
	}
	return out, nil
}

// matchLog applies the address and topic filters of q to l.
func matchLog(l types.Log, q ethereum.FilterQuery) bool {
	if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
		return false
	}
	for i, want := range q.Topics {
		if len(want) == 0 {
			continue
		}
		if i >= len(l.Topics) || !slices.Contains(want, l.Topics[i]) {
			return false
		}
	}
	return true
}

func (s *Sim) Close() {}

func (s *Sim) deploy(from common.Address, nonce uint64, data []byte) (common.Address, error) {
	if !bytes.HasPrefix(data, s.contract.Bytecode) {
		return common.Address{}, errors.New("unknown creation code")
	}
	args, err := s.contract.ABI.Constructor.Inputs.Unpack(data[len(s.contract.Bytecode):])
	if err != nil || len(args) != 1 {
		return common.Address{}, fmt.Errorf("bad constructor args: %v", err)
	}
	addr := crypto.CreateAddress(from, nonce)
	s.escrows[addr] = &escrow{
		owner:      from,
		windowDays: args[0].(*big.Int).Uint64(),
		receipts:   make(map[common.Address][]*receipt),
	}
	return addr, nil
}

// execute runs a contract call. A non-empty reason is a revert; err is
// reserved for calls the simulator cannot interpret.
func (s *Sim) execute(from, to common.Address, value *big.Int, data []byte, commit bool) ([]byte, []*types.Log, string, error) {
	e, ok := s.escrows[to]
	if !ok {
		return nil, nil, "", nil
	}
	if value == nil {
		value = new(big.Int)
	}
	m, err := s.contract.ABI.MethodById(data)
	if err != nil {
		return nil, nil, "", err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, "", err
	}

	switch m.Name {
	case "issueReceipt":
		buyer := args[0].(common.Address)
		if from != e.owner {
			return nil, nil, ReasonOnlySellerIssue, nil
		}
		if value.Sign() <= 0 {
			return nil, nil, ReasonZeroAmount, nil
		}
		if !commit {
			return nil, nil, "", nil
		}
		idx := len(e.receipts[buyer])
		e.receipts[buyer] = append(e.receipts[buyer], &receipt{amount: new(big.Int).Set(value), purchaseTime: uint64(s.now.Unix())})
		s.transfer(from, to, value)
		ev := s.contract.ABI.Events["ReceiptIssued"]
		payload, err := ev.Inputs.NonIndexed().Pack(big.NewInt(int64(idx)), value)
		if err != nil {
			return nil, nil, "", err
		}
		log := &types.Log{
			Address: to,
			Topics:  []common.Hash{ev.ID, common.BytesToHash(buyer.Bytes())},
			Data:    payload,
		}
		return nil, []*types.Log{log}, "", nil

	case "requestReturn":
		idx := args[0].(*big.Int).Uint64()
		list := e.receipts[from]
		if idx >= uint64(len(list)) {
			return nil, nil, ReasonInvalidIndex, nil
		}
		r := list[idx]
		if r.refunded {
			return nil, nil, ReasonAlreadyRefunded, nil
		}
		if uint64(s.now.Unix()) > r.purchaseTime+e.windowDays*86400 {
			return nil, nil, ReasonWindowClosed, nil
		}
		if commit {
			r.refunded = true
			s.transfer(to, from, r.amount)
		}
		return nil, nil, "", nil

	case "releaseFunds":
		buyer := args[0].(common.Address)
		idx := args[1].(*big.Int).Uint64()
		if from != e.owner {
			return nil, nil, ReasonOnlySellerRelease, nil
		}
		list := e.receipts[buyer]
		if idx >= uint64(len(list)) {
			return nil, nil, ReasonInvalidIndex, nil
		}
		r := list[idx]
		if r.released {
			return nil, nil, ReasonAlreadyReleased, nil
		}
		if commit {
			r.released = true
			if !r.refunded {
				s.transfer(to, from, r.amount)
			}
		}
		return nil, nil, "", nil

	case "getReceipt":
		buyer := args[0].(common.Address)
		idx := args[1].(*big.Int).Uint64()
		list := e.receipts[buyer]
		if idx >= uint64(len(list)) {
			return nil, nil, ReasonInvalidIndex, nil
		}
		r := list[idx]
		out, err := m.Outputs.Pack(r.amount, new(big.Int).SetUint64(r.purchaseTime), r.refunded, r.released)
		return out, nil, "", err
	}
	return nil, nil, "", fmt.Errorf("unsupported method %s", m.Name)
}

func (s *Sim) balance(addr common.Address) *big.Int {
	if b, ok := s.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (s *Sim) transfer(from, to common.Address, amount *big.Int) {
	s.balances[from] = new(big.Int).Sub(s.balance(from), amount)
	s.balances[to] = new(big.Int).Add(s.balance(to), amount)
}

// revertError mimics geth's JSON-RPC error for a reverted eth_call.
type revertError struct {
	reason string
	data   string
}

func newRevertError(reason string) *revertError {
	str, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: str}}.Pack(reason)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return &revertError{reason: reason, data: hexutil.Encode(append(selector, packed...))}
}

func (e *revertError) Error() string          { return "execution reverted: " + e.reason }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }
