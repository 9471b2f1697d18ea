package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCBackend talks JSON-RPC to a node that holds unlocked accounts
// (ganache, anvil, geth --dev). Transactions go out via
// eth_sendTransaction so the node signs them.
type RPCBackend struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

var _ Backend = (*RPCBackend)(nil)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*RPCBackend, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, &Error{Op: "dial", Err: fmt.Errorf("%w: %v", ErrRPC, err)}
	}
	return &RPCBackend{rpc: c, eth: ethclient.NewClient(c)}, nil
}

func (b *RPCBackend) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := b.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

func (b *RPCBackend) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	args := sendTxArgs{From: tx.From, To: tx.To, Data: tx.Data}
	if tx.Value != nil {
		args.Value = (*hexutil.Big)(tx.Value)
	}
	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *RPCBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return b.eth.TransactionReceipt(ctx, hash)
}

// BlockTime reads only the block timestamp; dev nodes omit header fields
// that full header decoding insists on.
func (b *RPCBackend) BlockTime(ctx context.Context, number *big.Int) (uint64, error) {
	var block struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	tag := "latest"
	if number != nil {
		tag = hexutil.EncodeBig(number)
	}
	if err := b.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", tag, false); err != nil {
		return 0, err
	}
	return uint64(block.Timestamp), nil
}

func (b *RPCBackend) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	return b.eth.BalanceAt(ctx, addr, block)
}

func (b *RPCBackend) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return b.eth.CallContract(ctx, call, block)
}

func (b *RPCBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return b.eth.FilterLogs(ctx, q)
}

func (b *RPCBackend) Close() {
	b.rpc.Close()
}
