// Package client is a JSON-RPC client for a mafia node and a typed
// binding for the Mafia contract.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/JanDomhof/Mafia/pkg/mafia"
)

// Common errors.
var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrReverted        = errors.New("transaction reverted")
)

const (
	errCodeExecutionReverted = 3
	revertedPrefix           = "execution reverted: "
)

// CallArgs are the arguments of eth_call, eth_estimateGas and
// eth_sendTransaction.
type CallArgs struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// Client talks to a node over JSON-RPC.
type Client struct {
	rpc *gethrpc.Client
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{rpc: c}, nil
}

// Close closes the connection.
func (c *Client) Close() { c.rpc.Close() }

// call performs one request and turns contract reverts into *mafia.Error.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return revertError(c.rpc.CallContext(ctx, result, method, args...))
}

// revertError maps a code 3 answer back to the contract failure it came
// from. Reverts the contract did not raise are returned as they are.
func revertError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr gethrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != errCodeExecutionReverted {
		return err
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					if merr, ok := mafia.ParseReason(reason); ok {
						return merr
					}
				}
			}
		}
	}
	if merr, ok := mafia.ParseReason(strings.TrimPrefix(err.Error(), revertedPrefix)); ok {
		return merr
	}
	return err
}

// ChainID returns the chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return id.ToInt(), nil
}

// BlockNumber returns the head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	err := c.call(ctx, &n, "eth_blockNumber")
	return uint64(n), err
}

// Accounts returns the node's unlocked accounts.
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	err := c.call(ctx, &accounts, "eth_accounts")
	return accounts, err
}

// BalanceAt returns the balance of addr at the head.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance hexutil.Big
	if err := c.call(ctx, &balance, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return balance.ToInt(), nil
}

// CodeAt returns the code at addr.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code hexutil.Bytes
	err := c.call(ctx, &code, "eth_getCode", addr, "latest")
	return code, err
}

// Call executes a read-only call at the head.
func (c *Client) Call(ctx context.Context, args CallArgs) ([]byte, error) {
	var out hexutil.Bytes
	err := c.call(ctx, &out, "eth_call", args, "latest")
	return out, err
}

// EstimateGas estimates the gas args would use.
func (c *Client) EstimateGas(ctx context.Context, args CallArgs) (uint64, error) {
	var gas hexutil.Uint64
	err := c.call(ctx, &gas, "eth_estimateGas", args)
	return uint64(gas), err
}

// SendTransaction submits a transaction from an unlocked or impersonated
// account and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, args CallArgs) (common.Hash, error) {
	var hash common.Hash
	err := c.call(ctx, &hash, "eth_sendTransaction", args)
	return hash, err
}

// SendRawTransaction submits a signed transaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	err = c.call(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	return hash, err
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	if err := c.call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

// Snapshot captures the node state and returns the snapshot id.
func (c *Client) Snapshot(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	err := c.call(ctx, &id, "evm_snapshot")
	return uint64(id), err
}

// Revert restores a snapshot. It reports false for unknown ids.
func (c *Client) Revert(ctx context.Context, id uint64) (bool, error) {
	var ok bool
	err := c.call(ctx, &ok, "evm_revert", hexutil.Uint64(id))
	return ok, err
}

// Mine mines one block.
func (c *Client) Mine(ctx context.Context) error {
	return c.call(ctx, nil, "evm_mine")
}

// SetAutomine turns mining on every transaction on or off.
func (c *Client) SetAutomine(ctx context.Context, enabled bool) error {
	return c.call(ctx, nil, "evm_setAutomine", enabled)
}

// Impersonate lets eth_sendTransaction send from addr without its key.
func (c *Client) Impersonate(ctx context.Context, addr common.Address) error {
	return c.call(ctx, nil, "anvil_impersonateAccount", addr)
}

// StopImpersonating reverses Impersonate.
func (c *Client) StopImpersonating(ctx context.Context, addr common.Address) error {
	return c.call(ctx, nil, "anvil_stopImpersonatingAccount", addr)
}

// SetBalance overwrites the balance of addr.
func (c *Client) SetBalance(ctx context.Context, addr common.Address, balance *big.Int) error {
	return c.call(ctx, nil, "anvil_setBalance", addr, (*hexutil.Big)(balance))
}

// MafiaAddress returns the contract the node deployed at startup.
func (c *Client) MafiaAddress(ctx context.Context) (common.Address, bool, error) {
	var addr *common.Address
	if err := c.call(ctx, &addr, "mafia_address"); err != nil {
		return common.Address{}, false, err
	}
	if addr == nil {
		return common.Address{}, false, nil
	}
	return *addr, true, nil
}

// transact sends args and returns the mined receipt. A mined revert is
// reported as ErrReverted along with the receipt.
func (c *Client) transact(ctx context.Context, args CallArgs) (*types.Receipt, error) {
	hash, err := c.SendTransaction(ctx, args)
	if err != nil {
		return nil, err
	}
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return receipt, nil
}
