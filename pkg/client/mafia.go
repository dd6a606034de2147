package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/JanDomhof/Mafia/pkg/mafia"
)

// TxOpts are the sender-side settings of a contract transaction.
type TxOpts struct {
	From  common.Address
	Value *big.Int
	// Gas is estimated when zero.
	Gas uint64
}

func (o *TxOpts) args(to *common.Address, data []byte) CallArgs {
	from := o.From
	args := CallArgs{From: &from, To: to, Data: data}
	if o.Value != nil {
		args.Value = (*hexutil.Big)(o.Value)
	}
	if o.Gas != 0 {
		gas := hexutil.Uint64(o.Gas)
		args.Gas = &gas
	}
	return args
}

// Mafia is a binding for one deployed contract.
type Mafia struct {
	client  *Client
	address common.Address
}

// NewMafia binds the contract at address.
func NewMafia(c *Client, address common.Address) *Mafia {
	return &Mafia{client: c, address: address}
}

// DeployMafia deploys a new contract from opts.From.
func DeployMafia(ctx context.Context, c *Client, opts TxOpts, p mafia.Params) (*Mafia, *types.Receipt, error) {
	payload, err := mafia.CreationPayload(p)
	if err != nil {
		return nil, nil, err
	}
	receipt, err := c.transact(ctx, opts.args(nil, payload))
	if err != nil {
		return nil, receipt, err
	}
	return NewMafia(c, receipt.ContractAddress), receipt, nil
}

// Address returns the contract address.
func (m *Mafia) Address() common.Address { return m.address }

func (m *Mafia) read(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := mafia.ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := m.address
	out, err := m.client.Call(ctx, CallArgs{To: &to, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := mafia.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(values))
	}
	return values, nil
}

func (m *Mafia) readUint(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	values, err := m.read(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	v, ok := values[0].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("%s: unexpected value %v", method, values[0])
	}
	return v.Uint64(), nil
}

func (m *Mafia) readBig(ctx context.Context, method string) (*big.Int, error) {
	values, err := m.read(ctx, method)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected value %v", method, values[0])
	}
	return v, nil
}

func (m *Mafia) readAddress(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	values, err := m.read(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected value %v", method, values[0])
	}
	return v, nil
}

// Owner returns the contract owner.
func (m *Mafia) Owner(ctx context.Context) (common.Address, error) {
	return m.readAddress(ctx, "owner")
}

// CurrentTokenID returns the next token id to mint.
func (m *Mafia) CurrentTokenID(ctx context.Context) (uint64, error) {
	return m.readUint(ctx, "currentTokenId")
}

// TotalSupply returns the number of issued tokens.
func (m *Mafia) TotalSupply(ctx context.Context) (uint64, error) {
	return m.readUint(ctx, "totalSupply")
}

// Reserved returns the number of tokens reserved for the owner.
func (m *Mafia) Reserved(ctx context.Context) (uint64, error) {
	return m.readUint(ctx, "reserved")
}

// MaxPaidPerTx returns the per-transaction paid mint cap.
func (m *Mafia) MaxPaidPerTx(ctx context.Context) (uint64, error) {
	return m.readUint(ctx, "maxPaidPerTx")
}

// MaxSupply returns the supply cap, zero when unbounded.
func (m *Mafia) MaxSupply(ctx context.Context) (uint64, error) {
	return m.readUint(ctx, "maxSupply")
}

// Price returns the public unit price in wei.
func (m *Mafia) Price(ctx context.Context) (*big.Int, error) {
	return m.readBig(ctx, "price")
}

// WhitelistPrice returns the whitelist unit price in wei.
func (m *Mafia) WhitelistPrice(ctx context.Context) (*big.Int, error) {
	return m.readBig(ctx, "whitelistPrice")
}

// Status returns the sale phase.
func (m *Mafia) Status(ctx context.Context) (mafia.Status, error) {
	values, err := m.read(ctx, "status")
	if err != nil {
		return 0, err
	}
	code, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("status: unexpected value %v", values[0])
	}
	return mafia.Status(code), nil
}

// MerkleRoot returns the whitelist root.
func (m *Mafia) MerkleRoot(ctx context.Context) (common.Hash, error) {
	values, err := m.read(ctx, "merkleRoot")
	if err != nil {
		return common.Hash{}, err
	}
	root, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("merkleRoot: unexpected value %v", values[0])
	}
	return common.Hash(root), nil
}

// FreeMintAllowance returns the free mints account has left.
func (m *Mafia) FreeMintAllowance(ctx context.Context, account common.Address) (uint64, error) {
	return m.readUint(ctx, "freeMintAllowance", account)
}

// BalanceOf returns the number of tokens held by account.
func (m *Mafia) BalanceOf(ctx context.Context, account common.Address) (uint64, error) {
	return m.readUint(ctx, "balanceOf", account)
}

// OwnerOf returns the holder of a token.
func (m *Mafia) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	return m.readAddress(ctx, "ownerOf", new(big.Int).SetUint64(tokenID))
}

// IsWhitelisted reports whether proof places account under the root.
func (m *Mafia) IsWhitelisted(ctx context.Context, account common.Address, proof []common.Hash) (bool, error) {
	values, err := m.read(ctx, "isWhitelisted", account, proofArg(proof))
	if err != nil {
		return false, err
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("isWhitelisted: unexpected value %v", values[0])
	}
	return ok, nil
}

func (m *Mafia) transact(ctx context.Context, opts TxOpts, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := mafia.ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := m.address
	return m.client.transact(ctx, opts.args(&to, data))
}

// SetStatus moves the sale to a new phase.
func (m *Mafia) SetStatus(ctx context.Context, opts TxOpts, s mafia.Status) (*types.Receipt, error) {
	return m.transact(ctx, opts, "setStatus", uint8(s))
}

// Mint claims freeCount tokens against the sender's free allowance.
func (m *Mafia) Mint(ctx context.Context, opts TxOpts, proof []common.Hash, freeCount uint64) (*types.Receipt, error) {
	return m.transact(ctx, opts, "mint", proofArg(proof), new(big.Int).SetUint64(freeCount))
}

// MintPaid buys paidCount tokens; opts.Value carries the payment.
func (m *Mafia) MintPaid(ctx context.Context, opts TxOpts, proof []common.Hash, paidCount uint64) (*types.Receipt, error) {
	return m.transact(ctx, opts, "mintPaid", proofArg(proof), new(big.Int).SetUint64(paidCount))
}

// TransferOwnership hands the contract to newOwner.
func (m *Mafia) TransferOwnership(ctx context.Context, opts TxOpts, newOwner common.Address) (*types.Receipt, error) {
	return m.transact(ctx, opts, "transferOwnership", newOwner)
}

// SetMerkleRoot replaces the whitelist root.
func (m *Mafia) SetMerkleRoot(ctx context.Context, opts TxOpts, root common.Hash) (*types.Receipt, error) {
	return m.transact(ctx, opts, "setMerkleRoot", [32]byte(root))
}

// SetPrice sets the public unit price.
func (m *Mafia) SetPrice(ctx context.Context, opts TxOpts, price *big.Int) (*types.Receipt, error) {
	return m.transact(ctx, opts, "setPrice", price)
}

// SetWhitelistPrice sets the whitelist unit price.
func (m *Mafia) SetWhitelistPrice(ctx context.Context, opts TxOpts, price *big.Int) (*types.Receipt, error) {
	return m.transact(ctx, opts, "setWhitelistPrice", price)
}

// SetMaxPaidPerTx sets the per-transaction paid cap.
func (m *Mafia) SetMaxPaidPerTx(ctx context.Context, opts TxOpts, limit uint64) (*types.Receipt, error) {
	return m.transact(ctx, opts, "setMaxPaidPerTx", new(big.Int).SetUint64(limit))
}

// GrantFreeMints adds amount to account's free allowance.
func (m *Mafia) GrantFreeMints(ctx context.Context, opts TxOpts, account common.Address, amount uint64) (*types.Receipt, error) {
	return m.transact(ctx, opts, "grantFreeMints", account, new(big.Int).SetUint64(amount))
}

// Withdraw sends the contract balance to the owner.
func (m *Mafia) Withdraw(ctx context.Context, opts TxOpts) (*types.Receipt, error) {
	return m.transact(ctx, opts, "withdraw")
}

// TransferEvents decodes the Transfer logs of a receipt.
func (m *Mafia) TransferEvents(receipt *types.Receipt) ([]mafia.TransferEvent, error) {
	var events []mafia.TransferEvent
	for _, l := range receipt.Logs {
		if l.Address != m.address {
			continue
		}
		ev, err := mafia.ParseTransfer(l)
		if errors.Is(err, mafia.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

func proofArg(proof []common.Hash) [][32]byte {
	out := make([][32]byte, len(proof))
	for i, h := range proof {
		out[i] = h
	}
	return out
}
