package mafia

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call decodes an ABI-encoded call and runs it against the contract. The
// returned bytes are the ABI-encoded outputs. Value attached to a
// non-payable function is rejected before anything runs.
func (c *Contract) Call(msg Msg, input []byte) ([]byte, error) {
	if len(input) < 4 {
		return nil, newError(KindInvalidArgument, "missing function selector")
	}
	method, err := ABI.MethodById(input[:4])
	if err != nil {
		return nil, newError(KindInvalidArgument, fmt.Sprintf("unknown selector %x", input[:4]))
	}
	if !method.IsPayable() && msg.value().Sign() > 0 {
		return nil, newError(KindInvalidArgument, method.Name+" is not payable")
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, newError(KindInvalidArgument, "malformed arguments to "+method.Name)
	}

	out, err := c.invoke(msg, method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (c *Contract) invoke(msg Msg, name string, args []interface{}) ([]interface{}, error) {
	switch name {
	// Views
	case "owner":
		return one(c.Owner()), nil
	case "currentTokenId":
		return one(u256(c.CurrentTokenID())), nil
	case "totalSupply":
		return one(u256(c.TotalSupply())), nil
	case "reserved":
		return one(u256(c.Reserved())), nil
	case "status":
		return one(uint8(c.Status())), nil
	case "price":
		return one(c.Price()), nil
	case "whitelistPrice":
		return one(c.WhitelistPrice()), nil
	case "maxPaidPerTx":
		return one(u256(c.MaxPaidPerTx())), nil
	case "freePerWallet":
		return one(u256(c.FreePerWallet())), nil
	case "maxSupply":
		return one(u256(c.MaxSupply())), nil
	case "merkleRoot":
		return one([32]byte(c.MerkleRoot())), nil
	case "freeMintAllowance":
		return one(u256(c.FreeMintAllowance(args[0].(common.Address)))), nil
	case "balanceOf":
		return one(u256(c.BalanceOf(args[0].(common.Address)))), nil
	case "ownerOf":
		id, err := toUint64(args[0].(*big.Int), "tokenId")
		if err != nil {
			return nil, newError(KindNotFound, "token does not exist")
		}
		holder, err := c.OwnerOf(id)
		if err != nil {
			return nil, err
		}
		return one(holder), nil
	case "isWhitelisted":
		return one(c.IsWhitelisted(args[0].(common.Address), proofArg(args[1]))), nil

	// Mutations
	case "setStatus":
		return nil, c.SetStatus(msg, Status(args[0].(uint8)))
	case "mint":
		count, err := toUint64(args[1].(*big.Int), "freeCount")
		if err != nil {
			return nil, err
		}
		_, err = c.Mint(msg, proofArg(args[0]), count)
		return nil, err
	case "mintPaid":
		count, err := toUint64(args[1].(*big.Int), "paidCount")
		if err != nil {
			return nil, err
		}
		_, err = c.MintPaid(msg, proofArg(args[0]), count)
		return nil, err
	case "transferOwnership":
		return nil, c.TransferOwnership(msg, args[0].(common.Address))
	case "setMerkleRoot":
		return nil, c.SetMerkleRoot(msg, common.Hash(args[0].([32]byte)))
	case "setPrice":
		return nil, c.SetPrice(msg, args[0].(*big.Int))
	case "setWhitelistPrice":
		return nil, c.SetWhitelistPrice(msg, args[0].(*big.Int))
	case "setMaxPaidPerTx":
		limit, err := toUint64(args[0].(*big.Int), "cap")
		if err != nil {
			return nil, err
		}
		return nil, c.SetMaxPaidPerTx(msg, limit)
	case "grantFreeMints":
		amount, err := toUint64(args[1].(*big.Int), "amount")
		if err != nil {
			return nil, err
		}
		return nil, c.GrantFreeMints(msg, args[0].(common.Address), amount)
	case "withdraw":
		_, err := c.Withdraw(msg)
		return nil, err
	}
	return nil, newError(KindInvalidArgument, "unsupported function "+name)
}

// IsView reports whether the function behind selector never writes state.
func IsView(input []byte) bool {
	if len(input) < 4 {
		return false
	}
	method, err := ABI.MethodById(input[:4])
	if err != nil {
		return false
	}
	return method.StateMutability == "view" || method.StateMutability == "pure"
}

// EncodeRevert packs reason as Error(string) revert data.
func EncodeRevert(reason string) []byte {
	data, _ := revertArgs.Pack(reason)
	return append(append([]byte{}, revertSelector...), data...)
}

var (
	revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	revertArgs     = abi.Arguments{{Type: mustType("string")}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func proofArg(v interface{}) []common.Hash {
	raw := v.([][32]byte)
	proof := make([]common.Hash, len(raw))
	for i, p := range raw {
		proof[i] = common.Hash(p)
	}
	return proof
}

func one(v interface{}) []interface{} { return []interface{}{v} }

func u256(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
