package rpc

import (
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// parseParams splits the positional params array and checks its length.
func parseParams(params json.RawMessage, min int) ([]json.RawMessage, *ErrorObject) {
	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, invalidParams("invalid params")
		}
	}
	if len(args) < min {
		return nil, invalidParams("missing value for required argument " + strconv.Itoa(len(args)))
	}
	return args, nil
}

func decodeArg(raw json.RawMessage, v interface{}, what string) *ErrorObject {
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid " + what + ": " + err.Error())
	}
	return nil
}

func addressArg(raw json.RawMessage) (common.Address, *ErrorObject) {
	var addr common.Address
	return addr, decodeArg(raw, &addr, "address")
}

func hashArg(raw json.RawMessage) (common.Hash, *ErrorObject) {
	var hash common.Hash
	return hash, decodeArg(raw, &hash, "hash")
}

// quantityArg accepts a hex quantity or a plain JSON number.
func quantityArg(raw json.RawMessage) (uint64, *ErrorObject) {
	var q hexutil.Uint64
	if err := json.Unmarshal(raw, &q); err == nil {
		return uint64(q), nil
	}
	var n uint64
	return n, decodeArg(raw, &n, "quantity")
}

func bigArg(raw json.RawMessage) (*big.Int, *ErrorObject) {
	var b hexutil.Big
	if err := decodeArg(raw, &b, "quantity"); err != nil {
		return nil, err
	}
	return b.ToInt(), nil
}

// blockNumberArg resolves a block tag or hex number against the head.
func (s *Server) blockNumberArg(raw json.RawMessage) (uint64, *ErrorObject) {
	var tag string
	if err := decodeArg(raw, &tag, "block number"); err != nil {
		return 0, err
	}
	switch tag {
	case "latest", "pending", "safe", "finalized", "":
		return s.chain.BlockNumber(), nil
	case "earliest":
		return 0, nil
	}
	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, invalidParams("invalid block number: " + err.Error())
	}
	return n, nil
}

// TransactionArgs are the fields of eth_sendTransaction, eth_call and
// eth_estimateGas.
type TransactionArgs struct {
	From                 *common.Address `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  *hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                *hexutil.Uint64 `json:"nonce"`
	Data                 *hexutil.Bytes  `json:"data"`
	Input                *hexutil.Bytes  `json:"input"`
}

func (args *TransactionArgs) from() common.Address {
	if args.From == nil {
		return common.Address{}
	}
	return *args.From
}

// data prefers input over data, as geth does.
func (args *TransactionArgs) data() []byte {
	if args.Input != nil {
		return *args.Input
	}
	if args.Data != nil {
		return *args.Data
	}
	return nil
}

func (args *TransactionArgs) value() *big.Int {
	if args.Value == nil {
		return new(big.Int)
	}
	return args.Value.ToInt()
}

func (args *TransactionArgs) gasPrice(def *big.Int) *big.Int {
	switch {
	case args.GasPrice != nil:
		return args.GasPrice.ToInt()
	case args.MaxFeePerGas != nil:
		return args.MaxFeePerGas.ToInt()
	default:
		return new(big.Int).Set(def)
	}
}
