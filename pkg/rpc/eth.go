package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/runtime"
)

// eth_chainId returns the chain ID.
func (s *Server) ethChainID() (interface{}, *ErrorObject) {
	return (*hexutil.Big)(s.chainID), nil
}

// eth_blockNumber returns the current block number.
func (s *Server) ethBlockNumber() (interface{}, *ErrorObject) {
	return hexutil.Uint64(s.chain.BlockNumber()), nil
}

// net_version returns the network ID.
func (s *Server) netVersion() (interface{}, *ErrorObject) {
	return s.chainID.String(), nil
}

// eth_gasPrice returns the default gas price.
func (s *Server) ethGasPrice() (interface{}, *ErrorObject) {
	return (*hexutil.Big)(s.gasPrice), nil
}

// eth_accounts returns the unlocked accounts.
func (s *Server) ethAccounts() (interface{}, *ErrorObject) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]common.Address, len(s.accounts))
	copy(accounts, s.accounts)
	return accounts, nil
}

// eth_getBalance returns the balance of an account at the head.
func (s *Server) ethGetBalance(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return (*hexutil.Big)(s.stateManager.GetBalance(addr)), nil
}

// eth_getTransactionCount returns the nonce of an account. The pending
// tag counts pooled transactions.
func (s *Server) ethGetTransactionCount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) > 1 {
		var tag string
		if json.Unmarshal(args[1], &tag) == nil && tag == "pending" {
			return hexutil.Uint64(s.pool.PendingNonce(addr)), nil
		}
	}
	return hexutil.Uint64(s.stateManager.GetNonce(addr)), nil
}

// eth_getCode returns the code of an account.
func (s *Server) ethGetCode(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.Bytes(s.stateManager.GetCode(addr)), nil
}

// eth_getStorageAt returns the value at a storage slot.
func (s *Server) ethGetStorageAt(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var slot string
	if rpcErr := decodeArg(args[1], &slot, "slot"); rpcErr != nil {
		return nil, rpcErr
	}
	return s.stateManager.GetStorageAt(addr, common.HexToHash(slot)), nil
}

// eth_getBlockByNumber returns a block by number, or null.
func (s *Server) ethGetBlockByNumber(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	number, rpcErr := s.blockNumberArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	fullTx := false
	if len(args) > 1 {
		if rpcErr := decodeArg(args[1], &fullTx, "fullTx flag"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	block, err := s.chain.BlockByNumber(number)
	if err != nil {
		return nil, nil
	}
	return s.formatBlock(block, fullTx)
}

// eth_getBlockByHash returns a block by hash, or null.
func (s *Server) ethGetBlockByHash(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := hashArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	fullTx := false
	if len(args) > 1 {
		if rpcErr := decodeArg(args[1], &fullTx, "fullTx flag"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	block, err := s.chain.BlockByHash(hash)
	if err != nil {
		return nil, nil
	}
	return s.formatBlock(block, fullTx)
}

// callMessage builds an execution message from call arguments.
func (s *Server) callMessage(args *TransactionArgs, defaultGas uint64) runtime.Message {
	gas := defaultGas
	if args.Gas != nil {
		gas = uint64(*args.Gas)
	}
	return runtime.Message{
		From:           args.from(),
		To:             args.To,
		Value:          args.value(),
		Gas:            gas,
		GasPrice:       args.gasPrice(s.gasPrice),
		Data:           args.data(),
		SkipNonceCheck: true,
	}
}

func callArgs(params json.RawMessage) (*TransactionArgs, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var txArgs TransactionArgs
	if rpcErr := decodeArg(args[0], &txArgs, "transaction args"); rpcErr != nil {
		return nil, rpcErr
	}
	return &txArgs, nil
}

// eth_call executes a call against the head state without persisting it.
func (s *Server) ethCall(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := callArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res := s.miner.Call(s.callMessage(args, 0))
	if res.Failed() {
		return nil, executionError(res)
	}
	return hexutil.Bytes(res.ReturnData), nil
}

// eth_estimateGas returns the gas a transaction would use at the head.
func (s *Server) ethEstimateGas(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := callArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	gas, rpcErr := s.estimate(args)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.Uint64(gas), nil
}

func (s *Server) estimate(args *TransactionArgs) (uint64, *ErrorObject) {
	res := s.miner.Call(s.callMessage(args, s.miner.GasLimit()))
	if res.Failed() {
		if errors.Is(res.Err, runtime.ErrOutOfGas) {
			return 0, &ErrorObject{Code: ErrCodeServer, Message: "gas required exceeds allowance"}
		}
		return 0, executionError(res)
	}
	return res.GasUsed, nil
}

// eth_sendTransaction signs for an unlocked account, or sends unsigned
// for an impersonated one.
func (s *Server) ethSendTransaction(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := callArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if args.From == nil {
		return nil, invalidParams("missing from address")
	}
	from := *args.From

	key, unlocked := s.key(from)
	if !unlocked && !s.cheats.IsImpersonating(from) {
		return nil, serverError(fmt.Errorf("no signer available for %s", from.Hex()))
	}

	nonce := s.pool.PendingNonce(from)
	if args.Nonce != nil {
		nonce = uint64(*args.Nonce)
	}
	var gas uint64
	if args.Gas != nil {
		gas = uint64(*args.Gas)
	} else {
		estimated, rpcErr := s.estimate(args)
		if rpcErr != nil {
			return nil, rpcErr
		}
		gas = estimated
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       args.To,
		Value:    args.value(),
		Gas:      gas,
		GasPrice: args.gasPrice(s.gasPrice),
		Data:     args.data(),
	})
	if unlocked {
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
		if err != nil {
			return nil, serverError(err)
		}
		tx = signed
	}
	return s.submit(tx, from)
}

// eth_sendRawTransaction sends a signed raw transaction.
func (s *Server) ethSendRawTransaction(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var raw hexutil.Bytes
	if rpcErr := decodeArg(args[0], &raw, "raw transaction"); rpcErr != nil {
		return nil, rpcErr
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, invalidParams("failed to decode transaction: " + err.Error())
	}
	if tx.Protected() && tx.ChainId().Cmp(s.chainID) != 0 {
		return nil, serverError(types.ErrInvalidChainId)
	}
	from, err := types.Sender(types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return nil, serverError(fmt.Errorf("invalid transaction signature: %w", err))
	}
	return s.submit(tx, from)
}

// submit pools tx and mines it right away when automine is on. A
// transaction that reverts while automining is still mined; its receipt
// carries status 0.
func (s *Server) submit(tx *types.Transaction, from common.Address) (interface{}, *ErrorObject) {
	if err := s.pool.Add(tx, from); err != nil {
		return nil, serverError(err)
	}
	s.logger.Debug("transaction pooled",
		zap.Stringer("hash", tx.Hash()),
		zap.Stringer("from", from),
		zap.Uint64("nonce", tx.Nonce()))

	if s.cheats.IsAutomine() {
		_, rejections, err := s.miner.MineBlock()
		if err != nil {
			return nil, serverError(err)
		}
		for _, rej := range rejections {
			if rej.Entry.Tx.Hash() == tx.Hash() {
				return nil, serverError(rej.Err)
			}
		}
	}
	return tx.Hash(), nil
}

// eth_getTransactionReceipt returns the receipt of a mined transaction.
func (s *Server) ethGetTransactionReceipt(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := hashArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	receipt, err := s.chain.GetReceipt(hash)
	if err != nil {
		return nil, nil
	}
	tx, _, _, _, from := s.chain.GetTransaction(hash)
	if tx == nil {
		return nil, nil
	}
	return formatReceipt(receipt, tx, from), nil
}

// eth_getTransactionByHash returns a mined or pooled transaction.
func (s *Server) ethGetTransactionByHash(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := hashArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if tx, blockHash, number, index, from := s.chain.GetTransaction(hash); tx != nil {
		return formatTransaction(tx, &blockHash, number, index, from)
	}
	if entry, ok := s.pool.Get(hash); ok {
		return formatTransaction(entry.Tx, nil, 0, 0, entry.From)
	}
	return nil, nil
}

// web3_sha3 returns keccak256 of the given data.
func (s *Server) web3Sha3(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var data hexutil.Bytes
	if rpcErr := decodeArg(args[0], &data, "data"); rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.Bytes(crypto.Keccak256(data)), nil
}
