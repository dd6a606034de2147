package rpc

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/snapshot"
)

// State edits hold the mining lock so they never land inside a block.

// anvil_setBalance sets the balance of an account.
func (s *Server) anvilSetBalance(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, rpcErr := bigArg(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()
	if err := s.cheats.SetBalance(addr, balance); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// anvil_setNonce sets the nonce of an account.
func (s *Server) anvilSetNonce(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	nonce, rpcErr := quantityArg(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()
	if err := s.cheats.SetNonce(addr, nonce); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// anvil_setCode sets the code of an account.
func (s *Server) anvilSetCode(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var code hexutil.Bytes
	if rpcErr := decodeArg(args[1], &code, "code"); rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()
	if err := s.cheats.SetCode(addr, code); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// anvil_setStorageAt sets one storage slot. Slot and value may be short
// hex quantities.
func (s *Server) anvilSetStorageAt(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 3)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var slot, value string
	if rpcErr := decodeArg(args[1], &slot, "slot"); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := decodeArg(args[2], &value, "value"); rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()
	if err := s.cheats.SetStorageAt(addr, common.HexToHash(slot), common.HexToHash(value)); err != nil {
		return nil, serverError(err)
	}
	return true, nil
}

// anvil_impersonateAccount lets eth_sendTransaction send from an address
// without its key.
func (s *Server) anvilImpersonateAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	s.cheats.ImpersonateAccount(addr)
	return true, nil
}

// anvil_stopImpersonatingAccount undoes anvil_impersonateAccount.
func (s *Server) anvilStopImpersonatingAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := addressArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	s.cheats.StopImpersonatingAccount(addr)
	return true, nil
}

// anvil_autoImpersonateAccount toggles impersonation of every address.
func (s *Server) anvilAutoImpersonateAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var enabled bool
	if rpcErr := decodeArg(args[0], &enabled, "flag"); rpcErr != nil {
		return nil, rpcErr
	}
	s.cheats.SetAutoImpersonate(enabled)
	return true, nil
}

// anvil_mine mines blocks, optionally spaced by interval seconds. The
// first block takes every pooled transaction.
func (s *Server) anvilMine(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	count := uint64(1)
	if len(args) > 0 {
		if count, rpcErr = quantityArg(args[0]); rpcErr != nil {
			return nil, rpcErr
		}
	}
	var interval uint64
	if len(args) > 1 {
		if interval, rpcErr = quantityArg(args[1]); rpcErr != nil {
			return nil, rpcErr
		}
	}

	for i := uint64(0); i < count; i++ {
		if i > 0 && interval > 0 {
			s.chain.SetNextBlockTimestamp(s.chain.CurrentBlock().Time() + interval)
		}
		if i == 0 {
			if _, _, err := s.miner.MineBlock(); err != nil {
				return nil, serverError(err)
			}
			continue
		}
		if _, err := s.miner.MineBlocks(1); err != nil {
			return nil, serverError(err)
		}
	}
	return nil, nil
}

// evm_mine mines one block with the pooled transactions, at the given
// timestamp if one is passed.
func (s *Server) evmMine(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) > 0 && string(args[0]) != "null" {
		ts, rpcErr := quantityArg(args[0])
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.cheats.SetNextBlockTimestamp(ts); err != nil {
			return nil, serverError(err)
		}
	}

	block, rejections, err := s.miner.MineBlock()
	if err != nil {
		return nil, serverError(err)
	}
	for _, rej := range rejections {
		s.logger.Warn("transaction dropped while mining",
			zap.Stringer("hash", rej.Entry.Tx.Hash()),
			zap.Error(rej.Err))
	}
	s.logger.Debug("evm_mine", zap.Uint64("number", block.NumberU64()))
	return "0x0", nil
}

// evm_setAutomine toggles mining a block per transaction.
func (s *Server) evmSetAutomine(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var enabled bool
	if rpcErr := decodeArg(args[0], &enabled, "flag"); rpcErr != nil {
		return nil, rpcErr
	}
	s.cheats.SetAutomine(enabled)
	return true, nil
}

// evm_increaseTime moves the next block's timestamp forward.
func (s *Server) evmIncreaseTime(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	seconds, rpcErr := quantityArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.cheats.IncreaseTime(seconds), nil
}

// evm_setNextBlockTimestamp fixes the next block's timestamp.
func (s *Server) evmSetNextBlockTimestamp(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ts, rpcErr := quantityArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.cheats.SetNextBlockTimestamp(ts); err != nil {
		return nil, serverError(err)
	}
	return nil, nil
}

// evm_snapshot captures state and chain head.
func (s *Server) evmSnapshot() (interface{}, *ErrorObject) {
	unlock := s.miner.Lock()
	defer unlock()

	id := s.snapshots.Snapshot()
	s.metrics.SetSnapshots(s.snapshots.Count())
	return hexutil.Uint64(id), nil
}

// evm_revert restores a snapshot. Unknown ids answer false.
func (s *Server) evmRevert(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := quantityArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()

	if err := s.snapshots.Revert(id); err != nil {
		if errors.Is(err, snapshot.ErrUnknownSnapshot) {
			return false, nil
		}
		return nil, serverError(err)
	}
	s.metrics.SetSnapshots(s.snapshots.Count())
	s.metrics.HeadChanged(s.chain.BlockNumber())
	s.logger.Debug("reverted to snapshot",
		zap.Uint64("id", id),
		zap.Uint64("head", s.chain.BlockNumber()))
	return true, nil
}

// anvil_dropTransaction removes a pooled transaction.
func (s *Server) anvilDropTransaction(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := hashArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.pool.Remove(hash); err != nil {
		return nil, nil
	}
	return hash, nil
}

// anvil_dropAllTransactions empties the pool.
func (s *Server) anvilDropAllTransactions() (interface{}, *ErrorObject) {
	s.pool.Clear()
	return nil, nil
}

// anvil_dumpState returns the account state as hex-encoded JSON.
func (s *Server) anvilDumpState() (interface{}, *ErrorObject) {
	unlock := s.miner.Lock()
	defer unlock()

	data, err := s.stateManager.DumpJSON()
	if err != nil {
		return nil, serverError(err)
	}
	return hexutil.Bytes(data), nil
}

// anvil_loadState merges a dump produced by anvil_dumpState.
func (s *Server) anvilLoadState(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var data hexutil.Bytes
	if rpcErr := decodeArg(args[0], &data, "state"); rpcErr != nil {
		return nil, rpcErr
	}

	unlock := s.miner.Lock()
	defer unlock()
	if err := s.stateManager.LoadJSON(data); err != nil {
		return nil, invalidParams("invalid state dump: " + err.Error())
	}
	return true, nil
}

// anvil_nodeInfo describes the node.
func (s *Server) anvilNodeInfo() (interface{}, *ErrorObject) {
	head := s.chain.CurrentBlock()
	s.mu.RLock()
	mafiaAddr := s.mafia
	s.mu.RUnlock()

	return map[string]interface{}{
		"currentBlockNumber":    hexutil.Uint64(head.NumberU64()),
		"currentBlockTimestamp": head.Time(),
		"currentBlockHash":      head.Hash(),
		"chainId":               (*hexutil.Big)(s.chainID),
		"gasPrice":              (*hexutil.Big)(s.gasPrice),
		"automine":              s.cheats.IsAutomine(),
		"pendingTransactions":   s.pool.Count(),
		"snapshots":             s.snapshots.Count(),
		"mafia":                 mafiaAddr,
		"version":               ClientVersion,
	}, nil
}

// mafia_address returns the auto-deployed contract, or null.
func (s *Server) mafiaAddress() (interface{}, *ErrorObject) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mafia == nil {
		return nil, nil
	}
	return *s.mafia, nil
}
