package rpc

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// maxLogRange bounds the blocks scanned by one eth_getLogs call.
const maxLogRange = 10_000

// filterQuery is the eth_getLogs filter object.
type filterQuery struct {
	BlockHash *common.Hash      `json:"blockHash"`
	FromBlock json.RawMessage   `json:"fromBlock"`
	ToBlock   json.RawMessage   `json:"toBlock"`
	Address   json.RawMessage   `json:"address"`
	Topics    []json.RawMessage `json:"topics"`
}

// logFilter matches logs by emitting address and per-position topics.
// An empty set at a position matches anything.
type logFilter struct {
	addresses []common.Address
	topics    [][]common.Hash
}

func (f *logFilter) match(l *types.Log) bool {
	if len(f.addresses) > 0 && !containsAddress(f.addresses, l.Address) {
		return false
	}
	if len(f.topics) > len(l.Topics) {
		return false
	}
	for i, set := range f.topics {
		if len(set) > 0 && !containsHash(set, l.Topics[i]) {
			return false
		}
	}
	return true
}

func containsAddress(set []common.Address, addr common.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}

func containsHash(set []common.Hash, h common.Hash) bool {
	for _, x := range set {
		if x == h {
			return true
		}
	}
	return false
}

// parseFilter decodes address and topic criteria, each given as a single
// value, a list, or null.
func parseFilter(q *filterQuery) (*logFilter, *ErrorObject) {
	f := &logFilter{}
	if len(q.Address) > 0 && string(q.Address) != "null" {
		var single common.Address
		if json.Unmarshal(q.Address, &single) == nil {
			f.addresses = []common.Address{single}
		} else if rpcErr := decodeArg(q.Address, &f.addresses, "address filter"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	for _, raw := range q.Topics {
		var set []common.Hash
		if len(raw) > 0 && string(raw) != "null" {
			var single common.Hash
			if json.Unmarshal(raw, &single) == nil {
				set = []common.Hash{single}
			} else if rpcErr := decodeArg(raw, &set, "topic filter"); rpcErr != nil {
				return nil, rpcErr
			}
		}
		f.topics = append(f.topics, set)
	}
	return f, nil
}

// eth_getLogs returns the logs of mined blocks matching a filter.
func (s *Server) ethGetLogs(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var q filterQuery
	if rpcErr := decodeArg(args[0], &q, "filter"); rpcErr != nil {
		return nil, rpcErr
	}
	filter, rpcErr := parseFilter(&q)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var blocks []*types.Block
	if q.BlockHash != nil {
		block, err := s.chain.BlockByHash(*q.BlockHash)
		if err != nil {
			return nil, serverError(err)
		}
		blocks = append(blocks, block)
	} else {
		head := s.chain.BlockNumber()
		from, to := head, head
		if len(q.FromBlock) > 0 {
			if from, rpcErr = s.blockNumberArg(q.FromBlock); rpcErr != nil {
				return nil, rpcErr
			}
		}
		if len(q.ToBlock) > 0 {
			if to, rpcErr = s.blockNumberArg(q.ToBlock); rpcErr != nil {
				return nil, rpcErr
			}
		}
		if to > head {
			to = head
		}
		if from > to {
			return []*types.Log{}, nil
		}
		if to-from >= maxLogRange {
			return nil, invalidParams("block range too large")
		}
		for n := from; n <= to; n++ {
			block, err := s.chain.BlockByNumber(n)
			if err != nil {
				return nil, serverError(err)
			}
			blocks = append(blocks, block)
		}
	}

	logs := []*types.Log{}
	for _, block := range blocks {
		for _, tx := range block.Transactions() {
			receipt, err := s.chain.GetReceipt(tx.Hash())
			if err != nil {
				continue
			}
			for _, l := range receipt.Logs {
				if filter.match(l) {
					logs = append(logs, l)
				}
			}
		}
	}
	return logs, nil
}
