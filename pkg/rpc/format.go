package rpc

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// toFields re-encodes a go-ethereum JSON object as a map so RPC-only
// fields can be added.
func toFields(v json.Marshaler) (map[string]interface{}, *ErrorObject) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	return fields, nil
}

// formatBlock formats a block for JSON-RPC response.
func (s *Server) formatBlock(block *types.Block, fullTx bool) (interface{}, *ErrorObject) {
	fields, rpcErr := toFields(block.Header())
	if rpcErr != nil {
		return nil, rpcErr
	}
	fields["hash"] = block.Hash()
	fields["size"] = hexutil.Uint64(block.Size())
	fields["uncles"] = []common.Hash{}

	txs := block.Transactions()
	if !fullTx {
		hashes := make([]common.Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash()
		}
		fields["transactions"] = hashes
		return fields, nil
	}

	full := make([]interface{}, len(txs))
	blockHash := block.Hash()
	for i, tx := range txs {
		_, _, _, _, from := s.chain.GetTransaction(tx.Hash())
		formatted, rpcErr := formatTransaction(tx, &blockHash, block.NumberU64(), uint64(i), from)
		if rpcErr != nil {
			return nil, rpcErr
		}
		full[i] = formatted
	}
	fields["transactions"] = full
	return fields, nil
}

// formatTransaction formats a transaction. blockHash is nil for pooled
// transactions.
func formatTransaction(tx *types.Transaction, blockHash *common.Hash, number, index uint64, from common.Address) (interface{}, *ErrorObject) {
	fields, rpcErr := toFields(tx)
	if rpcErr != nil {
		return nil, rpcErr
	}
	fields["from"] = from
	if blockHash == nil {
		fields["blockHash"] = nil
		fields["blockNumber"] = nil
		fields["transactionIndex"] = nil
	} else {
		fields["blockHash"] = *blockHash
		fields["blockNumber"] = hexutil.Uint64(number)
		fields["transactionIndex"] = hexutil.Uint64(index)
	}
	return fields, nil
}

// formatReceipt formats a receipt with the sender and recipient.
func formatReceipt(receipt *types.Receipt, tx *types.Transaction, from common.Address) map[string]interface{} {
	logs := receipt.Logs
	if logs == nil {
		logs = []*types.Log{}
	}

	fields := map[string]interface{}{
		"transactionHash":   receipt.TxHash,
		"transactionIndex":  hexutil.Uint64(receipt.TransactionIndex),
		"blockHash":         receipt.BlockHash,
		"blockNumber":       (*hexutil.Big)(receipt.BlockNumber),
		"from":              from,
		"to":                tx.To(),
		"cumulativeGasUsed": hexutil.Uint64(receipt.CumulativeGasUsed),
		"gasUsed":           hexutil.Uint64(receipt.GasUsed),
		"effectiveGasPrice": (*hexutil.Big)(receipt.EffectiveGasPrice),
		"contractAddress":   nil,
		"logs":              logs,
		"logsBloom":         receipt.Bloom,
		"status":            hexutil.Uint64(receipt.Status),
		"type":              hexutil.Uint64(receipt.Type),
	}
	if tx.To() == nil {
		fields["contractAddress"] = receipt.ContractAddress
	}
	return fields
}
