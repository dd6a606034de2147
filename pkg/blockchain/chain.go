// Package blockchain stores the blocks and receipts produced by the node.
package blockchain

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
)

// Common errors.
var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrNoGenesis       = errors.New("no genesis block set")
	ErrInvalidBlock    = errors.New("invalid block")
)

// DefaultGasLimit is the gas limit of every block.
const DefaultGasLimit = 30_000_000

// txLocation points a transaction hash at its block.
type txLocation struct {
	blockHash common.Hash
	number    uint64
	index     uint64
}

// Chain holds the canonical chain. Blocks only ever extend the head or
// are dropped from the tip by Rewind.
type Chain struct {
	chainID *big.Int

	blocks       map[common.Hash]*types.Block
	blockNumbers map[uint64]common.Hash
	receipts     map[common.Hash]*types.Receipt
	txs          map[common.Hash]txLocation
	senders      map[common.Hash]common.Address

	currentBlock *types.Block
	genesis      *types.Block

	coinbase           common.Address
	nextBlockTimestamp uint64

	mu sync.RWMutex
}

// NewChain creates an empty chain.
func NewChain(chainID *big.Int, coinbase common.Address) *Chain {
	return &Chain{
		chainID:      chainID,
		blocks:       make(map[common.Hash]*types.Block),
		blockNumbers: make(map[uint64]common.Hash),
		receipts:     make(map[common.Hash]*types.Receipt),
		txs:          make(map[common.Hash]txLocation),
		senders:      make(map[common.Hash]common.Address),
		coinbase:     coinbase,
	}
}

// NewGenesisBlock builds block 0 over the given state root.
func NewGenesisBlock(root common.Hash, timestamp uint64, baseFee *big.Int) *types.Block {
	header := &types.Header{
		Number:     big.NewInt(0),
		Time:       timestamp,
		GasLimit:   DefaultGasLimit,
		Difficulty: big.NewInt(0),
		BaseFee:    baseFee,
		Root:       root,
	}
	return types.NewBlock(header, nil, nil, trie.NewStackTrie(nil))
}

// ChainID returns the chain ID.
func (c *Chain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SetGenesis sets the genesis block.
func (c *Chain) SetGenesis(block *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if block.NumberU64() != 0 {
		return ErrInvalidBlock
	}

	c.genesis = block
	c.currentBlock = block
	c.blocks[block.Hash()] = block
	c.blockNumbers[0] = block.Hash()
	return nil
}

// Genesis returns the genesis block.
func (c *Chain) Genesis() *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.genesis
}

// CurrentBlock returns the head block.
func (c *Chain) CurrentBlock() *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.currentBlock
}

// BlockNumber returns the head block number.
func (c *Chain) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.currentBlock == nil {
		return 0
	}
	return c.currentBlock.NumberU64()
}

// AddBlock appends a block and indexes its receipts. senders holds the
// sender of each transaction in block order.
func (c *Chain) AddBlock(block *types.Block, receipts []*types.Receipt, senders []common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genesis == nil {
		return ErrNoGenesis
	}
	if block.ParentHash() != c.currentBlock.Hash() {
		return ErrInvalidBlock
	}
	if block.NumberU64() != c.currentBlock.NumberU64()+1 {
		return ErrInvalidBlock
	}
	if len(receipts) != len(block.Transactions()) || len(senders) != len(receipts) {
		return ErrInvalidBlock
	}

	hash := block.Hash()
	c.blocks[hash] = block
	c.blockNumbers[block.NumberU64()] = hash
	c.currentBlock = block

	var logIndex uint
	for i, tx := range block.Transactions() {
		receipt := receipts[i]
		receipt.BlockHash = hash
		receipt.BlockNumber = block.Number()
		receipt.TransactionIndex = uint(i)
		for _, l := range receipt.Logs {
			l.BlockHash = hash
			l.BlockNumber = block.NumberU64()
			l.TxHash = tx.Hash()
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}

		c.receipts[tx.Hash()] = receipt
		c.txs[tx.Hash()] = txLocation{blockHash: hash, number: block.NumberU64(), index: uint64(i)}
		c.senders[tx.Hash()] = senders[i]
	}

	c.nextBlockTimestamp = 0
	return nil
}

// Rewind drops every block above number.
func (c *Chain) Rewind(number uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentBlock == nil {
		return ErrNoGenesis
	}
	head := c.currentBlock.NumberU64()
	if number > head {
		return ErrBlockNotFound
	}

	for n := head; n > number; n-- {
		hash := c.blockNumbers[n]
		block := c.blocks[hash]
		for _, tx := range block.Transactions() {
			delete(c.receipts, tx.Hash())
			delete(c.txs, tx.Hash())
			delete(c.senders, tx.Hash())
		}
		delete(c.blocks, hash)
		delete(c.blockNumbers, n)
	}

	c.currentBlock = c.blocks[c.blockNumbers[number]]
	return nil
}

// BlockByNumber retrieves a block by its number.
func (c *Chain) BlockByNumber(number uint64) (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hash, exists := c.blockNumbers[number]
	if !exists {
		return nil, ErrBlockNotFound
	}
	return c.blocks[hash], nil
}

// BlockByHash retrieves a block by its hash.
func (c *Chain) BlockByHash(hash common.Hash) (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	block, exists := c.blocks[hash]
	if !exists {
		return nil, ErrBlockNotFound
	}
	return block, nil
}

// HasBlock checks if a block exists.
func (c *Chain) HasBlock(hash common.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.blocks[hash]
	return exists
}

// GetReceipt retrieves a transaction receipt.
func (c *Chain) GetReceipt(txHash common.Hash) (*types.Receipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	receipt, exists := c.receipts[txHash]
	if !exists {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

// GetTransaction returns a mined transaction with its block hash, block
// number, index and sender.
func (c *Chain) GetTransaction(txHash common.Hash) (*types.Transaction, common.Hash, uint64, uint64, common.Address) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	loc, exists := c.txs[txHash]
	if !exists {
		return nil, common.Hash{}, 0, 0, common.Address{}
	}
	tx := c.blocks[loc.blockHash].Transactions()[loc.index]
	return tx, loc.blockHash, loc.number, loc.index, c.senders[txHash]
}

// SetNextBlockTimestamp sets the timestamp for the next block.
func (c *Chain) SetNextBlockTimestamp(timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextBlockTimestamp = timestamp
}

// NextBlockTimestamp returns the next block's timestamp, 0 when unset.
func (c *Chain) NextBlockTimestamp() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.nextBlockTimestamp
}

// Coinbase returns the coinbase address.
func (c *Chain) Coinbase() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.coinbase
}
