package miner

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/logging"
	"github.com/JanDomhof/Mafia/pkg/metrics"
	"github.com/JanDomhof/Mafia/pkg/runtime"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("miner already running")
	ErrNotRunning     = errors.New("miner not running")
	ErrFeeTooLow      = errors.New("max fee per gas less than block base fee")
)

// SimpleMiner implements the Miner interface.
type SimpleMiner struct {
	chain    *blockchain.Chain
	pool     *txpool.Pool
	state    *state.InMemoryManager
	executor *runtime.Executor

	mode     MiningMode
	interval time.Duration
	running  bool
	stopCh   chan struct{}

	gasLimit uint64
	baseFee  *big.Int

	observer Observer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// Option configures a SimpleMiner.
type Option func(*SimpleMiner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *SimpleMiner) { m.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *SimpleMiner) { m.metrics = mt }
}

// WithObserver sets the per-transaction observer.
func WithObserver(o Observer) Option {
	return func(m *SimpleMiner) { m.observer = o }
}

// WithBaseFee sets the base fee of new blocks.
func WithBaseFee(baseFee *big.Int) Option {
	return func(m *SimpleMiner) { m.baseFee = new(big.Int).Set(baseFee) }
}

// NewSimpleMiner creates a miner in automine mode.
func NewSimpleMiner(chain *blockchain.Chain, pool *txpool.Pool, sm *state.InMemoryManager, opts ...Option) *SimpleMiner {
	m := &SimpleMiner{
		chain:    chain,
		pool:     pool,
		state:    sm,
		executor: runtime.NewExecutor(sm),
		mode:     ModeAutomine,
		interval: time.Second,
		gasLimit: blockchain.DefaultGasLimit,
		baseFee:  new(big.Int),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MineBlock mines a block with every pooled transaction.
func (m *SimpleMiner) MineBlock() (*types.Block, []Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mineLocked(m.pool.Pending())
}

// MineBlocks mines count empty blocks.
func (m *SimpleMiner) MineBlocks(count uint64) ([]*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := make([]*types.Block, 0, count)
	for i := uint64(0); i < count; i++ {
		block, _, err := m.mineLocked(nil)
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Mine mines a block with the given transactions.
func (m *SimpleMiner) Mine(entries []*txpool.Entry) (*types.Block, []Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mineLocked(entries)
}

func (m *SimpleMiner) mineLocked(entries []*txpool.Entry) (*types.Block, []Rejection, error) {
	parent := m.chain.CurrentBlock()

	timestamp := m.chain.NextBlockTimestamp()
	if timestamp == 0 {
		timestamp = uint64(time.Now().Unix())
		if timestamp <= parent.Time() {
			timestamp = parent.Time() + 1
		}
	}

	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number(), big.NewInt(1)),
		Time:       timestamp,
		GasLimit:   m.gasLimit,
		Difficulty: big.NewInt(0),
		Coinbase:   m.chain.Coinbase(),
		BaseFee:    new(big.Int).Set(m.baseFee),
	}

	var (
		txs        []*types.Transaction
		receipts   []*types.Receipt
		senders    []common.Address
		rejections []Rejection
		usedGas    uint64
		reverted   int
	)

	for _, entry := range entries {
		_ = m.pool.Remove(entry.Tx.Hash())

		if usedGas+entry.Tx.Gas() > m.gasLimit {
			rejections = append(rejections, Rejection{Entry: entry, Err: runtime.ErrOutOfGas})
			continue
		}

		receipt, res, err := m.execute(entry, header, usedGas)
		if err != nil {
			m.logger.Debug("transaction rejected",
				zap.Stringer("hash", entry.Tx.Hash()),
				zap.Stringer("from", entry.From),
				zap.Error(err))
			rejections = append(rejections, Rejection{Entry: entry, Err: err})
			continue
		}

		usedGas += receipt.GasUsed
		if receipt.Status == types.ReceiptStatusFailed {
			reverted++
		}
		txs = append(txs, entry.Tx)
		receipts = append(receipts, receipt)
		senders = append(senders, entry.From)

		if m.observer != nil {
			m.observer(entry, res)
		}
	}

	header.GasUsed = usedGas
	header.Root = m.state.Commit()

	block := types.NewBlock(header, &types.Body{Transactions: txs}, receipts, trie.NewStackTrie(nil))
	if err := m.chain.AddBlock(block, receipts, senders); err != nil {
		return nil, rejections, err
	}

	m.metrics.BlockMined(block.NumberU64(), len(txs)-reverted, reverted)
	m.logger.Info("block mined",
		zap.Uint64("number", block.NumberU64()),
		zap.Stringer("hash", block.Hash()),
		zap.Int("txs", len(txs)),
		zap.Int("reverted", reverted),
		zap.Uint64("gasUsed", usedGas))

	return block, rejections, nil
}

// execute runs one transaction and builds its receipt.
func (m *SimpleMiner) execute(entry *txpool.Entry, header *types.Header, cumulativeGas uint64) (*types.Receipt, *runtime.Result, error) {
	tx := entry.Tx
	tip, err := tx.EffectiveGasTip(header.BaseFee)
	if err != nil {
		return nil, nil, ErrFeeTooLow
	}
	price := new(big.Int).Add(header.BaseFee, tip)

	res, err := m.executor.Apply(runtime.Message{
		From:     entry.From,
		To:       tx.To(),
		Nonce:    tx.Nonce(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: price,
		Data:     tx.Data(),
	})
	if err != nil {
		return nil, nil, err
	}

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: cumulativeGas + res.GasUsed,
		Logs:              res.Logs,
		TxHash:            tx.Hash(),
		GasUsed:           res.GasUsed,
		EffectiveGasPrice: price,
		BlockNumber:       header.Number,
	}
	if res.Failed() {
		receipt.Status = types.ReceiptStatusFailed
		receipt.Logs = nil
	}
	if tx.To() == nil {
		receipt.ContractAddress = res.ContractAddress
	}
	if receipt.Logs == nil {
		receipt.Logs = []*types.Log{}
	}
	receipt.Bloom = bloom(receipt.Logs)

	return receipt, res, nil
}

func bloom(logs []*types.Log) types.Bloom {
	var b types.Bloom
	for _, l := range logs {
		b.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			b.Add(topic.Bytes())
		}
	}
	return b
}

// Mode returns the current mining mode.
func (m *SimpleMiner) Mode() MiningMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode sets the mining mode.
func (m *SimpleMiner) SetMode(mode MiningMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// SetInterval sets the interval for interval mining.
func (m *SimpleMiner) SetInterval(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
	return nil
}

// Interval returns the current interval.
func (m *SimpleMiner) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Start starts interval mining.
func (m *SimpleMiner) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	interval := m.interval
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.runIntervalMining(interval, stopCh)
	return nil
}

// Stop stops interval mining.
func (m *SimpleMiner) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}
	close(m.stopCh)
	m.running = false
	return nil
}

func (m *SimpleMiner) runIntervalMining(interval time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, _, err := m.MineBlock(); err != nil {
				m.logger.Warn("interval mining failed", zap.Error(err))
			}
		}
	}
}

// SetGasLimit sets the gas limit for new blocks.
func (m *SimpleMiner) SetGasLimit(gasLimit uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasLimit = gasLimit
}

// Lock blocks mining until the returned function is called. Snapshot
// reverts hold it so no block lands while state and chain are rewound.
func (m *SimpleMiner) Lock() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

// GasLimit returns the gas limit of new blocks.
func (m *SimpleMiner) GasLimit() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gasLimit
}

// Call executes msg against the head state without persisting it. It
// holds the mining lock so the call never interleaves with a block.
func (m *SimpleMiner) Call(msg runtime.Message) *runtime.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executor.Call(msg)
}
