package miner

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/mafia"
	"github.com/JanDomhof/Mafia/pkg/runtime"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

var (
	chainID = big.NewInt(31337)
	to      = common.HexToAddress("0x1234567890123456789012345678901234567890")
)

func setupMiner(t *testing.T, opts ...Option) (*SimpleMiner, *blockchain.Chain, *txpool.Pool, *state.InMemoryManager) {
	t.Helper()
	sm := state.NewInMemoryManager()
	chain := blockchain.NewChain(chainID, common.Address{})
	require.NoError(t, chain.SetGenesis(blockchain.NewGenesisBlock(sm.Commit(), 1700000000, big.NewInt(0))))
	pool := txpool.New(sm)
	return NewSimpleMiner(chain, pool, sm, opts...), chain, pool, sm
}

func fundedKey(t *testing.T, sm *state.InMemoryManager) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	require.NoError(t, sm.SetBalance(addr, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))))
	return key, addr
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: to, Value: value, Gas: gas, GasPrice: big.NewInt(1e9), Data: data})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	require.NoError(t, err)
	return signed
}

func TestMiner_Mode(t *testing.T) {
	m, _, _, _ := setupMiner(t)
	assert.Equal(t, ModeAutomine, m.Mode())

	require.NoError(t, m.SetMode(ModeManual))
	assert.Equal(t, ModeManual, m.Mode())

	assert.Equal(t, ModeInterval, ParseMiningMode("interval"))
	assert.Equal(t, ModeAutomine, ParseMiningMode("bogus"))
	assert.Equal(t, "manual", ModeManual.String())
}

func TestMiner_MineEmptyBlock(t *testing.T) {
	m, chain, _, _ := setupMiner(t)

	block, rejections, err := m.MineBlock()
	require.NoError(t, err)
	assert.Empty(t, rejections)
	assert.Equal(t, uint64(1), block.NumberU64())
	assert.Equal(t, uint64(1), chain.BlockNumber())
}

func TestMiner_MineBlocks(t *testing.T) {
	m, chain, _, _ := setupMiner(t)

	blocks, err := m.MineBlocks(3)
	require.NoError(t, err)
	assert.Len(t, blocks, 3)
	assert.Equal(t, uint64(3), chain.BlockNumber())
	assert.Greater(t, blocks[2].Time(), blocks[1].Time())
}

func TestMiner_MinePooledTransaction(t *testing.T) {
	m, chain, pool, sm := setupMiner(t)
	key, from := fundedKey(t, sm)

	tx := signedTx(t, key, 0, &to, big.NewInt(1e18), 21000, nil)
	require.NoError(t, pool.Add(tx, from))

	block, rejections, err := m.MineBlock()
	require.NoError(t, err)
	assert.Empty(t, rejections)
	require.Len(t, block.Transactions(), 1)
	assert.Equal(t, 0, pool.Count())

	receipt, err := chain.GetReceipt(tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.Equal(t, block.Hash(), receipt.BlockHash)

	assert.Equal(t, big.NewInt(1e18), sm.GetBalance(to))
	assert.Equal(t, uint64(1), sm.GetNonce(from))
	assert.Equal(t, sm.Root(), block.Root())
}

func TestMiner_RejectsUnexecutable(t *testing.T) {
	m, _, _, sm := setupMiner(t)
	key, from := fundedKey(t, sm)

	tx := signedTx(t, key, 5, &to, big.NewInt(1), 21000, nil)
	block, rejections, err := m.Mine([]*txpool.Entry{{Tx: tx, From: from}})
	require.NoError(t, err)
	assert.Empty(t, block.Transactions())
	require.Len(t, rejections, 1)
	assert.ErrorIs(t, rejections[0].Err, runtime.ErrNonceTooHigh)
}

func TestMiner_DeployAndRevertReceipts(t *testing.T) {
	var observed []*runtime.Result
	m, chain, _, sm := setupMiner(t, WithObserver(func(_ *txpool.Entry, res *runtime.Result) {
		observed = append(observed, res)
	}))
	key, from := fundedKey(t, sm)

	payload, err := mafia.CreationPayload(mafia.DefaultParams())
	require.NoError(t, err)
	deploy := signedTx(t, key, 0, nil, nil, 5_000_000, payload)
	_, _, err = m.Mine([]*txpool.Entry{{Tx: deploy, From: from}})
	require.NoError(t, err)

	receipt, err := chain.GetReceipt(deploy.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, crypto.CreateAddress(from, 0), receipt.ContractAddress)
	assert.Len(t, receipt.Logs, int(mafia.DefaultReserved)+1)

	// Minting while CLOSED reverts.
	addr := receipt.ContractAddress
	data, err := mafia.ABI.Pack("mint", [][32]byte{}, big.NewInt(1))
	require.NoError(t, err)
	mint := signedTx(t, key, 1, &addr, nil, 1_000_000, data)
	_, _, err = m.Mine([]*txpool.Entry{{Tx: mint, From: from}})
	require.NoError(t, err)

	receipt, err = chain.GetReceipt(mint.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusFailed, receipt.Status)
	assert.Empty(t, receipt.Logs)

	require.Len(t, observed, 2)
	assert.Equal(t, mafia.KindState, mafia.KindOf(observed[1].Err))
}

func TestMiner_IntervalMining(t *testing.T) {
	m, chain, _, _ := setupMiner(t)
	require.NoError(t, m.SetInterval(10*time.Millisecond))

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return chain.BlockNumber() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestMiner_CallDoesNotPersist(t *testing.T) {
	m, chain, _, sm := setupMiner(t)
	_, from := fundedKey(t, sm)
	before := sm.GetBalance(from)

	res := m.Call(runtime.Message{From: from, To: &to, Value: big.NewInt(5)})
	require.False(t, res.Failed())
	assert.Equal(t, uint64(21000), res.GasUsed)
	assert.Equal(t, before, sm.GetBalance(from))
	assert.Equal(t, 0, sm.GetBalance(to).Sign())
	assert.Equal(t, uint64(0), chain.BlockNumber())
	assert.Equal(t, uint64(blockchain.DefaultGasLimit), m.GasLimit())
}
