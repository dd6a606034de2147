package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func TestNewInMemoryManager(t *testing.T) {
	sm := NewInMemoryManager()
	require.NotNil(t, sm)
	assert.Equal(t, 0, sm.AccountCount())
}

func TestStateBalance(t *testing.T) {
	sm := NewInMemoryManager()

	// Untouched accounts read as zero
	assert.Equal(t, big.NewInt(0), sm.GetBalance(alice))
	assert.False(t, sm.Exist(alice))

	require.NoError(t, sm.SetBalance(alice, big.NewInt(1000)))
	assert.Equal(t, big.NewInt(1000), sm.GetBalance(alice))
	assert.True(t, sm.Exist(alice))
}

func TestStateBalance_Negative(t *testing.T) {
	sm := NewInMemoryManager()
	err := sm.SetBalance(alice, big.NewInt(-1))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestStateBalance_ReturnsCopy(t *testing.T) {
	sm := NewInMemoryManager()
	require.NoError(t, sm.SetBalance(alice, big.NewInt(10)))

	balance := sm.GetBalance(alice)
	balance.SetInt64(99)
	assert.Equal(t, big.NewInt(10), sm.GetBalance(alice))
}

func TestStateNonce(t *testing.T) {
	sm := NewInMemoryManager()
	assert.Equal(t, uint64(0), sm.GetNonce(alice))

	require.NoError(t, sm.SetNonce(alice, 5))
	assert.Equal(t, uint64(5), sm.GetNonce(alice))
}

func TestStateCode(t *testing.T) {
	sm := NewInMemoryManager()
	assert.Nil(t, sm.GetCode(contract))

	code := []byte{0xfe, 0x01, 0x02}
	require.NoError(t, sm.SetCode(contract, code))
	assert.Equal(t, code, sm.GetCode(contract))
}

func TestStateStorage(t *testing.T) {
	sm := NewInMemoryManager()
	slot := common.BigToHash(big.NewInt(1))
	value := common.BigToHash(big.NewInt(42))

	assert.Equal(t, common.Hash{}, sm.GetStorageAt(contract, slot))

	require.NoError(t, sm.SetStorageAt(contract, slot, value))
	assert.Equal(t, value, sm.GetStorageAt(contract, slot))

	// Zero clears the slot
	require.NoError(t, sm.SetStorageAt(contract, slot, common.Hash{}))
	assert.Equal(t, common.Hash{}, sm.GetStorageAt(contract, slot))
	assert.Empty(t, sm.Dump().Accounts[contract.Hex()].Storage)
}

func TestTransfer(t *testing.T) {
	sm := NewInMemoryManager()
	require.NoError(t, sm.SetBalance(alice, big.NewInt(100)))

	require.NoError(t, sm.Transfer(alice, bob, big.NewInt(30)))
	assert.Equal(t, big.NewInt(70), sm.GetBalance(alice))
	assert.Equal(t, big.NewInt(30), sm.GetBalance(bob))
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	sm := NewInMemoryManager()
	require.NoError(t, sm.SetBalance(alice, big.NewInt(10)))

	err := sm.Transfer(alice, bob, big.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(10), sm.GetBalance(alice))
	assert.Equal(t, big.NewInt(0), sm.GetBalance(bob))
}

func TestTransfer_Negative(t *testing.T) {
	sm := NewInMemoryManager()
	err := sm.Transfer(alice, bob, big.NewInt(-5))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestCopy_IsIndependent(t *testing.T) {
	sm := NewInMemoryManager()
	slot := common.BigToHash(big.NewInt(2))
	require.NoError(t, sm.SetBalance(alice, big.NewInt(1)))
	require.NoError(t, sm.SetStorageAt(contract, slot, common.BigToHash(big.NewInt(7))))

	copied := sm.Copy()
	require.NoError(t, copied.SetBalance(alice, big.NewInt(500)))
	require.NoError(t, copied.SetStorageAt(contract, slot, common.BigToHash(big.NewInt(8))))

	assert.Equal(t, big.NewInt(1), sm.GetBalance(alice))
	assert.Equal(t, common.BigToHash(big.NewInt(7)), sm.GetStorageAt(contract, slot))
}

func TestSnapshot_Revert(t *testing.T) {
	sm := NewInMemoryManager()
	slot := common.BigToHash(big.NewInt(3))
	require.NoError(t, sm.SetBalance(alice, big.NewInt(100)))

	id := sm.Snapshot()
	require.NoError(t, sm.SetBalance(alice, big.NewInt(1)))
	require.NoError(t, sm.SetStorageAt(contract, slot, common.BigToHash(big.NewInt(9))))

	sm.RevertToSnapshot(id)
	assert.Equal(t, big.NewInt(100), sm.GetBalance(alice))
	assert.Equal(t, common.Hash{}, sm.GetStorageAt(contract, slot))
	assert.False(t, sm.Exist(contract))
	assert.Equal(t, 0, sm.SnapshotCount())
}

func TestSnapshot_RevertDropsLaterSnapshots(t *testing.T) {
	sm := NewInMemoryManager()
	require.NoError(t, sm.SetNonce(alice, 1))
	first := sm.Snapshot()

	require.NoError(t, sm.SetNonce(alice, 2))
	second := sm.Snapshot()
	require.NoError(t, sm.SetNonce(alice, 3))
	assert.Equal(t, 2, sm.SnapshotCount())

	sm.RevertToSnapshot(first)
	assert.Equal(t, uint64(1), sm.GetNonce(alice))

	// The later snapshot is gone, reverting to it is a no-op
	require.NoError(t, sm.SetNonce(alice, 4))
	sm.RevertToSnapshot(second)
	assert.Equal(t, uint64(4), sm.GetNonce(alice))
}

func TestSnapshot_Discard(t *testing.T) {
	sm := NewInMemoryManager()
	id := sm.Snapshot()
	require.NoError(t, sm.SetBalance(alice, big.NewInt(5)))

	sm.DiscardSnapshot(id)
	assert.Equal(t, 0, sm.SnapshotCount())
	assert.Equal(t, big.NewInt(5), sm.GetBalance(alice))

	sm.RevertToSnapshot(id)
	assert.Equal(t, big.NewInt(5), sm.GetBalance(alice))
}

func TestCommit_Deterministic(t *testing.T) {
	a := NewInMemoryManager()
	b := NewInMemoryManager()
	assert.Equal(t, common.Hash{}, a.Commit())

	require.NoError(t, a.SetBalance(alice, big.NewInt(1)))
	require.NoError(t, a.SetBalance(bob, big.NewInt(2)))
	require.NoError(t, b.SetBalance(bob, big.NewInt(2)))
	require.NoError(t, b.SetBalance(alice, big.NewInt(1)))

	rootA := a.Commit()
	assert.NotEqual(t, common.Hash{}, rootA)
	assert.Equal(t, rootA, b.Commit())
	assert.Equal(t, rootA, a.Root())

	require.NoError(t, b.SetStorageAt(contract, common.Hash{}, common.BigToHash(big.NewInt(1))))
	assert.NotEqual(t, rootA, b.Commit())
}

func TestDumpAndLoad_RoundTrip(t *testing.T) {
	sm := NewInMemoryManager()
	slot := common.BigToHash(big.NewInt(1))
	require.NoError(t, sm.SetBalance(alice, big.NewInt(1e18)))
	require.NoError(t, sm.SetNonce(alice, 3))
	require.NoError(t, sm.SetCode(contract, []byte{0xfe, 0xaa}))
	require.NoError(t, sm.SetStorageAt(contract, slot, common.BigToHash(big.NewInt(10))))

	data, err := sm.DumpJSON()
	require.NoError(t, err)

	loaded := NewInMemoryManager()
	require.NoError(t, loaded.LoadJSON(data))

	assert.Equal(t, big.NewInt(1e18), loaded.GetBalance(alice))
	assert.Equal(t, uint64(3), loaded.GetNonce(alice))
	assert.Equal(t, []byte{0xfe, 0xaa}, loaded.GetCode(contract))
	assert.Equal(t, common.BigToHash(big.NewInt(10)), loaded.GetStorageAt(contract, slot))
	assert.Equal(t, sm.Commit(), loaded.Commit())
}

func TestLoad_NilDump(t *testing.T) {
	sm := NewInMemoryManager()
	require.NoError(t, sm.Load(nil))
	assert.Equal(t, 0, sm.AccountCount())
}

func TestLoad_InvalidBalance(t *testing.T) {
	sm := NewInMemoryManager()
	err := sm.Load(&Dump{Accounts: map[string]AccountDump{
		alice.Hex(): {Balance: "not-hex"},
	}})
	require.Error(t, err)
	assert.Equal(t, 0, sm.AccountCount())
}

func TestLoadJSON_InvalidJSON(t *testing.T) {
	sm := NewInMemoryManager()
	require.Error(t, sm.LoadJSON([]byte("{")))
}
