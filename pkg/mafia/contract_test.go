package mafia

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JanDomhof/Mafia/pkg/merkle"
	"github.com/JanDomhof/Mafia/pkg/state"
)

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	owner        = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice        = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob          = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	carol        = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

func deployTest(t *testing.T, p Params) (*Contract, *state.InMemoryManager) {
	t.Helper()
	db := state.NewInMemoryManager()
	c, err := Deploy(db, contractAddr, owner, p)
	require.NoError(t, err)
	return c, db
}

func whitelistTree() *merkle.Tree {
	return merkle.NewFromAddresses([]common.Address{owner, alice, bob})
}

func proofFor(t *testing.T, tree *merkle.Tree, addr common.Address) []common.Hash {
	t.Helper()
	proof, err := tree.AddressProof(addr)
	require.NoError(t, err)
	return proof
}

func wei(n int64) *big.Int { return big.NewInt(n) }

func paidParams() Params {
	p := DefaultParams()
	p.Price = wei(100)
	p.WhitelistPrice = wei(50)
	return p
}

func TestDeploy_Defaults(t *testing.T) {
	c, db := deployTest(t, DefaultParams())

	assert.Equal(t, owner, c.Owner())
	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, DefaultReserved, c.Reserved())
	assert.Equal(t, c.Reserved(), c.CurrentTokenID())
	assert.Equal(t, DefaultReserved, c.BalanceOf(owner))
	assert.True(t, IsCode(db.GetCode(contractAddr)))

	holder, err := c.OwnerOf(DefaultReserved - 1)
	require.NoError(t, err)
	assert.Equal(t, owner, holder)
}

func TestDefaultPrices(t *testing.T) {
	assert.Equal(t, "10000000000000000", DefaultPrice.String())
	assert.Equal(t, "5000000000000000", DefaultWhitelistPrice.String())
}

func TestDeploy_ZeroReserved(t *testing.T) {
	p := DefaultParams()
	p.Reserved = 0
	c, _ := deployTest(t, p)

	assert.Equal(t, uint64(0), c.CurrentTokenID())
	assert.Equal(t, c.Reserved(), c.CurrentTokenID())
}

func TestDeploy_EmitsReservedTransfers(t *testing.T) {
	p := DefaultParams()
	p.Reserved = 3
	c, _ := deployTest(t, p)

	logs := c.TakeLogs()
	require.Len(t, logs, 4)
	for i, log := range logs[:3] {
		assert.Equal(t, ABI.Events["Transfer"].ID, log.Topics[0])
		assert.Equal(t, AddressKey(owner), log.Topics[2])
		assert.Equal(t, TokenKey(uint64(i)), log.Topics[3])
	}
	assert.Equal(t, ABI.Events["OwnershipTransferred"].ID, logs[3].Topics[0])
	assert.Empty(t, c.TakeLogs())

	ev, err := ParseTransfer(logs[2])
	require.NoError(t, err)
	assert.Equal(t, TransferEvent{From: common.Address{}, To: owner, TokenID: 2}, *ev)

	_, err = ParseTransfer(logs[3])
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDeploy_Twice(t *testing.T) {
	_, db := deployTest(t, DefaultParams())
	_, err := Deploy(db, contractAddr, owner, DefaultParams())
	assert.ErrorIs(t, err, ErrAlreadyDeployed)
}

func TestDeploy_InvalidParams(t *testing.T) {
	p := DefaultParams()
	p.MaxPaidPerTx = 0
	_, err := Deploy(state.NewInMemoryManager(), contractAddr, owner, p)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	p = DefaultParams()
	p.MaxSupply = 5
	p.Reserved = 6
	_, err = Deploy(state.NewInMemoryManager(), contractAddr, owner, p)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAt(t *testing.T) {
	_, db := deployTest(t, DefaultParams())

	c, err := At(db, contractAddr)
	require.NoError(t, err)
	assert.Equal(t, owner, c.Owner())

	_, err = At(db, alice)
	assert.ErrorIs(t, err, ErrNotDeployed)
}

func TestSetStatus_Owner(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))
	assert.Equal(t, StatusFree, c.Status())
	assert.Equal(t, uint8(2), uint8(c.Status()))
}

func TestSetStatus_NonOwner(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	err := c.SetStatus(Msg{Sender: alice}, StatusFree)
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, KindPermission, KindOf(err))
	assert.Equal(t, StatusClosed, c.Status())
}

func TestSetStatus_UnknownCode(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	err := c.SetStatus(Msg{Sender: owner}, Status(9))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, StatusClosed, c.Status())
}

func TestMint_ZeroFreeCount(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))
	before := c.CurrentTokenID()

	_, err := c.Mint(Msg{Sender: alice}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, before, c.CurrentTokenID())
}

func TestMint_ClosedPhases(t *testing.T) {
	for _, s := range []Status{StatusClosed, StatusPaid, StatusEnded} {
		t.Run(s.String(), func(t *testing.T) {
			c, _ := deployTest(t, DefaultParams())
			require.NoError(t, c.SetStatus(Msg{Sender: owner}, s))

			_, err := c.Mint(Msg{Sender: alice}, nil, 1)
			assert.ErrorIs(t, err, ErrState)
			assert.Equal(t, c.Reserved(), c.CurrentTokenID())
		})
	}
}

func TestMint_Free(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))
	c.TakeLogs()

	ids, err := c.Mint(Msg{Sender: alice}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{DefaultReserved}, ids)
	assert.Equal(t, DefaultReserved+1, c.CurrentTokenID())
	assert.Equal(t, uint64(1), c.BalanceOf(alice))
	assert.Equal(t, uint64(0), c.FreeMintAllowance(alice))
	assert.Len(t, c.TakeLogs(), 1)

	holder, err := c.OwnerOf(DefaultReserved)
	require.NoError(t, err)
	assert.Equal(t, alice, holder)
}

func TestMint_ExceedsAllowance(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))

	_, err := c.Mint(Msg{Sender: alice}, nil, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Mint(Msg{Sender: alice}, nil, 1)
	require.NoError(t, err)
	_, err = c.Mint(Msg{Sender: alice}, nil, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, uint64(1), c.BalanceOf(alice))
}

func TestMint_GrantedAllowance(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))

	err := c.GrantFreeMints(Msg{Sender: alice}, alice, 5)
	assert.ErrorIs(t, err, ErrPermission)

	require.NoError(t, c.GrantFreeMints(Msg{Sender: owner}, alice, 2))
	assert.Equal(t, uint64(3), c.FreeMintAllowance(alice))

	ids, err := c.Mint(Msg{Sender: alice}, nil, 3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, uint64(0), c.FreeMintAllowance(alice))
}

func TestGrantFreeMints_Overflow(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	err := c.GrantFreeMints(Msg{Sender: owner}, alice, math.MaxUint64)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, DefaultFreePerWallet, c.FreeMintAllowance(alice))

	require.NoError(t, c.GrantFreeMints(Msg{Sender: owner}, alice, math.MaxUint64-DefaultFreePerWallet))
	assert.Equal(t, uint64(math.MaxUint64), c.FreeMintAllowance(alice))

	err = c.GrantFreeMints(Msg{Sender: owner}, alice, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, uint64(math.MaxUint64), c.FreeMintAllowance(alice))
}

func TestMint_UnboundedSupplyOverflow(t *testing.T) {
	p := DefaultParams()
	p.MaxSupply = 0
	c, _ := deployTest(t, p)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))
	require.NoError(t, c.GrantFreeMints(Msg{Sender: owner}, alice, math.MaxUint64-DefaultFreePerWallet))

	_, err := c.Mint(Msg{Sender: alice}, nil, math.MaxUint64-1)
	assert.ErrorIs(t, err, ErrSoldOut)
	assert.Equal(t, DefaultReserved, c.CurrentTokenID())
}

var errWriteBudget = errors.New("write budget exhausted")

// limitedDB fails storage writes once its budget is spent.
type limitedDB struct {
	*state.InMemoryManager
	writes, budget int
}

func (l *limitedDB) SetStorageAt(addr common.Address, slot, value common.Hash) error {
	l.writes++
	if l.writes > l.budget {
		return errWriteBudget
	}
	return l.InMemoryManager.SetStorageAt(addr, slot, value)
}

func TestDeploy_StopsAtFailedWrite(t *testing.T) {
	db := &limitedDB{InMemoryManager: state.NewInMemoryManager(), budget: 100}
	p := DefaultParams()
	p.MaxSupply = 0
	p.Reserved = 1_000_000_000

	_, err := Deploy(db, contractAddr, owner, p)
	assert.ErrorIs(t, err, errWriteBudget)
	assert.Equal(t, db.budget+1, db.writes)
}

func TestMint_StopsAtFailedWrite(t *testing.T) {
	db := &limitedDB{InMemoryManager: state.NewInMemoryManager(), budget: math.MaxInt}
	p := DefaultParams()
	p.MaxSupply = 0
	c, err := Deploy(db, contractAddr, owner, p)
	require.NoError(t, err)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))
	require.NoError(t, c.GrantFreeMints(Msg{Sender: owner}, alice, 1_000_000_000))

	db.budget = db.writes + 50
	_, err = c.Mint(Msg{Sender: alice}, nil, 1_000_000_000)
	assert.ErrorIs(t, err, errWriteBudget)
	assert.Equal(t, db.budget+1, db.writes)
}

func TestMint_ClaimRequiresProof(t *testing.T) {
	tree := whitelistTree()
	p := DefaultParams()
	p.MerkleRoot = tree.Root()
	c, _ := deployTest(t, p)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusClaim))

	_, err := c.Mint(Msg{Sender: alice}, nil, 1)
	assert.ErrorIs(t, err, ErrProof)

	_, err = c.Mint(Msg{Sender: carol}, proofFor(t, tree, alice), 1)
	assert.ErrorIs(t, err, ErrProof)
	assert.Equal(t, c.Reserved(), c.CurrentTokenID())

	_, err = c.Mint(Msg{Sender: alice}, proofFor(t, tree, alice), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.BalanceOf(alice))
}

func TestMint_FreePhaseRejectsBadProof(t *testing.T) {
	tree := whitelistTree()
	p := DefaultParams()
	p.MerkleRoot = tree.Root()
	c, _ := deployTest(t, p)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))

	_, err := c.Mint(Msg{Sender: carol}, []common.Hash{common.HexToHash("0x01")}, 1)
	assert.ErrorIs(t, err, ErrProof)

	_, err = c.Mint(Msg{Sender: carol}, nil, 1)
	assert.NoError(t, err)
}

func TestMint_SoldOut(t *testing.T) {
	p := DefaultParams()
	p.Reserved = 1
	p.MaxSupply = 2
	c, _ := deployTest(t, p)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))

	_, err := c.Mint(Msg{Sender: alice}, nil, 1)
	require.NoError(t, err)

	_, err = c.Mint(Msg{Sender: bob}, nil, 1)
	assert.ErrorIs(t, err, ErrSoldOut)
	assert.Equal(t, uint64(2), c.CurrentTokenID())
}

func TestMintPaid_Boundaries(t *testing.T) {
	cases := []struct {
		name  string
		count uint64
		err   error
	}{
		{"zero", 0, ErrInvalidArgument},
		{"one", 1, nil},
		{"two", 2, nil},
		{"three", 3, ErrInvalidArgument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := deployTest(t, paidParams())
			require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusPaid))
			value := new(big.Int).Mul(wei(100), new(big.Int).SetUint64(tc.count))

			ids, err := c.MintPaid(Msg{Sender: alice, Value: value}, nil, tc.count)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Equal(t, c.Reserved(), c.CurrentTokenID())
				return
			}
			require.NoError(t, err)
			assert.Len(t, ids, int(tc.count))
			assert.Equal(t, tc.count, c.BalanceOf(alice))
		})
	}
}

func TestMintPaid_WithFreeAllowanceAndWhitelist(t *testing.T) {
	tree := whitelistTree()
	for _, withFree := range []bool{false, true} {
		for _, withProof := range []bool{false, true} {
			p := paidParams()
			p.MerkleRoot = tree.Root()
			if !withFree {
				p.FreePerWallet = 0
			}
			c, _ := deployTest(t, p)
			require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusFree))

			var proof []common.Hash
			unit := wei(100)
			if withProof {
				proof = proofFor(t, tree, alice)
				unit = wei(50)
			}

			for _, count := range []uint64{1, 2} {
				cost := new(big.Int).Mul(unit, new(big.Int).SetUint64(count))
				_, err := c.MintPaid(Msg{Sender: alice, Value: cost}, proof, count)
				assert.NoError(t, err, "free=%v proof=%v count=%d", withFree, withProof, count)
			}
			for _, count := range []uint64{0, 3} {
				cost := new(big.Int).Mul(unit, new(big.Int).SetUint64(count))
				_, err := c.MintPaid(Msg{Sender: alice, Value: cost}, proof, count)
				assert.ErrorIs(t, err, ErrInvalidArgument, "free=%v proof=%v count=%d", withFree, withProof, count)
			}
			assert.Equal(t, uint64(3), c.BalanceOf(alice))
		}
	}
}

func TestMintPaid_InsufficientPayment(t *testing.T) {
	c, _ := deployTest(t, paidParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusPaid))

	_, err := c.MintPaid(Msg{Sender: alice, Value: wei(199)}, nil, 2)
	assert.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, uint64(0), c.BalanceOf(alice))

	_, err = c.MintPaid(Msg{Sender: alice, Value: wei(250)}, nil, 2)
	assert.NoError(t, err)
}

func TestMintPaid_NotWhitelistedProof(t *testing.T) {
	tree := whitelistTree()
	p := paidParams()
	p.MerkleRoot = tree.Root()
	c, _ := deployTest(t, p)
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusPaid))

	_, err := c.MintPaid(Msg{Sender: carol, Value: wei(50)}, proofFor(t, tree, alice), 1)
	assert.ErrorIs(t, err, ErrProof)
}

func TestMintPaid_ClosedInClaim(t *testing.T) {
	c, _ := deployTest(t, paidParams())
	require.NoError(t, c.SetStatus(Msg{Sender: owner}, StatusClaim))

	_, err := c.MintPaid(Msg{Sender: alice, Value: wei(100)}, nil, 1)
	assert.ErrorIs(t, err, ErrState)
}

func TestTransferOwnership(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	assert.ErrorIs(t, c.TransferOwnership(Msg{Sender: alice}, alice), ErrPermission)
	assert.ErrorIs(t, c.TransferOwnership(Msg{Sender: owner}, common.Address{}), ErrInvalidArgument)

	require.NoError(t, c.TransferOwnership(Msg{Sender: owner}, alice))
	assert.Equal(t, alice, c.Owner())
	assert.ErrorIs(t, c.SetStatus(Msg{Sender: owner}, StatusFree), ErrPermission)
	assert.NoError(t, c.SetStatus(Msg{Sender: alice}, StatusFree))
}

func TestAdminSetters(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	root := whitelistTree().Root()

	assert.ErrorIs(t, c.SetPrice(Msg{Sender: bob}, wei(1)), ErrPermission)
	require.NoError(t, c.SetPrice(Msg{Sender: owner}, wei(7)))
	require.NoError(t, c.SetWhitelistPrice(Msg{Sender: owner}, wei(3)))
	require.NoError(t, c.SetMerkleRoot(Msg{Sender: owner}, root))
	require.NoError(t, c.SetMaxPaidPerTx(Msg{Sender: owner}, 5))
	assert.ErrorIs(t, c.SetMaxPaidPerTx(Msg{Sender: owner}, 0), ErrInvalidArgument)

	assert.Equal(t, wei(7), c.Price())
	assert.Equal(t, wei(3), c.WhitelistPrice())
	assert.Equal(t, root, c.MerkleRoot())
	assert.Equal(t, uint64(5), c.MaxPaidPerTx())
}

func TestWithdraw(t *testing.T) {
	c, db := deployTest(t, paidParams())
	require.NoError(t, db.SetBalance(contractAddr, wei(300)))

	_, err := c.Withdraw(Msg{Sender: alice})
	assert.ErrorIs(t, err, ErrPermission)

	amount, err := c.Withdraw(Msg{Sender: owner})
	require.NoError(t, err)
	assert.Equal(t, wei(300), amount)
	assert.Equal(t, wei(300), db.GetBalance(owner))
	assert.Equal(t, 0, db.GetBalance(contractAddr).Sign())
}

func TestOwnerOf_NotFound(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())

	_, err := c.OwnerOf(DefaultReserved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsWhitelisted_ZeroRoot(t *testing.T) {
	c, _ := deployTest(t, DefaultParams())
	assert.False(t, c.IsWhitelisted(alice, nil))
}
