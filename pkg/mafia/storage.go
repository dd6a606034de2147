package mafia

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/JanDomhof/Mafia/pkg/state"
)

// StateDB is the state a contract reads and writes.
type StateDB interface {
	state.Reader
	state.Writer
}

// Storage slots. Scalars sit in fixed slots; mappings follow the Solidity
// layout keccak256(pad32(key) ++ pad32(slot)), so eth_getStorageAt reads
// the same values a compiled contract would expose.
var (
	SlotOwner          = slot(0x0)
	SlotStatus         = slot(0x1)
	SlotCurrentTokenID = slot(0x2)
	SlotReserved       = slot(0x3)
	SlotPrice          = slot(0x4)
	SlotWhitelistPrice = slot(0x5)
	SlotMaxPaidPerTx   = slot(0x6)
	SlotFreePerWallet  = slot(0x7)
	SlotMerkleRoot     = slot(0x8)
	SlotMaxSupply      = slot(0x9)
	SlotFreeClaimed    = slot(0xa)
	SlotFreeGranted    = slot(0xb)
	SlotOwnerOf        = slot(0xc)
	SlotBalanceOf      = slot(0xd)
)

func slot(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

// MappingSlot returns the storage slot of mapping[key] for a mapping at base.
func MappingSlot(key, base common.Hash) common.Hash {
	return crypto.Keccak256Hash(key.Bytes(), base.Bytes())
}

// AddressKey pads an address to a mapping key.
func AddressKey(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// TokenKey pads a token id to a mapping key.
func TokenKey(id uint64) common.Hash {
	return slot(id)
}

// store wraps slot access for one contract address. The first failed
// write is kept in err and later writes are dropped.
type store struct {
	db   StateDB
	addr common.Address
	err  error
}

func (s *store) hash(key common.Hash) common.Hash {
	return s.db.GetStorageAt(s.addr, key)
}

func (s *store) big(key common.Hash) *big.Int {
	return s.hash(key).Big()
}

func (s *store) uint(key common.Hash) uint64 {
	return s.big(key).Uint64()
}

func (s *store) address(key common.Hash) common.Address {
	return common.BytesToAddress(s.hash(key).Bytes())
}

func (s *store) setHash(key, value common.Hash) {
	if s.err != nil {
		return
	}
	s.err = s.db.SetStorageAt(s.addr, key, value)
}

func (s *store) setBig(key common.Hash, v *big.Int) {
	s.setHash(key, common.BigToHash(v))
}

func (s *store) setUint(key common.Hash, v uint64) {
	s.setHash(key, slot(v))
}

func (s *store) setAddress(key common.Hash, addr common.Address) {
	s.setHash(key, AddressKey(addr))
}
