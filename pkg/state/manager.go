// Package state provides account and contract storage state for the node.
package state

import (
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Common errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeAmount      = errors.New("negative amount")
)

// Reader provides read-only state access.
type Reader interface {
	GetBalance(addr common.Address) *big.Int
	GetNonce(addr common.Address) uint64
	GetCode(addr common.Address) []byte
	GetStorageAt(addr common.Address, slot common.Hash) common.Hash
	Exist(addr common.Address) bool
}

// Writer provides state modification.
type Writer interface {
	SetBalance(addr common.Address, balance *big.Int) error
	SetNonce(addr common.Address, nonce uint64) error
	SetCode(addr common.Address, code []byte) error
	SetStorageAt(addr common.Address, slot, value common.Hash) error
	Transfer(from, to common.Address, amount *big.Int) error
}

// Manager combines read and write access with journaling.
type Manager interface {
	Reader
	Writer
	Commit() common.Hash
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

type account struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

func newAccount() *account {
	return &account{
		Balance: big.NewInt(0),
		Storage: make(map[common.Hash]common.Hash),
	}
}

func (a *account) clone() *account {
	c := &account{
		Balance: new(big.Int).Set(a.Balance),
		Nonce:   a.Nonce,
		Storage: make(map[common.Hash]common.Hash, len(a.Storage)),
	}
	if a.Code != nil {
		c.Code = common.CopyBytes(a.Code)
	}
	for k, v := range a.Storage {
		c.Storage[k] = v
	}
	return c
}

type journalEntry struct {
	id       int
	accounts map[common.Address]*account
}

// InMemoryManager implements Manager on maps. Snapshots are full copies,
// which is fine at development-node scale.
type InMemoryManager struct {
	accounts  map[common.Address]*account
	journal   []journalEntry
	nextSnap  int
	stateRoot common.Hash
	mu        sync.RWMutex
}

// NewInMemoryManager creates an empty state.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		accounts: make(map[common.Address]*account),
	}
}

// mutable returns the account for addr, creating it if needed.
// Caller must hold the write lock.
func (m *InMemoryManager) mutable(addr common.Address) *account {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = newAccount()
		m.accounts[addr] = acc
	}
	return acc
}

// GetBalance returns the balance of an account.
func (m *InMemoryManager) GetBalance(addr common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

// GetNonce returns the nonce of an account.
func (m *InMemoryManager) GetNonce(addr common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[addr]; ok {
		return acc.Nonce
	}
	return 0
}

// GetCode returns the code stored at an address.
func (m *InMemoryManager) GetCode(addr common.Address) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[addr]; ok {
		return common.CopyBytes(acc.Code)
	}
	return nil
}

// GetStorageAt returns the value in a storage slot.
func (m *InMemoryManager) GetStorageAt(addr common.Address, slot common.Hash) common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[addr]; ok {
		return acc.Storage[slot]
	}
	return common.Hash{}
}

// Exist reports whether the account has been touched.
func (m *InMemoryManager) Exist(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.accounts[addr]
	return ok
}

// SetBalance sets the balance of an account.
func (m *InMemoryManager) SetBalance(addr common.Address, balance *big.Int) error {
	if balance.Sign() < 0 {
		return ErrNegativeAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mutable(addr).Balance = new(big.Int).Set(balance)
	return nil
}

// SetNonce sets the nonce of an account.
func (m *InMemoryManager) SetNonce(addr common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mutable(addr).Nonce = nonce
	return nil
}

// SetCode sets the code of an account.
func (m *InMemoryManager) SetCode(addr common.Address, code []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mutable(addr).Code = common.CopyBytes(code)
	return nil
}

// SetStorageAt writes a storage slot. Writing the zero hash clears it.
func (m *InMemoryManager) SetStorageAt(addr common.Address, slot, value common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.mutable(addr)
	if value == (common.Hash{}) {
		delete(acc.Storage, slot)
		return nil
	}
	acc.Storage[slot] = value
	return nil
}

// Transfer moves amount wei from one account to another.
func (m *InMemoryManager) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sender := m.mutable(from)
	if sender.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	sender.Balance = new(big.Int).Sub(sender.Balance, amount)

	recipient := m.mutable(to)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	return nil
}

// Root returns the root computed by the last Commit.
func (m *InMemoryManager) Root() common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.stateRoot
}

// Commit computes and records a state root. The root is a keccak digest
// over accounts in address order, not a Merkle Patricia root.
func (m *InMemoryManager) Commit() common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateRoot = m.digest()
	return m.stateRoot
}

func (m *InMemoryManager) digest() common.Hash {
	if len(m.accounts) == 0 {
		return common.Hash{}
	}

	addrs := make([]common.Address, 0, len(m.accounts))
	for addr := range m.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	var data []byte
	for _, addr := range addrs {
		acc := m.accounts[addr]
		data = append(data, addr.Bytes()...)
		data = append(data, common.BigToHash(acc.Balance).Bytes()...)
		data = append(data, common.BigToHash(new(big.Int).SetUint64(acc.Nonce)).Bytes()...)
		data = append(data, crypto.Keccak256(acc.Code)...)

		slots := make([]common.Hash, 0, len(acc.Storage))
		for slot := range acc.Storage {
			slots = append(slots, slot)
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i].Cmp(slots[j]) < 0 })
		for _, slot := range slots {
			value := acc.Storage[slot]
			data = append(data, slot.Bytes()...)
			data = append(data, value.Bytes()...)
		}
	}
	return crypto.Keccak256Hash(data)
}

// Copy returns an independent copy of the state without its journal.
func (m *InMemoryManager) Copy() *InMemoryManager {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := NewInMemoryManager()
	c.stateRoot = m.stateRoot
	for addr, acc := range m.accounts {
		c.accounts[addr] = acc.clone()
	}
	return c
}

// Snapshot records the current state and returns its id.
func (m *InMemoryManager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make(map[common.Address]*account, len(m.accounts))
	for addr, acc := range m.accounts {
		accounts[addr] = acc.clone()
	}

	id := m.nextSnap
	m.nextSnap++
	m.journal = append(m.journal, journalEntry{id: id, accounts: accounts})
	return id
}

// RevertToSnapshot restores the state recorded by id and drops that
// snapshot together with every later one. Unknown ids are ignored.
func (m *InMemoryManager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.journalIndex(id)
	if idx < 0 {
		return
	}

	m.accounts = make(map[common.Address]*account, len(m.journal[idx].accounts))
	for addr, acc := range m.journal[idx].accounts {
		m.accounts[addr] = acc.clone()
	}
	m.journal = m.journal[:idx]
}

// DiscardSnapshot drops snapshot id and every later one, keeping the
// current state.
func (m *InMemoryManager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx := m.journalIndex(id); idx >= 0 {
		m.journal = m.journal[:idx]
	}
}

func (m *InMemoryManager) journalIndex(id int) int {
	for i, entry := range m.journal {
		if entry.id == id {
			return i
		}
	}
	return -1
}

// SnapshotCount returns the number of live snapshots.
func (m *InMemoryManager) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.journal)
}

// AccountDump is the serialised form of one account.
type AccountDump struct {
	Balance string            `json:"balance"`
	Nonce   uint64            `json:"nonce"`
	Code    string            `json:"code,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}

// Dump is the serialised form of the whole state.
type Dump struct {
	Accounts map[string]AccountDump `json:"accounts"`
}

// Dump exports the current state.
func (m *InMemoryManager) Dump() *Dump {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dump := &Dump{Accounts: make(map[string]AccountDump, len(m.accounts))}
	for addr, acc := range m.accounts {
		entry := AccountDump{
			Balance: hexutil.EncodeBig(acc.Balance),
			Nonce:   acc.Nonce,
		}
		if len(acc.Code) > 0 {
			entry.Code = hexutil.Encode(acc.Code)
		}
		if len(acc.Storage) > 0 {
			entry.Storage = make(map[string]string, len(acc.Storage))
			for slot, value := range acc.Storage {
				entry.Storage[slot.Hex()] = value.Hex()
			}
		}
		dump.Accounts[addr.Hex()] = entry
	}
	return dump
}

// DumpJSON exports the current state as JSON.
func (m *InMemoryManager) DumpJSON() ([]byte, error) {
	return json.Marshal(m.Dump())
}

// Load replaces accounts present in dump.
func (m *InMemoryManager) Load(dump *Dump) error {
	if dump == nil {
		return nil
	}

	loaded := make(map[common.Address]*account, len(dump.Accounts))
	for addrHex, entry := range dump.Accounts {
		acc := newAccount()
		acc.Nonce = entry.Nonce

		if entry.Balance != "" {
			balance, err := hexutil.DecodeBig(entry.Balance)
			if err != nil {
				return err
			}
			acc.Balance = balance
		}
		if entry.Code != "" {
			code, err := hexutil.Decode(entry.Code)
			if err != nil {
				return err
			}
			acc.Code = code
		}
		for slotHex, valueHex := range entry.Storage {
			acc.Storage[common.HexToHash(slotHex)] = common.HexToHash(valueHex)
		}
		loaded[common.HexToAddress(addrHex)] = acc
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, acc := range loaded {
		m.accounts[addr] = acc
	}
	return nil
}

// LoadJSON imports state from JSON.
func (m *InMemoryManager) LoadJSON(data []byte) error {
	var dump Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return err
	}
	return m.Load(&dump)
}

// AccountCount returns the number of accounts in the state.
func (m *InMemoryManager) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.accounts)
}
