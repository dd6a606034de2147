// Package cheats provides the node's development-only controls: direct
// state edits, sender impersonation, automine and block time.
package cheats

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/state"
)

// ErrTimestampInPast is returned when a requested block time is not after the head.
var ErrTimestampInPast = errors.New("timestamp must be after the latest block")

// Manager implements cheat code functionality.
type Manager struct {
	stateManager *state.InMemoryManager
	chain        *blockchain.Chain

	impersonated    map[common.Address]bool
	autoImpersonate bool

	automine   bool
	timeOffset uint64

	now func() time.Time

	mu sync.RWMutex
}

// NewManager creates a cheat manager with automine on.
func NewManager(sm *state.InMemoryManager, chain *blockchain.Chain) *Manager {
	return &Manager{
		stateManager: sm,
		chain:        chain,
		impersonated: make(map[common.Address]bool),
		automine:     true,
		now:          time.Now,
	}
}

// SetBalance sets the balance of an account.
func (m *Manager) SetBalance(addr common.Address, balance *big.Int) error {
	return m.stateManager.SetBalance(addr, balance)
}

// SetNonce sets the nonce of an account.
func (m *Manager) SetNonce(addr common.Address, nonce uint64) error {
	return m.stateManager.SetNonce(addr, nonce)
}

// SetCode sets the code of an account.
func (m *Manager) SetCode(addr common.Address, code []byte) error {
	return m.stateManager.SetCode(addr, code)
}

// SetStorageAt sets one storage slot.
func (m *Manager) SetStorageAt(addr common.Address, slot, value common.Hash) error {
	return m.stateManager.SetStorageAt(addr, slot, value)
}

// ImpersonateAccount lets unsigned transactions be sent from addr.
func (m *Manager) ImpersonateAccount(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.impersonated[addr] = true
}

// StopImpersonatingAccount undoes ImpersonateAccount.
func (m *Manager) StopImpersonatingAccount(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.impersonated, addr)
}

// IsImpersonating reports whether addr may send unsigned transactions.
func (m *Manager) IsImpersonating(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.autoImpersonate || m.impersonated[addr]
}

// SetAutoImpersonate treats every address as impersonated.
func (m *Manager) SetAutoImpersonate(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoImpersonate = enabled
}

// IsAutoImpersonate returns true if auto-impersonation is enabled.
func (m *Manager) IsAutoImpersonate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.autoImpersonate
}

// ImpersonatedAccounts returns the explicitly impersonated addresses in
// byte order.
func (m *Manager) ImpersonatedAccounts() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]common.Address, 0, len(m.impersonated))
	for addr := range m.impersonated {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
	return accounts
}

// SetAutomine toggles mining a block per submitted transaction.
func (m *Manager) SetAutomine(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.automine = enabled
}

// IsAutomine returns true if auto-mining is enabled.
func (m *Manager) IsAutomine() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.automine
}

// IncreaseTime moves the next block's timestamp forward by seconds and
// returns the accumulated offset.
func (m *Manager) IncreaseTime(seconds uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timeOffset += seconds
	m.chain.SetNextBlockTimestamp(m.baseTimestamp() + seconds)
	return m.timeOffset
}

// SetNextBlockTimestamp fixes the timestamp of the next mined block.
func (m *Manager) SetNextBlockTimestamp(timestamp uint64) error {
	if timestamp <= m.chain.CurrentBlock().Time() {
		return ErrTimestampInPast
	}
	m.chain.SetNextBlockTimestamp(timestamp)
	return nil
}

// baseTimestamp is the time the next block would get without overrides.
func (m *Manager) baseTimestamp() uint64 {
	if ts := m.chain.NextBlockTimestamp(); ts != 0 {
		return ts
	}
	ts := uint64(m.now().Unix())
	if head := m.chain.CurrentBlock().Time(); ts <= head {
		ts = head + 1
	}
	return ts
}
