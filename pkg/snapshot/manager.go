// Package snapshot implements evm_snapshot and evm_revert.
package snapshot

import (
	"errors"
	"sync"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

// ErrUnknownSnapshot is returned for ids that were never taken or are gone.
var ErrUnknownSnapshot = errors.New("unknown snapshot")

// Snapshot holds a point-in-time capture of state and chain head.
type Snapshot struct {
	ID          uint64
	StateSnapID int
	BlockNumber uint64
}

// Manager manages node snapshots. Ids start at 1 and are never reused.
type Manager struct {
	stateManager *state.InMemoryManager
	chain        *blockchain.Chain
	pool         *txpool.Pool

	snapshots map[uint64]*Snapshot
	nextID    uint64

	mu sync.RWMutex
}

// NewManager creates a new snapshot manager.
func NewManager(sm *state.InMemoryManager, chain *blockchain.Chain, pool *txpool.Pool) *Manager {
	return &Manager{
		stateManager: sm,
		chain:        chain,
		pool:         pool,
		snapshots:    make(map[uint64]*Snapshot),
		nextID:       1,
	}
}

// Snapshot captures the current state and head and returns the id.
func (m *Manager) Snapshot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		ID:          m.nextID,
		StateSnapID: m.stateManager.Snapshot(),
		BlockNumber: m.chain.BlockNumber(),
	}
	m.snapshots[snap.ID] = snap
	m.nextID++

	return snap.ID
}

// Revert restores the snapshot id: state, chain head and an empty pool.
// The snapshot and every later one are consumed.
func (m *Manager) Revert(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, exists := m.snapshots[id]
	if !exists {
		return ErrUnknownSnapshot
	}

	if err := m.chain.Rewind(snap.BlockNumber); err != nil {
		return err
	}
	m.stateManager.RevertToSnapshot(snap.StateSnapID)
	m.pool.Clear()

	for snapID := range m.snapshots {
		if snapID >= id {
			delete(m.snapshots, snapID)
		}
	}
	return nil
}

// Count returns the number of live snapshots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.snapshots)
}

// Get retrieves a snapshot by ID.
func (m *Manager) Get(id uint64) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, exists := m.snapshots[id]
	return snap, exists
}
