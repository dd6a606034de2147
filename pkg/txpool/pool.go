// Package txpool holds transactions waiting for the next mined block.
package txpool

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/JanDomhof/Mafia/pkg/state"
)

// Common errors.
var (
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrTxAlreadyKnown    = errors.New("transaction already known")
	ErrTxNotFound        = errors.New("transaction not found")
)

// Entry is a pooled transaction with its sender. The sender is recorded
// explicitly so impersonated, unsigned transactions can be pooled.
type Entry struct {
	Tx   *types.Transaction
	From common.Address
}

// Pool holds pending transactions.
type Pool struct {
	state     state.Reader
	pending   map[common.Hash]*Entry
	byAddress map[common.Address][]*Entry
	mu        sync.RWMutex
}

// New creates an empty pool validating against st.
func New(st state.Reader) *Pool {
	return &Pool{
		state:     st,
		pending:   make(map[common.Hash]*Entry),
		byAddress: make(map[common.Address][]*Entry),
	}
}

// Add validates and pools a transaction sent by from.
func (p *Pool) Add(tx *types.Transaction, from common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[tx.Hash()]; exists {
		return ErrTxAlreadyKnown
	}
	if err := p.validateLocked(tx, from); err != nil {
		return err
	}

	entry := &Entry{Tx: tx, From: from}
	p.pending[tx.Hash()] = entry
	p.byAddress[from] = append(p.byAddress[from], entry)
	return nil
}

func (p *Pool) validateLocked(tx *types.Transaction, from common.Address) error {
	stateNonce := p.state.GetNonce(from)
	if tx.Nonce() < stateNonce {
		return ErrNonceTooLow
	}
	if tx.Nonce() > p.pendingNonceLocked(from) {
		return ErrNonceTooHigh
	}
	if p.state.GetBalance(from).Cmp(tx.Cost()) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Remove drops a transaction from the pool.
func (p *Pool) Remove(hash common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.pending[hash]
	if !exists {
		return ErrTxNotFound
	}
	delete(p.pending, hash)

	entries := p.byAddress[entry.From]
	for i, e := range entries {
		if e.Tx.Hash() == hash {
			p.byAddress[entry.From] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(p.byAddress[entry.From]) == 0 {
		delete(p.byAddress, entry.From)
	}
	return nil
}

// Get retrieves a pooled transaction by hash.
func (p *Pool) Get(hash common.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, exists := p.pending[hash]
	return entry, exists
}

// Pending returns all pooled transactions ordered by sender, then nonce.
func (p *Pool) Pending() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*Entry, 0, len(p.pending))
	for _, entry := range p.pending {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].From == entries[j].From {
			return entries[i].Tx.Nonce() < entries[j].Tx.Nonce()
		}
		return bytes.Compare(entries[i].From.Bytes(), entries[j].From.Bytes()) < 0
	})
	return entries
}

// PendingNonce returns the next nonce for addr, counting pooled transactions.
func (p *Pool) PendingNonce(addr common.Address) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.pendingNonceLocked(addr)
}

func (p *Pool) pendingNonceLocked(addr common.Address) uint64 {
	nonce := p.state.GetNonce(addr)
	for _, entry := range p.byAddress[addr] {
		if next := entry.Tx.Nonce() + 1; next > nonce {
			nonce = next
		}
	}
	return nonce
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.pending)
}

// Clear empties the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = make(map[common.Hash]*Entry)
	p.byAddress = make(map[common.Address][]*Entry)
}
