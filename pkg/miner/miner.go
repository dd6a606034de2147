// Package miner provides block production for the node.
package miner

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/JanDomhof/Mafia/pkg/runtime"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

// MiningMode defines how blocks are mined.
type MiningMode int

const (
	// ModeAutomine mines a block immediately when a transaction is received.
	ModeAutomine MiningMode = iota

	// ModeInterval mines a block at regular intervals.
	ModeInterval

	// ModeManual only mines when explicitly requested.
	ModeManual
)

// String returns the string representation of the mining mode.
func (m MiningMode) String() string {
	switch m {
	case ModeAutomine:
		return "auto"
	case ModeInterval:
		return "interval"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseMiningMode parses a string into a MiningMode.
func ParseMiningMode(s string) MiningMode {
	switch s {
	case "interval":
		return ModeInterval
	case "manual":
		return ModeManual
	default:
		return ModeAutomine
	}
}

// Rejection is a transaction left out of a block because it could not be
// executed at all (bad nonce, too little gas, unaffordable).
type Rejection struct {
	Entry *txpool.Entry
	Err   error
}

// Observer is told about every transaction included in a block.
type Observer func(entry *txpool.Entry, res *runtime.Result)

// Miner handles block production.
type Miner interface {
	// MineBlock mines a block with every pooled transaction.
	MineBlock() (*types.Block, []Rejection, error)

	// MineBlocks mines count empty blocks.
	MineBlocks(count uint64) ([]*types.Block, error)

	// Mine mines a block with the given transactions.
	Mine(entries []*txpool.Entry) (*types.Block, []Rejection, error)

	Mode() MiningMode
	SetMode(mode MiningMode) error
	SetInterval(d time.Duration) error

	// Start starts interval mining.
	Start() error

	// Stop stops interval mining.
	Stop() error
}
