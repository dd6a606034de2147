package mafia

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func (c *Contract) emit(name string, topics []common.Hash, data ...interface{}) {
	event := ABI.Events[name]
	payload, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		// Argument types are fixed by the callers below.
		panic("mafia: pack " + name + ": " + err.Error())
	}
	c.logs = append(c.logs, &types.Log{
		Address: c.addr,
		Topics:  append([]common.Hash{event.ID}, topics...),
		Data:    payload,
	})
}

func (c *Contract) emitTransfer(from, to common.Address, id uint64) {
	c.emit("Transfer", []common.Hash{AddressKey(from), AddressKey(to), TokenKey(id)})
}

func (c *Contract) emitStatusChanged(previous, next Status) {
	c.emit("StatusChanged", nil, uint8(previous), uint8(next))
}

func (c *Contract) emitOwnershipTransferred(previous, next common.Address) {
	c.emit("OwnershipTransferred", []common.Hash{AddressKey(previous), AddressKey(next)})
}

func (c *Contract) emitFreeMintsGranted(account common.Address, amount uint64) {
	c.emit("FreeMintsGranted", []common.Hash{AddressKey(account)}, new(big.Int).SetUint64(amount))
}

func (c *Contract) emitWithdrawn(to common.Address, amount *big.Int) {
	c.emit("Withdrawn", []common.Hash{AddressKey(to)}, amount)
}

// ErrUnknownEvent is returned for logs that are not the requested event.
var ErrUnknownEvent = errors.New("mafia: unknown event")

// TransferEvent is a decoded Transfer log. Mints have a zero From.
type TransferEvent struct {
	From    common.Address
	To      common.Address
	TokenID uint64
}

// ParseTransfer decodes a Transfer log.
func ParseTransfer(l *types.Log) (*TransferEvent, error) {
	if len(l.Topics) != 4 || l.Topics[0] != ABI.Events["Transfer"].ID {
		return nil, ErrUnknownEvent
	}
	id := new(big.Int).SetBytes(l.Topics[3].Bytes())
	if !id.IsUint64() {
		return nil, newError(KindInvalidArgument, "token id out of range")
	}
	return &TransferEvent{
		From:    common.BytesToAddress(l.Topics[1].Bytes()),
		To:      common.BytesToAddress(l.Topics[2].Bytes()),
		TokenID: id.Uint64(),
	}, nil
}
