// Package runtime executes messages against node state.
//
// There is no EVM. Accounts either hold no code or hold the Mafia marker,
// and calls to a Mafia address are dispatched to the native contract.
// Execution runs inside a state snapshot so a failed call leaves only the
// nonce bump and the gas charge behind.
package runtime

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/JanDomhof/Mafia/pkg/mafia"
	"github.com/JanDomhof/Mafia/pkg/state"
)

// Pre-execution errors. A message failing these checks is rejected and
// never produces a receipt.
var (
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrIntrinsicGas      = errors.New("intrinsic gas too low")
)

// Execution failures. These produce a receipt with status 0.
var (
	ErrOutOfGas            = errors.New("out of gas")
	ErrUnsupportedCreation = errors.New("unsupported contract creation code")
)

// Gas schedule.
const (
	gasCreate       = params.TxGasContractCreation - params.TxGas
	gasSstoreSet    = params.SstoreSetGasEIP2200
	gasSstoreReset  = params.SstoreResetGasEIP2200
	gasSload        = params.ColdSloadCostEIP2929
	gasCallOverhead = uint64(2600)
)

// CallGasCap bounds a call made without a gas limit.
const CallGasCap = uint64(50_000_000)

// Message is a transaction or call to execute.
type Message struct {
	From     common.Address
	To       *common.Address
	Nonce    uint64
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     []byte

	// SkipNonceCheck accepts any nonce. Calls and impersonated sends set it.
	SkipNonceCheck bool
}

// Result describes an executed message.
type Result struct {
	ReturnData      []byte
	Logs            []*types.Log
	GasUsed         uint64
	ContractAddress common.Address

	// Err is the execution failure, nil on success. Contract failures are
	// *mafia.Error values.
	Err error
}

// Failed reports whether execution failed.
func (r *Result) Failed() bool { return r.Err != nil }

// Revert returns the Error(string) revert data of a contract failure.
func (r *Result) Revert() []byte {
	var cerr *mafia.Error
	if errors.As(r.Err, &cerr) {
		return mafia.EncodeRevert(cerr.Error())
	}
	return nil
}

// Executor applies messages to a state manager.
type Executor struct {
	db state.Manager
}

// NewExecutor creates an executor over db.
func NewExecutor(db state.Manager) *Executor {
	return &Executor{db: db}
}

// IntrinsicGas returns the gas charged before execution.
func IntrinsicGas(data []byte, creation bool) uint64 {
	gas := params.TxGas
	if creation {
		gas = params.TxGasContractCreation
	}
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// Apply executes msg as a transaction: the nonce is checked and bumped,
// gas is bought upfront and unused gas is refunded. The returned error is
// non-nil only for messages that cannot be included at all.
func (e *Executor) Apply(msg Message) (*Result, error) {
	nonce := e.db.GetNonce(msg.From)
	if !msg.SkipNonceCheck {
		if msg.Nonce < nonce {
			return nil, fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooLow, msg.From.Hex(), msg.Nonce, nonce)
		}
		if msg.Nonce > nonce {
			return nil, fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooHigh, msg.From.Hex(), msg.Nonce, nonce)
		}
	}

	intrinsic := IntrinsicGas(msg.Data, msg.To == nil)
	if msg.Gas < intrinsic {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, msg.Gas, intrinsic)
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(msg.Gas), gasPrice(msg))
	need := new(big.Int).Add(fee, value(msg))
	if have := e.db.GetBalance(msg.From); have.Cmp(need) < 0 {
		return nil, fmt.Errorf("%w: address %s have %s want %s", ErrInsufficientFunds, msg.From.Hex(), have, need)
	}

	// Fees are burned.
	if err := e.db.SetBalance(msg.From, new(big.Int).Sub(e.db.GetBalance(msg.From), fee)); err != nil {
		return nil, err
	}
	if err := e.db.SetNonce(msg.From, nonce+1); err != nil {
		return nil, err
	}

	res := e.execute(msg, nonce, intrinsic)

	refund := new(big.Int).Mul(new(big.Int).SetUint64(msg.Gas-res.GasUsed), gasPrice(msg))
	if err := e.db.SetBalance(msg.From, new(big.Int).Add(e.db.GetBalance(msg.From), refund)); err != nil {
		return nil, err
	}
	return res, nil
}

// Call executes msg without persisting anything. Fees and nonce are
// ignored; a zero gas limit means CallGasCap.
func (e *Executor) Call(msg Message) *Result {
	snap := e.db.Snapshot()
	defer e.db.RevertToSnapshot(snap)

	if msg.Gas == 0 {
		msg.Gas = CallGasCap
	}
	intrinsic := IntrinsicGas(msg.Data, msg.To == nil)
	if msg.Gas < intrinsic {
		return &Result{GasUsed: msg.Gas, Err: ErrOutOfGas}
	}

	// The caller may not hold the value it attaches to a call.
	if need := value(msg); e.db.GetBalance(msg.From).Cmp(need) < 0 {
		_ = e.db.SetBalance(msg.From, need)
	}
	return e.execute(msg, e.db.GetNonce(msg.From), intrinsic)
}

func (e *Executor) execute(msg Message, nonce uint64, intrinsic uint64) *Result {
	snap := e.db.Snapshot()
	meter := &meteredDB{Manager: e.db, limit: msg.Gas - intrinsic}

	res := &Result{}
	if msg.To == nil {
		res.ContractAddress = crypto.CreateAddress(msg.From, nonce)
		res.Err = e.create(meter, msg, res)
	} else {
		res.ReturnData, res.Logs, res.Err = e.call(meter, msg)
	}

	res.GasUsed = intrinsic + meter.gas + logGas(res.Logs)
	if res.Err == nil && res.GasUsed > msg.Gas {
		res.Err = ErrOutOfGas
	}

	if res.Err != nil {
		e.db.RevertToSnapshot(snap)
		res.Logs = nil
		res.ReturnData = res.Revert()
		if errors.Is(res.Err, ErrOutOfGas) || res.GasUsed > msg.Gas {
			res.GasUsed = msg.Gas
		}
		return res
	}
	e.db.DiscardSnapshot(snap)
	return res
}

func (e *Executor) create(db *meteredDB, msg Message, res *Result) error {
	if !mafia.IsCreation(msg.Data) {
		return ErrUnsupportedCreation
	}
	p, err := mafia.DecodeCreation(msg.Data)
	if err != nil {
		return err
	}
	if err := db.Transfer(msg.From, res.ContractAddress, value(msg)); err != nil {
		return err
	}

	db.gas += gasCreate
	c, err := mafia.Deploy(db, res.ContractAddress, msg.From, p)
	if err != nil {
		return err
	}
	res.Logs = c.TakeLogs()
	return nil
}

func (e *Executor) call(db *meteredDB, msg Message) ([]byte, []*types.Log, error) {
	if err := db.Transfer(msg.From, *msg.To, value(msg)); err != nil {
		return nil, nil, err
	}
	if !mafia.IsCode(db.GetCode(*msg.To)) {
		return nil, nil, nil
	}

	db.gas += gasCallOverhead
	c, err := mafia.At(db, *msg.To)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.Call(mafia.Msg{Sender: msg.From, Value: value(msg)}, msg.Data)
	if err != nil {
		return nil, nil, err
	}
	return out, c.TakeLogs(), nil
}

// meteredDB charges storage gas for contract slot access. Once the charge
// passes limit every further write fails with ErrOutOfGas, so a contract
// loop stops at its next write.
type meteredDB struct {
	state.Manager
	gas   uint64
	limit uint64
}

func (m *meteredDB) GetStorageAt(addr common.Address, slot common.Hash) common.Hash {
	m.gas += gasSload
	return m.Manager.GetStorageAt(addr, slot)
}

func (m *meteredDB) SetStorageAt(addr common.Address, slot, value common.Hash) error {
	if m.Manager.GetStorageAt(addr, slot) == (common.Hash{}) && value != (common.Hash{}) {
		m.gas += gasSstoreSet
	} else {
		m.gas += gasSstoreReset
	}
	if m.gas > m.limit {
		return ErrOutOfGas
	}
	return m.Manager.SetStorageAt(addr, slot, value)
}

func logGas(logs []*types.Log) uint64 {
	var gas uint64
	for _, l := range logs {
		gas += params.LogGas + params.LogTopicGas*uint64(len(l.Topics)) + params.LogDataGas*uint64(len(l.Data))
	}
	return gas
}

func value(msg Message) *big.Int {
	if msg.Value == nil {
		return new(big.Int)
	}
	return msg.Value
}

func gasPrice(msg Message) *big.Int {
	if msg.GasPrice == nil {
		return new(big.Int)
	}
	return msg.GasPrice
}
