// Package mafia implements the Mafia NFT mint contract natively.
//
// A contract is a singleton per address whose state lives in the storage
// slots of that address. The sale is a phase machine (see Status): the
// owner moves it between phases and the current phase decides which mint
// paths are open. Every mutating operation runs its guards before the
// first write, so a failure leaves state exactly as it was.
package mafia

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/JanDomhof/Mafia/pkg/merkle"
)

// Params are the constructor arguments.
type Params struct {
	Reserved       uint64      `json:"reserved"`
	Price          *big.Int    `json:"price"`
	WhitelistPrice *big.Int    `json:"whitelistPrice"`
	MaxPaidPerTx   uint64      `json:"maxPaidPerTx"`
	FreePerWallet  uint64      `json:"freePerWallet"`
	MaxSupply      uint64      `json:"maxSupply"` // 0 = unbounded
	MerkleRoot     common.Hash `json:"merkleRoot"`
}

// Default constructor values.
var (
	DefaultReserved       = uint64(10)
	DefaultPrice          = new(big.Int).Mul(big.NewInt(10_000_000), big.NewInt(params.GWei)) // 0.01 ether
	DefaultWhitelistPrice = new(big.Int).Mul(big.NewInt(5_000_000), big.NewInt(params.GWei))  // 0.005 ether
	DefaultMaxPaidPerTx   = uint64(2)
	DefaultFreePerWallet  = uint64(1)
	DefaultMaxSupply      = uint64(1000)
)

// DefaultParams returns the default constructor arguments.
func DefaultParams() Params {
	return Params{
		Reserved:       DefaultReserved,
		Price:          new(big.Int).Set(DefaultPrice),
		WhitelistPrice: new(big.Int).Set(DefaultWhitelistPrice),
		MaxPaidPerTx:   DefaultMaxPaidPerTx,
		FreePerWallet:  DefaultFreePerWallet,
		MaxSupply:      DefaultMaxSupply,
	}
}

// Validate checks constructor arguments.
func (p Params) Validate() error {
	if p.MaxPaidPerTx == 0 {
		return newError(KindInvalidArgument, "maxPaidPerTx must be greater than 0")
	}
	if p.MaxSupply != 0 && p.Reserved > p.MaxSupply {
		return newError(KindInvalidArgument, "reserved exceeds maxSupply")
	}
	if p.Price != nil && p.Price.Sign() < 0 {
		return newError(KindInvalidArgument, "price is negative")
	}
	if p.WhitelistPrice != nil && p.WhitelistPrice.Sign() < 0 {
		return newError(KindInvalidArgument, "whitelistPrice is negative")
	}
	return nil
}

// Msg is the calling context of an operation.
type Msg struct {
	Sender common.Address
	// Value is the wei attached to the call. The caller credits it to the
	// contract balance before invoking a payable operation.
	Value *big.Int
}

func (m Msg) value() *big.Int {
	if m.Value == nil {
		return new(big.Int)
	}
	return m.Value
}

// Contract is a handle on a deployed Mafia contract.
type Contract struct {
	addr  common.Address
	db    StateDB
	store *store
	logs  []*types.Log
}

func newContract(db StateDB, addr common.Address) *Contract {
	return &Contract{addr: addr, db: db, store: &store{db: db, addr: addr}}
}

// Deploy installs a contract at addr owned by owner. The reserved tokens
// 0..reserved-1 are minted to the owner and the sale starts CLOSED.
func Deploy(db StateDB, addr, owner common.Address, p Params) (*Contract, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(db.GetCode(addr)) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDeployed, addr.Hex())
	}
	if err := db.SetCode(addr, Code); err != nil {
		return nil, err
	}

	c := newContract(db, addr)
	c.store.setAddress(SlotOwner, owner)
	c.store.setUint(SlotStatus, uint64(StatusClosed))
	c.store.setBig(SlotPrice, bigOrZero(p.Price))
	c.store.setBig(SlotWhitelistPrice, bigOrZero(p.WhitelistPrice))
	c.store.setUint(SlotMaxPaidPerTx, p.MaxPaidPerTx)
	c.store.setUint(SlotFreePerWallet, p.FreePerWallet)
	c.store.setUint(SlotMaxSupply, p.MaxSupply)
	c.store.setHash(SlotMerkleRoot, p.MerkleRoot)
	c.store.setUint(SlotReserved, p.Reserved)

	if _, err := c.issue(owner, p.Reserved); err != nil {
		return nil, err
	}
	c.emitOwnershipTransferred(common.Address{}, owner)
	return c, nil
}

// At attaches to the contract deployed at addr.
func At(db StateDB, addr common.Address) (*Contract, error) {
	if !IsCode(db.GetCode(addr)) {
		return nil, fmt.Errorf("%w: %s", ErrNotDeployed, addr.Hex())
	}
	return newContract(db, addr), nil
}

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.addr }

// TakeLogs returns and clears the logs emitted so far.
func (c *Contract) TakeLogs() []*types.Log {
	logs := c.logs
	c.logs = nil
	return logs
}

// Owner returns the administering address.
func (c *Contract) Owner() common.Address { return c.store.address(SlotOwner) }

// CurrentTokenID returns the id the next mint will assign.
func (c *Contract) CurrentTokenID() uint64 { return c.store.uint(SlotCurrentTokenID) }

// TotalSupply returns the number of tokens issued, reserved ones included.
func (c *Contract) TotalSupply() uint64 { return c.CurrentTokenID() }

// Reserved returns the number of tokens pre-allocated to the owner.
func (c *Contract) Reserved() uint64 { return c.store.uint(SlotReserved) }

// Status returns the current phase.
func (c *Contract) Status() Status { return Status(c.store.uint(SlotStatus)) }

// Price returns the public price per paid token in wei.
func (c *Contract) Price() *big.Int { return c.store.big(SlotPrice) }

// WhitelistPrice returns the price per paid token for whitelisted callers.
func (c *Contract) WhitelistPrice() *big.Int { return c.store.big(SlotWhitelistPrice) }

// MaxPaidPerTx returns the per-call cap on paid mints.
func (c *Contract) MaxPaidPerTx() uint64 { return c.store.uint(SlotMaxPaidPerTx) }

// FreePerWallet returns the default free allowance of every address.
func (c *Contract) FreePerWallet() uint64 { return c.store.uint(SlotFreePerWallet) }

// MaxSupply returns the token cap, 0 when unbounded.
func (c *Contract) MaxSupply() uint64 { return c.store.uint(SlotMaxSupply) }

// MerkleRoot returns the whitelist root.
func (c *Contract) MerkleRoot() common.Hash { return c.store.hash(SlotMerkleRoot) }

// BalanceOf returns the number of tokens held by addr.
func (c *Contract) BalanceOf(addr common.Address) uint64 {
	return c.store.uint(MappingSlot(AddressKey(addr), SlotBalanceOf))
}

// OwnerOf returns the holder of token id.
func (c *Contract) OwnerOf(id uint64) (common.Address, error) {
	if id >= c.CurrentTokenID() {
		return common.Address{}, newError(KindNotFound, fmt.Sprintf("token %d does not exist", id))
	}
	return c.store.address(MappingSlot(TokenKey(id), SlotOwnerOf)), nil
}

// FreeMintAllowance returns the free mints addr can still claim.
func (c *Contract) FreeMintAllowance(addr common.Address) uint64 {
	total := addCapped(c.FreePerWallet(), c.store.uint(MappingSlot(AddressKey(addr), SlotFreeGranted)))
	claimed := c.store.uint(MappingSlot(AddressKey(addr), SlotFreeClaimed))
	if claimed >= total {
		return 0
	}
	return total - claimed
}

// IsWhitelisted reports whether proof places addr under the current root.
func (c *Contract) IsWhitelisted(addr common.Address, proof []common.Hash) bool {
	return merkle.VerifyAddress(proof, c.MerkleRoot(), addr)
}

func (c *Contract) onlyOwner(msg Msg) error {
	if msg.Sender != c.Owner() {
		return newError(KindPermission, "caller is not the owner")
	}
	return nil
}

// SetStatus moves the sale to a new phase. Owner only.
func (c *Contract) SetStatus(msg Msg, s Status) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	if !s.Valid() {
		return newError(KindInvalidArgument, fmt.Sprintf("unknown status code %d", uint8(s)))
	}

	previous := c.Status()
	c.store.setUint(SlotStatus, uint64(s))
	c.emitStatusChanged(previous, s)
	return nil
}

// Mint issues freeCount tokens to the caller against their free allowance.
// In CLAIM the caller must prove whitelist membership; in FREE a proof is
// optional but must be valid when given.
func (c *Contract) Mint(msg Msg, proof []common.Hash, freeCount uint64) ([]uint64, error) {
	status := c.Status()
	if !status.AllowsFreeMint() {
		return nil, newError(KindState, fmt.Sprintf("free mint is not open in %s", status))
	}
	if freeCount == 0 {
		return nil, newError(KindInvalidArgument, "free count is zero")
	}
	if (status.RequiresProof() || len(proof) > 0) && !c.IsWhitelisted(msg.Sender, proof) {
		return nil, newError(KindProof, "caller is not whitelisted")
	}
	if allowance := c.FreeMintAllowance(msg.Sender); freeCount > allowance {
		return nil, newError(KindInvalidArgument,
			fmt.Sprintf("free count %d exceeds allowance %d", freeCount, allowance))
	}
	if err := c.checkSupply(freeCount); err != nil {
		return nil, err
	}

	claimedSlot := MappingSlot(AddressKey(msg.Sender), SlotFreeClaimed)
	c.store.setUint(claimedSlot, c.store.uint(claimedSlot)+freeCount)
	return c.issue(msg.Sender, freeCount)
}

// MintPaid issues paidCount tokens against msg.Value. A valid proof
// switches the unit price to the whitelist price.
func (c *Contract) MintPaid(msg Msg, proof []common.Hash, paidCount uint64) ([]uint64, error) {
	status := c.Status()
	if !status.AllowsPaidMint() {
		return nil, newError(KindState, fmt.Sprintf("paid mint is not open in %s", status))
	}
	if paidCount == 0 {
		return nil, newError(KindInvalidArgument, "paid count is zero")
	}
	if limit := c.MaxPaidPerTx(); paidCount > limit {
		return nil, newError(KindInvalidArgument,
			fmt.Sprintf("paid count %d exceeds per-transaction limit %d", paidCount, limit))
	}

	unit := c.Price()
	if len(proof) > 0 {
		if !c.IsWhitelisted(msg.Sender, proof) {
			return nil, newError(KindProof, "caller is not whitelisted")
		}
		unit = c.WhitelistPrice()
	}

	cost := new(big.Int).Mul(unit, new(big.Int).SetUint64(paidCount))
	if msg.value().Cmp(cost) < 0 {
		return nil, newError(KindInsufficientPayment,
			fmt.Sprintf("sent %s wei, need %s wei", msg.value(), cost))
	}
	if err := c.checkSupply(paidCount); err != nil {
		return nil, err
	}

	return c.issue(msg.Sender, paidCount)
}

// TransferOwnership hands the contract to newOwner. Owner only.
func (c *Contract) TransferOwnership(msg Msg, newOwner common.Address) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return newError(KindInvalidArgument, "new owner is the zero address")
	}

	c.store.setAddress(SlotOwner, newOwner)
	c.emitOwnershipTransferred(msg.Sender, newOwner)
	return nil
}

// SetMerkleRoot replaces the whitelist. Owner only.
func (c *Contract) SetMerkleRoot(msg Msg, root common.Hash) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	c.store.setHash(SlotMerkleRoot, root)
	return nil
}

// SetPrice sets the public unit price. Owner only.
func (c *Contract) SetPrice(msg Msg, price *big.Int) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	c.store.setBig(SlotPrice, price)
	return nil
}

// SetWhitelistPrice sets the whitelist unit price. Owner only.
func (c *Contract) SetWhitelistPrice(msg Msg, price *big.Int) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	c.store.setBig(SlotWhitelistPrice, price)
	return nil
}

// SetMaxPaidPerTx sets the per-call paid cap. Owner only.
func (c *Contract) SetMaxPaidPerTx(msg Msg, limit uint64) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	if limit == 0 {
		return newError(KindInvalidArgument, "maxPaidPerTx must be greater than 0")
	}
	c.store.setUint(SlotMaxPaidPerTx, limit)
	return nil
}

// GrantFreeMints adds amount to the free allowance of account. Owner only.
func (c *Contract) GrantFreeMints(msg Msg, account common.Address, amount uint64) error {
	if err := c.onlyOwner(msg); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return newError(KindInvalidArgument, "account is the zero address")
	}
	if amount == 0 {
		return newError(KindInvalidArgument, "amount is zero")
	}

	grantedSlot := MappingSlot(AddressKey(account), SlotFreeGranted)
	granted := c.store.uint(grantedSlot)
	if headroom := math.MaxUint64 - addCapped(c.FreePerWallet(), granted); amount > headroom {
		return newError(KindInvalidArgument,
			fmt.Sprintf("amount %d overflows allowance, at most %d more", amount, headroom))
	}
	c.store.setUint(grantedSlot, granted+amount)
	c.emitFreeMintsGranted(account, amount)
	return nil
}

// Withdraw sends the whole contract balance to the owner. Owner only.
func (c *Contract) Withdraw(msg Msg) (*big.Int, error) {
	if err := c.onlyOwner(msg); err != nil {
		return nil, err
	}

	amount := c.db.GetBalance(c.addr)
	if err := c.db.Transfer(c.addr, msg.Sender, amount); err != nil {
		return nil, err
	}
	c.emitWithdrawn(msg.Sender, amount)
	return amount, nil
}

func (c *Contract) checkSupply(count uint64) error {
	limit := c.MaxSupply()
	if limit == 0 {
		limit = math.MaxUint64
	}
	if next := c.CurrentTokenID(); count > limit-next {
		return newError(KindSoldOut, fmt.Sprintf("%d requested, %d left", count, limit-next))
	}
	return nil
}

// issue assigns the next count token ids to holder. It stops at the first
// failed storage write, which is how a metered state runs out of gas; the
// caller owns rolling back what was written before it.
func (c *Contract) issue(holder common.Address, count uint64) ([]uint64, error) {
	first := c.CurrentTokenID()
	var ids []uint64
	for id := first; id < first+count; id++ {
		c.store.setAddress(MappingSlot(TokenKey(id), SlotOwnerOf), holder)
		if c.store.err != nil {
			return nil, c.store.err
		}
		c.emitTransfer(common.Address{}, holder, id)
		ids = append(ids, id)
	}

	balanceSlot := MappingSlot(AddressKey(holder), SlotBalanceOf)
	c.store.setUint(balanceSlot, c.store.uint(balanceSlot)+count)
	c.store.setUint(SlotCurrentTokenID, first+count)
	if c.store.err != nil {
		return nil, c.store.err
	}
	return ids, nil
}

func addCapped(a, b uint64) uint64 {
	if b > math.MaxUint64-a {
		return math.MaxUint64
	}
	return a + b
}
