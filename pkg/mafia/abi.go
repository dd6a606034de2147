package mafia

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABIJSON is the contract interface.
//
// Function selectors:
//
//	owner()                        read
//	currentTokenId()               read
//	reserved()                     read
//	status()                       read, uint8 phase code
//	setStatus(uint8)               owner only
//	mint(bytes32[],uint256)        free mint
//	mintPaid(bytes32[],uint256)    paid mint, payable
//	transferOwnership(address)     owner only
//	setMerkleRoot(bytes32)         owner only
//	setPrice(uint256)              owner only
//	setWhitelistPrice(uint256)     owner only
//	setMaxPaidPerTx(uint256)       owner only
//	grantFreeMints(address,uint256) owner only
//	withdraw()                     owner only
const ABIJSON = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[
		{"name":"reserved_","type":"uint256"},
		{"name":"price_","type":"uint256"},
		{"name":"whitelistPrice_","type":"uint256"},
		{"name":"maxPaidPerTx_","type":"uint256"},
		{"name":"freePerWallet_","type":"uint256"},
		{"name":"maxSupply_","type":"uint256"},
		{"name":"merkleRoot_","type":"bytes32"}]},

	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"currentTokenId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"reserved","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"price","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"whitelistPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxPaidPerTx","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"freePerWallet","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"merkleRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"freeMintAllowance","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"isWhitelisted","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"proof","type":"bytes32[]"}],"outputs":[{"name":"","type":"bool"}]},

	{"type":"function","name":"setStatus","stateMutability":"nonpayable","inputs":[{"name":"newStatus","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"proof","type":"bytes32[]"},{"name":"freeCount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"mintPaid","stateMutability":"payable","inputs":[{"name":"proof","type":"bytes32[]"},{"name":"paidCount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]},
	{"type":"function","name":"setMerkleRoot","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"setPrice","stateMutability":"nonpayable","inputs":[{"name":"newPrice","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"setWhitelistPrice","stateMutability":"nonpayable","inputs":[{"name":"newPrice","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"setMaxPaidPerTx","stateMutability":"nonpayable","inputs":[{"name":"cap","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"grantFreeMints","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},

	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"StatusChanged","anonymous":false,"inputs":[
		{"name":"previousStatus","type":"uint8","indexed":false},
		{"name":"newStatus","type":"uint8","indexed":false}]},
	{"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[
		{"name":"previousOwner","type":"address","indexed":true},
		{"name":"newOwner","type":"address","indexed":true}]},
	{"type":"event","name":"FreeMintsGranted","anonymous":false,"inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdrawn","anonymous":false,"inputs":[
		{"name":"to","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// ABI is the parsed contract interface.
var ABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("mafia: invalid ABI: %v", err))
	}
	return parsed
}

// Code marks a Mafia contract. It is the runtime code stored at every
// deployed address and the prefix of a creation payload. The leading 0xfe
// is the EVM INVALID opcode, so the marker is never mistaken for runnable
// bytecode.
var Code = append([]byte{0xfe}, []byte("MAFIA/1")...)

// IsCode reports whether code is the Mafia runtime marker.
func IsCode(code []byte) bool {
	return bytes.Equal(code, Code)
}

// IsCreation reports whether data is a Mafia creation payload.
func IsCreation(data []byte) bool {
	return bytes.HasPrefix(data, Code)
}

// CreationPayload builds the data of a deploying transaction.
func CreationPayload(p Params) ([]byte, error) {
	args, err := ABI.Pack("",
		new(big.Int).SetUint64(p.Reserved),
		bigOrZero(p.Price),
		bigOrZero(p.WhitelistPrice),
		new(big.Int).SetUint64(p.MaxPaidPerTx),
		new(big.Int).SetUint64(p.FreePerWallet),
		new(big.Int).SetUint64(p.MaxSupply),
		[32]byte(p.MerkleRoot),
	)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(Code), args...), nil
}

// DecodeCreation parses the constructor arguments of a creation payload.
func DecodeCreation(data []byte) (Params, error) {
	if !IsCreation(data) {
		return Params{}, ErrNotCreation
	}
	values, err := ABI.Constructor.Inputs.Unpack(data[len(Code):])
	if err != nil {
		return Params{}, fmt.Errorf("decode constructor: %w", err)
	}

	counts := make([]uint64, 0, 4)
	for _, idx := range []int{0, 3, 4, 5} {
		n, err := toUint64(values[idx].(*big.Int), ABI.Constructor.Inputs[idx].Name)
		if err != nil {
			return Params{}, err
		}
		counts = append(counts, n)
	}

	return Params{
		Reserved:       counts[0],
		Price:          values[1].(*big.Int),
		WhitelistPrice: values[2].(*big.Int),
		MaxPaidPerTx:   counts[1],
		FreePerWallet:  counts[2],
		MaxSupply:      counts[3],
		MerkleRoot:     common.Hash(values[6].([32]byte)),
	}, nil
}

func toUint64(v *big.Int, name string) (uint64, error) {
	if v == nil || !v.IsUint64() {
		return 0, newError(KindInvalidArgument, name+" out of range")
	}
	return v.Uint64(), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
