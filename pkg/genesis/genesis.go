// Package genesis derives the node's dev accounts and builds block 0.
package genesis

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/config"
	"github.com/JanDomhof/Mafia/pkg/state"
)

// Common errors.
var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrInvalidPath     = errors.New("invalid derivation path")
)

// Account represents a dev account with its private key.
type Account struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	Path       string
}

// GenerateAccounts derives count accounts from mnemonic. basePath is the
// BIP-32 path without the final index, e.g. "m/44'/60'/0'/0/".
func GenerateAccounts(mnemonic, basePath string, count int) ([]*Account, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	accounts := make([]*Account, count)
	for i := 0; i < count; i++ {
		path := basePath + strconv.Itoa(i)
		key, err := DeriveKey(master, path)
		if err != nil {
			return nil, fmt.Errorf("derive key %d: %w", i, err)
		}
		accounts[i] = &Account{
			Address:    crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey: key,
			Path:       path,
		}
	}
	return accounts, nil
}

// DeriveKey walks path from master. Segments ending in ' are hardened.
func DeriveKey(master *hdkeychain.ExtendedKey, path string) (*ecdsa.PrivateKey, error) {
	indices, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	key := master
	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// ParsePath turns "m/44'/60'/0'/0/3" into child indices.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	indices := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'")
		n, err := strconv.ParseUint(strings.TrimSuffix(part, "'"), 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// Alloc funds every account with balance.
func Alloc(accounts []*Account, balance *big.Int) types.GenesisAlloc {
	alloc := make(types.GenesisAlloc, len(accounts))
	for _, acc := range accounts {
		alloc[acc.Address] = types.Account{Balance: new(big.Int).Set(balance)}
	}
	return alloc
}

// Apply writes alloc into sm.
func Apply(sm state.Manager, alloc types.GenesisAlloc) error {
	for addr, acc := range alloc {
		if acc.Balance != nil {
			if err := sm.SetBalance(addr, acc.Balance); err != nil {
				return err
			}
		}
		if acc.Nonce != 0 {
			if err := sm.SetNonce(addr, acc.Nonce); err != nil {
				return err
			}
		}
		if len(acc.Code) > 0 {
			if err := sm.SetCode(addr, acc.Code); err != nil {
				return err
			}
		}
		for slot, value := range acc.Storage {
			if err := sm.SetStorageAt(addr, slot, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create derives the accounts, funds them in sm and returns block 0.
func Create(cfg *config.Config, sm *state.InMemoryManager, timestamp uint64) (*types.Block, []*Account, error) {
	accounts, err := GenerateAccounts(cfg.Mnemonic, cfg.DerivationPath, cfg.AccountCount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate accounts: %w", err)
	}

	if err := Apply(sm, Alloc(accounts, cfg.DefaultBalance)); err != nil {
		return nil, nil, fmt.Errorf("failed to apply genesis alloc: %w", err)
	}

	block := blockchain.NewGenesisBlock(sm.Commit(), timestamp, new(big.Int))
	return block, accounts, nil
}
