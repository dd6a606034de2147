// Package config provides configuration management for the mafia node.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/JanDomhof/Mafia/pkg/mafia"
)

// Default values.
var (
	DefaultChainID        = uint64(31337)
	DefaultGasLimit       = uint64(30000000)
	DefaultGasPrice       = big.NewInt(1e9) // 1 gwei
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8545
	DefaultAccountCount   = 20
	DefaultBalance        = new(big.Int).Mul(big.NewInt(10000), big.NewInt(1e18)) // 10000 ETH
	DefaultMnemonic       = "test test test test test test test test test test test junk"
	DefaultDerivationPath = "m/44'/60'/0'/0/"
	DefaultMiningMode     = "auto"
	DefaultBlockTime      = time.Duration(0)
	DefaultAllowOrigin    = "*"
	DefaultLogLevel       = "info"
	DefaultLogEncoding    = "console"
)

// Valid mining modes.
var validMiningModes = map[string]bool{
	"auto":     true,
	"interval": true,
	"manual":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config defines the node configuration.
type Config struct {
	// Network configuration
	ChainID  uint64   `json:"chainId"`
	GasLimit uint64   `json:"gasLimit"`
	GasPrice *big.Int `json:"gasPrice,omitempty"`

	// Server configuration
	Host        string `json:"host"`
	Port        int    `json:"port"`
	AllowOrigin string `json:"allowOrigin"`

	// Account configuration
	AccountCount   int      `json:"accountCount"`
	DefaultBalance *big.Int `json:"defaultBalance"`
	Mnemonic       string   `json:"mnemonic"`
	DerivationPath string   `json:"derivationPath"`

	// Mining configuration
	MiningMode string        `json:"miningMode"` // auto, interval, manual
	BlockTime  time.Duration `json:"blockTime"`

	AutoImpersonate bool `json:"autoImpersonate"`

	// Mafia deploys a contract from the first account at startup when set.
	Mafia *MafiaConfig `json:"mafia,omitempty"`

	Log LogConfig `json:"log"`
}

// MafiaConfig holds the constructor arguments of the auto-deployed contract.
type MafiaConfig struct {
	Deploy bool         `json:"deploy"`
	Params mafia.Params `json:"params"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"` // console or json
	// File enables a rotating log file next to console output.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMb,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		ChainID:        DefaultChainID,
		GasLimit:       DefaultGasLimit,
		GasPrice:       new(big.Int).Set(DefaultGasPrice),
		Host:           DefaultHost,
		Port:           DefaultPort,
		AllowOrigin:    DefaultAllowOrigin,
		AccountCount:   DefaultAccountCount,
		DefaultBalance: new(big.Int).Set(DefaultBalance),
		Mnemonic:       DefaultMnemonic,
		DerivationPath: DefaultDerivationPath,
		MiningMode:     DefaultMiningMode,
		BlockTime:      DefaultBlockTime,
		Log: LogConfig{
			Level:    DefaultLogLevel,
			Encoding: DefaultLogEncoding,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.ChainID == 0 {
		errs = append(errs, "chainId must be greater than 0")
	}
	if c.GasLimit == 0 {
		errs = append(errs, "gasLimit must be greater than 0")
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}
	if c.AccountCount <= 0 {
		errs = append(errs, "accountCount must be greater than 0")
	}
	if !validMiningModes[c.MiningMode] {
		errs = append(errs, "miningMode must be one of: auto, interval, manual")
	}
	if c.MiningMode == "interval" && c.BlockTime <= 0 {
		errs = append(errs, "blockTime must be positive for interval mining")
	}
	if !bip39.IsMnemonicValid(c.Mnemonic) {
		errs = append(errs, "mnemonic is invalid")
	}
	if !strings.HasPrefix(c.DerivationPath, "m/") {
		errs = append(errs, "derivationPath must start with m/")
	}
	if !validLogLevels[c.Log.Level] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Encoding != "console" && c.Log.Encoding != "json" {
		errs = append(errs, "log.encoding must be console or json")
	}
	if c.Mafia != nil && c.Mafia.Deploy {
		if err := c.Mafia.Params.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("mafia.params: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return MergeWithDefaults(&cfg), nil
}

// MergeWithDefaults merges partial config with default values.
func MergeWithDefaults(partial *Config) *Config {
	def := Default()

	if partial.ChainID != 0 {
		def.ChainID = partial.ChainID
	}
	if partial.GasLimit != 0 {
		def.GasLimit = partial.GasLimit
	}
	if partial.GasPrice != nil {
		def.GasPrice = partial.GasPrice
	}
	if partial.Host != "" {
		def.Host = partial.Host
	}
	if partial.Port != 0 {
		def.Port = partial.Port
	}
	if partial.AllowOrigin != "" {
		def.AllowOrigin = partial.AllowOrigin
	}
	if partial.AccountCount != 0 {
		def.AccountCount = partial.AccountCount
	}
	if partial.DefaultBalance != nil {
		def.DefaultBalance = partial.DefaultBalance
	}
	if partial.Mnemonic != "" {
		def.Mnemonic = partial.Mnemonic
	}
	if partial.DerivationPath != "" {
		def.DerivationPath = partial.DerivationPath
	}
	if partial.MiningMode != "" {
		def.MiningMode = partial.MiningMode
	}
	if partial.BlockTime != 0 {
		def.BlockTime = partial.BlockTime
	}
	def.AutoImpersonate = partial.AutoImpersonate

	if partial.Mafia != nil {
		m := *partial.Mafia
		m.Params = mergeParams(m.Params)
		def.Mafia = &m
	}

	if partial.Log.Level != "" {
		def.Log.Level = partial.Log.Level
	}
	if partial.Log.Encoding != "" {
		def.Log.Encoding = partial.Log.Encoding
	}
	def.Log.File = partial.Log.File
	def.Log.MaxSizeMB = partial.Log.MaxSizeMB
	def.Log.MaxBackups = partial.Log.MaxBackups
	def.Log.MaxAgeDays = partial.Log.MaxAgeDays
	def.Log.Compress = partial.Log.Compress

	return def
}

// mergeParams fills unset price and cap fields with contract defaults.
// Counts where zero is meaningful (reserved, freePerWallet, maxSupply)
// are taken as given.
func mergeParams(p mafia.Params) mafia.Params {
	def := mafia.DefaultParams()
	if p.Price == nil {
		p.Price = def.Price
	}
	if p.WhitelistPrice == nil {
		p.WhitelistPrice = def.WhitelistPrice
	}
	if p.MaxPaidPerTx == 0 {
		p.MaxPaidPerTx = def.MaxPaidPerTx
	}
	return p
}

// Copy creates a deep copy of the configuration.
func (c *Config) Copy() *Config {
	copied := *c

	if c.DefaultBalance != nil {
		copied.DefaultBalance = new(big.Int).Set(c.DefaultBalance)
	}
	if c.GasPrice != nil {
		copied.GasPrice = new(big.Int).Set(c.GasPrice)
	}
	if c.Mafia != nil {
		m := *c.Mafia
		if m.Params.Price != nil {
			m.Params.Price = new(big.Int).Set(m.Params.Price)
		}
		if m.Params.WhitelistPrice != nil {
			m.Params.WhitelistPrice = new(big.Int).Set(m.Params.WhitelistPrice)
		}
		copied.Mafia = &m
	}

	return &copied
}

// ServerAddr returns the server address string.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsAutomine returns true if auto-mining is enabled.
func (c *Config) IsAutomine() bool {
	return c.MiningMode == "auto"
}

// IsIntervalMining returns true if interval mining is enabled.
func (c *Config) IsIntervalMining() bool {
	return c.MiningMode == "interval"
}

// DeploysMafia returns true if a contract is deployed at startup.
func (c *Config) DeploysMafia() bool {
	return c.Mafia != nil && c.Mafia.Deploy
}
