package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/backend"
	"github.com/JanDomhof/Mafia/pkg/config"
	"github.com/JanDomhof/Mafia/pkg/logging"
	"github.com/JanDomhof/Mafia/pkg/mafia"
)

var runFlags struct {
	host            string
	port            int
	chainID         uint64
	accounts        int
	balance         uint64
	mnemonic        string
	mining          string
	blockTime       time.Duration
	autoImpersonate bool

	deploy         bool
	reserved       uint64
	maxSupply      uint64
	freePerWallet  uint64
	maxPaidPerTx   uint64
	price          string
	whitelistPrice string
	merkleRoot     string

	logLevel  string
	logFormat string
	logFile   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node",
	Long: `Start the node and serve JSON-RPC on http://<host>:<port>/ and
Prometheus metrics on /metrics. Flags override the config file.

Examples:
  mafia-node run --deploy
  mafia-node run --deploy --reserved 0 --max-supply 100 --mining manual
  mafia-node run -c node.json --port 8546`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		node, err := backend.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := node.Start(); err != nil {
			return err
		}
		printBanner(cmd.OutOrStdout(), cfg, node)

		select {
		case <-ctx.Done():
		case <-node.Done():
			logger.Error("server stopped", zap.Error(node.Err()))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(shutdownCtx); err != nil {
			return err
		}
		logger.Info("shutdown complete", zap.Uint64("head", node.BlockNumber()))
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.host, "host", config.DefaultHost, "listen host")
	f.IntVarP(&runFlags.port, "port", "p", config.DefaultPort, "listen port (0 picks a free port)")
	f.Uint64Var(&runFlags.chainID, "chain-id", config.DefaultChainID, "chain id")
	f.IntVarP(&runFlags.accounts, "accounts", "a", config.DefaultAccountCount, "number of dev accounts")
	f.Uint64Var(&runFlags.balance, "balance", 10000, "balance of each dev account in ether")
	f.StringVarP(&runFlags.mnemonic, "mnemonic", "m", config.DefaultMnemonic, "BIP-39 mnemonic for the dev accounts")
	f.StringVar(&runFlags.mining, "mining", config.DefaultMiningMode, "mining mode: auto, interval or manual")
	f.DurationVarP(&runFlags.blockTime, "block-time", "b", 0, "block interval for interval mining")
	f.BoolVar(&runFlags.autoImpersonate, "auto-impersonate", false, "accept eth_sendTransaction from any sender")

	f.BoolVar(&runFlags.deploy, "deploy", false, "deploy a Mafia contract from the first account at startup")
	f.Uint64Var(&runFlags.reserved, "reserved", mafia.DefaultReserved, "tokens reserved for the owner")
	f.Uint64Var(&runFlags.maxSupply, "max-supply", mafia.DefaultMaxSupply, "supply cap, 0 for unbounded")
	f.Uint64Var(&runFlags.freePerWallet, "free-per-wallet", mafia.DefaultFreePerWallet, "free mints per address")
	f.Uint64Var(&runFlags.maxPaidPerTx, "max-paid-per-tx", mafia.DefaultMaxPaidPerTx, "paid mints per transaction")
	f.StringVar(&runFlags.price, "price", mafia.DefaultPrice.String(), "public unit price in wei")
	f.StringVar(&runFlags.whitelistPrice, "whitelist-price", mafia.DefaultWhitelistPrice.String(), "whitelist unit price in wei")
	f.StringVar(&runFlags.merkleRoot, "merkle-root", "", "initial whitelist root (hex)")

	f.StringVar(&runFlags.logLevel, "log-level", config.DefaultLogLevel, "debug, info, warn or error")
	f.StringVar(&runFlags.logFormat, "log-format", config.DefaultLogEncoding, "console or json")
	f.StringVar(&runFlags.logFile, "log-file", "", "also write logs to this rotating file")
}

// applyRunFlags copies the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	changed := f.Changed

	if changed("host") {
		cfg.Host = runFlags.host
	}
	if changed("port") {
		cfg.Port = runFlags.port
	}
	if changed("chain-id") {
		cfg.ChainID = runFlags.chainID
	}
	if changed("accounts") {
		cfg.AccountCount = runFlags.accounts
	}
	if changed("balance") {
		cfg.DefaultBalance = new(big.Int).Mul(new(big.Int).SetUint64(runFlags.balance), big.NewInt(params.Ether))
	}
	if changed("mnemonic") {
		cfg.Mnemonic = runFlags.mnemonic
	}
	if changed("mining") {
		cfg.MiningMode = runFlags.mining
	}
	if changed("block-time") {
		cfg.BlockTime = runFlags.blockTime
		if !changed("mining") && runFlags.blockTime > 0 {
			cfg.MiningMode = "interval"
		}
	}
	if changed("auto-impersonate") {
		cfg.AutoImpersonate = runFlags.autoImpersonate
	}

	if changed("log-level") {
		cfg.Log.Level = runFlags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Encoding = runFlags.logFormat
	}
	if changed("log-file") {
		cfg.Log.File = runFlags.logFile
	}

	return applyMafiaFlags(cmd, cfg)
}

func applyMafiaFlags(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if cfg.Mafia == nil {
		if !changed("deploy") {
			return nil
		}
		cfg.Mafia = &config.MafiaConfig{Params: mafia.DefaultParams()}
	}
	m := cfg.Mafia

	if changed("deploy") {
		m.Deploy = runFlags.deploy
	}
	if changed("reserved") {
		m.Params.Reserved = runFlags.reserved
	}
	if changed("max-supply") {
		m.Params.MaxSupply = runFlags.maxSupply
	}
	if changed("free-per-wallet") {
		m.Params.FreePerWallet = runFlags.freePerWallet
	}
	if changed("max-paid-per-tx") {
		m.Params.MaxPaidPerTx = runFlags.maxPaidPerTx
	}
	if changed("price") {
		price, ok := new(big.Int).SetString(runFlags.price, 10)
		if !ok || price.Sign() < 0 {
			return fmt.Errorf("invalid --price %q", runFlags.price)
		}
		m.Params.Price = price
	}
	if changed("whitelist-price") {
		price, ok := new(big.Int).SetString(runFlags.whitelistPrice, 10)
		if !ok || price.Sign() < 0 {
			return fmt.Errorf("invalid --whitelist-price %q", runFlags.whitelistPrice)
		}
		m.Params.WhitelistPrice = price
	}
	if changed("merkle-root") {
		b, err := hexutil.Decode(runFlags.merkleRoot)
		if err != nil || len(b) != common.HashLength {
			return fmt.Errorf("invalid --merkle-root %q", runFlags.merkleRoot)
		}
		m.Params.MerkleRoot = common.BytesToHash(b)
	}
	return nil
}

func printBanner(w io.Writer, cfg *config.Config, node *backend.Backend) {
	fmt.Fprintf(w, "mafia-node %s\n\n", Version)
	fmt.Fprintln(w, "Available Accounts")
	fmt.Fprintln(w, "==================")
	for i, acc := range node.Accounts() {
		fmt.Fprintf(w, "(%d) %s (%s ETH)\n", i, acc.Address.Hex(), etherString(cfg.DefaultBalance))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Mnemonic:        %s\n", cfg.Mnemonic)
	fmt.Fprintf(w, "Derivation path: %s<index>\n", cfg.DerivationPath)
	fmt.Fprintf(w, "Chain ID:        %d\n", cfg.ChainID)
	if addr, ok := node.MafiaAddress(); ok {
		fmt.Fprintf(w, "Mafia contract:  %s\n", addr.Hex())
	}
	fmt.Fprintf(w, "\nListening on %s\n", node.Addr())
}

func etherString(wei *big.Int) string {
	return new(big.Int).Quo(wei, big.NewInt(params.Ether)).String()
}
