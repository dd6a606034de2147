package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/JanDomhof/Mafia/pkg/config"
	"github.com/JanDomhof/Mafia/pkg/genesis"
)

var accountsFlags struct {
	count    int
	mnemonic string
	keys     bool
	jsonOut  bool
}

type accountOutput struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	Path       string `json:"path"`
	PrivateKey string `json:"privateKey,omitempty"`
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Print the dev accounts derived from the mnemonic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("count") {
			cfg.AccountCount = accountsFlags.count
		}
		if cmd.Flags().Changed("mnemonic") {
			cfg.Mnemonic = accountsFlags.mnemonic
		}

		accounts, err := genesis.GenerateAccounts(cfg.Mnemonic, cfg.DerivationPath, cfg.AccountCount)
		if err != nil {
			return err
		}

		out := make([]accountOutput, len(accounts))
		for i, acc := range accounts {
			out[i] = accountOutput{Index: i, Address: acc.Address.Hex(), Path: acc.Path}
			if accountsFlags.keys {
				out[i].PrivateKey = hexutil.Encode(crypto.FromECDSA(acc.PrivateKey))
			}
		}

		w := cmd.OutOrStdout()
		if accountsFlags.jsonOut {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, a := range out {
			fmt.Fprintf(w, "(%d) %s  %s\n", a.Index, a.Address, a.Path)
			if a.PrivateKey != "" {
				fmt.Fprintf(w, "    %s\n", a.PrivateKey)
			}
		}
		return nil
	},
}

func init() {
	f := accountsCmd.Flags()
	f.IntVarP(&accountsFlags.count, "count", "n", config.DefaultAccountCount, "number of accounts")
	f.StringVarP(&accountsFlags.mnemonic, "mnemonic", "m", "", "BIP-39 mnemonic (defaults to the config mnemonic)")
	f.BoolVar(&accountsFlags.keys, "keys", false, "also print private keys")
	f.BoolVar(&accountsFlags.jsonOut, "json", false, "print JSON")
}
