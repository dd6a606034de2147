package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JanDomhof/Mafia/pkg/rpc"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mafia-node %s (%s)\n", Version, rpc.ClientVersion)
	},
}
