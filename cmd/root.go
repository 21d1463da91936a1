package cmd

import (
	"fmt"
	"os"

	"github.com/kashguard/go-mpc-mesh/cmd/cert"
	"github.com/kashguard/go-mpc-mesh/cmd/offline"
	"github.com/kashguard/go-mpc-mesh/cmd/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mpc-mesh",
	Short: "Threshold signing mesh node",
	Long: `mpc-mesh coordinates distributed key generation and threshold signing
sessions between a fixed set of nodes.

Each node runs "serve" and exposes an HTTP API for proposing sessions,
answering proposals and following session progress.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		server.New(),
		cert.New(),
		offline.New(),
	)
}
