// Package commands implements the bgpctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the plain HTTP client used to reach the daemon's
	// status endpoint.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's status HTTP address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for bgpctl.
var rootCmd = &cobra.Command{
	Use:   "bgpctl",
	Short: "Read-only introspection CLI for the bgpd daemon",
	Long:  "bgpctl queries the bgpd daemon's status HTTP endpoint to report peer protocol state.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"bgpd daemon status address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
