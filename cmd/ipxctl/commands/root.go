// Package commands implements the ipxctl debug/admin CLI subcommands.
//
// Unlike a client/server admin tool, ipxctl talks to no running daemon:
// "interfaces" rebuilds the same host interface enumeration a carrier
// would at startup, and "addrtable"/"sockets" open the process-shared
// socket-number table directly (it is already a cross-process shared
// memory region, so no wire protocol is needed to inspect it). "send"
// and "recv" are one-shot IPX-over-UDP operations for manual testing.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// outputFormat controls the output format for every listing command
// (table or json).
var outputFormat string

// tablePath overrides the default process-shared address-table path.
var tablePath string

var rootCmd = &cobra.Command{
	Use:   "ipxctl",
	Short: "Debug and inspection CLI for the IPX/SPX emulation daemon",
	Long: "ipxctl inspects host IPX interfaces and the process-shared socket-number\n" +
		"table, and sends or receives one-shot IPX-over-UDP packets for manual testing.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json")
	rootCmd.PersistentFlags().StringVar(&tablePath, "table", "",
		"path to the process-shared address table (default: the daemon's default path)")

	rootCmd.AddCommand(interfacesCmd())
	rootCmd.AddCommand(addrTableCmd())
	rootCmd.AddCommand(socketsCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(recvCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
