// Package commands provides the muxctl CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "muxctl",
	Short: "muxctl - probe a running muxd daemon",
	Long: `muxctl is a thin client for poking at a running muxd daemon over
its duplex WebSocket transport: it pipes newline-delimited JSON commands
from stdin to the connection and prints whatever comes back.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "ws://127.0.0.1:3141/", "muxd duplex WebSocket address")
	rootCmd.AddCommand(connectCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
