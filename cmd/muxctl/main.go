// Command muxctl is a thin probe client for a running muxd daemon.
package main

import (
	"fmt"
	"os"

	"github.com/pimux/muxd/cmd/muxctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
