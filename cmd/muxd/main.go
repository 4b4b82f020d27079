// Command muxd runs the session multiplexer daemon.
package main

import (
	"fmt"
	"os"

	"github.com/pimux/muxd/cmd/muxd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
