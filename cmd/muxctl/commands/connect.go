package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a duplex connection and pipe stdin/stdout through it",
	Long: `connect dials --addr, sends each line read from stdin as one
command, and prints every inbound frame (server_ready, responses,
lifecycle and session events) to stdout as a compact JSON line.

Example:
  echo '{"type":"create_session","sessionId":"s1","id":"c1"}' | muxctl connect`,
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "muxctl exiting")

	done := make(chan struct{})
	go readLoop(ctx, conn, done)
	writeLoop(ctx, conn)

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// readLoop prints every inbound frame to stdout, one compact JSON line
// at a time, until the connection closes or ctx is cancelled.
func readLoop(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "muxctl: read: %v\n", err)
			}
			return
		}
		printCompact(data)
	}
}

// writeLoop sends each stdin line as one frame until EOF or ctx cancels.
func writeLoop(ctx context.Context, conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, line); err != nil {
			fmt.Fprintf(os.Stderr, "muxctl: write: %v\n", err)
			return
		}
	}
}

func printCompact(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	compact, err := json.Marshal(v)
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(compact))
}
