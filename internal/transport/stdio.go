package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pimux/muxd/internal/logging"
	"github.com/pimux/muxd/internal/muxserver"
	"github.com/pimux/muxd/internal/validate"
)

// Stdio is the newline-delimited JSON carrier: one command per line on
// stdin, one response/event per line on stdout. There is exactly one
// connection for the process's lifetime, so Stdio implements
// muxserver.Connection on itself rather than allocating a per-connection
// handle the way the duplex carrier does.
type Stdio struct {
	cfg    Config
	server *muxserver.Server
	router *router

	in  io.Reader
	out io.Writer

	outMu sync.Mutex
}

// NewStdio builds the stdio carrier over the given reader/writer pair —
// ordinarily os.Stdin/os.Stdout, but explicit here so tests can substitute
// pipes.
func NewStdio(cfg Config, server *muxserver.Server, executor Executor, in io.Reader, out io.Writer) *Stdio {
	return &Stdio{
		cfg:    cfg,
		server: server,
		router: newRouter(cfg, executor),
		in:     in,
		out:    out,
	}
}

// ID implements muxserver.Connection.
func (s *Stdio) ID() string { return "stdio" }

// Send implements muxserver.Connection: it writes one JSON frame followed
// by a newline. Unlike the duplex carrier, stdio applies no backpressure
// policy — there is one trusted, co-located reader on the other end of
// the pipe, not a remote client that can fall arbitrarily far behind.
func (s *Stdio) Send(frame any) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return s.writeLine(data)
}

func (s *Stdio) writeLine(data []byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err := s.out.Write([]byte("\n"))
	return err
}

// Run registers the stdio connection and blocks, dispatching one command
// per input line, until the input stream ends or ctx is cancelled.
func (s *Stdio) Run(ctx context.Context) error {
	unregister, err := s.server.RegisterConnection(s)
	if err != nil {
		return fmt.Errorf("stdio: register connection: %w", err)
	}
	defer unregister()

	maxBytes := s.cfg.Validator.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = validate.Defaults().MaxMessageBytes
	}

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes)

	connCtx := muxserver.ContextWithConnection(ctx, s.ID())

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer on the next Scan, so the line must be
		// copied before handle (which may retain it in Command.Raw/Payload)
		// outlives this iteration.
		frame := append([]byte(nil), line...)

		out := s.router.handle(connCtx, frame)
		if err := s.writeLine(out); err != nil {
			logging.Logger.Warn().Err(err).Msg("stdio: failed to write response")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio: read failed: %w", err)
	}
	return nil
}
