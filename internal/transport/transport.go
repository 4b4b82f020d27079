// Package transport implements the two carriers spec.md §6 names: a
// duplex WebSocket connection (for long-lived, bidirectional clients) and
// a newline-delimited JSON stream over stdio (for single-process
// embedding). Both funnel every inbound frame through the same
// validate -> decode -> validate -> execute -> encode pipeline, grounded
// on the teacher's internal/server.Server and its SSE writer
// (internal/server/sse.go) for the framing/heartbeat idiom, generalized
// from HTTP/SSE's one-way push to a genuinely duplex connection.
package transport

import (
	"context"
	"time"

	"github.com/pimux/muxd/internal/logging"
	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/internal/validate"
	"github.com/pimux/muxd/pkg/types"
)

// Executor runs one admitted command to completion. Satisfied by
// *engine.Engine; kept as a narrow interface so this package doesn't
// import engine's full dependency set.
type Executor interface {
	Execute(ctx context.Context, cmd *types.Command) types.Response
}

// Config bounds both carriers.
type Config struct {
	// WebSocketAddr is the listen address for the duplex carrier, e.g.
	// ":3141".
	WebSocketAddr string

	Validator validate.Config

	// HeartbeatInterval is how often the duplex carrier pings an idle
	// connection.
	HeartbeatInterval time.Duration
	// PongTimeout bounds how long the duplex carrier waits for a pong
	// reply before treating the connection as a silent zombie.
	PongTimeout time.Duration

	// BackpressureWarnBytes is the buffered-byte threshold above which
	// non-critical frames (session/lifecycle events) are dropped rather
	// than sent.
	BackpressureWarnBytes int
	// BackpressureCloseBytes is the buffered-byte threshold above which
	// the connection is closed outright, even for a response frame.
	BackpressureCloseBytes int
}

// Defaults returns spec.md §6's default transport bounds: port 3141,
// 30s heartbeat, 10s pong deadline, 64KiB/1MiB backpressure thresholds.
func Defaults() Config {
	return Config{
		WebSocketAddr:          ":3141",
		Validator:              validate.Defaults(),
		HeartbeatInterval:      30 * time.Second,
		PongTimeout:            10 * time.Second,
		BackpressureWarnBytes:  64 * 1024,
		BackpressureCloseBytes: 1024 * 1024,
	}
}

// frameKind distinguishes a response (always worth attempting) from an
// event/lifecycle push (droppable under backpressure).
type frameKind int

const (
	kindCritical frameKind = iota
	kindEvent
)

// router is the shared per-connection pipeline both carriers drive: it
// owns nothing connection-specific, so one router is built once and
// reused across every connection a carrier accepts.
type router struct {
	validator *validate.Validator
	executor  Executor
}

func newRouter(cfg Config, executor Executor) *router {
	return &router{
		validator: validate.New(cfg.Validator),
		executor:  executor,
	}
}

// handle runs one inbound frame through validation, decode, execution,
// and encode, returning the wire bytes to send back. It never returns an
// error: a frame that fails validation still produces a well-formed
// error response frame, per spec.md's "rejected frames still get a
// response" requirement for anything that parses far enough to carry an
// id.
func (r *router) handle(ctx context.Context, raw []byte) []byte {
	if err := r.validator.CheckFrameSize(len(raw)); err != nil {
		return encodeErrorFrame("", err)
	}

	cmd, err := protocol.Decode(raw)
	if err != nil {
		return encodeErrorFrame("", err)
	}

	if err := r.validator.CheckCommand(cmd); err != nil {
		return encodeErrorFrame(cmd.ID, err)
	}

	resp := r.executor.Execute(ctx, cmd)
	out, err := protocol.Encode(resp)
	if err != nil {
		logging.Logger.Error().Err(err).Str("cmdId", cmd.ID).Msg("failed to encode response")
		return encodeErrorFrame(cmd.ID, err)
	}
	return out
}

// encodeFrame marshals any outbound frame (Response, LifecycleEvent,
// SessionEvent) to wire bytes.
func encodeFrame(frame any) ([]byte, error) {
	return protocol.Encode(frame)
}

// classifyFrame reports whether a frame is a broadcast event (droppable
// under backpressure) or a direct response/handshake (always attempted).
func classifyFrame(frame any) frameKind {
	switch frame.(type) {
	case types.LifecycleEvent, types.SessionEvent:
		return kindEvent
	default:
		return kindCritical
	}
}

func encodeErrorFrame(id string, err error) []byte {
	resp := types.NewErrorResponse("", id, err.Error())
	out, encErr := protocol.Encode(resp)
	if encErr != nil {
		// Both marshal attempts failing means something is badly wrong
		// with the types package itself; fall back to a fixed literal
		// rather than propagate a second encoding error.
		return []byte(`{"type":"response","success":false,"error":"internal encoding failure"}`)
	}
	return out
}
