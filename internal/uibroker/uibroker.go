// Package uibroker correlates server-initiated extension UI prompts
// (select/confirm/input/editor/interview) with the client's eventual
// extension_ui_response command. Directly generalized from the teacher's
// internal/permission.Checker pending-request correlation table — the
// same "pending map[string]chan Response" shape, widened from a single
// approve/reject Response to five method-specific payload shapes.
package uibroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Method is the closed set of extension UI prompt kinds.
type Method string

const (
	MethodSelect    Method = "select"
	MethodConfirm   Method = "confirm"
	MethodInput     Method = "input"
	MethodEditor    Method = "editor"
	MethodInterview Method = "interview"
)

// ErrUnknownRequest is returned by Respond when requestId does not match
// any pending entry (already resolved, timed out, or never existed).
var ErrUnknownRequest = errors.New("unknown extension UI requestId")

// BroadcastFunc sends an extension_ui_request session event to every
// subscriber of sessionID. Supplied by the session manager, which owns
// the subscriber fan-out; the broker has no transport knowledge of its
// own.
type BroadcastFunc func(sessionID string, requestID string, method Method, payload any)

// Config bounds the broker.
type Config struct {
	MaxPending     int
	DefaultTimeout time.Duration
}

// Defaults returns the spec's default broker bounds.
func Defaults() Config {
	return Config{MaxPending: 1000, DefaultTimeout: 5 * time.Minute}
}

type pendingEntry struct {
	method Method
	result chan any
}

// Broker is the extension UI broker. Owned long-lived by the session
// manager, alongside the replay/version/governor/breaker subsystems.
type Broker struct {
	cfg       Config
	broadcast BroadcastFunc

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates a Broker. broadcast is called once per Ask to publish the
// extension_ui_request event.
func New(cfg Config, broadcast BroadcastFunc) *Broker {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = Defaults().MaxPending
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = Defaults().DefaultTimeout
	}
	return &Broker{cfg: cfg, broadcast: broadcast, pending: make(map[string]*pendingEntry)}
}

func newRequestID(sessionID string) string {
	return fmt.Sprintf("%s:%s", sessionID, ulid.Make().String())
}

// ask is the shared implementation behind the five typed entry points. On
// overflow (MaxPending already in flight) it degrades by returning (nil,
// nil) rather than an error — per spec, callers are expected to treat a
// nil result as "no answer, apply a sensible default" rather than
// surfacing a hard failure to the extension.
func (b *Broker) ask(ctx context.Context, sessionID string, method Method, payload any) (any, error) {
	b.mu.Lock()
	if len(b.pending) >= b.cfg.MaxPending {
		b.mu.Unlock()
		return nil, nil
	}
	requestID := newRequestID(sessionID)
	entry := &pendingEntry{method: method, result: make(chan any, 1)}
	b.pending[requestID] = entry
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	if b.broadcast != nil {
		b.broadcast(sessionID, requestID, method, payload)
	}

	timer := time.NewTimer(b.cfg.DefaultTimeout)
	defer timer.Stop()

	select {
	case result := <-entry.result:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		// Deterministic timeout outcome: the ask resolves to nil, as on
		// overflow, and the pending entry is removed (by the deferred
		// cleanup above) so a late client response finds no matching entry
		// and is rejected by Respond rather than silently resurrecting a
		// stale prompt.
		return nil, nil
	}
}

// Select presents a list of options and returns the chosen value (or the
// empty string on overflow/timeout — callers check for a zero value).
func (b *Broker) Select(ctx context.Context, sessionID string, options []string, title string) (string, error) {
	result, err := b.ask(ctx, sessionID, MethodSelect, map[string]any{"options": options, "title": title})
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// Confirm asks a yes/no question.
func (b *Broker) Confirm(ctx context.Context, sessionID string, message string) (bool, error) {
	result, err := b.ask(ctx, sessionID, MethodConfirm, map[string]any{"message": message})
	if err != nil {
		return false, err
	}
	confirmed, _ := result.(bool)
	return confirmed, nil
}

// Input asks for a single free-text value.
func (b *Broker) Input(ctx context.Context, sessionID string, prompt string) (string, error) {
	result, err := b.ask(ctx, sessionID, MethodInput, map[string]any{"prompt": prompt})
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// Editor asks the client to open an editor buffer seeded with initial
// content and return the edited text.
func (b *Broker) Editor(ctx context.Context, sessionID string, initial string) (string, error) {
	result, err := b.ask(ctx, sessionID, MethodEditor, map[string]any{"initial": initial})
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// Interview asks a set of named questions at once and returns a
// map of question key to answer.
func (b *Broker) Interview(ctx context.Context, sessionID string, questions map[string]string) (map[string]any, error) {
	result, err := b.ask(ctx, sessionID, MethodInterview, map[string]any{"questions": questions})
	if err != nil {
		return nil, err
	}
	m, _ := result.(map[string]any)
	return m, nil
}

// Respond resolves a pending request with the client's
// extension_ui_response payload. Returns ErrUnknownRequest if requestID
// does not match any entry still pending (already answered, timed out,
// or never issued) — the engine should surface this as a failed
// extension_ui_response command rather than silently dropping it.
func (b *Broker) Respond(requestID string, payload any) error {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	select {
	case entry.result <- payload:
	default:
		// Another response already delivered (or the waiter already timed
		// out and stopped reading) — first responder wins, extras are
		// dropped rather than blocking the command handler.
	}
	return nil
}

// Pending reports how many requests are currently awaiting a response.
// Diagnostics only.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
