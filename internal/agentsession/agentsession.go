// Package agentsession specifies the opaque AgentSession collaborator:
// the underlying coding-agent engine this multiplexer fronts. Its
// implementation is explicitly out of scope — this package defines only
// the interface the execution engine and session manager depend on, plus
// an in-memory fake used by their tests. Grounded on the teacher's own
// separation between internal/session.Service (orchestration, which this
// repo keeps and rebuilds as internal/muxserver) and the actual
// provider/tool internals it never contains directly either.
package agentsession

import (
	"context"
	"sync"
)

// Event is one item from an agent session's event stream — a session
// event in spec.md's terms, wrapped by the session manager as
// {type:"event", sessionId, event} before fan-out to subscribers.
type Event struct {
	Type string
	Data any
}

// Session is the opaque per-session handle the multiplexer drives.
// Prompt/Steer/Abort/State/Messages/SetModel/Compact are the
// representative operations named in spec.md §1; every other
// session-lane command type (bash, fork, thinking-level controls, and so
// on) is routed through Dispatch as a pass-through extension of the same
// opaque engine, since the spec does not prescribe their internal shape
// any more than it does for the named seven.
type Session interface {
	Prompt(ctx context.Context, text string) (any, error)
	Steer(ctx context.Context, text string) (any, error)
	Abort(ctx context.Context) error
	State(ctx context.Context) (any, error)
	Messages(ctx context.Context) (any, error)
	SetModel(ctx context.Context, model string) error
	Compact(ctx context.Context) (any, error)

	// Dispatch handles a session-lane command type not covered by a
	// dedicated method above. payload is the command's decoded raw
	// fields (minus type/id/sessionId/dependsOn/ifSessionVersion/
	// idempotencyKey, which the engine already consumed).
	Dispatch(ctx context.Context, cmdType string, payload map[string]any) (any, error)

	// Events returns the session's event stream. Closed when the session
	// is detached (on delete, or on backend shutdown).
	Events() <-chan Event
}

// Builder constructs a new Session for a session ID. Supplied by whatever
// owns the real agent engine; the session manager calls this from
// createSession after a successful governor slot reservation.
type Builder func(ctx context.Context, sessionID string) (Session, error)

// Fake is an in-memory Session double for engine/muxserver tests. It
// never calls out to any real LLM provider or tool runtime; all state is
// held in memory and all operations are synchronous.
type Fake struct {
	mu sync.Mutex

	model     string
	thinking  string
	messages  []string
	aborted   bool
	compacted int

	events chan Event

	// Hooks let a test override specific operations' behavior (for
	// example, to simulate a slow prompt or a handler error) without
	// reimplementing the whole interface.
	PromptFunc func(ctx context.Context, text string) (any, error)
}

// NewFake creates a ready-to-use in-memory agent session double.
func NewFake() *Fake {
	return &Fake{
		model:  "default-model",
		events: make(chan Event, 32),
	}
}

// FakeBuilder is a Builder that always returns a fresh *Fake.
func FakeBuilder(ctx context.Context, sessionID string) (Session, error) {
	return NewFake(), nil
}

func (f *Fake) emit(eventType string, data any) {
	select {
	case f.events <- Event{Type: eventType, Data: data}:
	default:
		// Buffer full: a test that doesn't drain events doesn't need to
		// block the fake's own callers.
	}
}

func (f *Fake) Prompt(ctx context.Context, text string) (any, error) {
	if f.PromptFunc != nil {
		return f.PromptFunc(ctx, text)
	}
	f.mu.Lock()
	f.messages = append(f.messages, "user: "+text, "assistant: (fake reply to) "+text)
	f.mu.Unlock()
	f.emit("message.created", text)
	return map[string]any{"reply": "(fake reply to) " + text}, nil
}

func (f *Fake) Steer(ctx context.Context, text string) (any, error) {
	f.mu.Lock()
	f.messages = append(f.messages, "steer: "+text)
	f.mu.Unlock()
	f.emit("message.created", text)
	return map[string]any{"steered": true}, nil
}

func (f *Fake) Abort(ctx context.Context) error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.emit("aborted", nil)
	return nil
}

func (f *Fake) State(ctx context.Context) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{
		"model":    f.model,
		"thinking": f.thinking,
		"aborted":  f.aborted,
	}, nil
}

func (f *Fake) Messages(ctx context.Context) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *Fake) SetModel(ctx context.Context, model string) error {
	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
	return nil
}

func (f *Fake) Compact(ctx context.Context) (any, error) {
	f.mu.Lock()
	f.compacted++
	f.messages = []string{"(compacted summary)"}
	f.mu.Unlock()
	f.emit("compacted", nil)
	return map[string]any{"compacted": true}, nil
}

func (f *Fake) Dispatch(ctx context.Context, cmdType string, payload map[string]any) (any, error) {
	switch cmdType {
	case "set_thinking_level":
		level, _ := payload["level"].(string)
		f.mu.Lock()
		f.thinking = level
		f.mu.Unlock()
		return map[string]any{"thinking": level}, nil
	case "bash":
		cmd, _ := payload["command"].(string)
		f.emit("bash.ran", cmd)
		return map[string]any{"stdout": "", "exitCode": 0}, nil
	default:
		return map[string]any{"handled": cmdType}, nil
	}
}

func (f *Fake) Events() <-chan Event {
	return f.events
}
