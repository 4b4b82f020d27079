// Package breaker wraps github.com/sony/gobreaker into the per-provider
// LLM breaker and the hybrid per-session/global bash breaker the
// execution engine consults before dispatch.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a breaker is open (or, in half-open state, has
// exhausted its probe allowance) and the caller must not dispatch.
var ErrOpen = errors.New("circuit open")

// Config controls a single breaker's trip/reset behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit. A timeout counts as a failure because the caller
	// reports it as an error; call latency is not tracked, so a slow call
	// that succeeds counts as a success.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing
	// again in half-open state.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests uint32
}

// Defaults returns the spec's default LLM breaker thresholds (5
// consecutive failures, 30s open-to-half-open, a single probe).
func Defaults() Config {
	return Config{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// BashSessionDefaults returns the spec's default per-session bash
// breaker thresholds (10 consecutive failures).
func BashSessionDefaults() Config {
	cfg := Defaults()
	cfg.FailureThreshold = 10
	return cfg
}

// BashGlobalDefaults returns the spec's default global bash breaker
// thresholds (50 consecutive failures) — deliberately much higher than
// the per-session threshold, since the global breaker aggregates
// failures across every session's bash calls and should only trip on a
// systemic problem, not one session's bad streak.
func BashGlobalDefaults() Config {
	cfg := Defaults()
	cfg.FailureThreshold = 50
	return cfg
}

// Breaker wraps a single gobreaker.CircuitBreaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Interval:    0, // never reset counts on a timer; only on state transitions
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call runs fn through the breaker. If the breaker is open (or half-open
// with no probe slots left), fn is never invoked and Call returns
// ErrOpen. Any non-nil error from fn counts as a failure, including a
// timeout the caller reports as an error. The breaker has no notion of
// latency: a slow call that succeeds counts as a success.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return result, ErrOpen
	}
	return result, err
}

// State reports the breaker's current state without side effects.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Ready reports whether the breaker will currently admit a call. Used as
// the engine's step-7 guard, ahead of a separately timed dispatch where
// the real outcome is fed back via Record rather than Call — splitting
// the check from the eventual record lets the engine race a handler
// against its timeout budget without the breaker blocking on work it
// doesn't control the clock of.
func (b *Breaker) Ready() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Record feeds a precomputed outcome into the breaker's state machine
// without invoking any work itself — used both by the hybrid bash
// breaker (to charge a single real invocation's outcome against two
// breakers without running fn twice) and by the engine's timed LLM
// dispatch (to record a timeout as a failure without re-running the
// handler through Call).
func (b *Breaker) Record(err error) {
	_, _ = b.cb.Execute(func() (any, error) { return nil, err })
}

// Manager owns the per-provider LLM breakers and the hybrid bash breaker
// (one global, one per session). Owned long-lived by the session
// manager, alongside the replay/version/governor stores.
type Manager struct {
	llmCfg         Config
	bashSessionCfg Config

	mu       sync.Mutex
	llm      map[string]*Breaker
	bashGlob *Breaker
	bashSess map[string]*Breaker
}

// ManagerConfig groups the three breaker configs a Manager needs. Zero
// fields fall back to the spec's defaults.
type ManagerConfig struct {
	LLM        Config
	BashSession Config
	BashGlobal Config
}

// New creates a Manager. Passing a zero-value Config for any of LLM,
// BashSession, or BashGlobal falls back to that breaker kind's spec
// default.
func New(cfg Config) *Manager {
	return NewWithConfig(ManagerConfig{LLM: cfg, BashSession: cfg, BashGlobal: cfg})
}

// NewWithConfig creates a Manager with independently configured LLM,
// per-session-bash, and global-bash breaker thresholds.
func NewWithConfig(cfg ManagerConfig) *Manager {
	llmCfg := cfg.LLM
	if llmCfg.FailureThreshold == 0 {
		llmCfg = Defaults()
	}
	sessCfg := cfg.BashSession
	if sessCfg.FailureThreshold == 0 {
		sessCfg = BashSessionDefaults()
	}
	globCfg := cfg.BashGlobal
	if globCfg.FailureThreshold == 0 {
		globCfg = BashGlobalDefaults()
	}

	return &Manager{
		llmCfg:         llmCfg,
		bashSessionCfg: sessCfg,
		llm:            make(map[string]*Breaker),
		bashGlob:       newBreaker("bash:global", globCfg),
		bashSess:       make(map[string]*Breaker),
	}
}

// LLM returns (creating if necessary) the breaker for a given provider
// name.
func (m *Manager) LLM(provider string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.llm[provider]
	if !ok {
		b = newBreaker("llm:"+provider, m.llmCfg)
		m.llm[provider] = b
	}
	return b
}

// BashSession returns (creating if necessary) the per-session bash
// breaker.
func (m *Manager) BashSession(sessionID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bashSess[sessionID]
	if !ok {
		b = newBreaker("bash:session:"+sessionID, m.bashSessionCfg)
		m.bashSess[sessionID] = b
	}
	return b
}

// RemoveBashSession drops a session's bash breaker. Call this from
// deleteSession — the breaker has no further use once the session is gone.
func (m *Manager) RemoveBashSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bashSess, sessionID)
}

// BashGlobal returns the shared global bash breaker.
func (m *Manager) BashGlobal() *Breaker {
	return m.bashGlob
}

// CallBash runs fn through the hybrid bash breaker: both the per-session
// and the global breaker must be non-open, and a failure (including a
// timeout — spec mandates timeout-only failure accounting for bash;
// exit-nonzero is a legitimate, non-breaker-tripping outcome) is recorded
// against both.
func (m *Manager) CallBash(sessionID string, fn func() (any, error)) (any, error) {
	session := m.BashSession(sessionID)
	global := m.bashGlob

	if session.State() == gobreaker.StateOpen || global.State() == gobreaker.StateOpen {
		return nil, ErrOpen
	}

	result, err := fn()

	session.Record(err)
	global.Record(err)

	return result, err
}
