// Package governor implements the resource governor: per-scope sliding
// window rate limiting, session-slot reservation, a connection counter,
// and the periodic sweeper that prunes expired rate-limit entries and
// enforces maxSessionLifetimeMs.
package governor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pimux/muxd/internal/metrics"
)

var (
	// ErrRateLimited is returned by CanExecute when a scope's sliding
	// window is saturated.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNoSlot is returned by TryReserveSessionSlot when the configured
	// session-slot capacity is exhausted.
	ErrNoSlot = errors.New("no session slots available")
	// ErrConnectionLimit is returned when the connection counter is at
	// capacity.
	ErrConnectionLimit = errors.New("connection limit reached")
)

// Config bounds the governor's resource limits.
type Config struct {
	// WindowLimit is the max executions per scope within Window.
	WindowLimit int
	Window      time.Duration

	MaxSessions        int
	MaxConnections     int
	MaxSessionLifetime time.Duration // 0 disables lifetime enforcement

	SweepInterval time.Duration
}

// Defaults returns sensible governor bounds.
func Defaults() Config {
	return Config{
		WindowLimit:    60,
		Window:         time.Minute,
		MaxSessions:    256,
		MaxConnections: 1024,
		SweepInterval:  30 * time.Second,
	}
}

// stamp is one admitted execution recorded in a scope's sliding window.
// generation is strictly increasing per scope so a rollback can remove
// the exact stamp it added even if a concurrent sweep has trimmed
// neighboring entries — removing "the latest" instead would refund the
// wrong caller's charge under concurrency.
type stamp struct {
	generation int64
	at         time.Time
}

type window struct {
	mu      sync.Mutex
	stamps  []stamp
	nextGen int64
	limiter *rate.Limiter // fast-path auxiliary; the ring above is authoritative
}

// SessionExpiredFunc is invoked by the sweeper for each session that has
// exceeded MaxSessionLifetime; the governor does not itself know how to
// delete a session, so it calls back into whatever owns session deletion.
type SessionExpiredFunc func(sessionID string, age time.Duration)

// mutableLimits is the subset of Config that can change while the
// governor is serving, without requiring a restart: rate limits, session
// and connection capacity, and max session lifetime. SweepInterval stays
// fixed at construction time since changing it would mean restarting the
// sweeper's ticker.
type mutableLimits struct {
	windowLimit        int
	window             time.Duration
	maxSessions        int
	maxConnections     int
	maxSessionLifetime time.Duration
}

// Governor is the resource governor. Owned long-lived by the session
// manager, same as the replay/version stores.
type Governor struct {
	cfg Config // SweepInterval only; everything else lives in limits

	limits atomic.Pointer[mutableLimits]

	mu      sync.Mutex
	windows map[string]*window

	sessionSlots int64 // atomic: currently reserved slots
	connections  int64 // atomic: currently open connections

	sessionStarted map[string]time.Time
	sessionsMu     sync.Mutex

	stopSweep chan struct{}
	sweepOnce sync.Once

	metrics metrics.Sink // optional; set via SetMetrics before serving
}

func (g *Governor) loadLimits() *mutableLimits {
	return g.limits.Load()
}

// UpdateLimits atomically replaces the mutable subset of the governor's
// bounds (rate limits, session/connection capacity, session lifetime) so
// a config reload can take effect without restarting the process. A
// scope's fast-path limiter, once created, keeps its old rate and burst
// for the governor's lifetime (scopes are never removed). The
// generation-stamped ring re-reads WindowLimit on every call, so a lowered
// limit applies to existing scopes at once; a raised one stays capped by
// the old limiter, which CanExecute consults first. A scope first touched
// after the update gets the new rate from the start.
func (g *Governor) UpdateLimits(cfg Config) {
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = Defaults().WindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = Defaults().Window
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = Defaults().MaxSessions
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = Defaults().MaxConnections
	}
	g.limits.Store(&mutableLimits{
		windowLimit:        cfg.WindowLimit,
		window:             cfg.Window,
		maxSessions:        cfg.MaxSessions,
		maxConnections:     cfg.MaxConnections,
		maxSessionLifetime: cfg.MaxSessionLifetime,
	})
}

// SetMetrics wires a sink the governor reports invariant violations to.
// Safe to call once before the governor is shared across goroutines; not
// safe to change concurrently with calls to Release*.
func (g *Governor) SetMetrics(sink metrics.Sink) {
	g.metrics = sink
}

func (g *Governor) reportInvariantViolation() {
	if g.metrics != nil {
		g.metrics.IncCounter(metrics.InvariantViolations, 1)
	}
}

// New creates a Governor with the given bounds.
func New(cfg Config) *Governor {
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = Defaults().WindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = Defaults().Window
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = Defaults().MaxSessions
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = Defaults().MaxConnections
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = Defaults().SweepInterval
	}

	g := &Governor{
		cfg:            cfg,
		windows:        make(map[string]*window),
		sessionStarted: make(map[string]time.Time),
		stopSweep:      make(chan struct{}),
	}
	g.limits.Store(&mutableLimits{
		windowLimit:        cfg.WindowLimit,
		window:             cfg.Window,
		maxSessions:        cfg.MaxSessions,
		maxConnections:     cfg.MaxConnections,
		maxSessionLifetime: cfg.MaxSessionLifetime,
	})
	return g
}

func (g *Governor) windowFor(scope string) *window {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[scope]
	if !ok {
		lim := g.loadLimits()
		w = &window{
			limiter: rate.NewLimiter(rate.Limit(float64(lim.windowLimit)/lim.window.Seconds()), lim.windowLimit),
		}
		g.windows[scope] = w
	}
	return w
}

// Ticket identifies a single admitted execution so its charge can be
// rolled back (e.g. the command turned out to be a downstream rejection
// after all, or the caller wants to refund on a governor-unrelated
// failure path).
type Ticket struct {
	scope      string
	generation int64
}

// CanExecute charges one execution against scope's sliding window. The
// x/time/rate limiter is consulted first as a cheap fast-path rejection;
// the generation-stamped ring is authoritative and is what actually
// trims expired entries and enforces WindowLimit.
func (g *Governor) CanExecute(scope string) (*Ticket, error) {
	w := g.windowFor(scope)

	if !w.limiter.Allow() {
		return nil, ErrRateLimited
	}

	lim := g.loadLimits()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-lim.window)

	live := w.stamps[:0]
	for _, s := range w.stamps {
		if s.at.After(cutoff) {
			live = append(live, s)
		}
	}
	w.stamps = live

	if len(w.stamps) >= lim.windowLimit {
		return nil, ErrRateLimited
	}

	w.nextGen++
	gen := w.nextGen
	w.stamps = append(w.stamps, stamp{generation: gen, at: now})

	return &Ticket{scope: scope, generation: gen}, nil
}

// Rollback removes the exact stamp a Ticket represents, refunding the
// scope's window and the fast-path limiter token CanExecute spent. A
// no-op if the stamp has already aged out naturally.
func (g *Governor) Rollback(t *Ticket) {
	if t == nil {
		return
	}
	g.mu.Lock()
	w, ok := g.windows[t.scope]
	g.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.stamps {
		if s.generation == t.generation {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			// A negative count hands one token back to the limiter (it is
			// capped at the burst again on the limiter's next refill).
			w.limiter.AllowN(time.Now(), -1)
			return
		}
	}
}

// TryReserveSessionSlot atomically checks and reserves a session slot,
// with no time-of-check-to-time-of-use gap: the compare-and-swap loop
// below is the entire reservation, never a separate read followed by a
// separate increment.
func (g *Governor) TryReserveSessionSlot() error {
	for {
		cur := atomic.LoadInt64(&g.sessionSlots)
		if cur >= int64(g.loadLimits().maxSessions) {
			return ErrNoSlot
		}
		if atomic.CompareAndSwapInt64(&g.sessionSlots, cur, cur+1) {
			return nil
		}
	}
}

// ReleaseSessionSlot gives back a previously reserved slot. A release
// with nothing reserved (cur <= 0) can only mean a caller double-released
// a slot; rather than silently clamping at zero, it is counted as an
// invariant violation so an operator polling get_metrics can see it.
func (g *Governor) ReleaseSessionSlot() {
	for {
		cur := atomic.LoadInt64(&g.sessionSlots)
		if cur <= 0 {
			g.reportInvariantViolation()
			return
		}
		if atomic.CompareAndSwapInt64(&g.sessionSlots, cur, cur-1) {
			return
		}
	}
}

// TryAddConnection atomically checks and reserves a connection slot.
func (g *Governor) TryAddConnection() error {
	for {
		cur := atomic.LoadInt64(&g.connections)
		if cur >= int64(g.loadLimits().maxConnections) {
			return ErrConnectionLimit
		}
		if atomic.CompareAndSwapInt64(&g.connections, cur, cur+1) {
			return nil
		}
	}
}

// ReleaseConnection releases a previously reserved connection slot. As
// with ReleaseSessionSlot, a release with nothing reserved is an
// invariant violation rather than a silent no-op.
func (g *Governor) ReleaseConnection() {
	for {
		cur := atomic.LoadInt64(&g.connections)
		if cur <= 0 {
			g.reportInvariantViolation()
			return
		}
		if atomic.CompareAndSwapInt64(&g.connections, cur, cur-1) {
			return
		}
	}
}

// TrackSessionStart records a session's creation time for lifetime
// enforcement. Call this once, from createSession, after the slot
// reservation succeeds.
func (g *Governor) TrackSessionStart(sessionID string, at time.Time) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	g.sessionStarted[sessionID] = at
}

// UntrackSession removes a session's lifetime-tracking entry. Call this
// from deleteSession regardless of the reason for deletion.
func (g *Governor) UntrackSession(sessionID string) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	delete(g.sessionStarted, sessionID)
}

// StartSweeper launches the background goroutine that prunes expired
// rate-limit windows and invokes onExpired for sessions exceeding
// MaxSessionLifetime. The goroutine is not pinned against process exit —
// callers should invoke Stop on shutdown, but a process that exits
// without calling Stop is never blocked by this goroutine since it only
// holds a ticker, no OS resource requiring cleanup.
func (g *Governor) StartSweeper(onExpired SessionExpiredFunc) {
	go func() {
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopSweep:
				return
			case now := <-ticker.C:
				g.sweepWindows(now)
				if g.loadLimits().maxSessionLifetime > 0 && onExpired != nil {
					g.sweepExpiredSessions(now, onExpired)
				}
			}
		}
	}()
}

// Stop halts the sweeper goroutine. Idempotent.
func (g *Governor) Stop() {
	g.sweepOnce.Do(func() {
		close(g.stopSweep)
	})
}

func (g *Governor) sweepWindows(now time.Time) {
	g.mu.Lock()
	windows := make([]*window, 0, len(g.windows))
	for _, w := range g.windows {
		windows = append(windows, w)
	}
	g.mu.Unlock()

	cutoff := now.Add(-g.loadLimits().window)
	for _, w := range windows {
		w.mu.Lock()
		live := w.stamps[:0]
		for _, s := range w.stamps {
			if s.at.After(cutoff) {
				live = append(live, s)
			}
		}
		w.stamps = live
		w.mu.Unlock()
	}
}

func (g *Governor) sweepExpiredSessions(now time.Time, onExpired SessionExpiredFunc) {
	g.sessionsMu.Lock()
	var expired []struct {
		id  string
		age time.Duration
	}
	maxLifetime := g.loadLimits().maxSessionLifetime
	for id, started := range g.sessionStarted {
		age := now.Sub(started)
		if age >= maxLifetime {
			expired = append(expired, struct {
				id  string
				age time.Duration
			}{id, age})
		}
	}
	g.sessionsMu.Unlock()

	for _, e := range expired {
		onExpired(e.id, e.age)
	}
}

// Stats reports current counters for diagnostics/metrics.
type Stats struct {
	SessionSlotsInUse int64
	ConnectionsInUse  int64
	TrackedScopes     int
}

// Stats returns a snapshot of governor counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	scopes := len(g.windows)
	g.mu.Unlock()

	return Stats{
		SessionSlotsInUse: atomic.LoadInt64(&g.sessionSlots),
		ConnectionsInUse:  atomic.LoadInt64(&g.connections),
		TrackedScopes:     scopes,
	}
}
