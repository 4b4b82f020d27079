// Package engine implements the execution engine: the eleven-step
// pipeline every admitted command passes through, from replay lookup to
// the final command_finished event. It is the single place that wires
// together the replay store, version store, resource governor, lane
// table, and circuit breakers behind one call, Execute.
//
// Grounded on the teacher's internal/session.Service.Execute (the one
// funnel every command passed through before reaching a provider) and
// internal/executor's handler-map dispatch, generalized here into a
// pipeline with explicit rate-limiting, dependency, lane, and
// breaker stages the teacher's simpler funnel didn't need.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/classify"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/lane"
	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/internal/replay"
	"github.com/pimux/muxd/internal/version"
	"github.com/pimux/muxd/pkg/types"
)

// Handler executes exactly one command and returns its data payload.
// Errors are recovered locally by the engine into a failure response —
// handlers never panic the lane.
type Handler func(ctx context.Context, cmd *types.Command) (any, error)

// AbortFunc is a custom side-channel cancellation dispatcher for a
// timed-out command. sess is nil for server-lane commands.
type AbortFunc func(ctx context.Context, sess agentsession.Session) error

// SessionResolver is the capability the engine depends on to turn a
// sessionId into a live agent session handle — named getSession in the
// source, kept as a narrow interface here to avoid a cycle with whatever
// owns the session registry.
type SessionResolver interface {
	Resolve(sessionID string) (agentsession.Session, bool)
}

// UIResponder resolves a pending extension_ui_request with the client's
// extension_ui_response payload. Satisfied by *uibroker.Broker; kept as
// an interface so the engine doesn't import transport/broadcast
// concerns the broker itself depends on.
type UIResponder interface {
	Respond(requestID string, payload any) error
}

// ServerHandlers executes the eight server-lane command types
// (list_sessions, create_session, delete_session, switch_session,
// load_session, list_stored_sessions, get_metrics, health_check). Kept as
// a single method, rather than one per type, since all eight are owned by
// the same session-manager component and share no per-type engine logic.
type ServerHandlers interface {
	Handle(ctx context.Context, cmd *types.Command) (any, error)
}

// EventSink receives the three lifecycle events the engine emits around
// every admitted command. Implementations fan these out to subscribers;
// the engine has no transport or subscriber-set knowledge of its own.
type EventSink interface {
	Accepted(cmd *types.Command)
	Started(cmd *types.Command)
	Finished(cmd *types.Command, resp types.Response)
}

// NopSink discards all lifecycle events. Useful for tests that only care
// about the returned response.
type NopSink struct{}

func (NopSink) Accepted(*types.Command)                {}
func (NopSink) Started(*types.Command)                 {}
func (NopSink) Finished(*types.Command, types.Response) {}

// Config bounds the engine's timeout classes and dependency wait.
type Config struct {
	ShortTimeout      time.Duration
	LongTimeout       time.Duration
	MaxDependencyWait time.Duration
	AbortHandlers     map[types.CommandType]AbortFunc
}

// Defaults returns the spec's default timeout budgets: 30s short, 5min
// long, and a dependency wait bound equal to the long timeout.
func Defaults() Config {
	return Config{
		ShortTimeout:      30 * time.Second,
		LongTimeout:       5 * time.Minute,
		MaxDependencyWait: 5 * time.Minute,
	}
}

// admission tracks one in-flight command for dependency resolution: its
// lane, its position in that lane's admission order, and a channel
// closed when its outcome is stored. Removed the instant the command's
// outcome lands, so this map only ever holds what replay's own in-flight
// table holds plus the handful of synthetic-ID commands replay never
// tracks.
type admission struct {
	lane string
	seq  int64
	done chan struct{}
}

// Engine runs the eleven-step pipeline from command admission to stored
// outcome. One Engine serves the whole multiplexer; all fields are safe
// for concurrent use from many connections at once.
type Engine struct {
	cfg Config

	replay   *replay.Store
	versions *version.Store
	governor *governor.Governor
	lanes    *lane.Table
	breakers *breaker.Manager

	sessions SessionResolver
	server   ServerHandlers
	ui       UIResponder
	sink     EventSink

	handlers      map[types.CommandType]Handler
	abortHandlers map[types.CommandType]AbortFunc

	admMu    sync.Mutex
	adm      map[string]*admission
	laneSeq  map[string]int64
}

// Deps groups the collaborators an Engine is built from.
type Deps struct {
	Replay   *replay.Store
	Versions *version.Store
	Governor *governor.Governor
	Lanes    *lane.Table
	Breakers *breaker.Manager
	Sessions SessionResolver
	Server   ServerHandlers
	UI       UIResponder
	Sink     EventSink
}

// New builds an Engine. cfg's AbortHandlers, if any, are merged over the
// engine's own defaults (Abort is invoked for every Long-class type
// unless overridden).
func New(cfg Config, deps Deps) *Engine {
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = Defaults().ShortTimeout
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = Defaults().LongTimeout
	}
	if cfg.MaxDependencyWait <= 0 {
		cfg.MaxDependencyWait = Defaults().MaxDependencyWait
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}

	e := &Engine{
		cfg:      cfg,
		replay:   deps.Replay,
		versions: deps.Versions,
		governor: deps.Governor,
		lanes:    deps.Lanes,
		breakers: deps.Breakers,
		sessions: deps.Sessions,
		server:   deps.Server,
		ui:       deps.UI,
		sink:     deps.Sink,
		adm:      make(map[string]*admission),
		laneSeq:  make(map[string]int64),
	}

	e.abortHandlers = make(map[types.CommandType]AbortFunc, len(cfg.AbortHandlers))
	for t, fn := range cfg.AbortHandlers {
		e.abortHandlers[t] = fn
	}

	e.handlers = e.buildHandlers()
	return e
}

func newSyntheticID() string {
	return types.ReservedIDPrefix + protocol.NewSyntheticID()
}

// Execute runs the full pipeline for one admitted command and returns its
// terminal response. Callers (a transport's read loop, or whatever owns
// it) must have already passed cmd through structural validation —
// Execute assumes a structurally sound command.
func (e *Engine) Execute(ctx context.Context, cmd *types.Command) types.Response {
	effectiveID := cmd.EffectiveID(newSyntheticID)
	laneKey := protocol.Lane(cmd)
	fp := protocol.Compute(cmd)

	// Step 1: replay.
	if resp, outcome := e.replay.CheckReplay(cmd, fp); outcome != replay.Miss {
		if outcome == replay.Hit {
			e.sink.Accepted(cmd)
			e.sink.Finished(cmd, resp)
		}
		return resp
	}

	ticket, err := e.replay.Reserve(cmd, fp)
	if err != nil {
		return types.NewErrorResponse(string(cmd.Type), effectiveID, err.Error())
	}
	if !ticket.Owner() {
		return ticket.Wait()
	}

	// Step 2: rate limit. Charges only this new execution; a replay hit
	// above never reaches here.
	scope := rateScope(cmd)
	rateTicket, err := e.governor.CanExecute(scope)
	if err != nil {
		resp := types.NewErrorResponse(string(cmd.Type), effectiveID, err.Error())
		e.sink.Accepted(cmd)
		e.replay.StoreOutcome(cmd, fp, resp, false)
		e.sink.Finished(cmd, resp)
		return resp
	}

	// Step 3: admission events.
	e.sink.Accepted(cmd)
	myAdm, mySeq := e.trackAdmission(effectiveID, laneKey)
	defer e.untrackAdmission(effectiveID, myAdm)

	// Step 4: dependency wait.
	if err := e.waitDependencies(ctx, cmd, laneKey, mySeq); err != nil {
		e.governor.Rollback(rateTicket)
		resp := types.NewErrorResponse(string(cmd.Type), effectiveID, err.Error())
		e.replay.StoreOutcome(cmd, fp, resp, false)
		e.sink.Finished(cmd, resp)
		return resp
	}

	// Step 5: precondition.
	if cmd.SessionID != "" && !protocol.IsServerCommand(cmd.Type) {
		if err := e.versions.Precheck(cmd.SessionID, cmd.IfSessionVersion); err != nil {
			e.governor.Rollback(rateTicket)
			resp := types.NewErrorResponse(string(cmd.Type), effectiveID, err.Error())
			e.replay.StoreOutcome(cmd, fp, resp, false)
			e.sink.Finished(cmd, resp)
			return resp
		}
	}

	// Steps 6-11 run serialized within the command's lane.
	result, laneErr := e.lanes.Enqueue(ctx, laneKey, func(lctx context.Context) (any, error) {
		return e.runGuarded(lctx, cmd, effectiveID, fp), nil
	})
	if laneErr != nil {
		// Cancelled while still waiting for the lane's tail — never
		// reached dispatch, so nothing to record on a breaker and no
		// session-version bump to consider.
		resp := types.NewErrorResponse(string(cmd.Type), effectiveID, "cancelled while queued: "+laneErr.Error())
		e.replay.StoreOutcome(cmd, fp, resp, false)
		e.sink.Finished(cmd, resp)
		return resp
	}

	resp, _ := result.(types.Response)
	return resp
}

func rateScope(cmd *types.Command) string {
	if cmd.SessionID != "" {
		return cmd.SessionID
	}
	return "server"
}

// trackAdmission registers cmd's admission order within its lane and
// returns a handle dependents can wait on.
func (e *Engine) trackAdmission(id, laneKey string) (*admission, int64) {
	e.admMu.Lock()
	defer e.admMu.Unlock()
	e.laneSeq[laneKey]++
	seq := e.laneSeq[laneKey]
	a := &admission{lane: laneKey, seq: seq, done: make(chan struct{})}
	e.adm[id] = a
	return a, seq
}

// untrackAdmission closes the admission's done channel and removes it.
// Must run after the command's outcome has already been stored — any
// dependent woken by the close must find a terminal replay entry.
func (e *Engine) untrackAdmission(id string, a *admission) {
	e.admMu.Lock()
	delete(e.adm, id)
	e.admMu.Unlock()
	close(a.done)
}

func (e *Engine) lookupAdmission(id string) (*admission, bool) {
	e.admMu.Lock()
	defer e.admMu.Unlock()
	a, ok := e.adm[id]
	return a, ok
}

// waitDependencies implements step 4 for every id in dependsOn.
func (e *Engine) waitDependencies(ctx context.Context, cmd *types.Command, myLane string, mySeq int64) error {
	for _, depID := range cmd.DependsOn {
		if err := e.waitOneDependency(ctx, depID, myLane, mySeq); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) waitOneDependency(ctx context.Context, depID, myLane string, mySeq int64) error {
	if entry, ok := e.replay.LookupByID(depID); ok {
		if !entry.Response.Success {
			return fmt.Errorf("dependency failed: %s", depID)
		}
		return nil
	}

	a, known := e.lookupAdmission(depID)
	if !known {
		return fmt.Errorf("dependency unknown: %s", depID)
	}
	if a.lane == myLane && a.seq > mySeq {
		// The dependency was admitted onto our own lane after us: by
		// FIFO order it cannot run until we've entered and left the
		// lane, but we can't enter the lane until this wait resolves.
		return fmt.Errorf("same-lane inversion: dependency %s is queued behind this command", depID)
	}

	timer := time.NewTimer(e.cfg.MaxDependencyWait)
	defer timer.Stop()

	select {
	case <-a.done:
	case <-timer.C:
		return fmt.Errorf("dependency timeout: %s", depID)
	case <-ctx.Done():
		return ctx.Err()
	}

	entry, ok := e.replay.LookupByID(depID)
	if !ok {
		return fmt.Errorf("dependency unknown: %s", depID)
	}
	if !entry.Response.Success {
		return fmt.Errorf("dependency failed: %s", depID)
	}
	return nil
}

// breakerKind classifies which circuit breaker (if any) guards a command
// type's dispatch.
type breakerKind int

const (
	breakerNone breakerKind = iota
	breakerLLM
	breakerBash
)

func breakerKindOf(t types.CommandType) breakerKind {
	switch t {
	case types.CmdPrompt, types.CmdSteer, types.CmdFollowUp, types.CmdCompact:
		return breakerLLM
	case types.CmdBash:
		return breakerBash
	default:
		return breakerNone
	}
}

func providerOf(cmd *types.Command) string {
	if p, ok := cmd.Raw["provider"].(string); ok && p != "" {
		return p
	}
	return "default"
}

// runGuarded runs steps 7 through 11 for a command already holding its
// lane's tail position. It never returns an error itself — every failure
// is folded into the returned Response, per the error-handling taxonomy's
// propagation policy.
func (e *Engine) runGuarded(ctx context.Context, cmd *types.Command, effectiveID string, fp protocol.Fingerprint) types.Response {
	handler, ok := e.handlers[cmd.Type]
	if !ok {
		resp := types.NewErrorResponse(string(cmd.Type), effectiveID, "no handler registered for command type")
		return e.finish(cmd, fp, resp, false)
	}

	var sess agentsession.Session
	if !protocol.IsServerCommand(cmd.Type) {
		s, found := e.sessions.Resolve(cmd.SessionID)
		if !found {
			resp := types.NewErrorResponse(string(cmd.Type), effectiveID, "session not found")
			return e.finish(cmd, fp, resp, false)
		}
		sess = s
	}

	// Step 7: circuit-breaker guard.
	kind := breakerKindOf(cmd.Type)
	switch kind {
	case breakerLLM:
		if !e.breakers.LLM(providerOf(cmd)).Ready() {
			resp := types.NewErrorResponse(string(cmd.Type), effectiveID, "circuit open")
			return e.finish(cmd, fp, resp, false)
		}
	case breakerBash:
		if e.breakers.BashSession(cmd.SessionID).State() == gobreaker.StateOpen ||
			e.breakers.BashGlobal().State() == gobreaker.StateOpen {
			resp := types.NewErrorResponse(string(cmd.Type), effectiveID, "circuit open")
			return e.finish(cmd, fp, resp, false)
		}
	}

	// Step 8: dispatch.
	e.sink.Started(cmd)
	data, execErr, timedOut := e.dispatch(ctx, cmd, handler, sess, kind)

	resp := buildResponse(cmd, effectiveID, data, execErr, timedOut)

	// Step 9: version bump.
	if resp.Success && classify.Mutates(cmd.Type) && cmd.SessionID != "" {
		if v, err := e.versions.BumpIfMutating(cmd.SessionID); err == nil {
			resp = resp.WithSessionVersion(v)
		}
	}

	return e.finish(cmd, fp, resp, timedOut)
}

func buildResponse(cmd *types.Command, effectiveID string, data any, execErr error, timedOut bool) types.Response {
	if execErr != nil {
		resp := types.NewErrorResponse(string(cmd.Type), effectiveID, execErr.Error())
		if timedOut {
			resp = resp.WithTimedOut()
		}
		return resp
	}
	return types.NewResponse(string(cmd.Type), effectiveID, data)
}

// dispatch runs step 8's handler invocation. Bash runs through the hybrid
// breaker synchronously (its timeout class is none: no timer races it).
// LLM-guarded types and every other Short-class type race the handler
// against a timer; on timeout the engine attempts side-channel
// cancellation and, for LLM types, records the timeout as a breaker
// failure without re-invoking the handler.
func (e *Engine) dispatch(ctx context.Context, cmd *types.Command, handler Handler, sess agentsession.Session, kind breakerKind) (data any, execErr error, timedOut bool) {
	if kind == breakerBash {
		data, execErr = e.breakers.CallBash(cmd.SessionID, func() (any, error) {
			return handler(ctx, cmd)
		})
		return data, execErr, false
	}

	tc := classify.TimeoutClassOf(cmd.Type)
	if tc == classify.None {
		data, execErr = handler(ctx, cmd)
		return data, execErr, false
	}

	timeout := e.cfg.ShortTimeout
	if tc == classify.Long {
		timeout = e.cfg.LongTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := handler(dctx, cmd)
		done <- outcome{d, err}
	}()

	select {
	case o := <-done:
		if kind == breakerLLM {
			e.breakers.LLM(providerOf(cmd)).Record(o.err)
		}
		return o.data, o.err, false
	case <-dctx.Done():
		e.sideChannelCancel(cmd, sess)
		if kind == breakerLLM {
			e.breakers.LLM(providerOf(cmd)).Record(errTimedOut)
		}
		return nil, errTimedOut, true
	}
}

var errTimedOut = errors.New("timed out")

// sideChannelCancel attempts best-effort cancellation of a command whose
// budget has elapsed. It never affects the stored outcome — if the
// underlying work completes later anyway, its result is simply discarded
// (replay.Store.StoreOutcome never overwrites a timed-out entry).
func (e *Engine) sideChannelCancel(cmd *types.Command, sess agentsession.Session) {
	if fn, ok := e.abortHandlers[cmd.Type]; ok {
		_ = fn(context.Background(), sess)
		return
	}
	if sess != nil && classify.TimeoutClassOf(cmd.Type) == classify.Long {
		_ = sess.Abort(context.Background())
	}
}

// finish implements steps 10 and 11: atomic store, then the finish event.
func (e *Engine) finish(cmd *types.Command, fp protocol.Fingerprint, resp types.Response, timedOut bool) types.Response {
	e.replay.StoreOutcome(cmd, fp, resp, timedOut)
	e.sink.Finished(cmd, resp)
	return resp
}
