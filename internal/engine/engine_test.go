package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/lane"
	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/internal/replay"
	"github.com/pimux/muxd/internal/version"
	"github.com/pimux/muxd/pkg/types"
)

// fakeResolver resolves session IDs against a plain map, registered by
// the test as sessions are "created".
type fakeResolver struct {
	mu       sync.Mutex
	sessions map[string]agentsession.Session
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{sessions: make(map[string]agentsession.Session)}
}

func (r *fakeResolver) add(id string, s agentsession.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

func (r *fakeResolver) Resolve(id string) (agentsession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// fakeServer answers every server-lane command with a fixed payload,
// unless overridden.
type fakeServer struct {
	HandleFunc func(ctx context.Context, cmd *types.Command) (any, error)
}

func (s *fakeServer) Handle(ctx context.Context, cmd *types.Command) (any, error) {
	if s.HandleFunc != nil {
		return s.HandleFunc(ctx, cmd)
	}
	return map[string]any{"ok": true}, nil
}

// fakeUI records Respond calls.
type fakeUI struct {
	mu    sync.Mutex
	calls map[string]any
	err   error
}

func newFakeUI() *fakeUI { return &fakeUI{calls: make(map[string]any)} }

func (u *fakeUI) Respond(requestID string, payload any) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[requestID] = payload
	return nil
}

// recordingSink captures every lifecycle event it's handed.
type recordingSink struct {
	mu       sync.Mutex
	accepted []string
	started  []string
	finished []types.Response
}

func (s *recordingSink) Accepted(cmd *types.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, cmd.ID)
}

func (s *recordingSink) Started(cmd *types.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, cmd.ID)
}

func (s *recordingSink) Finished(cmd *types.Command, resp types.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, resp)
}

// hookedSession wraps a Fake with an overridable Dispatch, for exercising
// the bash path's failure accounting without touching the Fake's own
// always-succeeds bash branch.
type hookedSession struct {
	*agentsession.Fake
	DispatchFunc func(ctx context.Context, cmdType string, payload map[string]any) (any, error)
}

func (h *hookedSession) Dispatch(ctx context.Context, cmdType string, payload map[string]any) (any, error) {
	if h.DispatchFunc != nil {
		return h.DispatchFunc(ctx, cmdType, payload)
	}
	return h.Fake.Dispatch(ctx, cmdType, payload)
}

func newHookedSession() *hookedSession {
	return &hookedSession{Fake: agentsession.NewFake()}
}

type testEngine struct {
	eng      *Engine
	replay   *replay.Store
	versions *version.Store
	gov      *governor.Governor
	resolver *fakeResolver
	server   *fakeServer
	ui       *fakeUI
	sink     *recordingSink
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	r := replay.New(replay.Defaults())
	v := version.New()
	g := governor.New(governor.Config{WindowLimit: 1000, Window: time.Minute, MaxSessions: 100, MaxConnections: 100})
	l := lane.New()
	b := breaker.New(breaker.Config{FailureThreshold: 3, OpenTimeout: 20 * time.Millisecond, HalfOpenMaxRequests: 1})
	resolver := newFakeResolver()
	server := &fakeServer{}
	ui := newFakeUI()
	sink := &recordingSink{}

	e := New(cfg, Deps{
		Replay:   r,
		Versions: v,
		Governor: g,
		Lanes:    l,
		Breakers: b,
		Sessions: resolver,
		Server:   server,
		UI:       ui,
		Sink:     sink,
	})

	return &testEngine{eng: e, replay: r, versions: v, gov: g, resolver: resolver, server: server, ui: ui, sink: sink}
}

func cmd(cmdType types.CommandType, id, sessionID string, extra map[string]any) *types.Command {
	raw := map[string]any{"type": string(cmdType)}
	if id != "" {
		raw["id"] = id
	}
	if sessionID != "" {
		raw["sessionId"] = sessionID
	}
	for k, v := range extra {
		raw[k] = v
	}
	c := &types.Command{Type: cmdType, ID: id, SessionID: sessionID, Raw: raw}
	if deps, ok := extra["dependsOn"].([]string); ok {
		c.DependsOn = deps
	}
	if v, ok := extra["ifSessionVersion"].(int64); ok {
		c.IfSessionVersion = &v
	}
	if k, ok := extra["idempotencyKey"].(string); ok {
		c.IdempotencyKey = k
	}
	return c
}

func TestExecute_PromptSuccessBumpsVersionAndEmitsLifecycle(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	resp := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "hi"}))

	require.True(t, resp.Success)
	require.NotNil(t, resp.SessionVersion)
	assert.Equal(t, int64(1), *resp.SessionVersion)

	assert.Equal(t, []string{"c1"}, te.sink.accepted)
	assert.Equal(t, []string{"c1"}, te.sink.started)
	require.Len(t, te.sink.finished, 1)
	assert.True(t, te.sink.finished[0].Success)
}

func TestExecute_ReplayHitReturnsStoredOutcomeWithoutReexecuting(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	fake := agentsession.NewFake()
	calls := 0
	fake.PromptFunc = func(ctx context.Context, text string) (any, error) {
		calls++
		return map[string]any{"reply": text}, nil
	}
	te.resolver.add("s1", fake)

	c := cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "hi"})
	first := te.eng.Execute(context.Background(), c)
	require.True(t, first.Success)
	require.False(t, first.Replayed)

	second := te.eng.Execute(context.Background(), c)
	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, calls, "replayed command must not re-invoke the handler")
}

func TestExecute_FingerprintConflictFailsWithoutReexecuting(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	first := cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "hi"})
	te.eng.Execute(context.Background(), first)

	conflicting := cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "different"})
	resp := te.eng.Execute(context.Background(), conflicting)

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "fingerprint conflict")
}

func TestExecute_VersionMismatchFailsPrecondition(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	stale := int64(5)
	resp := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "c1", "s1", map[string]any{
		"text":             "hi",
		"ifSessionVersion": stale,
	}))

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "version mismatch")
	require.Len(t, te.sink.finished, 1, "accepted commands must still emit a finished event")
}

func TestExecute_SessionNotFoundFails(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	// Deliberately never registered with the resolver.

	resp := te.eng.Execute(context.Background(), cmd(types.CmdGetState, "c1", "s1", nil))

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "session not found")
}

func TestExecute_RateLimitedFailsAndStoresOutcome(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.gov = governor.New(governor.Config{WindowLimit: 1, Window: time.Minute, MaxSessions: 10, MaxConnections: 10})
	te.eng = New(Defaults(), Deps{
		Replay: te.replay, Versions: te.versions, Governor: te.gov, Lanes: lane.New(),
		Breakers: breaker.New(breaker.Defaults()), Sessions: te.resolver, Server: te.server, UI: te.ui, Sink: te.sink,
	})
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	first := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "a"}))
	require.True(t, first.Success)

	second := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "c2", "s1", map[string]any{"text": "b"}))
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "rate limit")
}

func TestExecute_DependencySuccessThenDependentRuns(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	a := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "A", "s1", map[string]any{"text": "first"}))
	require.True(t, a.Success)

	b := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "B", "s1", map[string]any{
		"text":      "second",
		"dependsOn": []string{"A"},
	}))
	assert.True(t, b.Success)
}

func TestExecute_DependencyFailedFailsDependent(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	fake := agentsession.NewFake()
	fake.PromptFunc = func(ctx context.Context, text string) (any, error) {
		return nil, fmt.Errorf("boom")
	}
	te.resolver.add("s1", fake)

	a := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "A", "s1", map[string]any{"text": "first"}))
	require.False(t, a.Success)

	b := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "B", "s1", map[string]any{
		"text":      "second",
		"dependsOn": []string{"A"},
	}))
	assert.False(t, b.Success)
	assert.Contains(t, b.Error, "dependency failed")
}

func TestExecute_DependencyUnknownFailsFast(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	resp := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "B", "s1", map[string]any{
		"text":      "second",
		"dependsOn": []string{"ghost"},
	}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "dependency unknown")
}

func TestExecute_DependencyTimeoutFailsDependent(t *testing.T) {
	te := newTestEngine(t, Config{MaxDependencyWait: 20 * time.Millisecond})
	te.versions.Create("s1")

	release := make(chan struct{})
	fake := agentsession.NewFake()
	fake.PromptFunc = func(ctx context.Context, text string) (any, error) {
		<-release
		return map[string]any{"reply": text}, nil
	}
	te.resolver.add("s1", fake)

	var aResp types.Response
	done := make(chan struct{})
	go func() {
		aResp = te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "A", "s1", map[string]any{"text": "first"}))
		close(done)
	}()

	// Give A time to be admitted onto the lane before B depends on it.
	time.Sleep(5 * time.Millisecond)

	b := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "B", "s1", map[string]any{
		"text":      "second",
		"dependsOn": []string{"A"},
	}))
	assert.False(t, b.Success)
	assert.Contains(t, b.Error, "dependency timeout")

	close(release)
	<-done
	_ = aResp
}

func TestExecute_ExtensionUIResponseResolvesPendingRequest(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	te.resolver.add("s1", agentsession.NewFake())

	resp := te.eng.Execute(context.Background(), cmd(types.CmdExtensionUIResponse, "c1", "s1", map[string]any{
		"requestId": "s1:1:abcd",
		"payload":   true,
	}))

	require.True(t, resp.Success)
	assert.Equal(t, true, te.ui.calls["s1:1:abcd"])
}

func TestExecute_TimeoutSynthesizesFailureAndAbortsSession(t *testing.T) {
	te := newTestEngine(t, Config{LongTimeout: 15 * time.Millisecond})
	te.versions.Create("s1")
	fake := agentsession.NewFake()
	fake.PromptFunc = func(ctx context.Context, text string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	te.resolver.add("s1", fake)

	resp := te.eng.Execute(context.Background(), cmd(types.CmdPrompt, "c1", "s1", map[string]any{"text": "hi"}))

	assert.False(t, resp.Success)
	assert.True(t, resp.TimedOut)

	require.Eventually(t, func() bool {
		state, _ := fake.State(context.Background())
		return state.(map[string]any)["aborted"].(bool)
	}, time.Second, time.Millisecond, "timeout should trigger a side-channel abort")
}

func TestExecute_BashRepeatedFailuresOpenCircuit(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	hs := newHookedSession()
	hs.DispatchFunc = func(ctx context.Context, cmdType string, payload map[string]any) (any, error) {
		return nil, fmt.Errorf("bash exec failed")
	}
	te.resolver.add("s1", hs)

	var last types.Response
	for i := 0; i < 5; i++ {
		last = te.eng.Execute(context.Background(), cmd(types.CmdBash, fmt.Sprintf("b%d", i), "s1", map[string]any{"command": "false"}))
	}

	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "circuit open")
}

func TestExecute_LLMCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.versions.Create("s1")
	fake := agentsession.NewFake()
	fake.PromptFunc = func(ctx context.Context, text string) (any, error) {
		return nil, fmt.Errorf("provider error")
	}
	te.resolver.add("s1", fake)

	var last types.Response
	for i := 0; i < 5; i++ {
		last = te.eng.Execute(context.Background(), cmd(types.CmdPrompt, fmt.Sprintf("p%d", i), "s1", map[string]any{"text": "hi"}))
	}

	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "circuit open")
}

func TestExecute_UnknownCommandTypeNeverReachesEngine(t *testing.T) {
	// buildHandlers only covers protocol.KnownCommands; any command
	// reaching Execute has already passed validate.CheckCommand, which
	// rejects unknown types before admission. This documents that
	// invariant rather than exercising an unreachable path.
	assert.True(t, protocol.KnownCommands[types.CmdPrompt])
}

func TestExecute_ServerCommandDelegatesToServerHandlers(t *testing.T) {
	te := newTestEngine(t, Defaults())
	te.server.HandleFunc = func(ctx context.Context, cmd *types.Command) (any, error) {
		return map[string]any{"sessions": []string{"s1"}}, nil
	}

	resp := te.eng.Execute(context.Background(), cmd(types.CmdListSessions, "c1", "", nil))

	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []string{"s1"}, data["sessions"])
}
