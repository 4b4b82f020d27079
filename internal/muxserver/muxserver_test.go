package muxserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/sessionlock"
	"github.com/pimux/muxd/internal/version"
	"github.com/pimux/muxd/pkg/types"
)

type fakeConn struct {
	id       string
	received chan any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, received: make(chan any, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame any) error {
	select {
	case c.received <- frame:
	default:
	}
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{
		ServerVersion:   "test",
		ProtocolVersion: "1",
		Transports:      []string{"tcp", "stdio"},
	}, Deps{
		Builder:  agentsession.FakeBuilder,
		Locks:    sessionlock.New(sessionlock.Defaults()),
		Governor: governor.New(governor.Defaults()),
		Versions: version.New(),
		Breakers: breaker.New(breaker.Defaults()),
	})
}

func mustCmd(t *testing.T, cmdType types.CommandType, sessionID string) *types.Command {
	t.Helper()
	return &types.Command{
		Type:      cmdType,
		SessionID: sessionID,
		Raw:       map[string]any{},
	}
}

func TestServer_CreateListDeleteSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "s1"))
	require.NoError(t, err)

	listed, err := s.Handle(ctx, mustCmd(t, types.CmdListSessions, ""))
	require.NoError(t, err)
	infos, ok := listed.([]types.SessionInfo)
	require.True(t, ok)
	require.Len(t, infos, 1)
	require.Equal(t, "s1", infos[0].SessionID)

	_, err = s.Handle(ctx, mustCmd(t, types.CmdDeleteSession, "s1"))
	require.NoError(t, err)

	listed, err = s.Handle(ctx, mustCmd(t, types.CmdListSessions, ""))
	require.NoError(t, err)
	require.Empty(t, listed.([]types.SessionInfo))
}

func TestServer_CreateSessionDuplicateRejected(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "dup"))
	require.NoError(t, err)

	_, err = s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "dup"))
	require.ErrorIs(t, err, ErrSessionAlreadyExists)
}

func TestServer_DeleteUnknownSessionFails(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Handle(ctx, mustCmd(t, types.CmdDeleteSession, "ghost"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestServer_SwitchSessionRequiresConnectionContext(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "s1"))
	require.NoError(t, err)

	_, err = s.Handle(ctx, mustCmd(t, types.CmdSwitchSession, "s1"))
	require.Error(t, err)
}

func TestServer_SwitchSessionSubscribesConnectionToSessionEvents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	conn := newFakeConn("c1")
	unregister, err := s.RegisterConnection(conn)
	require.NoError(t, err)
	defer unregister()

	// Drain the server_ready handshake frame.
	select {
	case <-conn.received:
	case <-time.After(time.Second):
		t.Fatal("expected server_ready frame")
	}

	_, err = s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "s1"))
	require.NoError(t, err)

	// Drain the session_created lifecycle broadcast.
	select {
	case <-conn.received:
	case <-time.After(time.Second):
		t.Fatal("expected session_created frame")
	}

	switchCtx := ContextWithConnection(ctx, conn.ID())
	_, err = s.Handle(switchCtx, mustCmd(t, types.CmdSwitchSession, "s1"))
	require.NoError(t, err)

	s.publishSessionEvent("s1", map[string]any{"type": "ping"})

	select {
	case frame := <-conn.received:
		evt, ok := frame.(types.SessionEvent)
		require.True(t, ok)
		require.Equal(t, "s1", evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded session event")
	}
}

func TestServer_HealthCheckAndMetrics(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	data, err := s.Handle(ctx, mustCmd(t, types.CmdHealthCheck, ""))
	require.NoError(t, err)
	asMap, ok := data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", asMap["status"])

	_, err = s.Handle(ctx, mustCmd(t, types.CmdGetMetrics, ""))
	require.NoError(t, err)
}

func TestServer_ListAndLoadStoredSessions(t *testing.T) {
	root := t.TempDir()
	s := New(Config{AllowedRoots: []string{root}}, Deps{
		Builder:  agentsession.FakeBuilder,
		Locks:    sessionlock.New(sessionlock.Defaults()),
		Governor: governor.New(governor.Defaults()),
		Versions: version.New(),
		Breakers: breaker.New(breaker.Defaults()),
	})
	ctx := context.Background()

	require.NoError(t, s.sf.Save(root+"/a.json", []byte(`{"ok":true}`)))

	listed, err := s.Handle(ctx, mustCmd(t, types.CmdListStoredSessions, ""))
	require.NoError(t, err)
	infos, ok := listed.([]types.StoredSessionInfo)
	require.True(t, ok)
	require.Len(t, infos, 1)

	loadCmd := mustCmd(t, types.CmdLoadSession, "")
	loadCmd.Raw["path"] = root + "/a.json"
	loaded, err := s.Handle(ctx, loadCmd)
	require.NoError(t, err)
	asMap, ok := loaded.(map[string]any)
	require.True(t, ok)
	require.Equal(t, root+"/a.json", asMap["path"])
}

func TestServer_UIBrokerBroadcastsThroughSessionTopic(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	conn := newFakeConn("c1")
	unregister, err := s.RegisterConnection(conn)
	require.NoError(t, err)
	defer unregister()
	<-conn.received // server_ready

	_, err = s.Handle(ctx, mustCmd(t, types.CmdCreateSession, "s1"))
	require.NoError(t, err)
	<-conn.received // session_created

	switchCtx := ContextWithConnection(ctx, conn.ID())
	_, err = s.Handle(switchCtx, mustCmd(t, types.CmdSwitchSession, "s1"))
	require.NoError(t, err)

	s.broadcastExtensionUI("s1", "req-1", "select", map[string]any{"options": []string{"a", "b"}})

	select {
	case frame := <-conn.received:
		evt, ok := frame.(types.SessionEvent)
		require.True(t, ok)
		data, ok := evt.Event.(types.ExtensionUIRequestData)
		require.True(t, ok)
		require.Equal(t, "req-1", data.RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected extension UI request frame")
	}
}
