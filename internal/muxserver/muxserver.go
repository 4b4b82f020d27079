// Package muxserver implements the session manager: the registry of
// live sessions, the connection/subscriber fan-out, and the eight
// server-lane command handlers. Grounded on the teacher's
// internal/session.Service (registry + per-session bookkeeping,
// internal/session/service.go) and internal/server.Server (the
// component that owns the event bus and wires it to connections,
// internal/server/server.go), generalized from the teacher's
// HTTP/SSE-only surface to the multiplexer's transport-agnostic
// connection abstraction.
package muxserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/event"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/logging"
	"github.com/pimux/muxd/internal/metrics"
	"github.com/pimux/muxd/internal/sessionlock"
	"github.com/pimux/muxd/internal/storage"
	"github.com/pimux/muxd/internal/uibroker"
	"github.com/pimux/muxd/internal/version"
	"github.com/pimux/muxd/pkg/types"
)

var (
	// ErrSessionNotFound is returned by operations that name a session
	// no longer (or never) present in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionAlreadyExists is returned by createSession when the
	// requested sessionId is already registered.
	ErrSessionAlreadyExists = errors.New("session already exists")
)

// Connection is the transport-agnostic handle the session manager fans
// events out to. internal/transport's duplex and stdio carriers both
// implement this.
type Connection interface {
	ID() string
	// Send delivers one JSON-serializable frame. A returned error is
	// logged by the caller and never interrupts a broadcast loop.
	Send(frame any) error
}

// sessionRecord is the registry's entry for one live session.
type sessionRecord struct {
	id      string
	session agentsession.Session
	created time.Time
	cancel  context.CancelFunc // stops the event-forwarding pump
}

// Config bounds the session manager's behavior.
type Config struct {
	ServerVersion   string
	ProtocolVersion string
	Transports      []string
	AllowedRoots    []string // roots list_stored_sessions/load_session may read under
}

// Deps groups the session manager's collaborators. All are required
// except Metrics and UI's BroadcastFunc, which the Server wires itself.
type Deps struct {
	Builder  agentsession.Builder
	Locks    *sessionlock.Manager
	Governor *governor.Governor
	Versions *version.Store
	Breakers *breaker.Manager
	Metrics  metrics.Sink
}

// Server is the session manager. It implements engine.SessionResolver,
// engine.ServerHandlers, and engine.EventSink, and owns the uibroker
// Broker passed to the engine as its UIResponder.
type Server struct {
	cfg  Config
	deps Deps
	bus  *event.Bus
	ui   *uibroker.Broker
	sf   *storage.SessionFiles

	startedAt time.Time

	mu          sync.RWMutex
	sessions    map[string]*sessionRecord
	connections map[string]Connection
	subs        map[string]*connSubscription // connID -> its current session subscription, if any
}

// connSubscription is a connection's subscription to one session's topic.
// switch_session replaces it; disconnect tears it down.
type connSubscription struct {
	sessionID string
	unsub     func()
}

// New creates a session manager. cfg.AllowedRoots may be empty (no
// stored-session discovery configured).
func New(cfg Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMemorySink()
	}
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		bus:         event.NewBus(),
		sf:          storage.NewSessionFiles(cfg.AllowedRoots),
		startedAt:   time.Now(),
		sessions:    make(map[string]*sessionRecord),
		connections: make(map[string]Connection),
		subs:        make(map[string]*connSubscription),
	}
	s.ui = uibroker.New(uibroker.Defaults(), s.broadcastExtensionUI)
	return s
}

// UI returns the broker to pass as the engine's UIResponder.
func (s *Server) UI() *uibroker.Broker { return s.ui }

// connCtxKey carries the originating connection's ID through a command's
// context so switch_session can bind it to a subscriber set without the
// wire envelope needing a connection field of its own.
type connCtxKey struct{}

// ContextWithConnection attaches a connection ID to ctx. Transports call
// this once per inbound command before handing it to the engine.
func ContextWithConnection(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connCtxKey{}, connID)
}

func connectionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connCtxKey{}).(string)
	return id, ok
}

// RegisterConnection admits a new connection, sends it the server_ready
// handshake, and subscribes it to the global lifecycle topic so it
// receives command_accepted/started/finished and session_created/deleted
// broadcasts without further action.
func (s *Server) RegisterConnection(conn Connection) (unregister func(), err error) {
	if err := s.deps.Governor.TryAddConnection(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.connections[conn.ID()] = conn
	s.mu.Unlock()

	unsubLifecycle := s.bus.Subscribe(event.TopicLifecycle, func(e event.Event) {
		if sendErr := conn.Send(e.Data); sendErr != nil {
			logging.Logger.Warn().Str("connId", conn.ID()).Err(sendErr).Msg("lifecycle event send failed")
		}
	})

	ready := types.LifecycleEvent{
		Type: types.EventServerReady,
		Data: types.ServerReadyData{
			ServerVersion:   s.cfg.ServerVersion,
			ProtocolVersion: s.cfg.ProtocolVersion,
			Transports:      s.cfg.Transports,
		},
	}
	if err := conn.Send(ready); err != nil {
		logging.Logger.Warn().Str("connId", conn.ID()).Err(err).Msg("server_ready send failed")
	}

	return func() {
		unsubLifecycle()
		s.mu.Lock()
		delete(s.connections, conn.ID())
		sub, had := s.subs[conn.ID()]
		delete(s.subs, conn.ID())
		s.mu.Unlock()
		if had {
			sub.unsub()
		}
		s.deps.Governor.ReleaseConnection()
	}, nil
}

// subscribeToSession binds connID to sessionID's event topic, replacing
// any prior subscription that connection held (a connection follows at
// most one session at a time). Returns ErrSessionNotFound if the
// connection or session no longer exist.
func (s *Server) subscribeToSession(connID, sessionID string) error {
	s.mu.Lock()
	conn, connOK := s.connections[connID]
	_, sessOK := s.sessions[sessionID]
	if !connOK || !sessOK {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	prior, hadPrior := s.subs[connID]
	s.mu.Unlock()

	if hadPrior {
		prior.unsub()
	}

	unsub := s.bus.Subscribe(event.SessionTopic(sessionID), func(e event.Event) {
		if err := conn.Send(e.Data); err != nil {
			logging.Logger.Warn().Str("connId", connID).Str("sessionId", sessionID).Err(err).Msg("session event send failed")
		}
	})

	s.mu.Lock()
	s.subs[connID] = &connSubscription{sessionID: sessionID, unsub: unsub}
	s.mu.Unlock()
	return nil
}

// Resolve implements engine.SessionResolver.
func (s *Server) Resolve(sessionID string) (agentsession.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.session, true
}

// --- engine.EventSink ---

// Accepted implements engine.EventSink. cmd.ID is used as-is rather than
// recomputed through EffectiveID: the engine mints its own synthetic ID
// for anonymous commands internally (for lane/replay bookkeeping), and
// this package has no way to reproduce that exact value, so reporting an
// empty CommandID for an anonymous command is more honest than reporting
// a different synthetic one.
func (s *Server) Accepted(cmd *types.Command) {
	s.publishLifecycle(types.EventCommandAccepted, types.CommandAcceptedData{
		CommandID:   cmd.ID,
		CommandType: string(cmd.Type),
		SessionID:   cmd.SessionID,
	})
}

// Started implements engine.EventSink.
func (s *Server) Started(cmd *types.Command) {
	s.publishLifecycle(types.EventCommandStarted, types.CommandStartedData{
		CommandID:   cmd.ID,
		CommandType: string(cmd.Type),
		SessionID:   cmd.SessionID,
	})
}

// Finished implements engine.EventSink. Unlike Accepted/Started, resp.ID
// is always the engine's actual effective ID (including for anonymous
// commands), since the engine stamps it there before returning.
func (s *Server) Finished(cmd *types.Command, resp types.Response) {
	s.publishLifecycle(types.EventCommandFinished, types.CommandFinishedData{
		CommandID:      resp.ID,
		CommandType:    string(cmd.Type),
		SessionID:      cmd.SessionID,
		Success:        resp.Success,
		SessionVersion: resp.SessionVersion,
		Replayed:       resp.Replayed,
		TimedOut:       resp.TimedOut,
		Error:          resp.Error,
	})
}

func (s *Server) publishLifecycle(t types.LifecycleType, data any) {
	s.bus.PublishSync(event.Event{
		Type: event.TopicLifecycle,
		Data: types.LifecycleEvent{Type: t, Data: data},
	})
}

// broadcastExtensionUI implements uibroker.BroadcastFunc: it fans an
// extension_ui_request out to every connection currently subscribed to
// sessionID, wrapped as a SessionEvent exactly like a forwarded agent
// event.
func (s *Server) broadcastExtensionUI(sessionID, requestID string, method uibroker.Method, payload any) {
	s.publishSessionEvent(sessionID, types.ExtensionUIRequestData{
		RequestID: requestID,
		Method:    string(method),
		Payload:   payload,
	})
}

// publishSessionEvent fans data out to every connection currently
// subscribed to sessionID via the bus's own snapshot-then-call semantics
// (Bus.Publish/PublishSync already collects the subscriber list under
// lock and calls outside it, so a send failure here is logged by each
// subscriber closure and never interrupts delivery to the others).
func (s *Server) publishSessionEvent(sessionID string, data any) {
	wrapped := types.SessionEvent{Type: "event", SessionID: sessionID, Event: data}
	s.bus.PublishSync(event.Event{Type: event.SessionTopic(sessionID), Data: wrapped})
}

// pumpEvents forwards a session's agent event stream to its subscriber
// set until the stream closes or ctx is cancelled (on delete). Grounded
// on the teacher's subscriber-fan-out pattern in
// internal/session/service.go, generalized from a single HTTP/SSE
// writer to the dynamic subscriber-set snapshot spec.md §4.7 requires.
func (s *Server) pumpEvents(ctx context.Context, sessionID string, sess agentsession.Session) {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.publishSessionEvent(sessionID, map[string]any{"type": evt.Type, "data": evt.Data})
		}
	}
}

