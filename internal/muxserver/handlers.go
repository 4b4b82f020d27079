package muxserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pimux/muxd/pkg/types"
)

func stringField(cmd *types.Command, key string) string {
	s, _ := cmd.Raw[key].(string)
	return s
}

// Handle implements engine.ServerHandlers. It is the single dispatch point
// for the eight server-lane command types; each gets its own method below
// since, unlike the session-lane pass-through, every one of these has
// distinct registry/governor/lock bookkeeping.
func (s *Server) Handle(ctx context.Context, cmd *types.Command) (any, error) {
	switch cmd.Type {
	case types.CmdListSessions:
		return s.listSessions(ctx)
	case types.CmdCreateSession:
		return s.createSession(ctx, cmd.SessionID)
	case types.CmdDeleteSession:
		return s.deleteSession(ctx, cmd.SessionID)
	case types.CmdSwitchSession:
		return s.switchSession(ctx, cmd.SessionID)
	case types.CmdGetMetrics:
		return s.getMetrics(ctx)
	case types.CmdHealthCheck:
		return s.healthCheck(ctx)
	case types.CmdListStoredSessions:
		return s.listStoredSessions(ctx)
	case types.CmdLoadSession:
		return s.loadSession(ctx, stringField(cmd, "path"))
	default:
		return nil, fmt.Errorf("muxserver: unhandled server-lane command %q", cmd.Type)
	}
}

// listSessions returns every live session's client-visible summary.
func (s *Server) listSessions(_ context.Context) (any, error) {
	s.mu.RLock()
	recs := make([]*sessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(recs))
	for _, rec := range recs {
		version, _ := s.deps.Versions.Current(rec.id)
		infos = append(infos, types.SessionInfo{
			SessionID: rec.id,
			Created:   rec.created,
			Version:   version,
		})
	}
	return infos, nil
}

// createSession registers a new session: it acquires the session's lock
// for the duration of the build (so a racing delete_session for the same
// ID can't interleave), reserves a governor slot before calling out to
// the (potentially slow) builder, and rolls the slot back on any
// failure so a failed create never leaks capacity.
func (s *Server) createSession(ctx context.Context, sessionID string) (any, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}

	unlock, err := s.deps.Locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	_, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if exists {
		return nil, ErrSessionAlreadyExists
	}

	if err := s.deps.Governor.TryReserveSessionSlot(); err != nil {
		return nil, err
	}

	sess, err := s.deps.Builder(ctx, sessionID)
	if err != nil {
		s.deps.Governor.ReleaseSessionSlot()
		return nil, fmt.Errorf("build session: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	rec := &sessionRecord{
		id:      sessionID,
		session: sess,
		created: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.sessions[sessionID] = rec
	s.mu.Unlock()

	s.deps.Versions.Create(sessionID)
	s.deps.Governor.TrackSessionStart(sessionID, rec.created)
	go s.pumpEvents(pumpCtx, sessionID, sess)

	s.publishLifecycle(types.EventSessionCreated, types.SessionLifecycleData{SessionID: sessionID})

	return types.SessionInfo{SessionID: sessionID, Created: rec.created, Version: 0}, nil
}

// deleteSession tears down a live session: it stops the event pump,
// removes the registry entry, and releases every resource the session
// held (version entry, bash breaker, governor slot/lifetime tracking),
// in that order, before finally releasing the session-ID lock itself so
// a create_session racing right behind it never observes half-torn-down
// state. Locks.Forget runs after Unlock, per its own documented
// contract.
func (s *Server) deleteSession(ctx context.Context, sessionID string) (any, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}

	unlock, err := s.deps.Locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		unlock()
		s.deps.Locks.Forget(sessionID)
		return nil, ErrSessionNotFound
	}

	rec.cancel()
	s.deps.Versions.Delete(sessionID)
	s.deps.Breakers.RemoveBashSession(sessionID)
	s.deps.Governor.ReleaseSessionSlot()
	s.deps.Governor.UntrackSession(sessionID)

	unlock()
	s.deps.Locks.Forget(sessionID)

	s.publishLifecycle(types.EventSessionDeleted, types.SessionLifecycleData{SessionID: sessionID})

	return map[string]any{"sessionId": sessionID, "deleted": true}, nil
}

// switchSession binds the calling connection to a session's event topic.
// Subscription only happens on success: an unknown session leaves the
// connection's prior subscription, if any, untouched.
func (s *Server) switchSession(ctx context.Context, sessionID string) (any, error) {
	connID, ok := connectionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("muxserver: no connection bound to this command's context")
	}
	if err := s.subscribeToSession(connID, sessionID); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": sessionID, "subscribed": true}, nil
}

// getMetrics reports the sink's counters/gauges plus a handful of
// diagnostics the sink itself doesn't own (governor and lock-manager
// state), matching spec.md's get_metrics scope.
func (s *Server) getMetrics(_ context.Context) (any, error) {
	snap := s.deps.Metrics.Snapshot()
	govStats := s.deps.Governor.Stats()
	return map[string]any{
		"counters": snap.Counters,
		"gauges":   snap.Gauges,
		"governor": map[string]any{
			"sessionSlotsInUse": govStats.SessionSlotsInUse,
			"connectionsInUse":  govStats.ConnectionsInUse,
			"trackedScopes":     govStats.TrackedScopes,
		},
		"sessionLocks": map[string]any{
			"longHeldCount": s.deps.Locks.LongHeldCount(),
		},
	}, nil
}

// healthCheck reports liveness plus uptime. It never fails on its own —
// any condition bad enough to fail health_check would already have
// prevented the command from reaching here.
func (s *Server) healthCheck(_ context.Context) (any, error) {
	return map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	}, nil
}

// listStoredSessions discovers persisted session files under the
// configured allowed roots.
func (s *Server) listStoredSessions(_ context.Context) (any, error) {
	return s.sf.List()
}

// loadSession reads a stored session file's raw bytes and returns them
// base64-encoded, since the multiplexer treats the content as an opaque
// blob that may not be valid UTF-8.
func (s *Server) loadSession(_ context.Context, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	data, err := s.sf.Load(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	}, nil
}
