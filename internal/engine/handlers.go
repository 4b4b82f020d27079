package engine

import (
	"context"
	"fmt"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/pkg/types"
)

// envelopeFields are stripped from a command's raw payload before it is
// handed to Session.Dispatch, since the engine already consumed them.
var envelopeFields = map[string]bool{
	"type":             true,
	"id":               true,
	"sessionId":        true,
	"dependsOn":        true,
	"ifSessionVersion": true,
	"idempotencyKey":   true,
}

func payloadOf(cmd *types.Command) map[string]any {
	out := make(map[string]any, len(cmd.Raw))
	for k, v := range cmd.Raw {
		if !envelopeFields[k] {
			out[k] = v
		}
	}
	return out
}

func stringField(cmd *types.Command, key string) string {
	s, _ := cmd.Raw[key].(string)
	return s
}

// buildHandlers constructs the closed handler map: one entry per known
// command type. Server-lane types all delegate to the injected
// ServerHandlers; session-lane types either call a named Session method
// or fall through to Dispatch for everything the interface doesn't name
// directly.
func (e *Engine) buildHandlers() map[types.CommandType]Handler {
	h := make(map[types.CommandType]Handler, len(protocol.KnownCommands))

	for t := range protocol.ServerLaneCommands {
		h[t] = e.serverHandler()
	}

	h[types.CmdPrompt] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		return s.Prompt(ctx, stringField(cmd, "text"))
	})
	h[types.CmdSteer] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		return s.Steer(ctx, stringField(cmd, "text"))
	})
	h[types.CmdAbort] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		if err := s.Abort(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"aborted": true}, nil
	})
	h[types.CmdGetState] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		return s.State(ctx)
	})
	h[types.CmdGetMessages] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		return s.Messages(ctx)
	})
	h[types.CmdSetModel] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		model := stringField(cmd, "model")
		if err := s.SetModel(ctx, model); err != nil {
			return nil, err
		}
		return map[string]any{"model": model}, nil
	})
	h[types.CmdCompact] = e.sessionHandler(func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error) {
		return s.Compact(ctx)
	})

	h[types.CmdExtensionUIResponse] = func(ctx context.Context, cmd *types.Command) (any, error) {
		if e.ui == nil {
			return nil, fmt.Errorf("extension UI broker not configured")
		}
		requestID := stringField(cmd, "requestId")
		payload := cmd.Raw["payload"]
		if err := e.ui.Respond(requestID, payload); err != nil {
			return nil, err
		}
		return map[string]any{"acknowledged": true}, nil
	}

	// Every remaining session-lane type is a pass-through extension of
	// the opaque agent session: follow_up, cycle_model,
	// set_thinking_level, cycle_thinking_level, set_session_name,
	// abort_compaction, set_auto_compaction, set_auto_retry, abort_retry,
	// bash, abort_bash, get_available_models, get_commands, get_skills,
	// get_tools, list_session_files, get_session_stats, export_html,
	// new_session, switch_session_file, fork, get_fork_messages,
	// get_last_assistant_text, get_context_usage.
	for t := range protocol.KnownCommands {
		if protocol.IsServerCommand(t) {
			continue
		}
		if _, already := h[t]; already {
			continue
		}
		h[t] = e.dispatchHandler(t)
	}

	return h
}

func (e *Engine) serverHandler() Handler {
	return func(ctx context.Context, cmd *types.Command) (any, error) {
		return e.server.Handle(ctx, cmd)
	}
}

type sessionOp func(ctx context.Context, s agentsession.Session, cmd *types.Command) (any, error)

func (e *Engine) sessionHandler(op sessionOp) Handler {
	return func(ctx context.Context, cmd *types.Command) (any, error) {
		s, ok := e.sessions.Resolve(cmd.SessionID)
		if !ok {
			return nil, fmt.Errorf("session not found: %s", cmd.SessionID)
		}
		return op(ctx, s, cmd)
	}
}

func (e *Engine) dispatchHandler(cmdType types.CommandType) Handler {
	return func(ctx context.Context, cmd *types.Command) (any, error) {
		s, ok := e.sessions.Resolve(cmd.SessionID)
		if !ok {
			return nil, fmt.Errorf("session not found: %s", cmd.SessionID)
		}
		return s.Dispatch(ctx, string(cmdType), payloadOf(cmd))
	}
}
