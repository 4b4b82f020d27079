package types

// LifecycleType is the closed set of global lifecycle events the
// multiplexer emits outside of per-session agent event forwarding.
type LifecycleType string

const (
	EventCommandAccepted LifecycleType = "command_accepted"
	EventCommandStarted  LifecycleType = "command_started"
	EventCommandFinished LifecycleType = "command_finished"
	EventServerReady     LifecycleType = "server_ready"
	EventServerShutdown  LifecycleType = "server_shutdown"
	EventSessionCreated  LifecycleType = "session_created"
	EventSessionDeleted  LifecycleType = "session_deleted"
)

// LifecycleEvent is a global event, not scoped to a single session's
// subscriber set (it is broadcast to every connection).
type LifecycleEvent struct {
	Type LifecycleType `json:"type"`
	Data any           `json:"data"`
}

// CommandFinishedData is the payload of a command_finished lifecycle event.
type CommandFinishedData struct {
	CommandID      string `json:"commandId"`
	CommandType    string `json:"commandType"`
	SessionID      string `json:"sessionId,omitempty"`
	Success        bool   `json:"success"`
	SessionVersion *int64 `json:"sessionVersion,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CommandAcceptedData is the payload of a command_accepted lifecycle event.
type CommandAcceptedData struct {
	CommandID   string `json:"commandId"`
	CommandType string `json:"commandType"`
	SessionID   string `json:"sessionId,omitempty"`
}

// CommandStartedData is the payload of a command_started lifecycle event.
type CommandStartedData struct {
	CommandID   string `json:"commandId"`
	CommandType string `json:"commandType"`
	SessionID   string `json:"sessionId,omitempty"`
}

// ServerReadyData is sent once per new connection as the handshake.
type ServerReadyData struct {
	ServerVersion   string   `json:"serverVersion"`
	ProtocolVersion string   `json:"protocolVersion"`
	Transports      []string `json:"transports"`
}

// SessionLifecycleData is the payload of session_created/session_deleted.
type SessionLifecycleData struct {
	SessionID string `json:"sessionId"`
}

// SessionEvent wraps an opaque agent-emitted event for the subscribers of
// one session.
type SessionEvent struct {
	Type      string `json:"type"` // always "event"
	SessionID string `json:"sessionId"`
	Event     any    `json:"event"`
}

// ExtensionUIRequestData is broadcast as a SessionEvent when the agent asks
// the client for input.
type ExtensionUIRequestData struct {
	RequestID string `json:"requestId"`
	Method    string `json:"method"` // select|confirm|input|editor|interview
	Payload   any    `json:"payload,omitempty"`
}
