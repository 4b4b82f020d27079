// Package types defines the wire-level JSON shapes exchanged between
// clients and the multiplexer: commands, responses, events, and the
// session/record structures derived from them.
package types

import "encoding/json"

// CommandType is the closed set of command kinds the multiplexer accepts.
type CommandType string

// Server-lane commands: routed to the "server" lane, not tied to a session.
const (
	CmdListSessions       CommandType = "list_sessions"
	CmdCreateSession      CommandType = "create_session"
	CmdDeleteSession      CommandType = "delete_session"
	CmdSwitchSession      CommandType = "switch_session"
	CmdGetMetrics         CommandType = "get_metrics"
	CmdHealthCheck        CommandType = "health_check"
	CmdListStoredSessions CommandType = "list_stored_sessions"
	CmdLoadSession        CommandType = "load_session"
)

// Session-lane commands: routed to "session:<sessionId>".
const (
	CmdPrompt                CommandType = "prompt"
	CmdSteer                 CommandType = "steer"
	CmdFollowUp              CommandType = "follow_up"
	CmdAbort                 CommandType = "abort"
	CmdGetState              CommandType = "get_state"
	CmdGetMessages           CommandType = "get_messages"
	CmdSetModel              CommandType = "set_model"
	CmdCycleModel            CommandType = "cycle_model"
	CmdSetThinkingLevel      CommandType = "set_thinking_level"
	CmdCycleThinkingLevel    CommandType = "cycle_thinking_level"
	CmdSetSessionName        CommandType = "set_session_name"
	CmdCompact               CommandType = "compact"
	CmdAbortCompaction       CommandType = "abort_compaction"
	CmdSetAutoCompaction     CommandType = "set_auto_compaction"
	CmdSetAutoRetry          CommandType = "set_auto_retry"
	CmdAbortRetry            CommandType = "abort_retry"
	CmdBash                  CommandType = "bash"
	CmdAbortBash             CommandType = "abort_bash"
	CmdGetAvailableModels    CommandType = "get_available_models"
	CmdGetCommands           CommandType = "get_commands"
	CmdGetSkills             CommandType = "get_skills"
	CmdGetTools              CommandType = "get_tools"
	CmdListSessionFiles      CommandType = "list_session_files"
	CmdGetSessionStats       CommandType = "get_session_stats"
	CmdExportHTML            CommandType = "export_html"
	CmdNewSession            CommandType = "new_session"
	CmdSwitchSessionFile     CommandType = "switch_session_file"
	CmdFork                  CommandType = "fork"
	CmdGetForkMessages       CommandType = "get_fork_messages"
	CmdGetLastAssistantText  CommandType = "get_last_assistant_text"
	CmdGetContextUsage       CommandType = "get_context_usage"
	CmdExtensionUIResponse   CommandType = "extension_ui_response"
)

// ReservedIDPrefix is disallowed for client-supplied command IDs; it is
// reserved for synthetic IDs the engine mints for commands with no
// explicit ID (ephemeral, never persisted to the replay store).
const ReservedIDPrefix = "anon:"

// MaxDependsOn bounds the dependsOn set per command.
const MaxDependsOn = 32

// Command is the closed envelope every inbound message decodes into.
type Command struct {
	Type             CommandType     `json:"type"`
	ID               string          `json:"id,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	DependsOn        []string        `json:"dependsOn,omitempty"`
	IfSessionVersion *int64          `json:"ifSessionVersion,omitempty"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	Payload          json.RawMessage `json:"-"`

	// Raw carries the original decoded object so handlers can pull
	// type-specific fields without a second unmarshal pass, and so the
	// fingerprint function can hash "everything except id/idempotencyKey".
	Raw map[string]any `json:"-"`
}

// EffectiveID returns the command's ID, or a synthetic anon: ID if it has
// none. Synthetic IDs are never stored in the replay store's byId table.
func (c *Command) EffectiveID(synth func() string) string {
	if c.ID != "" {
		return c.ID
	}
	return ReservedIDPrefix + synth()
}

// IsSynthetic reports whether id was minted by the engine rather than
// supplied by the client.
func IsSynthetic(id string) bool {
	return len(id) >= len(ReservedIDPrefix) && id[:len(ReservedIDPrefix)] == ReservedIDPrefix
}
