package protocol

import "github.com/pimux/muxd/pkg/types"

// ServerLaneCommands run on the "server" lane: not bound to a session.
var ServerLaneCommands = map[types.CommandType]bool{
	types.CmdListSessions:       true,
	types.CmdCreateSession:      true,
	types.CmdDeleteSession:      true,
	types.CmdSwitchSession:      true,
	types.CmdGetMetrics:         true,
	types.CmdHealthCheck:        true,
	types.CmdListStoredSessions: true,
	types.CmdLoadSession:        true,
}

// IsServerCommand reports whether a command type runs on the server lane
// rather than session:<sessionId>.
func IsServerCommand(t types.CommandType) bool {
	return ServerLaneCommands[t]
}

// KnownCommands is the closed set of recognized command types. Anything
// else fails validation with "unknown command type".
var KnownCommands = map[types.CommandType]bool{
	types.CmdListSessions:       true,
	types.CmdCreateSession:      true,
	types.CmdDeleteSession:      true,
	types.CmdSwitchSession:      true,
	types.CmdGetMetrics:         true,
	types.CmdHealthCheck:        true,
	types.CmdListStoredSessions: true,
	types.CmdLoadSession:        true,

	types.CmdPrompt:               true,
	types.CmdSteer:                true,
	types.CmdFollowUp:             true,
	types.CmdAbort:                true,
	types.CmdGetState:             true,
	types.CmdGetMessages:          true,
	types.CmdSetModel:             true,
	types.CmdCycleModel:           true,
	types.CmdSetThinkingLevel:     true,
	types.CmdCycleThinkingLevel:   true,
	types.CmdSetSessionName:       true,
	types.CmdCompact:              true,
	types.CmdAbortCompaction:      true,
	types.CmdSetAutoCompaction:    true,
	types.CmdSetAutoRetry:         true,
	types.CmdAbortRetry:           true,
	types.CmdBash:                 true,
	types.CmdAbortBash:            true,
	types.CmdGetAvailableModels:   true,
	types.CmdGetCommands:          true,
	types.CmdGetSkills:            true,
	types.CmdGetTools:             true,
	types.CmdListSessionFiles:     true,
	types.CmdGetSessionStats:      true,
	types.CmdExportHTML:           true,
	types.CmdNewSession:           true,
	types.CmdSwitchSessionFile:    true,
	types.CmdFork:                 true,
	types.CmdGetForkMessages:      true,
	types.CmdGetLastAssistantText: true,
	types.CmdGetContextUsage:      true,
	types.CmdExtensionUIResponse:  true,
}

// Lane returns the lane key a command is routed to.
func Lane(cmd *types.Command) string {
	if IsServerCommand(cmd.Type) {
		return "server"
	}
	return "session:" + cmd.SessionID
}
