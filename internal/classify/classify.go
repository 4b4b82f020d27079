// Package classify holds the two pure functions the execution engine
// consults per command type: which timeout budget applies, and whether a
// successful execution bumps the session version.
package classify

import "github.com/pimux/muxd/pkg/types"

// TimeoutClass is the budget bucket a command type falls into.
type TimeoutClass int

const (
	// None means no timer runs: either the command is a cancellable
	// stream holder (bash while running) handled by its own abort
	// command, or it's an abort itself.
	None TimeoutClass = iota
	Short
	Long
)

func (c TimeoutClass) String() string {
	switch c {
	case Short:
		return "short"
	case Long:
		return "long"
	default:
		return "none"
	}
}

var longRunning = map[types.CommandType]bool{
	types.CmdPrompt:    true,
	types.CmdSteer:     true,
	types.CmdFollowUp:  true,
	types.CmdCompact:   true,
}

var noTimer = map[types.CommandType]bool{
	types.CmdBash:            true,
	types.CmdAbort:           true,
	types.CmdAbortBash:       true,
	types.CmdAbortCompaction: true,
	types.CmdAbortRetry:      true,
}

// TimeoutClassOf returns the timeout budget for a command type. Pure reads
// are short; LLM-driven operations are long; cancellable stream holders
// and abort commands run without a timer.
func TimeoutClassOf(t types.CommandType) TimeoutClass {
	if noTimer[t] {
		return None
	}
	if longRunning[t] {
		return Long
	}
	return Short
}

var mutating = map[types.CommandType]bool{
	types.CmdPrompt:             true,
	types.CmdSteer:              true,
	types.CmdFollowUp:           true,
	types.CmdSetModel:           true,
	types.CmdCycleModel:         true,
	types.CmdSetThinkingLevel:   true,
	types.CmdCycleThinkingLevel: true,
	types.CmdSetSessionName:     true,
	types.CmdCompact:            true,
	types.CmdSetAutoCompaction:  true,
	types.CmdSetAutoRetry:       true,
	types.CmdBash:               true,
	types.CmdNewSession:         true,
	types.CmdSwitchSessionFile:  true,
	types.CmdFork:               true,
}

// Mutates reports whether a successful execution of this command type
// bumps sessionVersion. Reads never do; abort/get_* commands never do.
func Mutates(t types.CommandType) bool {
	return mutating[t]
}
