// Package validate implements structural admission checks: the first gate
// every inbound frame passes through before it reaches the session
// manager. Failures never emit lifecycle events — they are not admitted.
package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/pkg/types"
)

var (
	sessionIDPattern   = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	requestIDPattern   = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	maxRequestIDLength = 256
)

// Config bounds validator behavior; zero values fall back to the spec's
// defaults via Defaults().
type Config struct {
	MaxMessageBytes int
	AllowedRoots    []string // absolute directory prefixes for load_session
}

// Defaults returns the spec's default validator configuration.
func Defaults() Config {
	return Config{
		MaxMessageBytes: 10 * 1024 * 1024,
	}
}

// Validator performs structural admission checks on inbound frames.
type Validator struct {
	cfg Config
}

// New creates a Validator with the given configuration.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// CheckFrameSize rejects oversize frames before they are even parsed.
func (v *Validator) CheckFrameSize(frameLen int) error {
	max := v.cfg.MaxMessageBytes
	if max <= 0 {
		max = Defaults().MaxMessageBytes
	}
	if frameLen > max {
		return fmt.Errorf("frame exceeds max message size of %d bytes", max)
	}
	return nil
}

// CheckCommand validates a decoded command's structural invariants. It
// does not consult any runtime state (sessions, rate limits, etc.) — those
// are admission/resource checks performed later by the engine.
func (v *Validator) CheckCommand(cmd *types.Command) error {
	if cmd.Type == "" {
		return fmt.Errorf("missing command type")
	}
	if !protocol.KnownCommands[cmd.Type] {
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	if cmd.ID != "" && types.IsSynthetic(cmd.ID) {
		return fmt.Errorf("id must not use the reserved %q prefix", types.ReservedIDPrefix)
	}
	if cmd.SessionID != "" {
		if err := checkSessionID(cmd.SessionID); err != nil {
			return err
		}
	}
	if !protocol.IsServerCommand(cmd.Type) && cmd.SessionID == "" {
		return fmt.Errorf("%s requires sessionId", cmd.Type)
	}
	if len(cmd.DependsOn) > types.MaxDependsOn {
		return fmt.Errorf("dependsOn exceeds max of %d", types.MaxDependsOn)
	}

	if cmd.Type == types.CmdLoadSession {
		if err := v.checkLoadSessionPath(cmd.Raw); err != nil {
			return err
		}
	}

	if cmd.Type == types.CmdExtensionUIResponse {
		if err := checkRequestID(cmd.Raw); err != nil {
			return err
		}
	}

	return nil
}

func checkSessionID(id string) error {
	if strings.Contains(id, "..") || strings.HasPrefix(id, "~") || strings.ContainsRune(id, 0) {
		return fmt.Errorf("sessionId contains disallowed traversal sequence")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("sessionId must match [A-Za-z0-9._-]+")
	}
	return nil
}

func (v *Validator) checkLoadSessionPath(raw map[string]any) error {
	pathVal, _ := raw["path"].(string)
	if pathVal == "" {
		return fmt.Errorf("load_session requires path")
	}
	if !filepath.IsAbs(pathVal) {
		return fmt.Errorf("load_session path must be absolute")
	}
	if strings.Contains(pathVal, "..") {
		return fmt.Errorf("load_session path contains traversal sequence")
	}
	if !strings.HasSuffix(pathVal, ".json") && !strings.HasSuffix(pathVal, ".jsonl") {
		return fmt.Errorf("load_session path must end in .json or .jsonl")
	}

	clean := filepath.Clean(pathVal)
	for _, root := range v.cfg.AllowedRoots {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return nil
		}
	}
	return fmt.Errorf("load_session path is not under an allowed root")
}

func checkRequestID(raw map[string]any) error {
	id, _ := raw["requestId"].(string)
	if id == "" {
		return fmt.Errorf("extension_ui_response requires requestId")
	}
	if len(id) > maxRequestIDLength {
		return fmt.Errorf("requestId exceeds max length of %d", maxRequestIDLength)
	}
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("requestId must match [A-Za-z0-9:_-]+")
	}
	return nil
}
