package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pimux/muxd/pkg/types"
)

// Decode parses a single JSON object frame into a Command. It preserves
// the original decoded map as Command.Raw so the fingerprint function and
// payload-specific handlers can access fields beyond the closed envelope
// without a second unmarshal pass.
func Decode(frame []byte) (*types.Command, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("not a single JSON object: %w", err)
	}

	var cmd types.Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command envelope: %w", err)
	}
	cmd.Raw = raw
	cmd.Payload = json.RawMessage(frame)

	return &cmd, nil
}

// Encode serializes any envelope (Response, LifecycleEvent, SessionEvent)
// to a single JSON object frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
