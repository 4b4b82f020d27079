// Package protocol implements the wire-level command/response/event
// contract: decoding inbound frames into types.Command, and computing a
// command's fingerprint — its semantic identity excluding retry identity.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pimux/muxd/pkg/types"
)

// Fingerprint is a deterministic byte string derived from a command,
// excluding id and idempotencyKey. Two commands with identical
// fingerprints are semantically equivalent; any other payload difference
// breaks equivalence.
type Fingerprint string

// Compute derives the fingerprint of a command. It is total (never errors)
// and stable across the process lifetime: the same logical command always
// produces the same fingerprint, independent of map iteration order.
func Compute(cmd *types.Command) Fingerprint {
	fields := make(map[string]any, len(cmd.Raw))
	for k, v := range cmd.Raw {
		if k == "id" || k == "idempotencyKey" {
			continue
		}
		fields[k] = v
	}

	canonical := canonicalize(fields)
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonicalize only ever produces JSON-marshalable values sourced
		// from a prior json.Unmarshal, so this is unreachable in practice.
		data = []byte(err.Error())
	}

	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// canonicalize recursively sorts map keys so that json.Marshal — which
// already sorts map[string]any keys — produces identical bytes for
// identical logical content regardless of decode-time ordering. Go's
// encoding/json already sorts map keys on marshal, so this mainly
// normalizes nested structures consistently and documents the invariant.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}
