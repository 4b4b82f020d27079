package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/pkg/types"
)

func decode(t *testing.T, js string) *types.Command {
	t.Helper()
	cmd, err := protocol.Decode([]byte(js))
	require.NoError(t, err)
	return cmd
}

func TestCheckCommand_UnknownType(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{"type":"not_a_real_command"}`)
	assert.Error(t, v.CheckCommand(cmd))
}

func TestCheckCommand_MissingType(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{}`)
	assert.Error(t, v.CheckCommand(cmd))
}

func TestCheckCommand_ReservedIDPrefix(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{"type":"get_state","sessionId":"s1","id":"anon:hack"}`)
	assert.Error(t, v.CheckCommand(cmd))
}

func TestCheckCommand_SessionIDTraversal(t *testing.T) {
	v := New(Defaults())
	for _, id := range []string{"../etc", "~root", "s1/../s2"} {
		cmd := decode(t, `{"type":"get_state","sessionId":"`+id+`"}`)
		assert.Error(t, v.CheckCommand(cmd), "sessionId=%s", id)
	}
}

func TestCheckCommand_ValidSessionID(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{"type":"get_state","sessionId":"s1.abc-2_3"}`)
	assert.NoError(t, v.CheckCommand(cmd))
}

func TestCheckCommand_SessionScopedRequiresSessionID(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{"type":"prompt"}`)
	assert.Error(t, v.CheckCommand(cmd))
}

func TestCheckCommand_ServerCommandNoSessionIDNeeded(t *testing.T) {
	v := New(Defaults())
	cmd := decode(t, `{"type":"list_sessions"}`)
	assert.NoError(t, v.CheckCommand(cmd))
}

func TestCheckCommand_DependsOnTooLong(t *testing.T) {
	v := New(Defaults())
	deps := make([]string, 33)
	for i := range deps {
		deps[i] = "\"d\""
	}
	js := `{"type":"prompt","sessionId":"s1","dependsOn":[`
	for i, d := range deps {
		if i > 0 {
			js += ","
		}
		js += d
	}
	js += `]}`
	cmd := decode(t, js)
	assert.Error(t, v.CheckCommand(cmd))
}

func TestCheckCommand_LoadSessionPath(t *testing.T) {
	v := New(Config{AllowedRoots: []string{"/home/user/.pi/agent/sessions"}})

	ok := decode(t, `{"type":"load_session","path":"/home/user/.pi/agent/sessions/a.json"}`)
	assert.NoError(t, v.CheckCommand(ok))

	relative := decode(t, `{"type":"load_session","path":"sessions/a.json"}`)
	assert.Error(t, v.CheckCommand(relative))

	wrongSuffix := decode(t, `{"type":"load_session","path":"/home/user/.pi/agent/sessions/a.txt"}`)
	assert.Error(t, v.CheckCommand(wrongSuffix))

	outsideRoot := decode(t, `{"type":"load_session","path":"/etc/passwd.json"}`)
	assert.Error(t, v.CheckCommand(outsideRoot))

	traversal := decode(t, `{"type":"load_session","path":"/home/user/.pi/agent/sessions/../../../etc/a.json"}`)
	assert.Error(t, v.CheckCommand(traversal))
}

func TestCheckCommand_ExtensionUIResponseRequestID(t *testing.T) {
	v := New(Defaults())

	ok := decode(t, `{"type":"extension_ui_response","sessionId":"s1","requestId":"s1:123:abc"}`)
	assert.NoError(t, v.CheckCommand(ok))

	badChars := decode(t, `{"type":"extension_ui_response","sessionId":"s1","requestId":"bad request!"}`)
	assert.Error(t, v.CheckCommand(badChars))

	missing := decode(t, `{"type":"extension_ui_response","sessionId":"s1"}`)
	assert.Error(t, v.CheckCommand(missing))
}

func TestCheckFrameSize(t *testing.T) {
	v := New(Config{MaxMessageBytes: 100})
	assert.NoError(t, v.CheckFrameSize(50))
	assert.Error(t, v.CheckFrameSize(200))
}
