package session

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/errkind"
)

// echoServerScript is a minimal MCP server implemented as a shell one-liner
// run through `sh -c`: it answers initialize, tools/list, and tools/call
// for an "echo" tool by reflecting back the arguments it was given. It
// exists purely so these tests exercise MCPSession's real stdio/JSON path
// without depending on a network fetch or an external binary.
const echoServerScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  if [ "$method" = "initialize" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
  elif [ "$method" = "tools/list" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes"}]}}\n' "$id"
  elif [ "$method" = "tools/call" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
  fi
done
`

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newEchoSession(t *testing.T) *MCPSession {
	t.Helper()
	requireSh(t)
	spec := catalog.ServerSpec{Command: "sh", Args: []string{"-c", echoServerScript}}
	s := New(spec.ID(), spec)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestMCPSession_HandshakeThenListTools(t *testing.T) {
	s := newEchoSession(t)
	assert.True(t, s.Alive())

	tools, err := s.ListTools(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestMCPSession_CallTool(t *testing.T) {
	s := newEchoSession(t)
	raw, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), 2*time.Second)
	require.NoError(t, err)

	var result struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.OK)
}

func TestMCPSession_ConcurrentCalls(t *testing.T) {
	s := newEchoSession(t)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{}`), 2*time.Second)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestMCPSession_StopIsIdempotent(t *testing.T) {
	s := newEchoSession(t)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Alive())
}

func TestMCPSession_SpawnErrorForMissingCommand(t *testing.T) {
	spec := catalog.ServerSpec{Command: "mcpd-test-no-such-binary-xyz"}
	s := New(spec.ID(), spec)
	err := s.Start(context.Background())
	require.Error(t, err)
	e, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.SpawnError, e.Kind)
}

func TestMCPSession_HandshakeTimeout(t *testing.T) {
	requireSh(t)
	// A child that never answers initialize: handshake must fail with
	// protocol_error once HandshakeTimeout elapses, not hang forever.
	spec := catalog.ServerSpec{Command: "sh", Args: []string{"-c", "sleep 30"}}
	s := New(spec.ID(), spec)

	start := time.Now()
	err := s.Start(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	e, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.ProtocolError, e.Kind)
	assert.Less(t, elapsed, HandshakeTimeout+2*time.Second)
}

func TestMCPSession_ChildDeadFailsPendingCalls(t *testing.T) {
	requireSh(t)
	// Answers initialize, then exits instead of answering tools/call: every
	// caller blocked on a pending response must observe child_dead rather
	// than hang.
	script := `
read -r line
id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
exit 0
`
	spec := catalog.ServerSpec{Command: "sh", Args: []string{"-c", script}}
	s := New(spec.ID(), spec)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{}`), 5*time.Second)
	require.Error(t, err)
	e, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.ChildDead, e.Kind)
}
