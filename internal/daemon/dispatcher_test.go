package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpd-project/mcpd/internal/pool"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	p := pool.New(stubFactory(nil, 0))
	d := NewDispatcher(p, listener)
	go d.Serve()
	t.Cleanup(d.Stop)
	return d, socketPath
}

func roundTrip(t *testing.T, socketPath string, req protocol.ControlRequest) protocol.ControlResponse {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp protocol.ControlResponse
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestDispatcher_StartStopStatus(t *testing.T) {
	_, socketPath := newTestDispatcher(t)

	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "start", ServerCommand: "echo hi"})
	assert.True(t, resp.Success)

	resp = roundTrip(t, socketPath, protocol.ControlRequest{Command: "status"})
	assert.True(t, resp.Success)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 1, resp.ServerCount)

	id := resp.Servers[0]
	resp = roundTrip(t, socketPath, protocol.ControlRequest{Command: "stop", Server: id})
	assert.True(t, resp.Success)

	resp = roundTrip(t, socketPath, protocol.ControlRequest{Command: "status"})
	assert.Equal(t, 0, resp.ServerCount)
}

func TestDispatcher_UnknownCommandIsBadRequest(t *testing.T) {
	_, socketPath := newTestDispatcher(t)
	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "frobnicate"})
	assert.False(t, resp.Success)
	assert.Equal(t, "bad_request", resp.Kind)
}

func TestDispatcher_StartWithoutServerCommandFails(t *testing.T) {
	_, socketPath := newTestDispatcher(t)
	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "start"})
	assert.False(t, resp.Success)
}

func TestDispatcher_OversizeFrameRejected(t *testing.T) {
	_, socketPath := newTestDispatcher(t)

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	huge := `{"command":"call","tool":"x","arguments":"` + strings.Repeat("a", protocol.MaxFrameSize+10) + `"}` + "\n"
	_, err = conn.Write([]byte(huge))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 4096)
	if scanner.Scan() {
		var resp protocol.ControlResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "oversize", resp.Error)
	}
}

func TestDispatcher_LazyStartOnList(t *testing.T) {
	_, socketPath := newTestDispatcher(t)

	resp := roundTrip(t, socketPath, protocol.ControlRequest{
		Command:       "list",
		ServerCommand: "echo hi",
	})
	assert.True(t, resp.Success)

	resp = roundTrip(t, socketPath, protocol.ControlRequest{Command: "status"})
	assert.Equal(t, 1, resp.ServerCount)
}

func TestDispatcher_ShutdownSignalsSupervisor(t *testing.T) {
	d, socketPath := newTestDispatcher(t)

	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "shutdown"})
	assert.True(t, resp.Success)

	select {
	case <-d.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown signal was not observed")
	}
}
