package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/daemonconfig"
	"github.com/mcpd-project/mcpd/internal/pool"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

func requireSocketReady(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestSupervisor_AlreadyRunningDetected(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	p := pool.New(stubFactory(nil, 0))
	d := NewDispatcher(p, listener)
	go d.Serve()
	t.Cleanup(d.Stop)

	cfg := daemonconfig.Default()
	cfg.SocketPath = socketPath
	cfg.Foreground = true
	sv := NewSupervisor(cfg, catalogWith(nil, nil))

	assert.Equal(t, ExitAlreadyRunning, sv.Run(context.Background()))
}

func TestSupervisor_StaleSocketFileIsReplaced(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0600))

	cfg := daemonconfig.Default()
	cfg.SocketPath = socketPath
	cfg.Foreground = true
	cfg.HealthCheckIntervalSeconds = 3600
	sv := NewSupervisor(cfg, catalogWith(nil, nil))

	done := make(chan int, 1)
	go func() { done <- sv.Run(context.Background()) }()

	requireSocketReady(t, socketPath)
	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "shutdown"})
	assert.True(t, resp.Success)

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit after shutdown")
	}
}

func TestSupervisor_BindErrorReturnsExitBindError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "no-such-dir", "mcpd.sock")

	cfg := daemonconfig.Default()
	cfg.SocketPath = socketPath
	cfg.Foreground = true
	sv := NewSupervisor(cfg, catalogWith(nil, nil))

	assert.Equal(t, ExitBindError, sv.Run(context.Background()))
}

func TestSupervisor_FullBootServeShutdownSignal(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")

	cfg := daemonconfig.Default()
	cfg.SocketPath = socketPath
	cfg.Foreground = true
	cfg.HealthCheckIntervalSeconds = 3600
	cat := catalogWith(map[string]catalog.ServerSpec{
		"a": {Command: "a", AutoStart: true},
	}, []string{"a"})
	sv := NewSupervisor(cfg, cat)
	sv.pool = pool.New(stubFactory(nil, 0))

	done := make(chan int, 1)
	go func() { done <- sv.Run(context.Background()) }()

	requireSocketReady(t, socketPath)

	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "status"})
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.ServerCount)

	resp = roundTrip(t, socketPath, protocol.ControlRequest{Command: "shutdown"})
	assert.True(t, resp.Success)

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket file should be unlinked on exit")
}

func TestSupervisor_NotForegroundAttemptsDetach(t *testing.T) {
	cfg := daemonconfig.Default()
	cfg.SocketPath = filepath.Join(t.TempDir(), "mcpd.sock")
	cfg.Foreground = false
	sv := NewSupervisor(cfg, catalogWith(nil, nil))

	os.Unsetenv(daemonizedEnvVar)
	origArgs := os.Args
	os.Args = []string{origArgs[0], "-test.run=^$"}
	defer func() { os.Args = origArgs }()
	code := sv.Run(context.Background())
	// detach() re-execs os.Executable() (the test binary) with os.Args[1:]
	// and the daemonized marker set; with -test.run=^$ the test binary
	// runs no tests and exits quickly without binding mcpd's socket, but
	// Run itself must still report ExitOK for the (successfully started)
	// parent leg.
	assert.Equal(t, ExitOK, code)
	_, err := os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "detached parent must not itself bind the socket")
}

func TestSupervisor_DaemonizedEnvSkipsDetach(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mcpd.sock")
	cfg := daemonconfig.Default()
	cfg.SocketPath = socketPath
	cfg.Foreground = false
	cfg.HealthCheckIntervalSeconds = 3600
	sv := NewSupervisor(cfg, catalogWith(nil, nil))

	t.Setenv(daemonizedEnvVar, "1")

	done := make(chan int, 1)
	go func() { done <- sv.Run(context.Background()) }()

	requireSocketReady(t, socketPath)
	resp := roundTrip(t, socketPath, protocol.ControlRequest{Command: "shutdown"})
	assert.True(t, resp.Success)

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestBuildDetachCommand(t *testing.T) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	require.NoError(t, err)
	defer devNull.Close()

	cmd := buildDetachCommand("/usr/local/bin/mcpd", []string{"-config", "x.toml"}, devNull)

	assert.Equal(t, "/usr/local/bin/mcpd", cmd.Path)
	assert.Equal(t, []string{"/usr/local/bin/mcpd", "-config", "x.toml"}, cmd.Args)
	assert.Same(t, devNull, cmd.Stdin)
	assert.Same(t, devNull, cmd.Stdout)
	assert.Same(t, devNull, cmd.Stderr)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setsid)

	found := false
	for _, e := range cmd.Env {
		if e == daemonizedEnvVar+"=1" {
			found = true
		}
	}
	assert.True(t, found, "child env must carry the daemonized marker")
}
