package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/daemonconfig"
	"github.com/mcpd-project/mcpd/internal/logger"
	"github.com/mcpd-project/mcpd/internal/pool"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

// daemonizedEnvVar marks a re-exec'd child as already detached, so it
// proceeds straight to the boot sequence instead of detaching again.
const daemonizedEnvVar = "MCPD_DAEMONIZED"

// Exit codes documented for cmd/mcpd/main.go's os.Exit.
const (
	ExitOK             = 0
	ExitInitFailure    = 1
	ExitAlreadyRunning = 2
	ExitBindError      = 3
)

// probeTimeout bounds the stale-socket liveness probe.
const probeTimeout = 500 * time.Millisecond

// Supervisor owns the daemon process's lifecycle: single-instance
// enforcement, bind/listen, signal handling, and the Initializer ->
// Monitor -> Dispatcher wiring order.
type Supervisor struct {
	cfg     daemonconfig.Config
	catalog *catalog.Catalog
	pool    *pool.Pool
}

// NewSupervisor builds a Supervisor for cfg and the already-loaded,
// validated catalog.
func NewSupervisor(cfg daemonconfig.Config, cat *catalog.Catalog) *Supervisor {
	return &Supervisor{cfg: cfg, catalog: cat, pool: pool.New(pool.DefaultFactory)}
}

// Run executes the full boot sequence and blocks until shutdown, returning
// one of the documented exit codes. Unless cfg.Foreground is set, it first
// detaches from the controlling terminal and returns immediately, leaving
// the actual boot sequence to the detached child.
func (sv *Supervisor) Run(ctx context.Context) int {
	if !sv.cfg.Foreground && os.Getenv(daemonizedEnvVar) == "" {
		if err := sv.detach(); err != nil {
			logger.Errorf("supervisor: failed to detach from terminal: %v", err)
			return ExitBindError
		}
		return ExitOK
	}

	socketPath := sv.cfg.SocketPath

	if probeSocket(socketPath) {
		logger.Errorf("supervisor: socket %s is already in use by a running daemon", socketPath)
		return ExitAlreadyRunning
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		logger.Errorf("supervisor: failed to bind %s: %v", socketPath, err)
		return ExitBindError
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		logger.Warnf("supervisor: failed to restrict socket permissions: %v", err)
	}
	defer os.Remove(socketPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ini := NewInitializer(sv.pool, sv.cfg)
	result, err := ini.Run(runCtx, sv.catalog)
	if err != nil {
		logger.Errorf("supervisor: %v", err)
		listener.Close()
		sv.pool.StopAll(context.Background())
		return ExitInitFailure
	}
	logger.Infof("supervisor: boot complete, %d/%d auto-start servers running", result.Successful, result.Total)

	interval := time.Duration(sv.cfg.HealthCheckIntervalSeconds) * time.Second
	monitor := NewMonitor(sv.pool, interval)
	go monitor.Run(runCtx)

	dispatcher := NewDispatcher(sv.pool, listener)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveDone := make(chan struct{})
	go func() {
		dispatcher.Serve()
		close(serveDone)
	}()

	select {
	case <-sigCh:
		logger.Infof("supervisor: received shutdown signal")
	case <-dispatcher.ShutdownRequested():
		logger.Infof("supervisor: shutdown requested over control socket")
	case <-serveDone:
		logger.Warnf("supervisor: dispatcher exited unexpectedly")
	}

	dispatcher.Stop()
	monitor.Stop()
	sv.pool.StopAll(context.Background())

	return ExitOK
}

// detach re-execs the current binary into a new session with stdio
// redirected to /dev/null, then returns once the child has started. Go
// does not expose a raw fork(2), so this self-re-exec plus setsid is the
// standard equivalent of the classic double-fork daemonize.
func (sv *Supervisor) detach() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := buildDetachCommand(exe, os.Args[1:], devNull)
	if err := cmd.Start(); err != nil {
		return err
	}
	logger.Infof("supervisor: detached, child pid %d", cmd.Process.Pid)
	return cmd.Process.Release()
}

// buildDetachCommand constructs the re-exec Cmd used by detach, split out
// so its wiring (session detach, stdio redirection, the daemonized marker)
// can be checked without actually starting a process.
func buildDetachCommand(exe string, args []string, devNull *os.File) *exec.Cmd {
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonizedEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

// probeSocket reports whether path names a live daemon: the file exists
// and responds to a status command within probeTimeout. A file that
// exists but does not respond is stale and safe to unlink.
func probeSocket(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(probeTimeout))

	req := protocol.ControlRequest{Command: "status"}
	data, err := json.Marshal(req)
	if err != nil {
		return false
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return false
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return false
	}

	var resp protocol.ControlResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return false
	}
	return resp.Success && resp.Status == "running"
}
