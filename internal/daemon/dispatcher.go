// Package daemon implements the daemon-side components: Dispatcher (the
// control-socket server), Initializer (boot-time auto-start), Monitor
// (health-check restart), and Supervisor (process lifecycle).
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/errkind"
	"github.com/mcpd-project/mcpd/internal/logger"
	"github.com/mcpd-project/mcpd/internal/pool"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

// DefaultControlTimeout bounds commands that don't specify their own
// timeout_ms.
const DefaultControlTimeout = 5 * time.Second

var errOversizeFrame = errkind.New(errkind.Oversize, "request frame exceeded the 1 MiB limit")

// shutdownGrace bounds how long Dispatcher.Stop waits for in-flight
// connections to finish before returning.
const shutdownGrace = 5 * time.Second

// Dispatcher serves the control socket: accepts concurrent clients, reads
// one JSON request per connection, routes it to the Pool, writes one JSON
// response, and closes the connection. One goroutine per accepted
// connection; a slow or dead child blocks only the connections holding its
// session, never the accept loop.
type Dispatcher struct {
	pool *pool.Pool

	mu                 sync.Mutex
	listener           net.Listener
	stopping           bool
	inFlight           sync.WaitGroup
	shutdownSignal     chan struct{}
	shutdownRequested  bool
}

// NewDispatcher wraps an already-bound listener and the Pool it routes to.
func NewDispatcher(p *pool.Pool, listener net.Listener) *Dispatcher {
	return &Dispatcher{pool: p, listener: listener, shutdownSignal: make(chan struct{})}
}

// Serve accepts connections until Stop is called or the listener errors,
// and returns as soon as Accept fails; it does not wait for in-flight
// connections (Stop does that).
func (d *Dispatcher) Serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.mu.Lock()
			stopping := d.stopping
			d.mu.Unlock()
			if stopping {
				return
			}
			logger.Warnf("dispatcher accept error: %v", err)
			return
		}

		d.inFlight.Add(1)
		go func() {
			defer d.inFlight.Done()
			d.handleConn(conn)
		}()
	}
}

// Stop sets the "stop accepting" flag, closes the listener, and waits up
// to shutdownGrace for in-flight connections to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	d.listener.Close()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
	}
}

// ShutdownRequested returns a channel closed once a client has sent
// "shutdown", for the Supervisor to observe and begin process exit.
func (d *Dispatcher) ShutdownRequested() <-chan struct{} {
	return d.shutdownSignal
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	limited := &limitedReader{r: conn, limit: protocol.MaxFrameSize + 1}
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize+2)

	if !scanner.Scan() {
		if scanner.Err() == errOversizeFrame {
			writeJSON(conn, protocol.ControlResponse{Success: false, Error: "oversize", Kind: string(errkind.Oversize)})
		}
		return
	}
	line := scanner.Bytes()

	var req protocol.ControlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		writeJSON(conn, protocol.ControlResponse{Success: false, Error: "malformed request", Kind: string(errkind.BadRequest)})
		return
	}

	ctx, cancel := d.contextFor(&req)
	defer cancel()

	d.dispatch(ctx, conn, &req)
}

// contextFor builds the context a command's handler runs under. start,
// stop, status, and shutdown are fixed-cost pool/map operations and get
// DefaultControlTimeout. call, list, and list-all forward into a
// session's own tools/call (30s) or tools/list (10s) default, or a
// caller-supplied timeout_ms override, applied by MCPSession/WASMSession
// themselves (session.go, wasm.go); they must not inherit a shorter
// ceiling from here, or a 10s request would be cut off at 5s regardless
// of what the caller asked for.
func (d *Dispatcher) contextFor(req *protocol.ControlRequest) (context.Context, context.CancelFunc) {
	switch req.Command {
	case "call", "list", "list-all":
		return context.Background(), func() {}
	default:
		return context.WithTimeout(context.Background(), DefaultControlTimeout)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn net.Conn, req *protocol.ControlRequest) {
	switch req.Command {
	case "start":
		d.handleStart(ctx, conn, req)
	case "stop":
		d.handleStop(ctx, conn, req)
	case "call":
		d.handleCall(ctx, conn, req)
	case "list":
		d.handleList(ctx, conn, req)
	case "list-all":
		d.handleListAll(ctx, conn)
	case "status":
		d.handleStatus(conn)
	case "shutdown":
		d.handleShutdown(conn)
	default:
		writeJSON(conn, protocol.ControlResponse{Success: false, Error: "unknown command", Kind: string(errkind.BadRequest)})
	}
}

func resolveID(req *protocol.ControlRequest) (string, catalog.ServerSpec, error) {
	if req.ServerCommand == "" {
		if req.Server == "" {
			return "", catalog.ServerSpec{}, errkind.New(errkind.BadRequest, "server or server_command required")
		}
		return req.Server, catalog.ServerSpec{}, nil
	}
	command, args, err := catalog.ParseCommand(req.ServerCommand)
	if err != nil {
		return "", catalog.ServerSpec{}, errkind.Wrap(errkind.BadRequest, err.Error(), err)
	}
	spec := catalog.ServerSpec{Command: command, Args: args, AutoStart: false}
	id := req.Server
	if id == "" {
		id = spec.ID()
	}
	return id, spec, nil
}

func (d *Dispatcher) handleStart(ctx context.Context, conn net.Conn, req *protocol.ControlRequest) {
	id, spec, err := resolveID(req)
	if err != nil {
		writeErr(conn, err)
		return
	}
	if spec.Command == "" {
		writeJSON(conn, protocol.ControlResponse{Success: false, Error: "server_command required for start", Kind: string(errkind.BadRequest)})
		return
	}
	if err := d.pool.Start(ctx, id, spec, false); err != nil {
		writeErr(conn, err)
		return
	}
	writeJSON(conn, protocol.ControlResponse{Success: true})
}

func (d *Dispatcher) handleStop(ctx context.Context, conn net.Conn, req *protocol.ControlRequest) {
	if req.Server == "" {
		writeJSON(conn, protocol.ControlResponse{Success: false, Error: "server required for stop", Kind: string(errkind.BadRequest)})
		return
	}
	if err := d.pool.Stop(ctx, req.Server); err != nil {
		writeErr(conn, err)
		return
	}
	writeJSON(conn, protocol.ControlResponse{Success: true})
}

// lazyStart finds id in the pool or, if server_command was supplied,
// starts it on the fly with auto=false, per the dispatcher's lazy-start
// policy on call/list.
func (d *Dispatcher) lazyStart(ctx context.Context, req *protocol.ControlRequest) (string, error) {
	id, spec, err := resolveID(req)
	if err != nil {
		return "", err
	}
	if _, err := d.pool.Get(id); err == nil {
		return id, nil
	}
	if spec.Command == "" {
		return "", errkind.New(errkind.NotFound, "no such server: "+id)
	}
	if err := d.pool.Start(ctx, id, spec, false); err != nil {
		return "", err
	}
	return id, nil
}

func (d *Dispatcher) handleCall(ctx context.Context, conn net.Conn, req *protocol.ControlRequest) {
	id, err := d.lazyStart(ctx, req)
	if err != nil {
		writeErr(conn, err)
		return
	}
	sess, err := d.pool.Get(id)
	if err != nil {
		writeErr(conn, err)
		return
	}
	if req.Tool == "" {
		writeJSON(conn, protocol.ControlResponse{Success: false, Error: "tool required for call", Kind: string(errkind.BadRequest)})
		return
	}

	var timeout time.Duration
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := sess.CallTool(ctx, req.Tool, req.Arguments, timeout)
	if err != nil {
		writeErr(conn, err)
		return
	}
	writeJSON(conn, protocol.ControlResponse{Success: true, Result: json.RawMessage(result)})
}

func (d *Dispatcher) handleList(ctx context.Context, conn net.Conn, req *protocol.ControlRequest) {
	id, err := d.lazyStart(ctx, req)
	if err != nil {
		writeErr(conn, err)
		return
	}
	sess, err := d.pool.Get(id)
	if err != nil {
		writeErr(conn, err)
		return
	}

	var timeout time.Duration
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	tools, err := sess.ListTools(ctx, timeout)
	if err != nil {
		writeErr(conn, err)
		return
	}
	writeJSON(conn, protocol.ControlResponse{Success: true, Tools: tools})
}

func (d *Dispatcher) handleListAll(ctx context.Context, conn net.Conn) {
	ids := d.pool.ListIDs()
	servers := make(map[string]protocol.ServerToolSet, len(ids))
	total := 0
	for _, id := range ids {
		sess, err := d.pool.Get(id)
		if err != nil {
			continue
		}
		tools, err := sess.ListTools(ctx, 0)
		if err != nil {
			servers[id] = protocol.ServerToolSet{Tools: nil, ToolCount: 0}
			continue
		}
		servers[id] = protocol.ServerToolSet{Tools: tools, ToolCount: len(tools)}
		total += len(tools)
	}

	resp := protocol.ControlResponse{
		Success:     true,
		ServerTools: servers,
		ServerCount: len(ids),
		TotalTools:  total,
	}
	data, err := resp.MarshalListAll()
	if err != nil {
		writeErr(conn, errkind.Wrap(errkind.ProtocolError, err.Error(), err))
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

func (d *Dispatcher) handleStatus(conn net.Conn) {
	ids := d.pool.ListIDs()
	autoIDs := d.pool.AutoStartedIDs()
	autoSet := make(map[string]bool, len(autoIDs))
	for _, id := range autoIDs {
		autoSet[id] = true
	}

	var auto []protocol.AutoStartedInfo
	var onDemand []string
	for _, id := range ids {
		if autoSet[id] {
			auto = append(auto, protocol.AutoStartedInfo{ID: id, UptimeSeconds: d.pool.Uptime(id).Seconds()})
		} else {
			onDemand = append(onDemand, id)
		}
	}

	writeJSON(conn, protocol.ControlResponse{
		Success:     true,
		Status:      "running",
		Servers:     ids,
		ServerCount: len(ids),
		AutoStarted: auto,
		OnDemand:    onDemand,
	})
}

func (d *Dispatcher) handleShutdown(conn net.Conn) {
	writeJSON(conn, protocol.ControlResponse{Success: true})
	d.mu.Lock()
	already := d.shutdownRequested
	d.shutdownRequested = true
	d.mu.Unlock()
	if !already {
		close(d.shutdownSignal)
	}
}

func writeJSON(conn net.Conn, resp protocol.ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

func writeErr(conn net.Conn, err error) {
	kind := errkind.KindOf(err)
	writeJSON(conn, protocol.ControlResponse{Success: false, Error: err.Error(), Kind: string(kind)})
}

// limitedReader caps how many bytes a single frame read may consume,
// returning errOversizeFrame once the cap is exceeded.
type limitedReader struct {
	r     net.Conn
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, errOversizeFrame
	}
	if int64(len(p)) > l.limit-l.read {
		p = p[:l.limit-l.read]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
