// Package client implements the transparent fallback Client used by the
// CLI: for call and list it tries the daemon's control socket first and,
// when the daemon cannot be reached, falls back to running an ephemeral
// session directly against the child. An error reported by a reachable
// daemon is returned as is.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/errkind"
	"github.com/mcpd-project/mcpd/internal/protocol"
	"github.com/mcpd-project/mcpd/internal/session"
)

// ProbeTimeout bounds the daemon-socket probe before forwarding a request.
const ProbeTimeout = 1 * time.Second

// Path records which branch a call actually took, surfaced only when
// Verbose is set.
type Path string

const (
	PathDaemon Path = "daemon"
	PathDirect Path = "direct"
)

// Client selects daemon or direct mode per call and returns identical
// result shapes from both.
type Client struct {
	SocketPath string
	NoDaemon   bool
	Verbose    bool
}

// New builds a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Result is the outcome of a Call or List, carrying the path taken so a
// caller may print it under --verbose.
type Result struct {
	Path  Path
	Tools []protocol.Tool
	Raw   json.RawMessage
}

// Call runs tools/call for name against the server identified by either id
// (an already-known ServerId or label) or serverCommand (a fully specified
// launch string used both for lazy daemon start and the direct fallback).
func (c *Client) Call(ctx context.Context, id, serverCommand, name string, arguments json.RawMessage, timeout time.Duration) (Result, error) {
	if !c.NoDaemon {
		if res, ok, err := c.callDaemon(ctx, id, serverCommand, name, arguments, timeout); ok {
			return res, err
		}
	}
	raw, err := c.callDirect(ctx, serverCommand, name, arguments, timeout)
	return Result{Path: PathDirect, Raw: raw}, err
}

// List runs tools/list against the server identified the same way as Call.
func (c *Client) List(ctx context.Context, id, serverCommand string, timeout time.Duration) (Result, error) {
	if !c.NoDaemon {
		if res, ok, err := c.listDaemon(ctx, id, serverCommand, timeout); ok {
			return res, err
		}
	}
	tools, err := c.listDirect(ctx, serverCommand, timeout)
	return Result{Path: PathDirect, Tools: tools}, err
}

// callDaemon attempts the daemon path. The second return value is false
// when the daemon was unreachable or unresponsive and the caller should
// fall back to direct mode; once the connection for the real request is
// open, it is always true, per the at-most-one-fallback rule.
func (c *Client) callDaemon(ctx context.Context, id, serverCommand, name string, arguments json.RawMessage, timeout time.Duration) (Result, bool, error) {
	if !c.probeAlive() {
		return Result{}, false, nil
	}

	req := protocol.ControlRequest{
		Command:       "call",
		Server:        id,
		ServerCommand: serverCommand,
		Tool:          name,
		Arguments:     arguments,
	}
	if timeout > 0 {
		req.TimeoutMs = int(timeout / time.Millisecond)
	}

	conn, err := net.DialTimeout("unix", c.SocketPath, ProbeTimeout)
	if err != nil {
		return Result{}, false, nil
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	resp, err := sendRequest(conn, req)
	if err != nil {
		return Result{}, true, errkind.Classify(err)
	}
	if !resp.Success {
		return Result{}, true, errkind.New(errkind.Kind(resp.Kind), resp.Error)
	}
	return Result{Path: PathDaemon, Raw: resp.Result}, true, nil
}

func (c *Client) listDaemon(ctx context.Context, id, serverCommand string, timeout time.Duration) (Result, bool, error) {
	if !c.probeAlive() {
		return Result{}, false, nil
	}

	req := protocol.ControlRequest{
		Command:       "list",
		Server:        id,
		ServerCommand: serverCommand,
	}
	if timeout > 0 {
		req.TimeoutMs = int(timeout / time.Millisecond)
	}

	conn, err := net.DialTimeout("unix", c.SocketPath, ProbeTimeout)
	if err != nil {
		return Result{}, false, nil
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	resp, err := sendRequest(conn, req)
	if err != nil {
		return Result{}, true, errkind.Classify(err)
	}
	if !resp.Success {
		return Result{}, true, errkind.New(errkind.Kind(resp.Kind), resp.Error)
	}
	return Result{Path: PathDaemon, Tools: resp.Tools}, true, nil
}

// Raw sends req straight to the daemon, with no direct-mode fallback: it
// is used for commands (status, start, stop, shutdown) that only make
// sense against a running daemon.
func (c *Client) Raw(ctx context.Context, req protocol.ControlRequest, timeout time.Duration) (protocol.ControlResponse, error) {
	if timeout > 0 {
		req.TimeoutMs = int(timeout / time.Millisecond)
	}
	return c.send(ctx, req)
}

// ListAll sends a list-all command, decoding its distinct wire shape.
func (c *Client) ListAll(ctx context.Context) (protocol.ListAllResponse, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, ProbeTimeout)
	if err != nil {
		return protocol.ListAllResponse{}, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	data, err := json.Marshal(protocol.ControlRequest{Command: "list-all"})
	if err != nil {
		return protocol.ListAllResponse{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return protocol.ListAllResponse{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize+2)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return protocol.ListAllResponse{}, err
		}
		return protocol.ListAllResponse{}, fmt.Errorf("connection closed before response")
	}

	var resp protocol.ListAllResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return protocol.ListAllResponse{}, err
	}
	return resp, nil
}

// probeAlive opens its own connection, confirming the daemon is actually
// responsive by sending a status command, then closes it: the dispatcher
// serves exactly one request per connection, so the real request always
// needs a fresh connection regardless of how the probe went. A socket
// that exists but doesn't answer (ENOENT, connection refused, timeout,
// malformed payload) is treated identically to a missing daemon.
func (c *Client) probeAlive() bool {
	conn, err := net.DialTimeout("unix", c.SocketPath, ProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ProbeTimeout))

	resp, err := sendRequest(conn, protocol.ControlRequest{Command: "status"})
	if err != nil {
		return false
	}
	return resp.Success && resp.Status == "running"
}

// send opens a fresh connection, writes req, and reads the single response
// line the dispatcher returns before closing its end.
func (c *Client) send(ctx context.Context, req protocol.ControlRequest) (protocol.ControlResponse, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, ProbeTimeout)
	if err != nil {
		return protocol.ControlResponse{}, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	return sendRequest(conn, req)
}

// applyDeadline sets conn's deadline from ctx, when ctx carries one,
// covering the forwarded request's round trip from the caller's side.
func applyDeadline(ctx context.Context, conn net.Conn) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
}

func sendRequest(conn net.Conn, req protocol.ControlRequest) (protocol.ControlResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.ControlResponse{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return protocol.ControlResponse{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize+2)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return protocol.ControlResponse{}, err
		}
		return protocol.ControlResponse{}, fmt.Errorf("connection closed before response")
	}

	var resp protocol.ControlResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return protocol.ControlResponse{}, err
	}
	return resp, nil
}

// callDirect constructs an ephemeral session directly from serverCommand,
// runs the call, and stops the session regardless of outcome.
func (c *Client) callDirect(ctx context.Context, serverCommand, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	sess, err := c.ephemeralSession(serverCommand)
	if err != nil {
		return nil, err
	}
	defer sess.Stop(context.Background())

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, name, arguments, timeout)
}

func (c *Client) listDirect(ctx context.Context, serverCommand string, timeout time.Duration) ([]protocol.Tool, error) {
	sess, err := c.ephemeralSession(serverCommand)
	if err != nil {
		return nil, err
	}
	defer sess.Stop(context.Background())

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess.ListTools(ctx, timeout)
}

func (c *Client) ephemeralSession(serverCommand string) (session.Sessioner, error) {
	command, args, err := catalog.ParseCommand(serverCommand)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadRequest, err.Error(), err)
	}
	spec := catalog.ServerSpec{Command: command, Args: args}
	return session.New(spec.ID(), spec), nil
}
