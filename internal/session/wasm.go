package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/errkind"
	"github.com/mcpd-project/mcpd/internal/logger"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

// WASMSession runs an MCP server compiled to WASM in-process via wazero,
// wired to in-memory stdin/stdout pipes so its request/response demux
// mirrors MCPSession's: one id-keyed pending map, one reader goroutine.
//
// This is the supplemented Runtime.WASM backend: a catalog ServerSpec with
// Runtime == RuntimeWASM is instantiated here instead of spawning an OS
// process.
type WASMSession struct {
	id   string
	spec catalog.ServerSpec

	runtime wazero.Runtime
	module  wazero.CompiledModule

	stdinR, stdoutR *io.PipeReader
	stdinW, stdoutW *io.PipeWriter

	writerLock sync.Mutex
	nextID     int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingSlot

	mu          sync.RWMutex
	initialized bool
	dead        bool
	startTime   time.Time

	cancel context.CancelFunc
}

// NewWASM constructs a WASMSession for id/spec. spec.WASMPath must point at
// a compiled WASM module implementing the MCP stdio protocol.
func NewWASM(id string, spec catalog.ServerSpec) *WASMSession {
	return &WASMSession{id: id, spec: spec, pending: make(map[int64]*pendingSlot)}
}

func (w *WASMSession) ID() string              { return w.id }
func (w *WASMSession) Spec() catalog.ServerSpec { return w.spec }
func (w *WASMSession) StartTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.startTime
}

func (w *WASMSession) Alive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.initialized && !w.dead
}

// Start compiles and instantiates the module, wiring its stdio to in-memory
// pipes, then performs the same initialize handshake the stdio backend does.
func (w *WASMSession) Start(ctx context.Context) error {
	data, err := os.ReadFile(w.spec.WASMPath)
	if err != nil {
		return errkind.Wrap(errkind.SpawnError, fmt.Sprintf("read wasm module: %v", err), err)
	}

	rtCtx, cancel := context.WithCancel(context.Background())
	w.runtime = wazero.NewRuntime(rtCtx)
	if _, err := wasi_snapshot_preview1.Instantiate(rtCtx, w.runtime); err != nil {
		cancel()
		return errkind.Wrap(errkind.SpawnError, fmt.Sprintf("instantiate wasi: %v", err), err)
	}

	mod, err := w.runtime.CompileModule(rtCtx, data)
	if err != nil {
		cancel()
		return errkind.Wrap(errkind.SpawnError, fmt.Sprintf("compile wasm module: %v", err), err)
	}
	w.module = mod
	w.cancel = cancel

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w.stdinR, w.stdinW = inR, inW
	w.stdoutR, w.stdoutW = outR, outW

	config := wazero.NewModuleConfig().
		WithStdin(inR).
		WithStdout(outW).
		WithStderr(os.Stderr).
		WithArgs("mcp-tool")
	for k, v := range w.spec.Env {
		config = config.WithEnv(k, v)
	}

	go func() {
		defer outW.Close()
		if _, err := w.runtime.InstantiateModule(rtCtx, mod, config); err != nil {
			logger.Errorf("wasm session %s exited: %v", w.id, err)
		}
	}()

	go w.readLoop(outR)

	handshakeCtx, hcancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer hcancel()
	if _, err := w.request(handshakeCtx, "initialize", map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "mcpd", "version": "1"},
	}); err != nil {
		w.killNoWait()
		if handshakeCtx.Err() != nil {
			return errkind.New(errkind.ProtocolError, "handshake timed out")
		}
		return errkind.Wrap(errkind.ProtocolError, fmt.Sprintf("handshake failed: %v", err), err)
	}

	w.mu.Lock()
	w.initialized = true
	w.startTime = time.Now()
	w.mu.Unlock()
	return nil
}

func (w *WASMSession) ListTools(ctx context.Context, timeout time.Duration) ([]protocol.Tool, error) {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := w.request(cctx, "tools/list", nil)
	if err != nil {
		return nil, w.classify(cctx, err)
	}
	var result struct {
		Tools []protocol.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, err.Error(), err)
	}
	return result.Tools, nil
}

func (w *WASMSession) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if arguments == nil {
		arguments = json.RawMessage("{}")
	}
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: arguments}
	raw, err := w.request(cctx, "tools/call", params)
	if err != nil {
		if e, ok := errkind.As(err); ok && e.Kind == errkind.ProtocolError {
			return nil, errkind.Wrap(errkind.ToolError, e.Message, e.Cause)
		}
		return nil, w.classify(cctx, err)
	}
	return raw, nil
}

func (w *WASMSession) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errkind.New(errkind.Timeout, "deadline expired awaiting response")
	}
	w.mu.RLock()
	dead := w.dead
	w.mu.RUnlock()
	if dead {
		return errkind.New(errkind.ChildDead, "wasm module has exited")
	}
	return errkind.Classify(err)
}

func (w *WASMSession) Stop(ctx context.Context) error {
	w.mu.Lock()
	alreadyDead := w.dead
	w.mu.Unlock()
	if alreadyDead {
		return nil
	}
	w.killNoWait()
	return nil
}

func (w *WASMSession) killNoWait() {
	if w.stdinW != nil {
		w.stdinW.Close()
	}
	if w.runtime != nil {
		w.runtime.Close(context.Background())
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.markDead(errkind.New(errkind.ChildDead, "wasm module stopped"))
}

func (w *WASMSession) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&w.nextID, 1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadRequest, err.Error(), err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadRequest, err.Error(), err)
	}
	line = append(line, '\n')

	slot := &pendingSlot{done: make(chan struct{})}
	w.pendingMu.Lock()
	w.pending[id] = slot
	w.pendingMu.Unlock()

	w.writerLock.Lock()
	_, werr := w.stdinW.Write(line)
	w.writerLock.Unlock()
	if werr != nil {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
		return nil, errkind.Wrap(errkind.ChildDead, werr.Error(), werr)
	}

	select {
	case <-slot.done:
		return slot.resp, slot.err
	case <-ctx.Done():
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (w *WASMSession) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if !resp.HasID() {
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}
		w.pendingMu.Lock()
		slot, ok := w.pending[id]
		if ok {
			delete(w.pending, id)
		}
		w.pendingMu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			slot.err = errkind.New(errkind.ProtocolError, resp.Error.Message)
		} else {
			slot.resp = resp.Result
		}
		close(slot.done)
	}
	w.markDead(errkind.New(errkind.ChildDead, "wasm module exited"))
}

func (w *WASMSession) markDead(cause error) {
	w.mu.Lock()
	already := w.dead
	w.dead = true
	w.mu.Unlock()
	if already {
		return
	}
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = make(map[int64]*pendingSlot)
	w.pendingMu.Unlock()
	for _, slot := range pending {
		slot.err = cause
		close(slot.done)
	}
}
