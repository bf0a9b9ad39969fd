// Package pool implements Pool: a thread-safe map from ServerId to
// Sessioner with idempotent start/stop and auto-started tracking. Pool
// never retries, never restarts, and never reads configuration — that
// policy lives in the daemon's Initializer and Monitor.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/errkind"
	"github.com/mcpd-project/mcpd/internal/session"
)

// Factory constructs a Sessioner for id/spec without starting it. Pool is
// backend-agnostic: the daemon supplies a Factory that picks MCPSession or
// WASMSession based on spec.Runtime.
type Factory func(id string, spec catalog.ServerSpec) session.Sessioner

// DefaultFactory selects session.New for stdio specs and session.NewWASM
// for wasm specs.
func DefaultFactory(id string, spec catalog.ServerSpec) session.Sessioner {
	if spec.Runtime == catalog.RuntimeWASM {
		return session.NewWASM(id, spec)
	}
	return session.New(id, spec)
}

// entry pairs a live session with the spec it was started from, so Monitor
// can restart it identically. Uptime comes from the session's own
// StartTime.
type entry struct {
	sess session.Sessioner
	spec catalog.ServerSpec
}

// Pool is a typed map from ServerId to Sessioner with safe concurrent
// access. pool_lock guards map operations only; it is never held across
// child I/O.
type Pool struct {
	factory Factory

	mu          sync.Mutex
	sessions    map[string]*entry
	autoStarted map[string]bool
	starting    map[string]chan struct{}
}

// New constructs an empty Pool using factory to build new sessions.
func New(factory Factory) *Pool {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Pool{
		factory:     factory,
		sessions:    make(map[string]*entry),
		autoStarted: make(map[string]bool),
	}
}

// Start is idempotent: if id is already present, it succeeds without
// touching the existing session. Otherwise it constructs and starts a new
// Sessioner, inserting it only on success and marking it auto-started when
// auto is true. Concurrent Start calls for the same id produce exactly one
// session: the map mutation and lookup are serialized by mu, and the
// expensive session.Start() work happens after this function has
// committed to being the sole creator, holding a per-id in-flight marker
// so a second concurrent caller waits rather than racing a second spawn.
func (p *Pool) Start(ctx context.Context, id string, spec catalog.ServerSpec, auto bool) error {
	for {
		p.mu.Lock()
		if _, ok := p.sessions[id]; ok {
			if auto {
				p.autoStarted[id] = true
			}
			p.mu.Unlock()
			return nil
		}
		if p.starting == nil {
			p.starting = make(map[string]chan struct{})
		}
		if ch, inFlight := p.starting[id]; inFlight {
			p.mu.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		p.starting[id] = ch
		p.mu.Unlock()

		sess := p.factory(id, spec)
		err := sess.Start(ctx)

		p.mu.Lock()
		delete(p.starting, id)
		close(ch)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.sessions[id] = &entry{sess: sess, spec: spec}
		if auto {
			p.autoStarted[id] = true
		}
		p.mu.Unlock()
		return nil
	}
}

// Stop removes id from the map and from auto-started, then stops the
// session. Idempotent: stopping an unknown id succeeds.
func (p *Pool) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.sessions[id]
	delete(p.sessions, id)
	delete(p.autoStarted, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return e.sess.Stop(ctx)
}

// Get returns the session for id, or errkind.NotFound.
func (p *Pool) Get(id string) (session.Sessioner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "no such server: "+id)
	}
	return e.sess, nil
}

// ListIDs returns a snapshot of the pool's current ids.
func (p *Pool) ListIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsAutoStarted reports whether id was started by Initializer or a Monitor
// restart, as opposed to a lazily-started on-demand session.
func (p *Pool) IsAutoStarted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoStarted[id]
}

// AutoStartedIDs returns a snapshot of ids currently tracked as
// auto-started, for Monitor's sweep.
func (p *Pool) AutoStartedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.autoStarted))
	for id := range p.autoStarted {
		ids = append(ids, id)
	}
	return ids
}

// SpecOf returns the originating spec for id, used by Monitor to restart a
// session identically to how it was first started.
func (p *Pool) SpecOf(id string) (catalog.ServerSpec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[id]
	if !ok {
		return catalog.ServerSpec{}, false
	}
	return e.spec, true
}

// Uptime returns how long id's session has been running, or zero if id is
// unknown.
func (p *Pool) Uptime(id string) time.Duration {
	p.mu.Lock()
	e, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Since(e.sess.StartTime())
}

// StopAll snapshots the current ids, clears the map and auto-started set,
// and stops every session in parallel.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	entries := p.sessions
	p.sessions = make(map[string]*entry)
	p.autoStarted = make(map[string]bool)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.sess.Stop(ctx)
		}(e)
	}
	wg.Wait()
}

// ForgetAutoStart removes id from auto-started tracking without stopping
// or removing its session. Nothing in the daemon calls it: Monitor has no
// restart limit and retries indefinitely.
func (p *Pool) ForgetAutoStart(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.autoStarted, id)
}

// RemoveDead drops id from the session map (and auto-started set) without
// calling Stop, used by Monitor after it has already observed the session
// dead and is about to replace it via Start.
func (p *Pool) RemoveDead(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
	delete(p.autoStarted, id)
}
