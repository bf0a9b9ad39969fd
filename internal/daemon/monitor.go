package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/logger"
	"github.com/mcpd-project/mcpd/internal/pool"
	"github.com/mcpd-project/mcpd/internal/session"
)

// Monitor keeps auto_started sessions alive. It never touches on-demand
// sessions: if one dies, the next client request surfaces child_dead and
// the dispatcher does not restart it.
type Monitor struct {
	pool     *pool.Pool
	interval time.Duration

	mu         sync.Mutex
	backoff    map[string]time.Duration
	restarting map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMonitor builds a Monitor that sweeps pool's auto-started ids every
// interval.
func NewMonitor(p *pool.Pool, interval time.Duration) *Monitor {
	return &Monitor{
		pool:       p,
		interval:   interval,
		backoff:    make(map[string]time.Duration),
		restarting: make(map[string]bool),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run blocks, sweeping on every tick, until Stop is called. Intended to be
// run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish. Safe to call once;
// later calls are no-ops.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// sweep inspects every auto-started id and restarts any that are dead,
// absent, or fail their scripted health check. The spec used to restart
// is captured before RemoveDead clears the pool's entry for id. Each
// restart runs in its own goroutine via scheduleRestart so one id's
// backoff wait never delays the sweep's pass over the rest.
func (m *Monitor) sweep(ctx context.Context) {
	for _, id := range m.pool.AutoStartedIDs() {
		spec, known := m.pool.SpecOf(id)

		sess, err := m.pool.Get(id)
		if err != nil {
			if known {
				m.scheduleRestart(ctx, id, spec)
			} else {
				logger.Warnf("monitor: %s is auto-started but has no session or spec on record", id)
			}
			continue
		}
		if !sess.Alive() {
			m.pool.RemoveDead(id)
			m.scheduleRestart(ctx, id, spec)
			continue
		}
		if healthy := m.checkScript(sess); !healthy {
			sess.Stop(ctx)
			m.pool.RemoveDead(id)
			m.scheduleRestart(ctx, id, spec)
			continue
		}
		m.clearBackoff(id)
	}
}

// scheduleRestart launches restart for id in its own goroutine, skipping
// the launch if a restart for id is already in flight from a prior sweep.
func (m *Monitor) scheduleRestart(ctx context.Context, id string, spec catalog.ServerSpec) {
	m.mu.Lock()
	if m.restarting[id] {
		m.mu.Unlock()
		return
	}
	m.restarting[id] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.restarting, id)
			m.mu.Unlock()
		}()
		m.restart(ctx, id, spec)
	}()
}

// checkScript consults the spec's HealthCheckScript when present. Absent a
// script, the session is considered healthy as long as Alive() is true.
func (m *Monitor) checkScript(sess session.Sessioner) bool {
	spec := sess.Spec()
	if spec.HealthCheckScript == "" {
		return true
	}
	check := session.NewScriptHealthCheck(spec.HealthCheckScript)
	snap := session.HealthSnapshot{
		Alive:         sess.Alive(),
		UptimeSeconds: time.Since(sess.StartTime()).Seconds(),
	}
	healthy, err := check.Evaluate(snap)
	if err != nil {
		logger.Warnf("monitor: health check script error for %s: %v", sess.ID(), err)
		return true
	}
	return healthy
}

// restart attempts Pool.Start for id using spec, honoring a per-id
// doubling backoff capped at interval*8. On failure it logs and tries
// again after the next backoff wait, until Start succeeds or the Monitor
// stops. The sweep has already removed id from the pool and from
// auto_started, so while these attempts keep failing id is absent from
// both and status does not list it.
func (m *Monitor) restart(ctx context.Context, id string, spec catalog.ServerSpec) {
	for {
		wait := m.nextBackoff(id)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}

		if err := m.pool.Start(ctx, id, spec, true); err != nil {
			logger.Warnf("monitor: restart of %s failed: %v", id, err)
			continue
		}
		logger.Infof("monitor: restarted %s", id)
		m.clearBackoff(id)
		return
	}
}

// nextBackoff returns how long to wait before the next restart attempt for
// id: zero for the first, then interval, doubling on each later call up to
// interval*8.
func (m *Monitor) nextBackoff(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.backoff[id]
	if !ok || cur == 0 {
		m.backoff[id] = m.interval
		return 0
	}
	next := cur * 2
	if cap := m.interval * 8; next > cap {
		next = cap
	}
	m.backoff[id] = next
	return cur
}

func (m *Monitor) clearBackoff(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoff, id)
}
