package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcpd-project/mcpd/internal/catalog"
	"github.com/mcpd-project/mcpd/internal/daemonconfig"
	"github.com/mcpd-project/mcpd/internal/logger"
	"github.com/mcpd-project/mcpd/internal/pool"
)

// EntryOutcome is the per-server record in an InitializationResult.
type EntryOutcome struct {
	Name     string
	ID       string
	Success  bool
	Optional bool
	Error    string
	Duration time.Duration
}

// InitializationResult is produced once per boot by Initializer.Run and
// summarized in the log. The status command does not report it.
type InitializationResult struct {
	Total            int
	Successful       int
	Failed           int
	OptionalFailures int
	Entries          []EntryOutcome
}

// Initializer drives the Pool from the validated server catalog at boot.
type Initializer struct {
	pool *pool.Pool
	cfg  daemonconfig.Config
}

// NewInitializer builds an Initializer bound to pool and the given daemon
// config (for parallel_initialization, initialization_timeout_seconds, and
// on_init_failure).
func NewInitializer(p *pool.Pool, cfg daemonconfig.Config) *Initializer {
	return &Initializer{pool: p, cfg: cfg}
}

// Run selects auto_start entries from cat, starts them in
// parallel_initialization-sized batches bounded by
// initialization_timeout_seconds, and applies on_init_failure. A non-nil
// error is only ever returned under on_init_failure=fail, meaning
// Supervisor must exit non-zero.
func (ini *Initializer) Run(ctx context.Context, cat *catalog.Catalog) (InitializationResult, error) {
	entries := cat.AutoStartEntries()
	if len(entries) == 0 {
		return InitializationResult{}, nil
	}

	batchSize := ini.cfg.ParallelInitialization
	if batchSize <= 0 {
		batchSize = 1
	}

	deadline := time.Duration(ini.cfg.InitializationTimeoutSeconds) * time.Second
	bootCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := InitializationResult{Total: len(entries)}

	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		if bootCtx.Err() != nil {
			for _, e := range batch {
				result.recordTimeout(e)
			}
			continue
		}

		outcomes := ini.runBatch(bootCtx, batch)
		for _, o := range outcomes {
			result.record(o)
		}
	}

	logger.Infof("initializer: %d total, %d successful, %d failed (%d optional)",
		result.Total, result.Successful, result.Failed, result.OptionalFailures)

	switch ini.cfg.OnInitFailure {
	case daemonconfig.OnFailureFail:
		if result.hasRequiredFailure() {
			return result, fmt.Errorf("initializer: required server(s) failed to start")
		}
	case daemonconfig.OnFailureWarn:
		for _, e := range result.Entries {
			if !e.Success {
				logger.Warnf("initializer: %s (%s) failed to start: %s", e.Name, e.ID, e.Error)
			}
		}
	case daemonconfig.OnFailureIgnore:
		// daemon continues silently
	}

	return result, nil
}

func (ini *Initializer) runBatch(ctx context.Context, batch []catalog.NamedSpec) []EntryOutcome {
	outcomes := make([]EntryOutcome, len(batch))
	var wg sync.WaitGroup
	for i, named := range batch {
		wg.Add(1)
		go func(i int, named catalog.NamedSpec) {
			defer wg.Done()
			id := named.Spec.ID()
			started := time.Now()
			err := ini.pool.Start(ctx, id, named.Spec, true)
			outcome := EntryOutcome{
				Name:     named.Name,
				ID:       id,
				Optional: named.Spec.Optional,
				Duration: time.Since(started),
			}
			if err != nil {
				if ctx.Err() != nil {
					outcome.Error = "timeout"
				} else {
					outcome.Error = err.Error()
				}
			} else {
				outcome.Success = true
			}
			outcomes[i] = outcome
		}(i, named)
	}
	wg.Wait()
	return outcomes
}

func (r *InitializationResult) record(o EntryOutcome) {
	r.Entries = append(r.Entries, o)
	if o.Success {
		r.Successful++
		return
	}
	r.Failed++
	if o.Optional {
		r.OptionalFailures++
	}
}

func (r *InitializationResult) recordTimeout(named catalog.NamedSpec) {
	r.record(EntryOutcome{
		Name:     named.Name,
		ID:       named.Spec.ID(),
		Optional: named.Spec.Optional,
		Error:    "timeout",
	})
}

func (r *InitializationResult) hasRequiredFailure() bool {
	for _, e := range r.Entries {
		if !e.Success && !e.Optional {
			return true
		}
	}
	return false
}
