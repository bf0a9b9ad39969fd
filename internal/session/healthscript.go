package session

import (
	"fmt"

	"github.com/dop251/goja"
)

// HealthSnapshot is the liveness state a ScriptHealthCheck evaluates
// against. It carries no child-process handles, only observable facts, so
// a script cannot reach back into session internals.
type HealthSnapshot struct {
	Alive          bool
	UptimeSeconds  float64
	LastErrorKind  string
}

// ScriptHealthCheck evaluates a JS expression against a HealthSnapshot to
// decide liveness beyond "process exited". It is a supplemented feature:
// Monitor falls back to the plain child_dead check when a ServerSpec
// carries no HealthCheckScript.
type ScriptHealthCheck struct {
	script string
}

// NewScriptHealthCheck compiles nothing eagerly; goja.Runtime is cheap
// enough to construct per evaluation, and per-evaluation isolation avoids
// one misbehaving script corrupting state used by the next check.
func NewScriptHealthCheck(script string) *ScriptHealthCheck {
	return &ScriptHealthCheck{script: script}
}

// Evaluate runs the script with `health` bound to the snapshot and expects
// a boolean result: true means healthy, false means the Monitor should
// treat the session as dead and attempt a restart.
func (h *ScriptHealthCheck) Evaluate(snap HealthSnapshot) (bool, error) {
	vm := goja.New()
	if err := vm.Set("health", snap); err != nil {
		return false, fmt.Errorf("bind health snapshot: %w", err)
	}

	fullScript := fmt.Sprintf("(function() { return (%s); })()", h.script)
	value, err := vm.RunString(fullScript)
	if err != nil {
		return false, fmt.Errorf("evaluate health check script: %w", err)
	}

	return value.ToBoolean(), nil
}
