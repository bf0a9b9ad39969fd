// Package catalog defines ServerSpec, the deterministic ServerId derivation,
// and the validated server catalog consumed by the daemon's Initializer.
// Catalog *discovery* — scanning registries, merging sources, client
// integration — is out of scope; catalog is a typed sink the external
// config loader populates.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Runtime discriminates how a ServerSpec's process is executed. The
// default, Stdio, spawns an OS child process. WASM instantiates the module
// in-process via the WASM session backend.
type Runtime string

const (
	RuntimeStdio Runtime = "stdio"
	RuntimeWASM  Runtime = "wasm"
)

// ServerSpec is the immutable input to launching a child. Same launch
// string (command + args) always derives the same ServerId; env and the
// other fields do not participate in id derivation.
type ServerSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	AutoStart bool            `json:"auto_start" yaml:"auto_start"`
	Optional  bool            `json:"optional" yaml:"optional"`

	// Runtime is a supplemented field (absent from the distilled wire
	// schema): it selects the Sessioner backend. Zero value behaves as
	// RuntimeStdio.
	Runtime Runtime `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	// WASMPath is the module path when Runtime == RuntimeWASM.
	WASMPath string `json:"wasm_path,omitempty" yaml:"wasm_path,omitempty"`
	// HealthCheckScript is a supplemented field: a JS expression evaluated
	// by the Monitor against the session's liveness state. Empty disables
	// the script check and falls back to the plain child_dead check.
	HealthCheckScript string `json:"health_check_script,omitempty" yaml:"health_check_script,omitempty"`
}

// ID derives the stable 12-hex-digit ServerId for this spec's launch
// string: Command and Args joined by single spaces, hashed, truncated.
// Two specs with the same command+args always derive the same id,
// regardless of Env, AutoStart, or Optional.
func (s ServerSpec) ID() string {
	return DeriveID(s.Command, s.Args)
}

// DeriveID computes a ServerId from a command and argument list using the
// same canonical-string-then-hash rule as ServerSpec.ID, so that a client
// parsing a server_command string with ParseCommand and a daemon holding a
// ServerSpec always agree on the id.
func DeriveID(command string, args []string) string {
	parts := append([]string{command}, args...)
	canonical := strings.Join(parts, " ")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:12]
}

// ParseCommand splits a server_command string using shell-word semantics
// (quotes and backslash escapes honored, no variable expansion) into a
// command and argument list, as required by the control socket's
// server_command field.
func ParseCommand(serverCommand string) (command string, args []string, err error) {
	words, err := splitWords(serverCommand)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("empty server_command")
	}
	if len(words) == 1 {
		return words[0], nil, nil
	}
	return words[0], words[1:], nil
}

// splitWords implements shell-like word splitting: whitespace separates
// words, single and double quotes group words, backslash escapes the next
// character. No variable or glob expansion is performed.
func splitWords(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	var quote rune

	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			if r == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				inWord = true
				continue
			}
			cur.WriteRune(r)
			inWord = true
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash in server_command")
			}
			i++
			cur.WriteRune(runes[i])
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in server_command")
	}
	flush()
	return words, nil
}

// Catalog is a validated ordered mapping from a human name to a ServerSpec,
// produced by the external config loader and consumed by Initializer.
// Names are opaque log labels; routing uses ServerIds.
type Catalog struct {
	Names   []string
	Entries map[string]ServerSpec
}

// AutoStartEntries returns the (name, spec) pairs with AutoStart set, in
// the catalog's original order.
func (c *Catalog) AutoStartEntries() []NamedSpec {
	var out []NamedSpec
	for _, name := range c.Names {
		spec := c.Entries[name]
		if spec.AutoStart {
			out = append(out, NamedSpec{Name: name, Spec: spec})
		}
	}
	return out
}

// NamedSpec pairs a catalog entry's human name with its spec.
type NamedSpec struct {
	Name string
	Spec ServerSpec
}
