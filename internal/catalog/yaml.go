package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlFile is the on-disk shape accepted by LoadYAML: an ordered-by-file
// mapping from name to spec. yaml.v3 preserves key order through
// yaml.Node, but for the convenience loader a plain map plus a
// separately-decoded key-order pass is enough fidelity for tests and
// file-driven boot.
type yamlFile struct {
	Servers map[string]yamlSpec `yaml:"servers"`
}

type yamlSpec struct {
	Command           string            `yaml:"command"`
	Args              []string          `yaml:"args,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	AutoStart         *bool             `yaml:"auto_start,omitempty"`
	Optional          bool              `yaml:"optional,omitempty"`
	Runtime           string            `yaml:"runtime,omitempty"`
	WASMPath          string            `yaml:"wasm_path,omitempty"`
	HealthCheckScript string            `yaml:"health_check_script,omitempty"`
}

// LoadYAML reads a server catalog file: a top-level "servers" mapping from
// name to spec. It is a convenience loader for tests and for driving the
// daemon directly from a file; production catalog discovery (scanning
// registries, merging sources) is out of scope.
func LoadYAML(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes catalog YAML from an in-memory byte slice.
func ParseYAML(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	names := orderedServerNames(&doc)
	cat := &Catalog{Names: names, Entries: make(map[string]ServerSpec, len(file.Servers))}
	for name, ys := range file.Servers {
		autoStart := true
		if ys.AutoStart != nil {
			autoStart = *ys.AutoStart
		}
		spec := ServerSpec{
			Command:           ys.Command,
			Args:              ys.Args,
			Env:               ys.Env,
			AutoStart:         autoStart,
			Optional:          ys.Optional,
			Runtime:           Runtime(ys.Runtime),
			WASMPath:          ys.WASMPath,
			HealthCheckScript: ys.HealthCheckScript,
		}
		if spec.Runtime == "" {
			spec.Runtime = RuntimeStdio
		}
		cat.Entries[name] = spec
	}
	// Entries referenced only via the plain-map decode (no matching node,
	// e.g. malformed documents) are still listed: names not discovered
	// through node order are appended so nothing from the map is dropped.
	for name := range file.Servers {
		if !containsName(cat.Names, name) {
			cat.Names = append(cat.Names, name)
		}
	}
	return cat, nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// orderedServerNames walks the raw yaml.Node tree to recover the file's
// original key order for the "servers" mapping, since decoding straight
// into a Go map loses it.
func orderedServerNames(doc *yaml.Node) []string {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if key.Value != "servers" {
			continue
		}
		serversNode := root.Content[i+1]
		if serversNode.Kind != yaml.MappingNode {
			return nil
		}
		var names []string
		for j := 0; j+1 < len(serversNode.Content); j += 2 {
			names = append(names, serversNode.Content[j].Value)
		}
		return names
	}
	return nil
}
