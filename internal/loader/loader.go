// Package loader parses flow definition documents. Flows are authored in
// YAML; JSON documents parse through the same path since YAML is a superset.
package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rendis/floe/pkg/schema"
)

// Parse decodes a flow document into a FlowDefinition. Structural and
// semantic validation happen later, at compile time; Parse only rejects
// documents that do not decode.
func Parse(data []byte) (*schema.FlowDefinition, error) {
	var def schema.FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("parse flow document: %v", err)).WithCause(err)
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow document has no name")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("flow %q has no nodes", def.Name))
	}
	return &def, nil
}

// LoadFile reads and parses a flow document from disk.
func LoadFile(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotFound,
			fmt.Sprintf("read flow file %s: %v", path, err)).WithCause(err)
	}
	return Parse(data)
}

// LoadDir parses every .yaml/.yml/.json flow document in a directory,
// keyed by flow name. Duplicate names are a conflict.
func LoadDir(dir string) (map[string]*schema.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotFound,
			fmt.Sprintf("read flow directory %s: %v", dir, err)).WithCause(err)
	}

	flows := make(map[string]*schema.FlowDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, ok := flows[def.Name]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"duplicate flow name %q in %s", def.Name, entry.Name())
		}
		flows[def.Name] = def
	}
	return flows, nil
}
