// Package workflow holds the read-only workflow templates and injects job parameters
// into them.
package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/job"
	"gopkg.in/yaml.v3"
)

// ManifestFile names the slot manifest inside a template directory.
const ManifestFile = "manifest.yaml"

//go:embed templates/*.json templates/manifest.yaml
var embedded embed.FS

// Embedded returns the templates compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

type manifest struct {
	Operations map[string]*operationManifest `yaml:"operations"`
}

type operationManifest struct {
	Template string           `yaml:"template"`
	Slots    map[string]*Slot `yaml:"slots"`
}

type entry struct {
	schema   *Schema
	template graphapi.Workflow
}

// Store is the Workflow Template Store. It is immutable after LoadStore returns and
// safe for concurrent use.
type Store struct {
	entries map[job.Operation]*entry
}

// LoadStore reads manifest.yaml and every template it names from fsys. Any problem is
// a ConfigurationError: a store that loads has only resolvable slots.
func LoadStore(fsys fs.FS) (*Store, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, job.WrapConfigurationError("read workflow manifest", err)
	}
	m := &manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, job.WrapConfigurationError("parse workflow manifest", err)
	}

	s := &Store{entries: make(map[job.Operation]*entry)}
	for name, om := range m.Operations {
		op := job.Operation(name)
		if !op.Valid() {
			return nil, job.NewConfigurationError("workflow manifest: unknown operation %q", name)
		}
		e, err := loadEntry(fsys, op, om)
		if err != nil {
			return nil, job.WrapConfigurationError(fmt.Sprintf("workflow %s", op), err)
		}
		s.entries[op] = e
	}
	for _, op := range job.Operations {
		if _, ok := s.entries[op]; !ok {
			return nil, job.NewConfigurationError("workflow manifest: no template for operation %s", op)
		}
	}
	return s, nil
}

func loadEntry(fsys fs.FS, op job.Operation, om *operationManifest) (*entry, error) {
	if om == nil || om.Template == "" {
		return nil, fmt.Errorf("no template file")
	}
	data, err := fs.ReadFile(fsys, om.Template)
	if err != nil {
		return nil, err
	}
	w, err := graphapi.NewWorkflowFromJson(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", om.Template, err)
	}

	schema := &Schema{Operation: op, Template: om.Template}
	for name, sl := range om.Slots {
		if sl == nil {
			return nil, fmt.Errorf("slot %s is empty", name)
		}
		sl.Name = name
		schema.Slots = append(schema.Slots, sl)
	}
	sort.Slice(schema.Slots, func(i, j int) bool { return schema.Slots[i].Name < schema.Slots[j].Name })

	nodes := make(map[string]bool, len(w))
	for id := range w {
		nodes[id] = true
	}
	isLink := func(node, input string) bool {
		v, _ := w.Input(node, input)
		return graphapi.IsLink(v)
	}
	if err := schema.check(nodes, w.HasInput, isLink); err != nil {
		return nil, err
	}
	if err := schema.compile(); err != nil {
		return nil, err
	}
	return &entry{schema: schema, template: w}, nil
}

// Template returns a private copy of the operation's template and its schema.
func (s *Store) Template(op job.Operation) (graphapi.Workflow, *Schema, error) {
	e, ok := s.entries[op]
	if !ok {
		return nil, nil, job.NewValidationError("unknown workflow_type '%s'", op)
	}
	return e.template.Clone(), e.schema, nil
}

// Schema returns the slot schema of op.
func (s *Store) Schema(op job.Operation) (*Schema, error) {
	e, ok := s.entries[op]
	if !ok {
		return nil, job.NewValidationError("unknown workflow_type '%s'", op)
	}
	return e.schema, nil
}

// Verify checks every template against the node classes installed on the engine, so a
// missing custom node fails the worker at startup instead of failing every job.
func (s *Store) Verify(objects *graphapi.NodeObjects) error {
	for _, op := range job.Operations {
		e, ok := s.entries[op]
		if !ok {
			continue
		}
		if err := objects.Check(e.template); err != nil {
			return job.WrapConfigurationError(fmt.Sprintf("template %s", op), err)
		}
	}
	return nil
}
