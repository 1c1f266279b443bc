// Package registry holds the static, ordered definition of pipeline stages.
// The registry is validated once at startup and read-only afterwards.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StageID identifies a pipeline stage.
type StageID string

// Built-in pipeline stages, in dependency order.
const (
	StageSelection         StageID = "selection"
	StageDiscovery         StageID = "discovery"
	StageTableAvailability StageID = "table_availability"
	StageContext           StageID = "context"
	StageTableSelection    StageID = "table_selection"
	StagePreview           StageID = "preview"
	StageParse             StageID = "parse"
	StageExport            StageID = "export"
)

// Definition describes one stage: its position in the chain, the stages that
// must be locked before it may be entered, and whether it can be skipped with
// a default artifact.
type Definition struct {
	ID       StageID   `yaml:"id"`
	Title    string    `yaml:"title"`
	Requires []StageID `yaml:"requires"`
	Optional bool      `yaml:"optional"`
	// LongRunning marks stages whose work executes out-of-band (worker-driven
	// with progress reporting) rather than inline in the lock request.
	LongRunning bool `yaml:"long_running"`
}

// Registry is the immutable ordered stage list with a precomputed index map.
type Registry struct {
	defs  []Definition
	index map[StageID]int
}

// New builds a registry from definitions, validating the dependency chain.
// Any violation is a configuration error and should abort startup.
func New(defs []Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("registry: no stages defined")
	}

	index := make(map[StageID]int, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("registry: stage at position %d has empty id", i)
		}
		if _, dup := index[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate stage id %q", d.ID)
		}
		index[d.ID] = i
	}

	for i, d := range defs {
		for _, req := range d.Requires {
			j, ok := index[req]
			if !ok {
				return nil, fmt.Errorf("registry: stage %q requires unknown stage %q", d.ID, req)
			}
			if j >= i {
				return nil, fmt.Errorf("registry: stage %q requires %q which does not precede it", d.ID, req)
			}
		}
		// The cascade treats "everything after index i" as the invalidation
		// set, which is only sound for a linear chain: every stage after the
		// first must depend on its immediate predecessor.
		if i > 0 && !contains(d.Requires, defs[i-1].ID) {
			return nil, fmt.Errorf("registry: stage %q must require its predecessor %q (pipeline is a linear chain)", d.ID, defs[i-1].ID)
		}
		if i == 0 && len(d.Requires) > 0 {
			return nil, fmt.Errorf("registry: first stage %q must not have requirements", d.ID)
		}
	}

	return &Registry{defs: defs, index: index}, nil
}

// Default returns the built-in aggregation pipeline.
func Default() *Registry {
	r, err := New(defaultDefinitions())
	if err != nil {
		// The built-in chain is validated by tests; failure here is a bug.
		panic(err)
	}
	return r
}

func defaultDefinitions() []Definition {
	return []Definition{
		{ID: StageSelection, Title: "File selection"},
		{ID: StageDiscovery, Title: "Table discovery", Requires: []StageID{StageSelection}, LongRunning: true},
		{ID: StageTableAvailability, Title: "Table availability", Requires: []StageID{StageDiscovery}},
		{ID: StageContext, Title: "Context configuration", Requires: []StageID{StageTableAvailability}, Optional: true},
		{ID: StageTableSelection, Title: "Table selection", Requires: []StageID{StageContext}},
		{ID: StagePreview, Title: "Preview", Requires: []StageID{StageTableSelection}, Optional: true},
		{ID: StageParse, Title: "Parse & extract", Requires: []StageID{StagePreview}, LongRunning: true},
		{ID: StageExport, Title: "Export", Requires: []StageID{StageParse}},
	}
}

// stagesFile is the YAML shape of a pipeline override file.
type stagesFile struct {
	Pipeline struct {
		Stages []Definition `yaml:"stages"`
	} `yaml:"pipeline"`
}

// LoadFile reads stage definitions from a YAML pipeline file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var f stagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}

	return New(f.Pipeline.Stages)
}

// Definitions returns the ordered stage list. Callers must not mutate it.
func (r *Registry) Definitions() []Definition { return r.defs }

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.defs) }

// Get returns the definition for id.
func (r *Registry) Get(id StageID) (Definition, bool) {
	i, ok := r.index[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Index returns the pipeline position of id.
func (r *Registry) Index(id StageID) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

// Successors returns every stage after id in pipeline order.
func (r *Registry) Successors(id StageID) []StageID {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	out := make([]StageID, 0, len(r.defs)-i-1)
	for _, d := range r.defs[i+1:] {
		out = append(out, d.ID)
	}
	return out
}

func contains(ids []StageID, id StageID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
