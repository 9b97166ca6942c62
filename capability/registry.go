package capability

import (
	"github.com/hupe1980/agenthive/internal/util"
	"github.com/hupe1980/agenthive/logging"
)

// Source supplies capability definitions to the registry. Sources are
// consulted in registration order.
type Source interface {
	// Lookup returns the capability for name, or false when unknown.
	Lookup(name string) (*Capability, bool)
}

// MapSource is a Source backed by a plain map.
type MapSource map[string]*Capability

// Lookup implements Source.
func (s MapSource) Lookup(name string) (*Capability, bool) {
	c, ok := s[name]
	return c, ok
}

// NewMapSource builds a MapSource from a capability list.
func NewMapSource(caps ...*Capability) MapSource {
	s := make(MapSource, len(caps))
	for _, c := range caps {
		s[c.Name] = c
	}
	return s
}

// Registry resolves requested capability names into a concrete, ordered list,
// expanding declared dependencies depth-first so dependencies always precede
// dependents. Resolution never executes a capability.
type Registry struct {
	sources []Source
	logger  logging.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// NewRegistry constructs a Registry over the given sources.
func NewRegistry(sources []Source, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{sources: sources, logger: logging.OrNoOp(opts.Logger)}
}

// AddSource appends a source consulted after all existing ones.
func (r *Registry) AddSource(s Source) { r.sources = append(r.sources, s) }

// Resolve expands names (and their transitive dependencies) into load order.
// Each capability appears exactly once, in its first-resolved position, with
// every dependency before it.
//
// A capability that re-requests one currently being resolved (a dependency
// cycle) is treated as already satisfied and skipped, guaranteeing
// termination; the truncation is logged at warn level.
//
// Returns *NotFoundError when a name is absent from every source and
// *ConflictError when sources disagree on a name's contract.
func (r *Registry) Resolve(names []string) ([]*Capability, error) {
	res := &resolution{
		registry: r,
		resolved: map[string]bool{},
		inFlight: map[string]bool{},
	}

	for _, name := range names {
		if err := res.resolve(name); err != nil {
			return nil, err
		}
	}

	return res.order, nil
}

// resolution tracks one Resolve call's visited state.
type resolution struct {
	registry *Registry
	order    []*Capability
	resolved map[string]bool
	inFlight map[string]bool
}

func (res *resolution) resolve(name string) error {
	if res.resolved[name] {
		return nil
	}
	if res.inFlight[name] {
		// Dependency cycle: tolerate by truncation rather than failing.
		res.registry.logger.Warn("capability.resolve.cycle_truncated", "capability", name)
		return nil
	}

	c, err := res.registry.lookup(name)
	if err != nil {
		return err
	}

	res.inFlight[name] = true
	for _, dep := range c.Dependencies {
		if err := res.resolve(dep); err != nil {
			return err
		}
	}
	delete(res.inFlight, name)

	res.resolved[name] = true
	res.order = append(res.order, c)

	res.registry.logger.Debug("capability.resolve.loaded", "capability", name, "deps", len(c.Dependencies))
	return nil
}

// lookup scans every source for name. The first hit wins, but later sources
// redefining the name with a different parameter schema or dependency list
// make the whole lookup fail with *ConflictError.
func (r *Registry) lookup(name string) (*Capability, error) {
	var found *Capability
	for _, src := range r.sources {
		c, ok := src.Lookup(name)
		if !ok {
			continue
		}
		if found == nil {
			found = c
			continue
		}
		if !compatible(found, c) {
			return nil, &ConflictError{Name: name}
		}
	}
	if found == nil {
		return nil, &NotFoundError{Name: name}
	}
	return found, nil
}

// compatible reports whether two definitions of the same name agree on the
// externally observable contract (schema + dependencies).
func compatible(a, b *Capability) bool {
	if !util.SchemasEqual(a.Parameters, b.Parameters) {
		return false
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return false
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return false
		}
	}
	return true
}
