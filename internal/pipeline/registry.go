package pipeline

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// CoreVersion is the engine version nodes validate their
// min_core_version against.
const CoreVersion = "1.0.0"

// Factory builds a node instance from the shared context and the
// per-workflow node config.
type Factory func(pc *PluginContext, config map[string]any) (Node, error)

type registration struct {
	meta    NodeMetadata
	factory Factory
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]registration)
)

// Register adds a node factory under meta.Name. Registering a name twice
// overwrites the previous entry with a warning so plugins can shadow
// built-ins deliberately.
func Register(meta NodeMetadata, factory Factory) error {
	if meta.Name == "" {
		return fmt.Errorf("node metadata has no name")
	}
	if factory == nil {
		return fmt.Errorf("node %s has a nil factory", meta.Name)
	}
	if err := checkCoreVersion(meta); err != nil {
		return err
	}

	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := registry[meta.Name]; exists {
		log.Warn().
			Str("component", "pipeline").
			Str("node", meta.Name).
			Msg("node already registered, overwriting")
	}
	registry[meta.Name] = registration{meta: meta, factory: factory}
	return nil
}

func checkCoreVersion(meta NodeMetadata) error {
	if meta.MinCoreVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(">= " + meta.MinCoreVersion)
	if err != nil {
		return fmt.Errorf("node %s: invalid min_core_version %q: %w",
			meta.Name, meta.MinCoreVersion, err)
	}
	core := semver.MustParse(CoreVersion)
	if !constraint.Check(core) {
		return fmt.Errorf("node %s requires core >= %s, engine is %s",
			meta.Name, meta.MinCoreVersion, CoreVersion)
	}
	return nil
}

// Lookup returns the factory and metadata for a registered node.
func Lookup(name string) (Factory, NodeMetadata, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	reg, ok := registry[name]
	if !ok {
		return nil, NodeMetadata{}, fmt.Errorf("unknown node %q", name)
	}
	return reg.factory, reg.meta, nil
}

// Metadata returns the metadata for a registered node.
func Metadata(name string) (NodeMetadata, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	reg, ok := registry[name]
	return reg.meta, ok
}

// RegisteredNodes returns the names of all registered nodes.
func RegisteredNodes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// ValidateRequirements fails when any enabled node requires a node that
// is not also enabled. Called before a graph is built so a broken
// workflow is rejected early.
func ValidateRequirements(enabled []string) error {
	set := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		set[name] = true
	}
	for _, name := range enabled {
		meta, ok := Metadata(name)
		if !ok {
			return fmt.Errorf("unknown node %q in workflow", name)
		}
		for _, req := range meta.Requires {
			if !set[req] {
				return fmt.Errorf("node %s requires %s, which is not enabled", name, req)
			}
		}
	}
	return nil
}
