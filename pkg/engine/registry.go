package engine

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds stage definitions in registration order. Dependencies must
// be registered before their dependents, which keeps the graph acyclic.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]StageDefinition
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]StageDefinition),
	}
}

// Register adds a stage definition.
func (r *Registry) Register(def StageDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(def.Name) == "" {
		return NewConfigurationError("stage has empty name", nil).WithCode(ErrCodeInvalidStage)
	}
	if def.Produce == nil {
		return NewConfigurationError(fmt.Sprintf("stage %s has no producer", def.Name), nil).
			WithCode(ErrCodeInvalidStage).
			WithStage(def.Name)
	}
	if _, exists := r.stages[def.Name]; exists {
		return NewConfigurationError(fmt.Sprintf("duplicate stage name: %s", def.Name), nil).
			WithCode(ErrCodeDuplicateStage).
			WithStage(def.Name)
	}
	if def.Group == "" {
		if i := strings.Index(def.Name, "."); i > 0 {
			def.Group = def.Name[:i]
		}
	}

	for _, dep := range append(append([]string{}, def.DependsOn...), def.After...) {
		if dep == def.Name {
			return NewConfigurationError(fmt.Sprintf("stage %s depends on itself", def.Name), nil).
				WithCode(ErrCodeCycle).
				WithStage(def.Name)
		}
		if _, exists := r.stages[dep]; !exists {
			return NewConfigurationError(
				fmt.Sprintf("stage %s depends on unregistered stage %s", def.Name, dep), nil,
			).WithCode(ErrCodeUnknownDependency).WithStage(def.Name)
		}
	}

	def.DependsOn = append([]string(nil), def.DependsOn...)
	def.After = append([]string(nil), def.After...)
	r.stages[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// RegisterAll registers a batch of definitions, returning the first error.
func (r *Registry) RegisterAll(defs ...StageDefinition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the definition for a stage name.
func (r *Registry) Get(name string) (StageDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stages[name]
	return def, ok
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []StageDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]StageDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.stages[name])
	}
	return defs
}

// Names returns stage names in registration order, optionally filtered by group.
func (r *Registry) Names(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if group == "" || r.stages[name].Group == group {
			names = append(names, name)
		}
	}
	return names
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// index returns the registration position of each stage.
func (r *Registry) index() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := make(map[string]int, len(r.order))
	for i, name := range r.order {
		idx[name] = i
	}
	return idx
}
