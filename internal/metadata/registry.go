package metadata

import (
	"sort"
	"sync"
)

// Registry holds the model descriptors and state machine definitions known
// to the process.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]*Model
	machines map[string]*StateMachineDefinition // keyed by model name
}

func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]*Model),
		machines: make(map[string]*StateMachineDefinition),
	}
}

// Register adds a model. Registering the same name twice is an error.
func (r *Registry) Register(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[m.Name]; ok {
		return &ConfigurationError{Model: m.Name, Message: "model already registered"}
	}
	r.models[m.Name] = m
	return nil
}

// RegisterStateMachine attaches a state machine definition to a registered model.
func (r *Registry) RegisterStateMachine(def *StateMachineDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[def.Model]; !ok {
		return &ConfigurationError{Model: def.Model, Message: "state machine for unknown model"}
	}
	if _, ok := r.machines[def.Model]; ok {
		return &ConfigurationError{Model: def.Model, Message: "state machine already registered"}
	}
	r.machines[def.Model] = def
	return nil
}

// GetModel returns the model with the given name, or nil.
func (r *Registry) GetModel(name string) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[name]
}

// GetStateMachine returns the state machine definition for a model, or nil.
func (r *Registry) GetStateMachine(model string) *StateMachineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[model]
}

// AllModels returns all registered models sorted by name.
func (r *Registry) AllModels() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}

// AllStateMachines returns all state machine definitions sorted by model.
func (r *Registry) AllStateMachines() []*StateMachineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*StateMachineDefinition, 0, len(r.machines))
	for _, d := range r.machines {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Model < defs[j].Model })
	return defs
}

// Load replaces the registry contents with the document's definitions.
// Nothing is replaced if any definition is invalid.
func (r *Registry) Load(doc *Document) error {
	next := NewRegistry()
	for _, m := range doc.Models {
		if err := next.Register(m); err != nil {
			return err
		}
	}
	for _, sm := range doc.StateMachines {
		if err := next.RegisterStateMachine(sm); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = next.models
	r.machines = next.machines
	return nil
}
