package metadata

import "fmt"

// Model describes a table the engine can search and transition.
type Model struct {
	Name         string        `json:"name" yaml:"name"`
	Table        string        `json:"table" yaml:"table"`
	PrimaryKey   string        `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Fields       []Field       `json:"fields" yaml:"fields"`
	Associations []Association `json:"associations,omitempty" yaml:"associations,omitempty"`
}

// PK returns the primary key column, defaulting to "id".
func (m *Model) PK() string {
	if m.PrimaryKey != "" {
		return m.PrimaryKey
	}
	return "id"
}

// GetField returns a pointer to the field with the given name, or nil.
func (m *Model) GetField(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the model has a field with the given name.
func (m *Model) HasField(name string) bool {
	return m.GetField(name) != nil
}

// FieldNames returns all field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// GetAssociation returns the association with the given name, or nil.
func (m *Model) GetAssociation(name string) *Association {
	for i := range m.Associations {
		if m.Associations[i].Name == name {
			return &m.Associations[i]
		}
	}
	return nil
}

// Validate checks the descriptor for structural mistakes.
func (m *Model) Validate() error {
	if m.Name == "" {
		return &ConfigurationError{Message: "model name is required"}
	}
	if m.Table == "" {
		return &ConfigurationError{Model: m.Name, Message: "table is required"}
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return &ConfigurationError{Model: m.Name, Message: "field without a name"}
		}
		if seen[f.Name] {
			return &ConfigurationError{Model: m.Name, Subject: f.Name, Message: "duplicate field"}
		}
		seen[f.Name] = true
	}
	assocs := make(map[string]bool, len(m.Associations))
	for _, a := range m.Associations {
		if assocs[a.Name] {
			return &ConfigurationError{Model: m.Name, Subject: a.Name, Message: "duplicate association"}
		}
		assocs[a.Name] = true
		if err := a.validate(); err != nil {
			return &ConfigurationError{Model: m.Name, Subject: a.Name, Message: err.Error()}
		}
	}
	return nil
}

func (a *Association) validate() error {
	if a.Target == "" {
		return fmt.Errorf("association target is required")
	}
	switch a.Type {
	case BelongsTo, HasOne, HasMany:
		if a.ForeignKey == "" {
			return fmt.Errorf("%s association requires foreign_key", a.Type)
		}
	case ManyToMany:
		if a.JoinTable == "" || a.SourceJoinKey == "" || a.TargetJoinKey == "" {
			return fmt.Errorf("many_to_many association requires join_table, source_join_key and target_join_key")
		}
	default:
		return fmt.Errorf("unknown association type %q", a.Type)
	}
	return nil
}
