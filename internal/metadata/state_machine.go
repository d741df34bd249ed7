package metadata

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TransitionFrom handles both string and []string for the "from" field.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

func (t *TransitionFrom) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*t = []string{single}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := value.Decode(&arr); err != nil {
			return err
		}
		*t = arr
		return nil
	default:
		return fmt.Errorf("line %d: from must be a state or a list of states", value.Line)
	}
}

// EventDefinition declares one event of a state machine. Callback fields
// hold names resolved against the callbacks registered with the machine
// builder; Guard is an expression evaluated against the record fields.
type EventDefinition struct {
	Name     string         `json:"name" yaml:"name"`
	From     TransitionFrom `json:"from" yaml:"from"`
	To       string         `json:"to" yaml:"to"`
	Guard    string         `json:"guard,omitempty" yaml:"guard,omitempty"`
	Guards   []string       `json:"guards,omitempty" yaml:"guards,omitempty"`
	Validate []string       `json:"validate,omitempty" yaml:"validate,omitempty"`
	Before   []string       `json:"before,omitempty" yaml:"before,omitempty"`
	After    []string       `json:"after,omitempty" yaml:"after,omitempty"`
	Around   []string       `json:"around,omitempty" yaml:"around,omitempty"`
}

// StateMachineDefinition is the declarative form of a model's state machine.
type StateMachineDefinition struct {
	Model        string            `json:"model" yaml:"model"`
	Field        string            `json:"field,omitempty" yaml:"field,omitempty"` // the state column, defaults to "state"
	Initial      string            `json:"initial" yaml:"initial"`
	States       []string          `json:"states" yaml:"states"`
	Events       []EventDefinition `json:"events" yaml:"events"`
	HistoryTable string            `json:"history_table,omitempty" yaml:"history_table,omitempty"`
	LockColumn   string            `json:"lock_column,omitempty" yaml:"lock_column,omitempty"`
}

// StateField returns the state column name.
func (d *StateMachineDefinition) StateField() string {
	if d.Field != "" {
		return d.Field
	}
	return "state"
}
