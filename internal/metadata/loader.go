package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a set of model and state machine
// definitions. JSON documents decode through the same path.
type Document struct {
	Models        []*Model                  `json:"models" yaml:"models"`
	StateMachines []*StateMachineDefinition `json:"state_machines,omitempty" yaml:"state_machines,omitempty"`
}

// Decode reads a YAML or JSON document. Unknown keys are rejected.
func Decode(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return &doc, nil
}

// LoadFile reads definitions from path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definitions: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// LoadInto reads path and replaces the registry contents with it.
func LoadInto(path string, reg *Registry) error {
	doc, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := reg.Load(doc); err != nil {
		return fmt.Errorf("load definitions from %s: %w", path, err)
	}
	return nil
}
