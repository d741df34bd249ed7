package engine

import (
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// FieldDescriptor is a model field resolved against a dialect. It is
// computed once when a schema is built.
type FieldDescriptor struct {
	Name        string
	StorageType string
	Category    metadata.Category
	Dialect     string
}

func describeField(f metadata.Field, d store.Dialect) (FieldDescriptor, error) {
	cat, err := metadata.Classify(f, d)
	if err != nil {
		return FieldDescriptor{}, err
	}
	return FieldDescriptor{
		Name:        f.Name,
		StorageType: f.Type,
		Category:    cat,
		Dialect:     d.Name(),
	}, nil
}
