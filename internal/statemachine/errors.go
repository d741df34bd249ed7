package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
)

var (
	// ErrTransitionHalted is returned when an around callback returns
	// without calling next.
	ErrTransitionHalted = errors.New("transition halted by around callback")
	// ErrRecordNotPersisted is returned when firing an event on a record
	// without a primary key value.
	ErrRecordNotPersisted = errors.New("record has no primary key")
)

type ConfigurationError = metadata.ConfigurationError

// InvalidTransitionError reports an event that has no transition from the
// record's current state. To is empty when the event is unknown.
type InvalidTransitionError struct {
	Event string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("cannot fire %q from state %q: unknown event", e.Event, e.From)
	}
	return fmt.Sprintf("cannot fire %q from state %q to %q", e.Event, e.From, e.To)
}

func (e *InvalidTransitionError) Code() string { return "INVALID_TRANSITION" }

// GuardFailedError names the first guard that rejected a transition.
type GuardFailedError struct {
	Event string
	Guard string
}

func (e *GuardFailedError) Error() string {
	return fmt.Sprintf("transition %q blocked by guard %q", e.Event, e.Guard)
}

func (e *GuardFailedError) Code() string { return "GUARD_FAILED" }

// FieldError is one problem reported by a transition validation.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationFailedError carries every problem reported by the validations
// of a transition.
type ValidationFailedError struct {
	Event   string
	Details []FieldError
}

func (e *ValidationFailedError) Error() string {
	msgs := make([]string, len(e.Details))
	for i, d := range e.Details {
		if d.Field != "" {
			msgs[i] = d.Field + ": " + d.Message
		} else {
			msgs[i] = d.Message
		}
	}
	return fmt.Sprintf("transition %q failed validation: %s", e.Event, strings.Join(msgs, "; "))
}

func (e *ValidationFailedError) Code() string { return "VALIDATION_FAILED" }

// StaleStateError is returned when the stored record no longer matches the
// state (or lock version) the transition was resolved against.
type StaleStateError struct {
	Model    string
	RecordID any
	Expected string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%s %v changed since it was read (expected state %q)", e.Model, e.RecordID, e.Expected)
}

func (e *StaleStateError) Code() string { return "STALE_STATE" }
