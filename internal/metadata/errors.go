package metadata

import "fmt"

// ConfigurationError reports a mistake in a model, schema or state machine
// declaration. It is only produced while definitions are compiled, never
// while serving calls.
type ConfigurationError struct {
	Model   string
	Subject string
	Message string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Model != "" && e.Subject != "":
		return fmt.Sprintf("configuration error in %s (%s): %s", e.Model, e.Subject, e.Message)
	case e.Model != "":
		return fmt.Sprintf("configuration error in %s: %s", e.Model, e.Message)
	case e.Subject != "":
		return fmt.Sprintf("configuration error (%s): %s", e.Subject, e.Message)
	default:
		return "configuration error: " + e.Message
	}
}

func (e *ConfigurationError) Code() string { return "CONFIGURATION_ERROR" }
