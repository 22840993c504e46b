package config

import "fmt"

// ConfigurationError reports a setting that prevents startup, or a single
// feed entry that was rejected.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "config " + e.Field
	if e.Value != "" {
		msg += fmt.Sprintf(" (%q)", e.Value)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
