package core

import (
	"errors"
	"fmt"
)

// ErrServerUnreachable is returned when the local server never answered HTTP requests
var ErrServerUnreachable = errors.New("local server did not become reachable")

// ConfigError reports invalid user input; nothing is spawned when one is returned
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
