package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is wrapped by every *ConfigError.
	ErrConfig = errors.New("invalid run configuration")
	// ErrDuplicateOperation signals an operation hash registered twice.
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrUnknownHost        = errors.New("unknown host")
	ErrNotBound           = errors.New("no run state bound")
)

// ConfigError describes a setting that prevents a run from being set up.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s=%q: %s", e.Field, e.Value, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// DuplicateOperationError names the operation and, when known, the host it
// was declared twice for.
type DuplicateOperationError struct {
	Hash string
	Name string
	Host string
	// Started is true when the operation had already begun executing.
	Started bool
}

func (e *DuplicateOperationError) Error() string {
	switch {
	case e.Started:
		return fmt.Sprintf("operation %q (%s) already started", e.Name, e.Hash)
	case e.Host != "":
		return fmt.Sprintf("operation %q (%s) already declared for host %s", e.Name, e.Hash, e.Host)
	default:
		return fmt.Sprintf("operation %q (%s) declared twice", e.Name, e.Hash)
	}
}

func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }
