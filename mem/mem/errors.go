// Package mem defines the values shared by all the memory-hierarchy models:
// size units, power-of-two helpers, and the error taxonomy.
package mem

import (
	"errors"
	"fmt"
)

// ErrConfig is matched by every ConfigError through errors.Is.
var ErrConfig = errors.New("invalid configuration")

// ErrInvariantViolation marks an internal state that must never be reached,
// such as a set holding more valid lines than its associativity or two valid
// ways sharing one tag. Models panic with an error wrapping it.
var ErrInvariantViolation = errors.New("capacity invariant violation")

// A ConfigError reports a configuration that a model refuses to be built
// with. It is returned at construction time and never recovered internally.
type ConfigError struct {
	Component string
	Param     string
	Value     any
	Rule      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: invalid %s=%v: %s",
		e.Component, e.Param, e.Value, e.Rule)
}

// Is makes errors.Is(err, ErrConfig) succeed for any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// NewConfigError creates a ConfigError.
func NewConfigError(component, param string, value any, rule string) error {
	return &ConfigError{
		Component: component,
		Param:     param,
		Value:     value,
		Rule:      rule,
	}
}

// An AddressError reports an address that cannot be represented with the
// address width of the model that received it.
type AddressError struct {
	Component string
	Addr      uint64
	Width     int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: address 0x%x does not fit in %d bits",
		e.Component, e.Addr, e.Width)
}

// InvariantViolation builds the panic value used for unreachable states.
func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation,
		fmt.Sprintf(format, args...))
}
