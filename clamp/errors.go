package clamp

import (
	"errors"
	"fmt"
)

// The transform has no partial-success mode: the first error of any of these
// kinds aborts the whole run and the module must be discarded.
var (
	// ErrUnsupportedConstruct marks IR the engine refuses to instrument:
	// variadic functions, pointer or array return types, atomics and other
	// unlowerable instructions, half-precision vector builtins, and global
	// initializers it cannot relocate.
	ErrUnsupportedConstruct = errors.New("unsupported construct")

	// ErrUnresolvableBounds means a checked operand's region could not be
	// determined and the owning address space does not have exactly one
	// registered region to fall back on.
	ErrUnresolvableBounds = errors.New("unresolvable bounds")

	// ErrInconsistentBounds means dataflow derived two different regions for
	// the same storage location. A single location cannot carry a union of
	// bounds, so this is always fatal.
	ErrInconsistentBounds = errors.New("inconsistent bounds")

	// ErrStrictMode marks conditions tolerated only in relaxed mode: calls to
	// unrecognized external functions and pointer-typed main arguments.
	ErrStrictMode = errors.New("strict mode violation")
)

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupportedConstruct)...)
}

func unresolvablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnresolvableBounds)...)
}

func inconsistentf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInconsistentBounds)...)
}

func strictModef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStrictMode)...)
}
