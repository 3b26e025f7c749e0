package aggregator

import (
	"errors"
	"fmt"

	"github.com/eigerco/aggregator/internal/safemath"
)

var (
	// ErrBoundOverflow is returned by bounded math when a result would exceed
	// the upper bound. It never escapes TryAdd, which reports false instead.
	ErrBoundOverflow = errors.New("bounded math overflow")

	// ErrBoundUnderflow is returned by bounded math when a result would go
	// below zero. It never escapes TrySub, which reports false instead.
	ErrBoundUnderflow = errors.New("bounded math underflow")

	// ErrInvariantViolation marks an execution attempt as invalid. Either the
	// caller broke the calling protocol or the speculative reads it was based
	// on turned out to be stale. The attempt must be discarded and re-executed.
	ErrInvariantViolation = errors.New("code invariant error")

	// ErrDeltaConflict is returned when a delta history is inconsistent with a
	// base value revealed after speculative execution.
	ErrDeltaConflict = errors.New("delta history conflicts with base value")

	// ErrExtension wraps resolver failures, including reading a deleted aggregator.
	ErrExtension = errors.New("aggregator extension error")

	// ErrValueNotFound is returned by resolvers for an id that has no value.
	ErrValueNotFound = errors.New("aggregator value not found")

	// ErrDataConsumed is returned when a registry is used after it was drained.
	ErrDataConsumed = errors.New("aggregator data already consumed")
)

func invariantError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// invariantErrorWrap marks err as invalidating the current execution attempt.
func invariantErrorWrap(err error) error {
	return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
}

func extensionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExtension, fmt.Sprintf(format, args...))
}

func notFoundError(err error) error {
	return fmt.Errorf("%w: Could not find the value of the aggregator: %w", ErrExtension, err)
}

type BoundKind uint8

const (
	BoundMaxAchievedPositive BoundKind = iota
	BoundMinAchievedNegative
	BoundMinOverflowPositive
	BoundMaxUnderflowNegative
)

func (k BoundKind) String() string {
	switch k {
	case BoundMaxAchievedPositive:
		return "max achieved positive delta"
	case BoundMinAchievedNegative:
		return "min achieved negative delta"
	case BoundMinOverflowPositive:
		return "min overflow positive delta"
	case BoundMaxUnderflowNegative:
		return "max underflow negative delta"
	default:
		return "unknown bound"
	}
}

// ValidationError describes which recorded outcome of a DeltaHistory the
// base value contradicts.
type ValidationError struct {
	Kind     BoundKind
	Base     safemath.Uint128
	Bound    safemath.Uint128
	MaxValue safemath.Uint128
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: base value %s contradicts %s %s (max value %s)",
		ErrDeltaConflict, e.Base, e.Kind, e.Bound, e.MaxValue)
}

func (e *ValidationError) Unwrap() error {
	return ErrDeltaConflict
}
