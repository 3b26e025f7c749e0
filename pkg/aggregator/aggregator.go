package aggregator

import (
	"github.com/eigerco/aggregator/internal/safemath"
)

// Aggregator is a bounded counter in [0, maxValue]. It is owned by the Data
// registry of a single transaction and never shared.
type Aggregator struct {
	id       ID
	maxValue safemath.Uint128
	state    State
}

func (a *Aggregator) ID() ID {
	return a.id
}

func (a *Aggregator) MaxValue() safemath.Uint128 {
	return a.maxValue
}

func (a *Aggregator) State() State {
	return a.state
}

// History returns the delta history of an aggregator in delta state.
func (a *Aggregator) History() (DeltaHistory, bool) {
	if s, ok := a.state.(DeltaState); ok {
		return s.History, true
	}
	return DeltaHistory{}, false
}

// TryAdd adds input to the aggregator. It returns false if the addition
// would overflow, and an error only if the execution attempt is invalid and
// must be re-executed.
func (a *Aggregator) TryAdd(resolver Resolver, input safemath.Uint128) (bool, error) {
	if a.maxValue.Less(input) {
		// Overflows for any starting value, nothing to record.
		return false, nil
	}
	if err := a.ReadLastCommittedAggregatorValue(resolver); err != nil {
		return false, err
	}
	math := NewBoundedMath(a.maxValue)

	switch s := a.state.(type) {
	case DataState:
		value, err := math.UnsignedAdd(s.Value, input)
		if err != nil {
			return false, nil
		}
		a.state = DataState{Value: value}
		return true, nil
	case DeltaState:
		start, err := s.StartValue.AnyValue()
		if err != nil {
			return false, err
		}
		current, err := expectOK(math.UnsignedAddDelta(start, s.Delta))
		if err != nil {
			return false, err
		}

		if _, err := math.UnsignedAdd(current, input); err != nil {
			// Record the overflow in delta space. If input+delta is itself
			// beyond maxValue the add overflows for every base value.
			overflow, ok, err := okOverflow(math.UnsignedAddDelta(input, s.Delta))
			if _, err := expectOK(overflow, err); err != nil {
				return false, err
			}
			if ok {
				s.History.RecordOverflow(overflow)
				a.state = s
			}
			return false, nil
		}

		delta, err := expectOK(math.SignedAdd(s.Delta, Positive(input)))
		if err != nil {
			return false, err
		}
		s.Delta = delta
		s.History.RecordSuccess(delta)
		a.state = s
		return true, nil
	default:
		return false, invariantError("unknown aggregator state %T", s)
	}
}

// TrySub subtracts input from the aggregator. It returns false if the
// subtraction would underflow, and an error only if the execution attempt is
// invalid and must be re-executed.
func (a *Aggregator) TrySub(resolver Resolver, input safemath.Uint128) (bool, error) {
	if a.maxValue.Less(input) {
		// Underflows for any starting value, nothing to record.
		return false, nil
	}
	if err := a.ReadLastCommittedAggregatorValue(resolver); err != nil {
		return false, err
	}
	math := NewBoundedMath(a.maxValue)

	switch s := a.state.(type) {
	case DataState:
		value, err := math.UnsignedSubtract(s.Value, input)
		if err != nil {
			return false, nil
		}
		a.state = DataState{Value: value}
		return true, nil
	case DeltaState:
		start, err := s.StartValue.AnyValue()
		if err != nil {
			return false, err
		}
		current, err := expectOK(math.UnsignedAddDelta(start, s.Delta))
		if err != nil {
			return false, err
		}

		if current.Less(input) {
			// input-delta beyond maxValue underflows for every base value.
			underflow, ok, err := okOverflow(math.UnsignedAddDelta(input, s.Delta.Minus()))
			if _, err := expectOK(underflow, err); err != nil {
				return false, err
			}
			if ok {
				s.History.RecordUnderflow(underflow)
				a.state = s
			}
			return false, nil
		}

		delta, err := expectOK(math.SignedAdd(s.Delta, Negative(input)))
		if err != nil {
			return false, err
		}
		s.Delta = delta
		s.History.RecordSuccess(delta)
		a.state = s
		return true, nil
	default:
		return false, invariantError("unknown aggregator state %T", s)
	}
}

// ReadLastCommittedAggregatorValue is the cheap read. It populates an Unset
// start value with the last committed value and is a no-op otherwise. It must
// run before any delta is applied.
func (a *Aggregator) ReadLastCommittedAggregatorValue(resolver Resolver) error {
	s, ok := a.state.(DeltaState)
	if !ok || !s.StartValue.IsUnset() {
		return nil
	}
	if !s.Delta.IsZero() || !s.History.IsEmpty() {
		return invariantError("delta or history not empty with Unset speculative value")
	}

	value, err := a.readFromResolver(resolver, ReadLastCommitted)
	if err != nil {
		return err
	}
	s.StartValue = LastCommittedValue(value)
	a.state = s
	return nil
}

// ReadMostRecentAggregatorValue is the expensive read. It returns the current
// value of the aggregator. In delta state the first call reads the aggregated
// value from the resolver, validates it against the history and caches it.
func (a *Aggregator) ReadMostRecentAggregatorValue(resolver Resolver) (safemath.Uint128, error) {
	switch s := a.state.(type) {
	case DataState:
		return s.Value, nil
	case DeltaState:
		math := NewBoundedMath(a.maxValue)
		if s.StartValue.IsAggregated() {
			start, err := s.StartValue.ValueForRead()
			if err != nil {
				return safemath.Uint128{}, err
			}
			return expectOK(math.UnsignedAddDelta(start, s.Delta))
		}

		value, err := a.readFromResolver(resolver, ReadAggregated)
		if err != nil {
			return safemath.Uint128{}, err
		}
		if err := s.History.ValidateAgainstBaseValue(value, a.maxValue); err != nil {
			return safemath.Uint128{}, invariantErrorWrap(err)
		}
		result, err := expectOK(math.UnsignedAddDelta(value, s.Delta))
		if err != nil {
			return safemath.Uint128{}, err
		}
		s.StartValue = AggregatedValue(value)
		a.state = s
		return result, nil
	default:
		return safemath.Uint128{}, invariantError("unknown aggregator state %T", s)
	}
}

func (a *Aggregator) readFromResolver(resolver Resolver, mode ReadMode) (safemath.Uint128, error) {
	if key, ok := a.id.StateKey(); ok {
		value, found, err := resolver.GetLegacyValue(key, mode)
		if err != nil {
			return safemath.Uint128{}, notFoundError(err)
		}
		if !found {
			return safemath.Uint128{}, extensionError("Could not read from deleted aggregator at %s", a.id)
		}
		return value, nil
	}

	v, err := resolver.GetEphemeralValue(a.id, mode)
	if err != nil {
		return safemath.Uint128{}, notFoundError(err)
	}
	value, err := v.IntoAggregatorValue()
	if err != nil {
		return safemath.Uint128{}, notFoundError(err)
	}
	return value, nil
}
