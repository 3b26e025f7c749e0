package aggregator

import (
	"errors"

	"github.com/eigerco/aggregator/internal/safemath"
)

// SignedU128 is a delta with an explicit sign. A zero delta is always positive.
type SignedU128 struct {
	negative  bool
	magnitude safemath.Uint128
}

func Positive(magnitude safemath.Uint128) SignedU128 {
	return SignedU128{magnitude: magnitude}
}

func Negative(magnitude safemath.Uint128) SignedU128 {
	if magnitude.IsZero() {
		return SignedU128{}
	}
	return SignedU128{negative: true, magnitude: magnitude}
}

func (s SignedU128) IsZero() bool {
	return s.magnitude.IsZero()
}

func (s SignedU128) IsPositive() bool {
	return !s.negative
}

func (s SignedU128) Magnitude() safemath.Uint128 {
	return s.magnitude
}

// Minus returns the delta with the opposite sign.
func (s SignedU128) Minus() SignedU128 {
	if s.negative {
		return Positive(s.magnitude)
	}
	return Negative(s.magnitude)
}

func (s SignedU128) String() string {
	if s.negative {
		return "-" + s.magnitude.String()
	}
	return "+" + s.magnitude.String()
}

// BoundedMath implements arithmetic over [0, maxValue].
type BoundedMath struct {
	maxValue safemath.Uint128
}

func NewBoundedMath(maxValue safemath.Uint128) BoundedMath {
	return BoundedMath{maxValue: maxValue}
}

func (m BoundedMath) MaxValue() safemath.Uint128 {
	return m.maxValue
}

// UnsignedAdd returns base+value, failing if the sum exceeds maxValue.
func (m BoundedMath) UnsignedAdd(base, value safemath.Uint128) (safemath.Uint128, error) {
	if m.maxValue.Less(base) {
		return safemath.Uint128{}, ErrBoundOverflow
	}
	room, _ := safemath.Sub(m.maxValue, base)
	if room.Less(value) {
		return safemath.Uint128{}, ErrBoundOverflow
	}
	sum, _ := safemath.Add(base, value)
	return sum, nil
}

// UnsignedSubtract returns base-value, failing if the result would be negative.
func (m BoundedMath) UnsignedSubtract(base, value safemath.Uint128) (safemath.Uint128, error) {
	diff, ok := safemath.Sub(base, value)
	if !ok {
		return safemath.Uint128{}, ErrBoundUnderflow
	}
	return diff, nil
}

func (m BoundedMath) UnsignedAddDelta(base safemath.Uint128, delta SignedU128) (safemath.Uint128, error) {
	if delta.negative {
		return m.UnsignedSubtract(base, delta.magnitude)
	}
	return m.UnsignedAdd(base, delta.magnitude)
}

// SignedAdd combines two deltas. It only fails when the combined magnitude
// does not fit into 128 bits; maxValue is not consulted.
func (m BoundedMath) SignedAdd(left, right SignedU128) (SignedU128, error) {
	switch {
	case !left.negative && !right.negative:
		sum, ok := safemath.Add(left.magnitude, right.magnitude)
		if !ok {
			return SignedU128{}, ErrBoundOverflow
		}
		return Positive(sum), nil
	case left.negative && right.negative:
		sum, ok := safemath.Add(left.magnitude, right.magnitude)
		if !ok {
			return SignedU128{}, ErrBoundUnderflow
		}
		return Negative(sum), nil
	}

	pos, neg := left.magnitude, right.magnitude
	if left.negative {
		pos, neg = right.magnitude, left.magnitude
	}
	if diff, ok := safemath.Sub(pos, neg); ok {
		return Positive(diff), nil
	}
	diff, _ := safemath.Sub(neg, pos)
	return Negative(diff), nil
}

// okOverflow turns an overflow into an absent value, leaving other errors alone.
func okOverflow(v safemath.Uint128, err error) (safemath.Uint128, bool, error) {
	if errors.Is(err, ErrBoundOverflow) {
		return safemath.Uint128{}, false, nil
	}
	if err != nil {
		return safemath.Uint128{}, false, err
	}
	return v, true, nil
}

// expectOK reports a bounded math failure that cannot happen on a consistent
// state as an invariant violation.
func expectOK[T any](v T, err error) (T, error) {
	if err != nil {
		return v, invariantError("unexpected bounded math failure: %v", err)
	}
	return v, nil
}
