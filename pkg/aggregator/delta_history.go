package aggregator

import (
	"errors"

	"github.com/eigerco/aggregator/internal/safemath"
)

// OptionalUint128 is a magnitude that may be unset.
type OptionalUint128 struct {
	Value safemath.Uint128
	Set   bool
}

func Some(v safemath.Uint128) OptionalUint128 {
	return OptionalUint128{Value: v, Set: true}
}

func (o OptionalUint128) String() string {
	if !o.Set {
		return "none"
	}
	return o.Value.String()
}

// DeltaHistory summarises the outcomes of a sequence of delta applications so
// the sequence can be validated against a base value without replaying it.
type DeltaHistory struct {
	// Largest net positive delta that was successfully reached.
	MaxAchievedPositiveDelta safemath.Uint128
	// Largest net negative delta (as a magnitude) that was successfully reached.
	MinAchievedNegativeDelta safemath.Uint128
	// Smallest positive delta known to overflow.
	MinOverflowPositiveDelta OptionalUint128
	// Smallest negative delta magnitude known to underflow.
	MaxUnderflowNegativeDelta OptionalUint128
}

func NewDeltaHistory() DeltaHistory {
	return DeltaHistory{}
}

// RecordSuccess widens the achieved range to cover delta. It never narrows.
func (h *DeltaHistory) RecordSuccess(delta SignedU128) {
	if delta.IsPositive() {
		h.MaxAchievedPositiveDelta = safemath.Max(h.MaxAchievedPositiveDelta, delta.Magnitude())
		return
	}
	h.MinAchievedNegativeDelta = safemath.Max(h.MinAchievedNegativeDelta, delta.Magnitude())
}

// RecordOverflow tightens the smallest known overflowing positive delta.
func (h *DeltaHistory) RecordOverflow(delta safemath.Uint128) {
	if !h.MinOverflowPositiveDelta.Set || delta.Less(h.MinOverflowPositiveDelta.Value) {
		h.MinOverflowPositiveDelta = Some(delta)
	}
}

// RecordUnderflow tightens the smallest known underflowing negative delta.
func (h *DeltaHistory) RecordUnderflow(delta safemath.Uint128) {
	if !h.MaxUnderflowNegativeDelta.Set || delta.Less(h.MaxUnderflowNegativeDelta.Value) {
		h.MaxUnderflowNegativeDelta = Some(delta)
	}
}

func (h DeltaHistory) IsEmpty() bool {
	return h.MaxAchievedPositiveDelta.IsZero() &&
		h.MinAchievedNegativeDelta.IsZero() &&
		!h.MinOverflowPositiveDelta.Set &&
		!h.MaxUnderflowNegativeDelta.Set
}

// ValidateAgainstBaseValue checks that every recorded success would still
// succeed and every recorded failure would still fail when starting from base:
//
//	base + max_achieved_positive_delta <= max_value
//	base >= min_achieved_negative_delta
//	base + min_overflow_positive_delta > max_value
//	base < max_underflow_negative_delta
//
// The returned error is a *ValidationError wrapping ErrDeltaConflict.
func (h DeltaHistory) ValidateAgainstBaseValue(base, maxValue safemath.Uint128) error {
	math := NewBoundedMath(maxValue)

	if _, err := math.UnsignedAdd(base, h.MaxAchievedPositiveDelta); err != nil {
		return &ValidationError{Kind: BoundMaxAchievedPositive, Base: base, Bound: h.MaxAchievedPositiveDelta, MaxValue: maxValue}
	}
	if _, err := math.UnsignedSubtract(base, h.MinAchievedNegativeDelta); err != nil {
		return &ValidationError{Kind: BoundMinAchievedNegative, Base: base, Bound: h.MinAchievedNegativeDelta, MaxValue: maxValue}
	}
	if h.MinOverflowPositiveDelta.Set {
		if _, err := math.UnsignedAdd(base, h.MinOverflowPositiveDelta.Value); err == nil {
			return &ValidationError{Kind: BoundMinOverflowPositive, Base: base, Bound: h.MinOverflowPositiveDelta.Value, MaxValue: maxValue}
		}
	}
	if h.MaxUnderflowNegativeDelta.Set {
		if !base.Less(h.MaxUnderflowNegativeDelta.Value) {
			return &ValidationError{Kind: BoundMaxUnderflowNegative, Base: base, Bound: h.MaxUnderflowNegativeDelta.Value, MaxValue: maxValue}
		}
	}
	return nil
}

// OffsetAndMerge re-expresses h, recorded against a starting value of
// base+prevDelta, relative to base and merges it with prevHistory, which was
// recorded against base itself.
func (h DeltaHistory) OffsetAndMerge(prevDelta SignedU128, prevHistory DeltaHistory, maxValue safemath.Uint128) (DeltaHistory, error) {
	math := NewBoundedMath(maxValue)
	merged := prevHistory

	// Successes are signed deltas relative to the shifted start.
	for _, achieved := range []SignedU128{
		Positive(h.MaxAchievedPositiveDelta),
		Negative(h.MinAchievedNegativeDelta),
	} {
		shifted, err := math.SignedAdd(prevDelta, achieved)
		if err != nil {
			return DeltaHistory{}, invariantError("shifting achieved delta %s by %s: %v", achieved, prevDelta, err)
		}
		merged.RecordSuccess(shifted)
	}

	if h.MinOverflowPositiveDelta.Set {
		shifted, err := math.SignedAdd(prevDelta, Positive(h.MinOverflowPositiveDelta.Value))
		switch {
		case errors.Is(err, ErrBoundOverflow):
			// Overflows for every base; nothing to record.
		case err != nil:
			return DeltaHistory{}, invariantError("shifting overflow delta: %v", err)
		case !shifted.IsPositive() || shifted.IsZero():
			return DeltaHistory{}, invariantError("overflow delta %s shifted by %s is not positive", h.MinOverflowPositiveDelta, prevDelta)
		case !maxValue.Less(shifted.Magnitude()):
			merged.RecordOverflow(shifted.Magnitude())
		}
	}

	if h.MaxUnderflowNegativeDelta.Set {
		shifted, err := math.SignedAdd(prevDelta, Negative(h.MaxUnderflowNegativeDelta.Value))
		switch {
		case errors.Is(err, ErrBoundUnderflow):
			// Underflows for every base; nothing to record.
		case err != nil:
			return DeltaHistory{}, invariantError("shifting underflow delta: %v", err)
		case shifted.IsPositive():
			return DeltaHistory{}, invariantError("underflow delta %s shifted by %s is not negative", h.MaxUnderflowNegativeDelta, prevDelta)
		case !maxValue.Less(shifted.Magnitude()):
			merged.RecordUnderflow(shifted.Magnitude())
		}
	}

	return merged, nil
}
