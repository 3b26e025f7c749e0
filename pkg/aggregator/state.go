package aggregator

import (
	"fmt"

	"github.com/eigerco/aggregator/internal/safemath"
)

type startValueKind uint8

const (
	startUnset startValueKind = iota
	startLastCommitted
	startAggregated
)

// SpeculativeStartValue describes how the start value of a Delta aggregator
// was obtained. It only moves forward: Unset, LastCommittedValue, AggregatedValue.
type SpeculativeStartValue struct {
	kind  startValueKind
	value safemath.Uint128
}

func Unset() SpeculativeStartValue {
	return SpeculativeStartValue{}
}

// LastCommittedValue is a start value read without folding in concurrent
// deltas. It is not tracked as a read conflict: any use of it must be
// captured in the delta history, so it may only influence try_add/try_sub
// outcomes.
func LastCommittedValue(v safemath.Uint128) SpeculativeStartValue {
	return SpeculativeStartValue{kind: startLastCommitted, value: v}
}

// AggregatedValue is a start value obtained by an aggregated read that folds
// in the deltas present at read time.
func AggregatedValue(v safemath.Uint128) SpeculativeStartValue {
	return SpeculativeStartValue{kind: startAggregated, value: v}
}

func (s SpeculativeStartValue) IsUnset() bool {
	return s.kind == startUnset
}

func (s SpeculativeStartValue) IsAggregated() bool {
	return s.kind == startAggregated
}

// AnyValue returns the start value regardless of how it was read.
func (s SpeculativeStartValue) AnyValue() (safemath.Uint128, error) {
	if s.kind == startUnset {
		return safemath.Uint128{}, invariantError("tried calling AnyValue on Unset speculative value")
	}
	return s.value, nil
}

// ValueForRead returns the start value only if it came from an aggregated read.
func (s SpeculativeStartValue) ValueForRead() (safemath.Uint128, error) {
	switch s.kind {
	case startUnset:
		return safemath.Uint128{}, invariantError("tried calling ValueForRead on Unset speculative value")
	case startLastCommitted:
		return safemath.Uint128{}, invariantError("tried calling ValueForRead on LastCommittedValue speculative value")
	}
	return s.value, nil
}

func (s SpeculativeStartValue) String() string {
	switch s.kind {
	case startLastCommitted:
		return fmt.Sprintf("LastCommittedValue(%s)", s.value)
	case startAggregated:
		return fmt.Sprintf("AggregatedValue(%s)", s.value)
	}
	return "Unset"
}

// State is either DataState or DeltaState.
type State interface {
	isState()
}

// DataState is an aggregator whose value is known, 0 <= Value <= max value.
type DataState struct {
	Value safemath.Uint128
}

// DeltaState is an aggregator whose true value is StartValue + Delta, unknown
// until a base value is resolved.
type DeltaState struct {
	StartValue SpeculativeStartValue
	Delta      SignedU128
	History    DeltaHistory
}

func (DataState) isState()  {}
func (DeltaState) isState() {}
