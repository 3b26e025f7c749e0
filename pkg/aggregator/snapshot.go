package aggregator

import (
	"fmt"

	"github.com/eigerco/aggregator/internal/safemath"
)

// SnapshotValue is either an IntegerValue or a StringValue.
type SnapshotValue interface {
	isSnapshotValue()
	// IntoAggregatorValue returns the integer held by the value, failing with
	// an invariant violation for strings.
	IntoAggregatorValue() (safemath.Uint128, error)
	String() string
}

type IntegerValue safemath.Uint128

type StringValue []byte

func (IntegerValue) isSnapshotValue() {}
func (StringValue) isSnapshotValue()  {}

func (v IntegerValue) IntoAggregatorValue() (safemath.Uint128, error) {
	return safemath.Uint128(v), nil
}

func (v StringValue) IntoAggregatorValue() (safemath.Uint128, error) {
	return safemath.Uint128{}, invariantError("tried calling IntoAggregatorValue on String SnapshotValue")
}

func (v IntegerValue) String() string {
	return safemath.Uint128(v).String()
}

func (v StringValue) String() string {
	return string(v)
}

// DerivedFormula computes a snapshot value from a base snapshot value.
type DerivedFormula interface {
	Apply(base SnapshotValue) SnapshotValue
}

// ConcatFormula sandwiches the base value between Prefix and Suffix. Integer
// bases are rendered in decimal. The result is always a StringValue.
type ConcatFormula struct {
	Prefix []byte
	Suffix []byte
}

func (f ConcatFormula) Apply(base SnapshotValue) SnapshotValue {
	var middle []byte
	switch v := base.(type) {
	case IntegerValue:
		middle = []byte(v.String())
	case StringValue:
		middle = v
	}
	result := make([]byte, 0, len(f.Prefix)+len(middle)+len(f.Suffix))
	result = append(result, f.Prefix...)
	result = append(result, middle...)
	result = append(result, f.Suffix...)
	return StringValue(result)
}

// SnapshotState is one of SnapshotData, SnapshotDelta, SnapshotConcat or
// SnapshotReference.
type SnapshotState interface {
	isSnapshotState()
}

// SnapshotData was created in this transaction with an explicit value.
type SnapshotData struct {
	Value SnapshotValue
}

// SnapshotDelta was created in this transaction from an aggregator in delta
// state. Its value is the base aggregator's start value plus Delta.
type SnapshotDelta struct {
	BaseAggregator ID
	Delta          SignedU128
}

// SnapshotConcat was created in this transaction by a string concatenation.
type SnapshotConcat struct {
	BaseSnapshot ID
	Formula      DerivedFormula
}

// SnapshotReference was not created in this transaction and was read from
// the resolver in aggregated mode. It is never revalidated.
type SnapshotReference struct {
	SpeculativeValue SnapshotValue
}

func (SnapshotData) isSnapshotState()      {}
func (SnapshotDelta) isSnapshotState()     {}
func (SnapshotConcat) isSnapshotState()    {}
func (SnapshotReference) isSnapshotState() {}

// Snapshot is immutable once created. A new derived value gets a new id.
type Snapshot struct {
	id    ID
	state SnapshotState
}

func (s *Snapshot) ID() ID {
	return s.id
}

func (s *Snapshot) State() SnapshotState {
	return s.state
}

// Snapshot captures the current value of the aggregator id, creating it if
// this transaction has not touched it yet, and returns the new snapshot id.
func (d *Data) Snapshot(id ID, maxValue safemath.Uint128) (uint64, error) {
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	aggregator, err := d.GetAggregator(id, maxValue)
	if err != nil {
		return 0, err
	}

	var state SnapshotState
	switch s := aggregator.state.(type) {
	case DataState:
		// No dependency on the aggregator: take the value.
		state = SnapshotData{Value: IntegerValue(s.Value)}
	case DeltaState:
		state = SnapshotDelta{BaseAggregator: id, Delta: s.Delta}
	default:
		return 0, invariantError("unknown aggregator state %T", s)
	}

	newID := d.GenerateID()
	snapshotID := Ephemeral(newID)
	d.snapshots[snapshotID] = &Snapshot{id: snapshotID, state: state}
	return newID, nil
}

// CreateNewSnapshot stores a snapshot with an explicit value under id.
func (d *Data) CreateNewSnapshot(id ID, value SnapshotValue) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	d.snapshots[id] = &Snapshot{id: id, state: SnapshotData{Value: value}}
	return nil
}

// StringConcat creates a snapshot deriving prefix+value(id)+suffix and returns
// its id. The string is only built when the snapshot is read.
func (d *Data) StringConcat(id ID, prefix, suffix []byte) (uint64, error) {
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	newID := d.GenerateID()
	snapshotID := Ephemeral(newID)
	d.snapshots[snapshotID] = &Snapshot{
		id: snapshotID,
		state: SnapshotConcat{
			BaseSnapshot: id,
			Formula: ConcatFormula{
				Prefix: append([]byte(nil), prefix...),
				Suffix: append([]byte(nil), suffix...),
			},
		},
	}
	return newID, nil
}

// GetSnapshot returns the snapshot with id. A snapshot not created in this
// transaction is read from the resolver in aggregated mode and cached as a
// reference.
func (d *Data) GetSnapshot(id ID, resolver Resolver) (*Snapshot, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if snapshot, ok := d.snapshots[id]; ok {
		return snapshot, nil
	}
	value, err := resolver.GetEphemeralValue(id, ReadAggregated)
	if err != nil {
		return nil, notFoundError(err)
	}
	snapshot := &Snapshot{id: id, state: SnapshotReference{SpeculativeValue: value}}
	d.snapshots[id] = snapshot
	return snapshot, nil
}

// ReadSnapshot resolves the value of snapshot id, following concat chains.
func (d *Data) ReadSnapshot(id ID, resolver Resolver) (SnapshotValue, error) {
	snapshot, err := d.GetSnapshot(id, resolver)
	if err != nil {
		return nil, err
	}

	switch s := snapshot.state.(type) {
	case SnapshotData:
		return s.Value, nil
	case SnapshotDelta:
		aggregator, ok := d.aggregators[s.BaseAggregator]
		if !ok {
			value, err := resolver.GetEphemeralValue(id, ReadAggregated)
			if err != nil {
				return nil, notFoundError(err)
			}
			return value, nil
		}
		// The snapshot delta is relative to the aggregator's start value, so
		// the expensive read is only used to resolve and validate that start.
		if _, err := aggregator.ReadMostRecentAggregatorValue(resolver); err != nil {
			return nil, err
		}
		state, ok := aggregator.state.(DeltaState)
		if !ok {
			return nil, invariantError("base aggregator %s of snapshot %s is no longer in delta state", s.BaseAggregator, id)
		}
		start, err := state.StartValue.ValueForRead()
		if err != nil {
			return nil, err
		}
		result, err := expectOK(NewBoundedMath(aggregator.maxValue).UnsignedAddDelta(start, s.Delta))
		if err != nil {
			return nil, err
		}
		return IntegerValue(result), nil
	case SnapshotConcat:
		base, err := d.ReadSnapshot(s.BaseSnapshot, resolver)
		if err != nil {
			return nil, err
		}
		return s.Formula.Apply(base), nil
	case SnapshotReference:
		return s.SpeculativeValue, nil
	default:
		return nil, invariantError("unknown snapshot state %T", s)
	}
}

func (s SnapshotDelta) String() string {
	return fmt.Sprintf("SnapshotDelta{%s %s}", s.BaseAggregator, s.Delta)
}
