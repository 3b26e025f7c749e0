package aggregator

import (
	"maps"
	"slices"

	"github.com/eigerco/aggregator/internal/safemath"
)

// LegacyChange is WriteChange, MergeChange or DeleteChange.
type LegacyChange interface {
	isLegacyChange()
}

// WriteChange writes a value to storage.
type WriteChange struct {
	Value safemath.Uint128
}

// MergeChange merges a delta with the value in storage.
type MergeChange struct {
	Op DeltaOp
}

// DeleteChange deletes the value from storage.
type DeleteChange struct{}

func (WriteChange) isLegacyChange()  {}
func (MergeChange) isLegacyChange()  {}
func (DeleteChange) isLegacyChange() {}

// EphemeralChange is one of DataChange, StringDataChange,
// AggregatorDeltaChange, SnapshotDeltaChange or SnapshotConcatChange.
type EphemeralChange interface {
	isEphemeralChange()
}

type DataChange struct {
	Value safemath.Uint128
}

type StringDataChange struct {
	Value []byte
}

type AggregatorDeltaChange struct {
	Delta    SignedU128
	MaxValue safemath.Uint128
	History  DeltaHistory
}

type SnapshotDeltaChange struct {
	Delta          SignedU128
	BaseAggregator ID
}

type SnapshotConcatChange struct {
	BaseSnapshot ID
	Formula      DerivedFormula
}

func (DataChange) isEphemeralChange()            {}
func (StringDataChange) isEphemeralChange()      {}
func (AggregatorDeltaChange) isEphemeralChange() {}
func (SnapshotDeltaChange) isEphemeralChange()   {}
func (SnapshotConcatChange) isEphemeralChange()  {}

// ChangeSet holds all changes made by the aggregators of one transaction.
type ChangeSet struct {
	Legacy    map[ID]LegacyChange
	Ephemeral map[ID]EphemeralChange
}

func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Legacy) == 0 && len(cs.Ephemeral) == 0
}

func (cs ChangeSet) SortedLegacyIDs() []ID {
	ids := slices.Collect(maps.Keys(cs.Legacy))
	SortIDs(ids)
	return ids
}

func (cs ChangeSet) SortedEphemeralIDs() []ID {
	ids := slices.Collect(maps.Keys(cs.Ephemeral))
	SortIDs(ids)
	return ids
}

// Materialize drains data into the change set the commit layer applies.
// Ephemeral aggregators that were touched but never changed (zero delta and
// empty history) and snapshots that were only read produce no change, so they
// cannot cause write conflicts.
func Materialize(data *Data) (ChangeSet, error) {
	parts, err := data.IntoParts()
	if err != nil {
		return ChangeSet{}, err
	}

	cs := ChangeSet{
		Legacy:    make(map[ID]LegacyChange),
		Ephemeral: make(map[ID]EphemeralChange),
	}

	// First, process all writes and deltas.
	for id, aggregator := range parts.Aggregators {
		if id.IsEphemeral() {
			switch s := aggregator.state.(type) {
			case DataState:
				cs.Ephemeral[id] = DataChange{Value: s.Value}
			case DeltaState:
				if s.Delta.IsZero() && s.History.IsEmpty() {
					continue
				}
				cs.Ephemeral[id] = AggregatorDeltaChange{
					Delta:    s.Delta,
					MaxValue: aggregator.maxValue,
					History:  s.History,
				}
			default:
				return ChangeSet{}, invariantError("unknown aggregator state %T", s)
			}
			continue
		}

		switch s := aggregator.state.(type) {
		case DataState:
			cs.Legacy[id] = WriteChange{Value: s.Value}
		case DeltaState:
			cs.Legacy[id] = MergeChange{Op: NewDeltaOp(s.Delta, aggregator.maxValue, s.History)}
		default:
			return ChangeSet{}, invariantError("unknown aggregator state %T", s)
		}
	}

	for id, snapshot := range parts.Snapshots {
		switch s := snapshot.state.(type) {
		case SnapshotData:
			switch v := s.Value.(type) {
			case IntegerValue:
				cs.Ephemeral[id] = DataChange{Value: safemath.Uint128(v)}
			case StringValue:
				cs.Ephemeral[id] = StringDataChange{Value: v}
			default:
				return ChangeSet{}, invariantError("unknown snapshot value %T", v)
			}
		case SnapshotDelta:
			cs.Ephemeral[id] = SnapshotDeltaChange{Delta: s.Delta, BaseAggregator: s.BaseAggregator}
		case SnapshotConcat:
			cs.Ephemeral[id] = SnapshotConcatChange{BaseSnapshot: s.BaseSnapshot, Formula: s.Formula}
		case SnapshotReference:
			// Pure external reads produce no write.
		default:
			return ChangeSet{}, invariantError("unknown snapshot state %T", s)
		}
	}

	// Deletes go last so they win over any write or merge.
	for id := range parts.DestroyedAggregators {
		cs.Legacy[id] = DeleteChange{}
		delete(cs.Ephemeral, id)
	}

	return cs, nil
}
