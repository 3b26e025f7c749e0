package executor

import (
	"bytes"
	"errors"

	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
)

// observation is the outcome of one aggregated read.
type observation struct {
	value aggregator.SnapshotValue
	found bool
}

// recordingResolver remembers every read of an attempt so the commit phase
// can check the values it depended on are still current. It is owned by one
// attempt.
type recordingResolver struct {
	inner aggregator.Resolver
	reads map[aggregator.ReadMode]map[aggregator.ID]observation
}

func newRecordingResolver(inner aggregator.Resolver) *recordingResolver {
	return &recordingResolver{
		inner: inner,
		reads: map[aggregator.ReadMode]map[aggregator.ID]observation{
			aggregator.ReadLastCommitted: {},
			aggregator.ReadAggregated:    {},
		},
	}
}

func (r *recordingResolver) GetLegacyValue(key aggregator.StateKey, mode aggregator.ReadMode) (safemath.Uint128, bool, error) {
	v, ok, err := r.inner.GetLegacyValue(key, mode)
	if err == nil {
		r.reads[mode][aggregator.Legacy(key)] = observation{value: aggregator.IntegerValue(v), found: ok}
	}
	return v, ok, err
}

func (r *recordingResolver) GetEphemeralValue(id aggregator.ID, mode aggregator.ReadMode) (aggregator.SnapshotValue, error) {
	v, err := r.inner.GetEphemeralValue(id, mode)
	switch {
	case err == nil:
		r.reads[mode][id] = observation{value: v, found: true}
	case errors.Is(err, aggregator.ErrValueNotFound):
		r.reads[mode][id] = observation{}
	}
	return v, err
}

// stale returns the first recorded read whose value changed in current.
// Aggregated reads are always checked. A last committed read of id is skipped
// when validated(id) is true: the store re-checks what the attempt derived
// from it when it applies the delta history. A nil validated checks every read.
func (r *recordingResolver) stale(current aggregator.Resolver, validated func(aggregator.ID) bool) (aggregator.ID, bool, error) {
	for _, mode := range []aggregator.ReadMode{aggregator.ReadAggregated, aggregator.ReadLastCommitted} {
		reads := r.reads[mode]
		ids := make([]aggregator.ID, 0, len(reads))
		for id := range reads {
			if mode == aggregator.ReadLastCommitted && validated != nil && validated(id) {
				continue
			}
			ids = append(ids, id)
		}
		aggregator.SortIDs(ids)

		for _, id := range ids {
			now, err := observe(current, id)
			if err != nil {
				return aggregator.ID{}, false, err
			}
			if !sameObservation(reads[id], now) {
				return id, true, nil
			}
		}
	}
	return aggregator.ID{}, false, nil
}

// validatedByApply reports whether applying cs validates the history of id.
// Only merges carry one: a delete, a plain write or a dropped no-op change
// commits nothing the store could check.
func validatedByApply(cs aggregator.ChangeSet, id aggregator.ID) bool {
	if _, deleted := cs.Legacy[id].(aggregator.DeleteChange); deleted {
		return false
	}
	if id.IsLegacy() {
		_, ok := cs.Legacy[id].(aggregator.MergeChange)
		return ok
	}
	_, ok := cs.Ephemeral[id].(aggregator.AggregatorDeltaChange)
	return ok
}

func observe(resolver aggregator.Resolver, id aggregator.ID) (observation, error) {
	if key, ok := id.StateKey(); ok {
		v, found, err := resolver.GetLegacyValue(key, aggregator.ReadAggregated)
		if err != nil {
			return observation{}, err
		}
		return observation{value: aggregator.IntegerValue(v), found: found}, nil
	}
	v, err := resolver.GetEphemeralValue(id, aggregator.ReadAggregated)
	if errors.Is(err, aggregator.ErrValueNotFound) {
		return observation{}, nil
	}
	if err != nil {
		return observation{}, err
	}
	return observation{value: v, found: true}, nil
}

func sameObservation(a, b observation) bool {
	if a.found != b.found {
		return false
	}
	if !a.found {
		return true
	}
	switch av := a.value.(type) {
	case aggregator.IntegerValue:
		bv, ok := b.value.(aggregator.IntegerValue)
		return ok && av == bv
	case aggregator.StringValue:
		bv, ok := b.value.(aggregator.StringValue)
		return ok && bytes.Equal(av, bv)
	}
	return false
}
