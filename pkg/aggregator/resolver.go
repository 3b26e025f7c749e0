package aggregator

import (
	"sync"

	"github.com/eigerco/aggregator/internal/safemath"
)

// ReadMode selects how a resolver computes a value.
type ReadMode uint8

const (
	// ReadLastCommitted returns the last committed value, excluding in-flight
	// speculative deltas of other transactions. Cheap.
	ReadLastCommitted ReadMode = iota
	// ReadAggregated folds concurrently applied deltas into the value. Expensive,
	// and the read most likely to conflict with other transactions.
	ReadAggregated
)

func (m ReadMode) String() string {
	if m == ReadAggregated {
		return "aggregated"
	}
	return "last committed"
}

// Resolver is the read interface into state shared between concurrently
// executing transactions.
type Resolver interface {
	// GetLegacyValue returns the value stored under key. ok is false if the
	// aggregator does not exist (was deleted), which is distinct from zero.
	GetLegacyValue(key StateKey, mode ReadMode) (value safemath.Uint128, ok bool, err error)
	// GetEphemeralValue returns the value of an ephemeral aggregator or
	// snapshot, or an error wrapping ErrValueNotFound.
	GetEphemeralValue(id ID, mode ReadMode) (SnapshotValue, error)
}

// MemoryResolver is an in-memory Resolver. By default both read modes observe
// the same values; SetFromIDWithMode overrides the value seen by one mode.
// It is safe for concurrent use.
type MemoryResolver struct {
	mu         sync.RWMutex
	values     map[ID]SnapshotValue
	aggregated map[ID]SnapshotValue
	reads      map[ReadMode]int
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		values:     make(map[ID]SnapshotValue),
		aggregated: make(map[ID]SnapshotValue),
		reads:      make(map[ReadMode]int),
	}
}

func (r *MemoryResolver) SetFromID(id ID, value safemath.Uint128) {
	r.Set(id, IntegerValue(value))
}

func (r *MemoryResolver) Set(id ID, value SnapshotValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[id] = value
	delete(r.aggregated, id)
}

// SetFromIDWithMode sets the value returned for id in one read mode only.
func (r *MemoryResolver) SetFromIDWithMode(id ID, mode ReadMode, value safemath.Uint128) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == ReadAggregated {
		r.aggregated[id] = IntegerValue(value)
		return
	}
	r.values[id] = IntegerValue(value)
}

func (r *MemoryResolver) Delete(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, id)
	delete(r.aggregated, id)
}

// Reads returns how many reads were served in mode.
func (r *MemoryResolver) Reads(mode ReadMode) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reads[mode]
}

func (r *MemoryResolver) lookup(id ID, mode ReadMode) (SnapshotValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads[mode]++
	if mode == ReadAggregated {
		if v, ok := r.aggregated[id]; ok {
			return v, true
		}
	}
	v, ok := r.values[id]
	return v, ok
}

func (r *MemoryResolver) GetLegacyValue(key StateKey, mode ReadMode) (safemath.Uint128, bool, error) {
	v, ok := r.lookup(Legacy(key), mode)
	if !ok {
		return safemath.Uint128{}, false, nil
	}
	value, err := v.IntoAggregatorValue()
	if err != nil {
		return safemath.Uint128{}, false, err
	}
	return value, true, nil
}

func (r *MemoryResolver) GetEphemeralValue(id ID, mode ReadMode) (SnapshotValue, error) {
	v, ok := r.lookup(id, mode)
	if !ok {
		return nil, ErrValueNotFound
	}
	return v, nil
}
