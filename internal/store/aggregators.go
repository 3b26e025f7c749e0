package store

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/eigerco/aggregator/internal/crypto"
	"github.com/eigerco/aggregator/internal/merkle"
	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
	"github.com/eigerco/aggregator/pkg/db"
	"github.com/eigerco/aggregator/pkg/log"
)

var (
	ErrStoreClosed = errors.New("aggregator store is closed")
	ErrCorrupted   = errors.New("stored aggregator value is corrupted")
)

var _ aggregator.Resolver = (*Aggregators)(nil)

// Aggregators holds the committed values of aggregators and snapshots. It is
// the serialisation point of a block: change sets are applied one at a time,
// and both read modes return the committed value.
type Aggregators struct {
	db     db.KVStore
	closed atomic.Bool
	// Serialises Apply so the read-modify-write of merges is consistent.
	mu sync.Mutex
}

func NewAggregators(db db.KVStore) *Aggregators {
	return &Aggregators{db: db}
}

// Seed stores an integer value for id outside of any change set.
func (a *Aggregators) Seed(id aggregator.ID, value safemath.Uint128) error {
	if id.IsLegacy() {
		return a.put(id, encodeLegacyValue(value))
	}
	return a.SeedValue(id, aggregator.IntegerValue(value))
}

// SeedString stores a string snapshot value for the ephemeral id.
func (a *Aggregators) SeedString(id aggregator.ID, value []byte) error {
	if id.IsLegacy() {
		return fmt.Errorf("seed %s: legacy aggregators hold integers only", id)
	}
	return a.SeedValue(id, aggregator.StringValue(value))
}

func (a *Aggregators) SeedValue(id aggregator.ID, value aggregator.SnapshotValue) error {
	if id.IsLegacy() {
		v, err := value.IntoAggregatorValue()
		if err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		return a.put(id, encodeLegacyValue(v))
	}
	b, err := encodeEphemeralValue(value)
	if err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}
	return a.put(id, b)
}

func (a *Aggregators) put(id aggregator.ID, value []byte) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}
	if err := a.db.Put(idKey(id), value); err != nil {
		return fmt.Errorf("store value of %s: %w", id, err)
	}
	return nil
}

// GetLegacyValue returns the committed value under key. The mode is ignored.
func (a *Aggregators) GetLegacyValue(key aggregator.StateKey, _ aggregator.ReadMode) (safemath.Uint128, bool, error) {
	if a.closed.Load() {
		return safemath.Uint128{}, false, ErrStoreClosed
	}
	return a.legacyValue(key)
}

func (a *Aggregators) legacyValue(key aggregator.StateKey) (safemath.Uint128, bool, error) {
	b, err := a.db.Get(makeKey(prefixLegacyAggregator, key[:]))
	if errors.Is(err, db.ErrNotFound) {
		return safemath.Uint128{}, false, nil
	}
	if err != nil {
		return safemath.Uint128{}, false, fmt.Errorf("get legacy aggregator %s: %w", key, err)
	}
	v, err := decodeLegacyValue(b)
	if err != nil {
		return safemath.Uint128{}, false, fmt.Errorf("%w: legacy aggregator %s: %w", ErrCorrupted, key, err)
	}
	return v, true, nil
}

// GetEphemeralValue returns the committed value of an ephemeral aggregator or
// snapshot. The mode is ignored.
func (a *Aggregators) GetEphemeralValue(id aggregator.ID, _ aggregator.ReadMode) (aggregator.SnapshotValue, error) {
	if a.closed.Load() {
		return nil, ErrStoreClosed
	}
	return a.ephemeralValue(id)
}

func (a *Aggregators) ephemeralValue(id aggregator.ID) (aggregator.SnapshotValue, error) {
	if !id.IsEphemeral() {
		return nil, fmt.Errorf("get ephemeral value: %s is not ephemeral", id)
	}
	b, err := a.db.Get(idKey(id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", aggregator.ErrValueNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ephemeral value %s: %w", id, err)
	}
	v, err := decodeEphemeralValue(b)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral value %s: %w", ErrCorrupted, id, err)
	}
	return v, nil
}

// Value returns the committed value of any id. ok is false if there is none.
func (a *Aggregators) Value(id aggregator.ID) (aggregator.SnapshotValue, bool, error) {
	if key, isLegacy := id.StateKey(); isLegacy {
		v, ok, err := a.GetLegacyValue(key, aggregator.ReadLastCommitted)
		if err != nil || !ok {
			return nil, ok, err
		}
		return aggregator.IntegerValue(v), true, nil
	}
	v, err := a.GetEphemeralValue(id, aggregator.ReadLastCommitted)
	if errors.Is(err, aggregator.ErrValueNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ForEach calls fn for every committed value, legacy ids first, each group in
// key order.
func (a *Aggregators) ForEach(fn func(id aggregator.ID, value aggregator.SnapshotValue) error) error {
	return a.scan(func(key, b []byte) error {
		id, err := idFromKey(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}

		var value aggregator.SnapshotValue
		if id.IsLegacy() {
			v, err := decodeLegacyValue(b)
			if err != nil {
				return fmt.Errorf("%w: legacy aggregator %s: %w", ErrCorrupted, id, err)
			}
			value = aggregator.IntegerValue(v)
		} else if value, err = decodeEphemeralValue(b); err != nil {
			return fmt.Errorf("%w: ephemeral value %s: %w", ErrCorrupted, id, err)
		}
		return fn(id, value)
	})
}

// scan calls fn with the raw key and value of every stored entry in key order.
func (a *Aggregators) scan(fn func(key, value []byte) error) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}

	iter, err := a.db.NewIterator([]byte{prefixLegacyAggregator}, []byte{prefixEphemeralValue + 1})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return fmt.Errorf("read value of %x: %w", iter.Key(), err)
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

// leaves returns the Merkle leaves of the committed state, key followed by
// stored value for every entry in key order.
func (a *Aggregators) leaves() ([][]byte, [][]byte, error) {
	var keys, leaves [][]byte
	err := a.scan(func(key, value []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		leaves = append(leaves, append(append([]byte(nil), key...), value...))
		return nil
	})
	return keys, leaves, err
}

// Root commits to the whole committed state.
func (a *Aggregators) Root() (crypto.Hash, error) {
	_, leaves, err := a.leaves()
	if err != nil {
		return crypto.Hash{}, err
	}
	return merkle.Root(leaves), nil
}

// Prove returns the stored leaf of id together with its proof against Root.
func (a *Aggregators) Prove(id aggregator.ID) ([]byte, merkle.Proof, error) {
	keys, leaves, err := a.leaves()
	if err != nil {
		return nil, merkle.Proof{}, err
	}
	want := idKey(id)
	i, found := slices.BinarySearchFunc(keys, want, bytes.Compare)
	if !found {
		return nil, merkle.Proof{}, fmt.Errorf("prove %s: %w", id, aggregator.ErrValueNotFound)
	}
	proof, err := merkle.Prove(leaves, i)
	if err != nil {
		return nil, merkle.Proof{}, err
	}
	return leaves[i], proof, nil
}

// Apply commits the change set of one transaction in a single batch. A delta
// that no longer fits the committed value fails with an error wrapping
// aggregator.ErrDeltaConflict and nothing is written.
func (a *Aggregators) Apply(cs aggregator.ChangeSet) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	batch := a.db.NewBatch()
	defer batch.Close()

	// Snapshots are computed from the pre-transaction state, so resolve them
	// before any aggregator value of this change set is staged.
	snapshots := newSnapshotResolver(a, cs)
	ephemeral := make(map[aggregator.ID][]byte, len(cs.Ephemeral))
	for _, id := range cs.SortedEphemeralIDs() {
		switch cs.Ephemeral[id].(type) {
		case aggregator.SnapshotDeltaChange, aggregator.SnapshotConcatChange:
			value, err := snapshots.resolve(id)
			if err != nil {
				return fmt.Errorf("resolve snapshot %s: %w", id, err)
			}
			b, err := encodeEphemeralValue(value)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", id, err)
			}
			ephemeral[id] = b
		}
	}

	var deleted []aggregator.ID
	for _, id := range cs.SortedLegacyIDs() {
		key := idKey(id)
		switch change := cs.Legacy[id].(type) {
		case aggregator.WriteChange:
			if err := batch.Put(key, encodeLegacyValue(change.Value)); err != nil {
				return fmt.Errorf("write %s: %w", id, err)
			}
		case aggregator.MergeChange:
			stateKey, _ := id.StateKey()
			base, ok, err := a.legacyValue(stateKey)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: merge into deleted aggregator %s", aggregator.ErrExtension, id)
			}
			value, err := change.Op.ApplyTo(base)
			if err != nil {
				return fmt.Errorf("merge %s into %s: %w", change.Op, id, err)
			}
			if err := batch.Put(key, encodeLegacyValue(value)); err != nil {
				return fmt.Errorf("write %s: %w", id, err)
			}
		case aggregator.DeleteChange:
			deleted = append(deleted, id)
		default:
			return fmt.Errorf("%w: unknown legacy change %T", aggregator.ErrInvariantViolation, change)
		}
	}

	for _, id := range cs.SortedEphemeralIDs() {
		if _, ok := cs.Legacy[id].(aggregator.DeleteChange); ok {
			continue
		}
		var value aggregator.SnapshotValue
		switch change := cs.Ephemeral[id].(type) {
		case aggregator.DataChange:
			value = aggregator.IntegerValue(change.Value)
		case aggregator.StringDataChange:
			value = aggregator.StringValue(change.Value)
		case aggregator.AggregatorDeltaChange:
			base, err := a.ephemeralInteger(id)
			if err != nil {
				return err
			}
			v, err := aggregator.NewDeltaOp(change.Delta, change.MaxValue, change.History).ApplyTo(base)
			if err != nil {
				return fmt.Errorf("merge delta %s into %s: %w", change.Delta, id, err)
			}
			value = aggregator.IntegerValue(v)
		case aggregator.SnapshotDeltaChange, aggregator.SnapshotConcatChange:
			// Already resolved.
		default:
			return fmt.Errorf("%w: unknown ephemeral change %T", aggregator.ErrInvariantViolation, change)
		}

		if value != nil {
			b, err := encodeEphemeralValue(value)
			if err != nil {
				return fmt.Errorf("encode %s: %w", id, err)
			}
			ephemeral[id] = b
		}
		if err := batch.Put(idKey(id), ephemeral[id]); err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
	}

	// Deletes are staged last so they win over any write of the same id.
	for _, id := range deleted {
		if err := batch.Delete(idKey(id)); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	log.Store.Debug().
		Int("legacy", len(cs.Legacy)).
		Int("ephemeral", len(cs.Ephemeral)).
		Msg("applied change set")
	return nil
}

func (a *Aggregators) ephemeralInteger(id aggregator.ID) (safemath.Uint128, error) {
	v, err := a.ephemeralValue(id)
	if err != nil {
		return safemath.Uint128{}, fmt.Errorf("%w: %w", aggregator.ErrExtension, err)
	}
	base, err := v.IntoAggregatorValue()
	if err != nil {
		return safemath.Uint128{}, fmt.Errorf("ephemeral aggregator %s: %w", id, err)
	}
	return base, nil
}

// aggregatorInteger returns the pre-transaction value of an aggregator of
// either kind.
func (a *Aggregators) aggregatorInteger(id aggregator.ID) (safemath.Uint128, error) {
	if key, ok := id.StateKey(); ok {
		v, found, err := a.legacyValue(key)
		if err != nil {
			return safemath.Uint128{}, err
		}
		if !found {
			return safemath.Uint128{}, fmt.Errorf("%w: aggregator %s was deleted", aggregator.ErrExtension, id)
		}
		return v, nil
	}
	return a.ephemeralInteger(id)
}

// snapshotResolver computes the values of the snapshots created in one change
// set. Concat chains may refer to snapshots of the same change set.
type snapshotResolver struct {
	store    *Aggregators
	cs       aggregator.ChangeSet
	resolved map[aggregator.ID]aggregator.SnapshotValue
	visiting map[aggregator.ID]struct{}
}

func newSnapshotResolver(store *Aggregators, cs aggregator.ChangeSet) *snapshotResolver {
	return &snapshotResolver{
		store:    store,
		cs:       cs,
		resolved: make(map[aggregator.ID]aggregator.SnapshotValue),
		visiting: make(map[aggregator.ID]struct{}),
	}
}

func (r *snapshotResolver) resolve(id aggregator.ID) (aggregator.SnapshotValue, error) {
	if v, ok := r.resolved[id]; ok {
		return v, nil
	}
	if _, ok := r.visiting[id]; ok {
		return nil, fmt.Errorf("%w: snapshot %s depends on itself", aggregator.ErrInvariantViolation, id)
	}
	r.visiting[id] = struct{}{}
	defer delete(r.visiting, id)

	change, ok := r.cs.Ephemeral[id]
	if !ok {
		v, err := r.store.ephemeralValue(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", aggregator.ErrExtension, err)
		}
		r.resolved[id] = v
		return v, nil
	}

	var value aggregator.SnapshotValue
	switch c := change.(type) {
	case aggregator.DataChange:
		value = aggregator.IntegerValue(c.Value)
	case aggregator.StringDataChange:
		value = aggregator.StringValue(c.Value)
	case aggregator.SnapshotDeltaChange:
		base, err := r.store.aggregatorInteger(c.BaseAggregator)
		if err != nil {
			return nil, err
		}
		v, err := addDelta(base, c.Delta)
		if err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", c.BaseAggregator, err)
		}
		value = aggregator.IntegerValue(v)
	case aggregator.SnapshotConcatChange:
		base, err := r.resolve(c.BaseSnapshot)
		if err != nil {
			return nil, err
		}
		value = c.Formula.Apply(base)
	default:
		return nil, fmt.Errorf("%w: %s is an aggregator, not a snapshot", aggregator.ErrInvariantViolation, id)
	}
	r.resolved[id] = value
	return value, nil
}

// addDelta applies a snapshot delta. The bound is enforced by the history of
// the base aggregator's own change, so only the range of u128 is checked here.
func addDelta(base safemath.Uint128, delta aggregator.SignedU128) (safemath.Uint128, error) {
	if delta.IsPositive() {
		v, ok := safemath.Add(base, delta.Magnitude())
		if !ok {
			return safemath.Uint128{}, fmt.Errorf("%w: %s%s overflows", aggregator.ErrDeltaConflict, base, delta)
		}
		return v, nil
	}
	v, ok := safemath.Sub(base, delta.Magnitude())
	if !ok {
		return safemath.Uint128{}, fmt.Errorf("%w: %s%s underflows", aggregator.ErrDeltaConflict, base, delta)
	}
	return v, nil
}

// Close closes the underlying key-value store.
func (a *Aggregators) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.db.Close()
}
