package aggregator

import (
	"github.com/eigerco/aggregator/internal/safemath"
)

// Data stores all aggregators and snapshots used by a single transaction,
// which ones were created or removed, and the counter for minting ephemeral
// ids. It is not safe for concurrent use: one transaction attempt owns it.
type Data struct {
	// Created in this transaction; used to filter out aggregators that were
	// created and destroyed within the same transaction.
	newAggregators map[ID]struct{}
	// Destroyed in this transaction but created elsewhere.
	destroyedAggregators map[ID]struct{}
	aggregators          map[ID]*Aggregator
	snapshots            map[ID]*Snapshot
	idCounter            uint64
	consumed             bool
}

// NewData creates an empty registry whose first generated id is idCounter+1.
func NewData(idCounter uint64) *Data {
	return &Data{
		newAggregators:       make(map[ID]struct{}),
		destroyedAggregators: make(map[ID]struct{}),
		aggregators:          make(map[ID]*Aggregator),
		snapshots:            make(map[ID]*Snapshot),
		idCounter:            idCounter,
	}
}

func (d *Data) checkLive() error {
	if d.consumed {
		return ErrDataConsumed
	}
	return nil
}

// GetAggregator returns the aggregator with id. If this transaction has not
// touched it yet, a new instance in delta state with an Unset start value is
// created, so the first touch of any id is speculative until a read happens.
func (d *Data) GetAggregator(id ID, maxValue safemath.Uint128) (*Aggregator, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}
	if aggregator, ok := d.aggregators[id]; ok {
		return aggregator, nil
	}
	aggregator := &Aggregator{
		id:       id,
		maxValue: maxValue,
		state: DeltaState{
			StartValue: Unset(),
			Delta:      Positive(safemath.Uint128{}),
			History:    NewDeltaHistory(),
		},
	}
	d.aggregators[id] = aggregator
	return aggregator, nil
}

// NumAggregators returns the number of aggregators used in this transaction.
func (d *Data) NumAggregators() int {
	return len(d.aggregators)
}

// CreateNewAggregator creates an aggregator with a known zero value.
func (d *Data) CreateNewAggregator(id ID, maxValue safemath.Uint128) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	d.aggregators[id] = &Aggregator{
		id:       id,
		maxValue: maxValue,
		state:    DataState{},
	}
	d.newAggregators[id] = struct{}{}
	return nil
}

// RemoveAggregator drops the aggregator. If it was created in this
// transaction the removal has no effect outside of it, otherwise it is
// recorded for deletion. Removal is allowed for both kinds of ids.
func (d *Data) RemoveAggregator(id ID) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	delete(d.aggregators, id)

	if _, ok := d.newAggregators[id]; ok {
		delete(d.newAggregators, id)
		return nil
	}
	d.destroyedAggregators[id] = struct{}{}
	return nil
}

// GenerateID mints a new ephemeral id number.
func (d *Data) GenerateID() uint64 {
	d.idCounter++
	return d.idCounter
}

func (d *Data) IDCounter() uint64 {
	return d.idCounter
}

// Parts is the final state of a registry.
type Parts struct {
	NewAggregators       map[ID]struct{}
	DestroyedAggregators map[ID]struct{}
	Aggregators          map[ID]*Aggregator
	Snapshots            map[ID]*Snapshot
}

// IntoParts drains the registry. It can be called once; afterwards every
// operation on d fails with ErrDataConsumed.
func (d *Data) IntoParts() (Parts, error) {
	if err := d.checkLive(); err != nil {
		return Parts{}, err
	}
	d.consumed = true
	parts := Parts{
		NewAggregators:       d.newAggregators,
		DestroyedAggregators: d.destroyedAggregators,
		Aggregators:          d.aggregators,
		Snapshots:            d.snapshots,
	}
	d.newAggregators, d.destroyedAggregators, d.aggregators, d.snapshots = nil, nil, nil, nil
	return parts, nil
}
