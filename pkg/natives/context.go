// Package natives exposes the aggregator operations available to a
// transaction. A Context is owned by one execution attempt.
package natives

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eigerco/aggregator/internal/crypto"
	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
	"github.com/eigerco/aggregator/pkg/log"
)

// ErrInvalidArgument is returned when a call is malformed, for example an
// operation names a max value different from the one the aggregator has.
var ErrInvalidArgument = errors.New("invalid native argument")

type Context struct {
	txnHash  crypto.Hash
	resolver aggregator.Resolver
	data     *aggregator.Data
	logger   zerolog.Logger
}

// NewContext creates the context of one execution attempt. Ephemeral ids
// minted by the context start after idCounter.
func NewContext(txnHash crypto.Hash, resolver aggregator.Resolver, idCounter uint64) *Context {
	return &Context{
		txnHash:  txnHash,
		resolver: resolver,
		data:     aggregator.NewData(idCounter),
		logger:   log.Aggregator.With().Str("txn", txnHash.String()).Logger(),
	}
}

func (c *Context) TxnHash() crypto.Hash {
	return c.txnHash
}

func (c *Context) Data() *aggregator.Data {
	return c.data
}

// CreateAggregator creates a new ephemeral aggregator with value zero.
func (c *Context) CreateAggregator(maxValue safemath.Uint128) (aggregator.ID, error) {
	id := aggregator.Ephemeral(c.data.GenerateID())
	if err := c.data.CreateNewAggregator(id, maxValue); err != nil {
		return aggregator.ID{}, err
	}
	c.logger.Debug().Stringer("id", id).Stringer("max", maxValue).Msg("create aggregator")
	return id, nil
}

// CreateLegacyAggregator creates the aggregator stored under a state key with
// value zero, replacing any earlier value when committed.
func (c *Context) CreateLegacyAggregator(id aggregator.ID, maxValue safemath.Uint128) error {
	if !id.IsLegacy() {
		return fmt.Errorf("%w: %s is not a legacy id", ErrInvalidArgument, id)
	}
	if err := c.data.CreateNewAggregator(id, maxValue); err != nil {
		return err
	}
	c.logger.Debug().Stringer("id", id).Stringer("max", maxValue).Msg("create legacy aggregator")
	return nil
}

func (c *Context) aggregator(id aggregator.ID, maxValue safemath.Uint128) (*aggregator.Aggregator, error) {
	a, err := c.data.GetAggregator(id, maxValue)
	if err != nil {
		return nil, err
	}
	if a.MaxValue() != maxValue {
		return nil, fmt.Errorf("%w: %s has max value %s, got %s", ErrInvalidArgument, id, a.MaxValue(), maxValue)
	}
	return a, nil
}

func (c *Context) TryAdd(id aggregator.ID, maxValue, value safemath.Uint128) (bool, error) {
	a, err := c.aggregator(id, maxValue)
	if err != nil {
		return false, err
	}
	ok, err := a.TryAdd(c.resolver, value)
	if err != nil {
		return false, err
	}
	c.logger.Debug().Stringer("id", id).Stringer("value", value).Bool("ok", ok).Msg("try add")
	return ok, nil
}

func (c *Context) TrySub(id aggregator.ID, maxValue, value safemath.Uint128) (bool, error) {
	a, err := c.aggregator(id, maxValue)
	if err != nil {
		return false, err
	}
	ok, err := a.TrySub(c.resolver, value)
	if err != nil {
		return false, err
	}
	c.logger.Debug().Stringer("id", id).Stringer("value", value).Bool("ok", ok).Msg("try sub")
	return ok, nil
}

// Read returns the current value. In delta state this is the expensive read.
func (c *Context) Read(id aggregator.ID, maxValue safemath.Uint128) (safemath.Uint128, error) {
	a, err := c.aggregator(id, maxValue)
	if err != nil {
		return safemath.Uint128{}, err
	}
	v, err := a.ReadMostRecentAggregatorValue(c.resolver)
	if err != nil {
		return safemath.Uint128{}, err
	}
	c.logger.Debug().Stringer("id", id).Stringer("value", v).Msg("read")
	return v, nil
}

// Snapshot captures the current value of the aggregator without reading it.
func (c *Context) Snapshot(id aggregator.ID, maxValue safemath.Uint128) (aggregator.ID, error) {
	if maxValue.IsZero() {
		return aggregator.ID{}, fmt.Errorf("%w: snapshot of %s needs a non-zero max value", ErrInvalidArgument, id)
	}
	if _, err := c.aggregator(id, maxValue); err != nil {
		return aggregator.ID{}, err
	}
	n, err := c.data.Snapshot(id, maxValue)
	if err != nil {
		return aggregator.ID{}, err
	}
	snapshot := aggregator.Ephemeral(n)
	c.logger.Debug().Stringer("id", id).Stringer("snapshot", snapshot).Msg("snapshot")
	return snapshot, nil
}

// CreateSnapshot creates a snapshot holding value.
func (c *Context) CreateSnapshot(value aggregator.SnapshotValue) (aggregator.ID, error) {
	if value == nil {
		return aggregator.ID{}, fmt.Errorf("%w: nil snapshot value", ErrInvalidArgument)
	}
	id := aggregator.Ephemeral(c.data.GenerateID())
	if err := c.data.CreateNewSnapshot(id, value); err != nil {
		return aggregator.ID{}, err
	}
	c.logger.Debug().Stringer("snapshot", id).Msg("create snapshot")
	return id, nil
}

// StringConcat derives a string snapshot prefix+value(id)+suffix.
func (c *Context) StringConcat(id aggregator.ID, prefix, suffix []byte) (aggregator.ID, error) {
	if !id.IsEphemeral() {
		return aggregator.ID{}, fmt.Errorf("%w: snapshot %s must be ephemeral", ErrInvalidArgument, id)
	}
	n, err := c.data.StringConcat(id, prefix, suffix)
	if err != nil {
		return aggregator.ID{}, err
	}
	snapshot := aggregator.Ephemeral(n)
	c.logger.Debug().Stringer("base", id).Stringer("snapshot", snapshot).Msg("string concat")
	return snapshot, nil
}

func (c *Context) ReadSnapshot(id aggregator.ID) (aggregator.SnapshotValue, error) {
	if !id.IsEphemeral() {
		return nil, fmt.Errorf("%w: snapshot %s must be ephemeral", ErrInvalidArgument, id)
	}
	v, err := c.data.ReadSnapshot(id, c.resolver)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Stringer("snapshot", id).Stringer("value", v).Msg("read snapshot")
	return v, nil
}

// Destroy removes the aggregator. Destroying an aggregator created by this
// transaction leaves no trace in the change set.
func (c *Context) Destroy(id aggregator.ID) error {
	if err := c.data.RemoveAggregator(id); err != nil {
		return err
	}
	c.logger.Debug().Stringer("id", id).Msg("destroy")
	return nil
}

// IntoChangeSet consumes the context. Any later call fails with
// aggregator.ErrDataConsumed.
func (c *Context) IntoChangeSet() (aggregator.ChangeSet, error) {
	cs, err := aggregator.Materialize(c.data)
	if err != nil {
		return aggregator.ChangeSet{}, err
	}
	c.logger.Debug().Int("legacy", len(cs.Legacy)).Int("ephemeral", len(cs.Ephemeral)).Msg("change set")
	return cs, nil
}
