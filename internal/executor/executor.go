// Package executor runs a block of transactions speculatively in parallel
// and commits their aggregator change sets in block order.
package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/aggregator/internal/crypto"
	"github.com/eigerco/aggregator/pkg/aggregator"
	"github.com/eigerco/aggregator/pkg/log"
	"github.com/eigerco/aggregator/pkg/natives"
)

// Store is the committed state a block executes against.
type Store interface {
	aggregator.Resolver
	Apply(cs aggregator.ChangeSet) error
}

// Transaction is a unit of work. Run may be called several times; every call
// gets a fresh Context and must not keep state between calls.
type Transaction struct {
	Name string
	Run  func(*natives.Context) error
}

type Config struct {
	// Workers bounds the number of transactions executing at once.
	Workers int
	// MaxAttempts bounds how often a transaction is executed, including the
	// speculative attempt.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{Workers: runtime.GOMAXPROCS(0), MaxAttempts: 3}
}

// ConflictError is the error of a transaction that was still conflicting
// after its last attempt.
type ConflictError struct {
	Transaction string
	Attempts    int
	Reason      string
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %q conflicted after %d attempts (%s): %v", e.Transaction, e.Attempts, e.Reason, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

var errStaleRead = errors.New("aggregated read is stale")

// Result describes what happened to one transaction.
type Result struct {
	Name      string
	Outcome   string
	Attempts  int
	Err       error
	ChangeSet aggregator.ChangeSet
}

type Executor struct {
	store   Store
	cfg     Config
	metrics *metrics
}

// New creates an executor over store. Metrics are registered on reg, which
// may be nil.
func New(store Store, cfg Config, reg prometheus.Registerer) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Executor{store: store, cfg: cfg, metrics: newMetrics(reg)}
}

type attempt struct {
	cs       aggregator.ChangeSet
	resolver *recordingResolver
	err      error
}

// idRangeStart is where the ephemeral ids of the transaction at index begin.
func idRangeStart(index int) uint64 {
	return uint64(index) << 32
}

func txnHash(index int, name string) crypto.Hash {
	return crypto.HashConcat(binary.BigEndian.AppendUint64(nil, uint64(index)), []byte(name))
}

func (e *Executor) execute(index int, tx Transaction) attempt {
	resolver := newRecordingResolver(e.store)
	c := natives.NewContext(txnHash(index, tx.Name), resolver, idRangeStart(index))
	if err := tx.Run(c); err != nil {
		return attempt{resolver: resolver, err: err}
	}
	cs, err := c.IntoChangeSet()
	return attempt{cs: cs, resolver: resolver, err: err}
}

// ExecuteBlock executes txs against the current committed state and commits
// them in order. A transaction whose speculative attempt turns out to depend
// on state changed by an earlier transaction is re-executed. The returned
// error is only set if the store fails or ctx is cancelled; transaction
// failures are reported in the results.
func (e *Executor) ExecuteBlock(ctx context.Context, txs []Transaction) ([]Result, error) {
	attempts := make([]attempt, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			attempts[i] = e.execute(i, tx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("speculative execution: %w", err)
	}

	results := make([]Result, len(txs))
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := e.commit(i, tx, attempts[i])
		if err != nil {
			return nil, fmt.Errorf("commit transaction %q: %w", tx.Name, err)
		}
		e.metrics.transactions.WithLabelValues(result.Outcome).Inc()
		results[i] = result
	}
	return results, nil
}

// commit validates and applies attempt, re-executing the transaction against
// the current state on conflict. Only store failures are returned as errors.
func (e *Executor) commit(index int, tx Transaction, a attempt) (Result, error) {
	logger := log.Executor.With().Str("txn", tx.Name).Int("index", index).Logger()

	for attempts := 1; ; attempts++ {
		c, err := e.tryCommit(a)
		if err != nil {
			logger.Error().Err(err).Msg("commit failed")
			return Result{}, err
		}
		if c == nil {
			if a.err != nil {
				logger.Debug().Err(a.err).Msg("transaction failed")
				return Result{Name: tx.Name, Outcome: OutcomeFailed, Attempts: attempts, Err: a.err}, nil
			}
			logger.Debug().Int("attempts", attempts).Msg("committed")
			return Result{Name: tx.Name, Outcome: OutcomeCommitted, Attempts: attempts, ChangeSet: a.cs}, nil
		}

		e.metrics.conflicts.WithLabelValues(c.reason).Inc()
		if attempts >= e.cfg.MaxAttempts {
			logger.Warn().Str("reason", c.reason).Err(c.err).Msg("giving up")
			return Result{
				Name:     tx.Name,
				Outcome:  OutcomeFailed,
				Attempts: attempts,
				Err:      &ConflictError{Transaction: tx.Name, Attempts: attempts, Reason: c.reason, Err: c.err},
			}, nil
		}

		logger.Warn().Str("reason", c.reason).Err(c.err).Msg("re-executing")
		e.metrics.reexecutions.Inc()
		a = e.execute(index, tx)
	}
}

type conflict struct {
	reason string
	err    error
}

// tryCommit validates and applies an attempt. It returns the conflict that
// prevented the commit, or an error if the store failed. A failed attempt
// without a conflict commits nothing.
func (e *Executor) tryCommit(a attempt) (*conflict, error) {
	start := time.Now()
	defer func() { e.metrics.commitDuration.Observe(time.Since(start).Seconds()) }()

	// A failed attempt commits no history, so all of its reads are checked.
	var validated func(aggregator.ID) bool
	if a.err == nil {
		validated = func(id aggregator.ID) bool { return validatedByApply(a.cs, id) }
	}
	id, stale, err := a.resolver.stale(e.store, validated)
	if err != nil {
		return nil, fmt.Errorf("revalidate reads: %w", err)
	}
	if stale {
		return &conflict{reason: ReasonStaleRead, err: fmt.Errorf("%w: %s", errStaleRead, id)}, nil
	}

	if a.err != nil {
		if errors.Is(a.err, aggregator.ErrInvariantViolation) {
			return &conflict{reason: ReasonInvariant, err: a.err}, nil
		}
		return nil, nil
	}

	err = e.store.Apply(a.cs)
	switch {
	case errors.Is(err, aggregator.ErrDeltaConflict):
		return &conflict{reason: ReasonDeltaConflict, err: err}, nil
	case errors.Is(err, aggregator.ErrExtension):
		// An earlier transaction deleted a value this one merges into.
		return &conflict{reason: ReasonMissingValue, err: err}, nil
	case err != nil:
		return nil, err
	}
	return nil, nil
}
