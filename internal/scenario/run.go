package scenario

import (
	"fmt"

	"github.com/eigerco/aggregator/internal/executor"
	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
	"github.com/eigerco/aggregator/pkg/natives"
)

// Transactions returns the executor transactions of the scenario in block
// order. Names bound by ops are local to one execution of a transaction.
func (s *Scenario) Transactions() []executor.Transaction {
	txs := make([]executor.Transaction, 0, len(s.Block))
	for _, tx := range s.Block {
		txs = append(txs, executor.Transaction{
			Name: tx.Name,
			Run: func(c *natives.Context) error {
				r := &run{scenario: s, ctx: c, refs: make(map[string]aggregator.ID)}
				for i, op := range tx.Ops {
					if err := r.apply(op); err != nil {
						return fmt.Errorf("op %d: %w", i, err)
					}
				}
				return nil
			},
		})
	}
	return txs
}

type run struct {
	scenario *Scenario
	ctx      *natives.Context
	refs     map[string]aggregator.ID
}

func (r *run) id(spec IDSpec) (aggregator.ID, error) {
	if spec.Ref == "" {
		return spec.fixed(), nil
	}
	id, ok := r.refs[spec.Ref]
	if !ok {
		return aggregator.ID{}, fmt.Errorf("unbound ref %q", spec.Ref)
	}
	return id, nil
}

func (r *run) bind(name string, id aggregator.ID) {
	if name != "" {
		r.refs[name] = id
	}
}

func (r *run) apply(op Op) error {
	switch {
	case op.Create != nil:
		id, err := r.ctx.CreateAggregator(op.Create.Max.U128())
		if err != nil {
			return err
		}
		r.bind(op.Create.Bind, id)
	case op.CreateLegacy != nil:
		return r.ctx.CreateLegacyAggregator(op.CreateLegacy.ID.fixed(), op.CreateLegacy.Max.U128())
	case op.TryAdd != nil:
		return r.modify(op.TryAdd, r.ctx.TryAdd, "try_add")
	case op.TrySub != nil:
		return r.modify(op.TrySub, r.ctx.TrySub, "try_sub")
	case op.Read != nil:
		id, err := r.id(op.Read.ID)
		if err != nil {
			return err
		}
		v, err := r.ctx.Read(id, op.Read.Max.U128())
		if err != nil {
			return err
		}
		if op.Read.Expect != nil && v != op.Read.Expect.U128() {
			return fmt.Errorf("%w: read %s = %s, want %s", ErrExpectation, r.scenario.Name(id), v, op.Read.Expect.U128())
		}
	case op.Snapshot != nil:
		id, err := r.id(op.Snapshot.ID)
		if err != nil {
			return err
		}
		snapshot, err := r.ctx.Snapshot(id, op.Snapshot.Max.U128())
		if err != nil {
			return err
		}
		r.bind(op.Snapshot.Bind, snapshot)
	case op.CreateSnapshot != nil:
		snapshot, err := r.ctx.CreateSnapshot(op.CreateSnapshot.snapshotValue())
		if err != nil {
			return err
		}
		r.bind(op.CreateSnapshot.Bind, snapshot)
	case op.Concat != nil:
		id, err := r.id(op.Concat.ID)
		if err != nil {
			return err
		}
		snapshot, err := r.ctx.StringConcat(id, []byte(op.Concat.Prefix), []byte(op.Concat.Suffix))
		if err != nil {
			return err
		}
		r.bind(op.Concat.Bind, snapshot)
	case op.ReadSnapshot != nil:
		id, err := r.id(op.ReadSnapshot.ID)
		if err != nil {
			return err
		}
		v, err := r.ctx.ReadSnapshot(id)
		if err != nil {
			return err
		}
		if op.ReadSnapshot.Expect != nil && v.String() != *op.ReadSnapshot.Expect {
			return fmt.Errorf("%w: read snapshot %s = %q, want %q", ErrExpectation, r.scenario.Name(id), v, *op.ReadSnapshot.Expect)
		}
	case op.Remove != nil:
		id, err := r.id(op.Remove.ID)
		if err != nil {
			return err
		}
		return r.ctx.Destroy(id)
	default:
		return fmt.Errorf("%w: empty op", ErrInvalidScenario)
	}
	return nil
}

type modifyFunc func(id aggregator.ID, maxValue, value safemath.Uint128) (bool, error)

func (r *run) modify(op *ModifyOp, fn modifyFunc, name string) error {
	id, err := r.id(op.ID)
	if err != nil {
		return err
	}
	ok, err := fn(id, op.Max.U128(), op.Value.U128())
	if err != nil {
		return err
	}
	if op.Expect != nil && ok != *op.Expect {
		return fmt.Errorf("%w: %s %s on %s returned %t", ErrExpectation, name, op.Value.U128(), r.scenario.Name(id), ok)
	}
	return nil
}
