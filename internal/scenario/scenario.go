// Package scenario loads block scenarios from YAML and turns them into
// executor transactions.
package scenario

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/eigerco/aggregator/internal/crypto"
	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
)

var (
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrExpectation     = errors.New("expectation failed")
)

// Number is an unsigned 128-bit integer written as a decimal YAML scalar.
type Number safemath.Uint128

func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	v, err := safemath.ParseUint128(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = Number(v)
	return nil
}

func (n Number) U128() safemath.Uint128 {
	return safemath.Uint128(n)
}

// IDSpec names an aggregator or snapshot. Exactly one field is set. Ref is a
// name bound by an earlier op of the same transaction.
type IDSpec struct {
	Legacy    string  `yaml:"legacy"`
	Ephemeral *uint64 `yaml:"ephemeral"`
	Ref       string  `yaml:"ref"`
}

// LegacyKey maps a legacy aggregator name to its state key.
func LegacyKey(name string) aggregator.StateKey {
	return aggregator.StateKey(crypto.HashData([]byte(name)))
}

func (s IDSpec) validate(allowRef bool) error {
	set := 0
	if s.Legacy != "" {
		set++
	}
	if s.Ephemeral != nil {
		set++
	}
	if s.Ref != "" {
		if !allowRef {
			return errors.New("refs are only valid inside transactions")
		}
		set++
	}
	if set != 1 {
		return errors.New("id needs exactly one of legacy, ephemeral or ref")
	}
	return nil
}

// fixed returns the id of a spec that is not a ref.
func (s IDSpec) fixed() aggregator.ID {
	if s.Legacy != "" {
		return aggregator.Legacy(LegacyKey(s.Legacy))
	}
	return aggregator.Ephemeral(*s.Ephemeral)
}

// Value is an integer or a string snapshot value.
type Value struct {
	Value  *Number `yaml:"value"`
	String *string `yaml:"string"`
}

func (v Value) validate() error {
	if (v.Value == nil) == (v.String == nil) {
		return errors.New("needs exactly one of value or string")
	}
	return nil
}

func (v Value) snapshotValue() aggregator.SnapshotValue {
	if v.Value != nil {
		return aggregator.IntegerValue(v.Value.U128())
	}
	return aggregator.StringValue(*v.String)
}

type Genesis struct {
	ID    IDSpec `yaml:"id"`
	Value `yaml:",inline"`
}

// Expect is a committed value checked after the block. Absent expects no
// value at all.
type Expect struct {
	ID     IDSpec `yaml:"id"`
	Value  `yaml:",inline"`
	Absent bool `yaml:"absent"`
}

type CreateOp struct {
	Max  Number `yaml:"max"`
	Bind string `yaml:"bind"`
}

type CreateLegacyOp struct {
	ID  IDSpec `yaml:"id"`
	Max Number `yaml:"max"`
}

// ModifyOp is a try_add or try_sub. Expect, if set, is the required result.
type ModifyOp struct {
	ID     IDSpec `yaml:"id"`
	Max    Number `yaml:"max"`
	Value  Number `yaml:"value"`
	Expect *bool  `yaml:"expect"`
}

type ReadOp struct {
	ID     IDSpec  `yaml:"id"`
	Max    Number  `yaml:"max"`
	Expect *Number `yaml:"expect"`
}

type SnapshotOp struct {
	ID   IDSpec `yaml:"id"`
	Max  Number `yaml:"max"`
	Bind string `yaml:"bind"`
}

type CreateSnapshotOp struct {
	Value `yaml:",inline"`
	Bind  string `yaml:"bind"`
}

type ConcatOp struct {
	ID     IDSpec `yaml:"id"`
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
	Bind   string `yaml:"bind"`
}

// ReadSnapshotOp reads a snapshot. Expect is compared with the value
// rendered as text.
type ReadSnapshotOp struct {
	ID     IDSpec  `yaml:"id"`
	Expect *string `yaml:"expect"`
}

type RemoveOp struct {
	ID IDSpec `yaml:"id"`
}

// Op is one native call. Exactly one field is set.
type Op struct {
	Create         *CreateOp         `yaml:"create"`
	CreateLegacy   *CreateLegacyOp   `yaml:"create_legacy"`
	TryAdd         *ModifyOp         `yaml:"try_add"`
	TrySub         *ModifyOp         `yaml:"try_sub"`
	Read           *ReadOp           `yaml:"read"`
	Snapshot       *SnapshotOp       `yaml:"snapshot"`
	CreateSnapshot *CreateSnapshotOp `yaml:"create_snapshot"`
	Concat         *ConcatOp         `yaml:"concat"`
	ReadSnapshot   *ReadSnapshotOp   `yaml:"read_snapshot"`
	Remove         *RemoveOp         `yaml:"remove"`
}

type Transaction struct {
	Name string `yaml:"name"`
	Ops  []Op   `yaml:"ops"`
}

type Scenario struct {
	Genesis []Genesis     `yaml:"genesis"`
	Block   []Transaction `yaml:"transactions"`
	Expect  []Expect      `yaml:"expect"`

	// names of the legacy aggregators mentioned anywhere, for reports.
	names map[aggregator.ID]string
}

// Load decodes and validates a scenario. Unknown fields are rejected.
func Load(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	s.names = make(map[aggregator.ID]string)
	name := func(id IDSpec) {
		if id.Legacy != "" {
			s.names[id.fixed()] = id.Legacy
		}
	}

	for i, g := range s.Genesis {
		if err := g.ID.validate(false); err != nil {
			return fmt.Errorf("genesis %d: %w", i, err)
		}
		if err := g.Value.validate(); err != nil {
			return fmt.Errorf("genesis %d: %w", i, err)
		}
		if g.ID.Legacy != "" && g.String != nil {
			return fmt.Errorf("genesis %d: legacy aggregators hold integers only", i)
		}
		name(g.ID)
	}

	seen := make(map[string]bool)
	for i, tx := range s.Block {
		if tx.Name == "" {
			return fmt.Errorf("transaction %d: missing name", i)
		}
		if seen[tx.Name] {
			return fmt.Errorf("transaction %d: duplicate name %q", i, tx.Name)
		}
		seen[tx.Name] = true

		for j, op := range tx.Ops {
			ids, err := op.validate()
			if err != nil {
				return fmt.Errorf("transaction %q op %d: %w", tx.Name, j, err)
			}
			for _, id := range ids {
				name(id)
			}
		}
	}

	for i, e := range s.Expect {
		if err := e.ID.validate(false); err != nil {
			return fmt.Errorf("expect %d: %w", i, err)
		}
		if e.Absent {
			if e.Value.Value != nil || e.String != nil {
				return fmt.Errorf("expect %d: absent takes no value", i)
			}
		} else if err := e.Value.validate(); err != nil {
			return fmt.Errorf("expect %d: %w", i, err)
		}
		name(e.ID)
	}
	return nil
}

// validate checks that exactly one op is set and returns the ids it names.
func (op Op) validate() ([]IDSpec, error) {
	var (
		set int
		ids []IDSpec
		err error
	)
	use := func(id IDSpec) {
		set++
		ids = append(ids, id)
		if err == nil {
			err = id.validate(true)
		}
	}

	if op.Create != nil {
		set++
	}
	if op.CreateLegacy != nil {
		use(op.CreateLegacy.ID)
		if err == nil && op.CreateLegacy.ID.Legacy == "" {
			err = errors.New("create_legacy needs a legacy id")
		}
	}
	if op.TryAdd != nil {
		use(op.TryAdd.ID)
	}
	if op.TrySub != nil {
		use(op.TrySub.ID)
	}
	if op.Read != nil {
		use(op.Read.ID)
	}
	if op.Snapshot != nil {
		use(op.Snapshot.ID)
	}
	if op.CreateSnapshot != nil {
		set++
		if err == nil {
			err = op.CreateSnapshot.Value.validate()
		}
	}
	if op.Concat != nil {
		use(op.Concat.ID)
	}
	if op.ReadSnapshot != nil {
		use(op.ReadSnapshot.ID)
	}
	if op.Remove != nil {
		use(op.Remove.ID)
	}

	if set != 1 {
		return nil, fmt.Errorf("expected exactly one op, got %d", set)
	}
	return ids, err
}

// Name returns the display name of id: the legacy name it was written as, or
// its string form.
func (s *Scenario) Name(id aggregator.ID) string {
	if n, ok := s.names[id]; ok {
		return n
	}
	if n, ok := id.EphemeralID(); ok {
		return fmt.Sprintf("ephemeral:%d", n)
	}
	return id.String()
}

// Seeder stores genesis values.
type Seeder interface {
	SeedValue(id aggregator.ID, value aggregator.SnapshotValue) error
}

// Seed writes the genesis values of the scenario to st.
func (s *Scenario) Seed(st Seeder) error {
	for _, g := range s.Genesis {
		id := g.ID.fixed()
		if err := st.SeedValue(id, g.snapshotValue()); err != nil {
			return fmt.Errorf("seed %s: %w", s.Name(id), err)
		}
	}
	return nil
}
