package aggregator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/aggregator/internal/safemath"
)

func legacy(n uint64) ID {
	var key StateKey
	binary.BigEndian.PutUint64(key[len(key)-8:], n)
	return Legacy(key)
}

type op struct {
	add   bool
	value uint64
	ok    bool
}

func add(v uint64, ok bool) op { return op{add: true, value: v, ok: ok} }
func sub(v uint64, ok bool) op { return op{value: v, ok: ok} }

// deltaAggregator returns an untouched aggregator whose committed value is start.
func deltaAggregator(t *testing.T, start, maxValue uint64) (*Aggregator, *MemoryResolver) {
	t.Helper()
	id := legacy(1)
	resolver := NewMemoryResolver()
	resolver.SetFromID(id, u(start))

	aggregator, err := NewData(0).GetAggregator(id, u(maxValue))
	require.NoError(t, err)
	return aggregator, resolver
}

func apply(t *testing.T, aggregator *Aggregator, resolver Resolver, ops []op) {
	t.Helper()
	for i, o := range ops {
		var (
			got bool
			err error
		)
		if o.add {
			got, err = aggregator.TryAdd(resolver, u(o.value))
		} else {
			got, err = aggregator.TrySub(resolver, u(o.value))
		}
		require.NoError(t, err, "op %d", i)
		require.Equal(t, o.ok, got, "op %d", i)
	}
}

func deltaState(t *testing.T, aggregator *Aggregator) DeltaState {
	t.Helper()
	s, ok := aggregator.State().(DeltaState)
	require.True(t, ok, "expected delta state, got %T", aggregator.State())
	return s
}

func TestOperationsInDeltaMode(t *testing.T) {
	aggregator, resolver := deltaAggregator(t, 100, 600)

	apply(t, aggregator, resolver, []op{add(400, true), sub(470, true)})

	s := deltaState(t, aggregator)
	assert.Equal(t, LastCommittedValue(u(100)), s.StartValue)
	assert.Equal(t, Negative(u(70)), s.Delta)
	assert.Equal(t, DeltaHistory{MaxAchievedPositiveDelta: u(400), MinAchievedNegativeDelta: u(70)}, s.History)

	value, err := aggregator.ReadMostRecentAggregatorValue(resolver)
	require.NoError(t, err)
	assert.Equal(t, u(30), value)
	assert.Equal(t, AggregatedValue(u(100)), deltaState(t, aggregator).StartValue)
}

func TestHistoryUpdates(t *testing.T) {
	aggregator, resolver := deltaAggregator(t, 100, 600)

	steps := []struct {
		op   op
		want DeltaHistory
	}{
		{add(300, true), DeltaHistory{MaxAchievedPositiveDelta: u(300)}},
		{add(100, true), DeltaHistory{MaxAchievedPositiveDelta: u(400)}},
		{sub(450, true), DeltaHistory{MaxAchievedPositiveDelta: u(400), MinAchievedNegativeDelta: u(50)}},
		{add(200, true), DeltaHistory{MaxAchievedPositiveDelta: u(400), MinAchievedNegativeDelta: u(50)}},
		{add(350, true), DeltaHistory{MaxAchievedPositiveDelta: u(500), MinAchievedNegativeDelta: u(50)}},
		{sub(600, true), DeltaHistory{MaxAchievedPositiveDelta: u(500), MinAchievedNegativeDelta: u(100)}},
	}
	for i, step := range steps {
		apply(t, aggregator, resolver, []op{step.op})
		assert.Equal(t, step.want, deltaState(t, aggregator).History, "step %d", i)
	}
}

func TestAggregatorOverflows(t *testing.T) {
	aggregator, resolver := deltaAggregator(t, 100, 600)

	apply(t, aggregator, resolver, []op{add(400, true), sub(450, true)})

	steps := []struct {
		op   op
		want OptionalUint128
	}{
		// Beyond max value: overflows for every base and is not recorded.
		{add(601, false), OptionalUint128{}},
		{add(575, false), Some(u(525))},
		{add(551, false), Some(u(501))},
		{add(570, false), Some(u(501))},
	}
	for i, step := range steps {
		apply(t, aggregator, resolver, []op{step.op})
		assert.Equal(t, step.want, deltaState(t, aggregator).History.MinOverflowPositiveDelta, "step %d", i)
	}
}

func TestAggregatorUnderflows(t *testing.T) {
	aggregator, resolver := deltaAggregator(t, 200, 600)

	apply(t, aggregator, resolver, []op{add(300, true)})

	steps := []struct {
		op   op
		want OptionalUint128
	}{
		{sub(650, false), OptionalUint128{}},
		{sub(550, false), Some(u(250))},
		{sub(525, false), Some(u(225))},
		{sub(540, false), Some(u(225))},
		{sub(501, false), Some(u(201))},
	}
	for i, step := range steps {
		apply(t, aggregator, resolver, []op{step.op})
		assert.Equal(t, step.want, deltaState(t, aggregator).History.MaxUnderflowNegativeDelta, "step %d", i)
	}
}

func TestChangeInBaseValue(t *testing.T) {
	tests := []struct {
		name      string
		ops       []op
		wantDelta SignedU128
		valid     []uint64
		invalid   []uint64
	}{
		{
			name:      "achieved positive and negative",
			ops:       []op{add(300, true), sub(400, true), add(400, true), sub(500, true)},
			wantDelta: Negative(u(200)),
			valid:     []uint64{200, 300},
			invalid:   []uint64{199, 301},
		},
		{
			name:      "recorded overflow",
			ops:       []op{add(401, false), add(300, true)},
			wantDelta: Positive(u(300)),
			valid:     []uint64{200, 300},
			invalid:   []uint64{199, 301},
		},
		{
			name:      "recorded underflow",
			ops:       []op{sub(100, true), sub(101, false), add(300, true)},
			wantDelta: Positive(u(200)),
			valid:     []uint64{100, 199, 200},
			invalid:   []uint64{201, 400},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			aggregator, resolver := deltaAggregator(t, 200, 600)
			apply(t, aggregator, resolver, tc.ops)

			s := deltaState(t, aggregator)
			assert.Equal(t, tc.wantDelta, s.Delta)
			for _, base := range tc.valid {
				assert.NoError(t, s.History.ValidateAgainstBaseValue(u(base), u(600)), "base %d", base)
			}
			for _, base := range tc.invalid {
				assert.ErrorIs(t, s.History.ValidateAgainstBaseValue(u(base), u(600)), ErrDeltaConflict, "base %d", base)
			}
		})
	}
}

func TestRecordedUnderflowHistory(t *testing.T) {
	aggregator, resolver := deltaAggregator(t, 200, 600)
	apply(t, aggregator, resolver, []op{sub(100, true), sub(101, false), add(300, true)})

	assert.Equal(t, DeltaHistory{
		MaxAchievedPositiveDelta:  u(200),
		MinAchievedNegativeDelta:  u(100),
		MaxUnderflowNegativeDelta: Some(u(201)),
	}, deltaState(t, aggregator).History)
}

func TestMissingAggregator(t *testing.T) {
	aggregator, err := NewData(0).GetAggregator(legacy(7), u(100))
	require.NoError(t, err)
	resolver := NewMemoryResolver()

	_, err = aggregator.TryAdd(resolver, u(1))
	assert.ErrorIs(t, err, ErrExtension)
	_, err = aggregator.TrySub(resolver, u(1))
	assert.ErrorIs(t, err, ErrExtension)
	_, err = aggregator.ReadMostRecentAggregatorValue(resolver)
	assert.ErrorIs(t, err, ErrExtension)
}

func TestMissingEphemeralAggregator(t *testing.T) {
	aggregator, err := NewData(0).GetAggregator(Ephemeral(3), u(100))
	require.NoError(t, err)

	_, err = aggregator.TryAdd(NewMemoryResolver(), u(1))
	require.ErrorIs(t, err, ErrExtension)
	assert.ErrorIs(t, err, ErrValueNotFound)
}

func TestOperationsInDataMode(t *testing.T) {
	data := NewData(0)
	id := Ephemeral(1)
	require.NoError(t, data.CreateNewAggregator(id, u(200)))
	aggregator, err := data.GetAggregator(id, u(200))
	require.NoError(t, err)

	// Data mode never reads the resolver.
	resolver := NewResolverMock()
	apply(t, aggregator, resolver, []op{add(100, true), sub(50, true), sub(70, false), add(170, false)})

	value, err := aggregator.ReadMostRecentAggregatorValue(resolver)
	require.NoError(t, err)
	assert.Equal(t, u(50), value)
	assert.Equal(t, DataState{Value: u(50)}, aggregator.State())
	_, ok := aggregator.History()
	assert.False(t, ok)
	resolver.AssertExpectations(t)
}

func TestInputAboveMaxValue(t *testing.T) {
	aggregator, err := NewData(0).GetAggregator(legacy(1), u(10))
	require.NoError(t, err)
	resolver := NewResolverMock()

	ok, err := aggregator.TryAdd(resolver, u(11))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = aggregator.TrySub(resolver, u(11))
	require.NoError(t, err)
	assert.False(t, ok)

	// Rejected before touching the resolver.
	resolver.AssertNotCalled(t, "GetLegacyValue")
	assert.Equal(t, Unset(), deltaState(t, aggregator).StartValue)
}

func TestExpensiveReadHappensOnce(t *testing.T) {
	id := legacy(9)
	key, _ := id.StateKey()

	resolver := NewResolverMock()
	resolver.On("GetLegacyValue", key, ReadLastCommitted).Return(u(100), true, nil).Once()
	resolver.On("GetLegacyValue", key, ReadAggregated).Return(u(100), true, nil).Once()

	aggregator, err := NewData(0).GetAggregator(id, u(1000))
	require.NoError(t, err)

	ok, err := aggregator.TryAdd(resolver, u(10))
	require.NoError(t, err)
	require.True(t, ok)

	for _, want := range []uint64{110, 110} {
		value, err := aggregator.ReadMostRecentAggregatorValue(resolver)
		require.NoError(t, err)
		assert.Equal(t, u(want), value)
	}

	ok, err = aggregator.TrySub(resolver, u(60))
	require.NoError(t, err)
	require.True(t, ok)

	value, err := aggregator.ReadMostRecentAggregatorValue(resolver)
	require.NoError(t, err)
	assert.Equal(t, u(50), value)

	resolver.AssertExpectations(t)
}

func TestStaleLastCommittedValue(t *testing.T) {
	id := legacy(1)
	resolver := NewMemoryResolver()
	resolver.SetFromID(id, u(100))
	// A concurrent transaction added 200 which the cheap read did not see.
	resolver.SetFromIDWithMode(id, ReadAggregated, u(300))

	aggregator, err := NewData(0).GetAggregator(id, u(500))
	require.NoError(t, err)
	apply(t, aggregator, resolver, []op{add(400, true)})

	_, err = aggregator.ReadMostRecentAggregatorValue(resolver)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.ErrorIs(t, err, ErrDeltaConflict)

	// The failed read leaves the start value untouched.
	assert.Equal(t, LastCommittedValue(u(100)), deltaState(t, aggregator).StartValue)
}

func TestReadLastCommittedWithPendingDelta(t *testing.T) {
	aggregator := &Aggregator{
		id:       legacy(1),
		maxValue: u(100),
		state:    DeltaState{StartValue: Unset(), Delta: Positive(u(5))},
	}
	err := aggregator.ReadLastCommittedAggregatorValue(NewMemoryResolver())
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestLargeValues(t *testing.T) {
	maxValue := safemath.MaxUint128
	id := legacy(1)
	resolver := NewMemoryResolver()
	start, _ := safemath.Sub(maxValue, u(10))
	resolver.SetFromID(id, start)

	aggregator, err := NewData(0).GetAggregator(id, maxValue)
	require.NoError(t, err)

	ok, err := aggregator.TryAdd(resolver, u(10))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = aggregator.TryAdd(resolver, u(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Some(u(11)), deltaState(t, aggregator).History.MinOverflowPositiveDelta)

	value, err := aggregator.ReadMostRecentAggregatorValue(resolver)
	require.NoError(t, err)
	assert.Equal(t, maxValue, value)
}
