package aggregator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaOpApplyTo(t *testing.T) {
	op := NewDeltaOp(Positive(u(100)), u(600), DeltaHistory{MaxAchievedPositiveDelta: u(100)})

	got, err := op.ApplyTo(u(100))
	require.NoError(t, err)
	assert.Equal(t, u(200), got)

	_, err = op.ApplyTo(u(550))
	require.ErrorIs(t, err, ErrDeltaConflict)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, BoundMaxAchievedPositive, validationErr.Kind)
}

func TestDeltaOpApplyToNegative(t *testing.T) {
	op := NewDeltaOp(Negative(u(30)), u(600), DeltaHistory{MinAchievedNegativeDelta: u(30)})

	got, err := op.ApplyTo(u(30))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = op.ApplyTo(u(29))
	require.ErrorIs(t, err, ErrDeltaConflict)
}

func TestDeltaOpMergeWithPrevious(t *testing.T) {
	previous := NewDeltaOp(Positive(u(100)), u(600), DeltaHistory{MaxAchievedPositiveDelta: u(100)})
	op := NewDeltaOp(Negative(u(30)), u(600), DeltaHistory{
		MinAchievedNegativeDelta: u(30),
		MinOverflowPositiveDelta: Some(u(550)),
	})

	require.NoError(t, op.MergeWithPrevious(previous))
	assert.Equal(t, Positive(u(70)), op.Update)
	assert.Equal(t, DeltaHistory{MaxAchievedPositiveDelta: u(100)}, op.History)

	// The merged op behaves like applying both in order.
	for _, base := range []uint64{0, 100, 500} {
		first, err := previous.ApplyTo(u(base))
		require.NoError(t, err)
		want, err := NewDeltaOp(Negative(u(30)), u(600), DeltaHistory{MinAchievedNegativeDelta: u(30)}).ApplyTo(first)
		require.NoError(t, err)

		got, err := op.ApplyTo(u(base))
		require.NoError(t, err)
		assert.Equal(t, want, got, "base %d", base)
	}
}

func TestDeltaOpMergeDifferentMaxValues(t *testing.T) {
	op := NewDeltaOp(Positive(u(1)), u(10), NewDeltaHistory())
	err := op.MergeWithPrevious(NewDeltaOp(Positive(u(1)), u(20), NewDeltaHistory()))
	require.ErrorIs(t, err, ErrInvariantViolation)
}
