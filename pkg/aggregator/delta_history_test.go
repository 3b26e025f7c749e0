package aggregator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaHistoryRecord(t *testing.T) {
	h := NewDeltaHistory()
	assert.True(t, h.IsEmpty())

	h.RecordSuccess(Positive(u(300)))
	h.RecordSuccess(Positive(u(100)))
	h.RecordSuccess(Negative(u(50)))
	h.RecordSuccess(Negative(u(10)))
	h.RecordOverflow(u(501))
	h.RecordOverflow(u(520))
	h.RecordUnderflow(u(225))
	h.RecordUnderflow(u(240))

	assert.Equal(t, DeltaHistory{
		MaxAchievedPositiveDelta:  u(300),
		MinAchievedNegativeDelta:  u(50),
		MinOverflowPositiveDelta:  Some(u(501)),
		MaxUnderflowNegativeDelta: Some(u(225)),
	}, h)
	assert.False(t, h.IsEmpty())
}

func TestValidateAgainstBaseValue(t *testing.T) {
	h := DeltaHistory{
		MaxAchievedPositiveDelta:  u(200),
		MinAchievedNegativeDelta:  u(100),
		MaxUnderflowNegativeDelta: Some(u(201)),
	}

	tests := []struct {
		base     uint64
		wantKind *BoundKind
	}{
		{base: 100},
		{base: 199},
		{base: 200},
		{base: 99, wantKind: ptr(BoundMinAchievedNegative)},
		{base: 201, wantKind: ptr(BoundMaxUnderflowNegative)},
		{base: 401, wantKind: ptr(BoundMaxAchievedPositive)},
	}
	for _, tc := range tests {
		err := h.ValidateAgainstBaseValue(u(tc.base), u(600))
		if tc.wantKind == nil {
			assert.NoError(t, err, "base %d", tc.base)
			continue
		}
		require.ErrorIs(t, err, ErrDeltaConflict, "base %d", tc.base)
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, *tc.wantKind, validationErr.Kind, "base %d", tc.base)
		assert.Equal(t, u(tc.base), validationErr.Base)
	}
}

func TestValidateOverflow(t *testing.T) {
	h := DeltaHistory{MinOverflowPositiveDelta: Some(u(401))}

	assert.NoError(t, h.ValidateAgainstBaseValue(u(200), u(600)))

	err := h.ValidateAgainstBaseValue(u(199), u(600))
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, BoundMinOverflowPositive, validationErr.Kind)
	assert.Equal(t, u(401), validationErr.Bound)
}

func TestOffsetAndMerge(t *testing.T) {
	prevHistory := DeltaHistory{MaxAchievedPositiveDelta: u(100)}
	next := DeltaHistory{
		MaxAchievedPositiveDelta:  u(200),
		MinAchievedNegativeDelta:  u(50),
		MinOverflowPositiveDelta:  Some(u(400)),
		MaxUnderflowNegativeDelta: Some(u(300)),
	}

	merged, err := next.OffsetAndMerge(Positive(u(100)), prevHistory, u(1000))
	require.NoError(t, err)
	assert.Equal(t, DeltaHistory{
		MaxAchievedPositiveDelta:  u(300),
		MinOverflowPositiveDelta:  Some(u(500)),
		MaxUnderflowNegativeDelta: Some(u(200)),
	}, merged)
}

func TestOffsetAndMergeNegativePrevious(t *testing.T) {
	prevHistory := DeltaHistory{MinAchievedNegativeDelta: u(100)}
	next := DeltaHistory{
		MaxAchievedPositiveDelta:  u(30),
		MinAchievedNegativeDelta:  u(50),
		MinOverflowPositiveDelta:  Some(u(900)),
		MaxUnderflowNegativeDelta: Some(u(20)),
	}

	merged, err := next.OffsetAndMerge(Negative(u(100)), prevHistory, u(1000))
	require.NoError(t, err)
	assert.Equal(t, DeltaHistory{
		MinAchievedNegativeDelta:  u(150),
		MinOverflowPositiveDelta:  Some(u(800)),
		MaxUnderflowNegativeDelta: Some(u(120)),
	}, merged)
}

func TestOffsetAndMergeDropsUnreachableBounds(t *testing.T) {
	next := DeltaHistory{
		MinOverflowPositiveDelta:  Some(u(600)),
		MaxUnderflowNegativeDelta: Some(u(900)),
	}

	merged, err := next.OffsetAndMerge(Positive(u(500)), NewDeltaHistory(), u(1000))
	require.NoError(t, err)
	// 500+600 overflows for every base and is dropped. The underflow shifts to 400.
	assert.False(t, merged.MinOverflowPositiveDelta.Set)
	assert.Equal(t, Some(u(400)), merged.MaxUnderflowNegativeDelta)
	assert.Equal(t, u(500), merged.MaxAchievedPositiveDelta)
}

func TestOffsetAndMergeInconsistent(t *testing.T) {
	_, err := DeltaHistory{MinOverflowPositiveDelta: Some(u(400))}.
		OffsetAndMerge(Negative(u(500)), NewDeltaHistory(), u(1000))
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = DeltaHistory{MaxUnderflowNegativeDelta: Some(u(300))}.
		OffsetAndMerge(Positive(u(500)), NewDeltaHistory(), u(1000))
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func ptr[T any](v T) *T {
	return &v
}
