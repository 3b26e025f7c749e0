package aggregator

import (
	"fmt"

	"github.com/eigerco/aggregator/internal/safemath"
)

// DeltaOp is a delta to be merged into a committed value, together with the
// history needed to check it against that value.
type DeltaOp struct {
	Update   SignedU128
	MaxValue safemath.Uint128
	History  DeltaHistory
}

func NewDeltaOp(update SignedU128, maxValue safemath.Uint128, history DeltaHistory) DeltaOp {
	return DeltaOp{Update: update, MaxValue: maxValue, History: history}
}

// ApplyTo validates the history against base and returns base+Update. A
// failed validation wraps ErrDeltaConflict.
func (op DeltaOp) ApplyTo(base safemath.Uint128) (safemath.Uint128, error) {
	if err := op.History.ValidateAgainstBaseValue(base, op.MaxValue); err != nil {
		return safemath.Uint128{}, err
	}
	return expectOK(NewBoundedMath(op.MaxValue).UnsignedAddDelta(base, op.Update))
}

// MergeWithPrevious folds previous, which applies before op, into op.
func (op *DeltaOp) MergeWithPrevious(previous DeltaOp) error {
	if op.MaxValue != previous.MaxValue {
		return invariantError("merging deltas with different max values %s and %s", previous.MaxValue, op.MaxValue)
	}
	history, err := op.History.OffsetAndMerge(previous.Update, previous.History, op.MaxValue)
	if err != nil {
		return err
	}
	update, err := NewBoundedMath(op.MaxValue).SignedAdd(previous.Update, op.Update)
	if err != nil {
		return invariantError("merging delta updates: %v", err)
	}
	op.Update = update
	op.History = history
	return nil
}

func (op DeltaOp) String() string {
	return fmt.Sprintf("DeltaOp{%s max=%s history=[+%s -%s overflow=%s underflow=%s]}",
		op.Update, op.MaxValue,
		op.History.MaxAchievedPositiveDelta, op.History.MinAchievedNegativeDelta,
		op.History.MinOverflowPositiveDelta, op.History.MaxUnderflowNegativeDelta)
}
