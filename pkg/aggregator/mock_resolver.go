package aggregator

import (
	"github.com/stretchr/testify/mock"

	"github.com/eigerco/aggregator/internal/safemath"
)

func NewResolverMock() *ResolverMock {
	return &ResolverMock{}
}

type ResolverMock struct {
	mock.Mock
}

func (r *ResolverMock) GetLegacyValue(key StateKey, mode ReadMode) (safemath.Uint128, bool, error) {
	args := r.MethodCalled("GetLegacyValue", key, mode)
	return args.Get(0).(safemath.Uint128), args.Bool(1), args.Error(2)
}

func (r *ResolverMock) GetEphemeralValue(id ID, mode ReadMode) (SnapshotValue, error) {
	args := r.MethodCalled("GetEphemeralValue", id, mode)
	if v := args.Get(0); v != nil {
		return v.(SnapshotValue), args.Error(1)
	}
	return nil, args.Error(1)
}
