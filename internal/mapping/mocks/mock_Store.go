// Package mocks provides test doubles for the mapping store.
package mocks

import (
	"context"

	model "github.com/sells-group/idresolve/internal/model"
	mock "github.com/stretchr/testify/mock"
)

// MockStore is a mock type for the Store interface.
type MockStore struct {
	mock.Mock
}

// LookupBatch provides a mock function with given fields: ctx, kc, keys
func (_m *MockStore) LookupBatch(ctx context.Context, kc model.KeyClass, keys []string) (map[string]model.MatchResult, error) {
	ret := _m.Called(ctx, kc, keys)

	if len(ret) == 0 {
		panic("no return value specified for LookupBatch")
	}

	var r0 map[string]model.MatchResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(map[string]model.MatchResult)
	}
	return r0, ret.Error(1)
}

// InsertBatch provides a mock function with given fields: ctx, entries
func (_m *MockStore) InsertBatch(ctx context.Context, entries []model.MappingEntry) (int, error) {
	ret := _m.Called(ctx, entries)

	if len(ret) == 0 {
		panic("no return value specified for InsertBatch")
	}

	return ret.Int(0), ret.Error(1)
}

// InsertBatchWithConflictCheck provides a mock function with given fields: ctx, entries
func (_m *MockStore) InsertBatchWithConflictCheck(ctx context.Context, entries []model.MappingEntry) (model.InsertReport, error) {
	ret := _m.Called(ctx, entries)

	if len(ret) == 0 {
		panic("no return value specified for InsertBatchWithConflictCheck")
	}

	var r0 model.InsertReport
	if rf, ok := ret.Get(0).(func(context.Context, []model.MappingEntry) model.InsertReport); ok {
		r0 = rf(ctx, entries)
	} else {
		r0 = ret.Get(0).(model.InsertReport)
	}
	return r0, ret.Error(1)
}

// RecordHits provides a mock function with given fields: ctx, kc, keys
func (_m *MockStore) RecordHits(ctx context.Context, kc model.KeyClass, keys []string) error {
	ret := _m.Called(ctx, kc, keys)

	if len(ret) == 0 {
		panic("no return value specified for RecordHits")
	}

	return ret.Error(0)
}

// NewMockStore creates a new instance of MockStore and registers cleanup
// assertions on t.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
