// Package mocks provides test doubles for the companysearch client.
package mocks

import (
	"context"

	companysearch "github.com/sells-group/idresolve/pkg/companysearch"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Search provides a mock function with given fields: ctx, name
func (_m *MockClient) Search(ctx context.Context, name string) (*companysearch.SearchResponse, error) {
	ret := _m.Called(ctx, name)

	if len(ret) == 0 {
		panic("no return value specified for Search")
	}

	var r0 *companysearch.SearchResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*companysearch.SearchResponse, error)); ok {
		return rf(ctx, name)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*companysearch.SearchResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient and registers cleanup
// assertions on t.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
