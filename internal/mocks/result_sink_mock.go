package mocks

import (
	"context"

	"decision-server/internal/worker"
	"decision-server/shared/messaging"

	"github.com/stretchr/testify/mock"
)

// MockResultSink is a mock type for the worker.ResultSink type
type MockResultSink struct {
	mock.Mock
}

// Publish provides a mock function with given fields: ctx, result
func (_m *MockResultSink) Publish(ctx context.Context, result messaging.DecisionResultPayload) error {
	ret := _m.Called(ctx, result)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, messaging.DecisionResultPayload) error); ok {
		r0 = rf(ctx, result)
	} else {
		err := ret.Error(0)
		if err != nil {
			r0 = err
		}
	}

	return r0
}

// NewMockResultSink creates a new instance of MockResultSink. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockResultSink(t interface {
	mock.TestingT
	Helper()
}) *MockResultSink {
	m := &MockResultSink{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ worker.ResultSink = (*MockResultSink)(nil)
