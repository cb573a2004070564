package mocks

import (
	"context"
	"time"

	"decision-server/internal/service"
	"decision-server/internal/worker"
	"decision-server/shared/models"

	"github.com/stretchr/testify/mock"
)

// MockDecider is a mock type for the worker.Decider type
type MockDecider struct {
	mock.Mock
}

// Decide provides a mock function with given fields: ctx, req, waitTime
func (_m *MockDecider) Decide(ctx context.Context, req *models.GenerationRequest, waitTime time.Duration) (*service.Outcome, error) {
	ret := _m.Called(ctx, req, waitTime)

	var r0 *service.Outcome
	if rf, ok := ret.Get(0).(func(context.Context, *models.GenerationRequest, time.Duration) *service.Outcome); ok {
		r0 = rf(ctx, req, waitTime)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*service.Outcome)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, *models.GenerationRequest, time.Duration) error); ok {
		r1 = rf(ctx, req, waitTime)
	} else {
		err := ret.Error(1)
		if err != nil {
			r1 = err
		}
	}

	return r0, r1
}

// NewMockDecider creates a new instance of MockDecider. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockDecider(t interface {
	mock.TestingT
	Helper()
}) *MockDecider {
	m := &MockDecider{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ worker.Decider = (*MockDecider)(nil)
