package mocks

import (
	"context"

	"decision-server/internal/gateway"
	"decision-server/shared/models"

	"github.com/stretchr/testify/mock"
)

// MockBackend is a mock type for the gateway.Backend type
type MockBackend struct {
	mock.Mock
}

// Kind provides a mock function with no fields
func (_m *MockBackend) Kind() models.BackendKind {
	ret := _m.Called()

	var r0 models.BackendKind
	if rf, ok := ret.Get(0).(func() models.BackendKind); ok {
		r0 = rf()
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(models.BackendKind)
		}
	}

	return r0
}

// Model provides a mock function with no fields
func (_m *MockBackend) Model() string {
	ret := _m.Called()

	var r0 string
	if rf, ok := ret.Get(0).(func() string); ok {
		r0 = rf()
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	return r0
}

// Generate provides a mock function with given fields: ctx, req, mode
func (_m *MockBackend) Generate(ctx context.Context, req *models.GenerationRequest, mode models.GenerationMode) (*models.GenerationResult, error) {
	ret := _m.Called(ctx, req, mode)

	var r0 *models.GenerationResult
	if rf, ok := ret.Get(0).(func(context.Context, *models.GenerationRequest, models.GenerationMode) *models.GenerationResult); ok {
		r0 = rf(ctx, req, mode)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*models.GenerationResult)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, *models.GenerationRequest, models.GenerationMode) error); ok {
		r1 = rf(ctx, req, mode)
	} else {
		err := ret.Error(1)
		if err != nil {
			r1 = err
		}
	}

	return r0, r1
}

// NewMockBackend creates a new instance of MockBackend. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockBackend(t interface {
	mock.TestingT
	Helper()
}) *MockBackend {
	m := &MockBackend{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ gateway.Backend = (*MockBackend)(nil)
