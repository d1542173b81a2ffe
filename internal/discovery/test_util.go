package discovery

import "github.com/stretchr/testify/mock"

// MockValidator is a mock implementation of ValidatorInterface.
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(globs ...string) (string, error) {
	args := m.Called(globs)
	return args.String(0), args.Error(1)
}
