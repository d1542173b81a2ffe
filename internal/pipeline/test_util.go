package pipeline

import "github.com/stretchr/testify/mock"

// MockVectorCLI is a mock implementation of VectorCLIInterface.
type MockVectorCLI struct {
	mock.Mock
}

func (m *MockVectorCLI) Validate(globs ...string) (string, error) {
	args := m.Called(globs)
	return args.String(0), args.Error(1)
}

func (m *MockVectorCLI) Reload() error {
	args := m.Called()
	return args.Error(0)
}
