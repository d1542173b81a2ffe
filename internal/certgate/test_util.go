package certgate

import "github.com/stretchr/testify/mock"

// MockIssuer is a mock implementation of IssuerInterface.
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) Restart() error {
	args := m.Called()
	return args.Error(0)
}
