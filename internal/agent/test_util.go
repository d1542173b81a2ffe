package agent

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/televine-platform/trellis-go/internal/controlplane"
	"github.com/televine-platform/trellis-go/pkg/models"
)

// MockControlPlaneClient is a mock implementation of controlplane.ClientInterface.
type MockControlPlaneClient struct {
	mock.Mock
}

func (m *MockControlPlaneClient) IsClusterCollector() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *MockControlPlaneClient) Ping(status controlplane.Status) (*models.PingResponse, error) {
	args := m.Called(status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PingResponse), args.Error(1)
}

func (m *MockControlPlaneClient) ConfigurationFiles(version string) ([]models.ConfigFile, error) {
	args := m.Called(version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ConfigFile), args.Error(1)
}

func (m *MockControlPlaneClient) DownloadFile(path, dest string) error {
	args := m.Called(path, dest)
	return args.Error(0)
}

// MockPromoter is a mock implementation of pipeline.PromoterInterface.
type MockPromoter struct {
	mock.Mock
}

func (m *MockPromoter) ValidateUpstream(versionDir string) (string, error) {
	args := m.Called(versionDir)
	return args.String(0), args.Error(1)
}

func (m *MockPromoter) PromoteUpstream(versionDir string) error {
	args := m.Called(versionDir)
	return args.Error(0)
}

func (m *MockPromoter) PrepareComposite() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockPromoter) ValidateComposite(stageDir string) (string, error) {
	args := m.Called(stageDir)
	return args.String(0), args.Error(1)
}

func (m *MockPromoter) PromoteComposite(stageDir string) error {
	args := m.Called(stageDir)
	return args.Error(0)
}

func (m *MockPromoter) DiscardStage(stageDir string) error {
	args := m.Called(stageDir)
	return args.Error(0)
}

func (m *MockPromoter) ActiveConfig() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockEngine is a mock implementation of discovery.EngineInterface.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ShouldRun(configData []byte) bool {
	args := m.Called(configData)
	return args.Bool(0)
}

func (m *MockEngine) Run(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// MockGate is a mock implementation of certgate.GateInterface.
type MockGate struct {
	mock.Mock
}

func (m *MockGate) ProcessDomainUpdate(newDomain string) (bool, error) {
	args := m.Called(newDomain)
	return args.Bool(0), args.Error(1)
}

func (m *MockGate) ShouldDeferPromotion() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockGate) Domain() string {
	args := m.Called()
	return args.String(0)
}

// MockTableSync is a mock implementation of enrichment.TableSyncInterface.
type MockTableSync struct {
	mock.Mock
}

func (m *MockTableSync) HasPendingChange() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *MockTableSync) Validate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTableSync) Promote() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTableSync) IncomingPath() string {
	args := m.Called()
	return args.String(0)
}
