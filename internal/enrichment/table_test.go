package enrichment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const containersContent = "container_id,container_name,image,pod_name,namespace\nabc123,web,nginx:1.27,web-6d4f,default\n"

func newContainersSync(t *testing.T) *TableSync {
	return NewTableSync(t.TempDir(), "docker-mappings", ContainersPolicy, zap.NewNop().Sugar())
}

func TestHasPendingChangeNoIncoming(t *testing.T) {
	sync := newContainersSync(t)

	pending, err := sync.HasPendingChange()
	assert.NoError(t, err)
	assert.False(t, pending)
}

func TestHasPendingChangeIdenticalFiles(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.targetPath, []byte(containersContent), 0o644))
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte(containersContent), 0o644))

	pending, err := sync.HasPendingChange()
	assert.NoError(t, err)
	assert.False(t, pending)
}

func TestHasPendingChangeSingleByteDifference(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.targetPath, []byte(containersContent), 0o644))
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte(containersContent+"x"), 0o644))

	pending, err := sync.HasPendingChange()
	assert.NoError(t, err)
	assert.True(t, pending)
}

func TestHasPendingChangeMissingTarget(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte(containersContent), 0o644))

	pending, err := sync.HasPendingChange()
	assert.NoError(t, err)
	assert.True(t, pending)
}

func TestValidateRejectsMissingAndEmpty(t *testing.T) {
	sync := newContainersSync(t)
	assert.Error(t, sync.Validate())

	assert.NoError(t, os.WriteFile(sync.incomingPath, nil, 0o644))
	assert.Error(t, sync.Validate())
}

func TestValidateRejectsWrongHeader(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte("id,name\nabc,web\n"), 0o644))

	err := sync.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed for containers table")
}

func TestValidateAcceptsContainersTable(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte(containersContent), 0o644))
	assert.NoError(t, sync.Validate())
}

func TestValidateDatabasesHeaderTuple(t *testing.T) {
	sync := NewTableSync(t.TempDir(), "databases", DatabasesPolicy, zap.NewNop().Sugar())

	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte("ip,port,db_type,db_name\n10.0.0.5,5432,postgres,orders\n"), 0o644))
	assert.NoError(t, sync.Validate())

	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte("ip,port,engine,db_name\n"), 0o644))
	assert.Error(t, sync.Validate())
}

func TestValidateDatabasesMalformedCSV(t *testing.T) {
	sync := NewTableSync(t.TempDir(), "databases", DatabasesPolicy, zap.NewNop().Sugar())
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte("\"unterminated,quote\n"), 0o644))

	err := sync.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid CSV file")
}

func TestPromoteRenamesIncoming(t *testing.T) {
	sync := newContainersSync(t)
	assert.NoError(t, os.WriteFile(sync.incomingPath, []byte(containersContent), 0o644))

	assert.NoError(t, sync.Promote())

	data, err := os.ReadFile(sync.targetPath)
	assert.NoError(t, err)
	assert.Equal(t, containersContent, string(data))

	_, err = os.Stat(sync.incomingPath)
	assert.True(t, os.IsNotExist(err))
}

func TestIncomingPathLayout(t *testing.T) {
	dir := t.TempDir()
	sync := NewTableSync(dir, "databases", DatabasesPolicy, zap.NewNop().Sugar())
	assert.Equal(t, filepath.Join(dir, "databases.incoming.csv"), sync.IncomingPath())
}
