package enrichment

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ValidationPolicy describes the shape checks for one enrichment table. A
// table is parameterized by a policy value instead of a type of its own.
type ValidationPolicy struct {
	Name string

	// ExactHeaderLine, when set, requires the first line of the file to
	// match verbatim.
	ExactHeaderLine string

	// Header, when set, requires the parsed CSV header to match this tuple.
	Header []string
}

// ContainersPolicy validates the container-mapping table.
var ContainersPolicy = ValidationPolicy{
	Name:            "containers",
	ExactHeaderLine: "container_id,container_name,image,pod_name,namespace",
}

// DatabasesPolicy validates the database-mapping table.
var DatabasesPolicy = ValidationPolicy{
	Name:   "databases",
	Header: []string{"ip", "port", "db_type", "db_name"},
}

// TableSyncInterface defines the validate-then-promote pipeline for one
// enrichment table.
type TableSyncInterface interface {
	HasPendingChange() (bool, error)
	Validate() error
	Promote() error
	IncomingPath() string
}

// TableSync keeps a promoted table file and its incoming candidate in sync.
type TableSync struct {
	targetPath   string
	incomingPath string
	policy       ValidationPolicy
	logger       *zap.SugaredLogger
}

// NewTableSync creates a table sync for <dir>/<base>.csv with its incoming
// candidate at <dir>/<base>.incoming.csv.
func NewTableSync(dir, base string, policy ValidationPolicy, logger *zap.SugaredLogger) *TableSync {
	return &TableSync{
		targetPath:   filepath.Join(dir, base+".csv"),
		incomingPath: filepath.Join(dir, base+".incoming.csv"),
		policy:       policy,
		logger:       logger,
	}
}

// IncomingPath returns the staging path a new candidate must be written to.
func (t *TableSync) IncomingPath() string {
	return t.incomingPath
}

// HasPendingChange reports whether an incoming file exists and differs from
// the promoted file. A missing promoted file always differs from a present
// incoming one.
func (t *TableSync) HasPendingChange() (bool, error) {
	if _, err := os.Stat(t.incomingPath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat %s: %v", t.incomingPath, err)
	}

	incoming, err := fileHash(t.incomingPath)
	if err != nil {
		return false, err
	}
	target, err := fileHash(t.targetPath)
	if err != nil {
		return false, err
	}
	return incoming != target, nil
}

// Validate checks the incoming file against the table policy.
func (t *TableSync) Validate() error {
	info, err := os.Stat(t.incomingPath)
	if err != nil {
		return fmt.Errorf("validation failed for %s table: incoming file is missing: %v", t.policy.Name, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("validation failed for %s table: incoming file is empty", t.policy.Name)
	}

	file, err := os.Open(t.incomingPath)
	if err != nil {
		return fmt.Errorf("validation failed for %s table: %v", t.policy.Name, err)
	}
	defer file.Close()

	if t.policy.ExactHeaderLine != "" {
		scanner := bufio.NewScanner(file)
		if !scanner.Scan() {
			return fmt.Errorf("validation failed for %s table: incoming file has no header row", t.policy.Name)
		}
		header := strings.TrimRight(scanner.Text(), "\r")
		if header != t.policy.ExactHeaderLine {
			return fmt.Errorf("validation failed for %s table: unexpected header %q", t.policy.Name, header)
		}
		return nil
	}

	header, err := csv.NewReader(file).Read()
	if err != nil {
		// A malformed file is a validation failure, not a crash.
		return fmt.Errorf("validation failed for %s table: not a valid CSV file: %v", t.policy.Name, err)
	}
	if len(header) != len(t.policy.Header) {
		return fmt.Errorf("validation failed for %s table: expected %d header columns, got %d", t.policy.Name, len(t.policy.Header), len(header))
	}
	for i, column := range t.policy.Header {
		if strings.TrimSpace(header[i]) != column {
			return fmt.Errorf("validation failed for %s table: expected header column %q, got %q", t.policy.Name, column, header[i])
		}
	}
	return nil
}

// Promote atomically renames the incoming file into the promoted position.
func (t *TableSync) Promote() error {
	if err := os.Rename(t.incomingPath, t.targetPath); err != nil {
		return fmt.Errorf("failed to promote %s table: %v", t.policy.Name, err)
	}
	t.logger.Infow("promoted enrichment table", "table", t.policy.Name, "path", t.targetPath)
	return nil
}

// fileHash returns the hex sha256 of a file, or "" when the file is missing,
// so a missing file never hashes equal to a present one.
func fileHash(path string) (string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
