package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stickyPrefixes mark error classes that must survive an otherwise clean
// cycle. They are cleared only by a cycle that resolves the underlying
// condition, which writes over them or removes them explicitly.
var stickyPrefixes = []string{
	"validation failed",
	"invalid filename",
	"invalid version",
}

// IsSticky reports whether a persisted error message belongs to a sticky
// class.
func IsSticky(message string) bool {
	for _, prefix := range stickyPrefixes {
		if strings.HasPrefix(message, prefix) {
			return true
		}
	}
	return false
}

// ErrorState is the single persisted free-text error surfaced on the next
// ping. Last write wins.
type ErrorState struct {
	path string
}

func NewErrorState(workingDir string) *ErrorState {
	return &ErrorState{path: filepath.Join(workingDir, "errors.txt")}
}

// Read returns the persisted message, or "" when none is recorded.
func (s *ErrorState) Read() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s *ErrorState) Write(message string) error {
	if err := os.WriteFile(s.path, []byte(message+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to persist error state: %v", err)
	}
	return nil
}

// Clear removes the persisted message unconditionally.
func (s *ErrorState) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear error state: %v", err)
	}
	return nil
}

// ClearIfNotSticky removes the persisted message unless it belongs to a sticky
// class, which only a resolving cycle may clear.
func (s *ErrorState) ClearIfNotSticky() error {
	if IsSticky(s.Read()) {
		return nil
	}
	return s.Clear()
}
