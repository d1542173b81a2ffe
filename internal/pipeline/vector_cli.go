package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// VectorCLIInterface is the narrow boundary to the external data-plane
// process: validate a candidate file set, or ask the running process to reload
// its configuration without a restart. All filesystem staging stays on the
// agent side of this boundary.
type VectorCLIInterface interface {
	// Validate runs the external validator against the given file globs. A
	// non-empty diagnostic means the set is invalid; a non-nil error means
	// the validator could not be run at all.
	Validate(globs ...string) (string, error)
	Reload() error
}

// VectorCLI shells out to the pipeline binary and signals the running process
// by its pidfile.
type VectorCLI struct {
	binary  string
	pidFile string
	logger  *zap.SugaredLogger
}

func NewVectorCLI(binary, pidFile string, logger *zap.SugaredLogger) *VectorCLI {
	return &VectorCLI{binary: binary, pidFile: pidFile, logger: logger}
}

func (v *VectorCLI) Validate(globs ...string) (string, error) {
	args := append([]string{"validate", "--no-environment"}, globs...)
	out, err := exec.Command(v.binary, args...).CombinedOutput()
	if err == nil {
		return "", nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), nil
	}
	return "", fmt.Errorf("failed to run validator %s: %v", v.binary, err)
}

// Reload sends SIGHUP to the pipeline process, which re-reads its
// configuration in place.
func (v *VectorCLI) Reload() error {
	data, err := os.ReadFile(v.pidFile)
	if err != nil {
		return fmt.Errorf("failed to read pipeline pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pipeline pidfile %s does not contain a pid: %v", v.pidFile, err)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal pipeline process %d: %v", pid, err)
	}
	v.logger.Infow("signaled pipeline process to reload", "pid", pid)
	return nil
}
