package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/televine-platform/trellis-go/internal/certgate"
	"github.com/televine-platform/trellis-go/internal/controlplane"
	"github.com/televine-platform/trellis-go/internal/discovery"
	"github.com/televine-platform/trellis-go/internal/enrichment"
	"github.com/televine-platform/trellis-go/internal/fsutil"
	"github.com/televine-platform/trellis-go/internal/pipeline"
	"github.com/televine-platform/trellis-go/pkg/models"
)

const (
	versionsDirName   = "versions"
	domainFileName    = "certificate-domain.txt"
	databasesFileName = "databases.csv"

	// versionRetention bounds how many downloaded version directories are
	// kept after a clean cycle.
	versionRetention = 10
)

// versionPattern matches the lexicographically sortable timestamp identifiers
// the control plane issues, e.g. 2025-01-01T00:00:00.
var versionPattern = regexp.MustCompile(`^[0-9][0-9A-Za-z:.\-]*$`)

// Agent owns the polling cycle: it reports status to the control plane,
// downloads announced versions, and drives the enrichment, certificate,
// discovery and promotion subsystems to a single outcome per cycle.
type Agent struct {
	workingDir       string
	clusterCollector bool // forced role, skips the election endpoint

	client     controlplane.ClientInterface
	promoter   pipeline.PromoterInterface
	engine     discovery.EngineInterface
	gate       certgate.GateInterface
	containers enrichment.TableSyncInterface
	databases  enrichment.TableSyncInterface
	errState   *ErrorState
	logger     *zap.SugaredLogger
}

// New wires the cycle orchestrator. forceClusterCollector skips the election
// endpoint and always assumes the role.
func New(
	workingDir string,
	forceClusterCollector bool,
	client controlplane.ClientInterface,
	promoter pipeline.PromoterInterface,
	engine discovery.EngineInterface,
	gate certgate.GateInterface,
	containers enrichment.TableSyncInterface,
	databases enrichment.TableSyncInterface,
	logger *zap.SugaredLogger,
) (*Agent, error) {
	if err := os.MkdirAll(filepath.Join(workingDir, versionsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create versions directory: %v", err)
	}
	return &Agent{
		workingDir:       workingDir,
		clusterCollector: forceClusterCollector,
		client:           client,
		promoter:         promoter,
		engine:           engine,
		gate:             gate,
		containers:       containers,
		databases:        databases,
		errState:         NewErrorState(workingDir),
		logger:           logger,
	}, nil
}

// RunCycle executes one full reconciliation cycle. It returns an error only
// for fatal conditions (authentication failure); every other failure is
// persisted for the next ping and the cycle ends normally.
func (a *Agent) RunCycle(ctx context.Context) error {
	isCollector, err := a.resolveRole()
	if err != nil {
		if errors.Is(err, controlplane.ErrUnauthorized) {
			return err
		}
		a.recordError(err)
		return nil
	}

	resp, err := a.client.Ping(controlplane.Status{
		ClusterCollector:     isCollector,
		ConfigurationVersion: a.currentVersion(),
		Error:                a.errState.Read(),
	})
	if err != nil {
		if errors.Is(err, controlplane.ErrUnauthorized) {
			return err
		}
		a.recordError(err)
		// The control plane is unreachable; local reconciliation below still
		// runs against the last promoted configuration.
		resp = nil
	}

	var cycleErr error
	upstreamChanged := false

	if resp != nil && resp.Status == models.StatusNewVersionAvailable && resp.ConfigurationVersion != "" {
		upstreamChanged, cycleErr = a.applyVersion(resp.ConfigurationVersion)
	} else if resp != nil && resp.Status != "" {
		a.logger.Debugw("ping returned informational status", "status", resp.Status)
	}

	// The container table's incoming file is produced locally, outside the
	// download path, so it is checked every cycle.
	if err := a.syncTable(a.containers); err != nil && cycleErr == nil {
		cycleErr = err
	}

	discoveryChanged := false
	if active, err := a.promoter.ActiveConfig(); err != nil {
		if cycleErr == nil {
			cycleErr = err
		}
	} else if len(active) > 0 && a.engine.ShouldRun(active) {
		changed, err := a.engine.Run(ctx)
		if err != nil {
			if cycleErr == nil {
				cycleErr = err
			}
		} else {
			discoveryChanged = changed
		}
	}

	if upstreamChanged || discoveryChanged {
		if err := a.restageComposite(); err != nil && cycleErr == nil {
			cycleErr = err
		}
	}

	if cycleErr != nil {
		a.recordError(cycleErr)
		return nil
	}

	if err := a.errState.ClearIfNotSticky(); err != nil {
		a.logger.Warnw("failed to clear error state", "error", err)
	}
	a.pruneVersions()
	return nil
}

func (a *Agent) resolveRole() (bool, error) {
	if a.clusterCollector {
		return true, nil
	}
	return a.client.IsClusterCollector()
}

// applyVersion downloads and dispatches one announced configuration version.
// It reports whether the upstream pipeline configuration was promoted. Any
// failure removes the version directory so the control plane re-announces it.
func (a *Agent) applyVersion(version string) (bool, error) {
	if !versionPattern.MatchString(version) || strings.Contains(version, "..") {
		return false, fmt.Errorf("invalid version identifier %q", version)
	}

	files, err := a.client.ConfigurationFiles(version)
	if err != nil {
		return false, err
	}

	versionDir := filepath.Join(a.workingDir, versionsDirName, version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create version directory: %v", err)
	}

	for _, file := range files {
		if !validFileName(file.Name) {
			os.RemoveAll(versionDir)
			return false, fmt.Errorf("invalid filename %q in version %s", file.Name, version)
		}
		if err := a.client.DownloadFile(file.Path, filepath.Join(versionDir, file.Name)); err != nil {
			os.RemoveAll(versionDir)
			return false, err
		}
	}
	a.logger.Infow("downloaded configuration version", "version", version, "files", len(files))

	return a.dispatchVersion(version, versionDir)
}

// dispatchVersion routes the downloaded files by recognized name and decides
// the single promotion outcome for the version.
func (a *Agent) dispatchVersion(version, versionDir string) (bool, error) {
	if data, err := os.ReadFile(filepath.Join(versionDir, domainFileName)); err == nil {
		if _, err := a.gate.ProcessDomainUpdate(string(data)); err != nil {
			a.logger.Warnw("certificate issuer restart failed", "error", err)
		}
	}

	// Consume the deferral flag exactly once per cycle, before any error path
	// below can return early and leave it armed for the next cycle.
	deferPromotion := a.gate.ShouldDeferPromotion()

	if _, err := os.Stat(filepath.Join(versionDir, databasesFileName)); err == nil {
		if err := fsutil.CopyFile(filepath.Join(versionDir, databasesFileName), a.databases.IncomingPath()); err != nil {
			os.RemoveAll(versionDir)
			return false, err
		}
		if err := a.syncTable(a.databases); err != nil {
			os.RemoveAll(versionDir)
			return false, err
		}
	}

	for _, name := range unrecognizedFiles(versionDir) {
		a.logger.Debugw("ignoring unrecognized file", "version", version, "file", name)
	}

	hasPipelineConfig := false
	for _, name := range pipeline.RecognizedConfigFiles {
		if _, err := os.Stat(filepath.Join(versionDir, name)); err == nil {
			hasPipelineConfig = true
			break
		}
	}
	if !hasPipelineConfig {
		return false, nil
	}
	if deferPromotion {
		// Discard the version so the control plane resends it once the
		// certificate exists.
		a.logger.Infow("deferring configuration promotion until certificate is issued",
			"version", version, "domain", a.gate.Domain())
		if err := os.RemoveAll(versionDir); err != nil {
			return false, fmt.Errorf("failed to discard deferred version: %v", err)
		}
		return false, nil
	}

	// Any failure from here on removes the version directory: were it left
	// behind, the next ping would report the never-promoted version as
	// current and the control plane would stop re-announcing it.
	diag, err := a.promoter.ValidateUpstream(versionDir)
	if err != nil {
		os.RemoveAll(versionDir)
		return false, err
	}
	if diag != "" {
		os.RemoveAll(versionDir)
		return false, fmt.Errorf("validation failed for pipeline configuration version %s: %s", version, strings.TrimSpace(diag))
	}
	if err := a.promoter.PromoteUpstream(versionDir); err != nil {
		os.RemoveAll(versionDir)
		return false, err
	}
	return true, nil
}

// unrecognizedFiles lists the files of a version directory the dispatch does
// not act on. They stay in place untouched.
func unrecognizedFiles(dir string) []string {
	recognized := map[string]bool{domainFileName: true, databasesFileName: true}
	for _, name := range pipeline.RecognizedConfigFiles {
		recognized[name] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !recognized[entry.Name()] {
			names = append(names, entry.Name())
		}
	}
	return names
}

// restageComposite rebuilds the active configuration from the last known-good
// upstream plus the relevant discovery generation, validating before the swap.
// A validation failure leaves the previous active configuration untouched.
func (a *Agent) restageComposite() error {
	stage, err := a.promoter.PrepareComposite()
	if err != nil {
		return err
	}
	if stage == "" {
		return nil
	}

	diag, err := a.promoter.ValidateComposite(stage)
	if err != nil {
		a.promoter.DiscardStage(stage)
		return err
	}
	if diag != "" {
		a.promoter.DiscardStage(stage)
		return fmt.Errorf("validation failed for staged configuration: %s", strings.TrimSpace(diag))
	}
	return a.promoter.PromoteComposite(stage)
}

// syncTable runs the validate-then-promote pipeline for one enrichment table
// when its incoming file differs from the promoted one.
func (a *Agent) syncTable(table enrichment.TableSyncInterface) error {
	pending, err := table.HasPendingChange()
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}
	if err := table.Validate(); err != nil {
		return err
	}
	return table.Promote()
}

// currentVersion is the newest downloaded version directory, which is what the
// ping payload reports. A deferred version has been removed by the time this
// runs, forcing a re-announcement.
func (a *Agent) currentVersion() string {
	names := a.versionDirs()
	if len(names) == 0 {
		return ""
	}
	return names[len(names)-1]
}

func (a *Agent) versionDirs() []string {
	entries, err := os.ReadDir(filepath.Join(a.workingDir, versionsDirName))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (a *Agent) pruneVersions() {
	names := a.versionDirs()
	for len(names) > versionRetention {
		victim := filepath.Join(a.workingDir, versionsDirName, names[0])
		if err := os.RemoveAll(victim); err != nil {
			a.logger.Warnw("failed to prune version directory", "dir", victim, "error", err)
			return
		}
		names = names[1:]
	}
}

func (a *Agent) recordError(err error) {
	a.logger.Errorw("cycle step failed", "error", err)
	if werr := a.errState.Write(err.Error()); werr != nil {
		a.logger.Warnw("failed to persist error state", "error", werr)
	}
}

// validFileName rejects path traversal and absolute paths before any write.
func validFileName(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return true
}
