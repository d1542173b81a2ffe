package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/televine-platform/trellis-go/internal/discovery"
	"github.com/televine-platform/trellis-go/internal/fsutil"
)

// RecognizedConfigFiles are the upstream pipeline configuration file names the
// promoter accepts. At least one must be present in a version.
var RecognizedConfigFiles = []string{"vector.yaml", "manual.vector.yaml"}

const (
	upstreamDirName   = "latest-valid-upstream"
	currentDirName    = "current"
	stagePrefix       = "new_"
	discoveryLinkName = "kubernetes-discovery"
	stageTimeFormat   = "2006-01-02T15-04-05.000"
)

// PromoterInterface is the versioned config store: it stages candidate
// configurations, delegates validation, and atomically swaps the active slot.
type PromoterInterface interface {
	ValidateUpstream(versionDir string) (string, error)
	PromoteUpstream(versionDir string) error
	PrepareComposite() (string, error)
	ValidateComposite(stageDir string) (string, error)
	PromoteComposite(stageDir string) error
	DiscardStage(stageDir string) error
	ActiveConfig() ([]byte, error)
}

// Promoter manages <workingDir>/vector-config: the last known-good upstream
// copy, transient staging directories, and the active "current" slot the
// data-plane process reads.
type Promoter struct {
	configRoot    string
	discoveryRoot string
	cli           VectorCLIInterface
	logger        *zap.SugaredLogger
}

// NewPromoter creates the promoter, its directory layout, and removes any
// staging directory left behind by a crash mid-promotion.
func NewPromoter(workingDir string, cli VectorCLIInterface, logger *zap.SugaredLogger) (*Promoter, error) {
	p := &Promoter{
		configRoot:    filepath.Join(workingDir, "vector-config"),
		discoveryRoot: filepath.Join(workingDir, "kubernetes-discovery"),
		cli:           cli,
		logger:        logger,
	}
	if err := os.MkdirAll(p.configRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config root: %v", err)
	}
	if err := os.MkdirAll(p.discoveryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create discovery root: %v", err)
	}
	if err := discovery.EnsureDefaultGeneration(p.discoveryRoot); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.configRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read config root: %v", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, stagePrefix) || strings.HasSuffix(name, ".stage") {
			stale := filepath.Join(p.configRoot, name)
			logger.Warnw("removing stale staging directory", "dir", stale)
			if err := os.RemoveAll(stale); err != nil {
				return nil, fmt.Errorf("failed to remove stale staging directory %s: %v", stale, err)
			}
		}
	}
	return p, nil
}

// CurrentDir returns the active configuration directory path.
func (p *Promoter) CurrentDir() string {
	return filepath.Join(p.configRoot, currentDirName)
}

// ActiveConfig returns the concatenated content of the recognized files in the
// active slot, or nil when nothing was promoted yet.
func (p *Promoter) ActiveConfig() ([]byte, error) {
	var combined []byte
	for _, name := range RecognizedConfigFiles {
		data, err := os.ReadFile(filepath.Join(p.CurrentDir(), name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read active configuration: %v", err)
		}
		combined = append(combined, data...)
		combined = append(combined, '\n')
	}
	return combined, nil
}

// ValidateUpstream checks a freshly downloaded version directory: at least one
// recognized file, no arbitrary-command directives, and a clean pass of the
// external validator against an isolated copy. The returned diagnostic is
// non-empty when the configuration is invalid.
func (p *Promoter) ValidateUpstream(versionDir string) (string, error) {
	present := presentConfigFiles(versionDir)
	if len(present) == 0 {
		return fmt.Sprintf("no recognized configuration file (%s) in version directory", strings.Join(RecognizedConfigFiles, ", ")), nil
	}

	for _, name := range present {
		data, err := os.ReadFile(filepath.Join(versionDir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %v", name, err)
		}
		hasExec, err := containsExecDirective(data)
		if err != nil {
			return fmt.Sprintf("%s is not valid YAML: %v", name, err), nil
		}
		if hasExec {
			// Configuration must stay declarative; exec directives would let
			// the control plane run arbitrary commands on every fleet node.
			return fmt.Sprintf("%s contains an exec directive, which is not allowed", name), nil
		}
	}

	tmp, err := os.MkdirTemp("", "trellis-upstream-validate-")
	if err != nil {
		return "", fmt.Errorf("failed to create validation directory: %v", err)
	}
	defer os.RemoveAll(tmp)

	for _, name := range present {
		if err := fsutil.CopyFile(filepath.Join(versionDir, name), filepath.Join(tmp, name)); err != nil {
			return "", err
		}
	}
	if err := writeDiscoveryStub(tmp); err != nil {
		return "", err
	}

	return p.cli.Validate(
		filepath.Join(tmp, "*.yaml"),
		filepath.Join(tmp, discoveryLinkName, "*.yaml"),
	)
}

// PromoteUpstream copies the recognized files of a validated version into the
// last known-good upstream slot. The old content is removed only after the new
// content is fully staged.
func (p *Promoter) PromoteUpstream(versionDir string) error {
	upstream := filepath.Join(p.configRoot, upstreamDirName)
	stage := upstream + ".stage"

	if err := os.RemoveAll(stage); err != nil {
		return fmt.Errorf("failed to clear upstream stage: %v", err)
	}
	if err := os.Mkdir(stage, 0o755); err != nil {
		return fmt.Errorf("failed to create upstream stage: %v", err)
	}
	for _, name := range presentConfigFiles(versionDir) {
		if err := fsutil.CopyFile(filepath.Join(versionDir, name), filepath.Join(stage, name)); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(upstream); err != nil {
		return fmt.Errorf("failed to remove previous upstream copy: %v", err)
	}
	if err := os.Rename(stage, upstream); err != nil {
		return fmt.Errorf("failed to promote upstream copy: %v", err)
	}
	p.logger.Infow("promoted upstream configuration", "from", versionDir)
	return nil
}

// PrepareComposite stages a candidate active configuration: a full copy of the
// last known-good upstream plus a symlink to the discovery generation it
// should run with. It returns "" when no upstream has been promoted yet.
func (p *Promoter) PrepareComposite() (string, error) {
	upstream := filepath.Join(p.configRoot, upstreamDirName)
	if _, err := os.Stat(upstream); os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to stat upstream copy: %v", err)
	}

	stage := filepath.Join(p.configRoot, stagePrefix+time.Now().UTC().Format(stageTimeFormat))
	if err := os.Mkdir(stage, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %v", err)
	}
	if err := fsutil.CopyDirFiles(upstream, stage); err != nil {
		os.RemoveAll(stage)
		return "", err
	}

	generation := filepath.Join(p.discoveryRoot, discovery.DefaultGenerationName)
	if combined, err := p.stagedConfig(stage); err == nil && discovery.ReferencesDiscoverySources(combined) {
		if latest := latestDiscoveryGeneration(p.discoveryRoot); latest != "" {
			generation = latest
		}
	}
	if err := os.Symlink(generation, filepath.Join(stage, discoveryLinkName)); err != nil {
		os.RemoveAll(stage)
		return "", fmt.Errorf("failed to link discovery generation: %v", err)
	}
	return stage, nil
}

// ValidateComposite runs the external validator over the full staged set,
// including the linked discovery fragments.
func (p *Promoter) ValidateComposite(stageDir string) (string, error) {
	return p.cli.Validate(
		filepath.Join(stageDir, "*.yaml"),
		filepath.Join(stageDir, discoveryLinkName, "*.yaml"),
	)
}

// PromoteComposite swaps the staged directory into the active slot and signals
// the data-plane process to reload.
func (p *Promoter) PromoteComposite(stageDir string) error {
	current := p.CurrentDir()
	if err := os.RemoveAll(current); err != nil {
		return fmt.Errorf("failed to remove previous active configuration: %v", err)
	}
	if err := os.Rename(stageDir, current); err != nil {
		return fmt.Errorf("failed to promote staged configuration: %v", err)
	}
	p.logger.Infow("promoted active configuration", "dir", current)
	return p.cli.Reload()
}

// DiscardStage deletes a staging directory whose validation failed.
func (p *Promoter) DiscardStage(stageDir string) error {
	if !strings.HasPrefix(filepath.Base(stageDir), stagePrefix) {
		return fmt.Errorf("refusing to discard %s: not a staging directory", stageDir)
	}
	if err := os.RemoveAll(stageDir); err != nil {
		return fmt.Errorf("failed to discard staging directory %s: %v", stageDir, err)
	}
	return nil
}

func (p *Promoter) stagedConfig(stage string) ([]byte, error) {
	var combined []byte
	for _, name := range presentConfigFiles(stage) {
		data, err := os.ReadFile(filepath.Join(stage, name))
		if err != nil {
			return nil, err
		}
		combined = append(combined, data...)
		combined = append(combined, '\n')
	}
	return combined, nil
}

func presentConfigFiles(dir string) []string {
	var present []string
	for _, name := range RecognizedConfigFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			present = append(present, name)
		}
	}
	return present
}

// latestDiscoveryGeneration returns the newest timestamped generation under
// root, or "" when only the default exists.
func latestDiscoveryGeneration(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	latest := ""
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == discovery.DefaultGenerationName || strings.HasPrefix(name, ".") {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return ""
	}
	return filepath.Join(root, latest)
}

// writeDiscoveryStub gives an isolated validation directory the minimal
// discovery content an upstream configuration may reference.
func writeDiscoveryStub(dir string) error {
	stub := filepath.Join(dir, discoveryLinkName)
	if err := os.Mkdir(stub, 0o755); err != nil {
		return fmt.Errorf("failed to create discovery stub: %v", err)
	}
	data, err := discovery.MetricsFragment(0)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stub, discovery.MetricsFragmentName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write discovery stub: %v", err)
	}
	return nil
}

// containsExecDirective reports whether any pipeline component declares an
// exec type or carries a command key.
func containsExecDirective(data []byte) (bool, error) {
	var doc struct {
		Sources    map[string]map[interface{}]interface{} `yaml:"sources"`
		Transforms map[string]map[interface{}]interface{} `yaml:"transforms"`
		Sinks      map[string]map[interface{}]interface{} `yaml:"sinks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	for _, section := range []map[string]map[interface{}]interface{}{doc.Sources, doc.Transforms, doc.Sinks} {
		for _, component := range section {
			if component["type"] == "exec" {
				return true, nil
			}
			if _, ok := component["command"]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}
