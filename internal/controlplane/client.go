package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/televine-platform/trellis-go/internal/config"
	"github.com/televine-platform/trellis-go/pkg/models"
)

// ErrUnauthorized marks a 401/403 from the control plane. The process must
// terminate when it sees this error.
var ErrUnauthorized = errors.New("control plane rejected the collector credentials")

// Status is the payload reported on every ping.
type Status struct {
	ClusterCollector     bool
	ConfigurationVersion string
	Error                string
}

// ClientInterface defines the control-plane operations the agent depends on.
type ClientInterface interface {
	IsClusterCollector() (bool, error)
	Ping(status Status) (*models.PingResponse, error)
	ConfigurationFiles(version string) ([]models.ConfigFile, error)
	DownloadFile(path, dest string) error
}

// Client talks to the control plane over form-encoded POSTs and plain GET
// downloads, attributing every request to this host.
type Client struct {
	client   *resty.Client
	secret   string
	host     string
	versions config.ComponentVersions
	logger   *zap.SugaredLogger

	// systemInfoSent flips after the first successful ping so the one-shot
	// system information block is reported exactly once per process.
	systemInfoSent bool
}

// NewClient creates a control-plane client for the given base URL and secret.
func NewClient(baseURL, secret, host string, versions config.ComponentVersions, logger *zap.SugaredLogger) *Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetDisableWarn(true)

	return &Client{
		client:   client,
		secret:   secret,
		host:     host,
		versions: versions,
		logger:   logger,
	}
}

// IsClusterCollector asks the election endpoint whether this node holds the
// cluster-collector role. A 409 means another node holds it.
func (c *Client) IsClusterCollector() (bool, error) {
	resp, err := c.client.R().
		SetFormData(map[string]string{
			"collector_secret": c.secret,
			"host":             c.host,
		}).
		Post("/collector/cluster-collector")
	if err != nil {
		return false, fmt.Errorf("failed to reach election endpoint: %v", err)
	}

	switch resp.StatusCode() {
	case 200, 204:
		return true, nil
	case 409:
		return false, nil
	case 401, 403:
		return false, ErrUnauthorized
	default:
		return false, fmt.Errorf("unexpected status %d from election endpoint: %s", resp.StatusCode(), resp.String())
	}
}

// Ping reports the agent status. A nil response with a nil error means the
// control plane had nothing for us (204).
func (c *Client) Ping(status Status) (*models.PingResponse, error) {
	form := map[string]string{
		"collector_secret":      c.secret,
		"cluster_collector":     strconv.FormatBool(status.ClusterCollector),
		"host":                  c.host,
		"collector_version":     c.versions.Collector,
		"vector_version":        c.versions.Vector,
		"beyla_version":         c.versions.Beyla,
		"cluster_agent_version": c.versions.ClusterAgent,
	}
	if status.ConfigurationVersion != "" {
		form["configuration_version"] = status.ConfigurationVersion
	}
	if status.Error != "" {
		form["error"] = status.Error
	}
	if !c.systemInfoSent {
		form["system_information"] = systemInformation()
	}

	resp, err := c.client.R().SetFormData(form).Post("/collector/ping")
	if err != nil {
		return nil, fmt.Errorf("failed to reach ping endpoint: %v", err)
	}

	switch resp.StatusCode() {
	case 204:
		c.systemInfoSent = true
		return nil, nil
	case 200:
		var pr models.PingResponse
		if err := json.Unmarshal(resp.Body(), &pr); err != nil {
			return nil, fmt.Errorf("failed to parse ping response: %v", err)
		}
		c.systemInfoSent = true
		return &pr, nil
	case 401, 403:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("unexpected status %d from ping endpoint: %s", resp.StatusCode(), resp.String())
	}
}

// ConfigurationFiles fetches the file list for an announced version.
func (c *Client) ConfigurationFiles(version string) ([]models.ConfigFile, error) {
	resp, err := c.client.R().
		SetFormData(map[string]string{
			"collector_secret":      c.secret,
			"configuration_version": version,
		}).
		Post("/collector/configuration")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file list for version %s: %v", version, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("unexpected status %d fetching file list for version %s: %s", resp.StatusCode(), version, resp.String())
	}

	var body struct {
		Files []models.ConfigFile `json:"files"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to parse file list for version %s: %v", version, err)
	}
	return body.Files, nil
}

// DownloadFile fetches one configuration file and writes the body verbatim to
// dest. The hostname is appended as a query parameter for attribution.
func (c *Client) DownloadFile(path, dest string) error {
	resp, err := c.client.R().
		SetQueryParam("host", c.host).
		Get(path)
	if err != nil {
		return fmt.Errorf("failed to download %s: %v", path, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("download of %s returned status %d", path, resp.StatusCode())
	}
	if err := os.WriteFile(dest, resp.Body(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v", dest, err)
	}
	c.logger.Debugw("downloaded configuration file", "path", path, "dest", dest)
	return nil
}

// systemInformation builds the one-shot compatibility blob reported with the
// first ping.
func systemInformation() string {
	info := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if release, err := os.ReadFile("/etc/os-release"); err == nil {
		info["os_release"] = string(release)
	}
	if version, err := os.ReadFile("/proc/version"); err == nil {
		info["kernel"] = string(version)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "{}"
	}
	return string(data)
}
