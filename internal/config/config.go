package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ComponentVersions holds the version strings reported to the control plane on
// every ping. The agent does not interpret them.
type ComponentVersions struct {
	Collector    string `mapstructure:"collector"`
	Vector       string `mapstructure:"vector"`
	Beyla        string `mapstructure:"beyla"`
	ClusterAgent string `mapstructure:"cluster_agent"`
}

// Config is the explicit configuration value handed to every component
// constructor. There is no ambient working-directory state anywhere else.
type Config struct {
	WorkingDir      string `mapstructure:"working_dir"`
	BaseURL         string `mapstructure:"base_url"`
	CollectorSecret string `mapstructure:"collector_secret"`

	// Hostname overrides the OS hostname in control-plane attribution.
	Hostname string `mapstructure:"hostname"`

	// ForceClusterCollector skips the election endpoint and always assumes
	// the cluster-collector role.
	ForceClusterCollector bool `mapstructure:"force_cluster_collector"`

	// NodeName enables node filtering during discovery when set.
	NodeName string `mapstructure:"node_name"`

	EnrichmentDir string `mapstructure:"enrichment_dir"`
	SSLDir        string `mapstructure:"ssl_dir"`

	VectorBinary       string `mapstructure:"vector_binary"`
	VectorPIDFile      string `mapstructure:"vector_pid_file"`
	VectorMetricsURL   string `mapstructure:"vector_metrics_url"`
	CertIssuerRestart  string `mapstructure:"cert_issuer_restart"`
	ListenAddr         string `mapstructure:"listen_addr"`
	CompanionEnabled   bool   `mapstructure:"companion_enabled"`
	LogLevel           string `mapstructure:"log_level"`

	CycleInterval time.Duration `mapstructure:"cycle_interval"`

	ComponentVersions ComponentVersions `mapstructure:"component_versions"`
}

// Load reads the configuration file at path (optional) with TRELLIS_* env
// overrides and returns the resulting Config.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("working_dir", "/var/lib/trellis")
	v.SetDefault("enrichment_dir", "/enrichment")
	v.SetDefault("ssl_dir", "/etc/ssl")
	v.SetDefault("vector_binary", "vector")
	v.SetDefault("vector_pid_file", "/var/run/vector.pid")
	v.SetDefault("vector_metrics_url", "http://127.0.0.1:9598")
	v.SetDefault("cert_issuer_restart", "")
	v.SetDefault("listen_addr", "127.0.0.1:8490")
	v.SetDefault("companion_enabled", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("cycle_interval", time.Minute)

	v.SetEnvPrefix("TRELLIS")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %v", err)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if cfg.CollectorSecret == "" {
		return nil, fmt.Errorf("collector_secret is required")
	}
	return &cfg, nil
}

// ResolveHostname returns the configured hostname override, falling back to
// the OS hostname.
func (c *Config) ResolveHostname() (string, error) {
	if c.Hostname != "" {
		return c.Hostname, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to resolve hostname: %v", err)
	}
	return host, nil
}
