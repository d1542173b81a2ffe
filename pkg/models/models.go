package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// StatusNewVersionAvailable is the ping status that carries a configuration
// version the agent should fetch. Any other status is informational.
const StatusNewVersionAvailable = "new_version_available"

// PingResponse is the body of a 200 response from the control plane ping endpoint.
type PingResponse struct {
	Status               string `json:"status"`
	ConfigurationVersion string `json:"configuration_version"`
}

// ConfigFile is one entry of the configuration file list for a version. The
// control plane sends either an object with a download path and a file name,
// or a bare URL string whose last path segment is the file name.
type ConfigFile struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (f *ConfigFile) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		f.Path = raw
		f.Name = fileNameFromURL(raw)
		return nil
	}

	type plain ConfigFile
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("file list entry is neither a string nor an object: %v", err)
	}
	*f = ConfigFile(obj)
	return nil
}

func fileNameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// DiscoveredEndpoint is one scrape target found during a Kubernetes discovery
// run. It exists only for the duration of the run; the durable artifact is the
// configuration fragment generated from it.
type DiscoveredEndpoint struct {
	Namespace    string
	Name         string // pod name, or service name when no backing pod is known
	ScrapeURL    string
	Workload     string
	WorkloadKind string // Deployment, StatefulSet, DaemonSet or ReplicaSet
	PodUID       string
	NodeName     string
	StartTime    time.Time
	Containers   []string
}

// Key is the stable deduplication key for an endpoint. A pod that is reachable
// both through an annotated service and through its own annotation yields the
// same key on both paths and is emitted once.
func (e DiscoveredEndpoint) Key() string {
	return e.Namespace + "_" + e.Name
}

// ComponentID turns the endpoint key into a name that is safe to use as a
// pipeline component identifier.
func (e DiscoveredEndpoint) ComponentID() string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return sanitize(e.Namespace) + "_" + sanitize(e.Name)
}
