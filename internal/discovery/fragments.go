package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/televine-platform/trellis-go/pkg/models"
)

const (
	// ComponentPrefix tags every generated pipeline component. An upstream
	// configuration references discovery by consuming inputs matching this
	// prefix (typically "kubernetes-discovery-*").
	ComponentPrefix = "kubernetes-discovery"

	// DefaultGenerationName is the permanent empty generation linked into
	// composite configurations when discovery has nothing to contribute.
	DefaultGenerationName = "0-default"

	// MetricsFragmentName is the synthetic fragment recording the
	// discovered-target count. It is present in every generation.
	MetricsFragmentName = "discovered-targets.yaml"
)

// Fragment renders the source plus enrichment transform for one discovered
// endpoint and returns the content together with its file name. The file name
// embeds a content hash, so identical fragments across runs are named
// identically and whole-directory equality checks stay meaningful.
func Fragment(e models.DiscoveredEndpoint) ([]byte, string, error) {
	id := e.ComponentID()
	sourceID := fmt.Sprintf("%s-%s", ComponentPrefix, id)
	transformID := fmt.Sprintf("%s-enrich-%s", ComponentPrefix, id)

	doc := yaml.MapSlice{
		{Key: "sources", Value: yaml.MapSlice{
			{Key: sourceID, Value: yaml.MapSlice{
				{Key: "type", Value: "prometheus_scrape"},
				{Key: "endpoints", Value: []string{e.ScrapeURL}},
				{Key: "scrape_interval_secs", Value: 30},
			}},
		}},
		{Key: "transforms", Value: yaml.MapSlice{
			{Key: transformID, Value: yaml.MapSlice{
				{Key: "type", Value: "remap"},
				{Key: "inputs", Value: []string{sourceID}},
				{Key: "source", Value: enrichmentProgram(e)},
			}},
		}},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to render fragment for %s: %v", e.Key(), err)
	}

	hash := sha256.Sum256(data)
	name := fmt.Sprintf("%s_%s.yaml", id, hex.EncodeToString(hash[:6]))
	return data, name, nil
}

// enrichmentProgram builds the remap program attaching the standard workload,
// pod and container labels to every scraped metric.
func enrichmentProgram(e models.DiscoveredEndpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, ".tags.namespace = %q\n", e.Namespace)
	fmt.Fprintf(&b, ".tags.pod = %q\n", e.Name)
	if e.Workload != "" {
		fmt.Fprintf(&b, ".tags.workload = %q\n", e.Workload)
		fmt.Fprintf(&b, ".tags.workload_kind = %q\n", strings.ToLower(e.WorkloadKind))
	}
	if e.PodUID != "" {
		fmt.Fprintf(&b, ".tags.pod_uid = %q\n", e.PodUID)
	}
	if e.NodeName != "" {
		fmt.Fprintf(&b, ".tags.node = %q\n", e.NodeName)
	}
	if !e.StartTime.IsZero() {
		fmt.Fprintf(&b, ".tags.pod_start_time = %q\n", e.StartTime.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if len(e.Containers) > 0 {
		fmt.Fprintf(&b, ".tags.containers = %q\n", strings.Join(e.Containers, ","))
	}
	return b.String()
}

// MetricsFragment renders the synthetic fragment recording how many targets a
// run discovered. It is emitted even when no real target was found.
func MetricsFragment(count int) ([]byte, error) {
	doc := yaml.MapSlice{
		{Key: "sources", Value: yaml.MapSlice{
			{Key: ComponentPrefix + "-target-count", Value: yaml.MapSlice{
				{Key: "type", Value: "static_metrics"},
				{Key: "namespace", Value: "trellis"},
				{Key: "metrics", Value: []yaml.MapSlice{{
					{Key: "name", Value: "discovered_targets"},
					{Key: "kind", Value: "absolute"},
					{Key: "value", Value: yaml.MapSlice{
						{Key: "gauge", Value: yaml.MapSlice{{Key: "value", Value: count}}},
					}},
				}}},
			}},
		}},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render metrics fragment: %v", err)
	}
	return data, nil
}

// WriteGeneration writes the fragment set for the given endpoints plus the
// synthetic metrics fragment into dir.
func WriteGeneration(dir string, endpoints []models.DiscoveredEndpoint) error {
	for _, e := range endpoints {
		data, name, err := Fragment(e)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write fragment %s: %v", name, err)
		}
	}

	metrics, err := MetricsFragment(len(endpoints))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, MetricsFragmentName), metrics, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics fragment: %v", err)
	}
	return nil
}

// EnsureDefaultGeneration creates the permanent empty generation under root if
// it does not exist yet.
func EnsureDefaultGeneration(root string) error {
	dir := filepath.Join(root, DefaultGenerationName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create default generation: %v", err)
	}
	path := filepath.Join(dir, MetricsFragmentName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := MetricsFragment(0)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write default generation: %v", err)
	}
	return nil
}
