package discovery

import (
	"fmt"
	"os"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	// ScrapeAnnotation marks services and standalone pods for scraping.
	ScrapeAnnotation = "telemetry.televine.io/scrape"

	// PortAnnotation overrides the scrape port; PathAnnotation overrides the
	// metrics path (default /metrics).
	PortAnnotation = "telemetry.televine.io/port"
	PathAnnotation = "telemetry.televine.io/path"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// inClusterClient builds a typed clientset from the mounted service-account
// credentials. The error is the signal that this node is not in a cluster.
func inClusterClient() (kubernetes.Interface, string, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, "", fmt.Errorf("no in-cluster credentials: %v", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build kubernetes client: %v", err)
	}

	namespace := "default"
	if data, err := os.ReadFile(serviceAccountNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			namespace = ns
		}
	}
	return client, namespace, nil
}
