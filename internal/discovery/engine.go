package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/televine-platform/trellis-go/internal/fsutil"
	"github.com/televine-platform/trellis-go/pkg/models"
)

const generationTimeFormat = "2006-01-02T15-04-05"

// ValidatorInterface is the slice of the external validator the engine needs.
type ValidatorInterface interface {
	Validate(globs ...string) (string, error)
}

// EngineInterface drives one discovery run per invocation.
type EngineInterface interface {
	ShouldRun(configData []byte) bool
	Run(ctx context.Context) (bool, error)
}

// Engine probes the Kubernetes API for annotated scrape targets and keeps the
// newest valid, changed generation of configuration fragments on disk.
type Engine struct {
	root      string
	nodeName  string
	validator ValidatorInterface
	logger    *zap.SugaredLogger

	// MinInterval is the guard between two runs. Retention is the number of
	// timestamped generations kept, excluding the permanent default.
	MinInterval time.Duration
	Retention   int

	// ClientFactory builds the cluster client on first use; replaced in
	// tests with a fake clientset.
	ClientFactory func() (kubernetes.Interface, string, error)

	client    kubernetes.Interface
	namespace string
	lastRun   time.Time
}

// NewEngine creates a discovery engine rooted at
// <workingDir>/kubernetes-discovery and guarantees the permanent default
// generation exists.
func NewEngine(workingDir, nodeName string, validator ValidatorInterface, logger *zap.SugaredLogger) (*Engine, error) {
	root := filepath.Join(workingDir, "kubernetes-discovery")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create discovery root: %v", err)
	}
	if err := EnsureDefaultGeneration(root); err != nil {
		return nil, err
	}
	return &Engine{
		root:          root,
		nodeName:      nodeName,
		validator:     validator,
		logger:        logger,
		MinInterval:   30 * time.Second,
		Retention:     5,
		ClientFactory: inClusterClient,
	}, nil
}

// ShouldRun reports whether the active configuration references
// discovery-tagged sources.
func (e *Engine) ShouldRun(configData []byte) bool {
	return ReferencesDiscoverySources(configData)
}

// Run executes one discovery pass. It returns true when a new generation was
// retained. Rate-limited and not-in-cluster passes are silent no-ops.
func (e *Engine) Run(ctx context.Context) (bool, error) {
	if !e.lastRun.IsZero() && time.Since(e.lastRun) < e.MinInterval {
		e.logger.Debugw("skipping discovery run, rate limited", "last_run", e.lastRun)
		return false, nil
	}

	if e.client == nil {
		client, namespace, err := e.ClientFactory()
		if err != nil {
			e.logger.Infow("skipping discovery run, not in a cluster", "reason", err)
			return false, nil
		}
		e.client, e.namespace = client, namespace
	}
	e.lastRun = time.Now()

	endpoints, err := e.discover(ctx)
	if err != nil {
		return false, err
	}

	staging, err := os.MkdirTemp(e.root, ".staging-")
	if err != nil {
		return false, fmt.Errorf("failed to create staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	if err := WriteGeneration(staging, endpoints); err != nil {
		return false, err
	}

	if diag, err := e.validateGeneration(staging); err != nil {
		return false, err
	} else if diag != "" {
		return false, fmt.Errorf("validation failed for discovery generation: %s", strings.TrimSpace(diag))
	}

	identical, err := fsutil.DirsIdentical(staging, e.LatestGenerationDir())
	if err != nil {
		return false, err
	}
	if identical {
		e.logger.Debugw("discovery generation unchanged, discarding", "targets", len(endpoints))
		return false, nil
	}

	generation := filepath.Join(e.root, time.Now().UTC().Format(generationTimeFormat))
	if err := os.Rename(staging, generation); err != nil {
		return false, fmt.Errorf("failed to retain discovery generation: %v", err)
	}
	e.logger.Infow("retained new discovery generation", "dir", generation, "targets", len(endpoints))

	e.prune()
	return true, nil
}

// LatestGenerationDir returns the newest retained timestamped generation, or
// the permanent default when none exists.
func (e *Engine) LatestGenerationDir() string {
	if latest := latestGeneration(e.root); latest != "" {
		return latest
	}
	return filepath.Join(e.root, DefaultGenerationName)
}

// latestGeneration returns the newest timestamped generation under root, or
// "" when there is none. Generation names sort lexicographically by time.
func latestGeneration(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && isGenerationName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(root, names[len(names)-1])
}

func isGenerationName(name string) bool {
	return name != DefaultGenerationName && !strings.HasPrefix(name, ".")
}

func (e *Engine) prune() {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && isGenerationName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for len(names) > e.Retention {
		victim := filepath.Join(e.root, names[0])
		if err := os.RemoveAll(victim); err != nil {
			e.logger.Warnw("failed to prune discovery generation", "dir", victim, "error", err)
			return
		}
		names = names[1:]
	}
}

// validateGeneration copies the generated fragment set next to a disposable
// configuration that only consumes discovery-pattern sources and runs the
// external validator over the whole set.
func (e *Engine) validateGeneration(generation string) (string, error) {
	tmp, err := os.MkdirTemp("", "trellis-discovery-validate-")
	if err != nil {
		return "", fmt.Errorf("failed to create validation directory: %v", err)
	}
	defer os.RemoveAll(tmp)

	fragmentDir := filepath.Join(tmp, "kubernetes-discovery")
	if err := os.Mkdir(fragmentDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create validation directory: %v", err)
	}
	if err := fsutil.CopyDirFiles(generation, fragmentDir); err != nil {
		return "", err
	}

	harness := fmt.Sprintf("sinks:\n  discovery-validation-sink:\n    type: blackhole\n    inputs:\n    - %q\n", ComponentPrefix+"-*")
	if err := os.WriteFile(filepath.Join(tmp, "harness.yaml"), []byte(harness), 0o644); err != nil {
		return "", fmt.Errorf("failed to write validation harness: %v", err)
	}

	return e.validator.Validate(
		filepath.Join(tmp, "*.yaml"),
		filepath.Join(fragmentDir, "*.yaml"),
	)
}

// discover enumerates annotated services and standalone pods across all
// visible namespaces and returns the deduplicated endpoint set.
func (e *Engine) discover(ctx context.Context) ([]models.DiscoveredEndpoint, error) {
	namespaces, err := e.visibleNamespaces(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]models.DiscoveredEndpoint)
	for _, namespace := range namespaces {
		if err := e.discoverNamespace(ctx, namespace, results); err != nil {
			e.logger.Warnw("skipping namespace during discovery", "namespace", namespace, "error", err)
		}
	}

	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	endpoints := make([]models.DiscoveredEndpoint, 0, len(keys))
	for _, key := range keys {
		endpoints = append(endpoints, results[key])
	}
	return endpoints, nil
}

func (e *Engine) visibleNamespaces(ctx context.Context) ([]string, error) {
	list, err := e.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		// Namespace-scoped credentials are common; fall back to our own.
		if apierrors.IsForbidden(err) {
			return []string{e.namespace}, nil
		}
		return nil, fmt.Errorf("failed to list namespaces: %v", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		names = append(names, item.Name)
	}
	return names, nil
}

func (e *Engine) discoverNamespace(ctx context.Context, namespace string, results map[string]models.DiscoveredEndpoint) error {
	services, err := e.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list services: %v", err)
	}
	for i := range services.Items {
		svc := &services.Items[i]
		if svc.Annotations[ScrapeAnnotation] != "true" {
			continue
		}
		if err := e.discoverServiceEndpoints(ctx, svc, results); err != nil {
			e.logger.Warnw("skipping service during discovery", "namespace", namespace, "service", svc.Name, "error", err)
		}
	}

	pods, err := e.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list pods: %v", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Annotations[ScrapeAnnotation] != "true" {
			continue
		}
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		if e.nodeName != "" && pod.Spec.NodeName != e.nodeName {
			continue
		}

		endpoint := models.DiscoveredEndpoint{
			Namespace: pod.Namespace,
			Name:      pod.Name,
			ScrapeURL: scrapeURL(pod.Status.PodIP, podScrapePort(pod), pod.Annotations),
		}
		e.fillPodMetadata(ctx, pod, &endpoint)
		addEndpoint(results, endpoint)
	}
	return nil
}

// discoverServiceEndpoints resolves the live endpoint addresses of an
// annotated service. Each address is attributed to its backing pod, which is
// also what the deduplication key is built from.
func (e *Engine) discoverServiceEndpoints(ctx context.Context, svc *corev1.Service, results map[string]models.DiscoveredEndpoint) error {
	endpoints, err := e.client.CoreV1().Endpoints(svc.Namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to resolve endpoints: %v", err)
	}

	for _, subset := range endpoints.Subsets {
		port := subsetScrapePort(subset, svc.Annotations)
		if port == 0 {
			continue
		}
		for _, addr := range subset.Addresses {
			endpoint := models.DiscoveredEndpoint{
				Namespace: svc.Namespace,
				Name:      svc.Name,
				ScrapeURL: scrapeURL(addr.IP, port, svc.Annotations),
			}

			if addr.TargetRef != nil && addr.TargetRef.Kind == "Pod" {
				pod, err := e.client.CoreV1().Pods(svc.Namespace).Get(ctx, addr.TargetRef.Name, metav1.GetOptions{})
				if err != nil {
					e.logger.Warnw("skipping endpoint address, backing pod lookup failed",
						"namespace", svc.Namespace, "service", svc.Name, "pod", addr.TargetRef.Name, "error", err)
					continue
				}
				if e.nodeName != "" && pod.Spec.NodeName != e.nodeName {
					continue
				}
				endpoint.Name = pod.Name
				e.fillPodMetadata(ctx, pod, &endpoint)
			} else if e.nodeName != "" {
				// Node filtering requires a backing pod to confirm placement.
				continue
			}

			addEndpoint(results, endpoint)
		}
	}
	return nil
}

// fillPodMetadata records pod identity and resolves the owning workload.
// ReplicaSet owners are resolved one level further to their Deployment.
func (e *Engine) fillPodMetadata(ctx context.Context, pod *corev1.Pod, endpoint *models.DiscoveredEndpoint) {
	endpoint.PodUID = string(pod.UID)
	endpoint.NodeName = pod.Spec.NodeName
	if pod.Status.StartTime != nil {
		endpoint.StartTime = pod.Status.StartTime.Time
	}
	for _, container := range pod.Spec.Containers {
		endpoint.Containers = append(endpoint.Containers, container.Name)
	}

	ref := metav1.GetControllerOf(pod)
	if ref == nil {
		return
	}
	endpoint.Workload, endpoint.WorkloadKind = ref.Name, ref.Kind

	if ref.Kind == "ReplicaSet" {
		rs, err := e.client.AppsV1().ReplicaSets(pod.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			e.logger.Debugw("failed to resolve replicaset owner", "namespace", pod.Namespace, "replicaset", ref.Name, "error", err)
			return
		}
		if owner := metav1.GetControllerOf(rs); owner != nil && owner.Kind == "Deployment" {
			endpoint.Workload, endpoint.WorkloadKind = owner.Name, owner.Kind
		}
	}
}

func addEndpoint(results map[string]models.DiscoveredEndpoint, endpoint models.DiscoveredEndpoint) {
	if _, exists := results[endpoint.Key()]; !exists {
		results[endpoint.Key()] = endpoint
	}
}

func subsetScrapePort(subset corev1.EndpointSubset, annotations map[string]string) int32 {
	if raw := annotations[PortAnnotation]; raw != "" {
		if port, err := strconv.ParseInt(raw, 10, 32); err == nil {
			return int32(port)
		}
	}
	if len(subset.Ports) > 0 {
		return subset.Ports[0].Port
	}
	return 0
}

func podScrapePort(pod *corev1.Pod) int32 {
	if raw := pod.Annotations[PortAnnotation]; raw != "" {
		if port, err := strconv.ParseInt(raw, 10, 32); err == nil {
			return int32(port)
		}
	}
	for _, container := range pod.Spec.Containers {
		if len(container.Ports) > 0 {
			return container.Ports[0].ContainerPort
		}
	}
	return 9090
}

func scrapeURL(ip string, port int32, annotations map[string]string) string {
	path := annotations[PathAnnotation]
	if path == "" {
		path = "/metrics"
	}
	return fmt.Sprintf("http://%s:%d%s", ip, port, path)
}
