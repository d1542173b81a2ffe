package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bou.ke/monkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/televine-platform/trellis-go/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func newTestEngine(t *testing.T, nodeName string, objects ...runtime.Object) (*Engine, *MockValidator) {
	validator := new(MockValidator)
	validator.On("Validate", mock.Anything).Return("", nil)

	engine, err := NewEngine(t.TempDir(), nodeName, validator, zap.NewNop().Sugar())
	assert.NoError(t, err)
	engine.MinInterval = 0

	client := fake.NewSimpleClientset(objects...)
	engine.ClientFactory = func() (kubernetes.Interface, string, error) {
		return client, "default", nil
	}
	return engine, validator
}

func testNamespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func annotatedPod(namespace, name, node, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			UID:         types.UID("uid-" + name),
			Annotations: map[string]string{ScrapeAnnotation: "true"},
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "ReplicaSet", Name: name + "-rs", Controller: boolPtr(true)},
			},
		},
		Spec: corev1.PodSpec{
			NodeName: node,
			Containers: []corev1.Container{
				{Name: "web", Ports: []corev1.ContainerPort{{ContainerPort: 9100}}},
			},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: ip},
	}
}

func annotatedService(namespace, name string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Annotations: map[string]string{ScrapeAnnotation: "true"},
		},
	}
}

func serviceEndpoints(namespace, name, podName, ip string) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Subsets: []corev1.EndpointSubset{{
			Addresses: []corev1.EndpointAddress{
				{IP: ip, TargetRef: &corev1.ObjectReference{Kind: "Pod", Name: podName}},
			},
			Ports: []corev1.EndpointPort{{Port: 9100}},
		}},
	}
}

func replicaSet(namespace, name, deployment string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "Deployment", Name: deployment, Controller: boolPtr(true)},
			},
		},
	}
}

func generationDirs(t *testing.T, engine *Engine) []string {
	entries, err := os.ReadDir(engine.root)
	assert.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && isGenerationName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestRunEmitsOneFragmentPerDeduplicatedTarget(t *testing.T) {
	pod := annotatedPod("default", "web-1", "node-a", "10.0.0.5")
	engine, _ := newTestEngine(t, "",
		testNamespace("default"),
		pod,
		annotatedService("default", "web"),
		serviceEndpoints("default", "web", "web-1", "10.0.0.5"),
		replicaSet("default", "web-1-rs", "web"),
	)

	changed, err := engine.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, changed)

	generations := generationDirs(t, engine)
	assert.Len(t, generations, 1)

	files, err := os.ReadDir(filepath.Join(engine.root, generations[0]))
	assert.NoError(t, err)
	// The pod is reachable through the service and directly annotated, so
	// exactly one fragment is emitted for it, plus the metrics fragment.
	assert.Len(t, files, 2)
}

func TestRunIsIdempotentAgainstUnchangedTopology(t *testing.T) {
	engine, _ := newTestEngine(t, "",
		testNamespace("default"),
		annotatedPod("default", "web-1", "node-a", "10.0.0.5"),
	)

	changed, err := engine.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, changed)
	first := generationDirs(t, engine)

	changed, err = engine.Run(context.Background())
	assert.NoError(t, err)
	assert.False(t, changed, "second run against unchanged topology must discard its generation")
	assert.Equal(t, first, generationDirs(t, engine))
}

func TestRunValidationFailureDiscardsGeneration(t *testing.T) {
	validator := new(MockValidator)
	validator.On("Validate", mock.Anything).Return("invalid source", nil)

	engine, err := NewEngine(t.TempDir(), "", validator, zap.NewNop().Sugar())
	assert.NoError(t, err)
	engine.MinInterval = 0
	client := fake.NewSimpleClientset(
		testNamespace("default"),
		annotatedPod("default", "web-1", "node-a", "10.0.0.5"),
	)
	engine.ClientFactory = func() (kubernetes.Interface, string, error) { return client, "default", nil }

	changed, runErr := engine.Run(context.Background())
	assert.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "validation failed for discovery generation")
	assert.False(t, changed)
	assert.Empty(t, generationDirs(t, engine))
}

func TestRunRespectsRateLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	patch := monkey.Patch(time.Now, func() time.Time { return now })
	t.Cleanup(patch.Unpatch)

	engine, _ := newTestEngine(t, "",
		testNamespace("default"),
		annotatedPod("default", "web-1", "node-a", "10.0.0.5"),
	)
	engine.MinInterval = 30 * time.Second

	changed, err := engine.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, changed)

	now = now.Add(10 * time.Second)
	changed, err = engine.Run(context.Background())
	assert.NoError(t, err)
	assert.False(t, changed, "a run within the minimum interval must be skipped")
}

func TestRunNotInClusterIsSilentSkip(t *testing.T) {
	engine, err := NewEngine(t.TempDir(), "", new(MockValidator), zap.NewNop().Sugar())
	assert.NoError(t, err)
	engine.MinInterval = 0
	engine.ClientFactory = func() (kubernetes.Interface, string, error) {
		return nil, "", assert.AnError
	}

	changed, err := engine.Run(context.Background())
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestRunNodeFilterExcludesForeignPods(t *testing.T) {
	engine, _ := newTestEngine(t, "node-a",
		testNamespace("default"),
		annotatedPod("default", "local-1", "node-a", "10.0.0.5"),
		annotatedPod("default", "remote-1", "node-b", "10.0.0.6"),
	)

	changed, err := engine.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, changed)

	generations := generationDirs(t, engine)
	files, err := os.ReadDir(filepath.Join(engine.root, generations[0]))
	assert.NoError(t, err)
	assert.Len(t, files, 2, "only the local pod plus the metrics fragment")
}

func TestRunResolvesWorkloadLineage(t *testing.T) {
	engine, _ := newTestEngine(t, "",
		testNamespace("default"),
		annotatedPod("default", "web-1", "node-a", "10.0.0.5"),
		replicaSet("default", "web-1-rs", "web"),
	)

	client, namespace, err := engine.ClientFactory()
	assert.NoError(t, err)
	engine.client, engine.namespace = client, namespace

	endpoints, err := engine.discover(context.Background())
	assert.NoError(t, err)
	assert.Len(t, endpoints, 1)
	assert.Equal(t, "web", endpoints[0].Workload)
	assert.Equal(t, "Deployment", endpoints[0].WorkloadKind)
}

func TestFragmentNamesAreContentAddressed(t *testing.T) {
	endpoint := models.DiscoveredEndpoint{
		Namespace: "default",
		Name:      "web-1",
		ScrapeURL: "http://10.0.0.5:9100/metrics",
	}

	dataA, nameA, err := Fragment(endpoint)
	assert.NoError(t, err)
	dataB, nameB, err := Fragment(endpoint)
	assert.NoError(t, err)
	assert.Equal(t, dataA, dataB)
	assert.Equal(t, nameA, nameB)

	endpoint.ScrapeURL = "http://10.0.0.6:9100/metrics"
	_, nameC, err := Fragment(endpoint)
	assert.NoError(t, err)
	assert.NotEqual(t, nameA, nameC)
}

func TestReferencesDiscoverySources(t *testing.T) {
	assert.True(t, ReferencesDiscoverySources([]byte("sinks:\n  out:\n    type: blackhole\n    inputs:\n    - kubernetes-discovery-*\n")))
	assert.False(t, ReferencesDiscoverySources([]byte("sinks:\n  out:\n    type: blackhole\n    inputs:\n    - internal\n")))
	assert.False(t, ReferencesDiscoverySources([]byte("\tnot yaml")))
}

func TestEnsureDefaultGeneration(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, EnsureDefaultGeneration(root))

	data, err := os.ReadFile(filepath.Join(root, DefaultGenerationName, MetricsFragmentName))
	assert.NoError(t, err)
	assert.Contains(t, string(data), "discovered_targets")
}
