package controlplane

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/televine-platform/trellis-go/internal/config"
	"github.com/televine-platform/trellis-go/pkg/models"
)

const baseURL = "http://control-plane.test"

func newTestClient() *Client {
	restyClient := resty.New()
	restyClient.SetBaseURL(baseURL)
	restyClient.SetDisableWarn(true)

	httpmock.ActivateNonDefault(restyClient.GetClient())

	return &Client{
		client:   restyClient,
		secret:   "secret-token",
		host:     "node-1",
		versions: config.ComponentVersions{Collector: "1.2.3", Vector: "0.40.0"},
		logger:   zap.NewNop().Sugar(),
	}
}

func TestIsClusterCollector(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/cluster-collector",
		httpmock.NewStringResponder(204, ""))

	isCollector, err := client.IsClusterCollector()
	assert.NoError(t, err)
	assert.True(t, isCollector)
}

func TestIsClusterCollectorConflict(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/cluster-collector",
		httpmock.NewStringResponder(409, ""))

	isCollector, err := client.IsClusterCollector()
	assert.NoError(t, err)
	assert.False(t, isCollector)
}

func TestIsClusterCollectorUnauthorized(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/cluster-collector",
		httpmock.NewStringResponder(401, ""))

	_, err := client.IsClusterCollector()
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPingNoContent(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/ping",
		httpmock.NewStringResponder(204, ""))

	resp, err := client.Ping(Status{ClusterCollector: true})
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestPingNewVersion(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/ping",
		httpmock.NewStringResponder(200, `{"status":"new_version_available","configuration_version":"2025-01-01T00:00:00"}`))

	resp, err := client.Ping(Status{ConfigurationVersion: "2024-12-31T00:00:00", Error: "previous failure"})
	assert.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, models.StatusNewVersionAvailable, resp.Status)
	assert.Equal(t, "2025-01-01T00:00:00", resp.ConfigurationVersion)
}

func TestPingSendsSystemInformationOnce(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	var payloads []string
	httpmock.RegisterResponder("POST", baseURL+"/collector/ping",
		func(req *http.Request) (*http.Response, error) {
			req.ParseForm()
			payloads = append(payloads, req.PostForm.Get("system_information"))
			return httpmock.NewStringResponse(204, ""), nil
		})

	_, err := client.Ping(Status{})
	assert.NoError(t, err)
	_, err = client.Ping(Status{})
	assert.NoError(t, err)

	assert.Len(t, payloads, 2)
	assert.NotEmpty(t, payloads[0])
	assert.Empty(t, payloads[1])
}

func TestPingUnauthorizedIsFatal(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", baseURL+"/collector/ping",
		httpmock.NewStringResponder(403, ""))

	_, err := client.Ping(Status{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConfigurationFilesMixedEntries(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	body := `{"files":[{"path":"/files/abc","name":"vector.yaml"},"http://downloads.test/bundle/databases.csv?sig=xyz"]}`
	httpmock.RegisterResponder("POST", baseURL+"/collector/configuration",
		httpmock.NewStringResponder(200, body))

	files, err := client.ConfigurationFiles("2025-01-01T00:00:00")
	assert.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "vector.yaml", files[0].Name)
	assert.Equal(t, "/files/abc", files[0].Path)
	assert.Equal(t, "databases.csv", files[1].Name)
	assert.Equal(t, "http://downloads.test/bundle/databases.csv?sig=xyz", files[1].Path)
}

func TestDownloadFileWritesBodyAndAttributesHost(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	var seenHost string
	httpmock.RegisterResponder("GET", baseURL+"/files/abc",
		func(req *http.Request) (*http.Response, error) {
			seenHost = req.URL.Query().Get("host")
			return httpmock.NewStringResponse(200, "sources: {}\n"), nil
		})

	dest := filepath.Join(t.TempDir(), "vector.yaml")
	err := client.DownloadFile("/files/abc", dest)
	assert.NoError(t, err)
	assert.Equal(t, "node-1", seenHost)

	data, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, "sources: {}\n", string(data))
}

func TestDownloadFileNon200(t *testing.T) {
	client := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", baseURL+"/files/missing",
		httpmock.NewStringResponder(404, "not found"))

	err := client.DownloadFile("/files/missing", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}
