package restapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/control"
	"github.com/clusterhq/flocker/pkg/restapi"
)

func newTestServer(t *testing.T) *restapi.Server {
	t.Helper()
	store, err := configstore.Open(t.TempDir() + "/configuration.json")
	require.NoError(t, err)
	svc := control.New(store)
	return restapi.NewServer(store, svc)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateDatasetSucceeds(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/v1/configuration/datasets", map[string]interface{}{
		"primary":  uuid.NewString(),
		"metadata": map[string]string{"name": "my-volume"},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Configuration-Tag"))
}

func TestCreateDatasetRejectsInvalidPrimary(t *testing.T) {
	server := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/v1/configuration/datasets", map[string]interface{}{
		"primary": "not-a-uuid",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDatasetDuplicateNameConflicts(t *testing.T) {
	server := newTestServer(t)

	body := map[string]interface{}{"primary": uuid.NewString(), "metadata": map[string]string{"name": "dup"}}
	first := doRequest(t, server.Handler(), http.MethodPost, "/v1/configuration/datasets", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(t, server.Handler(), http.MethodPost, "/v1/configuration/datasets",
		map[string]interface{}{"primary": uuid.NewString(), "metadata": map[string]string{"name": "dup"}})
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestListDatasetsReturnsConfigurationTagHeader(t *testing.T) {
	server := newTestServer(t)
	rec := doRequest(t, server.Handler(), http.MethodGet, "/v1/configuration/datasets", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Configuration-Tag"))
}

func TestConditionalUpdateRejectsStaleTag(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/configuration/datasets", bytes.NewReader(mustJSON(t,
		map[string]interface{}{"primary": uuid.NewString()})))
	req.Header.Set(http.CanonicalHeaderKey("X-If-Configuration-Matches"), "stale-tag")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestAcquireAndReleaseLease(t *testing.T) {
	server := newTestServer(t)
	datasetID := uuid.NewString()
	nodeUUID := uuid.NewString()

	rec := doRequest(t, server.Handler(), http.MethodPost, "/v1/configuration/leases/"+datasetID,
		map[string]interface{}{"node_uuid": nodeUUID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server.Handler(), http.MethodDelete, "/v1/configuration/leases/"+datasetID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
