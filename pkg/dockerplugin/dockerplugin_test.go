package dockerplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	datasets map[string]dataset // name -> dataset
	primary  map[string]string  // dataset_id -> node_uuid
	mounted  map[string]string  // dataset_id -> path, once "mounted"
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		datasets: map[string]dataset{},
		primary:  map[string]string{},
		mounted:  map[string]string{},
	}
}

func (f *fakeClient) findDatasetByName(ctx context.Context, name string) (dataset, bool, error) {
	ds, ok := f.datasets[name]
	return ds, ok, nil
}

func (f *fakeClient) createDataset(ctx context.Context, name, nodeUUID string) (dataset, error) {
	ds := dataset{DatasetID: "ds-" + name, Metadata: map[string]string{"name": name}}
	f.datasets[name] = ds
	f.primary[ds.DatasetID] = nodeUUID
	f.mounted[ds.DatasetID] = "/mnt/flocker/" + ds.DatasetID
	return ds, nil
}

func (f *fakeClient) setPrimary(ctx context.Context, datasetID, nodeUUID string) error {
	f.primary[datasetID] = nodeUUID
	f.mounted[datasetID] = "/mnt/flocker/" + datasetID
	return nil
}

func (f *fakeClient) stateDatasets(ctx context.Context) (map[string]nodeState, error) {
	out := map[string]nodeState{}
	for name, ds := range f.datasets {
		nodeUUID, ok := f.primary[ds.DatasetID]
		if !ok {
			continue
		}
		path, ok := f.mounted[ds.DatasetID]
		if !ok {
			continue
		}

		ns := out[nodeUUID]
		if ns.Paths == nil {
			ns.Paths = map[string]string{}
		}
		if ns.Manifestations == nil {
			ns.Manifestations = map[string]struct {
				Dataset struct {
					DatasetID string            `json:"dataset_id"`
					Metadata  map[string]string `json:"metadata"`
				} `json:"dataset"`
			}{}
		}
		ns.Paths[ds.DatasetID] = path

		var entry struct {
			Dataset struct {
				DatasetID string            `json:"dataset_id"`
				Metadata  map[string]string `json:"metadata"`
			} `json:"dataset"`
		}
		entry.Dataset.DatasetID = ds.DatasetID
		entry.Dataset.Metadata = map[string]string{"name": name}
		ns.Manifestations[ds.DatasetID] = entry

		out[nodeUUID] = ns
	}
	return out, nil
}

func (f *fakeClient) nodeUUIDForEra(ctx context.Context, era string) (string, bool, error) {
	return "", false, nil
}

func newTestDriver(client restClient) *Driver {
	return &Driver{nodeUUID: "node-1", client: client}
}

func postJSONRequest(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCreateCreatesNewDataset(t *testing.T) {
	client := newFakeClient()
	driver := newTestDriver(client)

	rec := postJSONRequest(t, driver.handleCreate, nameRequest{Name: "my-volume"})

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Err)
	assert.Contains(t, client.datasets, "my-volume")
}

func TestHandleMountReturnsMountpointOnceObserved(t *testing.T) {
	client := newFakeClient()
	driver := newTestDriver(client)

	rec := postJSONRequest(t, driver.handleMount, nameRequest{Name: "my-volume"})

	var resp mountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Err)
	assert.NotEmpty(t, resp.Mountpoint)
}

func TestHandleListReturnsLocalVolumes(t *testing.T) {
	client := newFakeClient()
	driver := newTestDriver(client)

	postJSONRequest(t, driver.handleMount, nameRequest{Name: "vol-a"})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	driver.handleList(rec, req)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Volumes, 1)
	assert.Equal(t, "vol-a", resp.Volumes[0].Name)
}

func TestHandleGetUnknownVolumeReturnsError(t *testing.T) {
	client := newFakeClient()
	driver := newTestDriver(client)

	rec := postJSONRequest(t, driver.handleGet, nameRequest{Name: "does-not-exist"})

	var resp getResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Err)
}
