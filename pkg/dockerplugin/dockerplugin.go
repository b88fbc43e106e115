// Package dockerplugin implements the Docker Volume Plugin Adapter
// (§4.8): a Unix-socket JSON handler translating
// /VolumeDriver.{Create,Mount,Unmount,Get,List,Remove} calls into
// dataset REST operations against the control service's REST API
// (reached over HTTP, never the Unix socket it itself listens on).
//
// Grounded on the teacher's pkg/api/interceptor.go, whose
// ReadOnlyInterceptor restricts the Unix-socket listener to read-only
// calls "to prevent write operations from local CLI" — generalized here
// from a gRPC interceptor into the Unix-socket transport itself, since
// the Docker plugin protocol has no interceptor chain to hook; and
// pkg/client/client.go's thin-wrapper-over-transport shape for the
// internal HTTP client that issues the actual dataset operations.
package dockerplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterhq/flocker/pkg/log"
)

// mountPollTimeout bounds Mount's wait for the dataset to appear mounted
// locally, per §4.8's "bounded budget (default 120s)".
const mountPollTimeout = 120 * time.Second
const mountPollInterval = 500 * time.Millisecond

// restClient is the subset of HTTP operations the adapter needs against
// the control service's REST API; kept as an interface so tests can substitute
// a fake without standing up a real listener.
type restClient interface {
	findDatasetByName(ctx context.Context, name string) (dataset, bool, error)
	createDataset(ctx context.Context, name, nodeUUID string) (dataset, error)
	setPrimary(ctx context.Context, datasetID, nodeUUID string) error
	stateDatasets(ctx context.Context) (map[string]nodeState, error)
	nodeUUIDForEra(ctx context.Context, era string) (string, bool, error)
}

type dataset struct {
	DatasetID string            `json:"dataset_id"`
	Metadata  map[string]string `json:"metadata"`
}

type nodeState struct {
	Manifestations map[string]struct {
		Dataset struct {
			DatasetID string            `json:"dataset_id"`
			Metadata  map[string]string `json:"metadata"`
		} `json:"dataset"`
	} `json:"manifestations"`
	Paths map[string]string `json:"paths"`
}

// Driver implements the Docker volume plugin's handler set against one
// node's identity and the control service's REST API.
type Driver struct {
	nodeUUID   string
	eraUUID    string
	client     restClient
	log        zerolog.Logger
}

// NewDriver constructs a Driver for a node with the given identity,
// talking to the control service's REST API at apiBaseURL.
func NewDriver(nodeUUID, eraUUID, apiBaseURL string) *Driver {
	return &Driver{
		nodeUUID: nodeUUID,
		eraUUID:  eraUUID,
		client:   newHTTPRestClient(apiBaseURL),
		log:      log.WithComponent("dockerplugin"),
	}
}

// ListenAndServe serves the Docker volume plugin protocol on a Unix
// domain socket at socketPath.
func (d *Driver) ListenAndServe(socketPath string) error {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/VolumeDriver.Create", d.handleCreate)
	mux.HandleFunc("/VolumeDriver.Mount", d.handleMount)
	mux.HandleFunc("/VolumeDriver.Unmount", d.handleUnmount)
	mux.HandleFunc("/VolumeDriver.Get", d.handleGet)
	mux.HandleFunc("/VolumeDriver.List", d.handleList)
	mux.HandleFunc("/VolumeDriver.Remove", d.handleRemove)

	server := &http.Server{Handler: mux}
	return server.Serve(listener)
}

type nameRequest struct {
	Name string `json:"Name"`
}

type errorResponse struct {
	Err string `json:"Err"`
}

type mountResponse struct {
	Mountpoint string `json:"Mountpoint"`
	Err        string `json:"Err"`
}

type volumeEntry struct {
	Name       string `json:"Name"`
	Mountpoint string `json:"Mountpoint,omitempty"`
}

type getResponse struct {
	Volume volumeEntry `json:"Volume"`
	Err    string      `json:"Err"`
}

type listResponse struct {
	Volumes []volumeEntry `json:"Volumes"`
	Err     string        `json:"Err"`
}

func (d *Driver) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if _, found, err := d.client.findDatasetByName(ctx, req.Name); err != nil {
		writeJSON(w, errorResponse{Err: err.Error()})
		return
	} else if found {
		writeJSON(w, errorResponse{})
		return
	}

	if _, err := d.client.createDataset(ctx, req.Name, d.nodeUUID); err != nil {
		writeJSON(w, errorResponse{Err: err.Error()})
		return
	}
	writeJSON(w, errorResponse{})
}

// handleMount implements §4.8's Mount(name) logic: look up a dataset by
// name, create it here if absent, move its primary here if it lives
// elsewhere, then poll /state/datasets until it is observed mounted
// locally, bounded by mountPollTimeout.
func (d *Driver) handleMount(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mountPollTimeout+30*time.Second)
	defer cancel()

	ds, found, err := d.client.findDatasetByName(ctx, req.Name)
	if err != nil {
		writeJSON(w, mountResponse{Err: err.Error()})
		return
	}
	if !found {
		ds, err = d.client.createDataset(ctx, req.Name, d.nodeUUID)
		if err != nil {
			writeJSON(w, mountResponse{Err: err.Error()})
			return
		}
	} else if err := d.client.setPrimary(ctx, ds.DatasetID, d.nodeUUID); err != nil {
		writeJSON(w, mountResponse{Err: err.Error()})
		return
	}

	if d.eraUUID != "" {
		if _, _, err := d.client.nodeUUIDForEra(ctx, d.eraUUID); err != nil {
			d.log.Warn().Err(err).Msg("by_era lookup failed, proceeding without reboot staleness check")
		}
	}

	path, err := d.pollForMount(ctx, ds.DatasetID)
	if err != nil {
		writeJSON(w, mountResponse{Err: err.Error()})
		return
	}
	writeJSON(w, mountResponse{Mountpoint: path})
}

// pollForMount waits until the dataset is observed mounted on this node,
// returning its mount path, bounded by mountPollTimeout.
func (d *Driver) pollForMount(ctx context.Context, datasetID string) (string, error) {
	deadline := time.Now().Add(mountPollTimeout)
	for {
		state, err := d.client.stateDatasets(ctx)
		if err == nil {
			if node, ok := state[d.nodeUUID]; ok {
				if path, ok := node.Paths[datasetID]; ok {
					return path, nil
				}
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out waiting for dataset %s to mount", datasetID)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(mountPollInterval):
		}
	}
}

func (d *Driver) handleUnmount(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	// Unmounting does not move the primary off this node; convergence
	// detaches only when the desired configuration stops naming this
	// node as primary, per §4.6 — Unmount here is advisory to Docker
	// only, matching the spec's "ensures a dataset exists on the calling
	// node before returning" scope (no active detach on unmount).
	writeJSON(w, errorResponse{})
}

func (d *Driver) handleGet(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ds, found, err := d.client.findDatasetByName(ctx, req.Name)
	if err != nil {
		writeJSON(w, getResponse{Err: err.Error()})
		return
	}
	if !found {
		writeJSON(w, getResponse{Err: "no such volume"})
		return
	}

	mountpoint := ""
	if state, err := d.client.stateDatasets(ctx); err == nil {
		if node, ok := state[d.nodeUUID]; ok {
			mountpoint = node.Paths[ds.DatasetID]
		}
	}
	writeJSON(w, getResponse{Volume: volumeEntry{Name: req.Name, Mountpoint: mountpoint}})
}

func (d *Driver) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	state, err := d.client.stateDatasets(ctx)
	if err != nil {
		writeJSON(w, listResponse{Err: err.Error()})
		return
	}

	var volumes []volumeEntry
	if node, ok := state[d.nodeUUID]; ok {
		for _, m := range node.Manifestations {
			if name := m.Dataset.Metadata["name"]; name != "" {
				volumes = append(volumes, volumeEntry{Name: name, Mountpoint: node.Paths[m.Dataset.DatasetID]})
			}
		}
	}
	writeJSON(w, listResponse{Volumes: volumes})
}

func (d *Driver) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	// Remove replies with success and makes no REST call: the dataset is
	// not marked deleted in the configuration and its volume is left in
	// place.
	writeJSON(w, errorResponse{})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, errorResponse{Err: "malformed request: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// httpRestClient is the real restClient implementation, issuing plain
// HTTP requests against the control service's REST API.
type httpRestClient struct {
	baseURL string
	http    *http.Client
}

func newHTTPRestClient(baseURL string) *httpRestClient {
	return &httpRestClient{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpRestClient) findDatasetByName(ctx context.Context, name string) (dataset, bool, error) {
	var datasets []dataset
	if err := c.getJSON(ctx, "/v1/configuration/datasets", &datasets); err != nil {
		return dataset{}, false, err
	}
	for _, ds := range datasets {
		if ds.Metadata["name"] == name {
			return ds, true, nil
		}
	}
	return dataset{}, false, nil
}

func (c *httpRestClient) createDataset(ctx context.Context, name, nodeUUID string) (dataset, error) {
	body := map[string]interface{}{
		"primary":  nodeUUID,
		"metadata": map[string]string{"name": name},
	}
	var ds dataset
	if err := c.postJSON(ctx, "/v1/configuration/datasets", body, &ds); err != nil {
		return dataset{}, err
	}
	return ds, nil
}

func (c *httpRestClient) setPrimary(ctx context.Context, datasetID, nodeUUID string) error {
	body := map[string]interface{}{"primary": nodeUUID}
	var out dataset
	return c.postJSON(ctx, "/v1/configuration/datasets/"+datasetID, body, &out)
}

func (c *httpRestClient) stateDatasets(ctx context.Context) (map[string]nodeState, error) {
	var state struct {
		Nodes map[string]nodeState `json:"nodes"`
	}
	if err := c.getJSON(ctx, "/v1/state/datasets", &state); err != nil {
		return nil, err
	}
	return state.Nodes, nil
}

func (c *httpRestClient) nodeUUIDForEra(ctx context.Context, era string) (string, bool, error) {
	var out struct {
		NodeUUID string `json:"node_uuid"`
	}
	if err := c.getJSON(ctx, "/v1/state/nodes/by_era/"+era, &out); err != nil {
		return "", false, err
	}
	return out.NodeUUID, out.NodeUUID != "", nil
}

func (c *httpRestClient) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *httpRestClient) postJSON(ctx context.Context, path string, body interface{}, dst interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *httpRestClient) do(req *http.Request, dst interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("request to %s failed with status %d: %s", req.URL.Path, resp.StatusCode, errBody.Error)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
