// Package restapi implements the versioned HTTP surface of §4.7: the
// `/v1` dataset, state, and lease endpoints, conditional updates via
// X-If-Configuration-Matches/X-Configuration-Tag, and request validation.
//
// Grounded on the teacher's pkg/api/health.go for the http.Server/mux
// wiring and JSON-encode-the-response shape (generalized here from a
// bare http.ServeMux to gorilla/mux for path-parameter routes, adopted
// because the pack's go-hyperforge example leans on the same
// mux/validator combination for its own HTTP surface) and
// go-hyperforge's pkg/validator/validator.go for struct-tag validation
// via go-playground/validator/v10.
package restapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/control"
	"github.com/clusterhq/flocker/pkg/flockerrors"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/types"
)

const (
	headerConfigurationTag   = "X-Configuration-Tag"
	headerIfConfigMatches    = "X-If-Configuration-Matches"
	maxConditionalSetRetries = 10
)

// errHandled signals that mutate already wrote the HTTP response (a
// validation or conflict error) and withRetry should stop without writing
// its own.
var errHandled = errors.New("restapi: response already written")

// Server serves the /v1 REST API against a configuration store and the
// control service's merged cluster state.
type Server struct {
	store   *configstore.Store
	control *control.Service
	log     zerolog.Logger
	validate *validator.Validate
	router  *mux.Router
}

// NewServer constructs the REST API's router, wired to store for
// desired-configuration reads/writes and svc for observed cluster state.
func NewServer(store *configstore.Store, svc *control.Service) *Server {
	s := &Server{
		store:    store,
		control:  svc,
		log:      log.WithComponent("restapi"),
		validate: validator.New(),
	}

	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/configuration/datasets", s.createDataset).Methods(http.MethodPost)
	v1.HandleFunc("/configuration/datasets", s.listDatasets).Methods(http.MethodGet)
	v1.HandleFunc("/configuration/datasets/{id}", s.updateDataset).Methods(http.MethodPost)
	v1.HandleFunc("/state/datasets", s.stateDatasets).Methods(http.MethodGet)
	v1.HandleFunc("/state/nodes/by_era/{era}", s.nodeByEra).Methods(http.MethodGet)
	v1.HandleFunc("/configuration/leases/{dataset_id}", s.acquireLease).Methods(http.MethodPost)
	v1.HandleFunc("/configuration/leases/{dataset_id}", s.renewLease).Methods(http.MethodPut)
	v1.HandleFunc("/configuration/leases/{dataset_id}", s.releaseLease).Methods(http.MethodDelete)
	router.Use(s.instrumentRoute)

	s.router = router
	return s
}

// Handler returns the HTTP handler to mount on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) instrumentRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if tpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil && tpl != "" {
			route = tpl
		}
		metrics.APIRequestDuration.WithLabelValues(route).Observe(timer.Duration().Seconds())
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// createDatasetRequest is the request body for POST /configuration/datasets.
type createDatasetRequest struct {
	Primary     string            `json:"primary" validate:"required,uuid4"`
	MaximumSize int64             `json:"maximum_size" validate:"omitempty,gte=0"`
	DatasetID   string            `json:"dataset_id" validate:"omitempty,uuid4"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	datasetID := req.DatasetID
	if datasetID == "" {
		datasetID = uuid.NewString()
	}

	var dataset types.Dataset
	newTag, ok := s.withRetry(w, r, func(cfg types.Configuration) (types.Configuration, error) {
		if name := req.Metadata["name"]; name != "" {
			for _, node := range cfg.Nodes {
				for _, m := range node.Manifestations {
					if m.Dataset.Name() == name && !m.Dataset.Deleted {
						writeError(w, http.StatusConflict, "dataset name already in use")
						return types.Configuration{}, errHandled
					}
				}
			}
		}
		for _, node := range cfg.Nodes {
			if _, exists := node.Manifestations[datasetID]; exists {
				writeError(w, http.StatusConflict, "dataset_id already exists")
				return types.Configuration{}, errHandled
			}
		}

		now := time.Now()
		dataset = types.Dataset{
			DatasetID:   datasetID,
			MaximumSize: req.MaximumSize,
			Metadata:    req.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		newCfg := cfg
		newCfg.Nodes = cloneNodes(cfg.Nodes)
		node := newCfg.Nodes[req.Primary]
		node.UUID = req.Primary
		if node.Manifestations == nil {
			node.Manifestations = map[string]types.Manifestation{}
		}
		node.Manifestations[datasetID] = types.Manifestation{Dataset: dataset, Primary: true}
		newCfg.Nodes[req.Primary] = node
		return newCfg, nil
	})
	if !ok {
		return
	}
	s.control.BroadcastNow()

	w.Header().Set(headerConfigurationTag, newTag)
	writeJSON(w, http.StatusCreated, dataset)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	cfg, tag := s.store.Get()

	var datasets []types.Dataset
	seen := map[string]bool{}
	for _, node := range cfg.Nodes {
		for id, m := range node.Manifestations {
			if seen[id] {
				continue
			}
			seen[id] = true
			datasets = append(datasets, m.Dataset)
		}
	}

	w.Header().Set(headerConfigurationTag, tag)
	writeJSON(w, http.StatusOK, datasets)
}

// updateDatasetRequest is the request body for POST /configuration/datasets/{id}.
type updateDatasetRequest struct {
	Primary     string            `json:"primary" validate:"omitempty,uuid4"`
	Metadata    map[string]string `json:"metadata"`
	MaximumSize *int64            `json:"maximum_size" validate:"omitempty,gte=0"`
	Deleted     *bool             `json:"deleted"`
}

func (s *Server) updateDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["id"]

	var req updateDatasetRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	var result types.Dataset
	newTag, ok := s.withRetry(w, r, func(cfg types.Configuration) (types.Configuration, error) {
		var currentNodeUUID string
		var manifestation types.Manifestation
		found := false
		for nodeUUID, node := range cfg.Nodes {
			if m, ok := node.Manifestations[datasetID]; ok {
				currentNodeUUID, manifestation, found = nodeUUID, m, true
				break
			}
		}
		if !found {
			writeError(w, http.StatusNotFound, "unknown dataset_id")
			return types.Configuration{}, errHandled
		}

		if lease, ok := cfg.Leases[datasetID]; ok && !lease.Expired(time.Now()) {
			movingPrimary := req.Primary != "" && req.Primary != currentNodeUUID
			deleting := req.Deleted != nil && *req.Deleted
			if (movingPrimary || deleting) && lease.NodeUUID == currentNodeUUID {
				writeError(w, http.StatusConflict, "dataset has an unexpired lease on its current node")
				return types.Configuration{}, errHandled
			}
		}

		if req.Metadata != nil {
			manifestation.Dataset.Metadata = req.Metadata
		}
		if req.MaximumSize != nil {
			manifestation.Dataset.MaximumSize = *req.MaximumSize
		}
		if req.Deleted != nil {
			manifestation.Dataset.Deleted = *req.Deleted
		}
		manifestation.Dataset.UpdatedAt = time.Now()

		newCfg := cfg
		newCfg.Nodes = cloneNodes(cfg.Nodes)

		targetNodeUUID := currentNodeUUID
		if req.Primary != "" {
			targetNodeUUID = req.Primary
		}

		if targetNodeUUID != currentNodeUUID {
			oldNode := newCfg.Nodes[currentNodeUUID]
			delete(oldNode.Manifestations, datasetID)
			newCfg.Nodes[currentNodeUUID] = oldNode
		}

		newNode := newCfg.Nodes[targetNodeUUID]
		newNode.UUID = targetNodeUUID
		if newNode.Manifestations == nil {
			newNode.Manifestations = map[string]types.Manifestation{}
		}
		newNode.Manifestations[datasetID] = manifestation
		newCfg.Nodes[targetNodeUUID] = newNode

		result = manifestation.Dataset
		return newCfg, nil
	})
	if !ok {
		return
	}
	s.control.BroadcastNow()

	w.Header().Set(headerConfigurationTag, newTag)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) stateDatasets(w http.ResponseWriter, r *http.Request) {
	state := s.control.ClusterState()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) nodeByEra(w http.ResponseWriter, r *http.Request) {
	era := mux.Vars(r)["era"]

	if nodeUUID, ok := s.control.NodeUUIDForEra(era); ok {
		writeJSON(w, http.StatusOK, map[string]string{"node_uuid": nodeUUID})
		return
	}
	writeError(w, http.StatusNotFound, "no node found for era")
}

func (s *Server) acquireLease(w http.ResponseWriter, r *http.Request) {
	s.setLease(w, r, false)
}

func (s *Server) renewLease(w http.ResponseWriter, r *http.Request) {
	s.setLease(w, r, true)
}

type leaseRequest struct {
	NodeUUID   string     `json:"node_uuid" validate:"required,uuid4"`
	Expiration *time.Time `json:"expiration"`
}

func (s *Server) setLease(w http.ResponseWriter, r *http.Request, renewal bool) {
	datasetID := mux.Vars(r)["dataset_id"]

	var req leaseRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	var lease types.Lease
	newTag, ok := s.withRetry(w, r, func(cfg types.Configuration) (types.Configuration, error) {
		if existing, ok := cfg.Leases[datasetID]; ok && !existing.Expired(time.Now()) && existing.NodeUUID != req.NodeUUID {
			if !renewal {
				writeError(w, http.StatusConflict, "dataset already leased to another node")
				return types.Configuration{}, errHandled
			}
		}

		newCfg := cfg
		newCfg.Leases = cloneLeases(cfg.Leases)
		lease = types.Lease{DatasetID: datasetID, NodeUUID: req.NodeUUID, Expiration: req.Expiration}
		newCfg.Leases[datasetID] = lease
		return newCfg, nil
	})
	if !ok {
		return
	}
	s.control.BroadcastNow()

	w.Header().Set(headerConfigurationTag, newTag)
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) releaseLease(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["dataset_id"]

	newTag, ok := s.withRetry(w, r, func(cfg types.Configuration) (types.Configuration, error) {
		newCfg := cfg
		newCfg.Leases = cloneLeases(cfg.Leases)
		delete(newCfg.Leases, datasetID)
		return newCfg, nil
	})
	if !ok {
		return
	}
	s.control.BroadcastNow()

	w.Header().Set(headerConfigurationTag, newTag)
	w.WriteHeader(http.StatusNoContent)
}

// withRetry reads the current configuration, applies mutate, and persists
// the result, retrying up to maxConditionalSetRetries times when another
// request wins the race on SetIfMatches. The X-If-Configuration-Matches
// precondition, if present, is re-checked against the freshly read tag on
// every attempt, so a caller pinning an exact tag is never silently
// retried past it — it gets a 412 instead. mutate writes its own error
// response and returns errHandled when it rejects the request.
func (s *Server) withRetry(w http.ResponseWriter, r *http.Request, mutate func(cfg types.Configuration) (types.Configuration, error)) (string, bool) {
	for attempt := 0; attempt < maxConditionalSetRetries; attempt++ {
		cfg, tag := s.store.Get()
		if err := s.rejectIfTagMismatch(w, r, tag); err != nil {
			return "", false
		}

		newCfg, err := mutate(cfg)
		if err != nil {
			return "", false
		}

		newTag, err := s.store.SetIfMatches(newCfg, tag)
		if err == nil {
			return newTag, true
		}
		if !errors.Is(err, configstore.ErrTagMismatch) {
			writeError(w, http.StatusInternalServerError, "failed to persist configuration")
			return "", false
		}
	}
	writeError(w, http.StatusConflict, "configuration changed concurrently, retry")
	return "", false
}

// rejectIfTagMismatch enforces X-If-Configuration-Matches (§4.7): if the
// header is present and differs from the store's current tag, the
// request is rejected with 412 before any mutation is attempted.
func (s *Server) rejectIfTagMismatch(w http.ResponseWriter, r *http.Request, currentTag string) error {
	want := r.Header.Get(headerIfConfigMatches)
	if want == "" || want == currentTag {
		return nil
	}
	err := flockerrors.Conflict("rejectIfTagMismatch", "configuration tag precondition failed", nil)
	writeError(w, http.StatusPreconditionFailed, err.Message)
	return err
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func cloneNodes(nodes map[string]types.Node) map[string]types.Node {
	out := make(map[string]types.Node, len(nodes))
	for k, v := range nodes {
		manifests := make(map[string]types.Manifestation, len(v.Manifestations))
		for mk, mv := range v.Manifestations {
			manifests[mk] = mv
		}
		v.Manifestations = manifests
		out[k] = v
	}
	return out
}

func cloneLeases(leases map[string]types.Lease) map[string]types.Lease {
	out := make(map[string]types.Lease, len(leases))
	for k, v := range leases {
		out[k] = v
	}
	return out
}
