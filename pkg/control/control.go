// Package control implements the Control Service (§4.5): the single
// process that holds the authoritative Persistent Configuration Store,
// accepts long-lived agent connections, merges their state reports into
// a ClusterState, and broadcasts ClusterStatusUpdate to every connected
// agent whenever configuration or observed state changes.
//
// Grounded on the teacher's pkg/manager/manager.go for the
// struct-of-services shape (one top-level type owning the store, the
// connection registry, and a ticker-driven maintenance loop) and
// pkg/reconciler/reconciler.go for the ticker pattern reused here for
// disconnect-grace-period eviction. Unlike the teacher's manager, this
// service holds no Raft FSM — state merging is plain in-memory
// bookkeeping behind a mutex, consistent with the single-process,
// no-consensus design recorded in DESIGN.md.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/types"
)

// disconnectGracePeriod is how long a node's last report is still
// trusted after its connection drops, per §4.5, before the node is
// evicted from ClusterState as presumed down.
const disconnectGracePeriod = 30 * time.Second

// broadcastDebounce coalesces bursts of configuration/report changes
// into a single ClusterStatusUpdate per window, rather than pushing one
// per individual mutation.
const broadcastDebounce = 100 * time.Millisecond

// agentSender is the subset of a connection the service needs to push a
// ClusterStatusUpdate; satisfied by serverConn (listener.go) on the
// wire, and stubbed directly in tests.
type agentSender interface {
	Send(msgType protocol.MessageType, payload interface{}) error
}

// agentRecord is what the service tracks per connected-or-recently-seen
// node.
type agentRecord struct {
	conn     agentSender
	lastSeen time.Time
	report   types.NodeStateReport
	hasSeen  bool
}

// Service is the control service: configuration store plus merged
// observed cluster state plus the registry of currently attached agents.
type Service struct {
	store *configstore.Store
	log   zerolog.Logger

	mu     sync.Mutex
	agents map[string]*agentRecord // keyed by node_uuid

	broadcastMu      sync.Mutex
	broadcastPending bool
	broadcastTimer   *time.Timer
}

// New constructs a Service backed by the given configuration store.
func New(store *configstore.Store) *Service {
	return &Service{
		store:  store,
		log:    log.WithComponent("control"),
		agents: map[string]*agentRecord{},
	}
}

// Attach registers a newly connected agent's send channel, so future
// broadcasts reach it. Call on every successful accept, before the first
// report is processed.
func (s *Service) Attach(nodeUUID string, conn agentSender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[nodeUUID]
	if !ok {
		rec = &agentRecord{}
		s.agents[nodeUUID] = rec
	}
	rec.conn = conn
	rec.lastSeen = time.Now()

	metrics.NodesConnectedTotal.Set(float64(s.countConnectedLocked()))
	s.log.Info().Str("node_uuid", nodeUUID).Msg("agent attached")
}

// Detach marks an agent's connection gone. Its last report remains
// trusted for disconnectGracePeriod before the grace-period sweep evicts
// it from ClusterState.
func (s *Service) Detach(nodeUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.agents[nodeUUID]; ok {
		rec.conn = nil
	}
	metrics.NodesConnectedTotal.Set(float64(s.countConnectedLocked()))
	s.log.Info().Str("node_uuid", nodeUUID).Msg("agent detached")
}

func (s *Service) countConnectedLocked() int {
	n := 0
	for _, rec := range s.agents {
		if rec.conn != nil {
			n++
		}
	}
	return n
}

// HandleReport merges an agent's state report into the service's
// picture of cluster state and schedules a debounced broadcast of the
// result to every connected agent.
func (s *Service) HandleReport(report types.NodeStateReport) {
	s.mu.Lock()
	rec, ok := s.agents[report.NodeUUID]
	if !ok {
		rec = &agentRecord{}
		s.agents[report.NodeUUID] = rec
	}
	rec.report = report
	rec.hasSeen = true
	rec.lastSeen = time.Now()
	s.mu.Unlock()

	s.log.Debug().Str("node_uuid", report.NodeUUID).Str("era_uuid", report.Era.EraUUID).
		Msg("received node state report")
	s.scheduleBroadcast()
}

// NodeUUIDForEra returns the node_uuid that last reported the given
// era_uuid, for the REST API's GET /state/nodes/by_era/{era} — clients
// use this to detect that an agent has rebooted under a new era even
// though its node_uuid is unchanged.
func (s *Service) NodeUUIDForEra(eraUUID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for nodeUUID, rec := range s.agents {
		if rec.hasSeen && rec.report.Era.EraUUID == eraUUID {
			return nodeUUID, true
		}
	}
	return "", false
}

// ClusterState returns the current merge of every agent's last-known
// report, dropping nodes outside the disconnect grace period.
func (s *Service) ClusterState() types.ClusterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterStateLocked()
}

func (s *Service) clusterStateLocked() types.ClusterState {
	state := types.ClusterState{
		Nodes:               map[string]types.Node{},
		NonmanifestDatasets: map[string]types.Dataset{},
	}

	now := time.Now()
	for nodeUUID, rec := range s.agents {
		if !rec.hasSeen {
			continue
		}
		if rec.conn == nil && now.Sub(rec.lastSeen) > disconnectGracePeriod {
			continue
		}
		state.Nodes[nodeUUID] = types.Node{
			UUID:           nodeUUID,
			Manifestations: rec.report.Manifestations,
			Paths:          rec.report.Paths,
			Devices:        rec.report.Devices,
		}
		for id, ds := range rec.report.Nonmanifest {
			state.NonmanifestDatasets[id] = ds
		}
	}
	return state
}

// scheduleBroadcast coalesces broadcast requests arriving within
// broadcastDebounce of each other into a single push.
func (s *Service) scheduleBroadcast() {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	if s.broadcastPending {
		return
	}
	s.broadcastPending = true
	s.broadcastTimer = time.AfterFunc(broadcastDebounce, s.broadcastNow)
}

func (s *Service) broadcastNow() {
	s.broadcastMu.Lock()
	s.broadcastPending = false
	s.broadcastMu.Unlock()

	cfg, _ := s.store.Get()
	update := types.ClusterStatusUpdate{
		DesiredConfiguration: cfg,
		ObservedClusterState: s.ClusterState(),
	}

	s.mu.Lock()
	targets := make(map[string]agentSender, len(s.agents))
	for nodeUUID, rec := range s.agents {
		if rec.conn != nil {
			targets[nodeUUID] = rec.conn
		}
	}
	s.mu.Unlock()

	for nodeUUID, conn := range targets {
		if err := conn.Send(protocol.MessageClusterStatusUpdate, update); err != nil {
			s.log.Warn().Err(err).Str("node_uuid", nodeUUID).Msg("failed to push cluster status update")
		}
	}
}

// BroadcastNow forces an immediate broadcast, bypassing debounce.
// Called after a configuration write, so clients see it without waiting
// on the next report-driven cycle.
func (s *Service) BroadcastNow() {
	s.broadcastNow()
}

// Run starts the disconnect-grace-period sweep; it evicts agents whose
// connection has been gone longer than disconnectGracePeriod and pushes
// an updated ClusterStatusUpdate when eviction changes observed state.
// Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()
	evicted := false

	s.mu.Lock()
	for nodeUUID, rec := range s.agents {
		if rec.conn == nil && rec.hasSeen && now.Sub(rec.lastSeen) > disconnectGracePeriod {
			delete(s.agents, nodeUUID)
			evicted = true
			s.log.Info().Str("node_uuid", nodeUUID).Msg("evicted agent past disconnect grace period")
		}
	}
	s.mu.Unlock()

	if evicted {
		s.scheduleBroadcast()
	}
}
