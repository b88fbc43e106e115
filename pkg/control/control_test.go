package control_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/control"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/types"
)

type fakeSender struct {
	mu       sync.Mutex
	received []protocol.MessageType
}

func (f *fakeSender) Send(msgType protocol.MessageType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msgType)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestStore(t *testing.T) *configstore.Store {
	t.Helper()
	store, err := configstore.Open(t.TempDir() + "/configuration.json")
	require.NoError(t, err)
	return store
}

func TestHandleReportMergesIntoClusterState(t *testing.T) {
	svc := control.New(newTestStore(t))

	svc.HandleReport(types.NodeStateReport{
		NodeUUID: "node-1",
		Era:      types.Era{NodeUUID: "node-1", EraUUID: "era-1"},
		Manifestations: map[string]types.Manifestation{
			"ds-1": {Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true},
		},
	})

	state := svc.ClusterState()
	require.Contains(t, state.Nodes, "node-1")
	assert.Contains(t, state.Nodes["node-1"].Manifestations, "ds-1")
}

func TestScheduleBroadcastReachesConnectedAgents(t *testing.T) {
	svc := control.New(newTestStore(t))
	sender := &fakeSender{}
	svc.Attach("node-1", sender)

	svc.HandleReport(types.NodeStateReport{NodeUUID: "node-1", Era: types.Era{NodeUUID: "node-1"}})

	require.Eventually(t, func() bool {
		return sender.count() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestDetachedAgentStaysInClusterStateDuringGracePeriod(t *testing.T) {
	svc := control.New(newTestStore(t))
	sender := &fakeSender{}
	svc.Attach("node-1", sender)
	svc.HandleReport(types.NodeStateReport{NodeUUID: "node-1", Era: types.Era{NodeUUID: "node-1"}})
	svc.Detach("node-1")

	state := svc.ClusterState()
	assert.Contains(t, state.Nodes, "node-1")
}

func TestBroadcastNowForcesImmediatePush(t *testing.T) {
	svc := control.New(newTestStore(t))
	sender := &fakeSender{}
	svc.Attach("node-1", sender)

	svc.BroadcastNow()
	assert.Equal(t, 1, sender.count())
}
