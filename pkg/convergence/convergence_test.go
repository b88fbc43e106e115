package convergence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/backend/fake"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/types"
)

type fakeReporter struct {
	mailbox *protocol.Mailbox[protocol.Envelope]
	sent    []protocol.MessageType
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{mailbox: protocol.NewMailbox[protocol.Envelope]()}
}

func (f *fakeReporter) Send(msgType protocol.MessageType, payload interface{}) error {
	f.sent = append(f.sent, msgType)
	return nil
}

func (f *fakeReporter) Mailbox() *protocol.Mailbox[protocol.Envelope] {
	return f.mailbox
}

func newTestLoop() (*Loop, *fakeReporter) {
	reporter := newFakeReporter()
	loop := New("node-1", types.Era{NodeUUID: "node-1", EraUUID: "era-1"}, fake.New(), reporter, "/mnt/flocker")
	return loop, reporter
}

func TestComputePlanCreatesAttachesAndMountsDesiredDataset(t *testing.T) {
	loop, _ := newTestLoop()
	loop.desired = types.Configuration{
		Nodes: map[string]types.Node{
			"node-1": {
				UUID: "node-1",
				Manifestations: map[string]types.Manifestation{
					"ds-1": {Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true},
				},
			},
		},
	}

	plan := loop.computePlan()

	require.Len(t, plan, 3)
	assert.Equal(t, types.ActionCreate, plan[0].Kind)
	assert.Equal(t, types.ActionAttach, plan[1].Kind)
	assert.Equal(t, types.ActionMount, plan[2].Kind)
}

func TestComputePlanUnmountsNoLongerDesiredDataset(t *testing.T) {
	loop, _ := newTestLoop()
	loop.currentManifests["ds-1"] = types.Manifestation{Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true}

	plan := loop.computePlan()

	require.Len(t, plan, 2)
	assert.Equal(t, types.ActionUnmount, plan[0].Kind)
	assert.Equal(t, types.ActionDetach, plan[1].Kind)
}

func TestComputePlanDoesNotSkipDetachForLeaseHeldElsewhere(t *testing.T) {
	loop, _ := newTestLoop()
	loop.currentManifests["ds-1"] = types.Manifestation{Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true}
	future := time.Now().Add(time.Hour)
	loop.desired = types.Configuration{
		Leases: map[string]types.Lease{
			"ds-1": {DatasetID: "ds-1", NodeUUID: "node-2", Expiration: &future},
		},
	}

	plan := loop.computePlan()

	require.Len(t, plan, 2)
	assert.Equal(t, types.ActionUnmount, plan[0].Kind)
	assert.Equal(t, types.ActionDetach, plan[1].Kind)
}

func TestComputePlanSkipsDetachForLeaseNamingThisNode(t *testing.T) {
	loop, _ := newTestLoop()
	loop.currentManifests["ds-1"] = types.Manifestation{Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true}
	future := time.Now().Add(time.Hour)
	loop.desired = types.Configuration{
		Leases: map[string]types.Lease{
			"ds-1": {DatasetID: "ds-1", NodeUUID: "node-1", Expiration: &future},
		},
	}

	plan := loop.computePlan()
	assert.Empty(t, plan)
}

func TestComputePlanSkipsAttachForLeaseHeldElsewhere(t *testing.T) {
	loop, _ := newTestLoop()
	future := time.Now().Add(time.Hour)
	loop.desired = types.Configuration{
		Nodes: map[string]types.Node{
			"node-1": {
				UUID: "node-1",
				Manifestations: map[string]types.Manifestation{
					"ds-1": {Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true},
				},
			},
		},
		Leases: map[string]types.Lease{
			"ds-1": {DatasetID: "ds-1", NodeUUID: "node-2", Expiration: &future},
		},
	}

	plan := loop.computePlan()
	assert.Empty(t, plan)
}

func TestComputePlanDestroysDeletedNonmanifestDataset(t *testing.T) {
	loop, _ := newTestLoop()
	loop.observed = types.ClusterState{
		NonmanifestDatasets: map[string]types.Dataset{
			"ds-1": {DatasetID: "ds-1", Deleted: true},
		},
	}

	plan := loop.computePlan()
	require.Len(t, plan, 1)
	assert.Equal(t, types.ActionDestroy, plan[0].Kind)
}

func TestReceiveTakesLatestClusterStatusUpdate(t *testing.T) {
	loop, reporter := newTestLoop()

	update := types.ClusterStatusUpdate{
		DesiredConfiguration: types.Configuration{Tag: "tag-1"},
	}
	payload, err := json.Marshal(update)
	require.NoError(t, err)
	reporter.mailbox.Put(protocol.Envelope{Type: protocol.MessageClusterStatusUpdate, Payload: payload})

	loop.receive()
	assert.Equal(t, "tag-1", loop.desired.Tag)
}

func TestReportSendsCompleteSnapshot(t *testing.T) {
	loop, reporter := newTestLoop()
	loop.currentManifests["ds-1"] = types.Manifestation{Dataset: types.Dataset{DatasetID: "ds-1"}, Primary: true}

	loop.report()

	require.Len(t, reporter.sent, 1)
	assert.Equal(t, protocol.MessageNodeStateReport, reporter.sent[0])
}
