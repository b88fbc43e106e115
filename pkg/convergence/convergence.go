// Package convergence implements the Convergence Loop (§4.6): the
// per-agent heart of the system. It is strictly single-threaded
// cooperative — no two iterations overlap — and runs discover, report,
// receive, compute, execute, sleep every period, driving a
// backend.BlockDeviceAPI and mounting/unmounting local filesystems to
// bring this node's manifestations in line with desired configuration.
//
// Grounded on the teacher's pkg/reconciler/reconciler.go for the
// ticker-plus-single-pass-method shape (reconcile() called once per
// tick, errors logged and never fatal to the loop), generalized from
// container reconciliation to dataset convergence, and on
// pkg/worker/worker.go's heartbeatLoop/containerExecutorLoop split for
// the discover/report/execute staging.
package convergence

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterhq/flocker/pkg/backend"
	"github.com/clusterhq/flocker/pkg/flockerrors"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/types"
)

// period is the target interval between convergence iterations, per §4.6.
const period = 5 * time.Second

// Reporter is the subset of an agent connection the loop needs: send a
// state report, and receive (non-blocking) the latest cluster status.
type Reporter interface {
	Send(msgType protocol.MessageType, payload interface{}) error
	Mailbox() *protocol.Mailbox[protocol.Envelope]
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// Loop is one agent's convergence loop: single-threaded, cooperative,
// driven by a single backend and a single era for the process lifetime.
type Loop struct {
	nodeUUID string
	era      types.Era
	be       backend.BlockDeviceAPI
	conn     Reporter
	log      zerolog.Logger

	mountRoot string

	mu                sync.Mutex
	desired           types.Configuration
	observed          types.ClusterState
	failureCounts     map[string]int // dataset_id -> consecutive failures
	currentManifests  map[string]types.Manifestation
	currentPaths      map[string]string
	currentDevices    map[string]string
}

// New constructs a convergence loop for one agent process.
func New(nodeUUID string, era types.Era, be backend.BlockDeviceAPI, conn Reporter, mountRoot string) *Loop {
	return &Loop{
		nodeUUID:         nodeUUID,
		era:              era,
		be:               be,
		conn:             conn,
		log:              log.WithNodeID(nodeUUID),
		mountRoot:        mountRoot,
		failureCounts:    map[string]int{},
		currentManifests: map[string]types.Manifestation{},
		currentPaths:     map[string]string{},
		currentDevices:   map[string]string{},
	}
}

// Run executes iterations every period until ctx is cancelled,
// finishing whatever iteration is in progress before returning —
// suspension points are only backend calls, mount/unmount syscalls, and
// the inter-iteration sleep, per §5.
func (l *Loop) Run(ctx context.Context) {
	for {
		start := time.Now()
		l.runOnce(ctx)
		metrics.ConvergenceCyclesTotal.Inc()
		metrics.ConvergenceCycleDuration.Observe(time.Since(start).Seconds())

		remaining := period - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		if !l.sleepOrWake(ctx, remaining) {
			return
		}
	}
}

// sleepOrWake sleeps up to d, waking early if ctx is cancelled or a new
// ClusterStatusUpdate is already sitting in the mailbox — per §4.6 step
// 6, "sleep up to T, or wake early on the next ClusterStatusUpdate."
func (l *Loop) sleepOrWake(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-poll.C:
			if _, ok := l.conn.Mailbox().Peek(); ok {
				return true
			}
		}
	}
}

// runOnce performs one discover→report→receive→compute→execute pass.
func (l *Loop) runOnce(ctx context.Context) {
	if err := l.discover(ctx); err != nil {
		l.log.Warn().Err(err).Msg("discovery failed, reporting last-known state")
	}

	l.report()
	l.receive()

	plan := l.computePlan()
	l.execute(ctx, plan)
}

// discover queries the backend for this node's actual attached volumes
// and device paths, never trusting a cached path across iterations, per
// the "device-path mismatch after reboot" edge case in §4.6.
func (l *Loop) discover(ctx context.Context) error {
	instanceID, err := l.be.ComputeInstanceID(ctx)
	if err != nil {
		return flockerrors.TransientBackend("discover", "compute_instance_id failed", err)
	}

	volumes, err := l.be.ListVolumes(ctx)
	if err != nil {
		return flockerrors.TransientBackend("discover", "list_volumes failed", err)
	}

	devices := map[string]string{}
	for _, v := range volumes {
		if v.AttachedTo != instanceID {
			continue
		}
		path, err := l.be.GetDevicePath(ctx, v.BlockDeviceID)
		if err != nil {
			l.log.Warn().Err(err).Str("dataset_id", v.DatasetID).Msg("get_device_path failed")
			continue
		}
		devices[v.DatasetID] = path
	}

	l.mu.Lock()
	l.currentDevices = devices
	l.mu.Unlock()
	return nil
}

// report sends a complete NodeStateReport upstream; the message REPLACES
// the control service's prior view of this node, never patches it.
func (l *Loop) report() {
	l.mu.Lock()
	report := types.NodeStateReport{
		Era:            l.era,
		NodeUUID:       l.nodeUUID,
		Manifestations: copyManifestations(l.currentManifests),
		Paths:          copyStrings(l.currentPaths),
		Devices:        copyStrings(l.currentDevices),
	}
	l.mu.Unlock()

	if err := l.conn.Send(protocol.MessageNodeStateReport, report); err != nil {
		l.log.Warn().Err(err).Msg("failed to send node state report")
	}
}

// receive takes the latest ClusterStatusUpdate sitting in the mailbox,
// if any, discarding anything older — last value wins.
func (l *Loop) receive() {
	env, ok := l.conn.Mailbox().Take()
	if !ok || env.Type != protocol.MessageClusterStatusUpdate {
		return
	}

	var update types.ClusterStatusUpdate
	if err := unmarshalPayload(env.Payload, &update); err != nil {
		l.log.Warn().Err(err).Msg("failed to decode cluster status update")
		return
	}

	l.mu.Lock()
	l.desired = update.DesiredConfiguration
	l.observed = update.ObservedClusterState
	l.mu.Unlock()
}

// computePlan derives an ordered action list per §4.6 step 4: attach
// what's desired-but-missing locally, detach/unmount what's no longer
// desired here, and destroy datasets marked deleted with no
// manifestations anywhere.
func (l *Loop) computePlan() []types.Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	desiredNode, hasDesired := l.desired.Nodes[l.nodeUUID]
	var plan []types.Action

	if hasDesired {
		attachCap := l.be.MaxAttachedPerHost()
		attached := len(l.currentManifests)
		for datasetID, m := range desiredNode.Manifestations {
			if !m.Primary {
				continue
			}
			if _, present := l.currentManifests[datasetID]; present {
				continue
			}
			if l.leaseBlocksAttachLocked(datasetID) {
				continue
			}
			if attachCap > 0 && attached >= attachCap {
				l.log.Warn().Str("dataset_id", datasetID).Int("limit", attachCap).
					Msg("skipping attach, host is at MaxAttachedPerHost")
				continue
			}
			if _, exists := l.currentDevices[datasetID]; !exists {
				plan = append(plan, types.Action{Kind: types.ActionCreate, DatasetID: datasetID})
			}
			plan = append(plan, types.Action{Kind: types.ActionAttach, DatasetID: datasetID})
			plan = append(plan, types.Action{Kind: types.ActionMount, DatasetID: datasetID})
			attached++
		}
	}

	for datasetID := range l.currentManifests {
		stillDesired := hasDesired
		if stillDesired {
			m, ok := desiredNode.Manifestations[datasetID]
			stillDesired = ok && m.Primary
		}
		if stillDesired {
			continue
		}
		if l.leaseBlocksDetachLocked(datasetID) {
			continue
		}
		plan = append(plan, types.Action{Kind: types.ActionUnmount, DatasetID: datasetID})
		plan = append(plan, types.Action{Kind: types.ActionDetach, DatasetID: datasetID})
	}

	for datasetID, ds := range l.observed.NonmanifestDatasets {
		if !ds.Deleted {
			continue
		}
		if l.leaseBlocksDetachLocked(datasetID) {
			continue
		}
		plan = append(plan, types.Action{Kind: types.ActionDestroy, DatasetID: datasetID})
	}

	return plan
}

// leaseBlocksAttachLocked reports whether an unexpired lease pins
// datasetID to a different node, forbidding this node from creating,
// attaching, or mounting it. Caller holds l.mu.
func (l *Loop) leaseBlocksAttachLocked(datasetID string) bool {
	lease, ok := l.desired.Leases[datasetID]
	if !ok {
		return false
	}
	if lease.Expired(time.Now()) {
		return false
	}
	return lease.NodeUUID != l.nodeUUID
}

// leaseBlocksDetachLocked reports whether an unexpired lease forbids
// unmounting, detaching, or destroying datasetID on this node, per
// invariant 4 ("never detach or destroy a dataset under an unexpired
// lease that names this node"). Caller holds l.mu.
func (l *Loop) leaseBlocksDetachLocked(datasetID string) bool {
	lease, ok := l.desired.Leases[datasetID]
	if !ok {
		return false
	}
	if lease.Expired(time.Now()) {
		return false
	}
	return lease.NodeUUID == l.nodeUUID
}

// execute runs the plan serially; any action's failure is logged,
// increments that dataset's failure counter, and does not abort the
// remaining plan — no action is fatal to the loop.
func (l *Loop) execute(ctx context.Context, plan []types.Action) {
	for _, action := range plan {
		callCtx, cancel := context.WithTimeout(ctx, backend.DefaultCallTimeout)
		err := l.executeOne(callCtx, action)
		cancel()

		result := types.ActionResult{Action: action, Err: err}
		l.recordResult(result)
	}
}

func (l *Loop) executeOne(ctx context.Context, action types.Action) error {
	switch action.Kind {
	case types.ActionCreate:
		return l.doCreate(ctx, action.DatasetID)
	case types.ActionAttach:
		return l.doAttach(ctx, action.DatasetID)
	case types.ActionMount:
		return l.doMount(ctx, action.DatasetID)
	case types.ActionUnmount:
		return l.doUnmount(ctx, action.DatasetID)
	case types.ActionDetach:
		return l.doDetach(ctx, action.DatasetID)
	case types.ActionDestroy:
		return l.doDestroy(ctx, action.DatasetID)
	default:
		return flockerrors.Validation("execute", "unknown action kind", nil)
	}
}

func (l *Loop) recordResult(result types.ActionResult) {
	datasetID := result.Action.DatasetID
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, string(result.Action.Kind))

	l.mu.Lock()
	defer l.mu.Unlock()

	if result.Err == nil {
		l.failureCounts[datasetID] = 0
		l.applySuccessLocked(result.Action)
		return
	}

	l.failureCounts[datasetID]++
	metrics.DatasetFailureCount.WithLabelValues(datasetID).Set(float64(l.failureCounts[datasetID]))

	category, _ := flockerrors.CategoryOf(result.Err)
	metrics.BackendErrorsTotal.WithLabelValues(string(result.Action.Kind), string(category)).Inc()
	l.log.Warn().Err(result.Err).Str("dataset_id", datasetID).
		Str("action", string(result.Action.Kind)).Int("consecutive_failures", l.failureCounts[datasetID]).
		Msg("convergence action failed, will retry next iteration")
}

// applySuccessLocked updates the in-memory observed-local state after a
// successful action, so the next iteration's discover/compute see it
// without waiting on a backend round-trip. Caller holds l.mu.
func (l *Loop) applySuccessLocked(action types.Action) {
	switch action.Kind {
	case types.ActionMount:
		l.currentPaths[action.DatasetID] = l.mountPath(action.DatasetID)
		if ds, ok := l.observed.NonmanifestDatasets[action.DatasetID]; ok {
			l.currentManifests[action.DatasetID] = types.Manifestation{Dataset: ds, Primary: true}
		} else {
			l.currentManifests[action.DatasetID] = types.Manifestation{
				Dataset: types.Dataset{DatasetID: action.DatasetID}, Primary: true,
			}
		}
	case types.ActionUnmount:
		delete(l.currentPaths, action.DatasetID)
		delete(l.currentManifests, action.DatasetID)
	case types.ActionDetach:
		delete(l.currentDevices, action.DatasetID)
	case types.ActionDestroy:
		delete(l.currentDevices, action.DatasetID)
		delete(l.currentManifests, action.DatasetID)
	}
}

func (l *Loop) mountPath(datasetID string) string {
	return l.mountRoot + "/" + datasetID
}

func (l *Loop) doCreate(ctx context.Context, datasetID string) error {
	l.mu.Lock()
	size := l.desiredSizeLocked(datasetID)
	l.mu.Unlock()

	_, err := l.be.CreateVolume(ctx, datasetID, size)
	if err != nil {
		return flockerrors.TransientBackend("create_volume", datasetID, err)
	}
	return nil
}

func (l *Loop) desiredSizeLocked(datasetID string) int64 {
	for _, node := range l.desired.Nodes {
		if m, ok := node.Manifestations[datasetID]; ok {
			if m.Dataset.MaximumSize > 0 {
				return m.Dataset.MaximumSize
			}
		}
	}
	return l.be.AllocationUnit()
}

func (l *Loop) doAttach(ctx context.Context, datasetID string) error {
	volumes, err := l.be.ListVolumes(ctx)
	if err != nil {
		return flockerrors.TransientBackend("attach_volume", datasetID, err)
	}

	var blockDeviceID string
	for _, v := range volumes {
		if v.DatasetID == datasetID {
			blockDeviceID = v.BlockDeviceID
			break
		}
	}
	if blockDeviceID == "" {
		return flockerrors.TransientBackend("attach_volume", datasetID, backend.ErrUnknownVolume)
	}

	instanceID, err := l.be.ComputeInstanceID(ctx)
	if err != nil {
		return flockerrors.TransientBackend("attach_volume", datasetID, err)
	}

	if _, err := l.be.AttachVolume(ctx, blockDeviceID, instanceID); err != nil {
		if err == backend.ErrAlreadyAttached {
			// Treated as success against the same target; the losing
			// agent in a two-primary race will observe this below.
			return nil
		}
		return flockerrors.TransientBackend("attach_volume", datasetID, err)
	}
	return nil
}

// doMount ensures a filesystem exists on the device backing datasetID
// and mounts it at the canonical path, re-deriving the device path from
// the backend rather than trusting a cached value.
func (l *Loop) doMount(ctx context.Context, datasetID string) error {
	volumes, err := l.be.ListVolumes(ctx)
	if err != nil {
		return flockerrors.TransientBackend("mount", datasetID, err)
	}
	var blockDeviceID string
	for _, v := range volumes {
		if v.DatasetID == datasetID {
			blockDeviceID = v.BlockDeviceID
		}
	}
	if blockDeviceID == "" {
		return flockerrors.PermanentBackend("mount", datasetID, backend.ErrUnknownVolume)
	}

	devicePath, err := l.be.GetDevicePath(ctx, blockDeviceID)
	if err != nil {
		return flockerrors.TransientBackend("mount", datasetID, err)
	}

	mountPoint := l.mountPath(datasetID)
	if err := ensureFilesystem(ctx, devicePath); err != nil {
		return flockerrors.PermanentBackend("mount", datasetID, err)
	}
	if err := mount(ctx, devicePath, mountPoint); err != nil {
		return flockerrors.TransientBackend("mount", datasetID, err)
	}
	return nil
}

func (l *Loop) doUnmount(ctx context.Context, datasetID string) error {
	mountPoint := l.mountPath(datasetID)
	if err := unmount(ctx, mountPoint); err != nil {
		return flockerrors.TransientBackend("unmount", datasetID, err)
	}
	return nil
}

func (l *Loop) doDetach(ctx context.Context, datasetID string) error {
	l.mu.Lock()
	_, attached := l.currentDevices[datasetID]
	l.mu.Unlock()
	if !attached {
		return nil // already detached, observed on next discover
	}

	volumes, err := l.be.ListVolumes(ctx)
	if err != nil {
		return flockerrors.TransientBackend("detach_volume", datasetID, err)
	}
	var blockDeviceID string
	for _, v := range volumes {
		if v.DatasetID == datasetID {
			blockDeviceID = v.BlockDeviceID
			break
		}
	}
	if blockDeviceID == "" {
		return nil
	}

	if err := l.be.DetachVolume(ctx, blockDeviceID); err != nil {
		if err == backend.ErrUnattachedVolume {
			return nil
		}
		return flockerrors.TransientBackend("detach_volume", datasetID, err)
	}
	return nil
}

func (l *Loop) doDestroy(ctx context.Context, datasetID string) error {
	volumes, err := l.be.ListVolumes(ctx)
	if err != nil {
		return flockerrors.TransientBackend("destroy_volume", datasetID, err)
	}
	for _, v := range volumes {
		if v.DatasetID != datasetID {
			continue
		}
		if err := l.be.DestroyVolume(ctx, v.BlockDeviceID); err != nil {
			if err == backend.ErrUnknownVolume {
				return nil
			}
			return flockerrors.TransientBackend("destroy_volume", datasetID, err)
		}
	}
	return nil
}

// ensureFilesystem creates a filesystem on devicePath only if it carries
// no recognizable signature already — never format a non-empty device,
// per §4.2.
func ensureFilesystem(ctx context.Context, devicePath string) error {
	probe := exec.CommandContext(ctx, "blkid", devicePath)
	if err := probe.Run(); err == nil {
		return nil // a signature was found; device already has a filesystem
	}
	return exec.CommandContext(ctx, "mkfs.ext4", "-q", devicePath).Run()
}

func mount(ctx context.Context, devicePath, mountPoint string) error {
	if err := exec.CommandContext(ctx, "mkdir", "-p", mountPoint).Run(); err != nil {
		return err
	}
	return exec.CommandContext(ctx, "mount", devicePath, mountPoint).Run()
}

func unmount(ctx context.Context, mountPoint string) error {
	return exec.CommandContext(ctx, "umount", mountPoint).Run()
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyManifestations(m map[string]types.Manifestation) map[string]types.Manifestation {
	out := make(map[string]types.Manifestation, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
