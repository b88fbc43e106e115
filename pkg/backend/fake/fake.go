// Package fake provides an in-memory BlockDeviceAPI used by convergence
// and control-service tests, analogous to the teacher's exercise of
// pkg/volume.LocalDriver as a lightweight stand-in for a real backend.
package fake

import (
	"context"
	"sync"

	"github.com/clusterhq/flocker/pkg/backend"
	"github.com/clusterhq/flocker/pkg/types"
)

func init() {
	backend.Register("fake", func(options map[string]interface{}) (backend.BlockDeviceAPI, error) {
		return New(), nil
	})
}

// Backend is a concurrency-safe, in-memory implementation of
// backend.BlockDeviceAPI; volumes never touch real storage.
type Backend struct {
	mu            sync.Mutex
	instanceID    string
	volumes       map[string]types.BlockDeviceVolume // keyed by blockdevice_id
	byDataset     map[string]string                  // dataset_id -> blockdevice_id
	devicePathFor map[string]string                   // blockdevice_id -> path while attached
}

// New constructs an empty fake backend.
func New() *Backend {
	return &Backend{
		instanceID:    "fake-instance-1",
		volumes:       map[string]types.BlockDeviceVolume{},
		byDataset:     map[string]string{},
		devicePathFor: map[string]string{},
	}
}

func (b *Backend) AllocationUnit() int64 { return 1024 * 1024 * 1024 }

func (b *Backend) ComputeInstanceID(ctx context.Context) (string, error) {
	return b.instanceID, nil
}

func (b *Backend) CreateVolume(ctx context.Context, datasetID string, size int64) (types.BlockDeviceVolume, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byDataset[datasetID]; ok {
		return b.volumes[id], nil // idempotent: existing volume wins
	}

	id := "vol-" + datasetID
	vol := types.BlockDeviceVolume{BlockDeviceID: id, Size: size, DatasetID: datasetID}
	b.volumes[id] = vol
	b.byDataset[datasetID] = id
	return vol, nil
}

func (b *Backend) DestroyVolume(ctx context.Context, blockDeviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	vol, ok := b.volumes[blockDeviceID]
	if !ok {
		return nil // idempotent no-op, matches backend.ErrUnknownVolume-as-success contract
	}
	if vol.AttachedTo != "" {
		return backend.ErrVolumeInUse
	}
	delete(b.volumes, blockDeviceID)
	delete(b.byDataset, vol.DatasetID)
	return nil
}

func (b *Backend) AttachVolume(ctx context.Context, blockDeviceID, instanceID string) (types.BlockDeviceVolume, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	vol, ok := b.volumes[blockDeviceID]
	if !ok {
		return types.BlockDeviceVolume{}, backend.ErrUnknownVolume
	}
	if vol.AttachedTo != "" && vol.AttachedTo != instanceID {
		return types.BlockDeviceVolume{}, backend.ErrAlreadyAttached
	}
	vol.AttachedTo = instanceID
	b.volumes[blockDeviceID] = vol
	b.devicePathFor[blockDeviceID] = "/dev/fake/" + blockDeviceID
	return vol, nil
}

func (b *Backend) DetachVolume(ctx context.Context, blockDeviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	vol, ok := b.volumes[blockDeviceID]
	if !ok {
		return backend.ErrUnknownVolume
	}
	if vol.AttachedTo == "" {
		return backend.ErrUnattachedVolume
	}
	vol.AttachedTo = ""
	b.volumes[blockDeviceID] = vol
	delete(b.devicePathFor, blockDeviceID)
	return nil
}

func (b *Backend) ListVolumes(ctx context.Context) ([]types.BlockDeviceVolume, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.BlockDeviceVolume, 0, len(b.volumes))
	for _, v := range b.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (b *Backend) GetDevicePath(ctx context.Context, blockDeviceID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.devicePathFor[blockDeviceID]
	if !ok {
		return "", backend.ErrUnattachedVolume
	}
	return path, nil
}

func (b *Backend) MaxAttachedPerHost() int { return 21 }
