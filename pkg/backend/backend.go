// Package backend defines the pluggable Backend Interface (§4.1) that
// the convergence engine drives, plus an explicit enumerated registry of
// named backend factories.
//
// The teacher's pkg/volume/local.go keys drivers by a runtime string
// looked up from a map (VolumeManager.GetDriver) with module names read
// straight out of YAML — the duck-typed plugin loading §9 flags for
// replacement. Here, every backend name must be registered at init()
// time by the package that implements it; an unknown name is rejected at
// startup, never at first use.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clusterhq/flocker/pkg/types"
)

// BlockDeviceAPI is the interface the convergence engine needs from a
// block-storage backend. Every method is synchronous; implementations
// may block. All operations are required to be best-effort idempotent:
// repeating a completed operation must yield a no-op success, or an
// AlreadyAttached/VolumeInUse the engine treats as success against the
// same target.
type BlockDeviceAPI interface {
	// AllocationUnit returns the minimum size granularity this backend
	// supports.
	AllocationUnit() int64

	// ComputeInstanceID returns the backend-specific identity of the
	// caller's host — not the OS hostname.
	ComputeInstanceID(ctx context.Context) (string, error)

	// CreateVolume creates an unattached volume for datasetID, sized at
	// least size (the backend may round up). blockdevice_id<->dataset_id
	// is a persistent 1:1 mapping: calling this again for a dataset that
	// already has a volume MUST return the existing volume rather than
	// creating a second one.
	CreateVolume(ctx context.Context, datasetID string, size int64) (types.BlockDeviceVolume, error)

	// DestroyVolume destroys the named volume. Returns ErrUnknownVolume
	// or ErrVolumeInUse.
	DestroyVolume(ctx context.Context, blockDeviceID string) error

	// AttachVolume attaches blockDeviceID to instanceID. Returns
	// ErrAlreadyAttached if attached elsewhere.
	AttachVolume(ctx context.Context, blockDeviceID, instanceID string) (types.BlockDeviceVolume, error)

	// DetachVolume detaches blockDeviceID from whatever instance holds
	// it. Returns ErrUnattachedVolume if not attached.
	DetachVolume(ctx context.Context, blockDeviceID string) error

	// ListVolumes returns every volume this backend created on behalf of
	// this cluster. Cluster identification (e.g. via tagging) is the
	// backend's own responsibility.
	ListVolumes(ctx context.Context) ([]types.BlockDeviceVolume, error)

	// GetDevicePath returns the OS-visible block device for
	// blockDeviceID. Only valid while attached to the caller; must be
	// re-derived on every call, never cached by the caller.
	GetDevicePath(ctx context.Context, blockDeviceID string) (string, error)

	// MaxAttachedPerHost advertises this backend's limit on volumes
	// simultaneously attached to one host (§9 Open Question: the
	// original clamps at 21 for its cloud reference backend;
	// implementations may advertise a different limit).
	MaxAttachedPerHost() int
}

// ProfiledBlockDeviceAPI is the optional capability interface for
// backends that support storage-tier profiles. Callers probe for it via
// a type assertion, not attribute sniffing:
//
//	if p, ok := iface.(backend.ProfiledBlockDeviceAPI); ok { ... }
type ProfiledBlockDeviceAPI interface {
	BlockDeviceAPI
	CreateVolumeWithProfile(ctx context.Context, datasetID string, size int64, profile types.Profile) (types.BlockDeviceVolume, error)
}

// Sentinel errors every backend implementation should return (wrapped or
// bare) so the convergence loop can treat them as idempotent successes.
var (
	ErrUnknownVolume     = fmt.Errorf("unknown volume")
	ErrVolumeInUse       = fmt.Errorf("volume in use")
	ErrAlreadyAttached   = fmt.Errorf("volume already attached")
	ErrUnattachedVolume  = fmt.Errorf("volume not attached")
)

// DefaultCallTimeout bounds every backend call per §5; on timeout the
// convergence loop records a failure and continues.
const DefaultCallTimeout = 60 * time.Second

// Factory constructs a BlockDeviceAPI from backend-specific options,
// as read from the agent.yml `dataset:` stanza.
type Factory func(options map[string]interface{}) (BlockDeviceAPI, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a named backend factory to the registry. Intended to be
// called from the init() function of each backend's package
// (pkg/backend/ebs and any future backend), mirroring the way the
// teacher registers drivers but as a compile-time enumerated set rather
// than a runtime map built from dynamic imports.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("backend: factory already registered for %q", name))
	}
	registry[name] = factory
}

// New constructs the named backend. An unknown name is rejected here, at
// startup, rather than on first use.
func New(name string, options map[string]interface{}) (BlockDeviceAPI, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q", name)
	}
	return factory(options)
}

// Names returns every currently registered backend name, for diagnostics
// and for rejecting unknown names with a helpful message.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
