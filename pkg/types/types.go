// Package types holds the shared, immutable value model for the
// distributed convergence core: datasets, manifestations, nodes,
// configuration, leases, cluster state, and eras. Every type here is a
// flat value object; mutation happens by constructing a new value and
// replacing an entry in the owning map, never by mutating in place.
package types

import "time"

// Dataset is a logical persistent storage unit. dataset_id is globally
// unique and assigned by whichever party first creates the configuration
// entry. Metadata is opaque to the core; by convention the key "name" is
// reserved for a user-visible identifier.
type Dataset struct {
	DatasetID   string            `json:"dataset_id"`
	MaximumSize int64             `json:"maximum_size,omitempty"` // bytes; zero means unspecified
	Metadata    map[string]string `json:"metadata"`
	Deleted     bool              `json:"deleted"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Name returns the dataset's metadata["name"], or "" if unset.
func (d Dataset) Name() string {
	return d.Metadata["name"]
}

// Manifestation is a dataset's presence on a particular node. Exactly one
// manifestation per dataset may be primary in the desired configuration.
type Manifestation struct {
	Dataset Dataset `json:"dataset"`
	Primary bool    `json:"primary"`
}

// Node is one agent's view of itself: the manifestations it currently
// holds, the filesystem paths they're mounted at, the backend device
// backing each, and (for observed state only) the set of applications
// using them. UUID is generated once per agent installation and
// persisted locally — it never changes across restarts.
type Node struct {
	UUID           string                   `json:"uuid"`
	Manifestations map[string]Manifestation `json:"manifestations"` // keyed by dataset_id
	Paths          map[string]string        `json:"paths"`          // dataset_id -> mount path
	Devices        map[string]string        `json:"devices"`        // dataset_id -> block device path
	Applications   map[string]struct{}      `json:"applications,omitempty"` // opaque set, observed state only
}

// Configuration is the durable, desired cluster state. Tag changes on
// every modification and is the core's sole concurrency-control
// primitive for conditional updates.
type Configuration struct {
	Version int              `json:"version"`
	Nodes   map[string]Node  `json:"nodes"`  // keyed by node_uuid, desired manifestations/paths
	Leases  map[string]Lease `json:"leases"` // keyed by dataset_id
	Tag     string           `json:"tag"`
}

// Lease is a promise that the named dataset will not be moved off the
// named node until the lease expires or is released.
type Lease struct {
	DatasetID  string     `json:"dataset_id"`
	NodeUUID   string     `json:"node_uuid"`
	Expiration *time.Time `json:"expiration,omitempty"` // nil means no expiration
}

// Expired reports whether the lease has passed its expiration as of now.
func (l Lease) Expired(now time.Time) bool {
	return l.Expiration != nil && now.After(*l.Expiration)
}

// ClusterState is the union of the most recent reports from all
// connected agents. It is never persisted — it is rebuilt entirely from
// agent reports after a control-service restart.
type ClusterState struct {
	Nodes               map[string]Node    `json:"nodes"`                // keyed by node_uuid, observed manifestations/paths
	NonmanifestDatasets map[string]Dataset `json:"nonmanifest_datasets"` // datasets known to exist but not mounted anywhere
}

// Era is minted fresh on every agent process start; external observers
// use it to detect that an agent has rebooted even though its node_uuid
// is unchanged.
type Era struct {
	NodeUUID string `json:"node_uuid"`
	EraUUID  string `json:"era_uuid"`
}

// NodeStateReport is the complete snapshot an agent sends upstream on
// every convergence iteration. It always replaces, never patches, the
// prior state held for this node in ClusterState.
type NodeStateReport struct {
	Era            Era                      `json:"era"`
	NodeUUID       string                   `json:"node_uuid"`
	Manifestations map[string]Manifestation `json:"manifestations"`
	Paths          map[string]string        `json:"paths"`
	Devices        map[string]string        `json:"devices"`
	Nonmanifest    map[string]Dataset       `json:"nonmanifest,omitempty"`
}

// ClusterStatusUpdate is pushed from control to every connected agent
// whenever desired configuration or observed cluster state changes.
type ClusterStatusUpdate struct {
	DesiredConfiguration Configuration `json:"desired_configuration"`
	ObservedClusterState ClusterState  `json:"observed_cluster_state"`
}

// BlockDeviceVolume is a backend's view of a single block-storage volume.
type BlockDeviceVolume struct {
	BlockDeviceID string `json:"blockdevice_id"`
	Size          int64  `json:"size"`
	DatasetID     string `json:"dataset_id"`
	AttachedTo    string `json:"attached_to,omitempty"` // instance_id, empty if unattached
}

// Profile enumerates the optional create_volume_with_profile tiers a
// backend may support.
type Profile string

const (
	ProfileGold   Profile = "gold"
	ProfileSilver Profile = "silver"
	ProfileBronze Profile = "bronze"
)

// ActionKind enumerates the convergence-loop actions computed each
// iteration; explicit result types replace exception-driven control flow
// for every attempted action.
type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionAttach  ActionKind = "attach"
	ActionDetach  ActionKind = "detach"
	ActionDestroy ActionKind = "destroy"
	ActionMount   ActionKind = "mount"
	ActionUnmount ActionKind = "unmount"
)

// Action is one step of a computed action plan for a single dataset.
type Action struct {
	Kind      ActionKind
	DatasetID string
}

// ActionResult records the outcome of executing one Action. Err is nil on
// success; a non-nil Err increments the per-dataset failure counter and
// is never fatal to the convergence loop.
type ActionResult struct {
	Action Action
	Err    error
}
