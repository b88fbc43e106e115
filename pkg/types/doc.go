/*
Package types holds the shared value model for the convergence core:
datasets, manifestations, nodes, configuration, leases, cluster state,
and eras.

Every type is a flat, JSON-tagged value object. There are no setters or
embedded mutexes; a change is made by constructing a new value and
replacing the corresponding entry in the owning map (a Configuration's
Nodes, a ClusterState's Nodes), never by mutating a value in place.

# Core Types

Desired state:

  - Dataset: a logical persistent storage unit, identified by a
    cluster-unique dataset_id
  - Manifestation: a dataset's presence on one node; exactly one
    manifestation per dataset is primary at a time
  - Configuration: the full desired cluster state plus a Tag used for
    optimistic concurrency control on every write
  - Lease: a time-bounded promise that a dataset will not move off a node

Observed state:

  - Node: one agent's local view of its own manifestations, mount
    paths, and backing devices
  - NodeStateReport: the full snapshot an agent sends upstream each
    convergence iteration
  - ClusterState: the control service's merge of the latest report from
    every connected agent, rebuilt from scratch on restart
  - Era: minted fresh on every agent process start, so a control service
    or peer agent can detect a reboot even though node_uuid is unchanged

Backend-facing:

  - BlockDeviceVolume: a backend's view of one block storage volume
  - Profile: the optional storage tiers create_volume_with_profile
    accepts
  - Action / ActionResult: one computed convergence step and its outcome

# Usage

	cfg := types.Configuration{
		Nodes: map[string]types.Node{
			nodeUUID: {
				UUID: nodeUUID,
				Manifestations: map[string]types.Manifestation{
					datasetID: {
						Dataset: types.Dataset{DatasetID: datasetID, Metadata: map[string]string{"name": "postgres-data"}},
						Primary: true,
					},
				},
			},
		},
	}

# Thread Safety

Values in this package carry no internal synchronization. Readers may
share an immutable value freely across goroutines; anything that holds
a mutable map of these values (configstore, control) is responsible for
its own locking.
*/
package types
