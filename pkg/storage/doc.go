/*
Package storage provides BoltDB-backed persistence for the ADCM control plane.

The storage package defines the Store and Tx interfaces every other package
works against, and implements them with BoltDB. One Store.Update call is one
ACID transaction: a topology mutation, the concern recomputation it triggers
and the resulting task bookkeeping either all commit or all roll back.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  BoltStore  - File: <dataDir>/adcm.db                      │
	│      │                                                     │
	│      ├── View(fn)   read-only snapshot, concurrent         │
	│      └── Update(fn) serialized writer, rollback on error   │
	│                                                            │
	│  Buckets (key = big-endian int64 id, value = JSON)         │
	│    bundles, prototypes, actions, upgrades                  │
	│    clusters, services, components, providers, hosts        │
	│    hostcomponents  (key = cluster id, value = HC list)     │
	│    object_configs, config_logs, config_host_groups         │
	│    cluster_binds, tasks, jobs, concerns                    │
	│                                                            │
	│  Index buckets (key = natural key, value = id)             │
	│    idx_bundle_hash, idx_prototype, idx_cluster_name        │
	│    idx_provider_name, idx_host_fqdn                        │
	│    idx_concern_owner, idx_concern_related, idx_concern_task│
	└────────────────────────────────────────────────────────┘

Ids are allocated from each bucket's sequence, so they strictly increase.
That property backs the config log ordering (a restored config always gets a
newer id than the one it copies).

# Constraints

The repository enforces the unique constraints of the data model on create
and update, through index buckets written in the same transaction as the
record:

  - cluster name (CLUSTER_CONFLICT)
  - provider name (PROVIDER_CONFLICT)
  - host fqdn (HOST_CONFLICT)
  - host-component tuple within a cluster (INVALID_INPUT)
  - bundle hash (BUNDLE_CONFLICT)
  - prototype (bundle, type, parent, name) (BUNDLE_ERROR)
  - one issue or flag per (owner, cause)

The concern indexes also serve lookups by owner, related object and task.
Missing index buckets are rebuilt from the data on open; BoltStore.Reindex
rebuilds them on demand.

Lookups that miss return an adcmerr error with the matching *_NOT_FOUND code.

# Usage

	store, err := storage.NewBoltStore("/var/lib/adcm")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Update(func(tx storage.Tx) error {
		cluster := &types.Cluster{Name: "c1"}
		return tx.CreateCluster(cluster)
	})

Name and concern lookups go through the indexes. Other filters run in
memory after a bucket scan.
*/
package storage
