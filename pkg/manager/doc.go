/*
Package manager implements the object topology of the ADCM control plane.

The manager owns the persistent store and is the only writer of clusters,
services, components, providers, hosts, their configs, host groups, binds
and the host-component map. Every mutating operation runs in a single bbolt
write transaction that also recomputes the concerns the mutation affects, so
readers never observe a topology whose concerns are stale.

# Architecture

	┌──────────────────────── adcm serve ────────────────────────┐
	│                                                             │
	│  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐    │
	│  │  gRPC API    │   │   Gateway    │   │   Runner     │    │
	│  └──────┬───────┘   └──────┬───────┘   └──────┬───────┘    │
	│         │    WithTask(ctx) │                  │            │
	│  ┌──────▼──────────────────▼──────────────────▼───────┐    │
	│  │                     Manager                         │    │
	│  │  Update(ctx, op, fn(tx, batch))  View(ctx, fn(tx))  │    │
	│  └──────┬──────────────────┬──────────────────┬───────┘    │
	│         │                  │                  │            │
	│  ┌──────▼───────┐   ┌──────▼───────┐   ┌──────▼───────┐    │
	│  │ BoltStore    │   │ concern      │   │ events       │    │
	│  │ (one tx)     │   │ Engine       │   │ Broker       │    │
	│  └──────────────┘   └──────────────┘   └──────────────┘    │
	└─────────────────────────────────────────────────────────────┘

# Transactions and Events

Operations buffer their events in an events.Batch while the transaction is
open. The batch is flushed to the broker only after a successful commit; a
failed operation publishes nothing and leaves no partial state behind.

# Locks

A running task locks its target and everything the target's concerns
propagate to. Mutations of a locked object are refused with LOCK_ERROR
unless ctx carries the locking task (see WithTask), which is how the plugin
gateway lets a task change the objects it runs against.

# Usage

	mgr, err := manager.NewManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	b, err := mgr.LoadBundle(ctx, "./bundles/hadoop")
	cluster, err := mgr.AddCluster(ctx, protoID, "prod", "")
	svc, err := mgr.AddService(ctx, cluster.ID, hdfsProtoID)
	_, err = mgr.SetHostComponent(ctx, cluster.ID, entries)
*/
package manager
