/*
Package concern keeps the concerns of the topology coherent.

A concern is attached to the objects it affects through its Related list:

	lock   held by a running task; blocks everything in the task's lock scope
	issue  a failed check of CONFIG, IMPORT, SERVICE, HOSTCOMPONENT or
	       REQUIREMENT; always blocking
	flag   advisory, for instance an outdated configuration

The Engine works inside the caller's transaction. Every mutation of the
topology calls Recompute for the objects it touched, so issues appear and
disappear in the same commit as the change that caused them:

	err := store.Update(func(tx storage.Tx) error {
		if err := tx.UpdateCluster(cluster); err != nil {
			return err
		}
		return engine.Recompute(tx, batch, cluster.Ref())
	})

Events describing added, updated and deleted concerns are collected in an
events.Batch and published by the caller after the commit.
*/
package concern
