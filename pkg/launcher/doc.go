/*
Package launcher turns action runs into tasks.

A run is validated and materialized in one write transaction: the target
must be free of blocking concerns and in a state the action's masking
allows, a new host-component map must satisfy the action's hc_acl rules,
and the run config must match the action's schema. The launcher then
creates the task with one job per script step, locks every object the task
acts on, applies the new map and hands the task to the runner queue.

	l := launcher.New(mgr, runner)
	task, err := l.Run(ctx, cluster.Ref(), deploy.ID, launcher.RunRequest{
		HostComponent: entries,
		RestoreOnFail: true,
	})
*/
package launcher
