/*
Package runner executes tasks created by the launcher.

A fixed pool of workers takes task ids from a queue. Each task runs its jobs
in order: the job directory receives config.json and inventory.json, a child
process runs the playbook or script, and its exit code decides the job
status. Exit code 0 is success, SIGTERM is aborted and anything else failed.
A failed job stops the task; an aborted job only stops it when it is the
last one or the whole task was cancelled.

When the last job ends the task releases its lock and applies the on_success
or on_fail state of its action. Tasks launched with restore_on_fail put back
the host-component map captured at launch when they do not succeed.

	r := runner.New(mgr, runner.ConfigFrom(cfg), nil)
	if _, err := r.Recover(ctx); err != nil {
		return err
	}
	r.Start(ctx)
	defer r.Stop()
*/
package runner
