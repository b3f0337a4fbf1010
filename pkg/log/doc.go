/*
Package log provides structured logging for the ADCM control plane using zerolog.

The package holds a single global zerolog.Logger configured once by Init. Every
long-running component derives a child logger with WithComponent, and the task
runner further scopes its loggers with WithTaskID and WithJobID so that every
line emitted while a job runs can be correlated with the task record.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Console output (human readable, RFC3339 timestamps) is used when JSONOutput is
false. Output defaults to stdout.

# Usage

	logger := log.WithComponent("runner")
	logger.Info().Int64("task_id", task.ID).Msg("Task started")

	jobLog := log.WithJobID(task.ID, job.ID)
	jobLog.Warn().Int("exit_code", code).Msg("Job failed")

Playbook output is not written through this package: the runner streams child
stdout and stderr to per-job files in the task run directory.
*/
package log
