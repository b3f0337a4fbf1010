package runner

import (
	"context"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// finish releases the lock of a task, applies the state rules of its
// outcome and restores the host-component snapshot of a failed run
func (r *Runner) finish(taskID int64, status types.TaskStatus, failedJob *types.Job) error {
	return r.mgr.Update(context.Background(), "finish_task", func(tx storage.Tx, batch *events.Batch) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		action, err := tx.GetAction(task.ActionID)
		if err != nil {
			return err
		}
		locked, err := r.mgr.Engine().Unlock(tx, batch, task.ID)
		if err != nil {
			return err
		}
		logger := log.WithTaskID(taskID)

		switch status {
		case types.StatusSuccess:
			if task.UpgradeID == 0 && action.OnSuccess != nil {
				if err := manager.ApplyState(tx, batch, task.Target, action.OnSuccess); err != nil {
					return err
				}
			}
			if err := r.mgr.Engine().ClearFlags(tx, batch, task.Target); err != nil {
				return err
			}
		case types.StatusFailed:
			change := action.OnFail
			if failedJob != nil && failedJob.OnFail != nil {
				change = failedJob.OnFail
			}
			if change == nil || change.IsEmpty() {
				logger.Warn().Msg("Failed task has no on_fail state")
			} else if err := manager.ApplyState(tx, batch, task.Target, change); err != nil {
				return err
			}
		}

		refs := append(locked, task.Target)
		if status != types.StatusSuccess && task.RestoreOnFail && task.HCSnapshot != nil {
			restored, err := r.restoreHC(tx, batch, task)
			if err != nil {
				return err
			}
			refs = append(refs, restored...)
		}

		task.Status = status
		task.FinishAt = time.Now().UTC()
		if err := tx.UpdateTask(task); err != nil {
			return err
		}
		batch.Add(events.EventTaskStatus, types.Ref(types.ObjectTask, task.ID), map[string]any{"status": string(status)})
		return r.recompute(tx, batch, refs)
	})
}

// restoreHC puts back the map captured at launch, dropping entries whose
// host, service or component has gone since
func (r *Runner) restoreHC(tx storage.Tx, batch *events.Batch, task *types.Task) ([]types.ObjectRef, error) {
	target, err := storage.GetObject(tx, task.Target)
	if err != nil {
		return nil, err
	}
	clusterID := storage.ClusterOf(target)
	if clusterID == 0 {
		owner, err := storage.GetObject(tx, task.Owner)
		if err != nil {
			return nil, err
		}
		clusterID = storage.ClusterOf(owner)
	}
	if clusterID == 0 {
		return nil, nil
	}
	t, err := mapping.Load(tx, clusterID)
	if err != nil {
		return nil, err
	}
	var entries []types.HostComponent
	for _, e := range task.HCSnapshot {
		if _, ok := t.Hosts[e.HostID]; !ok {
			continue
		}
		if _, ok := t.Components[e.ComponentID]; !ok {
			continue
		}
		entries = append(entries, e)
	}
	logger := log.WithTaskID(task.ID)
	logger.Info().Int("entries", len(entries)).Msg("Restoring host-component map")
	if err := r.mgr.SaveHC(tx, batch, t, entries); err != nil {
		return nil, err
	}
	return []types.ObjectRef{t.Cluster.Ref()}, nil
}

// recompute refreshes concerns of the objects that still exist
func (r *Runner) recompute(tx storage.Tx, batch *events.Batch, refs []types.ObjectRef) error {
	var existing []types.ObjectRef
	for _, ref := range refs {
		switch ref.Type {
		case types.ObjectCluster, types.ObjectService, types.ObjectComponent, types.ObjectProvider, types.ObjectHost:
		default:
			continue
		}
		if _, err := storage.GetObject(tx, ref); err != nil {
			if adcmerr.IsNotFound(err) {
				continue
			}
			return err
		}
		existing = append(existing, ref)
	}
	if len(existing) == 0 {
		return nil
	}
	return r.mgr.Engine().Recompute(tx, batch, existing...)
}

// breakTask marks a task broken after a runner failure: its unfinished
// jobs become broken, its lock is released and state is left unchanged
func (r *Runner) breakTask(taskID int64, cause error) {
	logger := log.WithTaskID(taskID)
	err := r.mgr.Update(context.Background(), "break_task", func(tx storage.Tx, batch *events.Batch) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		jobs, err := tx.ListJobs(taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, j := range jobs {
			if j.Status.IsTerminal() {
				continue
			}
			j.Status = types.StatusBroken
			j.FinishAt = now
			if err := tx.UpdateJob(j); err != nil {
				return err
			}
			batch.Add(events.EventJobStatus, types.Ref(types.ObjectJob, j.ID), map[string]any{"status": string(j.Status), "task_id": taskID})
		}
		locked, err := r.mgr.Engine().Unlock(tx, batch, taskID)
		if err != nil {
			return err
		}
		task.Status = types.StatusBroken
		task.FinishAt = now
		if err := tx.UpdateTask(task); err != nil {
			return err
		}
		batch.Add(events.EventTaskStatus, types.Ref(types.ObjectTask, task.ID), map[string]any{
			"status": string(task.Status),
			"reason": cause.Error(),
		})
		return r.recompute(tx, batch, append(locked, task.Target))
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark task broken")
		return
	}
	metrics.TasksTotal.WithLabelValues(string(types.StatusBroken)).Inc()
	logger.Warn().Err(cause).Msg("Task broken")
}
