package concern

import (
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Lock attaches a LOCK concern owned by task to the lock scope of its target
// and to any extra objects (hosts a task is about to map, for instance).
// It fails with LOCK_ERROR when another task holds a lock on any of them.
func (e *Engine) Lock(tx storage.Tx, batch *events.Batch, task *types.Task, action *types.Action, extra ...types.ObjectRef) (*types.Concern, error) {
	scope, err := LockScope(tx, task.Target)
	if err != nil {
		return nil, err
	}
	set := refSet{}
	set.add(scope...)
	set.add(extra...)
	if task.Owner != task.Target {
		set.add(task.Owner)
	}
	related := set.sorted()

	locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock})
	if err != nil {
		return nil, err
	}
	for _, l := range locks {
		if l.TaskID == task.ID {
			continue
		}
		for _, ref := range related {
			if l.Covers(ref) {
				return nil, adcmerr.New(adcmerr.LockError, "%s is locked by task %d", ref, l.TaskID).About(ref)
			}
		}
	}

	c := &types.Concern{
		Type:     types.ConcernLock,
		Cause:    types.CauseJob,
		Owner:    types.Ref(types.ObjectTask, task.ID),
		Blocking: true,
		Reason:   lockMessage(tx, task.Target, action),
		Related:  related,
		TaskID:   task.ID,
	}
	if err := tx.CreateConcern(c); err != nil {
		return nil, err
	}
	emit(batch, c, "add")
	return c, nil
}

// Unlock deletes every LOCK concern owned by the task and returns the
// objects that were locked
func (e *Engine) Unlock(tx storage.Tx, batch *events.Batch, taskID int64) ([]types.ObjectRef, error) {
	locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock, TaskID: taskID})
	if err != nil {
		return nil, err
	}
	set := refSet{}
	for _, l := range locks {
		if err := tx.DeleteConcern(l.ID); err != nil {
			return nil, err
		}
		set.add(l.Related...)
		emit(batch, l, "delete")
	}
	return set.sorted(), nil
}

// Extend adds refs to the lock held by a task, so that objects a running
// task brings into its topology stay locked until it ends. A task without
// a lock is left alone.
func (e *Engine) Extend(tx storage.Tx, taskID int64, refs ...types.ObjectRef) error {
	locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock, TaskID: taskID})
	if err != nil || len(locks) == 0 {
		return err
	}
	for _, ref := range refs {
		if err := e.CheckUnlocked(tx, ref, taskID); err != nil {
			return err
		}
	}
	lock := locks[0]
	set := refSet{}
	set.add(lock.Related...)
	before := len(set)
	set.add(refs...)
	if len(set) == before {
		return nil
	}
	lock.Related = set.sorted()
	return tx.UpdateConcern(lock)
}

// Blocking returns the blocking concerns attached to ref
func (e *Engine) Blocking(tx storage.Tx, ref types.ObjectRef) ([]*types.Concern, error) {
	all, err := tx.ListConcerns(storage.ConcernFilter{Related: &ref})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(c *types.Concern) bool { return !c.Blocking }), nil
}

// LockOwner returns the task holding a lock on ref
func (e *Engine) LockOwner(tx storage.Tx, ref types.ObjectRef) (int64, bool, error) {
	locks, err := tx.ListConcerns(storage.ConcernFilter{Related: &ref, Type: types.ConcernLock})
	if err != nil || len(locks) == 0 {
		return 0, false, err
	}
	return locks[0].TaskID, true, nil
}

// CheckUnlocked fails with LOCK_ERROR when ref is locked by a task other
// than allowTask (0 allows none)
func (e *Engine) CheckUnlocked(tx storage.Tx, ref types.ObjectRef, allowTask int64) error {
	taskID, locked, err := e.LockOwner(tx, ref)
	if err != nil {
		return err
	}
	if locked && taskID != allowTask {
		return adcmerr.New(adcmerr.LockError, "%s is locked by task %d", ref, taskID).About(ref)
	}
	return nil
}

// Forget drops the concerns owned by a deleted object and detaches the
// object from every other concern
func (e *Engine) Forget(tx storage.Tx, batch *events.Batch, ref types.ObjectRef) error {
	owned, err := tx.ListConcerns(storage.ConcernFilter{Owner: &ref})
	if err != nil {
		return err
	}
	for _, c := range owned {
		if err := tx.DeleteConcern(c.ID); err != nil {
			return err
		}
		emit(batch, c, "delete")
	}
	attached, err := tx.ListConcerns(storage.ConcernFilter{Related: &ref})
	if err != nil {
		return err
	}
	for _, c := range attached {
		c.Related = slices.DeleteFunc(c.Related, func(r types.ObjectRef) bool { return r == ref })
		if err := tx.UpdateConcern(c); err != nil {
			return err
		}
	}
	return nil
}

// RaiseFlag attaches an advisory flag to ref; an existing flag of the same
// cause is kept
func (e *Engine) RaiseFlag(tx storage.Tx, batch *events.Batch, ref types.ObjectRef, cause types.ConcernCause, text string) error {
	existing, err := tx.ListConcerns(storage.ConcernFilter{Owner: &ref, Type: types.ConcernFlag, Cause: cause})
	if err != nil || len(existing) > 0 {
		return err
	}
	related, err := Related(tx, ref)
	if err != nil {
		return err
	}
	c := &types.Concern{
		Type:    types.ConcernFlag,
		Cause:   cause,
		Owner:   ref,
		Reason:  flagMessage(tx, ref, text),
		Related: related,
	}
	if err := tx.CreateConcern(c); err != nil {
		return err
	}
	emit(batch, c, "add")
	return nil
}

// ClearFlags removes the flags owned by ref
func (e *Engine) ClearFlags(tx storage.Tx, batch *events.Batch, ref types.ObjectRef) error {
	flags, err := tx.ListConcerns(storage.ConcernFilter{Owner: &ref, Type: types.ConcernFlag})
	if err != nil {
		return err
	}
	for _, c := range flags {
		if err := tx.DeleteConcern(c.ID); err != nil {
			return err
		}
		emit(batch, c, "delete")
	}
	return nil
}
