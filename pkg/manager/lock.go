package manager

import (
	"context"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

type taskKey struct{}

// WithTask marks ctx as acting on behalf of a running task. Objects locked
// by that task may then be changed; everything else stays refused.
func WithTask(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskFrom returns the task ctx acts for, or 0
func TaskFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(taskKey{}).(int64)
	return id
}

// checkUnlocked refuses to touch objects locked by a task other than the
// one ctx acts for
func (m *Manager) checkUnlocked(ctx context.Context, tx storage.Tx, refs ...types.ObjectRef) error {
	allow := TaskFrom(ctx)
	for _, ref := range refs {
		if ref.ID == 0 {
			continue
		}
		if err := m.engine.CheckUnlocked(tx, ref, allow); err != nil {
			return err
		}
	}
	return nil
}

// checkOwnsLock requires the task of ctx to hold the lock covering ref
func (m *Manager) checkOwnsLock(ctx context.Context, tx storage.Tx, ref types.ObjectRef) error {
	taskID := TaskFrom(ctx)
	owner, locked, err := m.engine.LockOwner(tx, ref)
	if err != nil {
		return err
	}
	if !locked || taskID == 0 || owner != taskID {
		return adcmerr.New(adcmerr.LockError, "state of %s may only change from the task locking it", ref).About(ref)
	}
	return nil
}

// extendLock widens the lock of the task ctx acts for to refs
func (m *Manager) extendLock(ctx context.Context, tx storage.Tx, refs ...types.ObjectRef) error {
	taskID := TaskFrom(ctx)
	if taskID == 0 {
		return nil
	}
	return m.engine.Extend(tx, taskID, refs...)
}
