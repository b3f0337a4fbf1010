package concern

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *storage.BoltStore
	engine  *Engine
	cluster *types.Cluster
	protos  map[string]*types.Prototype
}

// newFixture creates cluster "app" whose bundle has a required service "db"
// and a service "web" requiring "db"
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, engine: NewEngine(), protos: map[string]*types.Prototype{}}
	err = store.Update(func(tx storage.Tx) error {
		b := &types.Bundle{Name: "app", Version: "1.0", Hash: "h1"}
		require.NoError(t, tx.CreateBundle(b))
		for _, p := range []*types.Prototype{
			{Type: types.ObjectCluster, Name: "app", DisplayName: "App"},
			{Type: types.ObjectService, Name: "db", DisplayName: "DB", Required: true},
			{Type: types.ObjectService, Name: "web", DisplayName: "Web", Requires: []types.ServiceComponentRef{{Service: "db"}}},
		} {
			p.BundleID, p.Version = b.ID, "1.0"
			require.NoError(t, tx.CreatePrototype(p))
			f.protos[p.Name] = p
		}
		f.cluster = &types.Cluster{Name: "app", Object: types.Object{PrototypeID: f.protos["app"].ID, State: types.StateCreated}}
		return tx.CreateCluster(f.cluster)
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addService(t *testing.T, name string) *types.Service {
	t.Helper()
	svc := &types.Service{ClusterID: f.cluster.ID, Object: types.Object{PrototypeID: f.protos[name].ID, State: types.StateCreated}}
	err := f.store.Update(func(tx storage.Tx) error {
		if err := tx.CreateService(svc); err != nil {
			return err
		}
		return f.engine.Recompute(tx, nil, svc.Ref())
	})
	require.NoError(t, err)
	return svc
}

func (f *fixture) concerns(t *testing.T, ref types.ObjectRef) []*types.Concern {
	t.Helper()
	var out []*types.Concern
	err := f.store.View(func(tx storage.Tx) error {
		var err error
		out, err = f.engine.Blocking(tx, ref)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestRecomputeRequiredServices(t *testing.T) {
	f := newFixture(t)
	batch := &events.Batch{}
	err := f.store.Update(func(tx storage.Tx) error {
		return f.engine.Recompute(tx, batch, f.cluster.Ref())
	})
	require.NoError(t, err)

	issues := f.concerns(t, f.cluster.Ref())
	require.Len(t, issues, 1)
	assert.Equal(t, types.CauseService, issues[0].Cause)
	assert.Contains(t, issues[0].Reason.Text, "required service db is not added")
	assert.Equal(t, "app", issues[0].Reason.Placeholders["source"].Name)
	assert.Len(t, batch.Events(), 1)

	web := f.addService(t, "web")
	issues = f.concerns(t, web.Ref())
	causes := make([]types.ConcernCause, 0, len(issues))
	for _, c := range issues {
		causes = append(causes, c.Cause)
	}
	assert.ElementsMatch(t, []types.ConcernCause{types.CauseService, types.CauseRequirement}, causes)

	f.addService(t, "db")
	assert.Empty(t, f.concerns(t, f.cluster.Ref()))
	assert.Empty(t, f.concerns(t, web.Ref()))
}

func TestRecomputeKeepsOneIssuePerCause(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		err := f.store.Update(func(tx storage.Tx) error {
			return f.engine.Recompute(tx, nil, f.cluster.Ref())
		})
		require.NoError(t, err)
	}
	assert.Len(t, f.concerns(t, f.cluster.Ref()), 1)
}

func TestLockScope(t *testing.T) {
	f := newFixture(t)
	db := f.addService(t, "db")
	web := f.addService(t, "web")

	lock := func(task *types.Task) error {
		return f.store.Update(func(tx storage.Tx) error {
			if task.ID == 0 {
				if err := tx.CreateTask(task); err != nil {
					return err
				}
			}
			_, err := f.engine.Lock(tx, nil, task, &types.Action{Name: "install"})
			return err
		})
	}

	first := &types.Task{Owner: db.Ref(), Target: db.Ref(), Status: types.StatusRunning}
	require.NoError(t, lock(first))

	err := f.store.View(func(tx storage.Tx) error {
		owner, locked, err := f.engine.LockOwner(tx, f.cluster.Ref())
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, first.ID, owner)

		_, locked, err = f.engine.LockOwner(tx, web.Ref())
		require.NoError(t, err)
		assert.False(t, locked, "sibling services stay unlocked")
		return nil
	})
	require.NoError(t, err)

	second := &types.Task{Owner: f.cluster.Ref(), Target: f.cluster.Ref(), Status: types.StatusRunning}
	err = lock(second)
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))

	err = f.store.Update(func(tx storage.Tx) error {
		refs, err := f.engine.Unlock(tx, nil, first.ID)
		assert.Contains(t, refs, f.cluster.Ref())
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, lock(second))
}

func TestExtendLock(t *testing.T) {
	f := newFixture(t)
	db := f.addService(t, "db")
	web := f.addService(t, "web")

	task := &types.Task{Owner: db.Ref(), Target: db.Ref(), Status: types.StatusRunning}
	err := f.store.Update(func(tx storage.Tx) error {
		if err := tx.CreateTask(task); err != nil {
			return err
		}
		_, err := f.engine.Lock(tx, nil, task, &types.Action{Name: "install"})
		return err
	})
	require.NoError(t, err)

	err = f.store.Update(func(tx storage.Tx) error {
		require.NoError(t, f.engine.Extend(tx, task.ID, web.Ref()))
		require.NoError(t, f.engine.Extend(tx, task.ID, web.Ref()))
		// a task without a lock has nothing to extend
		return f.engine.Extend(tx, task.ID+1, types.Ref(types.ObjectHost, 7))
	})
	require.NoError(t, err)

	err = f.store.View(func(tx storage.Tx) error {
		owner, locked, err := f.engine.LockOwner(tx, web.Ref())
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, task.ID, owner)

		_, locked, err = f.engine.LockOwner(tx, types.Ref(types.ObjectHost, 7))
		require.NoError(t, err)
		assert.False(t, locked)

		locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock})
		require.NoError(t, err)
		assert.Len(t, locks, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestForgetDetachesObject(t *testing.T) {
	f := newFixture(t)
	web := f.addService(t, "web")

	err := f.store.Update(func(tx storage.Tx) error {
		if err := f.engine.Forget(tx, nil, web.Ref()); err != nil {
			return err
		}
		return tx.DeleteService(web.ID)
	})
	require.NoError(t, err)

	err = f.store.View(func(tx storage.Tx) error {
		all, err := tx.ListConcerns(storage.ConcernFilter{})
		require.NoError(t, err)
		for _, c := range all {
			assert.NotEqual(t, web.Ref(), c.Owner)
			assert.False(t, c.Covers(web.Ref()))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestFlags(t *testing.T) {
	f := newFixture(t)
	err := f.store.Update(func(tx storage.Tx) error {
		require.NoError(t, f.engine.RaiseFlag(tx, nil, f.cluster.Ref(), types.CauseConfig, ""))
		require.NoError(t, f.engine.RaiseFlag(tx, nil, f.cluster.Ref(), types.CauseConfig, ""))
		flags, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernFlag})
		require.NoError(t, err)
		require.Len(t, flags, 1)
		assert.False(t, flags[0].Blocking)
		assert.Equal(t, "app has an outdated configuration", flags[0].Reason.Text)

		require.NoError(t, f.engine.ClearFlags(tx, nil, f.cluster.Ref()))
		flags, err = tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernFlag})
		require.NoError(t, err)
		assert.Empty(t, flags)
		return nil
	})
	require.NoError(t, err)
}
