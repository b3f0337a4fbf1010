package gateway

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noQueue struct{}

func (noQueue) Enqueue(int64) error { return nil }

type fixture struct {
	e     *managertest.Env
	g     *Gateway
	ready *managertest.Ready
	task  *types.Task
	token string
}

// newFixture launches deploy on a ready cluster, marks the task running
// and issues its token
func newFixture(t *testing.T) *fixture {
	t.Helper()
	e := managertest.NewEnv(t)
	return launch(t, e, e.ReadyCluster(t, "c1"))
}

func launch(t *testing.T, e *managertest.Env, r *managertest.Ready) *fixture {
	t.Helper()
	action := e.Action(t, r.Cluster.Ref(), "deploy")
	task, err := launcher.New(e.M, noQueue{}).Run(e.Ctx, r.Cluster.Ref(), action.ID, launcher.RunRequest{HostComponent: r.Mapped()})
	require.NoError(t, err)
	require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
		task.Status = types.StatusRunning
		return tx.UpdateTask(task)
	}))
	token, err := e.M.Tokens().GenerateToken(task.ID, 0)
	require.NoError(t, err)
	return &fixture{e: e, g: New(e.M), ready: r, task: task, token: token.Token}
}

func (f *fixture) lockOwner(t *testing.T, ref types.ObjectRef) int64 {
	t.Helper()
	var owner int64
	require.NoError(t, f.e.M.Store().View(func(tx storage.Tx) error {
		var err error
		owner, _, err = f.e.M.Engine().LockOwner(tx, ref)
		return err
	}))
	return owner
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)

	err := f.g.SetState(f.e.Ctx, "bogus", f.ready.Cluster.Ref(), "installing")
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))

	require.NoError(t, f.e.M.Store().Update(func(tx storage.Tx) error {
		f.task.Status = types.StatusSuccess
		return tx.UpdateTask(f.task)
	}))
	err = f.g.SetState(f.e.Ctx, f.token, f.ready.Cluster.Ref(), "installing")
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
}

func TestStates(t *testing.T) {
	f := newFixture(t)
	ref := f.ready.Cluster.Ref()

	require.NoError(t, f.g.SetState(f.e.Ctx, f.token, ref, "installing"))
	require.NoError(t, f.g.SetMultiState(f.e.Ctx, f.token, ref, "prepared"))
	require.NoError(t, f.g.SetMultiState(f.e.Ctx, f.token, ref, "checked"))
	require.NoError(t, f.g.UnsetMultiState(f.e.Ctx, f.token, ref, "prepared"))

	cluster, err := f.e.M.GetCluster(f.e.Ctx, f.ready.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "installing", cluster.State)
	assert.Equal(t, []string{"checked"}, cluster.MultiState)

	other := f.e.AddCluster(t, "other")
	err = f.g.SetState(f.e.Ctx, f.token, other.Ref(), "installing")
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))
	err = f.g.SetState(f.e.Ctx, f.token, ref, "")
	assert.Equal(t, adcmerr.InvalidInput, adcmerr.CodeOf(err))
}

func TestChangeHC(t *testing.T) {
	f := newFixture(t)
	r := f.ready

	hc, err := f.g.ChangeHC(f.e.Ctx, f.token, r.Cluster.ID, []HCChange{
		{Action: types.HCAdd, ServiceID: r.HDFS.ID, ComponentID: r.DataNode.ID, HostID: r.H1.ID},
	})
	require.NoError(t, err)
	assert.Len(t, hc, 2)

	tests := []struct {
		name   string
		change HCChange
		code   adcmerr.Code
	}{
		{"add existing", HCChange{Action: types.HCAdd, ServiceID: r.HDFS.ID, ComponentID: r.DataNode.ID, HostID: r.H1.ID}, adcmerr.InvalidInput},
		{"remove missing", HCChange{Action: types.HCRemove, ServiceID: r.HDFS.ID, ComponentID: r.DataNode.ID, HostID: 999}, adcmerr.InvalidInput},
		{"unknown action", HCChange{Action: "move", ComponentID: r.DataNode.ID, HostID: r.H1.ID}, adcmerr.InvalidInput},
		{"breaks constraint", HCChange{Action: types.HCRemove, ServiceID: r.HDFS.ID, ComponentID: r.NameNode.ID, HostID: r.H1.ID}, adcmerr.ComponentConstraintError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.g.ChangeHC(f.e.Ctx, f.token, r.Cluster.ID, []HCChange{tt.change})
			assert.Equal(t, tt.code, adcmerr.CodeOf(err))
		})
	}

	current, err := f.e.M.GetHostComponent(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Len(t, current, 2)
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t)

	cl, err := f.g.SetConfig(f.e.Ctx, f.token, f.ready.Cluster.Ref(), map[string]any{"region": "us"})
	require.NoError(t, err)
	assert.Equal(t, "us", cl.Config["region"])
	tuning, ok := cl.Config["tuning"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 512, tuning["heap"])
	assert.Equal(t, "plugin", cl.Description)

	other := f.e.AddCluster(t, "other")
	_, err = f.g.SetConfig(f.e.Ctx, f.token, other.Ref(), map[string]any{"region": "us"})
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))
}

func TestHosts(t *testing.T) {
	e := managertest.NewEnv(t)
	r := e.ReadyCluster(t, "c1")
	free := e.AddHost(t, "h2.example.com", 0)
	f := launch(t, e, r)
	assert.Zero(t, f.lockOwner(t, free.Ref()))

	host, err := f.g.AddHostToCluster(e.Ctx, f.token, r.Cluster.ID, free.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Cluster.ID, host.ClusterID)
	assert.Equal(t, f.task.ID, f.lockOwner(t, free.Ref()))

	err = f.g.DeleteHost(e.Ctx, f.token, free.ID)
	assert.Equal(t, adcmerr.HostConflict, adcmerr.CodeOf(err))

	// the provider of h1 is locked with the cluster
	added, err := f.g.AddHost(e.Ctx, f.token, e.Provider.ID, 0, "h3.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, e.Provider.ID, added.ProviderID)
	assert.Equal(t, f.task.ID, f.lockOwner(t, added.Ref()))

	err = e.M.DeleteHost(e.Ctx, added.ID)
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))

	_, err = f.g.AddHostToCluster(e.Ctx, f.token, e.AddCluster(t, "other").ID, added.ID)
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))
}

func TestChangeHCLocksNewHosts(t *testing.T) {
	e := managertest.NewEnv(t)
	r := e.ReadyCluster(t, "c1")
	spare := e.AddHost(t, "h2.example.com", r.Cluster.ID)
	f := launch(t, e, r)
	assert.Zero(t, f.lockOwner(t, spare.Ref()))

	_, err := f.g.ChangeHC(e.Ctx, f.token, r.Cluster.ID, []HCChange{
		{Action: types.HCAdd, ServiceID: r.HDFS.ID, ComponentID: r.DataNode.ID, HostID: spare.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, f.task.ID, f.lockOwner(t, spare.Ref()))
}
