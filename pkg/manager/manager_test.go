package manager_test

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const zookeeperBundle = `
- type: cluster
  name: zookeeper
  version: "3.5"
  config:
    - name: endpoint
      type: group
      subs:
        - {name: hosts, type: string, default: zk1:2181}
  export: endpoint
`

func causesOf(concerns []*types.Concern) []types.ConcernCause {
	out := make([]types.ConcernCause, 0, len(concerns))
	for _, c := range concerns {
		out = append(out, c.Cause)
	}
	return out
}

func concernsOf(t *testing.T, e *managertest.Env, ref types.ObjectRef) []*types.Concern {
	t.Helper()
	concerns, err := e.M.ObjectConcerns(e.Ctx, ref)
	require.NoError(t, err)
	return concerns
}

func TestAddCluster(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")

	assert.Equal(t, types.StateCreated, c.State)
	causes := causesOf(concernsOf(t, e, c.Ref()))
	assert.NotContains(t, causes, types.CauseImport)
	assert.Contains(t, causes, types.CauseService)

	_, err := e.M.AddCluster(e.Ctx, c.PrototypeID, "c1", "")
	assert.Equal(t, adcmerr.ClusterConflict, adcmerr.CodeOf(err))

	_, err = e.M.AddCluster(e.Ctx, e.Provider.PrototypeID, "c2", "")
	assert.Equal(t, adcmerr.InvalidInput, adcmerr.CodeOf(err))
}

func TestHostComponentConcern(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")

	var hc *types.Concern
	for _, cc := range concernsOf(t, e, c.Ref()) {
		if cc.Cause == types.CauseHostComponent {
			hc = cc
		}
	}
	require.NotNil(t, hc)
	assert.Contains(t, hc.Reason.Text, "hdfs.namenode requires")
	assert.NotContains(t, causesOf(concernsOf(t, e, c.Ref())), types.CauseService)
	assert.Contains(t, causesOf(concernsOf(t, e, hdfs.Ref())), types.CauseHostComponent)

	h1 := e.AddHost(t, "h1.example.com", c.ID)
	nn := e.Component(t, hdfs.ID, "namenode")
	_, err := e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, h1.ID)})
	require.NoError(t, err)
	assert.NotContains(t, causesOf(concernsOf(t, e, c.Ref())), types.CauseHostComponent)

	yarn := e.AddService(t, c.ID, "yarn")
	assert.Contains(t, causesOf(concernsOf(t, e, yarn.Ref())), types.CauseConfig)
	assert.Contains(t, causesOf(concernsOf(t, e, c.Ref())), types.CauseConfig)
}

func TestRestoreConfig(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")

	first, err := e.M.GetConfig(e.Ctx, c.Ref())
	require.NoError(t, err)
	assert.Equal(t, "eu", first.Config["region"])

	second, err := e.M.UpdateConfig(e.Ctx, c.Ref(), map[string]any{"region": "us"}, nil, "move")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, "us", second.Config["region"])

	restored, err := e.M.RestoreConfig(e.Ctx, c.Ref(), first.ID)
	require.NoError(t, err)
	assert.Greater(t, restored.ID, second.ID)
	assert.Equal(t, first.Config, restored.Config)

	current, err := e.M.GetConfig(e.Ctx, c.Ref())
	require.NoError(t, err)
	assert.Equal(t, restored.ID, current.ID)

	logs, err := e.M.ListConfigs(e.Ctx, c.Ref())
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	_, err = e.M.UpdateConfig(e.Ctx, c.Ref(), map[string]any{"zone": "a"}, nil, "")
	assert.Equal(t, adcmerr.InvalidConfigUpdate, adcmerr.CodeOf(err))
}

func TestRequiredConfigValue(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	e.AddService(t, c.ID, "hdfs")
	yarn := e.AddService(t, c.ID, "yarn")

	_, err := e.M.UpdateConfig(e.Ctx, yarn.Ref(), map[string]any{}, nil, "")
	assert.Equal(t, adcmerr.ConfigValueError, adcmerr.CodeOf(err))

	cl, err := e.M.UpdateConfig(e.Ctx, yarn.Ref(), map[string]any{"token": "s3cr3t"}, nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cr3t", cl.Config["token"])
	assert.NotContains(t, causesOf(concernsOf(t, e, yarn.Ref())), types.CauseConfig)
}

func TestAddRemoveHost(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	other := e.AddCluster(t, "c2")
	h := e.AddHost(t, "h1.example.com", 0)

	before, err := e.M.GetHost(e.Ctx, h.ID)
	require.NoError(t, err)

	attached, err := e.M.AddHostToCluster(e.Ctx, c.ID, h.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, attached.ClusterID)

	_, err = e.M.AddHostToCluster(e.Ctx, c.ID, h.ID)
	assert.NoError(t, err)
	_, err = e.M.AddHostToCluster(e.Ctx, other.ID, h.ID)
	assert.Equal(t, adcmerr.ForeignHost, adcmerr.CodeOf(err))

	require.NoError(t, e.M.RemoveHostFromCluster(e.Ctx, h.ID))
	after, err := e.M.GetHost(e.Ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	err = e.M.RemoveHostFromCluster(e.Ctx, h.ID)
	assert.Equal(t, adcmerr.HostConflict, adcmerr.CodeOf(err))
}

func TestAddHostChecks(t *testing.T) {
	e := managertest.NewEnv(t)
	e.AddHost(t, "h1.example.com", 0)

	tests := []struct {
		name string
		fqdn string
		want adcmerr.Code
	}{
		{"duplicate", "h1.example.com", adcmerr.HostConflict},
		{"empty", "", adcmerr.InvalidInput},
		{"underscore", "bad_name", adcmerr.InvalidInput},
		{"leading dash", "-h.example.com", adcmerr.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.M.AddHost(e.Ctx, e.Provider.ID, 0, tt.fqdn, "")
			assert.Equal(t, tt.want, adcmerr.CodeOf(err))
		})
	}
}

func TestSetHostComponentReplaces(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	nn := e.Component(t, hdfs.ID, "namenode")
	dn := e.Component(t, hdfs.ID, "datanode")
	h1 := e.AddHost(t, "h1.example.com", c.ID)
	h2 := e.AddHost(t, "h2.example.com", c.ID)

	first := []types.HostComponent{
		managertest.Map(hdfs.ID, nn.ID, h1.ID),
		managertest.Map(hdfs.ID, dn.ID, h1.ID),
		managertest.Map(hdfs.ID, dn.ID, h2.ID),
	}
	_, err := e.M.SetHostComponent(e.Ctx, c.ID, first)
	require.NoError(t, err)

	_, err = e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{{ComponentID: nn.ID, HostID: h2.ID}})
	require.NoError(t, err)

	hc, err := e.M.GetHostComponent(e.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.HostComponent{{ClusterID: c.ID, ServiceID: hdfs.ID, ComponentID: nn.ID, HostID: h2.ID}}, hc)
}

func TestSetHostComponentChecks(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	nn := e.Component(t, hdfs.ID, "namenode")
	dn := e.Component(t, hdfs.ID, "datanode")
	h1 := e.AddHost(t, "h1.example.com", c.ID)
	free := e.AddHost(t, "h2.example.com", 0)

	tests := []struct {
		name    string
		entries []types.HostComponent
		want    adcmerr.Code
	}{
		{
			name:    "foreign host",
			entries: []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, free.ID)},
			want:    adcmerr.ForeignHost,
		},
		{
			name:    "unknown host",
			entries: []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, 9999)},
			want:    adcmerr.HostNotFound,
		},
		{
			name: "duplicate",
			entries: []types.HostComponent{
				managertest.Map(hdfs.ID, nn.ID, h1.ID),
				managertest.Map(hdfs.ID, nn.ID, h1.ID),
			},
			want: adcmerr.InvalidInput,
		},
		{
			name:    "cardinality",
			entries: []types.HostComponent{managertest.Map(hdfs.ID, dn.ID, h1.ID)},
			want:    adcmerr.ComponentConstraintError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.M.SetHostComponent(e.Ctx, c.ID, tt.entries)
			assert.Equal(t, tt.want, adcmerr.CodeOf(err))

			hc, err := e.M.GetHostComponent(e.Ctx, c.ID)
			require.NoError(t, err)
			assert.Empty(t, hc)
		})
	}
}

func TestMultiBind(t *testing.T) {
	e := managertest.NewEnv(t)
	zkBundle := managertest.Load(t, e.M, zookeeperBundle, nil)
	zk, err := e.M.AddCluster(e.Ctx, e.Proto(t, zkBundle, types.ObjectCluster, "zookeeper").ID, "zk", "")
	require.NoError(t, err)
	c := e.AddCluster(t, "c1")

	sources := []imports.Source{{ClusterID: zk.ID}}
	for range 2 {
		_, err := e.M.MultiBind(e.Ctx, c.Ref(), sources)
		require.NoError(t, err)
	}
	binds, err := e.M.ListBinds(e.Ctx, c.Ref())
	require.NoError(t, err)
	require.Len(t, binds, 1)
	assert.Equal(t, zk.ID, binds[0].SourceClusterID)

	imps, err := e.M.GetImports(e.Ctx, c.Ref())
	require.NoError(t, err)
	require.Len(t, imps, 1)
	require.Len(t, imps[0].Candidates, 1)
	assert.True(t, imps[0].Candidates[0].Bound)

	_, err = e.M.MultiBind(e.Ctx, c.Ref(), []imports.Source{{ClusterID: c.ID}})
	assert.Equal(t, adcmerr.BindError, adcmerr.CodeOf(err))

	_, err = e.M.MultiBind(e.Ctx, c.Ref(), nil)
	require.NoError(t, err)
	binds, err = e.M.ListBinds(e.Ctx, c.Ref())
	require.NoError(t, err)
	assert.Empty(t, binds)
}

func TestDeleteService(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	yarn := e.AddService(t, c.ID, "yarn")

	err := e.M.DeleteService(e.Ctx, hdfs.ID)
	assert.Equal(t, adcmerr.ServiceConflict, adcmerr.CodeOf(err))

	require.NoError(t, e.M.DeleteService(e.Ctx, yarn.ID))
	_, err = e.M.GetService(e.Ctx, yarn.ID)
	assert.True(t, adcmerr.IsNotFound(err))

	// concerns owned by the service are gone with it
	concerns, err := e.M.ListConcerns(e.Ctx, storage.ConcernFilter{Owner: &types.ObjectRef{Type: types.ObjectService, ID: yarn.ID}})
	require.NoError(t, err)
	assert.Empty(t, concerns)
}

func TestDeleteClusterDetachesHosts(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	h := e.AddHost(t, "h1.example.com", c.ID)
	_, err := e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{managertest.Map(hdfs.ID, e.Component(t, hdfs.ID, "namenode").ID, h.ID)})
	require.NoError(t, err)

	require.NoError(t, e.M.DeleteCluster(e.Ctx, c.ID))

	host, err := e.M.GetHost(e.Ctx, h.ID)
	require.NoError(t, err)
	assert.Zero(t, host.ClusterID)
	_, err = e.M.GetService(e.Ctx, hdfs.ID)
	assert.True(t, adcmerr.IsNotFound(err))

	err = e.M.DeleteProvider(e.Ctx, e.Provider.ID)
	assert.Equal(t, adcmerr.ProviderConflict, adcmerr.CodeOf(err))
	require.NoError(t, e.M.DeleteHost(e.Ctx, h.ID))
	require.NoError(t, e.M.DeleteProvider(e.Ctx, e.Provider.ID))
}

func lockCluster(t *testing.T, e *managertest.Env, c *types.Cluster) *types.Task {
	t.Helper()
	task := &types.Task{Owner: c.Ref(), Target: c.Ref(), Status: types.StatusRunning}
	err := e.M.Store().Update(func(tx storage.Tx) error {
		if err := tx.CreateTask(task); err != nil {
			return err
		}
		_, err := e.M.Engine().Lock(tx, nil, task, nil)
		return err
	})
	require.NoError(t, err)
	return task
}

func TestLockedObjects(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	e.AddService(t, c.ID, "hdfs")
	task := lockCluster(t, e, c)
	yarnProto := e.Proto(t, e.Cluster, types.ObjectService, "yarn")

	_, err := e.M.AddService(e.Ctx, c.ID, yarnProto.ID)
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))
	_, err = e.M.UpdateConfig(e.Ctx, c.Ref(), map[string]any{"region": "us"}, nil, "")
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))

	taskCtx := manager.WithTask(e.Ctx, task.ID)
	_, err = e.M.AddService(taskCtx, c.ID, yarnProto.ID)
	assert.NoError(t, err)

	change := &types.StateChange{State: "installed", MultiStateSet: []string{"deployed"}}
	err = e.M.ChangeState(e.Ctx, c.Ref(), change)
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))
	require.NoError(t, e.M.ChangeState(taskCtx, c.Ref(), change))

	got, err := e.M.GetCluster(e.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "installed", got.State)
	assert.Equal(t, []string{"deployed"}, got.MultiState)
}

func TestMaintenanceMode(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	nn := e.Component(t, hdfs.ID, "namenode")
	free := e.AddHost(t, "free.example.com", 0)
	h1 := e.AddHost(t, "h1.example.com", c.ID)

	err := e.M.SetMaintenanceMode(e.Ctx, free.Ref(), true)
	assert.Equal(t, adcmerr.MaintenanceModeError, adcmerr.CodeOf(err))

	require.NoError(t, e.M.SetMaintenanceMode(e.Ctx, h1.Ref(), true))
	_, err = e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, h1.ID)})
	assert.Equal(t, adcmerr.InvalidHCHostInMM, adcmerr.CodeOf(err))

	require.NoError(t, e.M.SetMaintenanceMode(e.Ctx, hdfs.Ref(), true))
	comps, err := e.M.ListComponents(e.Ctx, hdfs.ID)
	require.NoError(t, err)
	for _, comp := range comps {
		assert.Equal(t, types.MaintenanceOn, comp.MaintenanceMode)
	}
}

func TestConfigHostGroups(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	nn := e.Component(t, hdfs.ID, "namenode")
	h1 := e.AddHost(t, "h1.example.com", c.ID)

	group, err := e.M.CreateGroup(e.Ctx, hdfs.Ref(), "fast", "")
	require.NoError(t, err)

	err = e.M.AddHostToGroup(e.Ctx, group.ID, h1.ID)
	assert.Equal(t, adcmerr.GroupConfigError, adcmerr.CodeOf(err))

	_, err = e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, h1.ID)})
	require.NoError(t, err)
	require.NoError(t, e.M.AddHostToGroup(e.Ctx, group.ID, h1.ID))

	cl, err := e.M.UpdateGroupConfig(e.Ctx, group.ID,
		map[string]any{"replication": 5},
		map[string]any{"group_keys": map[string]any{"replication": true}}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 5, cl.Config["replication"])

	clusterGroup, err := e.M.CreateGroup(e.Ctx, c.Ref(), "eu", "")
	require.NoError(t, err)
	_, err = e.M.UpdateGroupConfig(e.Ctx, clusterGroup.ID,
		map[string]any{"region": "us"},
		map[string]any{"group_keys": map[string]any{"region": true}}, "")
	assert.Equal(t, adcmerr.GroupConfigError, adcmerr.CodeOf(err))

	// unmapping the host drops it from the service group
	dn := e.Component(t, hdfs.ID, "datanode")
	h2 := e.AddHost(t, "h2.example.com", c.ID)
	_, err = e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{
		managertest.Map(hdfs.ID, nn.ID, h2.ID),
		managertest.Map(hdfs.ID, dn.ID, h2.ID),
	})
	require.NoError(t, err)
	groups, err := e.M.ListGroups(e.Ctx, &types.ObjectRef{Type: types.ObjectService, ID: hdfs.ID})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].HostIDs)

	require.NoError(t, e.M.DeleteGroup(e.Ctx, group.ID))
}

func TestBundleLifecycle(t *testing.T) {
	e := managertest.NewEnv(t)

	dir := managertest.WriteBundle(t, zookeeperBundle, nil)
	b, err := e.M.LoadBundle(e.Ctx, dir)
	require.NoError(t, err)
	_, err = e.M.LoadBundle(e.Ctx, dir)
	assert.Equal(t, adcmerr.BundleConflict, adcmerr.CodeOf(err))

	e.AddCluster(t, "c1")
	err = e.M.DeleteBundle(e.Ctx, e.Cluster.ID)
	assert.Equal(t, adcmerr.BundleConflict, adcmerr.CodeOf(err))

	require.NoError(t, e.M.DeleteBundle(e.Ctx, b.ID))
	_, err = os.Stat(b.Path)
	assert.True(t, os.IsNotExist(err))
	bundles, err := e.M.ListBundles(e.Ctx)
	require.NoError(t, err)
	assert.Len(t, bundles, 2)
}

func TestAcceptLicense(t *testing.T) {
	e := managertest.NewEnv(t)
	licensed := managertest.Load(t, e.M, `
- type: provider
  name: cloud
  version: "2.0"
  license: EULA.txt
- type: host
  name: vm
  version: "2.0"
`, map[string]string{"EULA.txt": "terms"})
	proto := e.Proto(t, licensed, types.ObjectProvider, "cloud")

	_, err := e.M.AddHostProvider(e.Ctx, proto.ID, "cloud", "")
	assert.Equal(t, adcmerr.LicenseError, adcmerr.CodeOf(err))

	require.NoError(t, e.M.AcceptLicense(e.Ctx, licensed.ID))
	_, err = e.M.AddHostProvider(e.Ctx, proto.ID, "cloud", "")
	assert.NoError(t, err)

	err = e.M.AcceptLicense(e.Ctx, e.Hosts.ID)
	assert.Equal(t, adcmerr.LicenseError, adcmerr.CodeOf(err))
}

func TestHostStatus(t *testing.T) {
	e := managertest.NewEnv(t)
	c := e.AddCluster(t, "c1")
	hdfs := e.AddService(t, c.ID, "hdfs")
	nn := e.Component(t, hdfs.ID, "namenode")
	h1 := e.AddHost(t, "h1.example.com", c.ID)

	require.NoError(t, e.M.SetHostStatus(h1.ID, 0))
	status, ok := e.M.GetStatus(h1.ID, 0)
	assert.True(t, ok)
	assert.Equal(t, 0, status)

	err := e.M.SetHostComponentStatus(h1.ID, nn.ID, 16)
	assert.Equal(t, adcmerr.ComponentNotFound, adcmerr.CodeOf(err))

	_, err = e.M.SetHostComponent(e.Ctx, c.ID, []types.HostComponent{managertest.Map(hdfs.ID, nn.ID, h1.ID)})
	require.NoError(t, err)
	require.NoError(t, e.M.SetHostComponentStatus(h1.ID, nn.ID, 16))
	status, ok = e.M.GetStatus(h1.ID, nn.ID)
	assert.True(t, ok)
	assert.Equal(t, 16, status)
}

func TestTokenManager(t *testing.T) {
	tm := manager.NewTokenManager()

	tok, err := tm.GenerateToken(7, 0)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 64)

	taskID, err := tm.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), taskID)

	expired, err := tm.GenerateToken(8, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = tm.ValidateToken(expired.Token)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
	tm.CleanupExpiredTokens()
	assert.Len(t, tm.ListTokens(), 1)

	tm.RevokeTask(7)
	_, err = tm.ValidateToken(tok.Token)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
}
