package upgrade

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hadoop 2.0 drops hdfs.datanode and yarn, adds hdfs.journalnode and a
// cluster config key
const nextBundle = `
- type: cluster
  name: hadoop
  version: "2.0"
  config:
    - {name: region, type: string, default: us}
    - {name: zone, type: string, default: a}
  upgrade:
    - name: instant
      versions: {min: "1.0", max_strict: "2.0"}
      states: {available: any, on_success: upgraded}
    - name: scripted
      versions: {min: "1.0", max_strict: "2.0"}
      states: {available: [created], on_success: upgraded}
      scripts:
        - {name: prepare, script: prepare.yaml, script_type: ansible}
        - {name: switch, script: bundle_switch, script_type: internal}
    - name: future
      versions: {min: "1.5", max_strict: "2.0"}
    - name: installed only
      versions: {min: "1.0", max_strict: "2.0"}
      states: {available: [installed]}
    - name: enterprise
      versions: {min: "1.0", max_strict: "2.0"}
      from_edition: [enterprise]

- type: service
  name: hdfs
  version: "2.0"
  required: true
  config:
    - {name: replication, type: integer, default: 2}
  components:
    namenode:
      constraint: [1,+]
    journalnode:
      constraint: [0,+]
`

const licensedBundle = `
- type: cluster
  name: hadoop
  version: "3.0"
  license: LICENSE
  upgrade:
    - name: licensed
      versions: {min: "1.0", max_strict: "3.0"}

- type: service
  name: hdfs
  version: "3.0"
  components:
    namenode:
      constraint: [1,+]
`

type queue struct{ ids []int64 }

func (q *queue) Enqueue(id int64) error {
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	e     *managertest.Env
	c     *Coordinator
	q     *queue
	next  *types.Bundle
	ready *managertest.Ready
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e := managertest.NewEnv(t)
	q := &queue{}
	return &fixture{
		e:     e,
		c:     New(e.M, launcher.New(e.M, q)),
		q:     q,
		next:  managertest.Load(t, e.M, nextBundle, nil),
		ready: e.ReadyCluster(t, "c1"),
	}
}

func (f *fixture) upgrade(t *testing.T, bundleID int64, name string) *types.Upgrade {
	t.Helper()
	var out *types.Upgrade
	err := f.e.M.View(f.e.Ctx, func(tx storage.Tx) error {
		upgrades, err := tx.ListUpgrades(bundleID)
		for _, u := range upgrades {
			if u.Name == name {
				out = u
			}
		}
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, out, "upgrade %q", name)
	return out
}

func (f *fixture) componentNames(t *testing.T, serviceID int64) map[string]int64 {
	t.Helper()
	comps, err := f.e.M.ListComponents(f.e.Ctx, serviceID)
	require.NoError(t, err)
	out := make(map[string]int64)
	for _, c := range comps {
		var p *types.Prototype
		require.NoError(t, f.e.M.View(f.e.Ctx, func(tx storage.Tx) error {
			var err error
			p, err = tx.GetPrototype(c.PrototypeID)
			return err
		}))
		out[p.Name] = c.ID
	}
	return out
}

func TestInstantUpgrade(t *testing.T) {
	f := newFixture(t)
	r := f.ready
	_, err := f.e.M.SetHostComponent(f.e.Ctx, r.Cluster.ID, r.Mapped(managertest.Map(r.HDFS.ID, r.DataNode.ID, r.H1.ID)))
	require.NoError(t, err)

	task, err := f.c.Upgrade(f.e.Ctx, r.Cluster.Ref(), f.upgrade(t, f.next.ID, "instant").ID, launcher.RunRequest{})
	require.NoError(t, err)
	assert.Nil(t, task)

	cluster, err := f.e.M.GetCluster(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, f.e.Proto(t, f.next, types.ObjectCluster, "hadoop").ID, cluster.PrototypeID)
	assert.Equal(t, "upgraded", cluster.State)
	require.NotNil(t, cluster.BeforeUpgrade)
	assert.Equal(t, types.StateCreated, cluster.BeforeUpgrade.State)
	assert.Equal(t, r.Cluster.PrototypeID, cluster.BeforeUpgrade.PrototypeID)

	hdfs, err := f.e.M.GetService(f.e.Ctx, r.HDFS.ID)
	require.NoError(t, err)
	assert.Equal(t, f.e.Proto(t, f.next, types.ObjectService, "hdfs").ID, hdfs.PrototypeID)

	comps := f.componentNames(t, r.HDFS.ID)
	assert.Equal(t, r.NameNode.ID, comps["namenode"])
	assert.Contains(t, comps, "journalnode")
	assert.NotContains(t, comps, "datanode")

	hc, err := f.e.M.GetHostComponent(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.HostComponent{{ClusterID: r.Cluster.ID, ServiceID: r.HDFS.ID, ComponentID: r.NameNode.ID, HostID: r.H1.ID}}, hc)

	cfg, err := f.e.M.GetConfig(f.e.Ctx, cluster.Ref())
	require.NoError(t, err)
	assert.Equal(t, "eu", cfg.Config["region"])
	assert.Equal(t, "a", cfg.Config["zone"])
	assert.NotContains(t, cfg.Config, "tuning")

	_, err = f.c.Upgrade(f.e.Ctx, r.Cluster.Ref(), f.upgrade(t, f.next.ID, "instant").ID, launcher.RunRequest{})
	assert.Equal(t, adcmerr.UpgradeError, adcmerr.CodeOf(err))
}

func TestUpgradePreconditions(t *testing.T) {
	f := newFixture(t)
	licensed := managertest.Load(t, f.e.M, licensedBundle, map[string]string{"LICENSE": "terms"})
	bare := f.e.AddCluster(t, "bare")

	tests := []struct {
		name    string
		ref     types.ObjectRef
		upgrade *types.Upgrade
		code    adcmerr.Code
	}{
		{"version out of range", f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "future"), adcmerr.UpgradeError},
		{"state not available", f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "installed only"), adcmerr.UpgradeError},
		{"other edition", f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "enterprise"), adcmerr.UpgradeError},
		{"license not accepted", f.ready.Cluster.Ref(), f.upgrade(t, licensed.ID, "licensed"), adcmerr.LicenseError},
		{"object with issue", bare.Ref(), f.upgrade(t, f.next.ID, "instant"), adcmerr.UpgradeError},
		{"host", f.ready.H1.Ref(), f.upgrade(t, f.next.ID, "instant"), adcmerr.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.Upgrade(f.e.Ctx, tt.ref, tt.upgrade.ID, launcher.RunRequest{})
			assert.Equal(t, tt.code, adcmerr.CodeOf(err))
		})
	}

	cluster, err := f.e.M.GetCluster(f.e.Ctx, f.ready.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ready.Cluster.PrototypeID, cluster.PrototypeID)
	assert.Empty(t, f.q.ids)

	// an advisory flag on a service refuses the upgrade of its cluster
	hdfs := f.ready.HDFS.Ref()
	require.NoError(t, f.e.M.Store().Update(func(tx storage.Tx) error {
		return f.e.M.Engine().RaiseFlag(tx, nil, hdfs, types.CauseConfig, "")
	}))
	_, err = f.c.Upgrade(f.e.Ctx, f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "instant").ID, launcher.RunRequest{})
	assert.Equal(t, adcmerr.UpgradeError, adcmerr.CodeOf(err))
	require.NoError(t, f.e.M.Store().Update(func(tx storage.Tx) error {
		return f.e.M.Engine().ClearFlags(tx, nil, hdfs)
	}))

	require.NoError(t, f.e.M.AcceptLicense(f.e.Ctx, licensed.ID))
	_, err = f.c.Upgrade(f.e.Ctx, f.ready.Cluster.Ref(), f.upgrade(t, licensed.ID, "licensed").ID, launcher.RunRequest{})
	assert.NoError(t, err)
}

func TestAvailable(t *testing.T) {
	f := newFixture(t)

	upgrades, err := f.c.Available(f.e.Ctx, f.ready.Cluster.Ref())
	require.NoError(t, err)
	var names []string
	for _, u := range upgrades {
		names = append(names, u.Name)
	}
	assert.ElementsMatch(t, []string{"instant", "scripted"}, names)
}

func TestScriptedUpgradeAndRevert(t *testing.T) {
	f := newFixture(t)
	r := f.ready

	task, err := f.c.Upgrade(f.e.Ctx, r.Cluster.Ref(), f.upgrade(t, f.next.ID, "scripted").ID, launcher.RunRequest{})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, []int64{task.ID}, f.q.ids)
	assert.NotZero(t, task.UpgradeID)

	jobs, err := f.e.M.ListJobs(f.e.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.ScriptInternal, jobs[1].ScriptType)
	assert.Equal(t, types.ScriptBundleSwitch, jobs[1].Script)

	// the cluster stays on its bundle until bundle_switch runs
	cluster, err := f.e.M.GetCluster(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Cluster.PrototypeID, cluster.PrototypeID)

	_, err = f.c.Upgrade(f.e.Ctx, r.Cluster.Ref(), f.upgrade(t, f.next.ID, "instant").ID, launcher.RunRequest{})
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))

	ctx := manager.WithTask(f.e.Ctx, task.ID)
	require.NoError(t, f.e.M.Update(ctx, types.ScriptBundleSwitch, func(tx storage.Tx, batch *events.Batch) error {
		return f.c.Switch(tx, batch, task)
	}))
	cluster, err = f.e.M.GetCluster(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, f.e.Proto(t, f.next, types.ObjectCluster, "hadoop").ID, cluster.PrototypeID)
	assert.Equal(t, "upgraded", cluster.State)
	assert.Contains(t, f.componentNames(t, r.HDFS.ID), "journalnode")

	require.NoError(t, f.e.M.Update(ctx, types.ScriptBundleRevert, func(tx storage.Tx, batch *events.Batch) error {
		return f.c.Revert(tx, batch, task)
	}))
	cluster, err = f.e.M.GetCluster(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Cluster.PrototypeID, cluster.PrototypeID)
	assert.Equal(t, types.StateCreated, cluster.State)
	assert.Nil(t, cluster.BeforeUpgrade)

	hdfs, err := f.e.M.GetService(f.e.Ctx, r.HDFS.ID)
	require.NoError(t, err)
	assert.Equal(t, r.HDFS.PrototypeID, hdfs.PrototypeID)
	comps := f.componentNames(t, r.HDFS.ID)
	assert.Equal(t, r.NameNode.ID, comps["namenode"])
	assert.Contains(t, comps, "datanode")
	assert.NotContains(t, comps, "journalnode")

	hc, err := f.e.M.GetHostComponent(f.e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Len(t, hc, 1)

	err = f.e.M.Update(ctx, types.ScriptBundleRevert, func(tx storage.Tx, batch *events.Batch) error {
		return f.c.Revert(tx, batch, task)
	})
	assert.Equal(t, adcmerr.UpgradeError, adcmerr.CodeOf(err))
}

func TestBundleKeptWhileUpgradeNeedsIt(t *testing.T) {
	t.Run("target of an unfinished upgrade task", func(t *testing.T) {
		f := newFixture(t)
		task, err := f.c.Upgrade(f.e.Ctx, f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "scripted").ID, launcher.RunRequest{})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, types.StatusCreated, task.Status)

		err = f.e.M.DeleteBundle(f.e.Ctx, f.next.ID)
		assert.Equal(t, adcmerr.BundleConflict, adcmerr.CodeOf(err))

		ctx := manager.WithTask(f.e.Ctx, task.ID)
		require.NoError(t, f.e.M.Update(ctx, types.ScriptBundleSwitch, func(tx storage.Tx, batch *events.Batch) error {
			return f.c.Switch(tx, batch, task)
		}))
	})

	t.Run("source of an instant upgrade", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.c.Upgrade(f.e.Ctx, f.ready.Cluster.Ref(), f.upgrade(t, f.next.ID, "instant").ID, launcher.RunRequest{})
		require.NoError(t, err)

		err = f.e.M.DeleteBundle(f.e.Ctx, f.e.Cluster.ID)
		assert.Equal(t, adcmerr.BundleConflict, adcmerr.CodeOf(err))
		assert.Contains(t, err.Error(), "revert")

		bundles, err := f.e.M.ListBundles(f.e.Ctx)
		require.NoError(t, err)
		var ids []int64
		for _, b := range bundles {
			ids = append(ids, b.ID)
		}
		assert.Contains(t, ids, f.e.Cluster.ID)
	})

	t.Run("unused bundle", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.e.M.DeleteBundle(f.e.Ctx, f.next.ID))
	})
}

func TestProviderUpgrade(t *testing.T) {
	e := managertest.NewEnv(t)
	c := New(e.M, launcher.New(e.M, &queue{}))
	next := managertest.Load(t, e.M, `
- type: provider
  name: ssh
  version: "2.0"
  config:
    - {name: user, type: string, default: admin}
    - {name: key, type: string, default: id_rsa}
  upgrade:
    - name: to 2.0
      versions: {min: "1.0", max_strict: "2.0"}
      states: {available: any, on_success: ready}
- type: host
  name: ssh-host
  version: "2.0"
`, nil)
	h := e.AddHost(t, "h1.example.com", 0)

	var upgradeID int64
	require.NoError(t, e.M.View(e.Ctx, func(tx storage.Tx) error {
		upgrades, err := tx.ListUpgrades(next.ID)
		if len(upgrades) > 0 {
			upgradeID = upgrades[0].ID
		}
		return err
	}))
	_, err := c.Upgrade(e.Ctx, e.Provider.Ref(), upgradeID, launcher.RunRequest{})
	require.NoError(t, err)

	p, err := e.M.GetProvider(e.Ctx, e.Provider.ID)
	require.NoError(t, err)
	assert.Equal(t, "ready", p.State)
	assert.Equal(t, e.Proto(t, next, types.ObjectProvider, "ssh").ID, p.PrototypeID)
	cfg, err := e.M.GetConfig(e.Ctx, p.Ref())
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.Config["user"])
	assert.Equal(t, "id_rsa", cfg.Config["key"])

	host, err := e.M.GetHost(e.Ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Proto(t, next, types.ObjectHost, "ssh-host").ID, host.PrototypeID)
	assert.Equal(t, h.PrototypeID, p.BeforeUpgrade.Hosts[h.ID])
}
