package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/api"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/gateway"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/runner"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/cuemby/adcm/pkg/upgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// connect serves the API of m over an in-memory listener. The runner is
// never started, so launched tasks stay created.
func connect(t *testing.T, m *manager.Manager) *Client {
	t.Helper()
	r := runner.New(m, runner.ConfigFrom(m.Config()), nil)
	l := launcher.New(m, r)
	coord := upgrade.New(m, l)
	r.SetSwitcher(coord)

	srv := api.NewServer(api.Deps{
		Manager:  m,
		Runner:   r,
		Launcher: l,
		Upgrades: coord,
		Gateway:  gateway.New(m),
	})
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func protoID(t *testing.T, protos []*types.Prototype, kind types.ObjectType, name string) int64 {
	t.Helper()
	for _, p := range protos {
		if p.Type == kind && p.Name == name {
			return p.ID
		}
	}
	require.FailNow(t, "prototype not found", "%s %s", kind, name)
	return 0
}

func TestTopology(t *testing.T) {
	c := connect(t, managertest.New(t))
	ctx := context.Background()

	clusterBundle, err := c.LoadBundle(ctx, managertest.WriteBundle(t, managertest.ClusterBundle, nil))
	require.NoError(t, err)
	hostBundle, err := c.LoadBundle(ctx, managertest.WriteBundle(t, managertest.ProviderBundle, nil))
	require.NoError(t, err)

	_, err = c.LoadBundle(ctx, managertest.WriteBundle(t, managertest.ClusterBundle, nil))
	assert.Equal(t, adcmerr.BundleConflict, adcmerr.CodeOf(err))

	clusterProtos, err := c.ListPrototypes(ctx, clusterBundle.ID)
	require.NoError(t, err)
	hostProtos, err := c.ListPrototypes(ctx, hostBundle.ID)
	require.NoError(t, err)

	cluster, err := c.CreateCluster(ctx, protoID(t, clusterProtos, types.ObjectCluster, "hadoop"), "c1", "first")
	require.NoError(t, err)
	assert.Equal(t, "c1", cluster.Name)

	_, err = c.CreateCluster(ctx, protoID(t, clusterProtos, types.ObjectCluster, "hadoop"), "c1", "")
	assert.Equal(t, adcmerr.ClusterConflict, adcmerr.CodeOf(err))
	_, err = c.GetCluster(ctx, 999)
	assert.Equal(t, adcmerr.ClusterNotFound, adcmerr.CodeOf(err))

	provider, err := c.CreateProvider(ctx, protoID(t, hostProtos, types.ObjectProvider, "ssh"), "p", "")
	require.NoError(t, err)
	host, err := c.CreateHost(ctx, provider.ID, 0, "h1.example.com", "")
	require.NoError(t, err)
	host, err = c.AddHostToCluster(ctx, cluster.ID, host.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, host.ClusterID)

	hdfs, err := c.AddService(ctx, cluster.ID, protoID(t, clusterProtos, types.ObjectService, "hdfs"))
	require.NoError(t, err)
	comps, err := c.ListComponents(ctx, hdfs.ID)
	require.NoError(t, err)
	require.Len(t, comps, 2)

	namenode := protoID(t, clusterProtos, types.ObjectComponent, "namenode")
	var entry types.HostComponent
	for _, comp := range comps {
		if comp.PrototypeID == namenode {
			entry = types.HostComponent{ServiceID: hdfs.ID, ComponentID: comp.ID, HostID: host.ID}
		}
	}
	_, err = c.SetHostComponent(ctx, cluster.ID, []types.HostComponent{entry})
	require.NoError(t, err)
	hc, err := c.GetHostComponent(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, hc, 1)
	assert.Equal(t, host.ID, hc[0].HostID)

	cl, err := c.UpdateConfig(ctx, cluster.Ref(), map[string]any{"region": "us", "tuning": map[string]any{"heap": 1024}}, nil, "resize")
	require.NoError(t, err)
	assert.Equal(t, "resize", cl.Description)
	cl, err = c.GetConfig(ctx, cluster.Ref())
	require.NoError(t, err)
	assert.Equal(t, "us", cl.Config["region"])

	_, err = c.UpdateConfig(ctx, cluster.Ref(), map[string]any{"tuning": map[string]any{"heap": "big"}}, nil, "")
	assert.Equal(t, adcmerr.ConfigValueError, adcmerr.CodeOf(err))
}

func TestActions(t *testing.T) {
	e := managertest.NewEnv(t)
	c := connect(t, e.M)
	ctx := context.Background()
	r := e.ReadyCluster(t, "c1")
	deploy := e.Action(t, r.Cluster.Ref(), "deploy")

	task, err := c.RunAction(ctx, r.Cluster.Ref(), deploy.ID, launcher.RunRequest{HostComponent: r.Mapped()})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, task.Status)

	jobs, err := c.ListJobs(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, r.Cluster.Ref(), got.Target)

	_, err = c.RunAction(ctx, r.Cluster.Ref(), deploy.ID, launcher.RunRequest{HostComponent: r.Mapped()})
	assert.Equal(t, adcmerr.LockError, adcmerr.CodeOf(err))

	concerns, err := c.ListConcerns(ctx, r.Cluster.Ref())
	require.NoError(t, err)
	var locked bool
	for _, con := range concerns {
		locked = locked || con.Type == types.ConcernLock
	}
	assert.True(t, locked)

	upgrades, err := c.ListUpgrades(ctx, r.Cluster.Ref())
	require.NoError(t, err)
	assert.Empty(t, upgrades)
}

func TestPlugin(t *testing.T) {
	e := managertest.NewEnv(t)
	c := connect(t, e.M)
	ctx := context.Background()
	r := e.ReadyCluster(t, "c1")
	deploy := e.Action(t, r.Cluster.Ref(), "deploy")

	task, err := c.RunAction(ctx, r.Cluster.Ref(), deploy.ID, launcher.RunRequest{HostComponent: r.Mapped()})
	require.NoError(t, err)
	require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
		task.Status = types.StatusRunning
		return tx.UpdateTask(task)
	}))
	token, err := e.M.Tokens().GenerateToken(task.ID, 0)
	require.NoError(t, err)

	p := c.Plugin(token.Token)
	require.NoError(t, p.SetState(ctx, r.Cluster.Ref(), "installing"))
	require.NoError(t, p.SetMultiState(ctx, r.Cluster.Ref(), "prepared"))

	cluster, err := c.GetCluster(ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "installing", cluster.State)
	assert.Equal(t, []string{"prepared"}, cluster.MultiState)

	err = c.Plugin("bogus").SetState(ctx, r.Cluster.Ref(), "installing")
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
}

func TestWatchEvents(t *testing.T) {
	e := managertest.NewEnv(t)
	c := connect(t, e.M)
	host := e.AddHost(t, "h1.example.com", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan *events.Event, 16)
	ref := host.Ref()
	go func() {
		_ = c.WatchEvents(ctx, &ref, func(ev *events.Event) error {
			received <- ev
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		require.NoError(t, c.SetStatus(ctx, host.ID, 0, 1))
		select {
		case ev := <-received:
			return ev.Type == events.EventStatus && ev.Object() == ref
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
