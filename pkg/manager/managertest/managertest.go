// Package managertest builds managers over temporary stores for tests of
// the packages layered on top of the manager.
package managertest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/adcm/pkg/bundle"
	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/require"
)

// ClusterBundle is a cluster with a required "hdfs" service, an optional
// "yarn" service requiring hdfs and a three-step "deploy" action allowed to
// add hdfs.datanode mappings
const ClusterBundle = `
- type: cluster
  name: hadoop
  version: "1.0"
  import:
    zookeeper:
      versions: {min: "3.0", max: "4.0"}
  config:
    - {name: region, type: string, default: eu}
    - name: tuning
      type: group
      subs:
        - {name: heap, type: integer, default: 512, group_customization: true}
  actions:
    deploy:
      type: task
      masking:
        state: {available: [created, installed]}
      on_success: {state: installed, multi_state: {set: [deployed]}}
      on_fail: {state: failed}
      hc_acl:
        - {service: hdfs, component: datanode, action: add}
        - {service: hdfs, component: datanode, action: remove}
      scripts:
        - {name: a, script: a.yaml, script_type: ansible, allow_to_terminate: true}
        - {name: b, script: b.yaml, script_type: ansible, allow_to_terminate: true}
        - {name: c, script: c.yaml, script_type: ansible, allow_to_terminate: true}
    check:
      type: job
      script: check.py
      script_type: python
      masking:
        state: {available: [installed]}

- type: service
  name: hdfs
  version: "1.0"
  required: true
  config:
    - {name: replication, type: integer, default: 3, group_customization: true}
  components:
    namenode:
      constraint: [1,+]
    datanode:
      constraint: [0,+]
  actions:
    restart:
      type: job
      script: restart.yaml
      script_type: ansible
      allow_in_maintenance_mode: true

- type: service
  name: yarn
  version: "1.0"
  requires:
    - {service: hdfs}
  config:
    - {name: token, type: password, required: true}
  components:
    resourcemanager:
      constraint: [0,+]
`

// ProviderBundle is a provider with one host prototype
const ProviderBundle = `
- type: provider
  name: ssh
  version: "1.0"
  config:
    - {name: user, type: string, default: root}
- type: host
  name: ssh-host
  version: "1.0"
  config:
    - {name: port, type: integer, default: 22}
`

// Env is a manager with the cluster and provider bundles loaded and one
// provider created
type Env struct {
	M        *manager.Manager
	Ctx      context.Context
	Cluster  *types.Bundle
	Hosts    *types.Bundle
	Provider *types.Provider
}

// New returns a manager over a temporary data directory
func New(t testing.TB) *manager.Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := manager.DefaultConfig()
	cfg.DataDir = dir
	cfg.SecretKey = "test"
	m, err := manager.NewManager(cfg.Normalize())
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })
	return m
}

// WriteBundle writes a bundle directory with config.yaml and extra files
func WriteBundle(t testing.TB, definition string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.ConfigFile), []byte(definition), 0644))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// Load writes and loads a bundle
func Load(t testing.TB, m *manager.Manager, definition string, files map[string]string) *types.Bundle {
	t.Helper()
	b, err := m.LoadBundle(context.Background(), WriteBundle(t, definition, files))
	require.NoError(t, err)
	return b
}

// NewEnv loads ClusterBundle and ProviderBundle and creates provider "p"
func NewEnv(t testing.TB) *Env {
	t.Helper()
	m := New(t)
	e := &Env{M: m, Ctx: context.Background()}
	e.Cluster = Load(t, m, ClusterBundle, nil)
	e.Hosts = Load(t, m, ProviderBundle, nil)

	p, err := m.AddHostProvider(e.Ctx, e.Proto(t, e.Hosts, types.ObjectProvider, "ssh").ID, "p", "")
	require.NoError(t, err)
	e.Provider = p
	return e
}

// Proto looks up a prototype of a bundle; components are searched by name
// across the services of the bundle
func (e *Env) Proto(t testing.TB, b *types.Bundle, kind types.ObjectType, name string) *types.Prototype {
	t.Helper()
	var out *types.Prototype
	err := e.M.View(e.Ctx, func(tx storage.Tx) error {
		protos, err := catalog.New(tx).OfType(b.ID, kind)
		if err != nil {
			return err
		}
		for _, p := range protos {
			if p.Name == name {
				out = p
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, out, "prototype %s %q", kind, name)
	return out
}

// AddCluster creates a cluster of the hadoop bundle
func (e *Env) AddCluster(t testing.TB, name string) *types.Cluster {
	t.Helper()
	c, err := e.M.AddCluster(e.Ctx, e.Proto(t, e.Cluster, types.ObjectCluster, "hadoop").ID, name, "")
	require.NoError(t, err)
	return c
}

// AddService adds a service of the hadoop bundle
func (e *Env) AddService(t testing.TB, clusterID int64, name string) *types.Service {
	t.Helper()
	s, err := e.M.AddService(e.Ctx, clusterID, e.Proto(t, e.Cluster, types.ObjectService, name).ID)
	require.NoError(t, err)
	return s
}

// AddHost creates a host under provider "p" and attaches it when clusterID
// is not zero
func (e *Env) AddHost(t testing.TB, fqdn string, clusterID int64) *types.Host {
	t.Helper()
	h, err := e.M.AddHost(e.Ctx, e.Provider.ID, 0, fqdn, "")
	require.NoError(t, err)
	if clusterID != 0 {
		h, err = e.M.AddHostToCluster(e.Ctx, clusterID, h.ID)
		require.NoError(t, err)
	}
	return h
}

// Component returns the component of a service by prototype name
func (e *Env) Component(t testing.TB, serviceID int64, name string) *types.Component {
	t.Helper()
	comps, err := e.M.ListComponents(e.Ctx, serviceID)
	require.NoError(t, err)
	for _, c := range comps {
		p := e.Proto(t, e.Cluster, types.ObjectComponent, name)
		if c.PrototypeID == p.ID {
			return c
		}
	}
	require.FailNow(t, "component not found", name)
	return nil
}

// Action returns the action of an object's prototype by name
func (e *Env) Action(t testing.TB, ref types.ObjectRef, name string) *types.Action {
	t.Helper()
	var out *types.Action
	err := e.M.View(e.Ctx, func(tx storage.Tx) error {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			return err
		}
		cat := catalog.New(tx)
		p, err := cat.Prototype(ent.Base().PrototypeID)
		if err != nil {
			return err
		}
		out, err = cat.Action(p, name)
		return err
	})
	require.NoError(t, err)
	return out
}

// Map builds a host-component entry
func Map(serviceID, componentID, hostID int64) types.HostComponent {
	return types.HostComponent{ServiceID: serviceID, ComponentID: componentID, HostID: hostID}
}

// Ready is a cluster without issues: hdfs added and its namenode mapped to
// host h1
type Ready struct {
	Cluster  *types.Cluster
	HDFS     *types.Service
	NameNode *types.Component
	DataNode *types.Component
	H1       *types.Host
}

// ReadyCluster creates a cluster that actions can run on
func (e *Env) ReadyCluster(t testing.TB, name string) *Ready {
	t.Helper()
	r := &Ready{Cluster: e.AddCluster(t, name)}
	r.HDFS = e.AddService(t, r.Cluster.ID, "hdfs")
	r.NameNode = e.Component(t, r.HDFS.ID, "namenode")
	r.DataNode = e.Component(t, r.HDFS.ID, "datanode")
	r.H1 = e.AddHost(t, "h1."+name+".example.com", r.Cluster.ID)
	_, err := e.M.SetHostComponent(e.Ctx, r.Cluster.ID, []types.HostComponent{Map(r.HDFS.ID, r.NameNode.ID, r.H1.ID)})
	require.NoError(t, err)
	return r
}

// Mapped returns the namenode mapping plus extra entries
func (r *Ready) Mapped(extra ...types.HostComponent) []types.HostComponent {
	return append([]types.HostComponent{Map(r.HDFS.ID, r.NameNode.ID, r.H1.ID)}, extra...)
}
