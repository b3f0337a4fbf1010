package mapping

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture: cluster 1 with service "svc" (10) holding "comp" (20, constraint +)
// and "agent" (21, bound to svc.comp), service "db" (11) holding "node" (22,
// requires svc.comp), hosts h1 (100) and h2 (101)
func fixture() *Topology {
	protos := map[int64]*types.Prototype{
		1: {ID: 1, Type: types.ObjectService, Name: "svc"},
		2: {ID: 2, Type: types.ObjectComponent, Name: "comp", Constraint: []string{"+"}},
		3: {ID: 3, Type: types.ObjectComponent, Name: "agent", BoundTo: &types.ServiceComponentRef{Service: "svc", Component: "comp"}},
		4: {ID: 4, Type: types.ObjectService, Name: "db"},
		5: {ID: 5, Type: types.ObjectComponent, Name: "node", Requires: []types.ServiceComponentRef{{Service: "svc", Component: "comp"}}},
	}
	return &Topology{
		Cluster: &types.Cluster{Object: types.Object{ID: 1}, Name: "c1"},
		Services: map[int64]*types.Service{
			10: {Object: types.Object{ID: 10, PrototypeID: 1}, ClusterID: 1},
			11: {Object: types.Object{ID: 11, PrototypeID: 4}, ClusterID: 1},
		},
		Components: map[int64]*types.Component{
			20: {Object: types.Object{ID: 20, PrototypeID: 2}, ClusterID: 1, ServiceID: 10},
			21: {Object: types.Object{ID: 21, PrototypeID: 3}, ClusterID: 1, ServiceID: 10},
			22: {Object: types.Object{ID: 22, PrototypeID: 5}, ClusterID: 1, ServiceID: 11},
		},
		Hosts: map[int64]*types.Host{
			100: {Object: types.Object{ID: 100}, FQDN: "h1", ClusterID: 1},
			101: {Object: types.Object{ID: 101}, FQDN: "h2", ClusterID: 1},
		},
		Prototypes: protos,
	}
}

func hc(service, component, host int64) types.HostComponent {
	return types.HostComponent{ClusterID: 1, ServiceID: service, ComponentID: component, HostID: host}
}

func TestViolations(t *testing.T) {
	tests := []struct {
		name    string
		entries []types.HostComponent
		want    []string
	}{
		{
			name: "empty map",
			want: []string{"svc.comp requires +"},
		},
		{
			name:    "comp on one of two hosts",
			entries: []types.HostComponent{hc(10, 20, 100)},
			want:    []string{"svc.comp requires +"},
		},
		{
			name:    "comp on all hosts",
			entries: []types.HostComponent{hc(10, 20, 100), hc(10, 20, 101)},
		},
		{
			name:    "bound component next to its partner",
			entries: []types.HostComponent{hc(10, 20, 100), hc(10, 20, 101), hc(10, 21, 100)},
		},
		{
			name:    "requires unmet",
			entries: []types.HostComponent{hc(11, 22, 100)},
			want:    []string{"svc.comp requires +", "db.node requires component svc.comp mapped on at least one host"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Violations(fixture(), tt.entries))
		})
	}
}

func TestBoundToViolation(t *testing.T) {
	topo := fixture()
	topo.Prototypes[2].Constraint = nil

	got := Violations(topo, []types.HostComponent{hc(10, 21, 100)})
	assert.Equal(t, []string{"svc.agent is bound to svc.comp, which is not mapped on host h1"}, got)
}

func TestCheckReferences(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	var foreign int64
	err = store.Update(func(tx storage.Tx) error {
		h := &types.Host{FQDN: "elsewhere"}
		if err := tx.CreateHost(h); err != nil {
			return err
		}
		foreign = h.ID
		return nil
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		entries []types.HostComponent
		code    adcmerr.Code
	}{
		{"unknown host", []types.HostComponent{hc(10, 20, 999)}, adcmerr.HostNotFound},
		{"foreign host", []types.HostComponent{hc(10, 20, foreign)}, adcmerr.ForeignHost},
		{"unknown service", []types.HostComponent{hc(99, 20, 100)}, adcmerr.ServiceNotFound},
		{"component of other service", []types.HostComponent{hc(11, 20, 100)}, adcmerr.ComponentNotFound},
		{"duplicate", []types.HostComponent{hc(10, 20, 100), hc(10, 20, 100)}, adcmerr.InvalidInput},
		{"constraint", []types.HostComponent{hc(10, 20, 100)}, adcmerr.ComponentConstraintError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.View(func(tx storage.Tx) error {
				return Check(tx, fixture(), tt.entries)
			})
			require.Error(t, err)
			assert.True(t, adcmerr.Is(err, tt.code), err.Error())
		})
	}

	err = store.View(func(tx storage.Tx) error {
		return Check(tx, fixture(), []types.HostComponent{hc(10, 20, 100), hc(10, 20, 101)})
	})
	assert.NoError(t, err)
}

func TestDiff(t *testing.T) {
	old := []types.HostComponent{hc(10, 20, 100), hc(10, 20, 101)}
	next := []types.HostComponent{hc(10, 20, 100), hc(10, 21, 100)}

	added, removed := Diff(old, next)
	assert.Equal(t, []types.HostComponent{hc(10, 21, 100)}, added)
	assert.Equal(t, []types.HostComponent{hc(10, 20, 101)}, removed)
}

func TestCheckMaintenance(t *testing.T) {
	topo := fixture()
	topo.Hosts[101].MaintenanceMode = types.MaintenanceOn

	assert.NoError(t, CheckMaintenance(topo, []types.HostComponent{hc(10, 20, 100)}, nil))

	err := CheckMaintenance(topo, nil, []types.HostComponent{hc(10, 20, 101), hc(10, 21, 101)})
	require.Error(t, err)
	assert.Equal(t, adcmerr.InvalidHCHostInMM, adcmerr.CodeOf(err))
}

func TestCheckACL(t *testing.T) {
	topo := fixture()
	rules := []types.HCRule{{Service: "svc", Component: "comp", Action: types.HCAdd}}

	assert.NoError(t, CheckACL(topo, rules, []types.HostComponent{hc(10, 20, 101)}, nil))

	err := CheckACL(topo, rules, nil, []types.HostComponent{hc(10, 20, 100)})
	assert.True(t, adcmerr.Is(err, adcmerr.WrongActionHC))

	err = CheckACL(topo, rules, []types.HostComponent{hc(10, 21, 100)}, nil)
	assert.True(t, adcmerr.Is(err, adcmerr.WrongActionHC))
}
