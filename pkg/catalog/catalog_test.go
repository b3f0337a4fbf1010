package catalog

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*storage.BoltStore, map[string]*types.Prototype) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	protos := map[string]*types.Prototype{}
	err = store.Update(func(tx storage.Tx) error {
		b := &types.Bundle{Name: "b", Version: "1.0", Hash: "h"}
		require.NoError(t, tx.CreateBundle(b))

		add := func(key string, p *types.Prototype) *types.Prototype {
			p.BundleID = b.ID
			require.NoError(t, tx.CreatePrototype(p))
			protos[key] = p
			return p
		}
		add("cluster", &types.Prototype{Type: types.ObjectCluster, Name: "c"})
		a := add("a", &types.Prototype{Type: types.ObjectService, Name: "a",
			Requires: []types.ServiceComponentRef{{Service: "b"}}})
		add("b", &types.Prototype{Type: types.ObjectService, Name: "b",
			Requires: []types.ServiceComponentRef{{Service: "a"}, {Service: "c", Component: "x"}}})
		c := add("c", &types.Prototype{Type: types.ObjectService, Name: "c"})
		add("a.x", &types.Prototype{Type: types.ObjectComponent, Name: "x", ParentID: a.ID})
		add("c.x", &types.Prototype{Type: types.ObjectComponent, Name: "x", ParentID: c.ID})
		add("broken", &types.Prototype{Type: types.ObjectService, Name: "broken",
			Requires: []types.ServiceComponentRef{{Service: "missing"}}})

		require.NoError(t, tx.CreateAction(&types.Action{PrototypeID: a.ID, Name: "install"}))
		return nil
	})
	require.NoError(t, err)
	return store, protos
}

func TestLookup(t *testing.T) {
	store, protos := seed(t)

	err := store.View(func(tx storage.Tx) error {
		c := New(tx)

		p, err := c.Lookup(protos["a"].BundleID, types.ObjectService, "c")
		require.NoError(t, err)
		assert.Equal(t, protos["c"].ID, p.ID)

		_, err = c.Lookup(protos["a"].BundleID, types.ObjectService, "nope")
		assert.True(t, adcmerr.Is(err, adcmerr.PrototypeNotFound))

		main, err := c.Main(protos["a"].BundleID)
		require.NoError(t, err)
		assert.Equal(t, protos["cluster"].ID, main.ID)

		comps, err := c.Components(protos["c"])
		require.NoError(t, err)
		require.Len(t, comps, 1)
		assert.Equal(t, protos["c.x"].ID, comps[0].ID)

		action, err := c.Action(protos["a"], "install")
		require.NoError(t, err)
		assert.Equal(t, "install", action.Name)

		_, err = c.Action(protos["a"], "remove")
		assert.True(t, adcmerr.Is(err, adcmerr.ActionNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestRequiresClosureTerminatesOnCycles(t *testing.T) {
	store, protos := seed(t)

	err := store.View(func(tx storage.Tx) error {
		c := New(tx)

		closure, err := c.RequiresClosure(protos["a"])
		require.NoError(t, err)

		var names []string
		for _, p := range closure {
			names = append(names, string(p.Type)+":"+p.Name)
		}
		assert.Equal(t, []string{"service:b", "service:c", "component:x"}, names)

		_, err = c.RequiresClosure(protos["broken"])
		assert.True(t, adcmerr.Is(err, adcmerr.PrototypeNotFound))
		return nil
	})
	require.NoError(t, err)
}
