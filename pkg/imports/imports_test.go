package imports

import (
	"testing"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.BoltStore
	importer *types.Cluster
	exp10    *types.Cluster
	exp11    *types.Cluster
	other    *types.Cluster
}

// newFixture builds an importing cluster "app" and exporting clusters of the
// "db" prototype in versions 1.0 and 1.1
func newFixture(t *testing.T, def types.ImportDef) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store}
	err = store.Update(func(tx storage.Tx) error {
		proto := func(name, version string, p *types.Prototype) *types.Prototype {
			b := &types.Bundle{Name: name, Version: version, Hash: name + version}
			require.NoError(t, tx.CreateBundle(b))
			p.BundleID, p.Type, p.Name, p.Version = b.ID, types.ObjectCluster, name, version
			require.NoError(t, tx.CreatePrototype(p))
			return p
		}
		app := proto("app", "1.0", &types.Prototype{Imports: []types.ImportDef{def}})
		db10 := proto("db", "1.0", &types.Prototype{Exports: []string{"endpoint"}})
		db11 := proto("db", "1.1", &types.Prototype{Exports: []string{"endpoint"}})
		web := proto("web", "1.0", &types.Prototype{Exports: []string{"url"}})

		cluster := func(name string, p *types.Prototype) *types.Cluster {
			c := &types.Cluster{Name: name, Object: types.Object{PrototypeID: p.ID}}
			require.NoError(t, tx.CreateCluster(c))
			return c
		}
		f.importer = cluster("app1", app)
		f.exp10 = cluster("db10", db10)
		f.exp11 = cluster("db11", db11)
		f.other = cluster("web1", web)
		return nil
	})
	require.NoError(t, err)
	return f
}

func TestGetImportsFiltersByVersion(t *testing.T) {
	f := newFixture(t, types.ImportDef{Name: "db", Versions: types.VersionRange{Min: "1.0", Max: "1.0"}})

	err := f.store.View(func(tx storage.Tx) error {
		imps, err := GetImports(tx, types.Ref(types.ObjectCluster, f.importer.ID))
		require.NoError(t, err)
		require.Len(t, imps, 1)
		require.Len(t, imps[0].Candidates, 1)
		assert.Equal(t, f.exp10.ID, imps[0].Candidates[0].ClusterID)
		assert.False(t, imps[0].Candidates[0].Bound)
		return nil
	})
	require.NoError(t, err)
}

func TestValidateBinds(t *testing.T) {
	tests := []struct {
		name    string
		def     types.ImportDef
		sources func(f *fixture) []Source
		code    adcmerr.Code
		count   int
	}{
		{
			name:    "single bind",
			def:     types.ImportDef{Name: "db"},
			sources: func(f *fixture) []Source { return []Source{{ClusterID: f.exp10.ID}} },
			count:   1,
		},
		{
			name: "version out of range",
			def:  types.ImportDef{Name: "db", Versions: types.VersionRange{Max: "1.0"}},
			sources: func(f *fixture) []Source {
				return []Source{{ClusterID: f.exp11.ID}}
			},
			code: adcmerr.BindError,
		},
		{
			name: "not imported",
			def:  types.ImportDef{Name: "db"},
			sources: func(f *fixture) []Source {
				return []Source{{ClusterID: f.other.ID}}
			},
			code: adcmerr.BindError,
		},
		{
			name: "second bind without multibind",
			def:  types.ImportDef{Name: "db"},
			sources: func(f *fixture) []Source {
				return []Source{{ClusterID: f.exp10.ID}, {ClusterID: f.exp11.ID}}
			},
			code: adcmerr.BindError,
		},
		{
			name: "multibind",
			def:  types.ImportDef{Name: "db", Multibind: true},
			sources: func(f *fixture) []Source {
				return []Source{{ClusterID: f.exp10.ID}, {ClusterID: f.exp11.ID}}
			},
			count: 2,
		},
		{
			name: "self",
			def:  types.ImportDef{Name: "app"},
			sources: func(f *fixture) []Source {
				return []Source{{ClusterID: f.importer.ID}}
			},
			code: adcmerr.BindError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.def)
			err := f.store.View(func(tx storage.Tx) error {
				binds, err := ValidateBinds(tx, types.Ref(types.ObjectCluster, f.importer.ID), tt.sources(f))
				if tt.code != "" {
					assert.True(t, adcmerr.Is(err, tt.code), "got %v", err)
					return nil
				}
				require.NoError(t, err)
				assert.Len(t, binds, tt.count)
				for _, b := range binds {
					assert.Equal(t, f.importer.ID, b.ClusterID)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestCheckRequiredImport(t *testing.T) {
	f := newFixture(t, types.ImportDef{Name: "db", Required: true})
	ref := types.Ref(types.ObjectCluster, f.importer.ID)

	err := f.store.Update(func(tx storage.Tx) error {
		problems, err := Check(tx, ref)
		require.NoError(t, err)
		assert.Equal(t, []string{`required import "db" is not bound`}, problems)

		require.NoError(t, tx.CreateBind(&types.ClusterBind{ClusterID: f.importer.ID, SourceClusterID: f.exp10.ID}))
		problems, err = Check(tx, ref)
		require.NoError(t, err)
		assert.Empty(t, problems)
		return nil
	})
	require.NoError(t, err)
}

func TestCheckUpgradeRefusesOutOfRangeExport(t *testing.T) {
	f := newFixture(t, types.ImportDef{Name: "db", Versions: types.VersionRange{Max: "1.0"}})

	err := f.store.Update(func(tx storage.Tx) error {
		require.NoError(t, tx.CreateBind(&types.ClusterBind{ClusterID: f.importer.ID, SourceClusterID: f.exp10.ID}))

		target, err := tx.GetPrototype(f.exp11.PrototypeID)
		require.NoError(t, err)

		err = CheckUpgrade(tx, f.exp10, target)
		assert.True(t, adcmerr.Is(err, adcmerr.UpgradeError))
		assert.Contains(t, err.Error(), "exporter db10")

		same, err := tx.GetPrototype(f.exp10.PrototypeID)
		require.NoError(t, err)
		assert.NoError(t, CheckUpgrade(tx, f.exp10, same))
		return nil
	})
	require.NoError(t, err)
}
