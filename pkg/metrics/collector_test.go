package metrics

import (
	"testing"

	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsObjectsAndConcerns(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.Update(func(tx storage.Tx) error {
		require.NoError(t, tx.CreateCluster(&types.Cluster{Name: "c1"}))
		require.NoError(t, tx.CreateCluster(&types.Cluster{Name: "c2"}))
		require.NoError(t, tx.CreateHost(&types.Host{FQDN: "h1"}))
		return tx.CreateConcern(&types.Concern{
			Type:  types.ConcernIssue,
			Cause: types.CauseConfig,
			Owner: types.Ref(types.ObjectCluster, 1),
		})
	})
	require.NoError(t, err)

	c := NewCollector(store)
	c.collect()

	require.Equal(t, 2.0, testutil.ToFloat64(ObjectsTotal.WithLabelValues("cluster")))
	require.Equal(t, 1.0, testutil.ToFloat64(ObjectsTotal.WithLabelValues("host")))
	require.Equal(t, 0.0, testutil.ToFloat64(ObjectsTotal.WithLabelValues("provider")))
	require.Equal(t, 1.0, testutil.ToFloat64(ConcernsTotal.WithLabelValues("issue", "config")))
}
