package storage

import (
	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/types"
)

// GetObject loads the topology object behind ref
func GetObject(tx Tx, ref types.ObjectRef) (types.Entity, error) {
	switch ref.Type {
	case types.ObjectCluster:
		return tx.GetCluster(ref.ID)
	case types.ObjectService:
		return tx.GetService(ref.ID)
	case types.ObjectComponent:
		return tx.GetComponent(ref.ID)
	case types.ObjectProvider:
		return tx.GetProvider(ref.ID)
	case types.ObjectHost:
		return tx.GetHost(ref.ID)
	}
	return nil, adcmerr.New(adcmerr.InvalidInput, "%s is not a topology object", ref)
}

// UpdateObject writes back an object loaded with GetObject
func UpdateObject(tx Tx, e types.Entity) error {
	switch o := e.(type) {
	case *types.Cluster:
		return tx.UpdateCluster(o)
	case *types.Service:
		return tx.UpdateService(o)
	case *types.Component:
		return tx.UpdateComponent(o)
	case *types.Provider:
		return tx.UpdateProvider(o)
	case *types.Host:
		return tx.UpdateHost(o)
	}
	return adcmerr.New(adcmerr.InvalidInput, "%T is not a topology object", e)
}

// ClusterOf returns the cluster id an object belongs to, or 0
func ClusterOf(e types.Entity) int64 {
	switch o := e.(type) {
	case *types.Cluster:
		return o.ID
	case *types.Service:
		return o.ClusterID
	case *types.Component:
		return o.ClusterID
	case *types.Host:
		return o.ClusterID
	}
	return 0
}
