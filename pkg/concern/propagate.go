package concern

import (
	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// refSet keeps insertion-independent, sorted output
type refSet map[types.ObjectRef]bool

func (s refSet) add(refs ...types.ObjectRef) {
	for _, r := range refs {
		if r.ID != 0 {
			s[r] = true
		}
	}
}

func (s refSet) sorted() []types.ObjectRef {
	out := make([]types.ObjectRef, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	types.SortRefs(out)
	return out
}

// Related returns the objects a concern owned by owner is attached to,
// owner included:
//
//	host      -> provider, cluster, services and components mapped on it
//	component -> service, cluster
//	service   -> cluster, its components
//	cluster   -> services, components, attached hosts
//	provider  -> its hosts
func Related(tx storage.Tx, owner types.ObjectRef) ([]types.ObjectRef, error) {
	set := refSet{}
	set.add(owner)

	switch owner.Type {
	case types.ObjectCluster:
		if err := addClusterTree(tx, set, owner.ID); err != nil {
			return nil, err
		}
		hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: owner.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			set.add(h.Ref())
		}

	case types.ObjectService:
		svc, err := tx.GetService(owner.ID)
		if err != nil {
			return nil, err
		}
		set.add(types.Ref(types.ObjectCluster, svc.ClusterID))
		comps, err := tx.ListComponents(svc.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			set.add(c.Ref())
		}

	case types.ObjectComponent:
		comp, err := tx.GetComponent(owner.ID)
		if err != nil {
			return nil, err
		}
		set.add(types.Ref(types.ObjectService, comp.ServiceID), types.Ref(types.ObjectCluster, comp.ClusterID))

	case types.ObjectHost:
		host, err := tx.GetHost(owner.ID)
		if err != nil {
			return nil, err
		}
		set.add(types.Ref(types.ObjectProvider, host.ProviderID))
		if host.ClusterID != 0 {
			set.add(types.Ref(types.ObjectCluster, host.ClusterID))
			hc, err := tx.ListHostComponents(host.ClusterID)
			if err != nil {
				return nil, err
			}
			for _, e := range hc {
				if e.HostID == host.ID {
					set.add(types.Ref(types.ObjectService, e.ServiceID), types.Ref(types.ObjectComponent, e.ComponentID))
				}
			}
		}

	case types.ObjectProvider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: owner.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			set.add(h.Ref())
		}
	}
	return set.sorted(), nil
}

func addClusterTree(tx storage.Tx, set refSet, clusterID int64) error {
	services, err := tx.ListServices(clusterID)
	if err != nil {
		return err
	}
	for _, s := range services {
		set.add(s.Ref())
	}
	comps, err := tx.ListClusterComponents(clusterID)
	if err != nil {
		return err
	}
	for _, c := range comps {
		set.add(c.Ref())
	}
	return nil
}

// LockScope returns every object a task running on target must lock:
// the target, the topology it affects, the hosts mapped to it and their
// providers. Host actions lock the host and its provider; provider actions
// lock the provider and its hosts.
func LockScope(tx storage.Tx, target types.ObjectRef) ([]types.ObjectRef, error) {
	set := refSet{}
	set.add(target)

	var clusterID int64
	var keep func(types.HostComponent) bool

	switch target.Type {
	case types.ObjectCluster:
		clusterID = target.ID
		if err := addClusterTree(tx, set, clusterID); err != nil {
			return nil, err
		}
		keep = func(types.HostComponent) bool { return true }

	case types.ObjectService:
		svc, err := tx.GetService(target.ID)
		if err != nil {
			return nil, err
		}
		clusterID = svc.ClusterID
		set.add(types.Ref(types.ObjectCluster, clusterID))
		comps, err := tx.ListComponents(svc.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			set.add(c.Ref())
		}
		keep = func(e types.HostComponent) bool { return e.ServiceID == svc.ID }

	case types.ObjectComponent:
		comp, err := tx.GetComponent(target.ID)
		if err != nil {
			return nil, err
		}
		clusterID = comp.ClusterID
		set.add(types.Ref(types.ObjectService, comp.ServiceID), types.Ref(types.ObjectCluster, clusterID))
		keep = func(e types.HostComponent) bool { return e.ComponentID == comp.ID }

	case types.ObjectHost:
		host, err := tx.GetHost(target.ID)
		if err != nil {
			return nil, err
		}
		set.add(types.Ref(types.ObjectProvider, host.ProviderID))
		return set.sorted(), nil

	case types.ObjectProvider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: target.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			set.add(h.Ref())
		}
		return set.sorted(), nil

	default:
		return set.sorted(), nil
	}

	hc, err := tx.ListHostComponents(clusterID)
	if err != nil {
		return nil, err
	}
	for _, e := range hc {
		if keep(e) {
			if err := addHost(tx, set, e.HostID); err != nil {
				return nil, err
			}
		}
	}
	return set.sorted(), nil
}

func addHost(tx storage.Tx, set refSet, hostID int64) error {
	ref := types.Ref(types.ObjectHost, hostID)
	if set[ref] {
		return nil
	}
	host, err := tx.GetHost(hostID)
	if err != nil {
		return err
	}
	set.add(ref, types.Ref(types.ObjectProvider, host.ProviderID))
	return nil
}

// expand turns the refs touched by a mutation into the objects whose causes
// must be evaluated again. Objects that no longer exist are skipped.
func expand(tx storage.Tx, refs []types.ObjectRef) ([]types.ObjectRef, error) {
	set := refSet{}
	clusters := make(map[int64]bool)
	for _, ref := range refs {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			if adcmerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		set.add(ref)
		switch o := ent.(type) {
		case *types.Host:
			set.add(types.Ref(types.ObjectProvider, o.ProviderID))
		case *types.Provider:
			hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: o.ID})
			if err != nil {
				return nil, err
			}
			for _, h := range hosts {
				set.add(h.Ref())
			}
		}
		if id := storage.ClusterOf(ent); id != 0 {
			clusters[id] = true
		}
	}
	for id := range clusters {
		set.add(types.Ref(types.ObjectCluster, id))
		if err := addClusterTree(tx, set, id); err != nil {
			return nil, err
		}
		hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: id})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			set.add(h.Ref())
		}
	}
	return set.sorted(), nil
}
