package manager

import (
	"context"
	"slices"
	"strings"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

func newObject(proto *types.Prototype) types.Object {
	return types.Object{PrototypeID: proto.ID, State: types.StateCreated, MultiState: []string{}}
}

func checkLicense(proto *types.Prototype) error {
	if proto.License == types.LicenseUnaccepted {
		return adcmerr.New(adcmerr.LicenseError, "license of %s %q %s is not accepted", proto.Type, proto.Name, proto.Version)
	}
	return nil
}

func prototypeOf(tx storage.Tx, id int64, kind types.ObjectType) (*types.Prototype, error) {
	proto, err := tx.GetPrototype(id)
	if err != nil {
		return nil, err
	}
	if proto.Type != kind {
		return nil, adcmerr.New(adcmerr.InvalidInput, "prototype %d is a %s prototype, not %s", id, proto.Type, kind)
	}
	return proto, nil
}

// AddCluster creates a cluster from a cluster prototype with a default config
func (m *Manager) AddCluster(ctx context.Context, protoID int64, name, description string) (*types.Cluster, error) {
	var cluster *types.Cluster
	err := m.Update(ctx, "add_cluster", func(tx storage.Tx, batch *events.Batch) error {
		proto, err := prototypeOf(tx, protoID, types.ObjectCluster)
		if err != nil {
			return err
		}
		if err := checkLicense(proto); err != nil {
			return err
		}
		if strings.TrimSpace(name) == "" {
			return adcmerr.New(adcmerr.InvalidInput, "cluster name is empty")
		}
		cluster = &types.Cluster{Name: name, Description: description, Object: newObject(proto)}
		if err := tx.CreateCluster(cluster); err != nil {
			return err
		}
		if cluster.ConfigID, err = m.newConfig(tx, cluster.Ref(), proto.Config); err != nil {
			return err
		}
		if err := tx.UpdateCluster(cluster); err != nil {
			return err
		}
		batch.Add(events.EventCreate, cluster.Ref(), map[string]any{"name": name})
		return m.engine.Recompute(tx, batch, cluster.Ref())
	})
	if err != nil {
		return nil, err
	}
	return cluster, nil
}

// AddService adds a service and all of its components to a cluster
func (m *Manager) AddService(ctx context.Context, clusterID, protoID int64) (*types.Service, error) {
	var svc *types.Service
	err := m.Update(ctx, "add_service", func(tx storage.Tx, batch *events.Batch) error {
		var err error
		svc, err = m.addService(ctx, tx, batch, clusterID, protoID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (m *Manager) addService(ctx context.Context, tx storage.Tx, batch *events.Batch, clusterID, protoID int64) (*types.Service, error) {
	cat := catalog.New(tx)
	cluster, err := tx.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if err := m.checkUnlocked(ctx, tx, cluster.Ref()); err != nil {
		return nil, err
	}
	proto, err := prototypeOf(tx, protoID, types.ObjectService)
	if err != nil {
		return nil, err
	}
	if err := checkLicense(proto); err != nil {
		return nil, err
	}
	clusterProto, err := cat.Prototype(cluster.PrototypeID)
	if err != nil {
		return nil, err
	}
	if !proto.Shared && proto.BundleID != clusterProto.BundleID {
		return nil, adcmerr.New(adcmerr.InvalidInput, "service %q is not part of the bundle of cluster %q", proto.Name, cluster.Name)
	}

	existing, err := tx.ListServices(clusterID)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		p, err := cat.Prototype(s.PrototypeID)
		if err != nil {
			return nil, err
		}
		if p.Name == proto.Name {
			return nil, adcmerr.New(adcmerr.ServiceConflict, "service %q is already added to cluster %q", proto.Name, cluster.Name)
		}
	}

	svc := &types.Service{ClusterID: clusterID, MaintenanceMode: types.MaintenanceOff, Object: newObject(proto)}
	if err := tx.CreateService(svc); err != nil {
		return nil, err
	}
	if svc.ConfigID, err = m.newConfig(tx, svc.Ref(), proto.Config); err != nil {
		return nil, err
	}
	if err := tx.UpdateService(svc); err != nil {
		return nil, err
	}

	comps, err := cat.Components(proto)
	if err != nil {
		return nil, err
	}
	for _, cp := range comps {
		comp := &types.Component{ClusterID: clusterID, ServiceID: svc.ID, MaintenanceMode: types.MaintenanceOff, Object: newObject(cp)}
		if err := tx.CreateComponent(comp); err != nil {
			return nil, err
		}
		if comp.ConfigID, err = m.newConfig(tx, comp.Ref(), cp.Config); err != nil {
			return nil, err
		}
		if err := tx.UpdateComponent(comp); err != nil {
			return nil, err
		}
	}

	batch.Add(events.EventAdd, cluster.Ref(), map[string]any{"service_id": svc.ID, "name": proto.Name})
	return svc, m.engine.Recompute(tx, batch, svc.Ref())
}

// AddHostProvider creates a host provider
func (m *Manager) AddHostProvider(ctx context.Context, protoID int64, name, description string) (*types.Provider, error) {
	var provider *types.Provider
	err := m.Update(ctx, "add_host_provider", func(tx storage.Tx, batch *events.Batch) error {
		proto, err := prototypeOf(tx, protoID, types.ObjectProvider)
		if err != nil {
			return err
		}
		if err := checkLicense(proto); err != nil {
			return err
		}
		if strings.TrimSpace(name) == "" {
			return adcmerr.New(adcmerr.InvalidInput, "host provider name is empty")
		}
		provider = &types.Provider{Name: name, Description: description, Object: newObject(proto)}
		if err := tx.CreateProvider(provider); err != nil {
			return err
		}
		if provider.ConfigID, err = m.newConfig(tx, provider.Ref(), proto.Config); err != nil {
			return err
		}
		if err := tx.UpdateProvider(provider); err != nil {
			return err
		}
		batch.Add(events.EventCreate, provider.Ref(), map[string]any{"name": name})
		return m.engine.Recompute(tx, batch, provider.Ref())
	})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// AddHost creates a host under a provider. A zero protoID selects the host
// prototype of the provider's bundle.
func (m *Manager) AddHost(ctx context.Context, providerID, protoID int64, fqdn, description string) (*types.Host, error) {
	var host *types.Host
	err := m.Update(ctx, "add_host", func(tx storage.Tx, batch *events.Batch) error {
		var err error
		host, err = m.addHost(ctx, tx, batch, providerID, protoID, fqdn, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func (m *Manager) addHost(ctx context.Context, tx storage.Tx, batch *events.Batch, providerID, protoID int64, fqdn, description string) (*types.Host, error) {
	cat := catalog.New(tx)
	provider, err := tx.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	if err := m.checkUnlocked(ctx, tx, provider.Ref()); err != nil {
		return nil, err
	}
	providerProto, err := cat.Prototype(provider.PrototypeID)
	if err != nil {
		return nil, err
	}

	var proto *types.Prototype
	if protoID == 0 {
		protos, err := cat.OfType(providerProto.BundleID, types.ObjectHost)
		if err != nil {
			return nil, err
		}
		if len(protos) == 0 {
			return nil, adcmerr.New(adcmerr.PrototypeNotFound, "bundle of provider %q has no host prototype", provider.Name)
		}
		proto = protos[0]
	} else if proto, err = prototypeOf(tx, protoID, types.ObjectHost); err != nil {
		return nil, err
	}
	if proto.BundleID != providerProto.BundleID {
		return nil, adcmerr.New(adcmerr.ForeignHost, "host prototype %q does not belong to the bundle of provider %q", proto.Name, provider.Name)
	}
	if err := validateFQDN(fqdn); err != nil {
		return nil, err
	}

	host := &types.Host{
		ProviderID:      providerID,
		FQDN:            fqdn,
		Description:     description,
		MaintenanceMode: types.MaintenanceOff,
		Object:          newObject(proto),
	}
	if err := tx.CreateHost(host); err != nil {
		return nil, err
	}
	if host.ConfigID, err = m.newConfig(tx, host.Ref(), proto.Config); err != nil {
		return nil, err
	}
	if err := tx.UpdateHost(host); err != nil {
		return nil, err
	}
	batch.Add(events.EventCreate, host.Ref(), map[string]any{"fqdn": fqdn, "provider_id": providerID})
	if err := m.extendLock(ctx, tx, host.Ref()); err != nil {
		return nil, err
	}
	return host, m.engine.Recompute(tx, batch, host.Ref())
}

// validateFQDN accepts RFC 1123 host names
func validateFQDN(fqdn string) error {
	if fqdn == "" || len(fqdn) > 253 {
		return adcmerr.New(adcmerr.InvalidInput, "invalid host name %q", fqdn)
	}
	for _, label := range strings.Split(fqdn, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return adcmerr.New(adcmerr.InvalidInput, "invalid host name %q", fqdn)
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return adcmerr.New(adcmerr.InvalidInput, "invalid host name %q", fqdn)
			}
		}
	}
	return nil
}

// AddHostToCluster attaches an unattached host. Attaching a host to the
// cluster it is already in does nothing.
func (m *Manager) AddHostToCluster(ctx context.Context, clusterID, hostID int64) (*types.Host, error) {
	var host *types.Host
	err := m.Update(ctx, "add_host_to_cluster", func(tx storage.Tx, batch *events.Batch) error {
		var err error
		host, err = m.addHostToCluster(ctx, tx, batch, clusterID, hostID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func (m *Manager) addHostToCluster(ctx context.Context, tx storage.Tx, batch *events.Batch, clusterID, hostID int64) (*types.Host, error) {
	cluster, err := tx.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	host, err := tx.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	if host.ClusterID == clusterID {
		return host, nil
	}
	if host.ClusterID != 0 {
		return nil, adcmerr.New(adcmerr.ForeignHost, "host %s is attached to another cluster", host.FQDN).About(host.Ref())
	}
	if err := m.checkUnlocked(ctx, tx, cluster.Ref(), host.Ref()); err != nil {
		return nil, err
	}
	host.ClusterID = clusterID
	if err := tx.UpdateHost(host); err != nil {
		return nil, err
	}
	batch.Add(events.EventAdd, cluster.Ref(), map[string]any{"host_id": host.ID, "fqdn": host.FQDN})
	if err := m.extendLock(ctx, tx, host.Ref(), types.Ref(types.ObjectProvider, host.ProviderID)); err != nil {
		return nil, err
	}
	return host, m.engine.Recompute(tx, batch, host.Ref(), cluster.Ref())
}

// RemoveHostFromCluster detaches a host and drops its host-component entries
func (m *Manager) RemoveHostFromCluster(ctx context.Context, hostID int64) error {
	return m.Update(ctx, "remove_host_from_cluster", func(tx storage.Tx, batch *events.Batch) error {
		host, err := tx.GetHost(hostID)
		if err != nil {
			return err
		}
		if host.ClusterID == 0 {
			return adcmerr.New(adcmerr.HostConflict, "host %s is not attached to a cluster", host.FQDN)
		}
		clusterRef := types.Ref(types.ObjectCluster, host.ClusterID)
		if err := m.checkUnlocked(ctx, tx, host.Ref(), clusterRef); err != nil {
			return err
		}

		hc, err := tx.ListHostComponents(host.ClusterID)
		if err != nil {
			return err
		}
		kept := slices.DeleteFunc(slices.Clone(hc), func(e types.HostComponent) bool { return e.HostID == host.ID })
		if len(kept) != len(hc) {
			if err := tx.ReplaceHostComponents(host.ClusterID, kept); err != nil {
				return err
			}
			batch.Add(events.EventChangeHC, clusterRef, nil)
		}
		if err := removeFromGroups(tx, host.ClusterID, host.ID, nil); err != nil {
			return err
		}

		host.ClusterID = 0
		host.MaintenanceMode = types.MaintenanceOff
		if err := tx.UpdateHost(host); err != nil {
			return err
		}
		batch.Add(events.EventRemove, clusterRef, map[string]any{"host_id": host.ID, "fqdn": host.FQDN})
		return m.engine.Recompute(tx, batch, host.Ref(), clusterRef)
	})
}

// DeleteCluster deletes a cluster with its services, components, binds,
// configs and host-component map; hosts are detached
func (m *Manager) DeleteCluster(ctx context.Context, clusterID int64) error {
	return m.Update(ctx, "delete_cluster", func(tx storage.Tx, batch *events.Batch) error {
		cluster, err := tx.GetCluster(clusterID)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, cluster.Ref()); err != nil {
			return err
		}

		var touched []types.ObjectRef
		services, err := tx.ListServices(clusterID)
		if err != nil {
			return err
		}
		for _, s := range services {
			refs, err := m.purgeService(tx, batch, s)
			if err != nil {
				return err
			}
			touched = append(touched, refs...)
		}

		hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
		if err != nil {
			return err
		}
		for _, h := range hosts {
			h.ClusterID = 0
			h.MaintenanceMode = types.MaintenanceOff
			if err := tx.UpdateHost(h); err != nil {
				return err
			}
			touched = append(touched, h.Ref())
		}

		refs, err := m.purgeBinds(tx, storage.BindFilter{ClusterID: clusterID}, storage.BindFilter{SourceClusterID: clusterID})
		if err != nil {
			return err
		}
		touched = append(touched, refs...)

		if err := m.PurgeObject(tx, batch, cluster.Ref(), cluster.ConfigID); err != nil {
			return err
		}
		if err := tx.DeleteCluster(clusterID); err != nil {
			return err
		}
		batch.Add(events.EventDelete, cluster.Ref(), map[string]any{"name": cluster.Name})
		return m.recomputeExisting(tx, batch, touched)
	})
}

// DeleteService removes a service from its cluster. A service that others
// import from, that is required, or that is still mapped cannot be removed.
func (m *Manager) DeleteService(ctx context.Context, serviceID int64) error {
	return m.Update(ctx, "delete_service", func(tx storage.Tx, batch *events.Batch) error {
		cat := catalog.New(tx)
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, svc.Ref()); err != nil {
			return err
		}
		proto, err := cat.Prototype(svc.PrototypeID)
		if err != nil {
			return err
		}
		if proto.Required {
			return adcmerr.New(adcmerr.ServiceConflict, "service %q is required by the cluster", proto.Name)
		}
		binds, err := tx.ListBinds(storage.BindFilter{SourceServiceID: serviceID})
		if err != nil {
			return err
		}
		if len(binds) > 0 {
			return adcmerr.New(adcmerr.ServiceConflict, "service %q has exports bound by %s", proto.Name, binds[0].Importer())
		}
		hc, err := tx.ListHostComponents(svc.ClusterID)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(hc, func(e types.HostComponent) bool { return e.ServiceID == serviceID }) {
			return adcmerr.New(adcmerr.ServiceConflict, "service %q has components mapped on hosts", proto.Name)
		}
		if by, err := requiredBy(tx, cat, svc, proto.Name); err != nil {
			return err
		} else if by != "" {
			return adcmerr.New(adcmerr.ServiceConflict, "service %q is required by %s", proto.Name, by)
		}

		touched, err := m.purgeService(tx, batch, svc)
		if err != nil {
			return err
		}
		clusterRef := types.Ref(types.ObjectCluster, svc.ClusterID)
		batch.Add(events.EventRemove, clusterRef, map[string]any{"service_id": serviceID, "name": proto.Name})
		return m.recomputeExisting(tx, batch, append(touched, clusterRef))
	})
}

// recomputeExisting recomputes the refs that survived a deletion
func (m *Manager) recomputeExisting(tx storage.Tx, batch *events.Batch, refs []types.ObjectRef) error {
	alive := make([]types.ObjectRef, 0, len(refs))
	for _, ref := range refs {
		if _, err := storage.GetObject(tx, ref); err == nil {
			alive = append(alive, ref)
		} else if !adcmerr.IsNotFound(err) {
			return err
		}
	}
	return m.engine.Recompute(tx, batch, alive...)
}

// requiredBy names another service or component of the cluster that
// requires the service called name
func requiredBy(tx storage.Tx, cat *catalog.Catalog, svc *types.Service, name string) (string, error) {
	services, err := tx.ListServices(svc.ClusterID)
	if err != nil {
		return "", err
	}
	for _, other := range services {
		if other.ID == svc.ID {
			continue
		}
		p, err := cat.Prototype(other.PrototypeID)
		if err != nil {
			return "", err
		}
		if slices.ContainsFunc(p.Requires, func(r types.ServiceComponentRef) bool { return r.Service == name }) {
			return "service " + p.Name, nil
		}
		comps, err := tx.ListComponents(other.ID)
		if err != nil {
			return "", err
		}
		for _, c := range comps {
			cp, err := cat.Prototype(c.PrototypeID)
			if err != nil {
				return "", err
			}
			if slices.ContainsFunc(cp.Requires, func(r types.ServiceComponentRef) bool { return r.Service == name }) {
				return "component " + p.Name + "." + cp.Name, nil
			}
		}
	}
	return "", nil
}

// purgeService deletes a service, its components and everything they own
func (m *Manager) purgeService(tx storage.Tx, batch *events.Batch, svc *types.Service) ([]types.ObjectRef, error) {
	comps, err := tx.ListComponents(svc.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range comps {
		if err := m.PurgeObject(tx, batch, c.Ref(), c.ConfigID); err != nil {
			return nil, err
		}
		if err := tx.DeleteComponent(c.ID); err != nil {
			return nil, err
		}
	}
	touched, err := m.purgeBinds(tx, storage.BindFilter{ClusterID: svc.ClusterID, ServiceID: svc.ID}, storage.BindFilter{SourceServiceID: svc.ID})
	if err != nil {
		return nil, err
	}
	if err := m.PurgeObject(tx, batch, svc.Ref(), svc.ConfigID); err != nil {
		return nil, err
	}
	if err := tx.DeleteService(svc.ID); err != nil {
		return nil, err
	}
	batch.Add(events.EventDelete, svc.Ref(), nil)
	return touched, nil
}

// purgeBinds deletes the binds matching the filters and returns the
// importers and exporters that lost a bind
func (m *Manager) purgeBinds(tx storage.Tx, filters ...storage.BindFilter) ([]types.ObjectRef, error) {
	var touched []types.ObjectRef
	for _, f := range filters {
		binds, err := tx.ListBinds(f)
		if err != nil {
			return nil, err
		}
		for _, b := range binds {
			if err := tx.DeleteBind(b.ID); err != nil {
				return nil, err
			}
			touched = append(touched, b.Importer(), b.Source())
		}
	}
	return touched, nil
}

// PurgeObject drops the config, host groups and concerns of an object
// about to be deleted
func (m *Manager) PurgeObject(tx storage.Tx, batch *events.Batch, ref types.ObjectRef, configID int64) error {
	groups, err := tx.ListGroups(&ref)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := deleteGroup(tx, g); err != nil {
			return err
		}
	}
	if configID != 0 {
		if err := tx.DeleteObjectConfig(configID); err != nil {
			return err
		}
	}
	return m.engine.Forget(tx, batch, ref)
}

// DeleteProvider deletes a host provider without hosts
func (m *Manager) DeleteProvider(ctx context.Context, providerID int64) error {
	return m.Update(ctx, "delete_provider", func(tx storage.Tx, batch *events.Batch) error {
		provider, err := tx.GetProvider(providerID)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, provider.Ref()); err != nil {
			return err
		}
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: providerID})
		if err != nil {
			return err
		}
		if len(hosts) > 0 {
			return adcmerr.New(adcmerr.ProviderConflict, "host provider %q still has host %s", provider.Name, hosts[0].FQDN)
		}
		if err := m.PurgeObject(tx, batch, provider.Ref(), provider.ConfigID); err != nil {
			return err
		}
		if err := tx.DeleteProvider(providerID); err != nil {
			return err
		}
		batch.Add(events.EventDelete, provider.Ref(), map[string]any{"name": provider.Name})
		return nil
	})
}

// DeleteHost deletes a host that is not attached to a cluster
func (m *Manager) DeleteHost(ctx context.Context, hostID int64) error {
	return m.Update(ctx, "delete_host", func(tx storage.Tx, batch *events.Batch) error {
		host, err := tx.GetHost(hostID)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, host.Ref()); err != nil {
			return err
		}
		if host.ClusterID != 0 {
			return adcmerr.New(adcmerr.HostConflict, "host %s is attached to cluster %d", host.FQDN, host.ClusterID).About(host.Ref())
		}
		if err := m.PurgeObject(tx, batch, host.Ref(), host.ConfigID); err != nil {
			return err
		}
		if err := tx.DeleteHost(hostID); err != nil {
			return err
		}
		batch.Add(events.EventDelete, host.Ref(), map[string]any{"fqdn": host.FQDN})
		return m.engine.Recompute(tx, batch, types.Ref(types.ObjectProvider, host.ProviderID))
	})
}
