package upgrade

import (
	"maps"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

func (c *Coordinator) switchCluster(tx storage.Tx, batch *events.Batch, cluster *types.Cluster, target *types.Prototype, u *types.Upgrade, hc []types.HostComponent) error {
	cat := catalog.New(tx)
	before, err := newBefore(tx, &cluster.Object)
	if err != nil {
		return err
	}
	before.Services = make(map[int64]int64)
	before.Components = make(map[int64]int64)
	if before.HC, err = tx.ListHostComponents(cluster.ID); err != nil {
		return err
	}

	services, err := tx.ListServices(cluster.ID)
	if err != nil {
		return err
	}
	for _, svc := range services {
		old, err := cat.Prototype(svc.PrototypeID)
		if err != nil {
			return err
		}
		next, err := cat.Lookup(u.BundleID, types.ObjectService, old.Name)
		if adcmerr.Is(err, adcmerr.PrototypeNotFound) {
			// left on its old prototype until the operator deletes it
			c.logger.Warn().Str("cluster", cluster.Name).Str("service", old.Name).Msg("Service is not part of the new bundle")
			continue
		}
		if err != nil {
			return err
		}
		before.Services[svc.ID] = svc.PrototypeID
		if err := c.rebindService(tx, batch, cat, svc, next, before.Components); err != nil {
			return err
		}
	}

	cluster.PrototypeID = target.ID
	if cluster.ConfigID, err = c.mgr.SwitchConfig(tx, cluster.Ref(), cluster.ConfigID, target.Config); err != nil {
		return err
	}
	switchState(&cluster.Object, u)
	cluster.BeforeUpgrade = before
	if err := tx.UpdateCluster(cluster); err != nil {
		return err
	}

	t, err := mapping.Load(tx, cluster.ID)
	if err != nil {
		return err
	}
	entries := surviving(t, t.HC)
	if hc != nil {
		entries = manager.Normalize(t, hc)
		if err := mapping.Check(tx, t, entries); err != nil {
			return err
		}
	}
	if err := c.mgr.SaveHC(tx, batch, t, entries); err != nil {
		return err
	}
	c.logger.Info().Str("cluster", cluster.Name).Str("version", target.Version).Int("services", len(before.Services)).Msg("Cluster switched")
	return c.mgr.Engine().Recompute(tx, batch, cluster.Ref())
}

// rebindService moves a service and its components to next. Components
// next lacks are deleted and new ones are created; moved components are
// recorded in moved.
func (c *Coordinator) rebindService(tx storage.Tx, batch *events.Batch, cat *catalog.Catalog, svc *types.Service, next *types.Prototype, moved map[int64]int64) error {
	var err error
	svc.PrototypeID = next.ID
	if svc.ConfigID, err = c.mgr.SwitchConfig(tx, svc.Ref(), svc.ConfigID, next.Config); err != nil {
		return err
	}
	if err := tx.UpdateService(svc); err != nil {
		return err
	}

	comps, err := tx.ListComponents(svc.ID)
	if err != nil {
		return err
	}
	present := make(map[string]bool)
	for _, comp := range comps {
		old, err := cat.Prototype(comp.PrototypeID)
		if err != nil {
			return err
		}
		cp, err := cat.Component(next, old.Name)
		if adcmerr.Is(err, adcmerr.PrototypeNotFound) {
			if err := c.deleteComponent(tx, batch, comp); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if moved != nil {
			moved[comp.ID] = comp.PrototypeID
		}
		comp.PrototypeID = cp.ID
		if comp.ConfigID, err = c.mgr.SwitchConfig(tx, comp.Ref(), comp.ConfigID, cp.Config); err != nil {
			return err
		}
		if err := tx.UpdateComponent(comp); err != nil {
			return err
		}
		present[cp.Name] = true
	}
	return c.addMissingComponents(tx, batch, cat, svc, next, present)
}

func (c *Coordinator) addMissingComponents(tx storage.Tx, batch *events.Batch, cat *catalog.Catalog, svc *types.Service, proto *types.Prototype, present map[string]bool) error {
	protos, err := cat.Components(proto)
	if err != nil {
		return err
	}
	for _, cp := range protos {
		if present[cp.Name] {
			continue
		}
		comp := &types.Component{
			Object:          types.Object{PrototypeID: cp.ID, State: types.StateCreated, MultiState: []string{}},
			ClusterID:       svc.ClusterID,
			ServiceID:       svc.ID,
			MaintenanceMode: types.MaintenanceOff,
		}
		if err := tx.CreateComponent(comp); err != nil {
			return err
		}
		if comp.ConfigID, err = c.mgr.NewObjectConfig(tx, comp.Ref(), cp.Config); err != nil {
			return err
		}
		if err := tx.UpdateComponent(comp); err != nil {
			return err
		}
		batch.Add(events.EventAdd, svc.Ref(), map[string]any{"component_id": comp.ID, "name": cp.Name})
	}
	return nil
}

func (c *Coordinator) deleteComponent(tx storage.Tx, batch *events.Batch, comp *types.Component) error {
	if err := c.mgr.PurgeObject(tx, batch, comp.Ref(), comp.ConfigID); err != nil {
		return err
	}
	if err := tx.DeleteComponent(comp.ID); err != nil {
		return err
	}
	batch.Add(events.EventDelete, comp.Ref(), nil)
	return nil
}

// surviving drops entries whose host, service or component is gone
func surviving(t *mapping.Topology, entries []types.HostComponent) []types.HostComponent {
	var out []types.HostComponent
	for _, e := range entries {
		comp, ok := t.Components[e.ComponentID]
		if !ok || comp.ServiceID != e.ServiceID {
			continue
		}
		if _, ok := t.Hosts[e.HostID]; !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Coordinator) switchProvider(tx storage.Tx, batch *events.Batch, provider *types.Provider, target *types.Prototype, u *types.Upgrade) error {
	cat := catalog.New(tx)
	before, err := newBefore(tx, &provider.Object)
	if err != nil {
		return err
	}
	before.Hosts = make(map[int64]int64)

	hostProtos, err := cat.OfType(u.BundleID, types.ObjectHost)
	if err != nil {
		return err
	}
	hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: provider.ID})
	if err != nil {
		return err
	}
	refs := []types.ObjectRef{provider.Ref()}
	for _, h := range hosts {
		old, err := cat.Prototype(h.PrototypeID)
		if err != nil {
			return err
		}
		next := hostPrototype(hostProtos, old.Name)
		if next == nil {
			return adcmerr.New(adcmerr.UpgradeError, "new bundle has no host prototype for host %s", h.FQDN)
		}
		before.Hosts[h.ID] = h.PrototypeID
		if err := c.rebindHost(tx, h, next); err != nil {
			return err
		}
		refs = append(refs, h.Ref())
	}

	provider.PrototypeID = target.ID
	if provider.ConfigID, err = c.mgr.SwitchConfig(tx, provider.Ref(), provider.ConfigID, target.Config); err != nil {
		return err
	}
	switchState(&provider.Object, u)
	provider.BeforeUpgrade = before
	if err := tx.UpdateProvider(provider); err != nil {
		return err
	}
	c.logger.Info().Str("provider", provider.Name).Str("version", target.Version).Int("hosts", len(hosts)).Msg("Provider switched")
	return c.mgr.Engine().Recompute(tx, batch, refs...)
}

func (c *Coordinator) rebindHost(tx storage.Tx, h *types.Host, next *types.Prototype) error {
	var err error
	h.PrototypeID = next.ID
	if h.ConfigID, err = c.mgr.SwitchConfig(tx, h.Ref(), h.ConfigID, next.Config); err != nil {
		return err
	}
	return tx.UpdateHost(h)
}

// hostPrototype picks the host prototype of the same name, or the only
// one the bundle defines
func hostPrototype(protos []*types.Prototype, name string) *types.Prototype {
	for _, p := range protos {
		if p.Name == name {
			return p
		}
	}
	if len(protos) == 1 {
		return protos[0]
	}
	return nil
}

func (c *Coordinator) revertCluster(tx storage.Tx, batch *events.Batch, cluster *types.Cluster) error {
	before := cluster.BeforeUpgrade
	if before == nil || before.PrototypeID == 0 {
		return adcmerr.New(adcmerr.UpgradeError, "cluster %q has no upgrade to revert", cluster.Name)
	}
	cat := catalog.New(tx)

	for _, svcID := range slices.Sorted(maps.Keys(before.Services)) {
		svc, err := tx.GetService(svcID)
		if adcmerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		proto, err := cat.Prototype(before.Services[svcID])
		if err != nil {
			return err
		}
		svc.PrototypeID = proto.ID
		if svc.ConfigID, err = c.mgr.SwitchConfig(tx, svc.Ref(), svc.ConfigID, proto.Config); err != nil {
			return err
		}
		if err := tx.UpdateService(svc); err != nil {
			return err
		}

		comps, err := tx.ListComponents(svc.ID)
		if err != nil {
			return err
		}
		present := make(map[string]bool)
		for _, comp := range comps {
			oldID, ok := before.Components[comp.ID]
			if !ok {
				if err := c.deleteComponent(tx, batch, comp); err != nil {
					return err
				}
				continue
			}
			cp, err := cat.Prototype(oldID)
			if err != nil {
				return err
			}
			comp.PrototypeID = cp.ID
			if comp.ConfigID, err = c.mgr.SwitchConfig(tx, comp.Ref(), comp.ConfigID, cp.Config); err != nil {
				return err
			}
			if err := tx.UpdateComponent(comp); err != nil {
				return err
			}
			present[cp.Name] = true
		}
		if err := c.addMissingComponents(tx, batch, cat, svc, proto, present); err != nil {
			return err
		}
	}

	proto, err := cat.Prototype(before.PrototypeID)
	if err != nil {
		return err
	}
	cluster.PrototypeID = proto.ID
	if cluster.ConfigID, err = c.mgr.SwitchConfig(tx, cluster.Ref(), cluster.ConfigID, proto.Config); err != nil {
		return err
	}
	cluster.State = before.State
	cluster.BeforeUpgrade = nil
	if err := tx.UpdateCluster(cluster); err != nil {
		return err
	}

	t, err := mapping.Load(tx, cluster.ID)
	if err != nil {
		return err
	}
	if err := c.mgr.SaveHC(tx, batch, t, surviving(t, before.HC)); err != nil {
		return err
	}
	batch.Add(events.EventPrototypeUpdate, cluster.Ref(), map[string]any{"revert": true, "prototype_id": proto.ID, "version": proto.Version})
	c.logger.Info().Str("cluster", cluster.Name).Str("version", proto.Version).Msg("Cluster reverted")
	return c.mgr.Engine().Recompute(tx, batch, cluster.Ref())
}

func (c *Coordinator) revertProvider(tx storage.Tx, batch *events.Batch, provider *types.Provider) error {
	before := provider.BeforeUpgrade
	if before == nil || before.PrototypeID == 0 {
		return adcmerr.New(adcmerr.UpgradeError, "provider %q has no upgrade to revert", provider.Name)
	}
	cat := catalog.New(tx)

	refs := []types.ObjectRef{provider.Ref()}
	for _, hostID := range slices.Sorted(maps.Keys(before.Hosts)) {
		h, err := tx.GetHost(hostID)
		if adcmerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		proto, err := cat.Prototype(before.Hosts[hostID])
		if err != nil {
			return err
		}
		if err := c.rebindHost(tx, h, proto); err != nil {
			return err
		}
		refs = append(refs, h.Ref())
	}

	proto, err := cat.Prototype(before.PrototypeID)
	if err != nil {
		return err
	}
	provider.PrototypeID = proto.ID
	if provider.ConfigID, err = c.mgr.SwitchConfig(tx, provider.Ref(), provider.ConfigID, proto.Config); err != nil {
		return err
	}
	provider.State = before.State
	provider.BeforeUpgrade = nil
	if err := tx.UpdateProvider(provider); err != nil {
		return err
	}
	batch.Add(events.EventPrototypeUpdate, provider.Ref(), map[string]any{"revert": true, "prototype_id": proto.ID, "version": proto.Version})
	return c.mgr.Engine().Recompute(tx, batch, refs...)
}
