package manager

import (
	"context"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// CreateGroup creates a config host group on a cluster, service or
// component. The group starts with a copy of the owner's current config and
// overrides nothing.
func (m *Manager) CreateGroup(ctx context.Context, owner types.ObjectRef, name, description string) (*types.ConfigHostGroup, error) {
	var group *types.ConfigHostGroup
	err := m.Update(ctx, "create_group", func(tx storage.Tx, batch *events.Batch) error {
		switch owner.Type {
		case types.ObjectCluster, types.ObjectService, types.ObjectComponent:
		default:
			return adcmerr.New(adcmerr.GroupConfigError, "%s cannot own a config host group", owner.Type)
		}
		ent, err := storage.GetObject(tx, owner)
		if err != nil {
			return err
		}
		_, current, err := CurrentConfig(tx, ent.Base().ConfigID)
		if err != nil {
			return adcmerr.New(adcmerr.GroupConfigError, "%s has no config to override", owner)
		}

		group = &types.ConfigHostGroup{Owner: owner, Name: name, Description: description, HostIDs: []int64{}}
		if err := tx.CreateGroup(group); err != nil {
			return err
		}
		cfg, err := types.Clone(current.Config)
		if err != nil {
			return err
		}
		attr, err := types.Clone(current.Attr)
		if err != nil {
			return err
		}
		if attr == nil {
			attr = map[string]any{}
		}
		attr[config.AttrGroupKeys] = map[string]any{}
		if group.ConfigID, err = m.storeConfig(tx, types.Ref(types.ObjectGroup, group.ID), cfg, attr, "init"); err != nil {
			return err
		}
		if err := tx.UpdateGroup(group); err != nil {
			return err
		}
		batch.Add(events.EventCreate, types.Ref(types.ObjectGroup, group.ID), map[string]any{"owner": owner.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// groupCandidate reports whether a host may join a group of owner: it must
// be in the owner's cluster and, for services and components, map it
func groupCandidate(tx storage.Tx, owner types.ObjectRef, host *types.Host) (bool, error) {
	ent, err := storage.GetObject(tx, owner)
	if err != nil {
		return false, err
	}
	clusterID := storage.ClusterOf(ent)
	if host.ClusterID == 0 || host.ClusterID != clusterID {
		return false, nil
	}
	if owner.Type == types.ObjectCluster {
		return true, nil
	}
	hc, err := tx.ListHostComponents(clusterID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(hc, func(e types.HostComponent) bool {
		return e.HostID == host.ID && hcMatches(owner, e)
	}), nil
}

func hcMatches(owner types.ObjectRef, e types.HostComponent) bool {
	switch owner.Type {
	case types.ObjectService:
		return e.ServiceID == owner.ID
	case types.ObjectComponent:
		return e.ComponentID == owner.ID
	}
	return true
}

// AddHostToGroup adds a host to a config host group. A host belongs to at
// most one group of the same owner.
func (m *Manager) AddHostToGroup(ctx context.Context, groupID, hostID int64) error {
	return m.Update(ctx, "add_host_to_group", func(tx storage.Tx, batch *events.Batch) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		host, err := tx.GetHost(hostID)
		if err != nil {
			return err
		}
		ok, err := groupCandidate(tx, group.Owner, host)
		if err != nil {
			return err
		}
		if !ok {
			return adcmerr.New(adcmerr.GroupConfigError, "host %s is not a candidate for group %q of %s", host.FQDN, group.Name, group.Owner)
		}
		siblings, err := tx.ListGroups(&group.Owner)
		if err != nil {
			return err
		}
		for _, g := range siblings {
			if slices.Contains(g.HostIDs, hostID) {
				return adcmerr.New(adcmerr.GroupConfigError, "host %s is already in group %q", host.FQDN, g.Name)
			}
		}
		group.HostIDs = append(group.HostIDs, hostID)
		slices.Sort(group.HostIDs)
		if err := tx.UpdateGroup(group); err != nil {
			return err
		}
		batch.Add(events.EventAdd, types.Ref(types.ObjectGroup, group.ID), map[string]any{"host_id": hostID})
		return nil
	})
}

// RemoveHostFromGroup removes a host from a config host group
func (m *Manager) RemoveHostFromGroup(ctx context.Context, groupID, hostID int64) error {
	return m.Update(ctx, "remove_host_from_group", func(tx storage.Tx, batch *events.Batch) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		i := slices.Index(group.HostIDs, hostID)
		if i < 0 {
			return adcmerr.New(adcmerr.GroupConfigError, "host %d is not in group %q", hostID, group.Name)
		}
		group.HostIDs = slices.Delete(group.HostIDs, i, i+1)
		if err := tx.UpdateGroup(group); err != nil {
			return err
		}
		batch.Add(events.EventRemove, types.Ref(types.ObjectGroup, group.ID), map[string]any{"host_id": hostID})
		return nil
	})
}

// UpdateGroupConfig stores a new config of a group. Only keys marked in
// attr.group_keys override the owner's config, and only keys flagged
// group_customization may be marked.
func (m *Manager) UpdateGroupConfig(ctx context.Context, groupID int64, cfg, attr map[string]any, desc string) (*types.ConfigLog, error) {
	var out *types.ConfigLog
	err := m.Update(ctx, "update_group_config", func(tx storage.Tx, batch *events.Batch) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		ent, err := storage.GetObject(tx, group.Owner)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, group.Owner); err != nil {
			return err
		}
		proto, err := tx.GetPrototype(ent.Base().PrototypeID)
		if err != nil {
			return err
		}
		schema := config.NewSchema(proto.Config)
		if err := schema.CheckGroupKeys(attr); err != nil {
			return err
		}
		groupKeys := attr[config.AttrGroupKeys]
		objAttr := make(map[string]any, len(attr))
		for k, v := range attr {
			if k != config.AttrGroupKeys {
				objAttr[k] = v
			}
		}

		oc, current, err := CurrentConfig(tx, group.ConfigID)
		if err != nil {
			return err
		}
		newCfg, newAttr, err := schema.Prepare(m.secretsManager, config.Update{Config: cfg, Attr: objAttr, Previous: current})
		if err != nil {
			return err
		}
		if groupKeys != nil {
			newAttr[config.AttrGroupKeys] = groupKeys
		}
		if out, err = appendLog(tx, oc, newCfg, newAttr, desc); err != nil {
			return err
		}
		batch.Add(events.EventChangeConfig, types.Ref(types.ObjectGroup, group.ID), map[string]any{"version": out.ID})
		return nil
	})
	return out, err
}

// DeleteGroup deletes a config host group and its config
func (m *Manager) DeleteGroup(ctx context.Context, groupID int64) error {
	return m.Update(ctx, "delete_group", func(tx storage.Tx, batch *events.Batch) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		if err := deleteGroup(tx, group); err != nil {
			return err
		}
		batch.Add(events.EventDelete, types.Ref(types.ObjectGroup, group.ID), nil)
		return nil
	})
}

// ListGroups returns the groups of an owner, or all groups for nil
func (m *Manager) ListGroups(ctx context.Context, owner *types.ObjectRef) ([]*types.ConfigHostGroup, error) {
	var out []*types.ConfigHostGroup
	err := m.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListGroups(owner)
		return err
	})
	return out, err
}

func deleteGroup(tx storage.Tx, g *types.ConfigHostGroup) error {
	if g.ConfigID != 0 {
		if err := tx.DeleteObjectConfig(g.ConfigID); err != nil {
			return err
		}
	}
	return tx.DeleteGroup(g.ID)
}

// removeFromGroups drops a host from the groups of a cluster's objects.
// keep, when set, decides per group whether the host may stay.
func removeFromGroups(tx storage.Tx, clusterID, hostID int64, keep func(*types.ConfigHostGroup) bool) error {
	groups, err := tx.ListGroups(nil)
	if err != nil {
		return err
	}
	for _, g := range groups {
		i := slices.Index(g.HostIDs, hostID)
		if i < 0 {
			continue
		}
		ent, err := storage.GetObject(tx, g.Owner)
		if err != nil {
			return err
		}
		if storage.ClusterOf(ent) != clusterID || (keep != nil && keep(g)) {
			continue
		}
		g.HostIDs = slices.Delete(g.HostIDs, i, i+1)
		if err := tx.UpdateGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// pruneGroups removes hosts from service and component groups whose object
// they no longer host under the new map
func pruneGroups(tx storage.Tx, clusterID int64, entries []types.HostComponent) error {
	hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		keep := func(g *types.ConfigHostGroup) bool {
			if g.Owner.Type == types.ObjectCluster {
				return true
			}
			return slices.ContainsFunc(entries, func(e types.HostComponent) bool {
				return e.HostID == h.ID && hcMatches(g.Owner, e)
			})
		}
		if err := removeFromGroups(tx, clusterID, h.ID, keep); err != nil {
			return err
		}
	}
	return nil
}
