package manager

import (
	"context"

	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// SetHostComponent replaces the host-component map of a cluster. The new
// map is validated as a whole and nothing changes when any check fails.
func (m *Manager) SetHostComponent(ctx context.Context, clusterID int64, entries []types.HostComponent) ([]types.HostComponent, error) {
	var out []types.HostComponent
	err := m.Update(ctx, "set_hostcomponent", func(tx storage.Tx, batch *events.Batch) error {
		cluster, err := tx.GetCluster(clusterID)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, cluster.Ref()); err != nil {
			return err
		}
		t, err := mapping.Load(tx, clusterID)
		if err != nil {
			return err
		}
		out = Normalize(t, entries)
		if err := mapping.Check(tx, t, out); err != nil {
			return err
		}
		added, removed := mapping.Diff(t.HC, out)
		if err := mapping.CheckMaintenance(t, added, removed); err != nil {
			return err
		}
		for _, e := range append(added, removed...) {
			if err := m.checkUnlocked(ctx, tx, types.Ref(types.ObjectHost, e.HostID)); err != nil {
				return err
			}
		}
		for _, e := range added {
			if err := m.extendLock(ctx, tx, types.Ref(types.ObjectHost, e.HostID)); err != nil {
				return err
			}
		}
		return m.SaveHC(tx, batch, t, out)
	})
	return out, err
}

// Normalize stamps entries with the cluster id and fills service ids from
// the components they map
func Normalize(t *mapping.Topology, entries []types.HostComponent) []types.HostComponent {
	out := make([]types.HostComponent, len(entries))
	for i, e := range entries {
		e.ClusterID = t.Cluster.ID
		if c, ok := t.Components[e.ComponentID]; ok && e.ServiceID == 0 {
			e.ServiceID = c.ServiceID
		}
		out[i] = e
	}
	return out
}

// SaveHC stores an already validated map, drops host group members that no
// longer host the group's service or component, and recomputes concerns of
// the cluster and every host that gained or lost a mapping
func (m *Manager) SaveHC(tx storage.Tx, batch *events.Batch, t *mapping.Topology, entries []types.HostComponent) error {
	clusterID := t.Cluster.ID
	if err := tx.ReplaceHostComponents(clusterID, entries); err != nil {
		return err
	}
	if err := pruneGroups(tx, clusterID, entries); err != nil {
		return err
	}
	batch.Add(events.EventChangeHC, t.Cluster.Ref(), map[string]any{"count": len(entries)})

	refs := []types.ObjectRef{t.Cluster.Ref()}
	added, removed := mapping.Diff(t.HC, entries)
	for _, e := range append(added, removed...) {
		refs = append(refs, types.Ref(types.ObjectHost, e.HostID))
	}
	t.HC = entries
	return m.engine.Recompute(tx, batch, refs...)
}
