package manager

import (
	"context"

	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// GetImports lists the imports of a cluster or service with their candidate
// exporters
func (m *Manager) GetImports(ctx context.Context, ref types.ObjectRef) ([]imports.Import, error) {
	var out []imports.Import
	err := m.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = imports.GetImports(tx, ref)
		return err
	})
	return out, err
}

// MultiBind replaces the binds of an importing cluster or service. IMPORT
// concerns of the importer and of old and new exporters are recomputed.
func (m *Manager) MultiBind(ctx context.Context, ref types.ObjectRef, sources []imports.Source) ([]*types.ClusterBind, error) {
	var out []*types.ClusterBind
	err := m.Update(ctx, "multi_bind", func(tx storage.Tx, batch *events.Batch) error {
		if err := m.checkUnlocked(ctx, tx, ref); err != nil {
			return err
		}
		binds, err := imports.ValidateBinds(tx, ref, sources)
		if err != nil {
			return err
		}
		imp, err := imports.ResolveImporter(tx, ref)
		if err != nil {
			return err
		}
		filter := storage.BindFilter{ClusterID: imp.ClusterID, ServiceID: imp.ServiceID, ClusterOnly: imp.ServiceID == 0}
		touched, err := m.purgeBinds(tx, filter)
		if err != nil {
			return err
		}
		for _, b := range binds {
			if err := tx.CreateBind(b); err != nil {
				return err
			}
			touched = append(touched, b.Source())
		}
		out = binds
		batch.Add(events.EventUpdate, ref, map[string]any{"binds": len(binds)})
		return m.engine.Recompute(tx, batch, append(touched, ref)...)
	})
	return out, err
}

// ListBinds returns the binds of an importing cluster or service
func (m *Manager) ListBinds(ctx context.Context, ref types.ObjectRef) ([]*types.ClusterBind, error) {
	var out []*types.ClusterBind
	err := m.View(ctx, func(tx storage.Tx) error {
		imp, err := imports.ResolveImporter(tx, ref)
		if err != nil {
			return err
		}
		out, err = tx.ListBinds(storage.BindFilter{ClusterID: imp.ClusterID, ServiceID: imp.ServiceID, ClusterOnly: imp.ServiceID == 0})
		return err
	})
	return out, err
}
