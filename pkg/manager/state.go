package manager

import (
	"context"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// ApplyState applies a state change to an object inside tx and emits a
// set_state event when something changed
func ApplyState(tx storage.Tx, batch *events.Batch, ref types.ObjectRef, change *types.StateChange) error {
	ent, err := storage.GetObject(tx, ref)
	if err != nil {
		return err
	}
	obj := ent.Base()
	if !obj.ApplyStateChange(change) {
		return nil
	}
	if err := storage.UpdateObject(tx, ent); err != nil {
		return err
	}
	batch.Add(events.EventSetState, ref, map[string]any{
		"state":       obj.State,
		"multi_state": obj.MultiState,
	})
	return nil
}

// ChangeState changes state and multi-state of an object on behalf of the
// task locking it; ctx must carry that task (see WithTask)
func (m *Manager) ChangeState(ctx context.Context, ref types.ObjectRef, change *types.StateChange) error {
	return m.Update(ctx, "change_state", func(tx storage.Tx, batch *events.Batch) error {
		if err := m.checkOwnsLock(ctx, tx, ref); err != nil {
			return err
		}
		return ApplyState(tx, batch, ref, change)
	})
}

// SetMaintenanceMode switches maintenance mode of a host, service or
// component. Turning a service on or off switches its components too.
func (m *Manager) SetMaintenanceMode(ctx context.Context, ref types.ObjectRef, on bool) error {
	mode := types.MaintenanceOff
	if on {
		mode = types.MaintenanceOn
	}
	return m.Update(ctx, "set_maintenance_mode", func(tx storage.Tx, batch *events.Batch) error {
		if err := m.checkUnlocked(ctx, tx, ref); err != nil {
			return err
		}
		changed := func(r types.ObjectRef) {
			batch.Add(events.EventUpdate, r, map[string]any{"maintenance_mode": string(mode)})
		}
		switch ref.Type {
		case types.ObjectHost:
			host, err := tx.GetHost(ref.ID)
			if err != nil {
				return err
			}
			if host.ClusterID == 0 {
				return adcmerr.New(adcmerr.MaintenanceModeError, "host %s is not attached to a cluster", host.FQDN)
			}
			if host.MaintenanceMode == mode {
				return nil
			}
			host.MaintenanceMode = mode
			if err := tx.UpdateHost(host); err != nil {
				return err
			}
			changed(ref)
		case types.ObjectService:
			svc, err := tx.GetService(ref.ID)
			if err != nil {
				return err
			}
			svc.MaintenanceMode = mode
			if err := tx.UpdateService(svc); err != nil {
				return err
			}
			changed(ref)
			comps, err := tx.ListComponents(svc.ID)
			if err != nil {
				return err
			}
			for _, c := range comps {
				if c.MaintenanceMode == mode {
					continue
				}
				c.MaintenanceMode = mode
				if err := tx.UpdateComponent(c); err != nil {
					return err
				}
				changed(c.Ref())
			}
		case types.ObjectComponent:
			comp, err := tx.GetComponent(ref.ID)
			if err != nil {
				return err
			}
			comp.MaintenanceMode = mode
			if err := tx.UpdateComponent(comp); err != nil {
				return err
			}
			changed(ref)
		default:
			return adcmerr.New(adcmerr.MaintenanceModeError, "%s has no maintenance mode", ref.Type)
		}
		return nil
	})
}
