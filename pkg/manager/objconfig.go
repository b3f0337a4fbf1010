package manager

import (
	"context"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// newConfig stores the default config of a new owner and returns its id.
// Owners whose schema is empty get no config.
func (m *Manager) newConfig(tx storage.Tx, owner types.ObjectRef, fields []types.ConfigField) (int64, error) {
	schema := config.NewSchema(fields)
	if schema.Empty() {
		return 0, nil
	}
	defaults, attr := schema.Defaults()
	cfg, attr, err := schema.Prepare(m.secretsManager, config.Update{Config: defaults, Attr: attr})
	if err != nil {
		return 0, err
	}
	return m.storeConfig(tx, owner, cfg, attr, "init")
}

func (m *Manager) storeConfig(tx storage.Tx, owner types.ObjectRef, cfg, attr map[string]any, desc string) (int64, error) {
	oc := &types.ObjectConfig{Owner: owner}
	if err := tx.CreateObjectConfig(oc); err != nil {
		return 0, err
	}
	cl := &types.ConfigLog{ObjConfID: oc.ID, Config: cfg, Attr: attr, Description: desc, CreatedAt: time.Now().UTC()}
	if err := tx.CreateConfigLog(cl); err != nil {
		return 0, err
	}
	oc.Current = cl.ID
	if err := tx.UpdateObjectConfig(oc); err != nil {
		return 0, err
	}
	return oc.ID, nil
}

// appendLog advances the current version of oc to a new log
func appendLog(tx storage.Tx, oc *types.ObjectConfig, cfg, attr map[string]any, desc string) (*types.ConfigLog, error) {
	cl := &types.ConfigLog{ObjConfID: oc.ID, Config: cfg, Attr: attr, Description: desc, CreatedAt: time.Now().UTC()}
	if err := tx.CreateConfigLog(cl); err != nil {
		return nil, err
	}
	oc.Previous, oc.Current = oc.Current, cl.ID
	if err := tx.UpdateObjectConfig(oc); err != nil {
		return nil, err
	}
	return cl, nil
}

// CurrentConfig loads the config and current log of an owner
func CurrentConfig(tx storage.Tx, configID int64) (*types.ObjectConfig, *types.ConfigLog, error) {
	if configID == 0 {
		return nil, nil, adcmerr.New(adcmerr.ConfigNotFound, "object has no config")
	}
	oc, err := tx.GetObjectConfig(configID)
	if err != nil {
		return nil, nil, err
	}
	cl, err := tx.GetConfigLog(oc.Current)
	if err != nil {
		return nil, nil, err
	}
	return oc, cl, nil
}

// UpdateConfig validates a new config of a topology object against its
// prototype schema and makes it the current version. Calls made on behalf
// of a task may change read-only keys.
func (m *Manager) UpdateConfig(ctx context.Context, ref types.ObjectRef, cfg, attr map[string]any, desc string) (*types.ConfigLog, error) {
	var out *types.ConfigLog
	err := m.Update(ctx, "update_config", func(tx storage.Tx, batch *events.Batch) error {
		var err error
		out, err = m.updateConfig(ctx, tx, batch, ref, cfg, attr, desc)
		return err
	})
	return out, err
}

func (m *Manager) updateConfig(ctx context.Context, tx storage.Tx, batch *events.Batch, ref types.ObjectRef, cfg, attr map[string]any, desc string) (*types.ConfigLog, error) {
	ent, err := storage.GetObject(tx, ref)
	if err != nil {
		return nil, err
	}
	if err := m.checkUnlocked(ctx, tx, ref); err != nil {
		return nil, err
	}
	proto, err := tx.GetPrototype(ent.Base().PrototypeID)
	if err != nil {
		return nil, err
	}
	oc, current, err := CurrentConfig(tx, ent.Base().ConfigID)
	if err != nil {
		return nil, err
	}

	schema := config.NewSchema(proto.Config)
	newCfg, newAttr, err := schema.Prepare(m.secretsManager, config.Update{
		Config:     cfg,
		Attr:       attr,
		Previous:   current,
		FromPlugin: TaskFrom(ctx) != 0,
	})
	if err != nil {
		return nil, err
	}
	var errs adcmerr.List
	for _, p := range schema.Check(newCfg, newAttr) {
		errs.Add(adcmerr.ConfigValueError, "%s", p)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	cl, err := appendLog(tx, oc, newCfg, newAttr, desc)
	if err != nil {
		return nil, err
	}
	batch.Add(events.EventChangeConfig, ref, map[string]any{"version": cl.ID})

	if ent.Base().State != types.StateCreated && TaskFrom(ctx) == 0 {
		if err := m.engine.RaiseFlag(tx, batch, ref, types.CauseConfig, ""); err != nil {
			return nil, err
		}
	}
	return cl, m.engine.Recompute(tx, batch, ref)
}

// RestoreConfig makes a copy of an earlier version the current config
func (m *Manager) RestoreConfig(ctx context.Context, ref types.ObjectRef, logID int64) (*types.ConfigLog, error) {
	var out *types.ConfigLog
	err := m.Update(ctx, "restore_config", func(tx storage.Tx, batch *events.Batch) error {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			return err
		}
		if err := m.checkUnlocked(ctx, tx, ref); err != nil {
			return err
		}
		oc, _, err := CurrentConfig(tx, ent.Base().ConfigID)
		if err != nil {
			return err
		}
		old, err := tx.GetConfigLog(logID)
		if err != nil {
			return err
		}
		if old.ObjConfID != oc.ID {
			return adcmerr.New(adcmerr.ConfigNotFound, "config version %d does not belong to %s", logID, ref)
		}
		cfg, err := types.Clone(old.Config)
		if err != nil {
			return err
		}
		attr, err := types.Clone(old.Attr)
		if err != nil {
			return err
		}
		out, err = appendLog(tx, oc, cfg, attr, old.Description)
		if err != nil {
			return err
		}
		batch.Add(events.EventChangeConfig, ref, map[string]any{"version": out.ID, "restored": logID})
		return m.engine.Recompute(tx, batch, ref)
	})
	return out, err
}

// ListConfigs returns every config version of an object, oldest first
func (m *Manager) ListConfigs(ctx context.Context, ref types.ObjectRef) ([]*types.ConfigLog, error) {
	var out []*types.ConfigLog
	err := m.View(ctx, func(tx storage.Tx) error {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			return err
		}
		if ent.Base().ConfigID == 0 {
			return nil
		}
		out, err = tx.ListConfigLogs(ent.Base().ConfigID)
		return err
	})
	return out, err
}

// GetConfig returns the current config version of an object
func (m *Manager) GetConfig(ctx context.Context, ref types.ObjectRef) (*types.ConfigLog, error) {
	var out *types.ConfigLog
	err := m.View(ctx, func(tx storage.Tx) error {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			return err
		}
		_, out, err = CurrentConfig(tx, ent.Base().ConfigID)
		return err
	})
	return out, err
}

// SwitchConfig moves the config of an owner to the schema of a new
// prototype and returns the config id the owner should carry
func (m *Manager) SwitchConfig(tx storage.Tx, owner types.ObjectRef, configID int64, fields []types.ConfigField) (int64, error) {
	schema := config.NewSchema(fields)
	if configID == 0 {
		return m.newConfig(tx, owner, fields)
	}
	if schema.Empty() {
		return configID, nil
	}
	oc, current, err := CurrentConfig(tx, configID)
	if err != nil {
		return 0, err
	}
	cfg, attr, err := schema.Migrate(m.secretsManager, current.Config, current.Attr)
	if err != nil {
		return 0, err
	}
	if _, err := appendLog(tx, oc, cfg, attr, "upgrade"); err != nil {
		return 0, err
	}
	return configID, nil
}

// NewObjectConfig stores the default config of a new owner
func (m *Manager) NewObjectConfig(tx storage.Tx, owner types.ObjectRef, fields []types.ConfigField) (int64, error) {
	return m.newConfig(tx, owner, fields)
}
