package manager

import (
	"context"
	"os"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/bundle"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// LoadBundle reads a bundle directory, copies it under the bundle root and
// installs its prototypes, actions and upgrades
func (m *Manager) LoadBundle(ctx context.Context, dir string) (*types.Bundle, error) {
	b, err := bundle.Read(dir)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(m.BundlePath(b.Hash))
	fresh := os.IsNotExist(statErr)
	path, err := bundle.Copy(b, m.cfg.BundleRoot)
	if err != nil {
		return nil, adcmerr.New(adcmerr.BundleError, "%v", err)
	}

	var out *types.Bundle
	err = m.Update(ctx, "load_bundle", func(tx storage.Tx, batch *events.Batch) error {
		out, err = bundle.Install(tx, b, path)
		if err != nil {
			return err
		}
		batch.Add(events.EventCreate, types.ObjectRef{Type: "bundle", ID: out.ID}, map[string]any{
			"name":    out.Name,
			"version": out.Version,
		})
		return nil
	})
	if err != nil {
		if fresh {
			os.RemoveAll(path)
		}
		return nil, err
	}
	m.logger.Info().
		Str("bundle", out.Name).
		Str("version", out.Version).
		Str("hash", out.Hash).
		Msg("Bundle loaded")
	return out, nil
}

// AcceptLicense accepts the licenses of every prototype of a bundle
func (m *Manager) AcceptLicense(ctx context.Context, bundleID int64) error {
	return m.Update(ctx, "accept_license", func(tx storage.Tx, batch *events.Batch) error {
		protos, err := tx.ListPrototypes(bundleID)
		if err != nil {
			return err
		}
		if len(protos) == 0 {
			if _, err := tx.GetBundle(bundleID); err != nil {
				return err
			}
		}
		found := false
		for _, p := range protos {
			switch p.License {
			case types.LicenseAbsent:
				continue
			case types.LicenseUnaccepted:
				p.License = types.LicenseAccepted
				if err := tx.UpdatePrototype(p); err != nil {
					return err
				}
			}
			found = true
		}
		if !found {
			return adcmerr.New(adcmerr.LicenseError, "bundle %d has no license", bundleID)
		}
		batch.Add(events.EventUpdate, types.ObjectRef{Type: "bundle", ID: bundleID}, map[string]any{"license": types.LicenseAccepted})
		return nil
	})
}

// DeleteBundle removes a bundle nothing uses anymore, together with its
// files under the bundle root
func (m *Manager) DeleteBundle(ctx context.Context, bundleID int64) error {
	var path string
	err := m.Update(ctx, "delete_bundle", func(tx storage.Tx, batch *events.Batch) error {
		b, err := tx.GetBundle(bundleID)
		if err != nil {
			return err
		}
		if err := checkBundleUnused(tx, bundleID); err != nil {
			return err
		}
		protos, err := tx.ListPrototypes(bundleID)
		if err != nil {
			return err
		}
		for _, p := range protos {
			actions, err := tx.ListActions(p.ID)
			if err != nil {
				return err
			}
			for _, a := range actions {
				if err := tx.DeleteAction(a.ID); err != nil {
					return err
				}
			}
			if err := tx.DeletePrototype(p.ID); err != nil {
				return err
			}
		}
		upgrades, err := tx.ListUpgrades(bundleID)
		if err != nil {
			return err
		}
		for _, u := range upgrades {
			if err := tx.DeleteUpgrade(u.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteBundle(bundleID); err != nil {
			return err
		}
		path = b.Path
		batch.Add(events.EventDelete, types.ObjectRef{Type: "bundle", ID: bundleID}, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if path != "" {
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove bundle files")
		}
	}
	return nil
}

func checkBundleUnused(tx storage.Tx, bundleID int64) error {
	inUse := func(protoID int64) (bool, error) {
		p, err := tx.GetPrototype(protoID)
		if err != nil {
			return false, err
		}
		return p.BundleID == bundleID, nil
	}
	clusters, err := tx.ListClusters()
	if err != nil {
		return err
	}
	for _, c := range clusters {
		used, err := inUse(c.PrototypeID)
		if err != nil {
			return err
		}
		if used {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is used by cluster %q", bundleID, c.Name)
		}
		if c.BeforeUpgrade != nil && c.BeforeUpgrade.BundleID == bundleID {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is needed to revert the upgrade of cluster %q", bundleID, c.Name)
		}
		services, err := tx.ListServices(c.ID)
		if err != nil {
			return err
		}
		for _, s := range services {
			if used, err = inUse(s.PrototypeID); err != nil {
				return err
			}
			if used {
				return adcmerr.New(adcmerr.BundleConflict, "bundle %d is used by a service of cluster %q", bundleID, c.Name)
			}
		}
	}
	providers, err := tx.ListProviders()
	if err != nil {
		return err
	}
	for _, p := range providers {
		used, err := inUse(p.PrototypeID)
		if err != nil {
			return err
		}
		if used {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is used by provider %q", bundleID, p.Name)
		}
		if p.BeforeUpgrade != nil && p.BeforeUpgrade.BundleID == bundleID {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is needed to revert the upgrade of provider %q", bundleID, p.Name)
		}
	}
	hosts, err := tx.ListHosts(storage.HostFilter{})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		used, err := inUse(h.PrototypeID)
		if err != nil {
			return err
		}
		if used {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is used by host %s", bundleID, h.FQDN)
		}
	}
	return checkBundleTasks(tx, bundleID, inUse)
}

// checkBundleTasks refuses while an unfinished task runs an action or an
// upgrade of the bundle
func checkBundleTasks(tx storage.Tx, bundleID int64, inUse func(int64) (bool, error)) error {
	tasks, err := tx.ListTasks(storage.TaskFilter{})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		upgradeID := task.UpgradeID
		action, err := tx.GetAction(task.ActionID)
		switch {
		case adcmerr.Is(err, adcmerr.ActionNotFound):
		case err != nil:
			return err
		case action.UpgradeID != 0 && upgradeID == 0:
			upgradeID = action.UpgradeID
		case action.PrototypeID != 0:
			used, err := inUse(action.PrototypeID)
			if err != nil {
				return err
			}
			if used {
				return adcmerr.New(adcmerr.BundleConflict, "bundle %d is used by task %d", bundleID, task.ID)
			}
		}
		if upgradeID == 0 {
			continue
		}
		u, err := tx.GetUpgrade(upgradeID)
		if adcmerr.Is(err, adcmerr.UpgradeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if u.BundleID == bundleID {
			return adcmerr.New(adcmerr.BundleConflict, "bundle %d is the target of upgrade task %d", bundleID, task.ID)
		}
	}
	return nil
}

// ListBundles returns every loaded bundle
func (m *Manager) ListBundles(ctx context.Context) ([]*types.Bundle, error) {
	var out []*types.Bundle
	err := m.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListBundles()
		return err
	})
	return out, err
}

// ListPrototypes returns the prototypes of a bundle
func (m *Manager) ListPrototypes(ctx context.Context, bundleID int64) ([]*types.Prototype, error) {
	var out []*types.Prototype
	err := m.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListPrototypes(bundleID)
		return err
	})
	return out, err
}
