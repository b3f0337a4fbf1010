package upgrade

import (
	"context"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/cuemby/adcm/pkg/version"
	"github.com/rs/zerolog"
)

// Coordinator moves clusters and providers to the prototypes of another
// bundle
type Coordinator struct {
	mgr      *manager.Manager
	launcher *launcher.Launcher
	logger   zerolog.Logger
}

// New creates a coordinator launching upgrade actions through l
func New(mgr *manager.Manager, l *launcher.Launcher) *Coordinator {
	return &Coordinator{
		mgr:      mgr,
		launcher: l,
		logger:   log.WithComponent("upgrade"),
	}
}

// Upgrade applies an upgrade to a cluster or provider. An upgrade without
// an action switches at once and returns no task; otherwise the task of
// the action is returned and its bundle_switch step does the switch.
func (c *Coordinator) Upgrade(ctx context.Context, ref types.ObjectRef, upgradeID int64, req launcher.RunRequest) (*types.Task, error) {
	if ref.Type != types.ObjectCluster && ref.Type != types.ObjectProvider {
		return nil, adcmerr.New(adcmerr.InvalidInput, "only clusters and providers can be upgraded, got %s", ref)
	}

	var u *types.Upgrade
	err := c.mgr.View(ctx, func(tx storage.Tx) error {
		var err error
		u, err = tx.GetUpgrade(upgradeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithObject(ref)
	if u.ActionID == 0 {
		err := c.mgr.Update(ctx, "upgrade", func(tx storage.Tx, batch *events.Batch) error {
			if err := c.check(tx, ref, u); err != nil {
				return err
			}
			return c.apply(tx, batch, ref, u, nil)
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("upgrade", u.Name).Msg("Object upgraded")
		return nil, nil
	}

	task, err := c.launcher.Launch(ctx, launcher.Spec{
		Owner:     ref,
		Target:    ref,
		ActionID:  u.ActionID,
		Request:   req,
		UpgradeID: u.ID,
		Precheck: func(tx storage.Tx) error {
			return c.check(tx, ref, u)
		},
	})
	if err != nil {
		return task, err
	}
	logger.Info().Str("upgrade", u.Name).Int64("task_id", task.ID).Msg("Upgrade task launched")
	return task, nil
}

// Available lists the upgrades whose preconditions an object meets
func (c *Coordinator) Available(ctx context.Context, ref types.ObjectRef) ([]*types.Upgrade, error) {
	var out []*types.Upgrade
	err := c.mgr.View(ctx, func(tx storage.Tx) error {
		bundles, err := tx.ListBundles()
		if err != nil {
			return err
		}
		for _, b := range bundles {
			upgrades, err := tx.ListUpgrades(b.ID)
			if err != nil {
				return err
			}
			for _, u := range upgrades {
				err := c.check(tx, ref, u)
				switch {
				case err == nil:
					out = append(out, u)
				case adcmerr.CodeOf(err) == adcmerr.Internal:
					return err
				}
			}
		}
		return nil
	})
	return out, err
}

// check verifies every precondition of applying u to ref
func (c *Coordinator) check(tx storage.Tx, ref types.ObjectRef, u *types.Upgrade) error {
	cat := catalog.New(tx)
	ent, err := storage.GetObject(tx, ref)
	if err != nil {
		return err
	}
	obj := ent.Base()
	current, err := cat.Prototype(obj.PrototypeID)
	if err != nil {
		return err
	}
	bundle, err := cat.Bundle(current.BundleID)
	if err != nil {
		return err
	}
	if u.BundleID == current.BundleID {
		return adcmerr.New(adcmerr.UpgradeError, "%s already runs bundle %s %s", ref, bundle.Name, bundle.Version)
	}
	target, err := cat.Main(u.BundleID)
	if err != nil {
		return err
	}
	if target.Type != current.Type || target.Name != current.Name {
		return adcmerr.New(adcmerr.UpgradeError, "upgrade %q targets %s %q, not %s %q", u.Name, target.Type, target.Name, current.Type, current.Name)
	}

	for _, p := range []*types.Prototype{current, target} {
		if p.License == types.LicenseUnaccepted {
			return adcmerr.New(adcmerr.LicenseError, "license of %s %q %s is not accepted", p.Type, p.Name, p.Version)
		}
	}

	// concerns of services, components and hosts list the object as related,
	// so advisory flags anywhere below it refuse the upgrade as well
	concerns, err := tx.ListConcerns(storage.ConcernFilter{Related: &ref})
	if err != nil {
		return err
	}
	for _, con := range concerns {
		if con.Type == types.ConcernLock {
			return adcmerr.New(adcmerr.LockError, "%s is locked: %s", ref, con.Reason.Text)
		}
	}
	if len(concerns) > 0 {
		con := concerns[0]
		return adcmerr.New(adcmerr.UpgradeError, "%s has a %s concern on %s: %s", ref, con.Type, con.Owner, con.Reason.Text).About(ref)
	}

	if !u.StateAvailable.Allows(obj.State) {
		return adcmerr.New(adcmerr.UpgradeError, "upgrade %q is not available in state %q", u.Name, obj.State)
	}
	if !slices.Contains(u.FromEdition, bundle.Edition) {
		return adcmerr.New(adcmerr.UpgradeError, "upgrade %q is not available for edition %q", u.Name, bundle.Edition)
	}
	if !version.InRange(current.Version, u.Versions) {
		return adcmerr.New(adcmerr.UpgradeError, "upgrade %q accepts versions %s, current version is %s",
			u.Name, version.Describe(u.Versions), current.Version)
	}

	if cluster, ok := ent.(*types.Cluster); ok {
		return imports.CheckUpgrade(tx, cluster, target)
	}
	return nil
}

// Switch performs bundle_switch for an upgrade task
func (c *Coordinator) Switch(tx storage.Tx, batch *events.Batch, task *types.Task) error {
	if task.UpgradeID == 0 {
		return adcmerr.New(adcmerr.UpgradeError, "task %d is not an upgrade", task.ID)
	}
	u, err := tx.GetUpgrade(task.UpgradeID)
	if err != nil {
		return err
	}
	return c.apply(tx, batch, task.Target, u, task.PostUpgradeHC)
}

// Revert performs bundle_revert for an upgrade task
func (c *Coordinator) Revert(tx storage.Tx, batch *events.Batch, task *types.Task) error {
	ent, err := storage.GetObject(tx, task.Target)
	if err != nil {
		return err
	}
	switch obj := ent.(type) {
	case *types.Cluster:
		return c.revertCluster(tx, batch, obj)
	case *types.Provider:
		return c.revertProvider(tx, batch, obj)
	}
	return adcmerr.New(adcmerr.UpgradeError, "%s cannot be reverted", task.Target)
}

func (c *Coordinator) apply(tx storage.Tx, batch *events.Batch, ref types.ObjectRef, u *types.Upgrade, hc []types.HostComponent) error {
	target, err := catalog.New(tx).Main(u.BundleID)
	if err != nil {
		return err
	}
	ent, err := storage.GetObject(tx, ref)
	if err != nil {
		return err
	}
	switch obj := ent.(type) {
	case *types.Cluster:
		err = c.switchCluster(tx, batch, obj, target, u, hc)
	case *types.Provider:
		err = c.switchProvider(tx, batch, obj, target, u)
	default:
		err = adcmerr.New(adcmerr.UpgradeError, "%s cannot be upgraded", ref)
	}
	if err != nil {
		return err
	}
	batch.Add(events.EventPrototypeUpdate, ref, map[string]any{
		"upgrade":      u.Name,
		"prototype_id": target.ID,
		"version":      target.Version,
	})
	return nil
}

func newBefore(tx storage.Tx, obj *types.Object) (*types.BeforeUpgrade, error) {
	p, err := tx.GetPrototype(obj.PrototypeID)
	if err != nil {
		return nil, err
	}
	return &types.BeforeUpgrade{BundleID: p.BundleID, PrototypeID: obj.PrototypeID, State: obj.State}, nil
}

func switchState(obj *types.Object, u *types.Upgrade) {
	if u.StateOnSuccess != "" {
		obj.State = u.StateOnSuccess
	}
}
