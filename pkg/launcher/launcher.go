package launcher

import (
	"context"
	"slices"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/rs/zerolog"
)

// Queue accepts tasks ready to run
type Queue interface {
	Enqueue(taskID int64) error
}

// RunRequest carries the user input of an action run
type RunRequest struct {
	Config map[string]any `json:"config,omitempty"`
	Attr   map[string]any `json:"attr,omitempty"`
	// HostComponent is the full new map of the cluster; nil when not given
	HostComponent []types.HostComponent `json:"hostcomponent,omitempty"`
	Verbose       bool                  `json:"verbose"`
	RestoreOnFail bool                  `json:"restore_on_fail"`
}

// Spec is a fully resolved launch. Run and RunHostAction build one from
// user input; the upgrade coordinator builds its own.
type Spec struct {
	Owner    types.ObjectRef
	Target   types.ObjectRef
	ActionID int64
	Request  RunRequest
	// UpgradeID marks the task as the action of an upgrade. Its map is kept
	// for bundle_switch instead of being applied at launch.
	UpgradeID int64
	// Precheck runs inside the launch transaction before anything is written
	Precheck func(tx storage.Tx) error
}

// Launcher validates action runs and turns them into tasks
type Launcher struct {
	mgr    *manager.Manager
	queue  Queue
	logger zerolog.Logger
}

// New creates a launcher handing tasks to queue
func New(mgr *manager.Manager, queue Queue) *Launcher {
	return &Launcher{
		mgr:    mgr,
		queue:  queue,
		logger: log.WithComponent("launcher"),
	}
}

// Run launches an action of target's prototype against target
func (l *Launcher) Run(ctx context.Context, target types.ObjectRef, actionID int64, req RunRequest) (*types.Task, error) {
	return l.Launch(ctx, Spec{Owner: target, Target: target, ActionID: actionID, Request: req})
}

// RunHostAction launches a host action of a cluster, service or component
// against one of the hosts it runs on
func (l *Launcher) RunHostAction(ctx context.Context, owner types.ObjectRef, hostID, actionID int64, req RunRequest) (*types.Task, error) {
	return l.Launch(ctx, Spec{Owner: owner, Target: types.Ref(types.ObjectHost, hostID), ActionID: actionID, Request: req})
}

// Launch creates the task and its jobs, locks the objects the task acts
// on and enqueues it. Nothing is written when a check fails.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*types.Task, error) {
	var task *types.Task
	err := l.mgr.Update(ctx, "launch_action", func(tx storage.Tx, batch *events.Batch) error {
		if spec.Precheck != nil {
			if err := spec.Precheck(tx); err != nil {
				return err
			}
		}
		var err error
		task, err = l.prepare(tx, batch, spec)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("target", task.Target.String()).
		Int64("action_id", task.ActionID).
		Msg("Task created")

	if err := l.queue.Enqueue(task.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue task")
		return task, adcmerr.New(adcmerr.TaskError, "task %d created but not queued: %v", task.ID, err)
	}
	return task, nil
}

func (l *Launcher) prepare(tx storage.Tx, batch *events.Batch, spec Spec) (*types.Task, error) {
	action, err := tx.GetAction(spec.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := storage.GetObject(tx, spec.Owner)
	if err != nil {
		return nil, err
	}
	if owner.Base().PrototypeID != action.PrototypeID && !upgradeOf(tx, owner, action) {
		return nil, adcmerr.New(adcmerr.ActionNotFound, "action %q does not belong to %s", action.Name, spec.Owner)
	}
	if action.UpgradeID != 0 && spec.UpgradeID == 0 {
		return nil, adcmerr.New(adcmerr.ActionError, "action %q runs only as part of an upgrade", action.Name)
	}

	target := owner
	if spec.Target != spec.Owner {
		if target, err = hostTarget(tx, owner, action, spec.Target); err != nil {
			return nil, err
		}
	} else if action.HostAction {
		return nil, adcmerr.New(adcmerr.ActionError, "action %q runs on a host of %s", action.Name, spec.Owner)
	}

	if err := l.checkConcerns(tx, spec.Target); err != nil {
		return nil, err
	}
	if err := checkAvailable(action, target.Base(), spec.UpgradeID != 0); err != nil {
		return nil, err
	}
	if err := checkMaintenance(tx, action, target); err != nil {
		return nil, err
	}

	cfg, attr, err := l.actionConfig(action, spec.Request)
	if err != nil {
		return nil, err
	}

	task := &types.Task{
		ActionID:      action.ID,
		Owner:         spec.Owner,
		Target:        spec.Target,
		Status:        types.StatusCreated,
		Config:        cfg,
		Attr:          attr,
		Verbose:       spec.Request.Verbose,
		RestoreOnFail: spec.Request.RestoreOnFail,
		UpgradeID:     spec.UpgradeID,
		CreatedAt:     time.Now().UTC(),
	}

	hc, err := l.hostComponent(tx, action, target, spec)
	if err != nil {
		return nil, err
	}
	if hc != nil {
		task.HCDelta = types.HCDelta{Add: hc.added, Remove: hc.removed}
		if spec.Request.RestoreOnFail {
			task.HCSnapshot = hc.topology.HC
		}
		if spec.UpgradeID != 0 {
			task.PostUpgradeHC = hc.entries
		}
	}

	if err := tx.CreateTask(task); err != nil {
		return nil, err
	}
	for i, step := range action.Steps() {
		job := &types.Job{
			TaskID:           task.ID,
			Index:            i,
			Name:             step.Name,
			DisplayName:      step.DisplayName,
			Script:           step.Script,
			ScriptType:       step.ScriptType,
			Params:           step.Params,
			Status:           types.StatusCreated,
			OnFail:           step.OnFail,
			AllowToTerminate: step.AllowToTerminate,
		}
		if err := tx.CreateJob(job); err != nil {
			return nil, err
		}
	}

	var extra []types.ObjectRef
	if hc != nil {
		for _, e := range append(slices.Clone(hc.added), hc.removed...) {
			extra = append(extra, types.Ref(types.ObjectHost, e.HostID))
		}
	}
	lock, err := l.mgr.Engine().Lock(tx, batch, task, action, extra...)
	if err != nil {
		return nil, err
	}
	task.LockID = lock.ID

	// the map is applied at launch; the lock above already covers every
	// changed host so the save does not trip over it
	if hc != nil && spec.UpgradeID == 0 && (len(hc.added) > 0 || len(hc.removed) > 0) {
		if err := l.mgr.SaveHC(tx, batch, hc.topology, hc.entries); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdateTask(task); err != nil {
		return nil, err
	}
	batch.Add(events.EventTaskStatus, types.Ref(types.ObjectTask, task.ID), map[string]any{
		"status": string(task.Status),
		"action": action.Name,
	})
	return task, nil
}

// upgradeOf reports whether action belongs to an upgrade offered to owner
func upgradeOf(tx storage.Tx, owner types.Entity, action *types.Action) bool {
	if action.UpgradeID == 0 {
		return false
	}
	u, err := tx.GetUpgrade(action.UpgradeID)
	if err != nil {
		return false
	}
	p, err := tx.GetPrototype(action.PrototypeID)
	if err != nil {
		return false
	}
	return p.BundleID == u.BundleID && p.Type == owner.Ref().Type
}

// hostTarget resolves the host of a host action: it must belong to the
// owner's cluster and, for services and components, run them
func hostTarget(tx storage.Tx, owner types.Entity, action *types.Action, ref types.ObjectRef) (types.Entity, error) {
	if ref.Type != types.ObjectHost {
		return nil, adcmerr.New(adcmerr.InvalidInput, "host action target must be a host, got %s", ref)
	}
	if !action.HostAction {
		return nil, adcmerr.New(adcmerr.ActionError, "action %q is not a host action", action.Name)
	}
	host, err := tx.GetHost(ref.ID)
	if err != nil {
		return nil, err
	}
	clusterID := storage.ClusterOf(owner)
	if clusterID == 0 || host.ClusterID != clusterID {
		return nil, adcmerr.New(adcmerr.ForeignHost, "host %s is not in the cluster of %s", host.FQDN, owner.Ref()).About(host.Ref())
	}
	ownerRef := owner.Ref()
	if ownerRef.Type == types.ObjectCluster {
		return host, nil
	}
	hc, err := tx.ListHostComponents(clusterID)
	if err != nil {
		return nil, err
	}
	runs := slices.ContainsFunc(hc, func(e types.HostComponent) bool {
		if e.HostID != host.ID {
			return false
		}
		if ownerRef.Type == types.ObjectService {
			return e.ServiceID == ownerRef.ID
		}
		return e.ComponentID == ownerRef.ID
	})
	if !runs {
		return nil, adcmerr.New(adcmerr.ActionError, "%s does not run on host %s", ownerRef, host.FQDN)
	}
	return host, nil
}

// checkConcerns refuses targets under a lock or a blocking issue
func (l *Launcher) checkConcerns(tx storage.Tx, ref types.ObjectRef) error {
	blocking, err := l.mgr.Engine().Blocking(tx, ref)
	if err != nil {
		return err
	}
	for _, c := range blocking {
		if c.Type == types.ConcernLock {
			return adcmerr.New(adcmerr.LockError, "%s is locked by task %d", ref, c.TaskID).About(ref)
		}
	}
	if len(blocking) > 0 {
		return adcmerr.New(adcmerr.IssueIntegrityError, "%s has unresolved concerns: %s", ref, blocking[0].Reason.Text).About(ref)
	}
	return nil
}

// checkAvailable matches the action masking against the target state.
// Upgrade actions are checked by the coordinator against the upgrade.
func checkAvailable(action *types.Action, obj *types.Object, upgrade bool) error {
	if upgrade {
		return nil
	}
	if !action.StateAvailable.Allows(obj.State) || action.StateUnavailable.Allows(obj.State) {
		return adcmerr.New(adcmerr.TaskError, "action %q is not available in state %q", action.Name, obj.State)
	}
	ms := action.MultiStateAvailable
	if !ms.Any && !ms.Intersects(obj.MultiState) {
		return adcmerr.New(adcmerr.TaskError, "action %q is not available with multi-state %v", action.Name, obj.MultiState)
	}
	if action.MultiStateUnavailable.Intersects(obj.MultiState) {
		return adcmerr.New(adcmerr.TaskError, "action %q is not available with multi-state %v", action.Name, obj.MultiState)
	}
	return nil
}

// checkMaintenance refuses actions on objects in maintenance mode unless
// the action allows it
func checkMaintenance(tx storage.Tx, action *types.Action, target types.Entity) error {
	if action.AllowInMaintenanceMode {
		return nil
	}
	var mm types.MaintenanceMode
	switch o := target.(type) {
	case *types.Host:
		mm = o.MaintenanceMode
	case *types.Service:
		mm = o.MaintenanceMode
	case *types.Component:
		mm = o.MaintenanceMode
	}
	if mm == types.MaintenanceOn {
		return adcmerr.New(adcmerr.ActionError, "%s is in maintenance mode", target.Ref()).About(target.Ref())
	}
	return nil
}

// actionConfig validates the run config against the action schema
func (l *Launcher) actionConfig(action *types.Action, req RunRequest) (map[string]any, map[string]any, error) {
	schema := config.NewSchema(action.Config)
	if schema.Empty() {
		if len(req.Config) > 0 {
			return nil, nil, adcmerr.New(adcmerr.InvalidConfigUpdate, "action %q takes no config", action.Name)
		}
		return nil, nil, nil
	}
	cfg, attr, err := schema.Prepare(l.mgr.Secrets(), config.Update{Config: req.Config, Attr: req.Attr})
	if err != nil {
		return nil, nil, err
	}
	var errs adcmerr.List
	for _, p := range schema.Check(cfg, attr) {
		errs.Add(adcmerr.ConfigValueError, "%s", p)
	}
	if err := errs.Err(); err != nil {
		return nil, nil, err
	}
	return cfg, attr, nil
}

type hcChange struct {
	topology *mapping.Topology
	entries  []types.HostComponent
	added    []types.HostComponent
	removed  []types.HostComponent
}

// hostComponent validates the new map of an action with hc_acl rules
func (l *Launcher) hostComponent(tx storage.Tx, action *types.Action, target types.Entity, spec Spec) (*hcChange, error) {
	req := spec.Request
	if len(action.HCACL) == 0 {
		if req.HostComponent != nil {
			return nil, adcmerr.New(adcmerr.WrongActionHC, "action %q does not change the host-component map", action.Name)
		}
		return nil, nil
	}
	if req.HostComponent == nil {
		return nil, adcmerr.New(adcmerr.WrongActionHC, "action %q needs a host-component map", action.Name)
	}
	clusterID := storage.ClusterOf(target)
	if clusterID == 0 {
		return nil, adcmerr.New(adcmerr.WrongActionHC, "%s is not part of a cluster", target.Ref())
	}
	t, err := mapping.Load(tx, clusterID)
	if err != nil {
		return nil, err
	}
	entries := manager.Normalize(t, req.HostComponent)
	if spec.UpgradeID != 0 {
		// validated against the new prototypes by bundle_switch
		return &hcChange{topology: t, entries: entries}, nil
	}
	if err := mapping.Check(tx, t, entries); err != nil {
		return nil, err
	}
	added, removed := mapping.Diff(t.HC, entries)
	if !action.AllowInMaintenanceMode {
		if err := mapping.CheckMaintenance(t, added, removed); err != nil {
			return nil, err
		}
	}
	if err := mapping.CheckACL(t, action.HCACL, added, removed); err != nil {
		return nil, err
	}
	return &hcChange{topology: t, entries: entries, added: added, removed: removed}, nil
}
