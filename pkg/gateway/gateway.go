package gateway

import (
	"context"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/rs/zerolog"
)

// HCChange adds or removes one entry of the host-component map
type HCChange struct {
	Action      types.HCAction `json:"action"`
	ServiceID   int64          `json:"service_id"`
	ComponentID int64          `json:"component_id"`
	HostID      int64          `json:"host_id"`
}

// Gateway lets the jobs of a running task change the topology they act
// on. Every call presents the task token and runs in its own transaction
// on behalf of the task.
type Gateway struct {
	mgr    *manager.Manager
	logger zerolog.Logger
}

// New creates a gateway over mgr
func New(mgr *manager.Manager) *Gateway {
	return &Gateway{
		mgr:    mgr,
		logger: log.WithComponent("gateway"),
	}
}

// authorize resolves a token to its running task and returns a context
// acting for it
func (g *Gateway) authorize(ctx context.Context, token string, call string) (context.Context, *types.Task, error) {
	taskID, err := g.mgr.Tokens().ValidateToken(token)
	if err != nil {
		return nil, nil, err
	}
	task, err := g.mgr.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != types.StatusRunning {
		return nil, nil, adcmerr.New(adcmerr.TaskError, "task %d is %s", taskID, task.Status)
	}
	g.logger.Debug().Int64("task_id", taskID).Str("call", call).Msg("Plugin call")
	return manager.WithTask(ctx, taskID), task, nil
}

// covered fails unless the lock of the task spans ref
func (g *Gateway) covered(ctx context.Context, task *types.Task, ref types.ObjectRef) error {
	return g.mgr.View(ctx, func(tx storage.Tx) error {
		owner, locked, err := g.mgr.Engine().LockOwner(tx, ref)
		if err != nil {
			return err
		}
		if !locked || owner != task.ID {
			return adcmerr.New(adcmerr.LockError, "%s is not locked by task %d", ref, task.ID).About(ref)
		}
		return nil
	})
}

// AddHost creates a host under the provider the task runs on
func (g *Gateway) AddHost(ctx context.Context, token string, providerID, protoID int64, fqdn, description string) (*types.Host, error) {
	ctx, task, err := g.authorize(ctx, token, "add_host")
	if err != nil {
		return nil, err
	}
	if err := g.covered(ctx, task, types.Ref(types.ObjectProvider, providerID)); err != nil {
		return nil, err
	}
	return g.mgr.AddHost(ctx, providerID, protoID, fqdn, description)
}

// DeleteHost deletes a host covered by the task lock
func (g *Gateway) DeleteHost(ctx context.Context, token string, hostID int64) error {
	ctx, task, err := g.authorize(ctx, token, "delete_host")
	if err != nil {
		return err
	}
	if err := g.covered(ctx, task, types.Ref(types.ObjectHost, hostID)); err != nil {
		return err
	}
	return g.mgr.DeleteHost(ctx, hostID)
}

// AddHostToCluster attaches a free host to the cluster the task runs on
func (g *Gateway) AddHostToCluster(ctx context.Context, token string, clusterID, hostID int64) (*types.Host, error) {
	ctx, task, err := g.authorize(ctx, token, "add_host_to_cluster")
	if err != nil {
		return nil, err
	}
	if err := g.covered(ctx, task, types.Ref(types.ObjectCluster, clusterID)); err != nil {
		return nil, err
	}
	return g.mgr.AddHostToCluster(ctx, clusterID, hostID)
}

// ChangeHC applies add and remove operations to the current map of a
// cluster and stores the result with the usual checks
func (g *Gateway) ChangeHC(ctx context.Context, token string, clusterID int64, changes []HCChange) ([]types.HostComponent, error) {
	ctx, task, err := g.authorize(ctx, token, "change_hc")
	if err != nil {
		return nil, err
	}
	if err := g.covered(ctx, task, types.Ref(types.ObjectCluster, clusterID)); err != nil {
		return nil, err
	}
	current, err := g.mgr.GetHostComponent(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	entries, err := applyChanges(current, changes)
	if err != nil {
		return nil, err
	}
	return g.mgr.SetHostComponent(ctx, clusterID, entries)
}

func applyChanges(current []types.HostComponent, changes []HCChange) ([]types.HostComponent, error) {
	entries := slices.Clone(current)
	index := func(c HCChange) int {
		return slices.IndexFunc(entries, func(e types.HostComponent) bool {
			return e.HostID == c.HostID && e.ComponentID == c.ComponentID
		})
	}
	for _, c := range changes {
		switch c.Action {
		case types.HCAdd:
			if index(c) >= 0 {
				return nil, adcmerr.New(adcmerr.InvalidInput, "component %d is already mapped on host %d", c.ComponentID, c.HostID)
			}
			entries = append(entries, types.HostComponent{ServiceID: c.ServiceID, ComponentID: c.ComponentID, HostID: c.HostID})
		case types.HCRemove:
			i := index(c)
			if i < 0 {
				return nil, adcmerr.New(adcmerr.InvalidInput, "component %d is not mapped on host %d", c.ComponentID, c.HostID)
			}
			entries = slices.Delete(entries, i, i+1)
		default:
			return nil, adcmerr.New(adcmerr.InvalidInput, "unknown hc action %q", c.Action)
		}
	}
	return entries, nil
}

// SetState sets the state of an object locked by the task
func (g *Gateway) SetState(ctx context.Context, token string, ref types.ObjectRef, state string) error {
	ctx, _, err := g.authorize(ctx, token, "set_state")
	if err != nil {
		return err
	}
	if state == "" {
		return adcmerr.New(adcmerr.InvalidInput, "state is empty")
	}
	return g.mgr.ChangeState(ctx, ref, &types.StateChange{State: state})
}

// SetMultiState adds a multi-state to an object locked by the task
func (g *Gateway) SetMultiState(ctx context.Context, token string, ref types.ObjectRef, state string) error {
	ctx, _, err := g.authorize(ctx, token, "set_multi_state")
	if err != nil {
		return err
	}
	if state == "" {
		return adcmerr.New(adcmerr.InvalidInput, "multi-state is empty")
	}
	return g.mgr.ChangeState(ctx, ref, &types.StateChange{MultiStateSet: []string{state}})
}

// UnsetMultiState removes a multi-state from an object locked by the task
func (g *Gateway) UnsetMultiState(ctx context.Context, token string, ref types.ObjectRef, state string) error {
	ctx, _, err := g.authorize(ctx, token, "unset_multi_state")
	if err != nil {
		return err
	}
	return g.mgr.ChangeState(ctx, ref, &types.StateChange{MultiStateUnset: []string{state}})
}

// SetConfig changes the given keys of an object's config and keeps the
// rest. Read-only keys may change.
func (g *Gateway) SetConfig(ctx context.Context, token string, ref types.ObjectRef, values map[string]any) (*types.ConfigLog, error) {
	ctx, task, err := g.authorize(ctx, token, "set_config")
	if err != nil {
		return nil, err
	}
	if err := g.covered(ctx, task, ref); err != nil {
		return nil, err
	}
	current, err := g.mgr.GetConfig(ctx, ref)
	if err != nil {
		return nil, err
	}
	return g.mgr.UpdateConfig(ctx, ref, values, current.Attr, "plugin")
}
