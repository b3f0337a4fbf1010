package manager

import (
	"context"

	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// view runs a single-value read inside a read transaction
func view[T any](m *Manager, ctx context.Context, fn func(tx storage.Tx) (T, error)) (T, error) {
	var out T
	err := m.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

func (m *Manager) GetCluster(ctx context.Context, id int64) (*types.Cluster, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Cluster, error) { return tx.GetCluster(id) })
}

func (m *Manager) GetClusterByName(ctx context.Context, name string) (*types.Cluster, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Cluster, error) { return tx.GetClusterByName(name) })
}

func (m *Manager) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Cluster, error) { return tx.ListClusters() })
}

func (m *Manager) GetService(ctx context.Context, id int64) (*types.Service, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Service, error) { return tx.GetService(id) })
}

func (m *Manager) ListServices(ctx context.Context, clusterID int64) ([]*types.Service, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Service, error) { return tx.ListServices(clusterID) })
}

func (m *Manager) GetComponent(ctx context.Context, id int64) (*types.Component, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Component, error) { return tx.GetComponent(id) })
}

func (m *Manager) ListComponents(ctx context.Context, serviceID int64) ([]*types.Component, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Component, error) { return tx.ListComponents(serviceID) })
}

func (m *Manager) GetProvider(ctx context.Context, id int64) (*types.Provider, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Provider, error) { return tx.GetProvider(id) })
}

func (m *Manager) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Provider, error) { return tx.ListProviders() })
}

func (m *Manager) GetHost(ctx context.Context, id int64) (*types.Host, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Host, error) { return tx.GetHost(id) })
}

func (m *Manager) ListHosts(ctx context.Context, filter storage.HostFilter) ([]*types.Host, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Host, error) { return tx.ListHosts(filter) })
}

// GetHostComponent returns the host-component map of a cluster
func (m *Manager) GetHostComponent(ctx context.Context, clusterID int64) ([]types.HostComponent, error) {
	return view(m, ctx, func(tx storage.Tx) ([]types.HostComponent, error) {
		if _, err := tx.GetCluster(clusterID); err != nil {
			return nil, err
		}
		return tx.ListHostComponents(clusterID)
	})
}

// ObjectConcerns returns every concern owned by or propagated to ref
func (m *Manager) ObjectConcerns(ctx context.Context, ref types.ObjectRef) ([]*types.Concern, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Concern, error) {
		if _, err := storage.GetObject(tx, ref); err != nil {
			return nil, err
		}
		return tx.ListConcerns(storage.ConcernFilter{Related: &ref})
	})
}

// ListConcerns returns the concerns matching filter
func (m *Manager) ListConcerns(ctx context.Context, filter storage.ConcernFilter) ([]*types.Concern, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Concern, error) { return tx.ListConcerns(filter) })
}

func (m *Manager) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Task, error) { return tx.GetTask(id) })
}

func (m *Manager) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Task, error) { return tx.ListTasks(filter) })
}

// ListJobs returns the jobs of a task in execution order
func (m *Manager) ListJobs(ctx context.Context, taskID int64) ([]*types.Job, error) {
	return view(m, ctx, func(tx storage.Tx) ([]*types.Job, error) {
		if _, err := tx.GetTask(taskID); err != nil {
			return nil, err
		}
		return tx.ListJobs(taskID)
	})
}

func (m *Manager) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Job, error) { return tx.GetJob(id) })
}

func (m *Manager) GetAction(ctx context.Context, id int64) (*types.Action, error) {
	return view(m, ctx, func(tx storage.Tx) (*types.Action, error) { return tx.GetAction(id) })
}
