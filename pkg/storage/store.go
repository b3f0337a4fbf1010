package storage

import (
	"github.com/cuemby/adcm/pkg/types"
)

// Store defines the transactional repository of the control plane.
// All mutations of one operation happen inside a single Update call.
type Store interface {
	// View runs fn against a read-only consistent snapshot
	View(fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction; an error rolls everything back
	Update(fn func(tx Tx) error) error
	Close() error
}

// HostFilter narrows ListHosts. Zero fields match everything.
type HostFilter struct {
	ProviderID int64
	ClusterID  int64
	// Unattached selects hosts without a cluster
	Unattached bool
}

// BindFilter narrows ListBinds. Zero fields match everything.
type BindFilter struct {
	ClusterID       int64
	ServiceID       int64
	SourceClusterID int64
	SourceServiceID int64
	// ClusterOnly selects binds owned by the cluster itself rather than its services
	ClusterOnly bool
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	Statuses []types.TaskStatus
	Target   *types.ObjectRef
}

// ConcernFilter narrows ListConcerns. Zero fields match everything.
type ConcernFilter struct {
	Owner   *types.ObjectRef
	Related *types.ObjectRef
	Type    types.ConcernType
	Cause   types.ConcernCause
	TaskID  int64
}

// Tx is the set of typed operations available inside a transaction
type Tx interface {
	// Bundles
	CreateBundle(bundle *types.Bundle) error
	GetBundle(id int64) (*types.Bundle, error)
	ListBundles() ([]*types.Bundle, error)
	DeleteBundle(id int64) error

	// Prototypes
	CreatePrototype(proto *types.Prototype) error
	GetPrototype(id int64) (*types.Prototype, error)
	// FindPrototype resolves a cluster, service, provider or host prototype by name
	FindPrototype(bundleID int64, kind types.ObjectType, name string) (*types.Prototype, error)
	FindComponentPrototype(service *types.Prototype, name string) (*types.Prototype, error)
	ListPrototypes(bundleID int64) ([]*types.Prototype, error)
	UpdatePrototype(proto *types.Prototype) error
	DeletePrototype(id int64) error

	// Actions
	CreateAction(action *types.Action) error
	GetAction(id int64) (*types.Action, error)
	ListActions(prototypeID int64) ([]*types.Action, error)
	DeleteAction(id int64) error

	// Upgrades
	CreateUpgrade(upgrade *types.Upgrade) error
	GetUpgrade(id int64) (*types.Upgrade, error)
	ListUpgrades(bundleID int64) ([]*types.Upgrade, error)
	UpdateUpgrade(upgrade *types.Upgrade) error
	DeleteUpgrade(id int64) error

	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id int64) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	DeleteCluster(id int64) error

	// Services
	CreateService(service *types.Service) error
	GetService(id int64) (*types.Service, error)
	ListServices(clusterID int64) ([]*types.Service, error)
	UpdateService(service *types.Service) error
	DeleteService(id int64) error

	// Components
	CreateComponent(component *types.Component) error
	GetComponent(id int64) (*types.Component, error)
	ListComponents(serviceID int64) ([]*types.Component, error)
	ListClusterComponents(clusterID int64) ([]*types.Component, error)
	UpdateComponent(component *types.Component) error
	DeleteComponent(id int64) error

	// Providers
	CreateProvider(provider *types.Provider) error
	GetProvider(id int64) (*types.Provider, error)
	GetProviderByName(name string) (*types.Provider, error)
	ListProviders() ([]*types.Provider, error)
	UpdateProvider(provider *types.Provider) error
	DeleteProvider(id int64) error

	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id int64) (*types.Host, error)
	GetHostByFQDN(fqdn string) (*types.Host, error)
	ListHosts(filter HostFilter) ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id int64) error

	// Host-component map, stored per cluster
	ListHostComponents(clusterID int64) ([]types.HostComponent, error)
	ReplaceHostComponents(clusterID int64, entries []types.HostComponent) error

	// Config versions
	CreateObjectConfig(oc *types.ObjectConfig) error
	GetObjectConfig(id int64) (*types.ObjectConfig, error)
	UpdateObjectConfig(oc *types.ObjectConfig) error
	DeleteObjectConfig(id int64) error
	CreateConfigLog(cl *types.ConfigLog) error
	GetConfigLog(id int64) (*types.ConfigLog, error)
	ListConfigLogs(objConfID int64) ([]*types.ConfigLog, error)

	// Config host groups
	CreateGroup(group *types.ConfigHostGroup) error
	GetGroup(id int64) (*types.ConfigHostGroup, error)
	ListGroups(owner *types.ObjectRef) ([]*types.ConfigHostGroup, error)
	UpdateGroup(group *types.ConfigHostGroup) error
	DeleteGroup(id int64) error

	// Import binds
	CreateBind(bind *types.ClusterBind) error
	ListBinds(filter BindFilter) ([]*types.ClusterBind, error)
	DeleteBind(id int64) error

	// Tasks and jobs
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	CreateJob(job *types.Job) error
	GetJob(id int64) (*types.Job, error)
	ListJobs(taskID int64) ([]*types.Job, error)
	UpdateJob(job *types.Job) error

	// Concerns
	CreateConcern(concern *types.Concern) error
	GetConcern(id int64) (*types.Concern, error)
	ListConcerns(filter ConcernFilter) ([]*types.Concern, error)
	UpdateConcern(concern *types.Concern) error
	DeleteConcern(id int64) error
}
