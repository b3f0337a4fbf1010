package api

import (
	"github.com/cuemby/adcm/pkg/gateway"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/types"
)

// Empty is the request or response of calls without a payload
type Empty struct{}

// IDRequest addresses one object by id
type IDRequest struct {
	ID int64 `json:"id"`
}

// ObjectRequest addresses one object by typed reference
type ObjectRequest struct {
	Object types.ObjectRef `json:"object"`
}

type LoadBundleRequest struct {
	Path string `json:"path"`
}

type BundleRequest struct {
	BundleID int64 `json:"bundle_id"`
}

type CreateClusterRequest struct {
	PrototypeID int64  `json:"prototype_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AddServiceRequest struct {
	ClusterID   int64 `json:"cluster_id"`
	PrototypeID int64 `json:"prototype_id"`
}

type ClusterRequest struct {
	ClusterID int64 `json:"cluster_id"`
}

type ServiceRequest struct {
	ServiceID int64 `json:"service_id"`
}

type CreateProviderRequest struct {
	PrototypeID int64  `json:"prototype_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateHostRequest struct {
	ProviderID int64 `json:"provider_id"`
	// PrototypeID defaults to the host prototype of the provider's bundle
	PrototypeID int64  `json:"prototype_id,omitempty"`
	FQDN        string `json:"fqdn"`
	Description string `json:"description,omitempty"`
}

type ListHostsRequest struct {
	ProviderID int64 `json:"provider_id,omitempty"`
	ClusterID  int64 `json:"cluster_id,omitempty"`
	Unattached bool  `json:"unattached,omitempty"`
}

type HostToClusterRequest struct {
	ClusterID int64 `json:"cluster_id"`
	HostID    int64 `json:"host_id"`
}

type HostRequest struct {
	HostID int64 `json:"host_id"`
}

type SetHostComponentRequest struct {
	ClusterID     int64                 `json:"cluster_id"`
	HostComponent []types.HostComponent `json:"hc"`
}

type MaintenanceModeRequest struct {
	Object types.ObjectRef `json:"object"`
	On     bool            `json:"on"`
}

type UpdateConfigRequest struct {
	Object      types.ObjectRef `json:"object"`
	Config      map[string]any  `json:"config"`
	Attr        map[string]any  `json:"attr,omitempty"`
	Description string          `json:"description,omitempty"`
}

type RestoreConfigRequest struct {
	Object types.ObjectRef `json:"object"`
	LogID  int64           `json:"log_id"`
}

type CreateGroupRequest struct {
	Owner       types.ObjectRef `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
}

type GroupHostRequest struct {
	GroupID int64 `json:"group_id"`
	HostID  int64 `json:"host_id"`
}

type UpdateGroupConfigRequest struct {
	GroupID     int64          `json:"group_id"`
	Config      map[string]any `json:"config"`
	Attr        map[string]any `json:"attr,omitempty"`
	Description string         `json:"description,omitempty"`
}

type MultiBindRequest struct {
	Object  types.ObjectRef  `json:"object"`
	Sources []imports.Source `json:"binds"`
}

type RunActionRequest struct {
	Object   types.ObjectRef `json:"object"`
	ActionID int64           `json:"action_id"`
	// Owner is set for host actions declared on a cluster, service or
	// component; Object is then the host
	Owner   *types.ObjectRef    `json:"owner,omitempty"`
	Request launcher.RunRequest `json:"request"`
}

type ListTasksRequest struct {
	Statuses []types.TaskStatus `json:"statuses,omitempty"`
	Target   *types.ObjectRef   `json:"target,omitempty"`
}

type TaskRequest struct {
	TaskID int64 `json:"task_id"`
}

type JobRequest struct {
	JobID int64 `json:"job_id"`
}

type UpgradeRequest struct {
	Object    types.ObjectRef     `json:"object"`
	UpgradeID int64               `json:"upgrade_id"`
	Request   launcher.RunRequest `json:"request"`
}

type SetStatusRequest struct {
	HostID      int64 `json:"host_id"`
	ComponentID int64 `json:"component_id,omitempty"`
	Status      int   `json:"status"`
}

type StatusResponse struct {
	Status int  `json:"status"`
	Known  bool `json:"known"`
}

type ListConcernsRequest struct {
	Object *types.ObjectRef   `json:"object,omitempty"`
	Type   types.ConcernType  `json:"type,omitempty"`
	Cause  types.ConcernCause `json:"cause,omitempty"`
}

type WatchEventsRequest struct {
	Object *types.ObjectRef `json:"object,omitempty"`
}

// Plugin requests carry the token of the job making the call

type PluginAddHostRequest struct {
	Token string `json:"token"`
	CreateHostRequest
}

type PluginHostRequest struct {
	Token  string `json:"token"`
	HostID int64  `json:"host_id"`
}

type PluginHostToClusterRequest struct {
	Token string `json:"token"`
	HostToClusterRequest
}

type PluginChangeHCRequest struct {
	Token     string             `json:"token"`
	ClusterID int64              `json:"cluster_id"`
	Changes   []gateway.HCChange `json:"changes"`
}

type PluginStateRequest struct {
	Token  string          `json:"token"`
	Object types.ObjectRef `json:"object"`
	State  string          `json:"state"`
}

type PluginConfigRequest struct {
	Token  string          `json:"token"`
	Object types.ObjectRef `json:"object"`
	Config map[string]any  `json:"config"`
}
