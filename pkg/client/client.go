package client

import (
	"context"
	"fmt"
	"io"

	"github.com/cuemby/adcm/pkg/api"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/gateway"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/runner"
	"github.com/cuemby/adcm/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the control service for CLI and plugin usage
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to the API at addr. Without options the connection
// is plaintext.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a method of the control service. Errors carry the code the
// server reported.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	if req == nil {
		req = api.Empty{}
	}
	in, err := api.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, resp); err != nil {
		return api.FromStatus(err)
	}
	if out == nil {
		return nil
	}
	if err := api.DecodeResult(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func call[T any](ctx context.Context, c *Client, method string, req any) (T, error) {
	var out T
	err := c.Call(ctx, method, req, &out)
	return out, err
}

// WatchEvents delivers events to fn until ctx is done, the stream ends or
// fn returns an error. A nil object watches everything.
func (c *Client) WatchEvents(ctx context.Context, object *types.ObjectRef, fn func(*events.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: api.WatchEventsMethod, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.WatchEventsMethod))
	if err != nil {
		return api.FromStatus(err)
	}
	in, err := api.EncodeRequest(api.WatchEventsRequest{Object: object})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return api.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return api.FromStatus(err)
		}
		var ev events.Event
		if err := api.DecodeResult(msg, &ev); err != nil {
			return err
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
}

// Bundles

func (c *Client) LoadBundle(ctx context.Context, path string) (*types.Bundle, error) {
	return call[*types.Bundle](ctx, c, "LoadBundle", api.LoadBundleRequest{Path: path})
}

func (c *Client) AcceptLicense(ctx context.Context, bundleID int64) error {
	return c.Call(ctx, "AcceptLicense", api.BundleRequest{BundleID: bundleID}, nil)
}

func (c *Client) DeleteBundle(ctx context.Context, bundleID int64) error {
	return c.Call(ctx, "DeleteBundle", api.BundleRequest{BundleID: bundleID}, nil)
}

func (c *Client) ListBundles(ctx context.Context) ([]*types.Bundle, error) {
	return call[[]*types.Bundle](ctx, c, "ListBundles", nil)
}

func (c *Client) ListPrototypes(ctx context.Context, bundleID int64) ([]*types.Prototype, error) {
	return call[[]*types.Prototype](ctx, c, "ListPrototypes", api.BundleRequest{BundleID: bundleID})
}

// Topology

func (c *Client) CreateCluster(ctx context.Context, protoID int64, name, description string) (*types.Cluster, error) {
	return call[*types.Cluster](ctx, c, "CreateCluster", api.CreateClusterRequest{PrototypeID: protoID, Name: name, Description: description})
}

func (c *Client) GetCluster(ctx context.Context, id int64) (*types.Cluster, error) {
	return call[*types.Cluster](ctx, c, "GetCluster", api.IDRequest{ID: id})
}

func (c *Client) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	return call[[]*types.Cluster](ctx, c, "ListClusters", nil)
}

func (c *Client) DeleteCluster(ctx context.Context, id int64) error {
	return c.Call(ctx, "DeleteCluster", api.IDRequest{ID: id}, nil)
}

func (c *Client) AddService(ctx context.Context, clusterID, protoID int64) (*types.Service, error) {
	return call[*types.Service](ctx, c, "AddService", api.AddServiceRequest{ClusterID: clusterID, PrototypeID: protoID})
}

func (c *Client) ListServices(ctx context.Context, clusterID int64) ([]*types.Service, error) {
	return call[[]*types.Service](ctx, c, "ListServices", api.ClusterRequest{ClusterID: clusterID})
}

func (c *Client) DeleteService(ctx context.Context, id int64) error {
	return c.Call(ctx, "DeleteService", api.IDRequest{ID: id}, nil)
}

func (c *Client) ListComponents(ctx context.Context, serviceID int64) ([]*types.Component, error) {
	return call[[]*types.Component](ctx, c, "ListComponents", api.ServiceRequest{ServiceID: serviceID})
}

func (c *Client) CreateProvider(ctx context.Context, protoID int64, name, description string) (*types.Provider, error) {
	return call[*types.Provider](ctx, c, "CreateProvider", api.CreateProviderRequest{PrototypeID: protoID, Name: name, Description: description})
}

func (c *Client) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	return call[[]*types.Provider](ctx, c, "ListProviders", nil)
}

func (c *Client) CreateHost(ctx context.Context, providerID, protoID int64, fqdn, description string) (*types.Host, error) {
	return call[*types.Host](ctx, c, "CreateHost", api.CreateHostRequest{ProviderID: providerID, PrototypeID: protoID, FQDN: fqdn, Description: description})
}

func (c *Client) ListHosts(ctx context.Context, req api.ListHostsRequest) ([]*types.Host, error) {
	return call[[]*types.Host](ctx, c, "ListHosts", req)
}

func (c *Client) DeleteHost(ctx context.Context, id int64) error {
	return c.Call(ctx, "DeleteHost", api.IDRequest{ID: id}, nil)
}

func (c *Client) AddHostToCluster(ctx context.Context, clusterID, hostID int64) (*types.Host, error) {
	return call[*types.Host](ctx, c, "AddHostToCluster", api.HostToClusterRequest{ClusterID: clusterID, HostID: hostID})
}

func (c *Client) RemoveHostFromCluster(ctx context.Context, hostID int64) error {
	return c.Call(ctx, "RemoveHostFromCluster", api.HostRequest{HostID: hostID}, nil)
}

func (c *Client) SetHostComponent(ctx context.Context, clusterID int64, hc []types.HostComponent) ([]types.HostComponent, error) {
	return call[[]types.HostComponent](ctx, c, "SetHostComponent", api.SetHostComponentRequest{ClusterID: clusterID, HostComponent: hc})
}

func (c *Client) GetHostComponent(ctx context.Context, clusterID int64) ([]types.HostComponent, error) {
	return call[[]types.HostComponent](ctx, c, "GetHostComponent", api.ClusterRequest{ClusterID: clusterID})
}

func (c *Client) SetMaintenanceMode(ctx context.Context, ref types.ObjectRef, on bool) error {
	return c.Call(ctx, "SetMaintenanceMode", api.MaintenanceModeRequest{Object: ref, On: on}, nil)
}

// Config

func (c *Client) UpdateConfig(ctx context.Context, ref types.ObjectRef, cfg, attr map[string]any, description string) (*types.ConfigLog, error) {
	return call[*types.ConfigLog](ctx, c, "UpdateConfig", api.UpdateConfigRequest{Object: ref, Config: cfg, Attr: attr, Description: description})
}

func (c *Client) GetConfig(ctx context.Context, ref types.ObjectRef) (*types.ConfigLog, error) {
	return call[*types.ConfigLog](ctx, c, "GetConfig", api.ObjectRequest{Object: ref})
}

func (c *Client) RestoreConfig(ctx context.Context, ref types.ObjectRef, logID int64) (*types.ConfigLog, error) {
	return call[*types.ConfigLog](ctx, c, "RestoreConfig", api.RestoreConfigRequest{Object: ref, LogID: logID})
}

// Imports

func (c *Client) GetImports(ctx context.Context, ref types.ObjectRef) ([]imports.Import, error) {
	return call[[]imports.Import](ctx, c, "GetImports", api.ObjectRequest{Object: ref})
}

func (c *Client) MultiBind(ctx context.Context, ref types.ObjectRef, sources []imports.Source) ([]*types.ClusterBind, error) {
	return call[[]*types.ClusterBind](ctx, c, "MultiBind", api.MultiBindRequest{Object: ref, Sources: sources})
}

// Actions and tasks

func (c *Client) RunAction(ctx context.Context, ref types.ObjectRef, actionID int64, req launcher.RunRequest) (*types.Task, error) {
	return call[*types.Task](ctx, c, "RunAction", api.RunActionRequest{Object: ref, ActionID: actionID, Request: req})
}

func (c *Client) RunHostAction(ctx context.Context, owner types.ObjectRef, hostID, actionID int64, req launcher.RunRequest) (*types.Task, error) {
	return call[*types.Task](ctx, c, "RunAction", api.RunActionRequest{
		Object:   types.Ref(types.ObjectHost, hostID),
		Owner:    &owner,
		ActionID: actionID,
		Request:  req,
	})
}

func (c *Client) CancelJob(ctx context.Context, jobID int64) error {
	return c.Call(ctx, "CancelJob", api.JobRequest{JobID: jobID}, nil)
}

func (c *Client) CancelTask(ctx context.Context, taskID int64) error {
	return c.Call(ctx, "CancelTask", api.TaskRequest{TaskID: taskID}, nil)
}

func (c *Client) RestartTask(ctx context.Context, taskID int64) error {
	return c.Call(ctx, "RestartTask", api.TaskRequest{TaskID: taskID}, nil)
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	return call[*types.Task](ctx, c, "GetTask", api.TaskRequest{TaskID: taskID})
}

func (c *Client) ListJobs(ctx context.Context, taskID int64) ([]*types.Job, error) {
	return call[[]*types.Job](ctx, c, "ListJobs", api.TaskRequest{TaskID: taskID})
}

func (c *Client) GetJobLogs(ctx context.Context, jobID int64) ([]runner.JobLog, error) {
	return call[[]runner.JobLog](ctx, c, "GetJobLogs", api.JobRequest{JobID: jobID})
}

// Upgrades

func (c *Client) ListUpgrades(ctx context.Context, ref types.ObjectRef) ([]*types.Upgrade, error) {
	return call[[]*types.Upgrade](ctx, c, "ListUpgrades", api.ObjectRequest{Object: ref})
}

// Upgrade returns nil without error when the upgrade was applied at once
func (c *Client) Upgrade(ctx context.Context, ref types.ObjectRef, upgradeID int64, req launcher.RunRequest) (*types.Task, error) {
	return call[*types.Task](ctx, c, "Upgrade", api.UpgradeRequest{Object: ref, UpgradeID: upgradeID, Request: req})
}

// Status and concerns

func (c *Client) SetStatus(ctx context.Context, hostID, componentID int64, status int) error {
	return c.Call(ctx, "SetStatus", api.SetStatusRequest{HostID: hostID, ComponentID: componentID, Status: status}, nil)
}

func (c *Client) ListConcerns(ctx context.Context, ref types.ObjectRef) ([]*types.Concern, error) {
	return call[[]*types.Concern](ctx, c, "ListConcerns", api.ListConcernsRequest{Object: &ref})
}

// Plugin is the view of the API a running job gets through its token
type Plugin struct {
	c     *Client
	token string
}

// Plugin returns the gateway calls authenticated with token
func (c *Client) Plugin(token string) *Plugin {
	return &Plugin{c: c, token: token}
}

func (p *Plugin) AddHost(ctx context.Context, providerID int64, fqdn, description string) (*types.Host, error) {
	return call[*types.Host](ctx, p.c, "PluginAddHost", api.PluginAddHostRequest{
		Token:             p.token,
		CreateHostRequest: api.CreateHostRequest{ProviderID: providerID, FQDN: fqdn, Description: description},
	})
}

func (p *Plugin) DeleteHost(ctx context.Context, hostID int64) error {
	return p.c.Call(ctx, "PluginDeleteHost", api.PluginHostRequest{Token: p.token, HostID: hostID}, nil)
}

func (p *Plugin) AddHostToCluster(ctx context.Context, clusterID, hostID int64) (*types.Host, error) {
	return call[*types.Host](ctx, p.c, "PluginAddHostToCluster", api.PluginHostToClusterRequest{
		Token:                p.token,
		HostToClusterRequest: api.HostToClusterRequest{ClusterID: clusterID, HostID: hostID},
	})
}

func (p *Plugin) ChangeHC(ctx context.Context, clusterID int64, changes []gateway.HCChange) ([]types.HostComponent, error) {
	return call[[]types.HostComponent](ctx, p.c, "PluginChangeHC", api.PluginChangeHCRequest{Token: p.token, ClusterID: clusterID, Changes: changes})
}

func (p *Plugin) SetState(ctx context.Context, ref types.ObjectRef, state string) error {
	return p.c.Call(ctx, "PluginSetState", api.PluginStateRequest{Token: p.token, Object: ref, State: state}, nil)
}

func (p *Plugin) SetMultiState(ctx context.Context, ref types.ObjectRef, state string) error {
	return p.c.Call(ctx, "PluginSetMultiState", api.PluginStateRequest{Token: p.token, Object: ref, State: state}, nil)
}

func (p *Plugin) UnsetMultiState(ctx context.Context, ref types.ObjectRef, state string) error {
	return p.c.Call(ctx, "PluginUnsetMultiState", api.PluginStateRequest{Token: p.token, Object: ref, State: state}, nil)
}

func (p *Plugin) SetConfig(ctx context.Context, ref types.ObjectRef, cfg map[string]any) (*types.ConfigLog, error) {
	return call[*types.ConfigLog](ctx, p.c, "PluginSetConfig", api.PluginConfigRequest{Token: p.token, Object: ref, Config: cfg})
}
