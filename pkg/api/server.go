package api

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/gateway"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/runner"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/cuemby/adcm/pkg/upgrade"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the API server drives
type Deps struct {
	Manager  *manager.Manager
	Runner   *runner.Runner
	Launcher *launcher.Launcher
	Upgrades *upgrade.Coordinator
	Gateway  *gateway.Gateway
}

// Server implements the adcm.v1.Control gRPC service
type Server struct {
	mgr      *manager.Manager
	runner   *runner.Runner
	launcher *launcher.Launcher
	upgrades *upgrade.Coordinator
	gateway  *gateway.Gateway
	grpc     *grpc.Server
	local    *grpc.Server
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	s := &Server{
		mgr:      d.Manager,
		runner:   d.Runner,
		launcher: d.Launcher,
		upgrades: d.Upgrades,
		gateway:  d.Gateway,
		logger:   log.WithComponent("api"),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(s.logger)))
	s.grpc.RegisterService(ServiceDesc(), s)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("gRPC API listening")
	return s.Serve(lis)
}

// Serve serves the API on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// StartLocal serves a read-only copy of the API on a Unix socket
func (s *Server) StartLocal(socketPath string) error {
	_ = os.Remove(socketPath)
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	s.local = grpc.NewServer(grpc.ChainUnaryInterceptor(ReadOnlyInterceptor(), LoggingInterceptor(s.logger)))
	s.local.RegisterService(ServiceDesc(), s)
	s.logger.Info().Str("socket", socketPath).Msg("Read-only API listening")
	return s.local.Serve(lis)
}

// Stop gracefully stops the gRPC servers
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.local != nil {
		s.local.GracefulStop()
	}
}

// Call dispatches one unary method
func (s *Server) Call(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	m, ok := methods[name]
	if !ok {
		return nil, ToStatus(adcmerr.New(adcmerr.InvalidInput, "unknown method %q", name))
	}
	result, err := m(s, ctx, in)
	if err != nil {
		return nil, ToStatus(err)
	}
	out, err := EncodeResult(result)
	if err != nil {
		return nil, ToStatus(fmt.Errorf("failed to encode %s result: %w", name, err))
	}
	return out, nil
}

// WatchEvents streams committed events until the client goes away
func (s *Server) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchEventsRequest
	if err := DecodeRequest(in, &req); err != nil {
		return ToStatus(adcmerr.New(adcmerr.InvalidInput, "malformed request: %v", err))
	}
	var filter events.Filter
	if req.Object != nil {
		filter = events.ForObject(*req.Object)
	}
	broker := s.mgr.GetEventBroker()
	sub := broker.Subscribe(filter)
	defer broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			out, err := EncodeResult(ev)
			if err != nil {
				return ToStatus(err)
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// Bundles

func (s *Server) LoadBundle(ctx context.Context, req *LoadBundleRequest) (*types.Bundle, error) {
	if req.Path == "" {
		return nil, adcmerr.New(adcmerr.InvalidInput, "bundle path is required")
	}
	return s.mgr.LoadBundle(ctx, req.Path)
}

func (s *Server) AcceptLicense(ctx context.Context, req *BundleRequest) (*Empty, error) {
	return &Empty{}, s.mgr.AcceptLicense(ctx, req.BundleID)
}

func (s *Server) DeleteBundle(ctx context.Context, req *BundleRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteBundle(ctx, req.BundleID)
}

func (s *Server) ListBundles(ctx context.Context, _ *Empty) ([]*types.Bundle, error) {
	return s.mgr.ListBundles(ctx)
}

func (s *Server) ListPrototypes(ctx context.Context, req *BundleRequest) ([]*types.Prototype, error) {
	return s.mgr.ListPrototypes(ctx, req.BundleID)
}

// Topology

func (s *Server) CreateCluster(ctx context.Context, req *CreateClusterRequest) (*types.Cluster, error) {
	return s.mgr.AddCluster(ctx, req.PrototypeID, req.Name, req.Description)
}

func (s *Server) GetCluster(ctx context.Context, req *IDRequest) (*types.Cluster, error) {
	return s.mgr.GetCluster(ctx, req.ID)
}

func (s *Server) ListClusters(ctx context.Context, _ *Empty) ([]*types.Cluster, error) {
	return s.mgr.ListClusters(ctx)
}

func (s *Server) DeleteCluster(ctx context.Context, req *IDRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteCluster(ctx, req.ID)
}

func (s *Server) AddService(ctx context.Context, req *AddServiceRequest) (*types.Service, error) {
	return s.mgr.AddService(ctx, req.ClusterID, req.PrototypeID)
}

func (s *Server) ListServices(ctx context.Context, req *ClusterRequest) ([]*types.Service, error) {
	return s.mgr.ListServices(ctx, req.ClusterID)
}

func (s *Server) DeleteService(ctx context.Context, req *IDRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteService(ctx, req.ID)
}

func (s *Server) ListComponents(ctx context.Context, req *ServiceRequest) ([]*types.Component, error) {
	return s.mgr.ListComponents(ctx, req.ServiceID)
}

func (s *Server) CreateProvider(ctx context.Context, req *CreateProviderRequest) (*types.Provider, error) {
	return s.mgr.AddHostProvider(ctx, req.PrototypeID, req.Name, req.Description)
}

func (s *Server) ListProviders(ctx context.Context, _ *Empty) ([]*types.Provider, error) {
	return s.mgr.ListProviders(ctx)
}

func (s *Server) DeleteProvider(ctx context.Context, req *IDRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteProvider(ctx, req.ID)
}

func (s *Server) CreateHost(ctx context.Context, req *CreateHostRequest) (*types.Host, error) {
	return s.mgr.AddHost(ctx, req.ProviderID, req.PrototypeID, req.FQDN, req.Description)
}

func (s *Server) ListHosts(ctx context.Context, req *ListHostsRequest) ([]*types.Host, error) {
	return s.mgr.ListHosts(ctx, storage.HostFilter{
		ProviderID: req.ProviderID,
		ClusterID:  req.ClusterID,
		Unattached: req.Unattached,
	})
}

func (s *Server) DeleteHost(ctx context.Context, req *IDRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteHost(ctx, req.ID)
}

func (s *Server) AddHostToCluster(ctx context.Context, req *HostToClusterRequest) (*types.Host, error) {
	return s.mgr.AddHostToCluster(ctx, req.ClusterID, req.HostID)
}

func (s *Server) RemoveHostFromCluster(ctx context.Context, req *HostRequest) (*Empty, error) {
	return &Empty{}, s.mgr.RemoveHostFromCluster(ctx, req.HostID)
}

func (s *Server) SetHostComponent(ctx context.Context, req *SetHostComponentRequest) ([]types.HostComponent, error) {
	return s.mgr.SetHostComponent(ctx, req.ClusterID, req.HostComponent)
}

func (s *Server) GetHostComponent(ctx context.Context, req *ClusterRequest) ([]types.HostComponent, error) {
	return s.mgr.GetHostComponent(ctx, req.ClusterID)
}

func (s *Server) SetMaintenanceMode(ctx context.Context, req *MaintenanceModeRequest) (*Empty, error) {
	return &Empty{}, s.mgr.SetMaintenanceMode(ctx, req.Object, req.On)
}

// Config

func (s *Server) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*types.ConfigLog, error) {
	return s.mgr.UpdateConfig(ctx, req.Object, req.Config, req.Attr, req.Description)
}

func (s *Server) GetConfig(ctx context.Context, req *ObjectRequest) (*types.ConfigLog, error) {
	return s.mgr.GetConfig(ctx, req.Object)
}

func (s *Server) ListConfigs(ctx context.Context, req *ObjectRequest) ([]*types.ConfigLog, error) {
	return s.mgr.ListConfigs(ctx, req.Object)
}

func (s *Server) RestoreConfig(ctx context.Context, req *RestoreConfigRequest) (*types.ConfigLog, error) {
	return s.mgr.RestoreConfig(ctx, req.Object, req.LogID)
}

// Config host groups

func (s *Server) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*types.ConfigHostGroup, error) {
	return s.mgr.CreateGroup(ctx, req.Owner, req.Name, req.Description)
}

func (s *Server) AddHostToGroup(ctx context.Context, req *GroupHostRequest) (*Empty, error) {
	return &Empty{}, s.mgr.AddHostToGroup(ctx, req.GroupID, req.HostID)
}

func (s *Server) RemoveHostFromGroup(ctx context.Context, req *GroupHostRequest) (*Empty, error) {
	return &Empty{}, s.mgr.RemoveHostFromGroup(ctx, req.GroupID, req.HostID)
}

func (s *Server) UpdateGroupConfig(ctx context.Context, req *UpdateGroupConfigRequest) (*types.ConfigLog, error) {
	return s.mgr.UpdateGroupConfig(ctx, req.GroupID, req.Config, req.Attr, req.Description)
}

func (s *Server) DeleteGroup(ctx context.Context, req *IDRequest) (*Empty, error) {
	return &Empty{}, s.mgr.DeleteGroup(ctx, req.ID)
}

// Imports

func (s *Server) GetImports(ctx context.Context, req *ObjectRequest) ([]imports.Import, error) {
	return s.mgr.GetImports(ctx, req.Object)
}

func (s *Server) MultiBind(ctx context.Context, req *MultiBindRequest) ([]*types.ClusterBind, error) {
	return s.mgr.MultiBind(ctx, req.Object, req.Sources)
}

// Actions and tasks

func (s *Server) RunAction(ctx context.Context, req *RunActionRequest) (*types.Task, error) {
	if req.Owner != nil && *req.Owner != req.Object {
		if req.Object.Type != types.ObjectHost {
			return nil, adcmerr.New(adcmerr.InvalidInput, "an action owned by %s can only target a host, got %s", *req.Owner, req.Object)
		}
		return s.launcher.RunHostAction(ctx, *req.Owner, req.Object.ID, req.ActionID, req.Request)
	}
	return s.launcher.Run(ctx, req.Object, req.ActionID, req.Request)
}

func (s *Server) CancelJob(ctx context.Context, req *JobRequest) (*Empty, error) {
	return &Empty{}, s.runner.CancelJob(ctx, req.JobID)
}

func (s *Server) CancelTask(ctx context.Context, req *TaskRequest) (*Empty, error) {
	return &Empty{}, s.runner.CancelTask(ctx, req.TaskID)
}

func (s *Server) RestartTask(ctx context.Context, req *TaskRequest) (*Empty, error) {
	return &Empty{}, s.runner.RestartTask(ctx, req.TaskID)
}

func (s *Server) GetTask(ctx context.Context, req *TaskRequest) (*types.Task, error) {
	return s.mgr.GetTask(ctx, req.TaskID)
}

func (s *Server) ListTasks(ctx context.Context, req *ListTasksRequest) ([]*types.Task, error) {
	return s.mgr.ListTasks(ctx, storage.TaskFilter{Statuses: req.Statuses, Target: req.Target})
}

func (s *Server) ListJobs(ctx context.Context, req *TaskRequest) ([]*types.Job, error) {
	return s.mgr.ListJobs(ctx, req.TaskID)
}

func (s *Server) GetJobLogs(ctx context.Context, req *JobRequest) ([]runner.JobLog, error) {
	return s.runner.JobLogs(ctx, req.JobID)
}

// Upgrades

func (s *Server) ListUpgrades(ctx context.Context, req *ObjectRequest) ([]*types.Upgrade, error) {
	return s.upgrades.Available(ctx, req.Object)
}

// Upgrade returns the launched task, or null when the upgrade applied at once
func (s *Server) Upgrade(ctx context.Context, req *UpgradeRequest) (*types.Task, error) {
	return s.upgrades.Upgrade(ctx, req.Object, req.UpgradeID, req.Request)
}

// Status and concerns

func (s *Server) SetStatus(_ context.Context, req *SetStatusRequest) (*Empty, error) {
	if req.ComponentID == 0 {
		return &Empty{}, s.mgr.SetHostStatus(req.HostID, req.Status)
	}
	return &Empty{}, s.mgr.SetHostComponentStatus(req.HostID, req.ComponentID, req.Status)
}

func (s *Server) GetStatus(_ context.Context, req *SetStatusRequest) (*StatusResponse, error) {
	v, ok := s.mgr.GetStatus(req.HostID, req.ComponentID)
	return &StatusResponse{Status: v, Known: ok}, nil
}

func (s *Server) ListConcerns(ctx context.Context, req *ListConcernsRequest) ([]*types.Concern, error) {
	if req.Object != nil && req.Type == "" && req.Cause == "" {
		return s.mgr.ObjectConcerns(ctx, *req.Object)
	}
	return s.mgr.ListConcerns(ctx, storage.ConcernFilter{Related: req.Object, Type: req.Type, Cause: req.Cause})
}
