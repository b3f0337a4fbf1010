package api

import (
	"context"

	"github.com/cuemby/adcm/pkg/types"
)

// Calls made by running jobs through the plugin gateway

func (s *Server) PluginAddHost(ctx context.Context, req *PluginAddHostRequest) (*types.Host, error) {
	return s.gateway.AddHost(ctx, req.Token, req.ProviderID, req.PrototypeID, req.FQDN, req.Description)
}

func (s *Server) PluginDeleteHost(ctx context.Context, req *PluginHostRequest) (*Empty, error) {
	return &Empty{}, s.gateway.DeleteHost(ctx, req.Token, req.HostID)
}

func (s *Server) PluginAddHostToCluster(ctx context.Context, req *PluginHostToClusterRequest) (*types.Host, error) {
	return s.gateway.AddHostToCluster(ctx, req.Token, req.ClusterID, req.HostID)
}

func (s *Server) PluginChangeHC(ctx context.Context, req *PluginChangeHCRequest) ([]types.HostComponent, error) {
	return s.gateway.ChangeHC(ctx, req.Token, req.ClusterID, req.Changes)
}

func (s *Server) PluginSetState(ctx context.Context, req *PluginStateRequest) (*Empty, error) {
	return &Empty{}, s.gateway.SetState(ctx, req.Token, req.Object, req.State)
}

func (s *Server) PluginSetMultiState(ctx context.Context, req *PluginStateRequest) (*Empty, error) {
	return &Empty{}, s.gateway.SetMultiState(ctx, req.Token, req.Object, req.State)
}

func (s *Server) PluginUnsetMultiState(ctx context.Context, req *PluginStateRequest) (*Empty, error) {
	return &Empty{}, s.gateway.UnsetMultiState(ctx, req.Token, req.Object, req.State)
}

func (s *Server) PluginSetConfig(ctx context.Context, req *PluginConfigRequest) (*types.ConfigLog, error) {
	return s.gateway.SetConfig(ctx, req.Token, req.Object, req.Config)
}
