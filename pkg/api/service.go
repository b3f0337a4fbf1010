package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service
const ServiceName = "adcm.v1.Control"

// WatchEventsMethod is the server-streaming method delivering events
const WatchEventsMethod = "WatchEvents"

// FullMethod returns the gRPC path of a method of the control service
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is implemented by Server. Requests and responses travel as
// structpb.Struct; Call decodes them into the typed requests of this package.
type ControlServer interface {
	Call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error
}

type unary func(s *Server, ctx context.Context, in *structpb.Struct) (any, error)

// method adapts a typed Server method to the wire form
func method[Req, Resp any](fn func(*Server, context.Context, *Req) (Resp, error)) unary {
	return func(s *Server, ctx context.Context, in *structpb.Struct) (any, error) {
		req := new(Req)
		if err := DecodeRequest(in, req); err != nil {
			return nil, adcmerr.New(adcmerr.InvalidInput, "malformed request: %v", err)
		}
		return fn(s, ctx, req)
	}
}

var methods = map[string]unary{
	// bundles
	"LoadBundle":     method((*Server).LoadBundle),
	"AcceptLicense":  method((*Server).AcceptLicense),
	"DeleteBundle":   method((*Server).DeleteBundle),
	"ListBundles":    method((*Server).ListBundles),
	"ListPrototypes": method((*Server).ListPrototypes),

	// topology
	"CreateCluster":         method((*Server).CreateCluster),
	"GetCluster":            method((*Server).GetCluster),
	"ListClusters":          method((*Server).ListClusters),
	"DeleteCluster":         method((*Server).DeleteCluster),
	"AddService":            method((*Server).AddService),
	"ListServices":          method((*Server).ListServices),
	"DeleteService":         method((*Server).DeleteService),
	"ListComponents":        method((*Server).ListComponents),
	"CreateProvider":        method((*Server).CreateProvider),
	"ListProviders":         method((*Server).ListProviders),
	"DeleteProvider":        method((*Server).DeleteProvider),
	"CreateHost":            method((*Server).CreateHost),
	"ListHosts":             method((*Server).ListHosts),
	"DeleteHost":            method((*Server).DeleteHost),
	"AddHostToCluster":      method((*Server).AddHostToCluster),
	"RemoveHostFromCluster": method((*Server).RemoveHostFromCluster),
	"SetHostComponent":      method((*Server).SetHostComponent),
	"GetHostComponent":      method((*Server).GetHostComponent),
	"SetMaintenanceMode":    method((*Server).SetMaintenanceMode),

	// config
	"UpdateConfig":  method((*Server).UpdateConfig),
	"GetConfig":     method((*Server).GetConfig),
	"ListConfigs":   method((*Server).ListConfigs),
	"RestoreConfig": method((*Server).RestoreConfig),

	// config host groups
	"CreateGroup":         method((*Server).CreateGroup),
	"AddHostToGroup":      method((*Server).AddHostToGroup),
	"RemoveHostFromGroup": method((*Server).RemoveHostFromGroup),
	"UpdateGroupConfig":   method((*Server).UpdateGroupConfig),
	"DeleteGroup":         method((*Server).DeleteGroup),

	// imports
	"GetImports": method((*Server).GetImports),
	"MultiBind":  method((*Server).MultiBind),

	// actions and tasks
	"RunAction":   method((*Server).RunAction),
	"CancelJob":   method((*Server).CancelJob),
	"CancelTask":  method((*Server).CancelTask),
	"RestartTask": method((*Server).RestartTask),
	"GetTask":     method((*Server).GetTask),
	"ListTasks":   method((*Server).ListTasks),
	"ListJobs":    method((*Server).ListJobs),
	"GetJobLogs":  method((*Server).GetJobLogs),

	// upgrades
	"ListUpgrades": method((*Server).ListUpgrades),
	"Upgrade":      method((*Server).Upgrade),

	// status and concerns
	"SetStatus":    method((*Server).SetStatus),
	"GetStatus":    method((*Server).GetStatus),
	"ListConcerns": method((*Server).ListConcerns),

	// plugin gateway
	"PluginAddHost":          method((*Server).PluginAddHost),
	"PluginDeleteHost":       method((*Server).PluginDeleteHost),
	"PluginAddHostToCluster": method((*Server).PluginAddHostToCluster),
	"PluginChangeHC":         method((*Server).PluginChangeHC),
	"PluginSetState":         method((*Server).PluginSetState),
	"PluginSetMultiState":    method((*Server).PluginSetMultiState),
	"PluginUnsetMultiState":  method((*Server).PluginUnsetMultiState),
	"PluginSetConfig":        method((*Server).PluginSetConfig),
}

// MethodNames lists the unary methods of the control service
func MethodNames() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceDesc describes the control service for grpc.Server.RegisterService
func ServiceDesc() *grpc.ServiceDesc {
	sd := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ControlServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    WatchEventsMethod,
			Handler:       watchHandler,
			ServerStreams: true,
		}},
		Metadata: "adcm/v1/control",
	}
	for _, name := range MethodNames() {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return sd
}

func unaryHandler(name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		cs := srv.(ControlServer)
		if interceptor == nil {
			return cs.Call(ctx, name, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return cs.Call(ctx, name, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, stream)
}

// EncodeRequest converts a typed request to its wire form
func EncodeRequest(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("request must encode to an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// DecodeRequest fills a typed request from its wire form
func DecodeRequest(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// EncodeResult wraps any JSON-encodable value as {"result": value}
func EncodeResult(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"result": result})
}

// DecodeResult unwraps a response produced by EncodeResult into v
func DecodeResult(out *structpb.Struct, v any) error {
	data, err := json.Marshal(out.AsMap()["result"])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// grpcCode maps an error code onto the closest gRPC status code
func grpcCode(code adcmerr.Code) codes.Code {
	switch code.HTTPStatus() {
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusConflict:
		return codes.FailedPrecondition
	}
	return codes.Internal
}

// ToStatus converts err to a gRPC status error carrying the error code
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := adcmerr.CodeOf(err)
	msg := err.Error()
	var e *adcmerr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	st := status.New(grpcCode(code), err.Error())
	detail, derr := structpb.NewStruct(map[string]any{"code": string(code), "message": msg})
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		st = withDetail
	}
	return st.Err()
}

// FromStatus recovers the coded error sent by ToStatus. Transport errors
// come back as INTERNAL_ERROR.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		m := s.AsMap()
		code, _ := m["code"].(string)
		msg, _ := m["message"].(string)
		if code != "" {
			return &adcmerr.Error{Code: adcmerr.Code(code), Message: msg}
		}
	}
	return adcmerr.New(adcmerr.Internal, "%s: %s", st.Code(), st.Message())
}

// codeOfStatus reads the error code a status carries
func codeOfStatus(err error) string {
	if err == nil {
		return "OK"
	}
	return string(adcmerr.CodeOf(FromStatus(err)))
}
