package api

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor records every unary call in the request metrics and
// logs failures with their error code
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		name := methodName(info.FullMethod)
		code := codeOfStatus(err)
		metrics.APIRequestsTotal.WithLabelValues(name, code).Inc()

		if err != nil {
			logger.Warn().
				Str("method", name).
				Str("code", code).
				Dur("duration", time.Since(start)).
				Msg(status.Convert(err).Message())
		} else {
			logger.Debug().Str("method", name).Dur("duration", time.Since(start)).Msg("API call")
		}
		return resp, err
	}
}

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// This is used for the Unix socket listener so local tooling cannot change the topology.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write operations not allowed on the local socket - use the TCP API address",
			)
		}
		return handler(ctx, req)
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	name := methodName(method)
	if strings.HasPrefix(name, "Plugin") {
		return false
	}
	for _, prefix := range []string{"List", "Get"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return name == WatchEventsMethod
}
