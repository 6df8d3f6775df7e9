// Package interceptors holds the gRPC server interceptors of the admin server.
package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/message-sagas/internal/pkg/interceptors/constants"
)

// UnaryServerInterceptor tags each call with the caller's x-request-id, or a
// fresh one, echoes it in the response header and logs the call.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := GetMetadataValue(ctx, constants.HeaderXRequestId)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(constants.HeaderXRequestId, requestID))

		started := time.Now()
		resp, err := handler(ctx, req)

		logger.InfoContext(ctx, "grpc call",
			"method", info.FullMethod,
			"request_id", requestID,
			"code", status.Code(err).String(),
			"duration", time.Since(started),
		)
		return resp, err
	}
}

// RequestIDFromContext returns the id set by UnaryServerInterceptor, or
// "unknown".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// GetMetadataValue returns the first incoming metadata value for key.
func GetMetadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
