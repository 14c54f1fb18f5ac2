package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/preorder-escrow/internal/api"
	"github.com/example/preorder-escrow/internal/security"
)

// CorrelationInterceptor takes the correlation id from metadata, minting one
// when absent, and echoes it in the response header.
func CorrelationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		cid := security.NormalizeCorrelationID(firstMD(ctx, correlationIDMD))
		_ = grpc.SetHeader(ctx, metadata.Pairs(correlationIDMD, cid))
		return handler(security.WithCorrelationID(ctx, cid), req)
	}
}

func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown || code == codes.DataLoss {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc_request",
			"cid", security.CorrelationIDFromContext(ctx),
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// AuditInterceptor seals one line per mutating call into the audit chain.
func AuditInterceptor(a api.Auditor, readOnly map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if readOnly[info.FullMethod] {
			return resp, err
		}
		actor := peerIdentity(ctx)
		if actor == "" {
			actor = "anonymous"
		}
		a.Append(fmt.Sprintf("cid=%s actor=%s rpc=%s code=%s",
			security.CorrelationIDFromContext(ctx), actor, info.FullMethod, status.Code(err)))
		return resp, err
	}
}

// ServerOptions chains the interceptors in the order they must run.
func ServerOptions(logger *slog.Logger, auditor api.Auditor) []grpc.ServerOption {
	chain := []grpc.UnaryServerInterceptor{
		CorrelationInterceptor(),
		LoggingInterceptor(logger),
		RecoveryInterceptor(logger),
	}
	if auditor != nil {
		chain = append(chain, AuditInterceptor(auditor, ReadOnlyMethods()))
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(chain...),
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
	}
}
