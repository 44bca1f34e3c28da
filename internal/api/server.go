package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// NewGRPCServer returns a gRPC server with svc registered. Handler errors are
// translated into status codes on the way out.
func NewGRPCServer(svc ChatSessionServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(unaryInterceptor(logger)),
		grpc.StreamInterceptor(streamInterceptor(logger)),
	)
	Register(srv, svc)
	return srv
}

func unaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("rpc failed",
				zap.String("method", info.FullMethod),
				zap.Duration("took", time.Since(start)),
				zap.Error(err))
			return nil, chaterr.Status(err)
		}
		logger.Debug("rpc", zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)))
		return resp, nil
	}
}

func streamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream opened", zap.String("method", info.FullMethod))
		if err := handler(srv, ss); err != nil {
			logger.Warn("stream failed", zap.String("method", info.FullMethod), zap.Error(err))
			return chaterr.Status(err)
		}
		return nil
	}
}
