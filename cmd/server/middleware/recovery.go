package middleware

import (
	"context"
	"runtime/debug"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
)

// RecoveryMiddleware turns handler panics into Internal errors so a bad
// source cannot take the process down with it.
type RecoveryMiddleware struct {
	logger  zerolog.Logger
	metrics metrics.Collector
}

// NewRecoveryMiddleware creates a recovery middleware. Panics are counted in
// grpc_panics_total{method}.
func NewRecoveryMiddleware(logger zerolog.Logger, collector metrics.Collector) *RecoveryMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &RecoveryMiddleware{logger: logger, metrics: collector}
}

func (m *RecoveryMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = m.recovered(ctx, r, info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

func (m *RecoveryMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = m.recovered(ss.Context(), r, info.FullMethod)
			}
		}()
		return handler(srv, ss)
	}
}

func (m *RecoveryMiddleware) recovered(ctx context.Context, r interface{}, method string) error {
	m.metrics.IncrementCounter("grpc_panics_total", "method", method)
	m.logger.Error().
		Str("method", method).
		Str("client_id", ClientID(ctx)).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("Panic recovered")

	return errors.ToStatus(errors.New(errors.CodeInternal, "internal server error"))
}
