// Package middleware provides gRPC interceptors for the flightline server.
package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// LoggingMiddleware logs one line per RPC.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// ClientID returns the client_id header of an incoming call, if any.
func ClientID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if ids := md.Get("client_id"); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// UnaryInterceptor returns a unary server interceptor for logging.
func (m *LoggingMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		m.event(err).
			Str("method", info.FullMethod).
			Str("client_id", ClientID(ctx)).
			Dur("duration", time.Since(start)).
			Str("code", status.Code(err).String()).
			Msg("Unary request")

		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for logging.
func (m *LoggingMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		wrapped := &countingServerStream{ServerStream: ss}

		err := handler(srv, wrapped)

		m.event(err).
			Str("method", info.FullMethod).
			Str("client_id", ClientID(ss.Context())).
			Dur("duration", time.Since(start)).
			Str("code", status.Code(err).String()).
			Int("messages_sent", wrapped.sent).
			Int("messages_received", wrapped.received).
			Msg("Stream request")

		return err
	}
}

// event picks the level: client cancellation and unimplemented verbs are
// not server errors.
func (m *LoggingMiddleware) event(err error) *zerolog.Event {
	switch status.Code(err) {
	case codes.OK, codes.Canceled:
		return m.logger.Info()
	case codes.NotFound, codes.Unimplemented, codes.InvalidArgument:
		return m.logger.Warn().Err(err)
	default:
		return m.logger.Error().Err(err)
	}
}

// countingServerStream wraps a ServerStream to count messages.
type countingServerStream struct {
	grpc.ServerStream
	sent     int
	received int
}

func (s *countingServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.sent++
	}
	return err
}

func (s *countingServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.received++
	}
	return err
}
