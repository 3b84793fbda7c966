package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
)

// MetricsMiddleware records per-RPC counters and latencies.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware creates a new metrics middleware. A nil collector
// records nothing.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &MetricsMiddleware{
		collector: collector,
	}
}

// UnaryInterceptor returns a unary server interceptor for metrics.
func (m *MetricsMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		timer := m.collector.StartTimer("grpc_request_duration")
		resp, err := handler(ctx, req)

		m.collector.RecordHistogram("grpc_request_duration_seconds", timer.Stop(), "method", info.FullMethod, "type", "unary")
		m.collector.IncrementCounter("grpc_requests_total", "method", info.FullMethod, "type", "unary", "code", status.Code(err).String())
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for metrics.
func (m *MetricsMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		timer := m.collector.StartTimer("grpc_stream_duration")
		m.collector.RecordGauge("grpc_streams_active", 1, "method", info.FullMethod)

		wrapped := &metricsServerStream{
			ServerStream: ss,
			collector:    m.collector,
			method:       info.FullMethod,
		}
		err := handler(srv, wrapped)

		m.collector.RecordHistogram("grpc_stream_duration_seconds", timer.Stop(), "method", info.FullMethod)
		m.collector.IncrementCounter("grpc_requests_total", "method", info.FullMethod, "type", "stream", "code", status.Code(err).String())
		m.collector.RecordGauge("grpc_streams_active", 0, "method", info.FullMethod)
		metrics.AddCounter(m.collector, "grpc_stream_messages_sent_total", float64(wrapped.sent), "method", info.FullMethod)
		return err
	}
}

// metricsServerStream times each send. Send latency is where client
// backpressure shows up.
type metricsServerStream struct {
	grpc.ServerStream
	collector metrics.Collector
	method    string
	sent      int
}

func (s *metricsServerStream) SendMsg(m interface{}) error {
	timer := s.collector.StartTimer("grpc_stream_send_duration")
	err := s.ServerStream.SendMsg(m)
	s.collector.RecordHistogram("grpc_stream_send_duration_seconds", timer.Stop(), "method", s.method)

	if err != nil {
		s.collector.IncrementCounter("grpc_stream_send_errors_total", "method", s.method)
		return err
	}
	s.sent++
	return nil
}
