// Package server implements the Flight protocol surface over the dataset
// catalog.
package server

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/flightline/pkg/catalog"
	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/converter"
	"github.com/TFMV/flightline/pkg/infrastructure/memory"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
	"github.com/TFMV/flightline/pkg/streaming"
	"github.com/TFMV/flightline/pkg/wire"
)

// Options tunes how datasets are streamed.
type Options struct {
	// BufferDepth bounds the encoded messages queued ahead of the transport.
	BufferDepth int
	Compression wire.Compression
	Allocator   *memory.TrackedAllocator
}

// FlightServer serves ListFlights and DoGet from a catalog. Every other verb
// answers Unimplemented without touching its request.
type FlightServer struct {
	flight.BaseFlightServer

	catalog     *catalog.Catalog
	streaming   streaming.StreamingService
	allocator   *memory.TrackedAllocator
	compression wire.Compression
	logger      zerolog.Logger
	metrics     metrics.Collector
}

// New creates a FlightServer. A nil collector disables metrics.
func New(cat *catalog.Catalog, opts Options, logger zerolog.Logger, collector metrics.Collector) *FlightServer {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.Default()
	}
	if opts.Compression == "" {
		opts.Compression = wire.CompressionNone
	}
	return &FlightServer{
		catalog:     cat,
		streaming:   streaming.NewService(opts.BufferDepth, logger, collector),
		allocator:   opts.Allocator,
		compression: opts.Compression,
		logger:      logger.With().Str("component", "flight_server").Logger(),
		metrics:     collector,
	}
}

// Register registers the Flight service with a gRPC server.
func (s *FlightServer) Register(grpcServer *grpc.Server) {
	flight.RegisterFlightServiceServer(grpcServer, s)
}

// ListFlights sends one FlightInfo per catalog entry. Criteria are ignored.
func (s *FlightServer) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	timer := s.metrics.StartTimer("flight_list_flights")
	defer timer.Stop()

	for _, info := range s.catalog.List() {
		fi, err := converter.ToFlightInfo(info, s.allocator)
		if err != nil {
			s.metrics.IncrementCounter("flight_errors", "method", "ListFlights", "error", "convert")
			return errors.ToStatus(err)
		}
		if err := stream.Send(fi); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("flights", s.catalog.Len()).Msg("Listed flights")
	return nil
}

// DoGet streams the dataset addressed by the ticket: one schema message,
// then its batches in source order.
func (s *FlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := stream.Context()
	started := time.Now()
	logger := s.logger.With().Str("stream_id", uuid.NewString()).Logger()

	ds, err := s.catalog.Resolve(tkt.GetTicket())
	if err != nil {
		s.metrics.IncrementCounter("flight_streams_total", "dataset", "", "status", "not_found")
		logger.Info().Bytes("ticket", tkt.GetTicket()).Msg("Unknown ticket")
		return errors.ToStatus(err)
	}
	logger = logger.With().Str("dataset", ds.Name).Logger()

	enc, err := wire.NewEncoder(ds.Schema(),
		wire.WithAllocator(s.allocator),
		wire.WithCompression(s.compression),
	)
	if err != nil {
		return s.finishStream(logger, ds.Name, started, streaming.Result{}, err)
	}

	producer, err := ds.Source.Open(ctx)
	if err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.Wrap(err, errors.CodeSourceError, "failed to open dataset")
		}
		return s.finishStream(logger, ds.Name, started, streaming.Result{}, err)
	}

	logger.Debug().Msg("Starting stream")
	res, err := s.streaming.Stream(ctx, ds.Name, enc, producer, stream)
	return s.finishStream(logger, ds.Name, started, res, err)
}

func (s *FlightServer) finishStream(logger zerolog.Logger, dataset string, started time.Time, res streaming.Result, err error) error {
	elapsed := time.Since(started)
	outcome := "ok"
	if err != nil {
		outcome = streamStatus(err)
	}

	s.metrics.IncrementCounter("flight_streams_total", "dataset", dataset, "status", outcome)
	s.metrics.RecordHistogram("flight_stream_duration_seconds", elapsed.Seconds(), "dataset", dataset)
	s.metrics.RecordGauge("arrow_allocated_bytes", float64(s.allocator.BytesUsed()))

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.Str("status", outcome).
		Int("batches", res.Batches).
		Int64("rows", res.Rows).
		Int64("bytes", res.Bytes).
		Dur("duration", elapsed).
		Msg("Stream completed")

	return errors.ToStatus(err)
}

func streamStatus(err error) string {
	switch errors.GetCode(err) {
	case errors.CodeSourceError:
		return "source_error"
	case errors.CodeProtocolError:
		return "protocol_error"
	case errors.CodeCanceled:
		return "canceled"
	case errors.CodeNotFound:
		return "not_found"
	}
	if status.Code(err) == codes.Canceled {
		return "canceled"
	}
	return "error"
}

func unimplemented(verb string) error {
	return status.Error(codes.Unimplemented, verb+" not implemented")
}

// GetFlightInfo is not implemented.
func (s *FlightServer) GetFlightInfo(context.Context, *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	return nil, unimplemented("get_flight_info")
}

// PollFlightInfo is not implemented.
func (s *FlightServer) PollFlightInfo(context.Context, *flight.FlightDescriptor) (*flight.PollInfo, error) {
	return nil, unimplemented("poll_flight_info")
}

// GetSchema is not implemented.
func (s *FlightServer) GetSchema(context.Context, *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	return nil, unimplemented("get_schema")
}

// DoPut is not implemented. The request stream is never read.
func (s *FlightServer) DoPut(flight.FlightService_DoPutServer) error {
	return unimplemented("do_put")
}

// DoExchange is not implemented.
func (s *FlightServer) DoExchange(flight.FlightService_DoExchangeServer) error {
	return unimplemented("do_exchange")
}

// DoAction is not implemented.
func (s *FlightServer) DoAction(*flight.Action, flight.FlightService_DoActionServer) error {
	return unimplemented("do_action")
}

// ListActions is not implemented.
func (s *FlightServer) ListActions(*flight.Empty, flight.FlightService_ListActionsServer) error {
	return unimplemented("list_actions")
}

// Handshake is not implemented.
func (s *FlightServer) Handshake(flight.FlightService_HandshakeServer) error {
	return unimplemented("handshake")
}
