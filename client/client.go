// Package client is a Flight client for flightline servers. It discovers
// datasets and decodes ticket streams into typed batches.
package client

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/converter"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/wire"
)

// DefaultMaxMessageSize matches the server default.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// Config holds connection settings.
type Config struct {
	Address string
	TLS     bool
	// CAFile verifies the server certificate; empty uses the system roots.
	CAFile         string
	MaxMessageSize int
	// ClientID is sent as the client_id header on every call.
	ClientID string
}

// Client wraps a Flight service client.
type Client struct {
	flight flight.Client
	mem    memory.Allocator
	logger zerolog.Logger
}

// New dials the server. The connection is established lazily.
func New(cfg Config, logger zerolog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New(errors.CodeInvalidRequest, "address is required")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	creds := insecure.NewCredentials()
	if cfg.TLS {
		var err error
		if cfg.CAFile != "" {
			creds, err = credentials.NewClientTLSFromFile(cfg.CAFile, "")
			if err != nil {
				return nil, fmt.Errorf("failed to load CA file: %w", err)
			}
		} else {
			creds = credentials.NewClientTLSFromCert(nil, "")
		}
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize)),
	}, opts...)

	var middleware []flight.ClientMiddleware
	if cfg.ClientID != "" {
		middleware = append(middleware, clientIDMiddleware(cfg.ClientID))
	}

	fc, err := flight.NewClientWithMiddleware(cfg.Address, nil, middleware, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &Client{
		flight: fc,
		mem:    memory.DefaultAllocator,
		logger: logger.With().Str("component", "flight_client").Str("address", cfg.Address).Logger(),
	}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn grpc.ClientConnInterface, logger zerolog.Logger) *Client {
	return &Client{
		flight: flight.NewClientFromConn(conn, nil),
		mem:    memory.DefaultAllocator,
		logger: logger.With().Str("component", "flight_client").Logger(),
	}
}

func clientIDMiddleware(id string) flight.ClientMiddleware {
	return flight.ClientMiddleware{
		Unary: func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(metadata.AppendToOutgoingContext(ctx, "client_id", id), method, req, reply, cc, opts...)
		},
		Stream: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(metadata.AppendToOutgoingContext(ctx, "client_id", id), desc, cc, method, opts...)
		},
	}
}

// ListFlights returns every dataset the server advertises.
func (c *Client) ListFlights(ctx context.Context) ([]models.FlightInfo, error) {
	stream, err := c.flight.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, errors.FromStatus(err)
	}

	var infos []models.FlightInfo
	for {
		fi, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.FromStatus(err)
		}
		info, err := converter.FromFlightInfo(fi, c.mem)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	c.logger.Debug().Int("flights", len(infos)).Msg("Listed flights")
	return infos, nil
}

// Stream is an open DoGet call. Close cancels it if it is still running.
type Stream struct {
	*wire.Decoder
	cancel context.CancelFunc
}

// Close cancels the call and releases decoder memory.
func (s *Stream) Close() {
	s.cancel()
	s.Decoder.Close()
}

// DoGet starts streaming the dataset behind ticket.
func (c *Client) DoGet(ctx context.Context, ticket []byte) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.flight.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		cancel()
		return nil, errors.FromStatus(err)
	}
	return &Stream{Decoder: wire.NewDecoder(stream, c.mem), cancel: cancel}, nil
}

// Fetch streams ticket and calls fn with the schema once, then with each
// batch in order. A non-nil error from fn stops the stream.
func (c *Client) Fetch(ctx context.Context, ticket []byte, onSchema func(models.Schema) error, fn func(*models.RecordBatch) error) error {
	stream, err := c.DoGet(ctx, ticket)
	if err != nil {
		return err
	}
	defer stream.Close()

	schema, err := stream.Schema()
	if err != nil {
		return err
	}
	if onSchema != nil {
		if err := onSchema(schema); err != nil {
			return err
		}
	}
	for {
		batch, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}

	batches, rows := stream.Stats()
	c.logger.Debug().Bytes("ticket", ticket).Int("batches", batches).Int64("rows", rows).Msg("Fetched ticket")
	return nil
}

// Collect reads the whole stream behind ticket into memory.
func (c *Client) Collect(ctx context.Context, ticket []byte) (models.Schema, []*models.RecordBatch, error) {
	var (
		schema  models.Schema
		batches []*models.RecordBatch
	)
	err := c.Fetch(ctx, ticket,
		func(s models.Schema) error { schema = s; return nil },
		func(b *models.RecordBatch) error { batches = append(batches, b); return nil },
	)
	return schema, batches, err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.flight.Close()
}
