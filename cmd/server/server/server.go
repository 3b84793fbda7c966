// Package server assembles a flightline gRPC server from configuration.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/flightline/cmd/server/config"
	"github.com/TFMV/flightline/cmd/server/middleware"
	"github.com/TFMV/flightline/pkg/cache"
	"github.com/TFMV/flightline/pkg/catalog"
	"github.com/TFMV/flightline/pkg/infrastructure/memory"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
	"github.com/TFMV/flightline/pkg/infrastructure/pool"
	flightserver "github.com/TFMV/flightline/pkg/server"
	"github.com/TFMV/flightline/pkg/source"
	"github.com/TFMV/flightline/pkg/wire"
)

// HealthService is the service name reported to health checks.
const HealthService = "arrow.flight.protocol.FlightService"

// Server owns the gRPC server and everything the catalog opened.
type Server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	allocator *memory.TrackedAllocator
	metrics   metrics.Collector
	cache     *cache.MemoryCache
	catalog   *catalog.Catalog
	grpc      *grpc.Server
	health    *health.Server
	pool      *pool.Registry

	mu       sync.Mutex
	listener net.Listener
}

// New builds the catalog and the gRPC server. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (*Server, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		allocator: memory.NewTrackedAllocator(nil),
		metrics:   collector,
	}
	srv.pool = pool.New(cfg.SQLPool, logger, collector)

	cat, err := srv.buildCatalog(ctx)
	if err != nil {
		srv.closePool()
		return nil, err
	}
	srv.catalog = cat

	comp, err := wire.ParseCompression(cfg.Stream.Compression)
	if err != nil {
		srv.closePool()
		return nil, err
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(cfg.MaxMessageSize)),
		grpc.MaxSendMsgSize(int(cfg.MaxMessageSize)),
		grpc.MaxConcurrentStreams(uint32(cfg.MaxConcurrentStreams)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if cfg.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			srv.closePool()
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	recoverMW := middleware.NewRecoveryMiddleware(logger.With().Str("component", "recovery_middleware").Logger(), collector)
	logMW := middleware.NewLoggingMiddleware(logger.With().Str("component", "logging_middleware").Logger())
	metricsMW := middleware.NewMetricsMiddleware(collector)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			recoverMW.UnaryInterceptor(),
			logMW.UnaryInterceptor(),
			metricsMW.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			recoverMW.StreamInterceptor(),
			logMW.StreamInterceptor(),
			metricsMW.StreamInterceptor(),
		),
	)

	srv.grpc = grpc.NewServer(opts...)

	flightserver.New(cat, flightserver.Options{
		BufferDepth: cfg.Stream.BufferDepth,
		Compression: comp,
		Allocator:   srv.allocator,
	}, logger, collector).Register(srv.grpc)

	if cfg.Health.Enabled {
		srv.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(srv.grpc, srv.health)
		srv.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
		srv.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}

	if cfg.Reflection {
		reflection.Register(srv.grpc)
	}

	return srv, nil
}

func (s *Server) buildCatalog(ctx context.Context) (*catalog.Catalog, error) {
	datasets := make([]catalog.Dataset, 0, len(s.cfg.Datasets))
	for _, dc := range s.cfg.Datasets {
		src, err := s.buildSource(ctx, dc)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", dc.Name, err)
		}
		if dc.Cache {
			if s.cache == nil {
				s.cache = cache.NewMemoryCache(cache.DefaultConfig().
					WithMaxSize(s.cfg.Cache.MaxSize).
					WithTTL(s.cfg.Cache.TTL))
			}
			src = cache.NewCachedSource(dc.Name, src, s.cache, s.cfg.Cache.MaxSize, s.metrics)
		}
		ds := catalog.NewDataset(dc.Name, dc.Descriptor(), src)
		if dc.Ticket != "" {
			ds.Ticket = []byte(dc.Ticket)
		}
		datasets = append(datasets, ds)

		s.logger.Info().
			Str("dataset", dc.Name).
			Str("kind", dc.Kind).
			Bool("cached", dc.Cache).
			Str("descriptor", dc.Descriptor().String()).
			Msg("Registered dataset")
	}
	return catalog.New(datasets...)
}

func (s *Server) buildSource(ctx context.Context, dc config.DatasetConfig) (source.Source, error) {
	schema, err := dc.ModelSchema()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("dataset", dc.Name).Logger()

	switch dc.Kind {
	case config.KindCSV:
		file := dc.CSV.File
		if !filepath.IsAbs(file) && s.cfg.DataDir != "" && filepath.Dir(file) == "." {
			file = filepath.Join(s.cfg.DataDir, file)
		}
		return source.NewCSVSource(source.FileOpener{Path: file}, schema, dc.CSVOptions(), s.allocator, logger)

	case config.KindS3:
		client, err := source.NewS3Client(ctx, source.S3Config{
			Region:       dc.S3.Region,
			Endpoint:     dc.S3.Endpoint,
			UsePathStyle: dc.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return source.NewCSVSource(source.NewS3Opener(client, dc.S3.Bucket, dc.S3.Key), schema, dc.CSVOptions(), s.allocator, logger)

	case config.KindSQL:
		db, err := s.pool.Open(ctx, dc.SQL.Driver, dc.SQL.DSN)
		if err != nil {
			return nil, err
		}
		for _, stmt := range dc.SQL.Init {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("init statement failed: %w", err)
			}
		}
		return source.NewSQLSource(db, dc.SQL.Query, schema, dc.SQL.BatchSize, logger)

	default:
		return nil, fmt.Errorf("unknown source kind %q", dc.Kind)
	}
}

// Catalog returns the served catalog.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// Allocator returns the allocator shared by sources and encoders.
func (s *Server) Allocator() *memory.TrackedAllocator { return s.allocator }

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return lis, nil
}

// Serve blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info().
		Str("address", lis.Addr().String()).
		Bool("tls", s.cfg.TLS.Enabled).
		Int("datasets", s.catalog.Len()).
		Msg("Server listening")

	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Serve has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown marks the server unhealthy, drains in-flight streams until ctx
// expires, then force-closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Graceful shutdown timed out, closing open streams")
		s.grpc.Stop()
		<-done
	}

	s.closePool()
	if s.cache != nil {
		stats := s.cache.Stats()
		s.logger.Info().
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Uint64("evictions", stats.Evictions).
			Msg("Dataset cache stats")
		_ = s.cache.Close()
	}
	s.logger.Info().Int64("arrow_bytes_in_use", s.allocator.BytesUsed()).Msg("Server stopped")
	return nil
}

func (s *Server) closePool() {
	if err := s.pool.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing databases")
	}
}
