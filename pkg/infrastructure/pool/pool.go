// Package pool shares database handles between SQL-backed datasets and
// keeps them checked.
package pool

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
)

// Config represents pool configuration. It applies to every handle.
type Config struct {
	MaxOpenConnections int           `yaml:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `yaml:"health_check_period" mapstructure:"health_check_period"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`
	// MotherDuckToken is added to MotherDuck DSNs that do not carry one.
	MotherDuckToken string `yaml:"motherduck_token" mapstructure:"motherduck_token"`
}

func (c *Config) setDefaults() {
	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = 25
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
}

// Stats describes one handle.
type Stats struct {
	Driver            string
	DSN               string
	OpenConnections   int
	InUse             int
	Idle              int
	WaitCount         int64
	LastHealthCheck   time.Time
	HealthCheckStatus string
}

type handle struct {
	db              *sql.DB
	driver          string
	dsn             string
	healthStatus    atomic.Value
	lastHealthCheck atomic.Int64
}

// Registry opens each (driver, DSN) pair once.
type Registry struct {
	cfg     Config
	logger  zerolog.Logger
	metrics metrics.Collector

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry. A nil collector records nothing.
func New(cfg Config, logger zerolog.Logger, collector metrics.Collector) *Registry {
	cfg.setDefaults()
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		logger:  logger.With().Str("component", "sql_pool").Logger(),
		metrics: collector,
		handles: make(map[string]*handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Open returns the shared handle for driver and dsn, opening and checking it
// on first use.
func (r *Registry) Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == "duckdb" && isMotherDuckDSN(dsn) {
		dsn = withMotherDuckToken(normalizeMotherDuckDSN(dsn), r.cfg.MotherDuckToken)
	}
	key := driver + "\x00" + dsn

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New(errors.CodeSourceError, "connection pool is closed")
	}
	if h, ok := r.handles[key]; ok {
		return h.db, nil
	}

	openDSN, memory, shared := dsn, isMemoryDSN(dsn), false
	if memory {
		openDSN, shared = memoryDSN(driver, dsn)
	}

	r.logger.Info().
		Str("driver", driver).
		Str("dsn", maskDSN(openDSN)).
		Bool("in_memory", memory).
		Int("max_open", r.cfg.MaxOpenConnections).
		Int("max_idle", r.cfg.MaxIdleConnections).
		Msg("Opening database")

	db, err := sql.Open(driver, openDSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceError, "failed to open database")
	}

	switch {
	case memory && !shared:
		// Each connection would see its own empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	case memory:
		// The database lives as long as one connection does.
		db.SetMaxOpenConns(r.cfg.MaxOpenConnections)
		db.SetMaxIdleConns(max(1, r.cfg.MaxIdleConnections))
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	default:
		db.SetMaxOpenConns(r.cfg.MaxOpenConnections)
		db.SetMaxIdleConns(r.cfg.MaxIdleConnections)
		db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(r.cfg.ConnMaxIdleTime)
	}

	h := &handle{db: db, driver: driver, dsn: dsn}
	h.healthStatus.Store("unknown")

	connCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	defer cancel()
	if err := r.check(connCtx, h); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeSourceError, "initial health check failed")
	}

	r.handles[key] = h
	if r.cfg.HealthCheckPeriod > 0 {
		r.wg.Add(1)
		go r.healthCheckRoutine(h)
	}
	return db, nil
}

// HealthCheck probes every handle and returns the first failure.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var first error
	for _, h := range handles {
		if err := r.check(ctx, h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) check(ctx context.Context, h *handle) error {
	err := h.db.PingContext(ctx)
	if err == nil {
		var one int
		err = h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}

	h.lastHealthCheck.Store(time.Now().Unix())
	if err != nil {
		h.healthStatus.Store("unhealthy")
		r.metrics.RecordGauge("sql_pool_healthy", 0, "driver", h.driver)
		r.logger.Warn().Err(err).Str("driver", h.driver).Str("dsn", maskDSN(h.dsn)).Msg("Database health check failed")
		return err
	}
	h.healthStatus.Store("healthy")
	r.metrics.RecordGauge("sql_pool_healthy", 1, "driver", h.driver)
	return nil
}

// healthCheckRoutine probes h until the registry closes.
func (r *Registry) healthCheckRoutine(h *handle) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
			if err := r.check(probeCtx, h); err != nil && !stderrors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

// Stats reports every open handle.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.handles))
	for _, h := range r.handles {
		s := h.db.Stats()
		out = append(out, Stats{
			Driver:            h.driver,
			DSN:               maskDSN(h.dsn),
			OpenConnections:   s.OpenConnections,
			InUse:             s.InUse,
			Idle:              s.Idle,
			WaitCount:         s.WaitCount,
			LastHealthCheck:   time.Unix(h.lastHealthCheck.Load(), 0),
			HealthCheckStatus: h.healthStatus.Load().(string),
		})
	}
	return out
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close stops health checks and closes every handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = map[string]*handle{}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	var first error
	for _, h := range handles {
		if err := h.db.Close(); err != nil && first == nil {
			first = errors.Wrap(err, errors.CodeInternal, "failed to close database")
		}
	}
	return first
}
