// Package config provides configuration structures for the flightline server.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/flightline/pkg/infrastructure/pool"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
	"github.com/TFMV/flightline/pkg/wire"
)

// Dataset source kinds.
const (
	KindCSV = "csv"
	KindS3  = "s3"
	KindSQL = "sql"
)

// Config represents the server configuration.
type Config struct {
	// Server settings
	Address              string        `yaml:"address" mapstructure:"address"`
	LogLevel             string        `yaml:"log_level" mapstructure:"log_level"`
	DataDir              string        `yaml:"data_dir" mapstructure:"data_dir"`
	MaxMessageSize       int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams" mapstructure:"max_concurrent_streams"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// TLS configuration
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Health check configuration
	Health HealthConfig `yaml:"health" mapstructure:"health"`

	// gRPC reflection
	Reflection bool `yaml:"reflection" mapstructure:"reflection"`

	// Streaming options
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Dataset cache shared by datasets with cache: true
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Handles shared by sql datasets with the same driver and DSN
	SQLPool pool.Config `yaml:"sql_pool" mapstructure:"sql_pool"`

	// Datasets to serve. Empty means the built-in uk_cities dataset.
	Datasets []DatasetConfig `yaml:"datasets" mapstructure:"datasets"`
}

// TLSConfig represents TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// StreamConfig controls DoGet pipelining and encoding.
type StreamConfig struct {
	BufferDepth int    `yaml:"buffer_depth" mapstructure:"buffer_depth"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	Compression string `yaml:"compression" mapstructure:"compression"`
}

// CacheConfig bounds the in-memory dataset cache.
type CacheConfig struct {
	MaxSize int64         `yaml:"max_size" mapstructure:"max_size"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// DatasetConfig describes one served dataset.
type DatasetConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	// Path is the descriptor path. Defaults to [name] unless Command is set.
	Path []string `yaml:"path" mapstructure:"path"`
	// Command makes the descriptor a command descriptor.
	Command string `yaml:"command" mapstructure:"command"`
	// Ticket overrides the minted ticket.
	Ticket string        `yaml:"ticket" mapstructure:"ticket"`
	Kind   string        `yaml:"kind" mapstructure:"kind"`
	Schema []FieldConfig `yaml:"schema" mapstructure:"schema"`
	// Cache keeps the dataset in memory after its first complete read.
	Cache bool `yaml:"cache" mapstructure:"cache"`

	CSV CSVConfig `yaml:"csv" mapstructure:"csv"`
	S3  S3Config  `yaml:"s3" mapstructure:"s3"`
	SQL SQLConfig `yaml:"sql" mapstructure:"sql"`
}

// FieldConfig is one schema column.
type FieldConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Type     string `yaml:"type" mapstructure:"type"`
	Nullable bool   `yaml:"nullable" mapstructure:"nullable"`
}

// CSVConfig controls delimited parsing. It also applies to s3 datasets.
type CSVConfig struct {
	File        string   `yaml:"file" mapstructure:"file"`
	Header      *bool    `yaml:"header" mapstructure:"header"`
	Delimiter   string   `yaml:"delimiter" mapstructure:"delimiter"`
	ChunkSize   int      `yaml:"chunk_size" mapstructure:"chunk_size"`
	NullValues  []string `yaml:"null_values" mapstructure:"null_values"`
	Compression string   `yaml:"compression" mapstructure:"compression"`
}

// S3Config locates an object holding delimited data.
type S3Config struct {
	Bucket       string `yaml:"bucket" mapstructure:"bucket"`
	Key          string `yaml:"key" mapstructure:"key"`
	Region       string `yaml:"region" mapstructure:"region"`
	Endpoint     string `yaml:"endpoint" mapstructure:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
}

// SQLConfig runs a query against a database/sql driver.
type SQLConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	DSN       string `yaml:"dsn" mapstructure:"dsn"`
	Query     string `yaml:"query" mapstructure:"query"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	// Init statements run once at startup, e.g. to attach files or create views.
	Init []string `yaml:"init" mapstructure:"init"`
}

var sqlDrivers = map[string]bool{"duckdb": true, "sqlite3": true}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024 // 16MB
	}

	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = 100
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	// Validate TLS
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS cert and key files are required when TLS is enabled")
		}
	}

	// Set defaults for metrics
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Stream.BufferDepth <= 0 {
		c.Stream.BufferDepth = 4
	}
	if c.Stream.BatchSize <= 0 {
		c.Stream.BatchSize = source.DefaultChunkSize
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 256 * 1024 * 1024
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	comp, err := wire.ParseCompression(c.Stream.Compression)
	if err != nil {
		return err
	}
	c.Stream.Compression = string(comp)

	if len(c.Datasets) == 0 {
		c.Datasets = []DatasetConfig{DefaultDataset(c.DataDir)}
	}

	names := make(map[string]bool)
	tickets := make(map[string]bool)
	for i := range c.Datasets {
		ds := &c.Datasets[i]
		if err := ds.validate(c.Stream.BatchSize); err != nil {
			return fmt.Errorf("dataset %d (%s): %w", i, ds.Name, err)
		}
		if names[ds.Name] {
			return fmt.Errorf("duplicate dataset name %q", ds.Name)
		}
		names[ds.Name] = true
		if ds.Ticket != "" {
			if tickets[ds.Ticket] {
				return fmt.Errorf("duplicate ticket %q", ds.Ticket)
			}
			tickets[ds.Ticket] = true
		}
	}

	return nil
}

func (d *DatasetConfig) validate(batchSize int) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Command != "" && len(d.Path) > 0 {
		return fmt.Errorf("path and command are mutually exclusive")
	}
	if d.Command == "" && len(d.Path) == 0 {
		d.Path = []string{d.Name}
	}
	if _, err := d.ModelSchema(); err != nil {
		return err
	}

	d.Kind = strings.ToLower(d.Kind)
	switch d.Kind {
	case KindCSV:
		if d.CSV.File == "" {
			return fmt.Errorf("csv.file is required")
		}
	case KindS3:
		if d.S3.Bucket == "" || d.S3.Key == "" {
			return fmt.Errorf("s3.bucket and s3.key are required")
		}
	case KindSQL:
		if !sqlDrivers[d.SQL.Driver] {
			return fmt.Errorf("unsupported sql driver %q", d.SQL.Driver)
		}
		if d.SQL.Query == "" {
			return fmt.Errorf("sql.query is required")
		}
		if d.SQL.BatchSize <= 0 {
			d.SQL.BatchSize = batchSize
		}
		return nil
	default:
		return fmt.Errorf("unknown source kind %q", d.Kind)
	}

	if _, err := source.ParseCodec(d.CSV.Compression); err != nil {
		return err
	}
	if len([]rune(d.CSV.Delimiter)) > 1 {
		return fmt.Errorf("delimiter must be a single character")
	}
	if d.CSV.ChunkSize <= 0 {
		d.CSV.ChunkSize = batchSize
	}
	return nil
}

// ModelSchema converts the configured fields.
func (d DatasetConfig) ModelSchema() (models.Schema, error) {
	if len(d.Schema) == 0 {
		return models.Schema{}, fmt.Errorf("schema is required")
	}
	fields := make([]models.Field, len(d.Schema))
	for i, f := range d.Schema {
		tag, err := models.ParseTypeTag(f.Type)
		if err != nil {
			return models.Schema{}, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = models.Field{Name: f.Name, Type: tag, Nullable: f.Nullable}
	}
	schema := models.NewSchema(fields...)
	if err := schema.Validate(); err != nil {
		return models.Schema{}, err
	}
	return schema, nil
}

// Descriptor returns the dataset's descriptor.
func (d DatasetConfig) Descriptor() models.Descriptor {
	if d.Command != "" {
		return models.CommandDescriptor([]byte(d.Command))
	}
	return models.PathDescriptor(d.Path...)
}

// CSVOptions converts the parsing settings.
func (d DatasetConfig) CSVOptions() source.CSVOptions {
	opts := source.DefaultCSVOptions()
	if d.CSV.Header != nil {
		opts.Header = *d.CSV.Header
	}
	if r := []rune(d.CSV.Delimiter); len(r) == 1 {
		opts.Delimiter = r[0]
	}
	if d.CSV.ChunkSize > 0 {
		opts.ChunkSize = d.CSV.ChunkSize
	}
	opts.NullValues = d.CSV.NullValues
	if codec, err := source.ParseCodec(d.CSV.Compression); err == nil {
		opts.Compression = codec
	}
	return opts
}

// DefaultDataset is the uk_cities dataset read from dataDir.
func DefaultDataset(dataDir string) DatasetConfig {
	if dataDir == "" {
		dataDir = "data"
	}
	return DatasetConfig{
		Name:   "uk_cities",
		Path:   []string{"uk_cities"},
		Ticket: "uk_cities",
		Kind:   KindCSV,
		Schema: []FieldConfig{
			{Name: "city", Type: "string"},
			{Name: "lat", Type: "float64"},
			{Name: "lng", Type: "float64"},
		},
		CSV: CSVConfig{File: filepath.Join(dataDir, "uk_cities.csv")},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:              "0.0.0.0:8815",
		LogLevel:             "info",
		DataDir:              "data",
		MaxMessageSize:       16 * 1024 * 1024,
		MaxConcurrentStreams: 100,
		ShutdownTimeout:      30 * time.Second,
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
		},
		Reflection: true,
		Stream: StreamConfig{
			BufferDepth: 4,
			BatchSize:   source.DefaultChunkSize,
			Compression: string(wire.CompressionNone),
		},
		Cache: CacheConfig{
			MaxSize: 256 * 1024 * 1024,
			TTL:     5 * time.Minute,
		},
		SQLPool: pool.Config{
			MaxOpenConnections: 25,
			MaxIdleConnections: 5,
			ConnMaxLifetime:    30 * time.Minute,
			ConnMaxIdleTime:    10 * time.Minute,
			HealthCheckPeriod:  time.Minute,
			ConnectionTimeout:  30 * time.Second,
		},
	}
}
