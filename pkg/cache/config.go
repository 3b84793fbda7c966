package cache

import "time"

// Config bounds a MemoryCache.
type Config struct {
	// MaxSize is the estimated byte budget across all datasets.
	MaxSize int64
	// TTL expires a dataset this long after it was stored. Zero keeps it
	// until it is evicted.
	TTL time.Duration
	// EnableStats turns on hit, miss and eviction counting.
	EnableStats bool
}

// DefaultConfig is 256MB, five minutes, stats on.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     256 << 20,
		TTL:         5 * time.Minute,
		EnableStats: true,
	}
}

func (c *Config) WithMaxSize(size int64) *Config {
	c.MaxSize = size
	return c
}

func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
