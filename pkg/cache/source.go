package cache

import (
	"context"
	"io"

	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
)

// CachedSource serves a dataset from the cache once one producer has read it
// to the end. Partial reads are never stored.
type CachedSource struct {
	key      string
	src      source.Source
	cache    Cache
	maxEntry int64
	metrics  metrics.Collector
}

// NewCachedSource wraps src. Reads larger than maxEntry bytes are streamed
// but not kept.
func NewCachedSource(key string, src source.Source, c Cache, maxEntry int64, collector metrics.Collector) *CachedSource {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &CachedSource{key: key, src: src, cache: c, maxEntry: maxEntry, metrics: collector}
}

func (s *CachedSource) Schema() models.Schema { return s.src.Schema() }

func (s *CachedSource) Open(ctx context.Context) (source.Producer, error) {
	if batches, ok := s.cache.Get(ctx, s.key); ok {
		s.metrics.IncrementCounter("flight_cache_requests_total", "dataset", s.key, "result", "hit")
		mem, err := source.NewMemorySource(s.src.Schema(), batches...)
		if err != nil {
			return nil, err
		}
		return mem.Open(ctx)
	}

	s.metrics.IncrementCounter("flight_cache_requests_total", "dataset", s.key, "result", "miss")
	p, err := s.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &teeProducer{Producer: p, owner: s}, nil
}

// teeProducer copies batches aside and stores them on a clean EOF.
type teeProducer struct {
	source.Producer
	owner    *CachedSource
	batches  []*models.RecordBatch
	size     int64
	overflow bool
}

func (p *teeProducer) Next(ctx context.Context) (*models.RecordBatch, error) {
	b, err := p.Producer.Next(ctx)
	switch {
	case err == io.EOF:
		if !p.overflow {
			_ = p.owner.cache.Put(ctx, p.owner.key, p.batches)
			p.overflow = true
		}
		p.batches = nil
		return nil, io.EOF
	case err != nil:
		p.batches = nil
		p.overflow = true
		return nil, err
	}

	if !p.overflow {
		p.size += BatchesSize([]*models.RecordBatch{b})
		if p.size > p.owner.maxEntry {
			p.overflow = true
			p.batches = nil
		} else {
			p.batches = append(p.batches, b)
		}
	}
	return b, nil
}
