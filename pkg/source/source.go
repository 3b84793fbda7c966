// Package source provides batch sources: pull-based producers of record
// batches for a dataset, backed by files, object storage, SQL databases or
// memory.
package source

import (
	"context"
	"io"
	"sync"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

// Source opens independent producers for one dataset. Every Open starts
// from the beginning of the data.
type Source interface {
	Schema() models.Schema
	Open(ctx context.Context) (Producer, error)
}

// Producer yields batches in order. Next returns io.EOF once exhausted;
// any other error is terminal. A producer is not restartable.
type Producer interface {
	Next(ctx context.Context) (*models.RecordBatch, error)
	Close() error
}

// MemorySource serves a fixed list of batches.
type MemorySource struct {
	schema  models.Schema
	batches []*models.RecordBatch
}

// NewMemorySource validates batches against schema.
func NewMemorySource(schema models.Schema, batches ...*models.RecordBatch) (*MemorySource, error) {
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid schema")
	}
	for i, b := range batches {
		if err := b.Validate(schema); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidRequest, "batch %d", i)
		}
	}
	return &MemorySource{schema: schema, batches: batches}, nil
}

func (s *MemorySource) Schema() models.Schema { return s.schema }

func (s *MemorySource) Open(ctx context.Context) (Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCanceled, "open canceled")
	}
	return &sliceProducer{batches: s.batches}, nil
}

type sliceProducer struct {
	mu      sync.Mutex
	batches []*models.RecordBatch
	pos     int
	closed  bool
}

func (p *sliceProducer) Next(ctx context.Context) (*models.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCanceled, "next canceled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New(errors.CodeSourceError, "producer closed")
	}
	if p.pos >= len(p.batches) {
		return nil, io.EOF
	}
	b := p.batches[p.pos]
	p.pos++
	return b, nil
}

func (p *sliceProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Drain reads every remaining batch from p. It is meant for tests and small
// datasets; streaming callers use Next directly.
func Drain(ctx context.Context, p Producer) ([]*models.RecordBatch, error) {
	var out []*models.RecordBatch
	for {
		b, err := p.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
}
