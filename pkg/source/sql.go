package source

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

// DefaultSQLBatchSize is the number of rows per batch for SQL sources.
const DefaultSQLBatchSize = 1024

// SQLSource runs a query per Open and scans the result set into batches.
// The query's columns bind to the schema by position.
type SQLSource struct {
	db        *sql.DB
	query     string
	args      []interface{}
	schema    models.Schema
	batchSize int
	logger    zerolog.Logger
}

// NewSQLSource creates a SQL-backed source. Driver registration is left to
// the caller.
func NewSQLSource(db *sql.DB, query string, schema models.Schema, batchSize int, logger zerolog.Logger, args ...interface{}) (*SQLSource, error) {
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid sql schema")
	}
	if query == "" {
		return nil, errors.New(errors.CodeInvalidRequest, "sql source requires a query")
	}
	if batchSize <= 0 {
		batchSize = DefaultSQLBatchSize
	}
	return &SQLSource{
		db:        db,
		query:     query,
		args:      args,
		schema:    schema,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "sql_source").Logger(),
	}, nil
}

func (s *SQLSource) Schema() models.Schema { return s.schema }

func (s *SQLSource) Open(ctx context.Context) (Producer, error) {
	rows, err := s.db.QueryContext(ctx, s.query, s.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceError, "failed to execute query")
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, errors.Wrap(err, errors.CodeSourceError, "failed to read result columns")
	}
	if len(cols) != s.schema.NumFields() {
		rows.Close()
		return nil, errors.Newf(errors.CodeSourceError, "query returns %d columns, schema has %d fields", len(cols), s.schema.NumFields())
	}

	p := &sqlProducer{
		rows:      rows,
		schema:    s.schema,
		batchSize: s.batchSize,
		dests:     make([]scanDest, len(s.schema.Fields)),
		scanArgs:  make([]interface{}, len(s.schema.Fields)),
		builders:  make([]models.Builder, len(s.schema.Fields)),
		logger:    s.logger,
	}
	for i, f := range s.schema.Fields {
		p.dests[i] = newScanDest(f.Type)
		p.scanArgs[i] = p.dests[i].target()
		b, err := models.NewBuilder(f.Type)
		if err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, errors.CodeInvalidRequest, "field %q", f.Name)
		}
		p.builders[i] = b
	}

	s.logger.Debug().Str("query", s.query).Int("batch_size", s.batchSize).Msg("Opened SQL source")
	return p, nil
}

type sqlProducer struct {
	mu        sync.Mutex
	rows      *sql.Rows
	schema    models.Schema
	batchSize int
	dests     []scanDest
	scanArgs  []interface{}
	builders  []models.Builder
	logger    zerolog.Logger
	batch     int
	done      bool
	closed    bool
}

func (p *sqlProducer) Next(ctx context.Context) (*models.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCanceled, "next canceled")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New(errors.CodeSourceError, "producer closed")
	}
	if p.done {
		return nil, io.EOF
	}

	n := 0
	for n < p.batchSize && p.rows.Next() {
		if err := p.rows.Scan(p.scanArgs...); err != nil {
			p.done = true
			return nil, errors.Wrapf(err, errors.CodeSourceError, "failed to scan row %d of batch %d", n, p.batch)
		}
		for i, d := range p.dests {
			if err := p.builders[i].Append(d.value()); err != nil {
				p.done = true
				return nil, errors.Wrapf(err, errors.CodeSourceError, "column %q", p.schema.Fields[i].Name)
			}
		}
		n++
	}

	if n < p.batchSize {
		p.done = true
		if err := p.rows.Err(); err != nil {
			return nil, errors.Wrap(err, errors.CodeSourceError, "error iterating rows")
		}
	}
	if n == 0 {
		return nil, io.EOF
	}

	cols := make([]models.Column, len(p.builders))
	for i, b := range p.builders {
		cols[i] = b.NewColumn()
	}
	batch, err := models.NewRecordBatch(p.schema, n, cols...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeSourceError, "batch %d", p.batch)
	}

	p.logger.Debug().Int("batch", p.batch).Int("rows", n).Msg("Read batch")
	p.batch++
	return batch, nil
}

func (p *sqlProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.rows.Close(); err != nil {
		return errors.Wrap(err, errors.CodeSourceError, "failed to close rows")
	}
	return nil
}

// scanDest is a reusable Scan target that reports NULL as a nil value.
type scanDest interface {
	target() interface{}
	value() interface{}
}

type nullDest[T any] struct {
	n sql.Null[T]
}

func (d *nullDest[T]) target() interface{} { return &d.n }

func (d *nullDest[T]) value() interface{} {
	if !d.n.Valid {
		return nil
	}
	return d.n.V
}

func newScanDest(tag models.TypeTag) scanDest {
	switch tag {
	case models.TypeBool:
		return &nullDest[bool]{}
	case models.TypeInt32:
		return &nullDest[int32]{}
	case models.TypeInt64:
		return &nullDest[int64]{}
	case models.TypeFloat32, models.TypeFloat64:
		return &nullDest[float64]{}
	case models.TypeBinary:
		return &nullDest[[]byte]{}
	case models.TypeTimestamp:
		return &nullDest[time.Time]{}
	}
	return &nullDest[string]{}
}
