package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/converter"
	"github.com/TFMV/flightline/pkg/models"
)

// DefaultChunkSize is the number of CSV rows per batch.
const DefaultChunkSize = 1024

// CSVOptions control how delimited files are parsed.
type CSVOptions struct {
	Header      bool
	Delimiter   rune
	ChunkSize   int
	NullValues  []string
	Compression Codec
}

// DefaultCSVOptions reads comma separated files with a header row.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Header:      true,
		Delimiter:   ',',
		ChunkSize:   DefaultChunkSize,
		Compression: CodecAuto,
	}
}

// CSVSource reads a delimited file into batches of ChunkSize rows.
// Columns bind by position; header names are not checked against the schema.
type CSVSource struct {
	opener      Opener
	schema      models.Schema
	arrowSchema *arrow.Schema
	opts        CSVOptions
	mem         memory.Allocator
	logger      zerolog.Logger
}

// NewCSVSource validates the schema up front so a bad type fails at startup.
func NewCSVSource(opener Opener, schema models.Schema, opts CSVOptions, mem memory.Allocator, logger zerolog.Logger) (*CSVSource, error) {
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid csv schema")
	}
	as, err := converter.ToArrowSchema(schema)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &CSVSource{
		opener:      opener,
		schema:      schema,
		arrowSchema: as,
		opts:        opts,
		mem:         mem,
		logger:      logger.With().Str("component", "csv_source").Str("object", opener.Name()).Logger(),
	}, nil
}

func (s *CSVSource) Schema() models.Schema { return s.schema }

func (s *CSVSource) Open(ctx context.Context) (Producer, error) {
	raw, err := s.opener.Open(ctx)
	if err != nil {
		return nil, asSourceError(err, "open "+s.opener.Name())
	}
	rc, err := Decompress(raw, s.opts.Compression, s.opener.Name())
	if err != nil {
		return nil, asSourceError(err, "decompress "+s.opener.Name())
	}

	opts := []csv.Option{
		csv.WithAllocator(s.mem),
		csv.WithHeader(s.opts.Header),
		csv.WithComma(s.opts.Delimiter),
		csv.WithChunk(s.opts.ChunkSize),
	}
	if len(s.opts.NullValues) > 0 {
		opts = append(opts, csv.WithNullReader(true, s.opts.NullValues...))
	}

	s.logger.Debug().Int("chunk_size", s.opts.ChunkSize).Msg("Opening CSV source")
	return &csvProducer{
		rc:     rc,
		reader: csv.NewReader(rc, s.arrowSchema, opts...),
		schema: s.schema,
		name:   s.opener.Name(),
	}, nil
}

type csvProducer struct {
	mu     sync.Mutex
	rc     io.ReadCloser
	reader *csv.Reader
	schema models.Schema
	name   string
	batch  int
	done   bool
	closed bool
}

func (p *csvProducer) Next(ctx context.Context) (*models.RecordBatch, error) {
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

	ok, err := p.advance()
	if err != nil {
		p.done = true
		return nil, err
	}
	if !ok {
		p.done = true
		if err := p.reader.Err(); err != nil {
			return nil, errors.Wrapf(err, errors.CodeSourceError, "read %s", p.name)
		}
		return nil, io.EOF
	}
	// A parse failure still yields a record, so Err is checked first.
	if err := p.reader.Err(); err != nil {
		p.done = true
		return nil, errors.Wrapf(err, errors.CodeSourceError, "parse %s batch %d", p.name, p.batch)
	}

	batch, err := converter.FromArrowRecord(p.reader.Record(), p.schema)
	if err != nil {
		p.done = true
		return nil, errors.Wrapf(err, errors.CodeSourceError, "convert %s batch %d", p.name, p.batch)
	}
	p.batch++
	return batch, nil
}

// advance calls the reader's Next, which panics on rows of the wrong width.
func (p *csvProducer) advance() (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = errors.Newf(errors.CodeSourceError, "read %s batch %d: %v", p.name, p.batch, r)
		}
	}()
	return p.reader.Next(), nil
}

func (p *csvProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.reader.Release()
	if err := p.rc.Close(); err != nil {
		return errors.Wrapf(err, errors.CodeSourceError, "close %s", p.name)
	}
	return nil
}

// asSourceError keeps an existing taxonomy code and tags anything else as a
// source failure.
func asSourceError(err error, msg string) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, errors.CodeSourceError, msg)
}

func (o CSVOptions) String() string {
	return fmt.Sprintf("header=%t delimiter=%q chunk=%d compression=%s", o.Header, o.Delimiter, o.ChunkSize, o.Compression)
}
