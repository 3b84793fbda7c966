// Package wire frames record batches as Arrow IPC messages inside Flight
// data and decodes them back on the client.
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/converter"
	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
)

// Compression selects IPC body compression for batch messages.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a configured compression name. Empty means none.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return c, nil
	}
	return "", fmt.Errorf("unknown ipc compression %q", name)
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithAllocator sets the allocator used for Arrow buffers.
func WithAllocator(mem memory.Allocator) EncoderOption {
	return func(e *Encoder) {
		if mem != nil {
			e.mem = mem
		}
	}
}

// WithCompression compresses batch bodies.
func WithCompression(c Compression) EncoderOption {
	return func(e *Encoder) { e.compression = c }
}

// Encoder turns a schema and its batches into Flight data messages. It holds
// no per-stream state, so one encoder may serve concurrent streams.
type Encoder struct {
	schema      models.Schema
	arrowSchema *arrow.Schema
	mem         memory.Allocator
	compression Compression
}

// Message is one encoded Flight data message. Rows is zero for the schema
// message.
type Message struct {
	Data  *flight.FlightData
	Batch bool
	Rows  int
}

// Size is the number of header and body bytes.
func (m Message) Size() int64 { return messageSize(m.Data) }

// Stats summarizes one Encode call.
type Stats struct {
	Messages int
	Batches  int
	Rows     int64
	Bytes    int64
}

// NewEncoder fails if the schema holds a type outside the supported set.
func NewEncoder(schema models.Schema, opts ...EncoderOption) (*Encoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeProtocolError, "invalid schema")
	}
	as, err := converter.ToArrowSchema(schema)
	if err != nil {
		return nil, err
	}
	e := &Encoder{
		schema:      schema,
		arrowSchema: as,
		mem:         memory.DefaultAllocator,
		compression: CompressionNone,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Schema returns the schema the encoder was built for.
func (e *Encoder) Schema() models.Schema { return e.schema }

// ArrowSchema returns the Arrow form of the schema.
func (e *Encoder) ArrowSchema() *arrow.Schema { return e.arrowSchema }

// SchemaMessage builds the schema message that opens every stream.
func (e *Encoder) SchemaMessage() (*flight.FlightData, error) {
	return toFlightData(ipc.GetSchemaPayload(e.arrowSchema, e.mem))
}

// BatchMessage builds the message for one batch. A batch that does not match
// the schema is a protocol error.
func (e *Encoder) BatchMessage(batch *models.RecordBatch) (*flight.FlightData, error) {
	rec, err := converter.ToArrowRecord(e.mem, e.arrowSchema, e.schema, batch)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	payload, err := ipc.GetRecordBatchPayload(rec, e.ipcOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to encode record batch")
	}
	return toFlightData(payload)
}

func (e *Encoder) ipcOptions() []ipc.Option {
	opts := []ipc.Option{ipc.WithAllocator(e.mem)}
	switch e.compression {
	case CompressionLZ4:
		opts = append(opts, ipc.WithLZ4())
	case CompressionZstd:
		opts = append(opts, ipc.WithZstd())
	}
	return opts
}

// Encode writes the schema message and then one message per batch, in
// producer order, to sink. It stops at the first producer, encoding or sink
// error; messages already handed to sink are not recalled.
func (e *Encoder) Encode(ctx context.Context, producer source.Producer, sink func(Message) error) (Stats, error) {
	var stats Stats

	fd, err := e.SchemaMessage()
	if err != nil {
		return stats, err
	}
	if err := sink(Message{Data: fd}); err != nil {
		return stats, err
	}
	stats.Messages++
	stats.Bytes += messageSize(fd)

	for {
		batch, err := producer.Next(ctx)
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		fd, err := e.BatchMessage(batch)
		if err != nil {
			return stats, err
		}
		if err := sink(Message{Data: fd, Batch: true, Rows: batch.NumRows}); err != nil {
			return stats, err
		}
		stats.Messages++
		stats.Batches++
		stats.Rows += int64(batch.NumRows)
		stats.Bytes += messageSize(fd)
	}
}

// toFlightData copies a payload into a FlightData and releases the payload.
func toFlightData(payload ipc.Payload) (*flight.FlightData, error) {
	defer payload.Release()

	fd := &flight.FlightData{}
	if meta := payload.Meta(); meta != nil {
		fd.DataHeader = bytes.Clone(meta.Bytes())
		meta.Release()
	}

	var body bytes.Buffer
	if err := payload.SerializeBody(&body); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to serialize message body")
	}
	fd.DataBody = body.Bytes()
	return fd, nil
}

func messageSize(fd *flight.FlightData) int64 {
	return int64(len(fd.DataHeader) + len(fd.DataBody))
}
