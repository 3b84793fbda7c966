package wire

import (
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/converter"
	"github.com/TFMV/flightline/pkg/models"
)

// DataStream is the receiving half of a DoGet call.
type DataStream interface {
	Recv() (*flight.FlightData, error)
}

// State is the decoder's position in the stream.
type State int

const (
	ExpectSchema State = iota
	ExpectBatchOrEnd
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case ExpectSchema:
		return "ExpectSchema"
	case ExpectBatchOrEnd:
		return "ExpectBatchOrEnd"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Decoder rebuilds the schema and batches from a Flight data stream. The
// first message must be a schema; dictionary messages are skipped; the end
// of the stream, not any advertised total, ends decoding. Once Failed, the
// decoder returns the same error forever.
type Decoder struct {
	mu     sync.Mutex
	msgs   *messageReader
	reader *ipc.Reader
	mem    memory.Allocator
	schema models.Schema
	state  State
	err    error
	rows   int64
	count  int
}

// NewDecoder reads nothing until Schema or Next is called.
func NewDecoder(stream DataStream, mem memory.Allocator) *Decoder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Decoder{
		msgs:  &messageReader{stream: stream},
		mem:   mem,
		state: ExpectSchema,
	}
}

// State reports the current state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the terminal error, if any.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Schema consumes the leading schema message if it has not been read yet.
func (d *Decoder) Schema() (models.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readSchema(); err != nil {
		return models.Schema{}, err
	}
	return d.schema, nil
}

// Next returns the next batch, io.EOF at the end of the stream, or the
// terminal error.
func (d *Decoder) Next() (*models.RecordBatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.readSchema(); err != nil {
		return nil, err
	}
	switch d.state {
	case Done:
		return nil, io.EOF
	case Failed:
		return nil, d.err
	}

	if !d.reader.Next() {
		if err := d.reader.Err(); err != nil {
			return nil, d.fail(err, "failed to decode record batch")
		}
		d.state = Done
		d.release()
		return nil, io.EOF
	}

	batch, err := converter.FromArrowRecord(d.reader.Record(), d.schema)
	if err != nil {
		return nil, d.fail(err, "record batch does not match schema")
	}
	d.count++
	d.rows += int64(batch.NumRows)
	return batch, nil
}

// Stats returns the number of batches and rows decoded so far.
func (d *Decoder) Stats() (batches int, rows int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count, d.rows
}

// Close releases decoder resources. It does not cancel the underlying call.
func (d *Decoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
}

func (d *Decoder) readSchema() error {
	switch d.state {
	case Failed:
		return d.err
	case ExpectSchema:
	default:
		return nil
	}

	reader, err := ipc.NewReaderFromMessageReader(d.msgs, ipc.WithAllocator(d.mem))
	if err != nil {
		return d.fail(err, "failed to read schema message")
	}
	schema, err := converter.FromArrowSchema(reader.Schema())
	if err != nil {
		reader.Release()
		return d.fail(err, "unsupported schema")
	}
	d.reader = reader
	d.schema = schema
	d.state = ExpectBatchOrEnd
	return nil
}

// fail moves to Failed. Errors that already carry a code keep it, so a
// transport failure is not reported as a protocol violation.
func (d *Decoder) fail(err error, msg string) error {
	if _, ok := errors.As(err); !ok {
		err = errors.Wrap(err, errors.CodeProtocolError, msg)
	}
	d.err = err
	d.state = Failed
	d.release()
	return err
}

func (d *Decoder) release() {
	if d.reader != nil {
		d.reader.Release()
		d.reader = nil
	}
	d.msgs.Release()
}

// messageReader adapts Flight data to ipc.MessageReader, enforcing message
// order and body length before the IPC reader sees anything.
type messageReader struct {
	stream     DataStream
	cur        *ipc.Message
	seenSchema bool
	eof        bool
}

func (r *messageReader) Message() (*ipc.Message, error) {
	r.releaseCurrent()
	if r.eof {
		return nil, io.EOF
	}

	for {
		fd, err := r.stream.Recv()
		if err == io.EOF {
			r.eof = true
			if !r.seenSchema {
				return nil, errors.Protocol("stream ended before schema")
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.FromStatus(err)
		}
		if len(fd.DataHeader) == 0 {
			continue
		}

		msg, typ, err := parseMessage(fd)
		if err != nil {
			return nil, err
		}

		switch typ {
		case ipc.MessageDictionaryBatch:
			msg.Release()
			continue
		case ipc.MessageSchema:
			if r.seenSchema {
				msg.Release()
				return nil, errors.Protocol("unexpected schema message after the first")
			}
			r.seenSchema = true
		case ipc.MessageRecordBatch:
			if !r.seenSchema {
				msg.Release()
				return nil, errors.Protocol("schema must be first")
			}
			if bodyLen := msg.BodyLen(); bodyLen > int64(len(fd.DataBody)) {
				msg.Release()
				return nil, errors.Protocol("record batch body truncated: header declares %d bytes, received %d", bodyLen, len(fd.DataBody))
			}
		default:
			msg.Release()
			return nil, errors.Protocol("unsupported message type %v", typ)
		}

		r.cur = msg
		return msg, nil
	}
}

// parseMessage reads the flatbuffer header, which panics on garbage.
func parseMessage(fd *flight.FlightData) (msg *ipc.Message, typ ipc.MessageType, err error) {
	defer func() {
		if p := recover(); p != nil {
			if msg != nil {
				msg.Release()
			}
			msg, err = nil, errors.Protocol("malformed message header: %v", p)
		}
	}()
	msg = ipc.NewMessage(memory.NewBufferBytes(fd.DataHeader), memory.NewBufferBytes(fd.DataBody))
	return msg, msg.Type(), nil
}

func (r *messageReader) releaseCurrent() {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
}

func (r *messageReader) Retain() {}

func (r *messageReader) Release() { r.releaseCurrent() }
