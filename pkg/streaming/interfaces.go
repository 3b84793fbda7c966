package streaming

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/TFMV/flightline/pkg/source"
	"github.com/TFMV/flightline/pkg/wire"
)

// Sender is the outgoing half of a DoGet stream.
// flight.FlightService_DoGetServer implements this.
type Sender interface {
	Send(*flight.FlightData) error
}

// StreamingService pipes one producer through an encoder onto a stream.
type StreamingService interface {
	// Stream runs until the producer is exhausted, an error occurs or ctx is
	// canceled. The producer is closed before Stream returns.
	Stream(ctx context.Context, dataset string, enc *wire.Encoder, producer source.Producer, out Sender) (Result, error)
}

// Result counts what actually reached the transport.
type Result struct {
	Messages int
	Batches  int
	Rows     int64
	Bytes    int64
}
