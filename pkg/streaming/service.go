package streaming

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
	"github.com/TFMV/flightline/pkg/source"
	"github.com/TFMV/flightline/pkg/wire"
)

// DefaultBufferDepth is the number of encoded messages allowed in flight
// between the producer and the transport.
const DefaultBufferDepth = 4

type chunk struct {
	msg wire.Message
	err error
}

// service implements the StreamingService interface.
type service struct {
	depth   int
	logger  zerolog.Logger
	metrics metrics.Collector
}

func getClientID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("client_id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// NewService creates a StreamingService with a bounded buffer of depth
// messages.
func NewService(depth int, logger zerolog.Logger, collector metrics.Collector) StreamingService {
	if depth <= 0 {
		depth = DefaultBufferDepth
	}
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &service{
		depth:   depth,
		logger:  logger.With().Str("component", "streaming").Logger(),
		metrics: collector,
	}
}

// Stream runs the encoder in a producer goroutine feeding a bounded channel
// while the caller's goroutine drains it onto out. A full channel blocks the
// producer, so the source is never pulled faster than the transport sends.
func (s *service) Stream(ctx context.Context, dataset string, enc *wire.Encoder, producer source.Producer, out Sender) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan chunk, s.depth)
	go func() {
		defer close(ch)
		_, err := enc.Encode(ctx, producer, func(m wire.Message) error {
			select {
			case ch <- chunk{msg: m}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case ch <- chunk{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	var (
		res     Result
		err     error
		started = time.Now()
	)
	for c := range ch {
		if c.err != nil {
			err = c.err
			break
		}
		// Nothing is sent once cancellation has been observed.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		s.metrics.RecordGauge("flight_stream_buffer_depth", float64(len(ch)))
		if sendErr := out.Send(c.msg.Data); sendErr != nil {
			err = sendErr
			break
		}

		res.Messages++
		res.Bytes += c.msg.Size()
		if c.msg.Batch {
			res.Batches++
			res.Rows += int64(c.msg.Rows)
			metrics.AddCounter(s.metrics, "flight_batches_sent_total", 1, "dataset", dataset)
			metrics.AddCounter(s.metrics, "flight_rows_sent_total", float64(c.msg.Rows), "dataset", dataset)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if _, ok := errors.As(err); !ok && (err == nil || stderrors.Is(err, ctxErr) || status.Code(err) == codes.Canceled) {
			err = errors.Wrap(ctxErr, errors.CodeCanceled, "stream canceled")
		}
	}

	// Stop the producer and wait for it before releasing the source.
	cancel()
	for range ch {
	}
	if closeErr := producer.Close(); closeErr != nil {
		s.logger.Warn().Err(closeErr).Str("dataset", dataset).Msg("Failed to close batch source")
	}

	log := s.logger.Debug()
	if err != nil {
		log = s.logger.Warn().Err(err)
	}
	log.Str("dataset", dataset).
		Str("client_id", getClientID(ctx)).
		Int("batches", res.Batches).
		Int64("rows", res.Rows).
		Int64("bytes", res.Bytes).
		Dur("elapsed", time.Since(started)).
		Msg("Stream finished")

	return res, err
}
