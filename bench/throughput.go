// Package bench measures how fast a flightline server streams datasets.
package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/flightline/client"
	"github.com/TFMV/flightline/pkg/models"
)

// Fetcher is the part of client.Client a run needs.
type Fetcher interface {
	Fetch(ctx context.Context, ticket []byte, onSchema func(models.Schema) error, fn func(*models.RecordBatch) error) error
}

var _ Fetcher = (*client.Client)(nil)

// Options controls a throughput run.
type Options struct {
	// Streams is the number of concurrent DoGet calls.
	Streams int
	// Iterations is how many times each stream reads the ticket.
	Iterations int
	// Warmup reads the ticket once before timing starts.
	Warmup bool
}

// Result represents the result of one ticket run.
type Result struct {
	Name       string        `json:"name"`
	Streams    int           `json:"streams"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration_ns"`
	Rows       int64         `json:"rows"`
	Batches    int64         `json:"batches"`
	// Throughput is rows per second across all streams.
	Throughput float64 `json:"rows_per_sec"`
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d rows in %v (%.0f rows/sec, %d batches, %d streams)",
		r.Name, r.Rows, r.Duration.Round(time.Microsecond), r.Throughput, r.Batches, r.Streams)
}

// Runner drives throughput runs against one server.
type Runner struct {
	fetcher Fetcher
	opts    Options
	logger  zerolog.Logger
}

// NewRunner creates a runner. Zero options mean one stream, one iteration.
func NewRunner(f Fetcher, opts Options, logger zerolog.Logger) *Runner {
	if opts.Streams <= 0 {
		opts.Streams = 1
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	return &Runner{
		fetcher: f,
		opts:    opts,
		logger:  logger.With().Str("component", "bench").Logger(),
	}
}

// Run reads ticket Streams*Iterations times and reports the totals.
func (r *Runner) Run(ctx context.Context, ticket []byte) (Result, error) {
	if r.opts.Warmup {
		if _, _, err := r.read(ctx, ticket); err != nil {
			return Result{}, fmt.Errorf("warmup: %w", err)
		}
	}

	var (
		mu      sync.Mutex
		rows    int64
		batches int64
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < r.opts.Streams; s++ {
		g.Go(func() error {
			for i := 0; i < r.opts.Iterations; i++ {
				n, b, err := r.read(gctx, ticket)
				if err != nil {
					return err
				}
				mu.Lock()
				rows += n
				batches += b
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	res := Result{
		Name:       string(ticket),
		Streams:    r.opts.Streams,
		Iterations: r.opts.Iterations,
		Duration:   elapsed,
		Rows:       rows,
		Batches:    batches,
	}
	if elapsed > 0 {
		res.Throughput = float64(rows) / elapsed.Seconds()
	}
	r.logger.Info().Str("ticket", res.Name).Int64("rows", rows).Dur("duration", elapsed).Msg("Benchmark finished")
	return res, nil
}

// RunAll runs every ticket in order and stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, tickets [][]byte) ([]Result, error) {
	results := make([]Result, 0, len(tickets))
	for _, t := range tickets {
		res, err := r.Run(ctx, t)
		if err != nil {
			return results, fmt.Errorf("%s: %w", t, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) read(ctx context.Context, ticket []byte) (rows, batches int64, err error) {
	err = r.fetcher.Fetch(ctx, ticket, nil, func(b *models.RecordBatch) error {
		rows += int64(b.NumRows)
		batches++
		return nil
	})
	return rows, batches, err
}
