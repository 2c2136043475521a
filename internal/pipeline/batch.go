package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/pipechain/internal/model"
)

// DefaultBatchConcurrency is the number of drivers run at once by default.
const DefaultBatchConcurrency = 4

// BatchProcessor runs several independent drivers concurrently.
// Each driver owns its own stages and bindings, so nothing is shared
// between runs except the logger.
type BatchProcessor struct {
	// concurrency is the maximum number of concurrent runs.
	concurrency int

	// logger is used for batch-level logging.
	logger *slog.Logger

	// results stores completed run reports.
	// Access is synchronized via mutex.
	results []*model.RunReport
	mu      sync.Mutex
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchLogger sets a custom logger for batch processing.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchProcessor) {
		b.logger = logger
	}
}

// WithConcurrency sets the maximum number of concurrent runs.
// Non-positive values keep the default.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBatchProcessor creates a new BatchProcessor.
func NewBatchProcessor(opts ...BatchOption) *BatchProcessor {
	bp := &BatchProcessor{
		concurrency: DefaultBatchConcurrency,
		results:     make([]*model.RunReport, 0),
	}

	for _, opt := range opts {
		opt(bp)
	}

	if bp.logger == nil {
		bp.logger = slog.Default()
	}

	return bp
}

// ProcessBatch runs every driver and returns the reports in input order.
// A failed run does not stop the others; its report carries the error.
// The returned error is non-nil only when the batch was cancelled.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, drivers []*Driver) ([]*model.RunReport, error) {
	bp.mu.Lock()
	bp.results = make([]*model.RunReport, len(drivers))
	bp.mu.Unlock()

	err := bp.ProcessBatchWithCallback(ctx, drivers, func(report *model.RunReport, index int, _ error) {
		bp.mu.Lock()
		bp.results[index] = report
		bp.mu.Unlock()
	})

	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.results, err
}

// ProcessBatchWithCallback runs every driver and calls callback once per
// finished run from the goroutine that ran it.
func (bp *BatchProcessor) ProcessBatchWithCallback(
	ctx context.Context,
	drivers []*Driver,
	callback func(report *model.RunReport, index int, err error),
) error {
	bp.logger.Info("starting batch processing",
		"total_pipelines", len(drivers),
		"concurrency", bp.concurrency,
	)
	startTime := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.concurrency)

	for i, driver := range drivers {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			report, err := driver.Run(ctx)
			if err != nil {
				bp.logger.Warn("pipeline failed",
					"pipeline", report.Pipeline,
					"error", err,
				)
			}
			callback(report, i, err)
			return nil
		})
	}

	err := g.Wait()
	bp.logger.Info("batch processing complete",
		"total_pipelines", len(drivers),
		"elapsed", time.Since(startTime),
	)
	return err
}
