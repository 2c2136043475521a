package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// DefaultMaxRecordedItems caps the items a Recorder keeps in memory.
const DefaultMaxRecordedItems = 10000

// Recorder is a pipeline.Sink that records one run into a RunDB.
//
// Items are buffered and written together with the run summary, either by
// Persist when the pipeline modifies state or by Flush at the end of every
// run. Items and errors are forwarded to an optional next sink.
type Recorder struct {
	db       *RunDB
	next     pipeline.Sink
	logger   *slog.Logger
	maxItems int

	mu      sync.Mutex
	items   []model.Item
	dropped int
	saved   bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithNext forwards every item and error to sink after buffering it.
func WithNext(sink pipeline.Sink) RecorderOption {
	return func(r *Recorder) {
		r.next = sink
	}
}

// WithRecorderLogger sets the logger. If not set, slog.Default() is used.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithMaxRecordedItems caps the buffered items. Items beyond the cap are
// counted in the summary but not stored.
func WithMaxRecordedItems(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.maxItems = n
		}
	}
}

// NewRecorder creates a Recorder writing to db.
func NewRecorder(db *RunDB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:       db,
		maxItems: DefaultMaxRecordedItems,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Item implements pipeline.Sink.
func (r *Recorder) Item(ctx context.Context, item model.Item) error {
	r.mu.Lock()
	if len(r.items) < r.maxItems {
		r.items = append(r.items, item)
	} else {
		r.dropped++
	}
	r.mu.Unlock()

	if r.next != nil {
		return r.next.Item(ctx, item)
	}
	return nil
}

// Error implements pipeline.Sink. Errors reach the database through the
// run report.
func (r *Recorder) Error(ctx context.Context, stageErr model.StageError) error {
	if r.next != nil {
		return r.next.Error(ctx, stageErr)
	}
	return nil
}

// Persist implements pipeline.Persister. It writes the buffered items and
// the summary known so far in one transaction.
func (r *Recorder) Persist(ctx context.Context, report *model.RunReport) error {
	if err := r.save(ctx, report); err != nil {
		return err
	}
	if p, ok := r.next.(pipeline.Persister); ok {
		return p.Persist(ctx, report)
	}
	return nil
}

// Flush stores the final run summary. It saves the run if Persist did not,
// and otherwise updates the row Persist created.
func (r *Recorder) Flush(ctx context.Context, report *model.RunReport) error {
	r.mu.Lock()
	saved := r.saved
	r.mu.Unlock()

	if !saved {
		return r.save(ctx, report)
	}
	if err := r.db.UpdateRun(ctx, report); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (r *Recorder) save(ctx context.Context, report *model.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saved {
		return nil
	}
	if _, err := r.db.SaveRun(ctx, report, r.items); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	r.saved = true

	if r.dropped > 0 {
		r.logger.Warn("run history truncated",
			"pipeline", report.Pipeline,
			"stored", len(r.items),
			"dropped", r.dropped,
		)
	}
	r.logger.Debug("run recorded",
		"pipeline", report.Pipeline,
		"run_id", report.ID,
		"items", len(r.items),
	)
	return nil
}

// Items returns a copy of the buffered items.
func (r *Recorder) Items() []model.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Item, len(r.items))
	copy(out, r.items)
	return out
}
