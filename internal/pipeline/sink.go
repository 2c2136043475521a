package pipeline

import (
	"context"
	"sync"

	"github.com/nao1215/pipechain/internal/model"
)

// Sink receives the output of a run, one call per item and one call per
// detected error.
type Sink interface {
	Item(ctx context.Context, item model.Item) error
	Error(ctx context.Context, stageErr model.StageError) error
}

// Persister is implemented by sinks that hold side effects until the end of
// a run. The driver calls Persist only when the root stage modifies state.
type Persister interface {
	Persist(ctx context.Context, report *model.RunReport) error
}

// MemorySink collects items and errors in memory. It is safe for concurrent
// use so that one sink can serve a batch.
type MemorySink struct {
	mu        sync.Mutex
	items     []model.Item
	errs      []model.StageError
	persisted int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Item implements Sink.
func (s *MemorySink) Item(_ context.Context, item model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

// Error implements Sink.
func (s *MemorySink) Error(_ context.Context, stageErr model.StageError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, stageErr)
	return nil
}

// Persist implements Persister by counting calls.
func (s *MemorySink) Persist(_ context.Context, _ *model.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted++
	return nil
}

// Items returns a copy of the collected items.
func (s *MemorySink) Items() []model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Item(nil), s.items...)
}

// Errors returns a copy of the collected errors.
func (s *MemorySink) Errors() []model.StageError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StageError(nil), s.errs...)
}

// PersistCount returns how many times Persist was called.
func (s *MemorySink) PersistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// Discard is a Sink that drops every item and error.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Item(context.Context, model.Item) error        { return nil }
func (discardSink) Error(context.Context, model.StageError) error { return nil }
