package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nao1215/pipechain/internal/model"
)

// mockStage is a test helper that implements the Stage interface.
type mockStage struct {
	name         string
	modifies     bool
	produceFunc  func(ctx context.Context, upstream *model.Item, b *Bindings) (Sequence, error)
	produceCalls atomic.Int32
}

// Name implements Stage.Name.
func (m *mockStage) Name() string {
	return m.name
}

// ModifiesState implements Stage.ModifiesState.
func (m *mockStage) ModifiesState() bool {
	return m.modifies
}

// Produce implements Stage.Produce.
func (m *mockStage) Produce(ctx context.Context, upstream *model.Item, b *Bindings) (Sequence, error) {
	m.produceCalls.Add(1)
	if m.produceFunc != nil {
		return m.produceFunc(ctx, upstream, b)
	}
	return EmptySequence(), nil
}

// listStage yields the same values on every activation.
func listStage(name string, values ...string) *mockStage {
	return &mockStage{
		name: name,
		produceFunc: func(_ context.Context, _ *model.Item, _ *Bindings) (Sequence, error) {
			return NewSliceSequence(items(name, values...)...), nil
		},
	}
}

// dependentStage yields fn(upstream value) on every activation.
func dependentStage(name string, fn func(upstream string) []string) *mockStage {
	return &mockStage{
		name: name,
		produceFunc: func(_ context.Context, upstream *model.Item, _ *Bindings) (Sequence, error) {
			var in string
			if upstream != nil {
				in = upstream.Value
			}
			return NewSliceSequence(items(name, fn(in)...)...), nil
		},
	}
}

// countingStage yields n items with IDs "<name>-<i>".
func countingStage(name string, n int) *mockStage {
	values := make([]string, n)
	for i := range values {
		values[i] = name + "-" + strconv.Itoa(i)
	}
	return listStage(name, values...)
}

func items(stage string, values ...string) []model.Item {
	out := make([]model.Item, len(values))
	for i, v := range values {
		out[i] = model.NewItem(stage, v)
	}
	return out
}

// hookStage records hook calls into a shared log.
type hookStage struct {
	mockStage
	log       *hookLog
	beforeErr error
}

// Before implements Hooks.Before.
func (h *hookStage) Before(_ context.Context) error {
	h.log.add("before:" + h.name)
	return h.beforeErr
}

// After implements Hooks.After.
func (h *hookStage) After(_ context.Context) error {
	h.log.add("after:" + h.name)
	return nil
}

type hookLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *hookLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *hookLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// drain pulls seq to exhaustion and fails the test on error.
func drain(t *testing.T, seq Sequence) []model.Item {
	t.Helper()

	var out []model.Item
	for {
		item, ok, err := seq.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
