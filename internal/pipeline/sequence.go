package pipeline

import (
	"context"
	"errors"

	"github.com/nao1215/pipechain/internal/model"
)

// SliceSequence yields a fixed list of items.
type SliceSequence struct {
	items []model.Item
	index int
}

// NewSliceSequence creates a Sequence over items.
func NewSliceSequence(items ...model.Item) *SliceSequence {
	return &SliceSequence{items: items}
}

// Next implements Sequence.
func (s *SliceSequence) Next(_ context.Context) (model.Item, bool, error) {
	if s.index >= len(s.items) {
		return model.Item{}, false, nil
	}
	item := s.items[s.index]
	s.index++
	return item, true, nil
}

// FuncSequence adapts a function to the Sequence interface.
type FuncSequence func(ctx context.Context) (model.Item, bool, error)

// Next implements Sequence.
func (f FuncSequence) Next(ctx context.Context) (model.Item, bool, error) {
	return f(ctx)
}

// EmptySequence returns a sequence that is already exhausted.
func EmptySequence() Sequence {
	return NewSliceSequence()
}

// FailedSequence returns a sequence whose first pull fails with err.
// Stages use it to report a per-item failure discovered while producing.
func FailedSequence(err error) Sequence {
	done := false
	return FuncSequence(func(context.Context) (model.Item, bool, error) {
		if done {
			return model.Item{}, false, nil
		}
		done = true
		return model.Item{}, false, err
	})
}

// lookahead wraps a Sequence so that the engine can ask whether another item
// exists without consuming it. Errors are written to the bindings and end the
// sequence.
type lookahead struct {
	stage    string
	seq      Sequence
	bindings *Bindings
	buffered bool
	item     model.Item
	done     bool
}

func newLookahead(stage string, seq Sequence, b *Bindings) *lookahead {
	return &lookahead{stage: stage, seq: seq, bindings: b}
}

// hasNext pulls one item ahead if nothing is buffered yet.
func (l *lookahead) hasNext(ctx context.Context) bool {
	if l.buffered {
		return true
	}
	if l.done {
		return false
	}
	item, ok, err := l.seq.Next(ctx)
	if err != nil {
		if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
			l.bindings.RecordError(l.stage, err)
		}
		l.finish()
		return false
	}
	if !ok {
		l.finish()
		return false
	}
	l.item = item
	l.buffered = true
	return true
}

// take returns the buffered item. hasNext must have returned true.
func (l *lookahead) take() model.Item {
	item := l.item
	l.item = model.Item{}
	l.buffered = false
	return item
}

func (l *lookahead) finish() {
	l.done = true
	_ = closeSequence(l.seq) //nolint:errcheck // exhausted sequences have nothing left to report
}

func (l *lookahead) close() error {
	if l.done {
		return nil
	}
	l.done = true
	l.buffered = false
	return closeSequence(l.seq)
}
