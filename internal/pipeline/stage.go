package pipeline

import (
	"context"

	"github.com/nao1215/pipechain/internal/model"
)

// Stage is a unit of work that produces a lazy sequence of items.
//
// Produce is called once per activation. The upstream item is nil for the
// first stage of a chain. Stages read the bindings of earlier stages from b
// but must not keep b after Produce returns unless they only read it from
// the goroutine that calls Next.
type Stage interface {
	// Name returns the stage name. It must be unique within its chain.
	Name() string

	// ModifiesState reports whether the stage has side effects that the
	// driver needs to persist.
	ModifiesState() bool

	// Produce builds the sequence for one activation. A returned error is a
	// construction failure and aborts the traversal.
	Produce(ctx context.Context, upstream *model.Item, b *Bindings) (Sequence, error)
}

// Sequence is a finite, forward-only stream of items.
// It cannot be restarted; the owning stage must be activated again instead.
type Sequence interface {
	// Next returns the next item. It returns (zero, false, nil) once the
	// sequence is exhausted. A non-nil error is a per-item failure and ends
	// the sequence for the current activation.
	Next(ctx context.Context) (model.Item, bool, error)
}

// Hooks is implemented by stages that need setup and teardown around a
// whole traversal.
type Hooks interface {
	Before(ctx context.Context) error
	After(ctx context.Context) error
}

// Closer is implemented by sequences that hold goroutines or handles.
type Closer interface {
	Close() error
}

// Composite is implemented by stages that own other stages.
type Composite interface {
	Stages() []Stage
}

// closeSequence closes seq if it holds resources.
func closeSequence(seq Sequence) error {
	if c, ok := seq.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Walk visits root and every stage it owns in build order.
func Walk(root Stage, fn func(Stage)) {
	if root == nil {
		return
	}
	fn(root)
	if c, ok := root.(Composite); ok {
		for _, s := range c.Stages() {
			Walk(s, fn)
		}
	}
}

// anyModifiesState reports whether at least one stage has side effects.
func anyModifiesState(stages []Stage) bool {
	for _, s := range stages {
		if s.ModifiesState() {
			return true
		}
	}
	return false
}
