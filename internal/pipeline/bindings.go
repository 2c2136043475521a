package pipeline

import (
	"errors"
	"maps"
	"sort"

	"github.com/nao1215/pipechain/internal/model"
)

// Bindings maps stage names to the item each stage yielded last, plus a
// slot for errors recorded during traversal.
//
// Bindings is not safe for concurrent use. A Chain mutates a single instance
// from one goroutine; fan-in gives every worker its own Clone.
type Bindings struct {
	items   map[string]model.Item
	lastErr error
}

// NewBindings creates an empty Bindings.
func NewBindings() *Bindings {
	return &Bindings{items: make(map[string]model.Item)}
}

// Bind records item as the current item of the named stage.
func (b *Bindings) Bind(name string, item model.Item) {
	if b.items == nil {
		b.items = make(map[string]model.Item)
	}
	b.items[name] = item
}

// Lookup returns the item currently bound to the named stage.
func (b *Bindings) Lookup(name string) (model.Item, bool) {
	item, ok := b.items[name]
	return item, ok
}

// Names returns the bound stage names in sorted order.
func (b *Bindings) Names() []string {
	names := make([]string, 0, len(b.items))
	for name := range b.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bound stages.
func (b *Bindings) Len() int {
	return len(b.items)
}

// RecordError stores a per-item failure. Errors accumulate until TakeError
// drains them.
func (b *Bindings) RecordError(stage string, err error) {
	if err == nil {
		return
	}
	var se model.StageError
	if !errors.As(err, &se) {
		err = model.NewStageError(stage, err)
	}
	b.lastErr = errors.Join(b.lastErr, err)
}

// LastError returns the pending error without draining it.
func (b *Bindings) LastError() error {
	return b.lastErr
}

// TakeError returns and clears the pending error.
func (b *Bindings) TakeError() error {
	err := b.lastErr
	b.lastErr = nil
	return err
}

// Clone returns an independent copy. The pending error is not copied.
func (b *Bindings) Clone() *Bindings {
	items := maps.Clone(b.items)
	if items == nil {
		items = make(map[string]model.Item)
	}
	return &Bindings{items: items}
}

// StageErrors flattens an error produced by TakeError into StageErrors.
func StageErrors(err error) []model.StageError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []model.StageError
		for _, e := range joined.Unwrap() {
			out = append(out, StageErrors(e)...)
		}
		return out
	}
	var se model.StageError
	if errors.As(err, &se) {
		return []model.StageError{se}
	}
	return []model.StageError{model.NewStageError("", err)}
}
