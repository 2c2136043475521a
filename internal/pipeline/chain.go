package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/pipechain/internal/model"
)

// Chain walks a list of mutually dependent stages and yields the dependent
// cartesian product of their outputs, depth first.
//
// The sequence of stage i is built when the cursor arrives at i from i-1,
// using the bindings as they are right after stage i-1 yielded. Retreating
// from i+1 back to i reuses the sequence that already exists at i, so a stage
// is never rebuilt while its upstream binding is unchanged.
//
// A Chain is single-threaded. It lives for one traversal and must not be
// reused.
type Chain struct {
	stages   []Stage
	seqs     []*lookahead
	bindings *Bindings
	upstream *model.Item
	cursor   int
	started  bool
	done     bool
	delay    time.Duration
	logger   *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithDelay waits d after every emitted item.
func WithDelay(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithChainLogger sets the logger used for traversal debug output.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithUpstream passes item as the upstream of the first stage.
func WithUpstream(item *model.Item) ChainOption {
	return func(c *Chain) {
		c.upstream = item
	}
}

// NewChain creates a Chain over stages that reads and writes b.
// Stage names must be non-empty and unique.
func NewChain(stages []Stage, b *Bindings, opts ...ChainOption) (*Chain, error) {
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if b == nil {
		b = NewBindings()
	}

	c := &Chain{
		stages:   stages,
		seqs:     make([]*lookahead, len(stages)),
		bindings: b,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// validateStages rejects nil, unnamed and duplicate stages.
func validateStages(stages []Stage) error {
	seen := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if s == nil {
			return fmt.Errorf("stage %d: %w", i, ErrNilStage)
		}
		name := s.Name()
		if name == "" {
			return fmt.Errorf("stage %d: %w", i, ErrUnnamedStage)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateStage, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Bindings returns the bindings the chain mutates.
func (c *Chain) Bindings() *Bindings {
	return c.bindings
}

// Cursor returns the index of the active stage.
func (c *Chain) Cursor() int {
	return c.cursor
}

// Next implements Sequence.
func (c *Chain) Next(ctx context.Context) (model.Item, bool, error) {
	if c.done || len(c.stages) == 0 {
		c.done = true
		return model.Item{}, false, nil
	}

	if !c.started {
		c.started = true
		if err := c.build(ctx, 0, c.upstream); err != nil {
			c.done = true
			return model.Item{}, false, err
		}
	}

	last := len(c.stages) - 1
	for {
		if err := ctx.Err(); err != nil {
			c.done = true
			return model.Item{}, false, err
		}

		current := c.seqs[c.cursor]
		if !current.hasNext(ctx) {
			if c.cursor == 0 {
				c.done = true
				return model.Item{}, false, nil
			}
			c.cursor--
			continue
		}

		if c.cursor == last {
			break
		}

		item := current.take()
		c.bindings.Bind(c.stages[c.cursor].Name(), item)
		c.cursor++
		if err := c.build(ctx, c.cursor, &item); err != nil {
			c.done = true
			return model.Item{}, false, err
		}
	}

	item := c.seqs[last].take()
	c.bindings.Bind(c.stages[last].Name(), item)

	if c.delay > 0 {
		if err := sleep(ctx, c.delay); err != nil {
			c.done = true
			return model.Item{}, false, err
		}
	}
	return item, true, nil
}

// build activates stage i with upstream and replaces its sequence.
func (c *Chain) build(ctx context.Context, i int, upstream *model.Item) error {
	stage := c.stages[i]
	if prev := c.seqs[i]; prev != nil {
		_ = prev.close() //nolint:errcheck // previous activation is already exhausted
	}

	seq, err := stage.Produce(ctx, upstream, c.bindings)
	if err != nil {
		return fmt.Errorf("failed to build stage %q: %w", stage.Name(), err)
	}
	if seq == nil {
		seq = EmptySequence()
	}

	c.logger.Debug("stage activated",
		"stage", stage.Name(),
		"cursor", i,
	)
	c.seqs[i] = newLookahead(stage.Name(), seq, c.bindings)
	return nil
}

// Close releases every sequence still held by the chain.
func (c *Chain) Close() error {
	c.done = true
	var errs []error
	for _, seq := range c.seqs {
		if seq == nil {
			continue
		}
		if err := seq.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SequentialStage is a Stage made of other stages run as a Chain.
// Its first sub-stage receives the upstream item of the composite.
type SequentialStage struct {
	name   string
	stages []Stage
	opts   []ChainOption
}

// NewSequentialStage creates a composite chain stage.
func NewSequentialStage(name string, stages []Stage, opts ...ChainOption) (*SequentialStage, error) {
	if name == "" {
		return nil, ErrUnnamedStage
	}
	if err := validateStages(stages); err != nil {
		return nil, fmt.Errorf("chain %q: %w", name, err)
	}
	return &SequentialStage{name: name, stages: stages, opts: opts}, nil
}

// Name implements Stage.
func (s *SequentialStage) Name() string {
	return s.name
}

// ModifiesState is true if any sub-stage modifies state.
func (s *SequentialStage) ModifiesState() bool {
	return anyModifiesState(s.stages)
}

// Stages implements Composite.
func (s *SequentialStage) Stages() []Stage {
	return s.stages
}

// Produce returns a fresh Chain sharing b.
func (s *SequentialStage) Produce(_ context.Context, upstream *model.Item, b *Bindings) (Sequence, error) {
	opts := append([]ChainOption{WithUpstream(upstream)}, s.opts...)
	return NewChain(s.stages, b, opts...)
}
