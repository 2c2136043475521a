package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/pipechain/internal/model"
)

// MergeStrategy selects how a fan-in merges worker output.
type MergeStrategy string

const (
	// StrategyQueue gives every worker its own bounded queue. The consumer
	// scans the queues in a fixed order.
	StrategyQueue MergeStrategy = "queue"

	// StrategyShared funnels every worker into one bounded queue that is
	// terminated by an end-of-stream marker.
	StrategyShared MergeStrategy = "shared"
)

// FailurePolicy decides what a worker failure does to the whole merge.
type FailurePolicy string

const (
	// ToleratePartial logs a failed worker and keeps merging the others.
	ToleratePartial FailurePolicy = "tolerate"

	// FailFast cancels every worker on the first failure and returns it.
	FailFast FailurePolicy = "fail-fast"
)

// Fan-in defaults.
const (
	DefaultWorkers           = 4
	DefaultQueueCapacity     = 1000
	DefaultCompletionTimeout = 10 * time.Minute
	DefaultPollInterval      = 100 * time.Millisecond
)

// FanInConfig holds the fan-in tunables.
type FanInConfig struct {
	// Workers is the size of the worker pool.
	Workers int

	// QueueCapacity bounds each queue. Producers block when it is full.
	QueueCapacity int

	// CompletionTimeout bounds how long the merge waits for all workers.
	// Zero waits forever.
	CompletionTimeout time.Duration

	// PollInterval bounds a single consumer wait in the queue strategy.
	PollInterval time.Duration

	// Strategy selects the merge variant.
	Strategy MergeStrategy

	// Policy selects the partial-failure behavior.
	Policy FailurePolicy

	// Logger receives worker lifecycle logs.
	Logger *slog.Logger
}

// DefaultFanInConfig returns the default tunables.
func DefaultFanInConfig() FanInConfig {
	return FanInConfig{
		Workers:           DefaultWorkers,
		QueueCapacity:     DefaultQueueCapacity,
		CompletionTimeout: DefaultCompletionTimeout,
		PollInterval:      DefaultPollInterval,
		Strategy:          StrategyQueue,
		Policy:            ToleratePartial,
	}
}

// withDefaults fills zero fields with defaults.
func (c FanInConfig) withDefaults() FanInConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.CompletionTimeout < 0 {
		c.CompletionTimeout = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Strategy == "" {
		c.Strategy = StrategyQueue
	}
	if c.Policy == "" {
		c.Policy = ToleratePartial
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// MergeSequence is a running fan-in. Close stops every worker and waits
// for the pool to exit.
type MergeSequence interface {
	Sequence
	Closer
}

// NewMerge starts one worker per stage and returns the merged sequence.
// Every worker activates its stage with upstream against its own clone of b.
// Errors recorded by workers are moved into b from the goroutine calling Next.
func NewMerge(ctx context.Context, stages []Stage, upstream *model.Item, b *Bindings, cfg FanInConfig) (MergeSequence, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if b == nil {
		b = NewBindings()
	}

	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case StrategyQueue:
		return newQueueMerge(ctx, stages, upstream, b, cfg), nil
	case StrategyShared:
		return newSharedMerge(ctx, stages, upstream, b, cfg), nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", cfg.Strategy)
	}
}

// workerErrors collects worker failures until the consumer drains them.
type workerErrors struct {
	mu      sync.Mutex
	pending []error
	fatal   error
}

func (w *workerErrors) add(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, err)
}

// fail records err as the fatal error if none is set yet. The fatal error
// is not pending: the consumer delivers it once, as the error of Next.
func (w *workerErrors) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal == nil {
		w.fatal = err
	}
}

func (w *workerErrors) drain() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func (w *workerErrors) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// moveInto records every pending error into b.
func (w *workerErrors) moveInto(b *Bindings) {
	for _, err := range w.drain() {
		b.RecordError("", err)
	}
}

// workerPool runs one task per stage on an errgroup limited to cfg.Workers.
//
// expired is closed when the completion timeout fires. From then on the
// merge stops waiting for workers: a stage that ignores cancellation is
// abandoned instead of holding the consumer.
type workerPool struct {
	cancel   context.CancelFunc
	done     chan struct{}
	expired  chan struct{}
	timedOut atomic.Bool
}

// startPool dispatches tasks from a separate goroutine so that callers never
// block on the pool limit.
func startPool(parent context.Context, cfg FanInConfig, tasks []func(context.Context) error) *workerPool {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	p := &workerPool{
		cancel:  cancel,
		done:    make(chan struct{}),
		expired: make(chan struct{}),
	}

	go func() {
		for _, task := range tasks {
			g.Go(func() error {
				return task(gctx)
			})
		}
		_ = g.Wait() //nolint:errcheck // worker failures travel through workerErrors
		close(p.done)
	}()

	if cfg.CompletionTimeout > 0 {
		go func() {
			timer := time.NewTimer(cfg.CompletionTimeout)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.timedOut.Store(true)
				cfg.Logger.Warn("merge workers did not finish in time, cancelling",
					"timeout", cfg.CompletionTimeout,
				)
				close(p.expired)
				cancel()
			}
		}()
	}

	return p
}

// stop cancels the workers and waits for the pool to exit, or for the
// completion timeout when a worker does not return.
func (p *workerPool) stop() {
	p.cancel()
	p.wait()
}

// wait blocks until every task returned or the completion timeout fired.
func (p *workerPool) wait() {
	select {
	case <-p.done:
	case <-p.expired:
	}
}

// abandoned reports whether the completion timeout fired.
func (p *workerPool) abandoned() bool {
	select {
	case <-p.expired:
		return true
	default:
		return false
	}
}

// worker activates one stage and pushes its items until the sequence ends.
type worker struct {
	stage    Stage
	upstream *model.Item
	bindings *Bindings
	policy   FailurePolicy
	errs     *workerErrors
	logger   *slog.Logger
}

// run pulls the stage to exhaustion. The returned error is non-nil only
// under FailFast, so that the errgroup cancels the siblings.
func (w *worker) run(ctx context.Context, push func(context.Context, model.Item) error) error {
	err := w.pull(ctx, push)
	switch {
	case err == nil:
		w.logger.Debug("merge worker finished", "stage", w.stage.Name())
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		w.logger.Info("merge worker interrupted", "stage", w.stage.Name(), "reason", err)
		return nil
	}

	w.logger.Warn("merge worker failed",
		"stage", w.stage.Name(),
		"error", err,
	)
	stageErr := model.NewStageError(w.stage.Name(), err)
	if w.policy == FailFast {
		w.errs.fail(stageErr)
		return stageErr
	}
	w.errs.add(stageErr)
	return nil
}

func (w *worker) pull(ctx context.Context, push func(context.Context, model.Item) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seq, err := w.stage.Produce(ctx, w.upstream, w.bindings)
	if err != nil {
		return err
	}
	if seq == nil {
		return nil
	}
	defer closeSequence(seq) //nolint:errcheck // close errors are not actionable here

	for {
		item, ok, err := seq.Next(ctx)
		// nested stages record their own per-item errors into the clone
		if pending := w.bindings.TakeError(); pending != nil {
			for _, se := range StageErrors(pending) {
				w.errs.add(se)
			}
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		w.bindings.Bind(w.stage.Name(), item)
		if err := push(ctx, item); err != nil {
			return err
		}
	}
}

// FanInStage is a Stage whose sub-stages run concurrently and are merged.
// Every sub-stage receives the upstream item of the composite.
type FanInStage struct {
	name   string
	stages []Stage
	cfg    FanInConfig
}

// NewFanInStage creates a composite fan-in stage.
func NewFanInStage(name string, stages []Stage, cfg FanInConfig) (*FanInStage, error) {
	if name == "" {
		return nil, ErrUnnamedStage
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("merge %q: %w", name, ErrNoStages)
	}
	if err := validateStages(stages); err != nil {
		return nil, fmt.Errorf("merge %q: %w", name, err)
	}
	return &FanInStage{name: name, stages: stages, cfg: cfg}, nil
}

// Name implements Stage.
func (s *FanInStage) Name() string {
	return s.name
}

// ModifiesState is true if any sub-stage modifies state.
func (s *FanInStage) ModifiesState() bool {
	return anyModifiesState(s.stages)
}

// Stages implements Composite.
func (s *FanInStage) Stages() []Stage {
	return s.stages
}

// Config returns the fan-in tunables.
func (s *FanInStage) Config() FanInConfig {
	return s.cfg
}

// Produce starts the workers and returns the merged sequence.
func (s *FanInStage) Produce(ctx context.Context, upstream *model.Item, b *Bindings) (Sequence, error) {
	return NewMerge(ctx, s.stages, upstream, b, s.cfg)
}
