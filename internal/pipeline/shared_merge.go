package pipeline

import (
	"context"
	"sync"

	"github.com/nao1215/pipechain/internal/model"
)

// envelope is what travels through the shared queue: an item or the
// end-of-stream marker.
type envelope struct {
	item model.Item
	end  bool
}

// SharedMerge merges workers through one bounded queue.
//
// Items from different workers interleave in arrival order and duplicates
// are kept. A terminator goroutine waits for the pool and then enqueues a
// single end-of-stream envelope; the consumer reports exhaustion only after
// receiving it, however empty the queue looks before that.
type SharedMerge struct {
	queue      chan envelope
	pool       *workerPool
	errs       *workerErrors
	bindings   *Bindings
	cfg        FanInConfig
	closing    chan struct{}
	closeOnce  sync.Once
	terminated chan struct{}

	exhausted bool
	closed    bool
}

func newSharedMerge(ctx context.Context, stages []Stage, upstream *model.Item, b *Bindings, cfg FanInConfig) *SharedMerge {
	m := &SharedMerge{
		queue:      make(chan envelope, cfg.QueueCapacity),
		errs:       &workerErrors{},
		bindings:   b,
		cfg:        cfg,
		closing:    make(chan struct{}),
		terminated: make(chan struct{}),
	}

	tasks := make([]func(context.Context) error, len(stages))
	for i, stage := range stages {
		w := &worker{
			stage:    stage,
			upstream: upstream,
			bindings: b.Clone(),
			policy:   cfg.Policy,
			errs:     m.errs,
			logger:   cfg.Logger,
		}
		tasks[i] = func(ctx context.Context) error {
			return w.run(ctx, m.push)
		}
	}

	m.pool = startPool(ctx, cfg, tasks)
	go m.terminate()
	return m
}

// push blocks while the shared queue is full.
func (m *SharedMerge) push(ctx context.Context, item model.Item) error {
	select {
	case m.queue <- envelope{item: item}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate waits for every worker, then enqueues the end-of-stream marker.
// The pool's completion timeout bounds the wait: workers still running when
// it fires are abandoned.
func (m *SharedMerge) terminate() {
	defer close(m.terminated)

	m.pool.wait()
	if m.pool.timedOut.Load() {
		m.errs.add(ErrMergeTimeout)
	}

	select {
	case m.queue <- envelope{end: true}:
		m.cfg.Logger.Debug("merge workers finished, end of stream queued")
	case <-m.closing:
	}
}

// Next implements Sequence.
func (m *SharedMerge) Next(ctx context.Context) (model.Item, bool, error) {
	if m.closed {
		return model.Item{}, false, ErrSequenceClosed
	}
	if m.exhausted {
		return model.Item{}, false, nil
	}

	m.errs.moveInto(m.bindings)
	if err := m.errs.failure(); err != nil {
		m.exhausted = true
		m.stop()
		return model.Item{}, false, err
	}

	select {
	case env := <-m.queue:
		if !env.end {
			return env.item, true, nil
		}
		m.exhausted = true
		<-m.terminated
		m.errs.moveInto(m.bindings)
		if err := m.errs.failure(); err != nil {
			return model.Item{}, false, err
		}
		return model.Item{}, false, nil
	case <-ctx.Done():
		m.cfg.Logger.Info("merge consumer interrupted", "reason", ctx.Err())
		return model.Item{}, false, ctx.Err()
	}
}

// stop cancels the workers and waits for the terminator.
func (m *SharedMerge) stop() {
	m.closeOnce.Do(func() { close(m.closing) })
	m.pool.stop()
	<-m.terminated
}

// Close stops the workers, unblocking any that wait on the full queue.
func (m *SharedMerge) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.exhausted = true
	m.stop()
	m.errs.moveInto(m.bindings)
	return nil
}
