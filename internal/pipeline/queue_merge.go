package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nao1215/pipechain/internal/model"
)

// workerQueue is the bounded queue owned by one worker.
type workerQueue struct {
	stage    string
	items    chan model.Item
	finished bool
}

// QueueMerge merges workers that each own a bounded queue.
//
// The consumer scans the queues in stage order and takes from the first
// non-empty one, so earlier stages can starve later ones under sustained
// production. Only per-worker order is preserved.
//
// mu guards the finished flags: the consumer takes the read lock to ask
// whether any worker is still active, workers take the write lock to mark
// themselves finished. signal holds at most one pending wake-up; a push that
// lands between the consumer's check and its wait leaves the wake-up in the
// buffer, so the wait returns immediately and the consumer retries.
type QueueMerge struct {
	mu       sync.RWMutex
	queues   []*workerQueue
	signal   chan struct{}
	pool     *workerPool
	errs     *workerErrors
	bindings *Bindings
	cfg      FanInConfig

	exhausted   bool
	closed      bool
	timeoutSeen bool
}

func newQueueMerge(ctx context.Context, stages []Stage, upstream *model.Item, b *Bindings, cfg FanInConfig) *QueueMerge {
	m := &QueueMerge{
		queues:   make([]*workerQueue, len(stages)),
		signal:   make(chan struct{}, 1),
		errs:     &workerErrors{},
		bindings: b,
		cfg:      cfg,
	}

	tasks := make([]func(context.Context) error, len(stages))
	for i, stage := range stages {
		q := &workerQueue{
			stage: stage.Name(),
			items: make(chan model.Item, cfg.QueueCapacity),
		}
		m.queues[i] = q

		w := &worker{
			stage:    stage,
			upstream: upstream,
			bindings: b.Clone(),
			policy:   cfg.Policy,
			errs:     m.errs,
			logger:   cfg.Logger,
		}
		tasks[i] = func(ctx context.Context) error {
			defer m.finish(q)
			return w.run(ctx, func(ctx context.Context, item model.Item) error {
				return m.push(ctx, q, item)
			})
		}
	}

	m.pool = startPool(ctx, cfg, tasks)
	return m
}

// push blocks while the queue is full.
func (m *QueueMerge) push(ctx context.Context, q *workerQueue, item model.Item) error {
	select {
	case q.items <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.notify()
	return nil
}

// finish marks the worker done and wakes the consumer.
func (m *QueueMerge) finish(q *workerQueue) {
	m.mu.Lock()
	q.finished = true
	m.mu.Unlock()
	m.notify()
}

func (m *QueueMerge) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// active reports whether any queue holds items or any worker still runs.
// Once the completion timeout fired, workers that have not returned count
// as finished.
func (m *QueueMerge) active() bool {
	abandoned := m.pool.abandoned()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		if (!q.finished && !abandoned) || len(q.items) > 0 {
			return true
		}
	}
	return false
}

// poll takes from the first non-empty queue without blocking.
func (m *QueueMerge) poll() (model.Item, bool) {
	for _, q := range m.queues {
		select {
		case item := <-q.items:
			return item, true
		default:
		}
	}
	return model.Item{}, false
}

// Next implements Sequence.
func (m *QueueMerge) Next(ctx context.Context) (model.Item, bool, error) {
	if m.closed {
		return model.Item{}, false, ErrSequenceClosed
	}
	if m.exhausted {
		return model.Item{}, false, nil
	}

	wait := time.NewTimer(m.cfg.PollInterval)
	defer wait.Stop()

	for {
		m.collectErrors()
		if err := m.errs.failure(); err != nil {
			m.shutdown()
			return model.Item{}, false, err
		}

		if item, ok := m.poll(); ok {
			return item, true, nil
		}

		if !m.active() {
			m.shutdown()
			m.collectErrors()
			if err := m.errs.failure(); err != nil {
				return model.Item{}, false, err
			}
			return model.Item{}, false, nil
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(m.cfg.PollInterval)

		select {
		case <-m.signal:
		case <-wait.C:
		case <-m.pool.expired:
		case <-ctx.Done():
			m.cfg.Logger.Info("merge consumer interrupted", "reason", ctx.Err())
			return model.Item{}, false, ctx.Err()
		}
	}
}

// collectErrors moves worker errors into the consumer's bindings.
func (m *QueueMerge) collectErrors() {
	if m.pool.timedOut.Load() && !m.timeoutSeen {
		m.timeoutSeen = true
		m.errs.add(ErrMergeTimeout)
	}
	m.errs.moveInto(m.bindings)
}

// shutdown stops the pool once every worker is done or abandoned.
func (m *QueueMerge) shutdown() {
	m.exhausted = true
	m.pool.stop()
}

// Close stops the workers, unblocking any that wait on a full queue.
func (m *QueueMerge) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.exhausted = true
	m.pool.stop()
	m.errs.moveInto(m.bindings)
	return nil
}
