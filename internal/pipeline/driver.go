package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nao1215/pipechain/internal/model"
)

// ErrNoRootStage is returned by Run when the driver has nothing to execute.
var ErrNoRootStage = errors.New("no root stage")

// Driver executes a root stage once, feeding every produced item and every
// drained error to a Sink. It owns the before/after hooks of the stages
// beneath the root.
type Driver struct {
	// root is the stage whose sequence is traversed.
	root Stage

	// sink receives items and errors.
	sink Sink

	// logger is used for structured logging during execution.
	logger *slog.Logger

	// name and mode label the run report.
	name string
	mode string

	// stopOnError ends the run after the first stage error is drained.
	// Stage errors are otherwise non-fatal.
	stopOnError bool

	// maxItems stops the run after this many items. Zero means no limit.
	maxItems int
}

// Option is a function that configures a Driver.
type Option func(*Driver)

// WithLogger sets a custom logger for the driver.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithStopOnError makes the first drained stage error end the run.
func WithStopOnError(stop bool) Option {
	return func(d *Driver) {
		d.stopOnError = stop
	}
}

// WithMaxItems limits the number of items pulled from the root stage.
func WithMaxItems(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxItems = n
		}
	}
}

// WithRunName labels the run report.
func WithRunName(name, mode string) Option {
	return func(d *Driver) {
		d.name = name
		d.mode = mode
	}
}

// NewDriver creates a Driver for root writing to sink.
// A nil sink discards output.
func NewDriver(root Stage, sink Sink, opts ...Option) *Driver {
	d := &Driver{
		root: root,
		sink: sink,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.sink == nil {
		d.sink = NewMemorySink()
	}
	if d.name == "" && root != nil {
		d.name = root.Name()
	}
	return d
}

// Stages returns the root and every stage beneath it in build order.
func (d *Driver) Stages() []Stage {
	var stages []Stage
	Walk(d.root, func(s Stage) {
		stages = append(stages, s)
	})
	return stages
}

// ModifiesState reports whether any owned stage modifies state.
func (d *Driver) ModifiesState() bool {
	return d.root != nil && d.root.ModifiesState()
}

// Run traverses the root stage once.
//
// Before hooks run in build order, After hooks in reverse order, each
// exactly once, including when the run fails or is cancelled. The returned
// report is never nil. The error is non-nil when the run aborted.
func (d *Driver) Run(ctx context.Context) (*model.RunReport, error) {
	report := model.NewRunReport(d.name, d.mode)
	if d.root == nil {
		report.Fail(ErrNoRootStage)
		report.Finish()
		return report, ErrNoRootStage
	}
	report.ModifiesState = d.root.ModifiesState()

	d.logger.Info("pipeline started",
		"pipeline", d.name,
		"mode", d.mode,
		"stages", len(d.Stages()),
	)

	started, err := d.before(ctx)
	if err == nil {
		err = d.traverse(ctx, report)
	}
	if afterErr := d.after(ctx, started); afterErr != nil && err == nil {
		err = afterErr
	}

	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		report.Status = model.RunStatusCancelled
		report.FatalError = err.Error()
	default:
		report.Fail(err)
	}

	if err == nil && report.ModifiesState {
		if p, ok := d.sink.(Persister); ok {
			if perr := p.Persist(ctx, report); perr != nil {
				err = fmt.Errorf("failed to persist run: %w", perr)
				report.Fail(err)
			} else {
				report.Persisted = true
			}
		}
	}

	report.Finish()
	d.logger.Info("pipeline finished",
		"pipeline", d.name,
		"status", report.Status,
		"items", report.ItemCount,
		"errors", len(report.Errors),
		"elapsed", report.Duration(),
	)
	return report, err
}

// before runs Before hooks in build order. It returns the hooks that ran so
// that their After counterparts can be called.
func (d *Driver) before(ctx context.Context) ([]Hooks, error) {
	var started []Hooks
	for _, s := range d.Stages() {
		h, ok := s.(Hooks)
		if !ok {
			continue
		}
		d.logger.Debug("running before hook", "stage", s.Name())
		if err := h.Before(ctx); err != nil {
			return started, fmt.Errorf("before hook of stage %q failed: %w", s.Name(), err)
		}
		started = append(started, h)
	}
	return started, nil
}

// after runs the After hooks of started in reverse order. Every hook runs
// even if an earlier one fails; the first error is returned.
func (d *Driver) after(ctx context.Context, started []Hooks) error {
	var firstErr error
	for _, h := range slices.Backward(started) {
		if err := h.After(context.WithoutCancel(ctx)); err != nil {
			d.logger.Error("after hook failed", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("after hook failed: %w", err)
			}
		}
	}
	return firstErr
}

// traverse pulls the root sequence to exhaustion.
func (d *Driver) traverse(ctx context.Context, report *model.RunReport) (err error) {
	bindings := NewBindings()
	seq, err := d.root.Produce(ctx, nil, bindings)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if seq == nil {
		return nil
	}
	defer func() {
		if cerr := closeSequence(seq); cerr != nil && err == nil {
			err = cerr
		}
		if derr := d.drainErrors(ctx, bindings, report); derr != nil && err == nil {
			err = derr
		}
	}()

	for {
		// Check for cancellation before pulling each item
		select {
		case <-ctx.Done():
			d.logger.Warn("pipeline cancelled",
				"pipeline", d.name,
				"reason", ctx.Err(),
			)
			return ctx.Err()
		default:
		}

		item, ok, nextErr := seq.Next(ctx)
		if err := d.drainErrors(ctx, bindings, report); err != nil {
			return err
		}
		if nextErr != nil {
			return nextErr
		}
		if !ok {
			return nil
		}

		report.AddItem(item)
		d.logger.Debug("item produced",
			"stage", item.Stage,
			"id", item.ID,
		)
		if err := d.sink.Item(ctx, item); err != nil {
			return fmt.Errorf("sink rejected item %q: %w", item.ID, err)
		}

		if d.maxItems > 0 && report.ItemCount >= d.maxItems {
			d.logger.Info("item limit reached", "limit", d.maxItems)
			if report.Status == model.RunStatusComplete {
				report.Status = model.RunStatusPartial
			}
			return nil
		}
	}
}

// drainErrors reports every error pending in bindings.
func (d *Driver) drainErrors(ctx context.Context, b *Bindings, report *model.RunReport) error {
	pending := b.TakeError()
	if pending == nil {
		return nil
	}
	for _, se := range StageErrors(pending) {
		d.logger.Warn("stage failed",
			"stage", se.Stage,
			"error", se.Message,
		)
		report.AddError(se)
		if err := d.sink.Error(ctx, se); err != nil {
			return fmt.Errorf("sink rejected error: %w", err)
		}
		if d.stopOnError {
			return se
		}
	}
	return nil
}
