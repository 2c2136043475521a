package config

import "time"

// Merge strategies.
const (
	StrategyQueue  = "queue"
	StrategyShared = "shared"
)

// Failure policies.
const (
	PolicyTolerate = "tolerate"
	PolicyFailFast = "fail-fast"
)

// Engine holds the execution tunables shared by every pipeline of a run.
// A definition file may override any of them; zero values in an override
// keep the inherited value.
type Engine struct {
	// Workers is the fan-in worker pool size.
	Workers int `yaml:"workers,omitempty"`

	// QueueCapacity bounds every fan-in queue. Producers block when it is full.
	QueueCapacity int `yaml:"queueCapacity,omitempty"`

	// CompletionTimeout bounds how long a merge waits for its workers.
	// Zero waits without a limit.
	CompletionTimeout time.Duration `yaml:"completionTimeout,omitempty"`

	// PollInterval bounds a single consumer wait of the queue strategy.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`

	// Strategy is "queue" (per-worker queues) or "shared" (one queue with
	// an end-of-stream marker).
	Strategy string `yaml:"strategy,omitempty"`

	// Policy is "tolerate" (keep merging after a worker fails) or
	// "fail-fast" (cancel every worker on the first failure).
	Policy string `yaml:"policy,omitempty"`

	// Delay is the pause after every item a chain emits.
	Delay time.Duration `yaml:"delay,omitempty"`
}

// NewEngine returns the default tunables.
func NewEngine() Engine {
	return Engine{
		Workers:           DefaultWorkers,
		QueueCapacity:     DefaultQueueCapacity,
		CompletionTimeout: DefaultCompletionTimeout,
		PollInterval:      DefaultPollInterval,
		Strategy:          StrategyQueue,
		Policy:            PolicyTolerate,
	}
}

// Override returns e with every non-zero field of o applied.
func (e Engine) Override(o Engine) Engine {
	if o.Workers != 0 {
		e.Workers = o.Workers
	}
	if o.QueueCapacity != 0 {
		e.QueueCapacity = o.QueueCapacity
	}
	if o.CompletionTimeout != 0 {
		e.CompletionTimeout = o.CompletionTimeout
	}
	if o.PollInterval != 0 {
		e.PollInterval = o.PollInterval
	}
	if o.Strategy != "" {
		e.Strategy = o.Strategy
	}
	if o.Policy != "" {
		e.Policy = o.Policy
	}
	if o.Delay != 0 {
		e.Delay = o.Delay
	}
	return e
}

// Validate checks a complete set of tunables.
func (e Engine) Validate() error {
	if e.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if e.QueueCapacity <= 0 {
		return ErrInvalidQueueCapacity
	}
	return e.validatePartial()
}

// validatePartial checks an override, where zero values are allowed.
func (e Engine) validatePartial() error {
	if e.Workers < 0 {
		return ErrInvalidWorkers
	}
	if e.QueueCapacity < 0 {
		return ErrInvalidQueueCapacity
	}
	if e.CompletionTimeout < 0 {
		return ErrInvalidCompletionTimeout
	}
	if e.PollInterval < 0 {
		return ErrInvalidPollInterval
	}
	switch e.Strategy {
	case "", StrategyQueue, StrategyShared:
	default:
		return ErrInvalidStrategy
	}
	switch e.Policy {
	case "", PolicyTolerate, PolicyFailFast:
	default:
		return ErrInvalidPolicy
	}
	if e.Delay < 0 {
		return ErrInvalidDelay
	}
	return nil
}
