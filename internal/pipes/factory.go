package pipes

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/pipeline"
)

type builder func(b base, sc config.StageConfig) (pipeline.Stage, error)

var builders = map[string]builder{
	"values": newValuesStage,
	"range":  newRangeStage,
	"split":  newSplitStage,
	"match":  newMatchStage,
	"files":  newFilesStage,
	"lines":  newLinesStage,
	"links":  newLinksStage,
	"exif":   newExifStage,
	"digest": newDigestStage,
	"case":   newCaseStage,
	"query":  newQueryStage,
	"exec":   newExecStage,
}

// Types returns every stage type the factory knows, composites included.
func Types() []string {
	types := []string{config.StageTypeChain, config.StageTypeMerge}
	for t := range builders {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Factory builds pipeline stages from definition entries.
type Factory struct {
	// engine supplies the chain delay and fan-in tunables of composites.
	engine config.Engine

	// logger is handed to every stage.
	logger *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger handed to stages and fan-ins.
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithEngine sets the default tunables of composite stages.
func WithEngine(engine config.Engine) FactoryOption {
	return func(f *Factory) {
		f.engine = engine
	}
}

// NewFactory creates a Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{engine: config.NewEngine()}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// BuildDefinition builds the root stage of a definition. The definition's
// engine section overrides the factory defaults for every stage beneath it.
func (f *Factory) BuildDefinition(def *config.Definition) (pipeline.Stage, error) {
	engine := f.engine.Override(def.Engine)
	if err := engine.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
	}

	rootType := config.StageTypeChain
	if def.RunMode() == config.ModeMerge {
		rootType = config.StageTypeMerge
	}

	sub := &Factory{engine: engine, logger: f.logger}
	return sub.Build(config.StageConfig{
		Name:   def.Name,
		Type:   rootType,
		Stages: def.Stages,
	})
}

// Build builds one stage and, for composites, everything beneath it.
func (f *Factory) Build(sc config.StageConfig) (pipeline.Stage, error) {
	if sc.IsComposite() {
		return f.buildComposite(sc)
	}

	build, ok := builders[sc.Type]
	if !ok {
		return nil, fmt.Errorf("stage %q: %w: %q", sc.Name, ErrUnknownStageType, sc.Type)
	}
	stage, err := build(base{name: sc.Name, logger: f.logger}, sc)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", sc.Name, err)
	}
	return stage, nil
}

func (f *Factory) buildComposite(sc config.StageConfig) (pipeline.Stage, error) {
	engine, err := engineOptions(sc, f.engine)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", sc.Name, err)
	}

	sub := &Factory{engine: engine, logger: f.logger}
	children := make([]pipeline.Stage, 0, len(sc.Stages))
	for _, child := range sc.Stages {
		stage, err := sub.Build(child)
		if err != nil {
			return nil, fmt.Errorf("%s/%w", sc.Name, err)
		}
		children = append(children, stage)
	}

	if sc.Type == config.StageTypeMerge {
		fan, err := pipeline.NewFanInStage(sc.Name, children, FanInConfig(engine, f.logger))
		if err != nil {
			return nil, err
		}
		return fan, nil
	}

	chain, err := pipeline.NewSequentialStage(sc.Name, children,
		pipeline.WithDelay(engine.Delay),
		pipeline.WithChainLogger(f.logger),
	)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// FanInConfig converts engine tunables into fan-in settings.
func FanInConfig(engine config.Engine, logger *slog.Logger) pipeline.FanInConfig {
	return pipeline.FanInConfig{
		Workers:           engine.Workers,
		QueueCapacity:     engine.QueueCapacity,
		CompletionTimeout: engine.CompletionTimeout,
		PollInterval:      engine.PollInterval,
		Strategy:          pipeline.MergeStrategy(engine.Strategy),
		Policy:            pipeline.FailurePolicy(engine.Policy),
		Logger:            logger,
	}
}

// engineOptions applies the tunables a composite stage sets in its options.
func engineOptions(sc config.StageConfig, inherited config.Engine) (config.Engine, error) {
	var o config.Engine
	var err error

	if o.Workers, err = atoiOption(sc, "workers"); err != nil {
		return o, err
	}
	if o.QueueCapacity, err = atoiOption(sc, "queueCapacity"); err != nil {
		return o, err
	}
	if o.CompletionTimeout, err = durationOption(sc, "completionTimeout"); err != nil {
		return o, err
	}
	if o.PollInterval, err = durationOption(sc, "pollInterval"); err != nil {
		return o, err
	}
	if o.Delay, err = durationOption(sc, "delay"); err != nil {
		return o, err
	}
	o.Strategy = sc.Option("strategy", "")
	o.Policy = sc.Option("policy", "")

	engine := inherited.Override(o)
	if err := engine.Validate(); err != nil {
		return engine, fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}
	return engine, nil
}

func atoiOption(sc config.StageConfig, key string) (int, error) {
	raw := sc.Option(key, "")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidOption, key, raw)
	}
	return n, nil
}

func durationOption(sc config.StageConfig, key string) (time.Duration, error) {
	raw := sc.Option(key, "")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidOption, key, raw)
	}
	return d, nil
}
