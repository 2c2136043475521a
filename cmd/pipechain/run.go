package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/database"
	applog "github.com/nao1215/pipechain/internal/log"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
	"github.com/nao1215/pipechain/internal/pipes"
	"github.com/nao1215/pipechain/internal/report"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [definition...]",
		Short: "Run one or more pipeline definitions",
		Long: `Run loads pipeline definition files, builds their stages and executes them.

Without arguments, pipechain.yaml is looked up in the current directory and
then in the XDG config directory. Several definitions run concurrently
(see --batch). Engine flags give the defaults; the engine section of a
definition overrides them.

Every run is recorded in the history database unless --no-save is given.
A summary is written to stdout when all runs have finished.

Examples:
  # Run pipechain.yaml from the current directory
  pipechain run

  # Run two definitions and print every item as it is produced
  pipechain run -p digests.yaml links.yaml

  # Merge with one shared queue, cancelling siblings on the first failure
  pipechain run --strategy shared --policy fail-fast merge.yaml

  # Write a Markdown summary to a file
  pipechain run -m -o reports/nightly.md nightly.yaml`,
		Args: cobra.ArbitraryArgs,
		RunE: runRunCmd,
	}

	// Engine flags
	cmd.Flags().IntP("workers", "w", config.DefaultWorkers,
		"Fan-in worker pool size")
	cmd.Flags().Int("queue-capacity", config.DefaultQueueCapacity,
		"Bound of every fan-in queue")
	cmd.Flags().Duration("completion-timeout", config.DefaultCompletionTimeout,
		"How long a merge waits for its workers (0 = no limit)")
	cmd.Flags().Duration("poll-interval", config.DefaultPollInterval,
		"Longest single wait of the queue strategy")
	cmd.Flags().String("strategy", config.StrategyQueue,
		"Merge strategy: queue or shared")
	cmd.Flags().String("policy", config.PolicyTolerate,
		"Failure policy of merges: tolerate or fail-fast")
	cmd.Flags().DurationP("delay", "d", 0,
		"Pause after every item a chain emits")

	// Run flags
	cmd.Flags().IntP("max-items", "n", 0,
		"Stop each run after this many items (0 = no limit)")
	cmd.Flags().Bool("stop-on-error", false,
		"End a run on the first stage error")
	cmd.Flags().IntP("batch", "b", config.DefaultBatchSize,
		"Number of definitions run concurrently")
	cmd.Flags().BoolP("print", "p", false,
		"Print every item as it is produced")

	// History flags
	cmd.Flags().String("db-dir", "",
		"History database directory (default: XDG data directory)")
	cmd.Flags().Bool("no-save", false,
		"Do not record the runs in the history database")

	// Report flags
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON summary (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown summary (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write the summary to the specified file path (creates directories if needed)")

	return cmd
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg.Verbose)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runPipelines(ctx, cfg, logger, cmd.OutOrStdout())
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig creates a Config from cobra command flags.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	var err error
	if cfg.Engine.Workers, err = flags.GetInt("workers"); err != nil {
		return nil, err
	}
	if cfg.Engine.QueueCapacity, err = flags.GetInt("queue-capacity"); err != nil {
		return nil, err
	}
	if cfg.Engine.CompletionTimeout, err = flags.GetDuration("completion-timeout"); err != nil {
		return nil, err
	}
	if cfg.Engine.PollInterval, err = flags.GetDuration("poll-interval"); err != nil {
		return nil, err
	}
	if cfg.Engine.Strategy, err = flags.GetString("strategy"); err != nil {
		return nil, err
	}
	if cfg.Engine.Policy, err = flags.GetString("policy"); err != nil {
		return nil, err
	}
	if cfg.Engine.Delay, err = flags.GetDuration("delay"); err != nil {
		return nil, err
	}

	if cfg.MaxItems, err = flags.GetInt("max-items"); err != nil {
		return nil, err
	}
	if cfg.StopOnError, err = flags.GetBool("stop-on-error"); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = flags.GetInt("batch"); err != nil {
		return nil, err
	}
	if cfg.PrintItems, err = flags.GetBool("print"); err != nil {
		return nil, err
	}

	dbDir, err := flags.GetString("db-dir")
	if err != nil {
		return nil, err
	}
	if dbDir != "" {
		cfg.DBDir = dbDir
	}
	noSave, err := flags.GetBool("no-save")
	if err != nil {
		return nil, err
	}
	cfg.SaveToDB = !noSave

	if cfg.JSONReport, err = flags.GetBool("json"); err != nil {
		return nil, err
	}
	if cfg.MarkdownReport, err = flags.GetBool("markdown"); err != nil {
		return nil, err
	}
	if cfg.ReportFile, err = flags.GetString("output"); err != nil {
		return nil, err
	}

	cfg.Verbose = getVerboseFlag(cmd)

	// Without arguments fall back to the default locations. Validate
	// reports ErrNoDefinition when nothing is found.
	cfg.Definitions = args
	if len(args) == 0 {
		if path := config.FindDefinitionFile(""); path != "" {
			cfg.Definitions = []string{path}
		}
	}

	return cfg, nil
}

// setupLogger creates a structured logger that masks credentials.
func setupLogger(w io.Writer, verbose bool) *slog.Logger {
	return applog.NewSecureLogger(w, verbose)
}

// pipelineRun is one definition ready to execute.
type pipelineRun struct {
	def      *config.Definition
	driver   *pipeline.Driver
	recorder *database.Recorder
}

// runPipelines loads, runs, records and summarizes every definition.
func runPipelines(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	defs := make([]*config.Definition, 0, len(cfg.Definitions))
	for _, path := range cfg.Definitions {
		def, err := config.LoadDefinition(path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}

	logger.Info("starting run",
		"definitions", cfg.Definitions,
		"batchSize", cfg.BatchSize,
		"saveToDB", cfg.SaveToDB,
	)

	var db *database.RunDB
	if cfg.SaveToDB {
		var err error
		db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		logger.Info("database opened", "dir", cfg.DBDir)
	}

	var printMu sync.Mutex
	factory := pipes.NewFactory(
		pipes.WithLogger(logger),
		pipes.WithEngine(cfg.Engine),
	)

	runs := make([]*pipelineRun, 0, len(defs))
	for _, def := range defs {
		var printer pipeline.Sink
		if cfg.PrintItems {
			prefix := ""
			if len(defs) > 1 {
				prefix = def.Name
			}
			printer = newItemPrinter(stdout, &printMu, prefix)
		}
		run, err := newPipelineRun(factory, def, cfg, db, printer, logger)
		if err != nil {
			return err
		}
		runs = append(runs, run)
	}

	var (
		reports []*model.RunReport
		err     error
	)
	if len(runs) > 1 && cfg.BatchSize > 1 {
		reports, err = runBatch(ctx, cfg, runs, logger)
	} else {
		reports, err = runSequential(ctx, runs, logger)
	}

	saveRuns(ctx, runs, reports, logger)

	if rerr := outputReport(cfg, stdout, reports); rerr != nil {
		logger.Error("report failed", "error", rerr)
		if err == nil {
			err = rerr
		}
	}
	if err != nil {
		return err
	}
	return runFailures(reports)
}

// newPipelineRun builds the stages of def and wires its driver to the
// history recorder and the item printer.
func newPipelineRun(
	factory *pipes.Factory,
	def *config.Definition,
	cfg *config.Config,
	db *database.RunDB,
	printer pipeline.Sink,
	logger *slog.Logger,
) (*pipelineRun, error) {
	root, err := factory.BuildDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Path, err)
	}

	maxItems := cfg.MaxItems
	if def.MaxItems > 0 {
		maxItems = def.MaxItems
	}

	run := &pipelineRun{def: def}
	sink := pipeline.Discard
	if printer != nil {
		sink = printer
	}
	if db != nil {
		opts := []database.RecorderOption{database.WithRecorderLogger(logger)}
		if printer != nil {
			opts = append(opts, database.WithNext(printer))
		}
		run.recorder = database.NewRecorder(db, opts...)
		sink = run.recorder
	}

	run.driver = pipeline.NewDriver(root, sink,
		pipeline.WithLogger(logger),
		pipeline.WithRunName(def.Name, def.RunMode()),
		pipeline.WithMaxItems(maxItems),
		pipeline.WithStopOnError(cfg.StopOnError),
	)
	return run, nil
}

// runSequential runs the pipelines one at a time.
func runSequential(ctx context.Context, runs []*pipelineRun, logger *slog.Logger) ([]*model.RunReport, error) {
	reports := make([]*model.RunReport, 0, len(runs))
	for _, run := range runs {
		select {
		case <-ctx.Done():
			return reports, ctx.Err()
		default:
		}

		report, err := run.driver.Run(ctx)
		if err != nil {
			logger.Error("pipeline failed", "pipeline", report.Pipeline, "error", err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// runBatch runs the pipelines concurrently using BatchProcessor.
func runBatch(ctx context.Context, cfg *config.Config, runs []*pipelineRun, logger *slog.Logger) ([]*model.RunReport, error) {
	drivers := make([]*pipeline.Driver, len(runs))
	for i, run := range runs {
		drivers[i] = run.driver
	}

	bp := pipeline.NewBatchProcessor(
		pipeline.WithConcurrency(cfg.BatchSize),
		pipeline.WithBatchLogger(logger),
	)
	return bp.ProcessBatch(ctx, drivers)
}

// saveRuns stores the final summary of every finished run, cancelled runs
// included.
func saveRuns(ctx context.Context, runs []*pipelineRun, reports []*model.RunReport, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for i, report := range reports {
		if report == nil || i >= len(runs) || runs[i].recorder == nil {
			continue
		}
		if err := runs[i].recorder.Flush(ctx, report); err != nil {
			logger.Error("failed to save run", "pipeline", report.Pipeline, "error", err)
			continue
		}
		logger.Info("run saved to database", "pipeline", report.Pipeline, "run_id", report.ID)
	}
}

// runFailures turns failed and cancelled runs into the command's error.
func runFailures(reports []*model.RunReport) error {
	var failed, cancelled, total int
	for _, r := range reports {
		if r == nil {
			continue
		}
		total++
		switch r.Status {
		case model.RunStatusFailed:
			failed++
		case model.RunStatusCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return fmt.Errorf("%d of %d pipelines cancelled", cancelled, total)
	case failed > 0:
		return fmt.Errorf("%d of %d pipelines failed", failed, total)
	}
	return nil
}

// newReportWriter selects the summary format.
func newReportWriter(cfg *config.Config, output io.Writer) report.Writer {
	switch {
	case cfg.JSONReport:
		return report.NewJSONWriter(output, report.WithPrettyPrint())
	case cfg.MarkdownReport:
		return report.NewMarkdownWriter(output)
	default:
		return report.NewSimpleWriter(output, report.WithVerbose(cfg.Verbose))
	}
}

// outputReport writes the run summaries in the requested format.
func outputReport(cfg *config.Config, stdout io.Writer, reports []*model.RunReport) error {
	reports = slices.DeleteFunc(slices.Clone(reports), func(r *model.RunReport) bool {
		return r == nil
	})
	if len(reports) == 0 {
		return nil
	}

	output := stdout
	if cfg.ReportFile != "" {
		dir := filepath.Dir(cfg.ReportFile)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		// Create/overwrite the output file with owner-only permissions (0600)
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	w := newReportWriter(cfg, output)
	var err error
	if len(reports) == 1 {
		_, err = w.Write(reports[0])
	} else {
		_, err = w.WriteBatch(reports)
	}
	return err
}

// itemPrinter is a pipeline.Sink that writes one tab separated line per
// item. Printers of a batch share one mutex so lines never interleave.
type itemPrinter struct {
	out    io.Writer
	mu     *sync.Mutex
	prefix string
}

func newItemPrinter(out io.Writer, mu *sync.Mutex, prefix string) *itemPrinter {
	return &itemPrinter{out: out, mu: mu, prefix: prefix}
}

// Item implements pipeline.Sink.
func (p *itemPrinter) Item(_ context.Context, item model.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prefix != "" {
		_, err := fmt.Fprintf(p.out, "%s\t%s\t%s\t%s\n", p.prefix, item.Stage, item.ID, item.Value)
		return err
	}
	_, err := fmt.Fprintf(p.out, "%s\t%s\t%s\n", item.Stage, item.ID, item.Value)
	return err
}

// Error implements pipeline.Sink. Errors are listed in the summary.
func (p *itemPrinter) Error(_ context.Context, _ model.StageError) error {
	return nil
}
