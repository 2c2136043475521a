package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/database"
	"github.com/nao1215/pipechain/internal/model"
)

// DefaultHistoryLimit is the number of runs listed when --limit is not given.
const DefaultHistoryLimit = 20

// historyOptions holds the parsed history flags.
type historyOptions struct {
	dbDir      string
	pipeline   string
	status     string
	limit      int
	showItems  bool
	deleteRun  bool
	json       bool
	markdown   bool
	reportFile string
}

// NewHistoryCmd creates the history command.
// This command reads past runs from the history database.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs or show one run",
		Long: `History reads the runs recorded by 'pipechain run'.

Without arguments it lists the most recent runs, newest first. With a run ID
it prints the summary of that run and, with --items, the items it produced.

Examples:
  # List the last 20 runs
  pipechain history

  # List failed runs of one pipeline
  pipechain history --pipeline nightly --status failed

  # Show run 7 with its items
  pipechain history --items 7

  # Export run 7 as JSON
  pipechain history --json 7

  # Remove run 7 from the history
  pipechain history --delete 7`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistoryCmd,
	}

	// Listing flags
	cmd.Flags().StringP("pipeline", "P", "",
		"Only list runs of this pipeline")
	cmd.Flags().StringP("status", "s", "",
		"Only list runs that ended in this status (complete, partial, failed, cancelled)")
	cmd.Flags().IntP("limit", "l", DefaultHistoryLimit,
		"Maximum number of runs to list (0 = all)")

	// Single run flags
	cmd.Flags().BoolP("items", "i", false,
		"Print the items recorded for the run")
	cmd.Flags().Bool("delete", false,
		"Delete the run from the history")

	// Output format flags
	cmd.Flags().BoolP("json", "j", false,
		"Output the run summary in JSON format")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output the run summary in Markdown format")
	cmd.Flags().StringP("output", "o", "",
		"Write the run summary to the specified file path")

	cmd.Flags().String("db-dir", "",
		"History database directory (default: XDG data directory)")

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, args []string) error {
	opts, err := parseHistoryFlags(cmd)
	if err != nil {
		return err
	}

	// Validate arguments before opening the database
	var runID int64
	if len(args) == 1 {
		runID, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil || runID <= 0 {
			return fmt.Errorf("invalid run ID: %q", args[0])
		}
	}
	if opts.deleteRun && runID == 0 {
		return errors.New("--delete requires a run ID")
	}
	if opts.json && opts.markdown {
		return config.ErrConflictingFormats
	}
	if opts.showItems && opts.json {
		return errors.New("--items cannot be combined with --json")
	}
	if opts.status != "" && !validStatus(model.RunStatus(opts.status)) {
		return fmt.Errorf("invalid status: %q", opts.status)
	}

	dbOpts := database.DefaultOptions()
	dbOpts.CreateIfNotExists = false
	db, err := database.Open(opts.dbDir, dbOpts)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	switch {
	case opts.deleteRun:
		if err := db.DeleteRun(ctx, runID); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		fmt.Fprintf(out, "Deleted run %d\n", runID)
		return nil
	case runID > 0:
		return showRun(ctx, db, runID, opts, out)
	default:
		return listRuns(ctx, db, opts, out)
	}
}

// parseHistoryFlags reads the history flags.
func parseHistoryFlags(cmd *cobra.Command) (historyOptions, error) {
	flags := cmd.Flags()
	opts := historyOptions{dbDir: config.XDGDataDir()}

	dbDir, err := flags.GetString("db-dir")
	if err != nil {
		return opts, err
	}
	if dbDir != "" {
		opts.dbDir = dbDir
	}
	if opts.pipeline, err = flags.GetString("pipeline"); err != nil {
		return opts, err
	}
	if opts.status, err = flags.GetString("status"); err != nil {
		return opts, err
	}
	if opts.limit, err = flags.GetInt("limit"); err != nil {
		return opts, err
	}
	if opts.showItems, err = flags.GetBool("items"); err != nil {
		return opts, err
	}
	if opts.deleteRun, err = flags.GetBool("delete"); err != nil {
		return opts, err
	}
	if opts.json, err = flags.GetBool("json"); err != nil {
		return opts, err
	}
	if opts.markdown, err = flags.GetBool("markdown"); err != nil {
		return opts, err
	}
	if opts.reportFile, err = flags.GetString("output"); err != nil {
		return opts, err
	}
	return opts, nil
}

func validStatus(status model.RunStatus) bool {
	switch status {
	case model.RunStatusComplete, model.RunStatusPartial,
		model.RunStatusFailed, model.RunStatusCancelled:
		return true
	default:
		return false
	}
}

// listRuns prints a table of recorded runs.
func listRuns(ctx context.Context, db *database.RunDB, opts historyOptions, out io.Writer) error {
	runs, err := db.ListRuns(ctx, database.RunFilter{
		Pipeline: opts.pipeline,
		Status:   model.RunStatus(opts.status),
		Limit:    opts.limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in the history.")
		fmt.Fprintln(out, "\nUse 'pipechain run <definition>' to run a pipeline.")
		return nil
	}

	fmt.Fprintf(out, "Run history (%d runs):\n\n", len(runs))
	fmt.Fprintf(out, "  %-6s  %-24s  %-9s  %7s  %6s  %s\n",
		"ID", "Pipeline", "Status", "Items", "Errors", "Started")
	fmt.Fprintln(out, "  "+strings.Repeat("-", 76))

	for _, run := range runs {
		fmt.Fprintf(out, "  %-6d  %-24s  %-9s  %7d  %6d  %s\n",
			run.ID,
			truncateName(run.Pipeline, 24),
			run.Status,
			run.ItemCount,
			run.ErrorCount,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	fmt.Fprintln(out, "\nUse 'pipechain history <id>' to show a run.")
	return nil
}

// showRun prints the summary of one run and optionally its items.
func showRun(ctx context.Context, db *database.RunDB, id int64, opts historyOptions, out io.Writer) error {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	cfg := &config.Config{
		JSONReport:     opts.json,
		MarkdownReport: opts.markdown,
		ReportFile:     opts.reportFile,
	}
	if err := outputReport(cfg, out, []*model.RunReport{run}); err != nil {
		return err
	}

	if !opts.showItems {
		return nil
	}
	items, err := db.GetRunItems(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get run items: %w", err)
	}
	return printItems(out, items, run.ItemCount)
}

// printItems writes the stored items of a run.
func printItems(out io.Writer, items []model.Item, total int) error {
	if _, err := fmt.Fprintf(out, "Items (%d stored", len(items)); err != nil {
		return err
	}
	if total > len(items) {
		fmt.Fprintf(out, " of %d", total)
	}
	fmt.Fprintln(out, "):")
	fmt.Fprintln(out)

	for _, item := range items {
		fmt.Fprintf(out, "  %s\t%s\t%s\n", item.Stage, item.ID, item.Value)
		for _, key := range item.AttrKeys() {
			fmt.Fprintf(out, "      %s=%s\n", key, item.Attr(key))
		}
	}
	return nil
}

// truncateName shortens s to maxLen runes for table columns.
func truncateName(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
