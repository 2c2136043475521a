package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/pipechain/internal/model"
)

// SimpleWriter outputs plain text summaries for terminal display.
// It uses ASCII rules rather than ANSI colors so output can be piped.
type SimpleWriter struct {
	baseWriter

	// showEmpty prints the stage and error sections even when empty.
	showEmpty bool

	// verbose prints the fatal error and timing details.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty configures the writer to show empty sections.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs one run summary.
func (w *SimpleWriter) Write(report *model.RunReport) (int, error) {
	var sb strings.Builder
	w.writeRun(&sb, report)
	return io.WriteString(w.output, sb.String())
}

// WriteBatch outputs every run followed by the totals.
func (w *SimpleWriter) WriteBatch(reports []*model.RunReport) (int, error) {
	var sb strings.Builder
	for _, r := range reports {
		if r != nil {
			w.writeRun(&sb, r)
		}
	}
	w.writeTotals(&sb, NewTotals(reports))
	return io.WriteString(w.output, sb.String())
}

func (w *SimpleWriter) writeRun(sb *strings.Builder, report *model.RunReport) {
	w.writeHeader(sb, report)
	w.writeStages(sb, report)
	w.writeErrors(sb, report)
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}

// writeHeader writes the run identification and counts.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.RunReport) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	fmt.Fprintf(sb, "PIPELINE %s\n", report.Pipeline)
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	if report.ID != 0 {
		fmt.Fprintf(sb, "Run ID:    %d\n", report.ID)
	}
	fmt.Fprintf(sb, "Mode:      %s\n", report.Mode)
	fmt.Fprintf(sb, "Started:   %s\n", report.StartedAt.Format(timeLayout))
	fmt.Fprintf(sb, "Duration:  %s\n", report.Duration().Round(msRound))
	fmt.Fprintf(sb, "Items:     %d\n", report.ItemCount)
	fmt.Fprintf(sb, "Errors:    %d\n", len(report.Errors))
	fmt.Fprintf(sb, "Status:    [%s] %s\n", statusIndicator(report.Status), strings.ToUpper(string(report.Status)))
	if report.ModifiesState {
		fmt.Fprintf(sb, "Persisted: %t\n", report.Persisted)
	}
	if report.FatalError != "" {
		msg := report.FatalError
		if !w.verbose {
			msg = truncateString(msg, 120)
		}
		fmt.Fprintf(sb, "Reason:    %s\n", msg)
	}
	if w.verbose {
		fmt.Fprintf(sb, "Finished:  %s\n", report.FinishedAt.Format(timeLayout))
	}
	sb.WriteString("\n")
}

// writeStages writes the item count of every producing stage.
func (w *SimpleWriter) writeStages(sb *strings.Builder, report *model.RunReport) {
	names := report.StageNames()
	if len(names) == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("ITEMS BY STAGE\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if len(names) == 0 {
		sb.WriteString("  No items\n\n")
		return
	}
	width := 0
	for _, name := range names {
		width = max(width, len(name))
	}
	for _, name := range names {
		fmt.Fprintf(sb, "  %-*s  %d\n", width, name, report.ItemsByStage[name])
	}
	sb.WriteString("\n")
}

// writeErrors writes the drained stage errors.
func (w *SimpleWriter) writeErrors(sb *strings.Builder, report *model.RunReport) {
	if len(report.Errors) == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("STAGE ERRORS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if len(report.Errors) == 0 {
		sb.WriteString("  No errors\n\n")
		return
	}
	for _, e := range report.Errors {
		stage := e.Stage
		if stage == "" {
			stage = "?"
		}
		fmt.Fprintf(sb, "  [!] %s: %s\n", stage, e.Message)
	}
	sb.WriteString("\n")
}

// writeTotals writes the batch totals.
func (w *SimpleWriter) writeTotals(sb *strings.Builder, t Totals) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	fmt.Fprintf(sb, "TOTAL: %d runs, %d items, %d errors\n", t.Runs, t.Items, t.Errors)
	for _, status := range statusOrder {
		if n := t.ByStatus[string(status)]; n > 0 || w.showEmpty {
			fmt.Fprintf(sb, "  [%s] %-9s %d\n", statusIndicator(status), status, n)
		}
	}
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}

// statusIndicator returns a short marker for a run status.
func statusIndicator(status model.RunStatus) string {
	switch status {
	case model.RunStatusComplete:
		return "ok"
	case model.RunStatusPartial:
		return "!"
	case model.RunStatusFailed:
		return "!!!"
	case model.RunStatusCancelled:
		return "-"
	default:
		return "?"
	}
}
