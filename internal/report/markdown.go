package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/pipechain/internal/model"
)

// MarkdownWriter outputs run summaries in GitHub-flavored Markdown, built
// with nao1215/markdown: property tables, a mermaid pie chart of items per
// stage and an alert matching the run status.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs one run summary.
func (w *MarkdownWriter) Write(report *model.RunReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Pipeline Run: " + report.Pipeline)
	md.PlainText("")
	w.writeRun(md, report)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// WriteBatch outputs a table of all runs and a section per run.
func (w *MarkdownWriter) WriteBatch(reports []*model.RunReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Pipeline Batch")
	md.PlainText("")
	w.writeTotals(md, reports)

	for _, r := range reports {
		if r == nil {
			continue
		}
		md.H2(r.Pipeline)
		md.PlainText("")
		w.writeRun(md, r)
	}
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeRun(md *markdown.Markdown, report *model.RunReport) {
	w.writeProperties(md, report)
	w.writeAlert(md, report)
	w.writeStages(md, report)
	w.writeErrors(md, report)
}

// writeProperties writes the run property table.
func (w *MarkdownWriter) writeProperties(md *markdown.Markdown, report *model.RunReport) {
	rows := [][]string{
		{"Mode", report.Mode},
		{"Status", statusText(report.Status)},
		{"Started", report.StartedAt.Format(timeLayout)},
		{"Duration", report.Duration().Round(msRound).String()},
		{"Items", strconv.Itoa(report.ItemCount)},
		{"Errors", strconv.Itoa(len(report.Errors))},
	}
	if report.ID != 0 {
		rows = append([][]string{{"Run ID", strconv.FormatInt(report.ID, 10)}}, rows...)
	}
	if report.ModifiesState {
		rows = append(rows, []string{"Persisted", strconv.FormatBool(report.Persisted)})
	}

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

// statusText returns the display text of a run status.
func statusText(status model.RunStatus) string {
	switch status {
	case model.RunStatusComplete:
		return "✅ Complete"
	case model.RunStatusPartial:
		return "⚠️ Partial"
	case model.RunStatusFailed:
		return "❌ Failed"
	case model.RunStatusCancelled:
		return "⏹️ Cancelled"
	default:
		return string(status)
	}
}

// writeAlert writes an alert matching the run status.
func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *model.RunReport) {
	switch report.Status {
	case model.RunStatusFailed:
		md.Cautionf("The run aborted: %s", report.FatalError)
	case model.RunStatusCancelled:
		md.Importantf("The run was cancelled after %d item(s).", report.ItemCount)
	case model.RunStatusPartial:
		if len(report.Errors) > 0 {
			md.Warningf("%d stage error(s) were reported. Output is incomplete.", len(report.Errors))
		} else {
			md.Note("The run stopped at its item limit.")
		}
	default:
		md.Tip("Every stage was drained without errors.")
	}
	md.PlainText("")
}

// writeStages writes the per-stage item table and pie chart.
func (w *MarkdownWriter) writeStages(md *markdown.Markdown, report *model.RunReport) {
	names := report.StageNames()
	md.PlainText("### Items by Stage")
	md.PlainText("")

	if len(names) == 0 {
		md.PlainText("No items were produced.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{"`" + name + "`", strconv.Itoa(report.ItemsByStage[name])}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Stage", "Items"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(names) > 1 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Items per Stage"),
			piechart.WithShowData(true),
		)
		for _, name := range names {
			chart.LabelAndIntValue(name, uint64(report.ItemsByStage[name]))
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}
}

// writeErrors writes the stage error table.
func (w *MarkdownWriter) writeErrors(md *markdown.Markdown, report *model.RunReport) {
	if len(report.Errors) == 0 {
		return
	}

	md.PlainText("### Stage Errors")
	md.PlainText("")

	rows := make([][]string, len(report.Errors))
	for i, e := range report.Errors {
		stage := e.Stage
		if stage == "" {
			stage = "-"
		}
		rows[i] = []string{"`" + stage + "`", truncateString(e.Message, 100)}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Stage", "Error"},
		Rows:   rows,
	})
	md.PlainText("")

	for _, e := range report.Errors {
		if len(e.Message) > 100 {
			md.Details(e.Stage, e.Message)
		}
	}
}

// writeTotals writes the batch overview table.
func (w *MarkdownWriter) writeTotals(md *markdown.Markdown, reports []*model.RunReport) {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		if r == nil {
			continue
		}
		rows = append(rows, []string{
			r.Pipeline,
			statusText(r.Status),
			strconv.Itoa(r.ItemCount),
			strconv.Itoa(len(r.Errors)),
			r.Duration().Round(msRound).String(),
		})
	}
	t := NewTotals(reports)
	rows = append(rows, []string{
		"**Total**",
		fmt.Sprintf("%d run(s)", t.Runs),
		"**" + strconv.Itoa(t.Items) + "**",
		"**" + strconv.Itoa(t.Errors) + "**",
		t.Elapsed.Round(msRound).String(),
	})

	md.Table(markdown.TableSet{
		Header: []string{"Pipeline", "Status", "Items", "Errors", "Duration"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [pipechain](https://github.com/nao1215/pipechain)*")
}
