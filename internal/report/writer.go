package report

import (
	"io"
	"time"

	"github.com/nao1215/pipechain/internal/model"
)

// Writer defines the interface for run summary output.
type Writer interface {
	// Write outputs the summary of one run.
	// Returns the number of bytes written and any error encountered.
	Write(report *model.RunReport) (int, error)

	// WriteBatch outputs the summaries of several runs followed by totals.
	WriteBatch(reports []*model.RunReport) (int, error)
}

// MultiWriter writes to multiple Writers, e.g. the terminal and a report
// file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the report to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(report *model.RunReport) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(report)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteBatch outputs the reports to all configured Writers.
func (m *MultiWriter) WriteBatch(reports []*model.RunReport) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteBatch(reports)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// Totals aggregates a batch of runs.
type Totals struct {
	Runs     int            `json:"runs"`
	Items    int            `json:"items"`
	Errors   int            `json:"errors"`
	ByStatus map[string]int `json:"by_status"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
}

// NewTotals sums up reports. Nil reports are skipped.
func NewTotals(reports []*model.RunReport) Totals {
	t := Totals{ByStatus: make(map[string]int)}
	for _, r := range reports {
		if r == nil {
			continue
		}
		t.Runs++
		t.Items += r.ItemCount
		t.Errors += len(r.Errors)
		t.ByStatus[string(r.Status)]++
		t.Elapsed += r.Duration()
	}
	return t
}

// statusOrder is the display order of run states.
var statusOrder = []model.RunStatus{
	model.RunStatusComplete,
	model.RunStatusPartial,
	model.RunStatusFailed,
	model.RunStatusCancelled,
}

const (
	timeLayout = "2006-01-02 15:04:05 MST"
	msRound    = time.Millisecond
)

// truncateString truncates a string to maxLen bytes with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
