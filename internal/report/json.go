package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/pipechain/internal/model"
)

// JSONWriter outputs run summaries as JSON.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint is WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs one run summary as a JSON object.
func (w *JSONWriter) Write(report *model.RunReport) (int, error) {
	return w.writeJSON(report)
}

// BatchReport is the JSON shape of a batch.
type BatchReport struct {
	Runs   []*model.RunReport `json:"runs"`
	Totals Totals             `json:"totals"`
}

// WriteBatch outputs the runs and their totals as one JSON object.
func (w *JSONWriter) WriteBatch(reports []*model.RunReport) (int, error) {
	runs := make([]*model.RunReport, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			runs = append(runs, r)
		}
	}
	return w.writeJSON(BatchReport{Runs: runs, Totals: NewTotals(runs)})
}

// writeJSON marshals v and writes it with a trailing newline.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	data = append(data, '\n')
	return w.output.Write(data)
}
