package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/pipechain/internal/model"
)

// createTestReport creates a partial run with two stages and one error.
func createTestReport() *model.RunReport {
	report := model.NewRunReport("photo-digest", "chain")
	report.ID = 7
	report.StartedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, item := range []model.Item{
		model.NewItem("file", "/data/a.jpg"),
		model.NewItem("file", "/data/b.jpg"),
		model.NewItem("sum", "3a98"),
	} {
		report.AddItem(item)
	}
	report.AddError(model.StageError{Stage: "exif", Message: "failed to read /data/c.jpg: permission denied"})
	report.FinishedAt = report.StartedAt.Add(1500 * time.Millisecond)
	return report
}

// TestSimpleWriter tests the plain text writer.
func TestSimpleWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes run header", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		n, err := NewSimpleWriter(&buf).Write(createTestReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != buf.Len() {
			t.Errorf("expected %d bytes reported, got %d", buf.Len(), n)
		}

		output := buf.String()
		for _, want := range []string{
			"PIPELINE photo-digest",
			"Run ID:    7",
			"Duration:  1.5s",
			"Items:     3",
			"[!] PARTIAL",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q:\n%s", want, output)
			}
		}
	})

	t.Run("writes stages and errors", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		output := buf.String()
		if !strings.Contains(output, "ITEMS BY STAGE") || !strings.Contains(output, "  file  2") {
			t.Errorf("expected stage counts:\n%s", output)
		}
		if !strings.Contains(output, "[!] exif: failed to read /data/c.jpg") {
			t.Errorf("expected stage error:\n%s", output)
		}
	})

	t.Run("hides empty sections", func(t *testing.T) {
		t.Parallel()

		report := model.NewRunReport("empty", "merge")
		report.Finish()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(report); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(buf.String(), "STAGE ERRORS") {
			t.Error("expected empty error section to be hidden")
		}

		buf.Reset()
		if _, err := NewSimpleWriter(&buf, WithShowEmpty(true)).Write(report); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "No errors") || !strings.Contains(buf.String(), "No items") {
			t.Errorf("expected empty sections:\n%s", buf.String())
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		t.Parallel()

		report := createTestReport()
		report.Fail(errors.New(strings.Repeat("x", 200)))

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).Write(report); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "[!!!] FAILED") {
			t.Errorf("expected failed status:\n%s", buf.String())
		}
		if strings.Contains(buf.String(), strings.Repeat("x", 200)) {
			t.Error("expected long reason to be truncated")
		}

		buf.Reset()
		if _, err := NewSimpleWriter(&buf, WithVerbose(true)).Write(report); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), strings.Repeat("x", 200)) {
			t.Error("expected verbose output to keep the full reason")
		}
	})

	t.Run("batch totals", func(t *testing.T) {
		t.Parallel()

		cancelled := model.NewRunReport("other", "merge")
		cancelled.Status = model.RunStatusCancelled
		cancelled.Finish()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).WriteBatch([]*model.RunReport{createTestReport(), nil, cancelled}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		if !strings.Contains(output, "TOTAL: 2 runs, 3 items, 1 errors") {
			t.Errorf("expected totals:\n%s", output)
		}
		if !strings.Contains(output, "PIPELINE other") {
			t.Errorf("expected every run:\n%s", output)
		}
	})
}

func TestStatusIndicator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status model.RunStatus
		want   string
	}{
		{model.RunStatusComplete, "ok"},
		{model.RunStatusPartial, "!"},
		{model.RunStatusFailed, "!!!"},
		{model.RunStatusCancelled, "-"},
		{model.RunStatus("unknown"), "?"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			if got := statusIndicator(tt.status); got != tt.want {
				t.Errorf("statusIndicator(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

// TestMarkdownWriter tests the Markdown writer.
func TestMarkdownWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes run summary", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		output := buf.String()
		for _, want := range []string{
			"# Pipeline Run: photo-digest",
			"⚠️ Partial",
			"[!WARNING]",
			"### Items by Stage",
			"`file`",
			"### Stage Errors",
			"permission denied",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q:\n%s", want, output)
			}
		}
	})

	t.Run("includes pie chart", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "mermaid") || !strings.Contains(buf.String(), "pie") {
			t.Errorf("expected mermaid pie chart:\n%s", buf.String())
		}
	})

	t.Run("alert follows status", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			mutate func(*model.RunReport)
			want   string
		}{
			{name: "failed", mutate: func(r *model.RunReport) { r.Fail(errors.New("boom")) }, want: "[!CAUTION]"},
			{name: "cancelled", mutate: func(r *model.RunReport) { r.Status = model.RunStatusCancelled }, want: "[!IMPORTANT]"},
			{name: "complete", mutate: func(r *model.RunReport) {
				r.Status = model.RunStatusComplete
				r.Errors = nil
			}, want: "[!TIP]"},
		}
		for _, tt := range tests {
			report := createTestReport()
			tt.mutate(report)

			var buf bytes.Buffer
			if _, err := NewMarkdownWriter(&buf).Write(report); err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("%s: expected %s in output:\n%s", tt.name, tt.want, buf.String())
			}
		}
	})

	t.Run("batch overview", func(t *testing.T) {
		t.Parallel()

		second := model.NewRunReport("second", "merge")
		second.Finish()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).WriteBatch([]*model.RunReport{createTestReport(), second}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		for _, want := range []string{"# Pipeline Batch", "## photo-digest", "## second", "2 run(s)", "No items were produced."} {
			if !strings.Contains(output, want) {
				t.Errorf("expected output to contain %q:\n%s", want, output)
			}
		}
	})
}

// TestJSONWriter tests the JSON writer.
func TestJSONWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes one run", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf).Write(createTestReport()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var got model.RunReport
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.Pipeline != "photo-digest" || got.ItemsByStage["file"] != 2 || len(got.Errors) != 1 {
			t.Errorf("unexpected decoded report: %+v", got)
		}
		if strings.Count(buf.String(), "\n") != 1 {
			t.Error("expected compact output with a trailing newline")
		}
	})

	t.Run("pretty batch", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		w := NewJSONWriter(&buf, WithPrettyPrint())
		if _, err := w.WriteBatch([]*model.RunReport{createTestReport(), nil}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var got BatchReport
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(got.Runs) != 1 || got.Totals.Items != 3 || got.Totals.ByStatus["partial"] != 1 {
			t.Errorf("unexpected batch: %+v", got)
		}
		if !strings.Contains(buf.String(), "\n  \"runs\"") {
			t.Errorf("expected indented output:\n%s", buf.String())
		}
	})
}

// TestMultiWriter tests writing to several writers.
func TestMultiWriter(t *testing.T) {
	t.Parallel()

	var text, js bytes.Buffer
	w := NewMultiWriter(NewSimpleWriter(&text), NewJSONWriter(&js))

	n, err := w.Write(createTestReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != text.Len()+js.Len() {
		t.Errorf("expected %d bytes, got %d", text.Len()+js.Len(), n)
	}
	if text.Len() == 0 || js.Len() == 0 {
		t.Error("expected both writers to receive output")
	}

	text.Reset()
	js.Reset()
	if _, err := w.WriteBatch([]*model.RunReport{createTestReport()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text.String(), "TOTAL") || !strings.Contains(js.String(), "totals") {
		t.Error("expected batch output from both writers")
	}
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncateString(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}
