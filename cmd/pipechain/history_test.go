package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/database"
	"github.com/nao1215/pipechain/internal/model"
)

// seedHistory creates a history database holding a complete run of
// "words" (ID 1) and a failed run of "broken" (ID 2).
func seedHistory(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(dir, database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	words := model.NewRunReport("words", config.ModeChain)
	items := []model.Item{
		{Stage: "shout", ID: "alpha", Value: "ALPHA", Attrs: map[string]string{"original": "alpha"}},
		{Stage: "shout", ID: "beta", Value: "BETA", Attrs: map[string]string{"original": "beta"}},
	}
	for _, item := range items {
		words.AddItem(item)
	}
	words.Finish()
	if _, err := db.SaveRun(ctx, words, items); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	broken := model.NewRunReport("broken", config.ModeChain)
	broken.Fail(errors.New("unbound reference: missing"))
	broken.Finish()
	if _, err := db.SaveRun(ctx, broken, nil); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	return dir
}

// executeHistory runs the history command and returns its stdout.
func executeHistory(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	cmd := NewHistoryCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// TestNewHistoryCmd tests the history command creation.
func TestNewHistoryCmd(t *testing.T) {
	t.Parallel()

	cmd := NewHistoryCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "history [run-id]" {
			t.Errorf("expected use 'history [run-id]', got %q", cmd.Use)
		}
	})

	t.Run("has flags", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"pipeline", "status", "limit", "items", "delete", "json", "markdown", "output", "db-dir"} {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("expected %s flag", name)
			}
		}
		if def := cmd.Flags().Lookup("limit").DefValue; def != "20" {
			t.Errorf("expected limit default 20, got %q", def)
		}
	})

	t.Run("accepts at most one argument", func(t *testing.T) {
		t.Parallel()
		if err := cmd.Args(cmd, []string{"1", "2"}); err == nil {
			t.Error("expected error for two arguments")
		}
	})
}

// TestHistoryList tests listing recorded runs.
func TestHistoryList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name: "lists all runs",
			want: []string{"Run history (2 runs)", "words", "broken", "complete", "failed"},
		},
		{
			name:    "filters by pipeline",
			args:    []string{"--pipeline", "words"},
			want:    []string{"Run history (1 runs)", "words"},
			notWant: []string{"broken"},
		},
		{
			name:    "filters by status",
			args:    []string{"--status", "failed"},
			want:    []string{"Run history (1 runs)", "broken"},
			notWant: []string{"words"},
		},
		{
			name:    "limit keeps the newest",
			args:    []string{"--limit", "1"},
			want:    []string{"Run history (1 runs)", "broken"},
			notWant: []string{"words"},
		},
		{
			name: "no match",
			args: []string{"--pipeline", "absent"},
			want: []string{"No runs found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := seedHistory(t)

			out, err := executeHistory(t, append([]string{"--db-dir", dir}, tt.args...)...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, out)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(out, notWant) {
					t.Errorf("expected output not to contain %q, got:\n%s", notWant, out)
				}
			}
		})
	}
}

// TestHistoryShow tests showing one run.
func TestHistoryShow(t *testing.T) {
	t.Parallel()

	t.Run("shows summary", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		out, err := executeHistory(t, "--db-dir", dir, "1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"PIPELINE words", "Run ID:    1", "Items:     2"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected output to contain %q, got:\n%s", want, out)
			}
		}
		if strings.Contains(out, "Items (") {
			t.Error("expected items to be omitted without --items")
		}
	})

	t.Run("shows items", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		out, err := executeHistory(t, "--db-dir", dir, "--items", "1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"Items (2 stored):", "  shout\talpha\tALPHA\n", "      original=beta\n"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected output to contain %q, got:\n%s", want, out)
			}
		}
	})

	t.Run("shows json", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		out, err := executeHistory(t, "--db-dir", dir, "--json", "2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("failed to parse JSON: %v\n%s", err, out)
		}
		if result["status"] != string(model.RunStatusFailed) {
			t.Errorf("expected status failed, got %v", result["status"])
		}
		if result["fatal_error"] != "unbound reference: missing" {
			t.Errorf("unexpected fatal_error %v", result["fatal_error"])
		}
	})

	t.Run("shows markdown", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		out, err := executeHistory(t, "--db-dir", dir, "--markdown", "1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out, "# Pipeline Run: words") {
			t.Errorf("expected markdown heading, got:\n%s", out)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		_, err := executeHistory(t, "--db-dir", dir, "9")
		if !errors.Is(err, database.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

// TestHistoryDelete tests removing runs.
func TestHistoryDelete(t *testing.T) {
	t.Parallel()

	t.Run("deletes run", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		out, err := executeHistory(t, "--db-dir", dir, "--delete", "2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out, "Deleted run 2") {
			t.Errorf("expected confirmation, got %q", out)
		}

		out, err = executeHistory(t, "--db-dir", dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out, "Run history (1 runs)") || strings.Contains(out, "broken") {
			t.Errorf("expected only the remaining run, got:\n%s", out)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		t.Parallel()
		dir := seedHistory(t)

		_, err := executeHistory(t, "--db-dir", dir, "--delete", "9")
		if !errors.Is(err, database.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

// TestHistoryErrors tests argument validation.
func TestHistoryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "invalid run id", args: []string{"abc"}, want: "invalid run ID"},
		{name: "non-positive run id", args: []string{"0"}, want: "invalid run ID"},
		{name: "delete without id", args: []string{"--delete"}, want: "--delete requires a run ID"},
		{name: "invalid status", args: []string{"--status", "done"}, want: "invalid status"},
		{name: "conflicting formats", args: []string{"--json", "--markdown", "1"}, want: "mutually exclusive"},
		{name: "items with json", args: []string{"--json", "--items", "1"}, want: "--items cannot be combined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := seedHistory(t)

			_, err := executeHistory(t, append([]string{"--db-dir", dir}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	t.Run("missing database", func(t *testing.T) {
		t.Parallel()
		_, err := executeHistory(t, "--db-dir", t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "database not found") {
			t.Errorf("expected database not found error, got %v", err)
		}
	})
}

func TestTruncateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{input: "short", maxLen: 10, want: "short"},
		{input: "exactly-10", maxLen: 10, want: "exactly-10"},
		{input: "much-longer-name", maxLen: 10, want: "much-lo..."},
		{input: "日本語のパイプライン名", maxLen: 6, want: "日本語..."},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := truncateName(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncateName(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
