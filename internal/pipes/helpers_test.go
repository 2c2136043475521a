package pipes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

func testFactory() *Factory {
	return NewFactory(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// mustBuild builds a stage and fails the test on error.
func mustBuild(t *testing.T, sc config.StageConfig) pipeline.Stage {
	t.Helper()

	stage, err := testFactory().Build(sc)
	if err != nil {
		t.Fatalf("failed to build stage: %v", err)
	}
	return stage
}

// run activates stage once and pulls it to exhaustion. The per-item error,
// if any, is returned separately.
func run(t *testing.T, stage pipeline.Stage, upstream *model.Item, b *pipeline.Bindings) ([]model.Item, error) {
	t.Helper()

	if b == nil {
		b = pipeline.NewBindings()
	}
	seq, err := stage.Produce(context.Background(), upstream, b)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	if c, ok := seq.(pipeline.Closer); ok {
		defer c.Close()
	}

	var out []model.Item
	for {
		item, ok, err := seq.Next(context.Background())
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

func values(items []model.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Value
	}
	return out
}

func upstreamItem(value string) *model.Item {
	item := model.NewItem("up", value)
	return &item
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
