package pipes

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// setupInventory creates a SQLite file with a small files table.
func setupInventory(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "inventory.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE files (path TEXT PRIMARY KEY, owner TEXT, size INTEGER)`,
		`CREATE TABLE tags (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`,
		`INSERT INTO files VALUES ('/a', 'alice', 10), ('/b', 'bob', 20), ('/c', 'alice', NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("failed to prepare database: %v", err)
		}
	}
	return path
}

// closeAfter runs the After hook of stage when the test ends.
func closeAfter(t *testing.T, stage pipeline.Stage) {
	t.Helper()

	t.Cleanup(func() {
		if h, ok := stage.(pipeline.Hooks); ok {
			_ = h.After(context.Background())
		}
	})
}

func TestQueryStage(t *testing.T) {
	t.Parallel()

	dsn := setupInventory(t)

	t.Run("yields rows with column attributes", func(t *testing.T) {
		t.Parallel()

		stage := mustBuild(t, config.StageConfig{
			Name: "owned", Type: "query",
			Options: map[string]string{
				"dsn":   dsn,
				"sql":   "SELECT path, owner, size FROM files WHERE owner = ? ORDER BY path",
				"args":  "${upstream}",
				"value": "size",
			},
		})
		closeAfter(t, stage)

		got, err := run(t, stage, upstreamItem("alice"), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(got))
		}
		if got[0].ID != "/a" || got[0].Value != "10" || got[0].Attr("owner") != "alice" {
			t.Errorf("unexpected first row: %+v", got[0])
		}
		if got[1].ID != "/c" || got[1].Value != "" {
			t.Errorf("expected NULL to render empty, got %+v", got[1])
		}
	})

	t.Run("unknown column is fatal", func(t *testing.T) {
		t.Parallel()

		stage := mustBuild(t, config.StageConfig{
			Name: "owned", Type: "query",
			Options: map[string]string{"dsn": dsn, "sql": "SELECT path FROM files", "id": "missing"},
		})
		closeAfter(t, stage)

		_, err := stage.Produce(t.Context(), nil, pipeline.NewBindings())
		if !errors.Is(err, ErrInvalidOption) {
			t.Errorf("expected ErrInvalidOption, got %v", err)
		}
	})

	t.Run("bad statement is a per-item error", func(t *testing.T) {
		t.Parallel()

		stage := mustBuild(t, config.StageConfig{
			Name: "owned", Type: "query",
			Options: map[string]string{"dsn": dsn, "sql": "SELECT nothing FROM nowhere"},
		})
		closeAfter(t, stage)

		got, err := run(t, stage, nil, nil)
		if err == nil || len(got) != 0 {
			t.Errorf("expected a per-item error, got %v (%v)", got, err)
		}
	})

	t.Run("requires dsn and sql", func(t *testing.T) {
		t.Parallel()

		for _, opts := range []map[string]string{
			{"sql": "SELECT 1"},
			{"dsn": dsn},
		} {
			_, err := testFactory().Build(config.StageConfig{Name: "q", Type: "query", Options: opts})
			if !errors.Is(err, ErrMissingOption) {
				t.Errorf("expected ErrMissingOption for %v, got %v", opts, err)
			}
		}

		_, err := testFactory().Build(config.StageConfig{
			Name: "q", Type: "query", Options: map[string]string{"dsn": "${upstream}", "sql": "SELECT 1"},
		})
		if !errors.Is(err, ErrInvalidOption) {
			t.Errorf("expected ErrInvalidOption for templated dsn, got %v", err)
		}
	})
}

func TestExecStage(t *testing.T) {
	t.Parallel()

	dsn := setupInventory(t)

	def := &config.Definition{
		Name: "tagger",
		Stages: []config.StageConfig{
			{Name: "tag", Type: "values", Options: map[string]string{"values": "red,green,blue"}},
			{Name: "store", Type: "exec", Options: map[string]string{
				"dsn":  dsn,
				"sql":  "INSERT INTO tags (name) VALUES (?)",
				"args": "${tag}",
			}},
		},
	}
	root, err := testFactory().BuildDefinition(def)
	if err != nil {
		t.Fatalf("failed to build definition: %v", err)
	}
	if !root.ModifiesState() {
		t.Fatal("expected exec to mark the pipeline as modifying state")
	}

	sink := pipeline.NewMemorySink()
	report, err := pipeline.NewDriver(root, sink, pipeline.WithLogger(testFactory().logger)).Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if !report.Persisted || sink.PersistCount() != 1 {
		t.Errorf("expected one persist call, got persisted=%v count=%d", report.Persisted, sink.PersistCount())
	}

	items := sink.Items()
	if want := []string{"1", "1", "1"}; !slices.Equal(values(items), want) {
		t.Errorf("got %v, want %v", values(items), want)
	}
	if items[2].ID != "blue" || items[2].Attr("last_insert_id") != "3" {
		t.Errorf("unexpected item: %+v", items[2])
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM tags").Scan(&count); err != nil {
		t.Fatalf("failed to count tags: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 tags, got %d", count)
	}
}

func TestSQLHooks(t *testing.T) {
	t.Parallel()

	dsn := setupInventory(t)
	stage := mustBuild(t, config.StageConfig{
		Name: "q", Type: "query", Options: map[string]string{"dsn": dsn, "sql": "SELECT path FROM files"},
	})
	q, ok := stage.(*QueryStage)
	if !ok {
		t.Fatalf("expected *QueryStage, got %T", stage)
	}

	if err := q.Before(t.Context()); err != nil {
		t.Fatalf("unexpected before error: %v", err)
	}
	if q.handle.db == nil {
		t.Fatal("expected Before to open the database")
	}
	if err := q.After(t.Context()); err != nil {
		t.Fatalf("unexpected after error: %v", err)
	}
	if q.handle.db != nil {
		t.Error("expected After to close the database")
	}
	if err := q.After(t.Context()); err != nil {
		t.Errorf("expected second After to be a no-op, got %v", err)
	}

	bad := mustBuild(t, config.StageConfig{
		Name: "q", Type: "query",
		Options: map[string]string{"dsn": filepath.Join(t.TempDir(), "no", "such", "dir.db"), "sql": "SELECT 1"},
	})
	if err := bad.(pipeline.Hooks).Before(t.Context()); err == nil {
		t.Error("expected Before to fail for an unreachable database")
	}
}
