package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/pipechain/internal/model"
)

// FileName is the name of the history database inside the data directory.
const FileName = "pipechain.db"

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunDB provides SQLite-based storage for run history.
type RunDB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string
}

// Options configures RunDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so that readers do not block
	// a recording run.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a RunDB in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*RunDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (run a pipeline first)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw refuses to create a missing file, mode=rwc allows it.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	rdb := &RunDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := rdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return rdb, nil
}

// Path returns the database file path.
func (rdb *RunDB) Path() string {
	return rdb.dbPath
}

// Close closes the database connection.
func (rdb *RunDB) Close() error {
	return rdb.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (rdb *RunDB) createTables() error {
	schema := `
	-- One row per pipeline execution
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		item_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		items_by_stage TEXT,
		fatal_error TEXT,
		modifies_state INTEGER DEFAULT 0,
		persisted INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- Items emitted by the root stage, in emission order
	CREATE TABLE IF NOT EXISTS run_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		item_id TEXT NOT NULL,
		value TEXT,
		attrs TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_items_run ON run_items(run_id, seq);

	-- Non-fatal stage errors drained during the run
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		stage TEXT,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_errors_run ON run_errors(run_id);
	`

	_, err := rdb.db.ExecContext(context.Background(), schema)
	return err
}

// SaveRun stores a run summary, its errors and the given items in one
// transaction and sets report.ID.
func (rdb *RunDB) SaveRun(ctx context.Context, report *model.RunReport, items []model.Item) (int64, error) {
	byStage, err := json.Marshal(report.ItemsByStage)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize stage counts: %w", err)
	}

	tx, err := rdb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
	INSERT INTO runs (pipeline, mode, status, started_at, finished_at, item_count,
		error_count, items_by_stage, fatal_error, modifies_state, persisted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		report.Pipeline,
		report.Mode,
		string(report.Status),
		formatTimestamp(report.StartedAt),
		formatTimestamp(report.FinishedAt),
		report.ItemCount,
		len(report.Errors),
		string(byStage),
		report.FatalError,
		report.ModifiesState,
		report.Persisted,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}

	if err := insertItems(ctx, tx, id, items); err != nil {
		return 0, err
	}
	if err := insertErrors(ctx, tx, id, report.Errors); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	report.ID = id
	return id, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, runID int64, items []model.Item) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO run_items (run_id, seq, stage, item_id, value, attrs)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		var attrs sql.NullString
		if len(item.Attrs) > 0 {
			data, err := json.Marshal(item.Attrs)
			if err != nil {
				return fmt.Errorf("failed to serialize attributes of %q: %w", item.ID, err)
			}
			attrs = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, i, item.Stage, item.ID, item.Value, attrs); err != nil {
			return fmt.Errorf("failed to save item %q: %w", item.ID, err)
		}
	}
	return nil
}

func insertErrors(ctx context.Context, tx *sql.Tx, runID int64, errs []model.StageError) error {
	for _, e := range errs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_errors (run_id, stage, message) VALUES (?, ?, ?)`,
			runID, e.Stage, e.Message,
		)
		if err != nil {
			return fmt.Errorf("failed to save stage error: %w", err)
		}
	}
	return nil
}

// UpdateRun rewrites the summary columns of a saved run. Items and errors
// already stored are kept; errors beyond those stored are appended.
func (rdb *RunDB) UpdateRun(ctx context.Context, report *model.RunReport) error {
	if report.ID == 0 {
		return fmt.Errorf("%w: report has no ID", ErrRunNotFound)
	}
	byStage, err := json.Marshal(report.ItemsByStage)
	if err != nil {
		return fmt.Errorf("failed to serialize stage counts: %w", err)
	}

	tx, err := rdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
	UPDATE runs SET status = ?, finished_at = ?, item_count = ?, error_count = ?,
		items_by_stage = ?, fatal_error = ?, persisted = ?
	WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		string(report.Status),
		formatTimestamp(report.FinishedAt),
		report.ItemCount,
		len(report.Errors),
		string(byStage),
		report.FatalError,
		report.Persisted,
		report.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, report.ID)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_errors WHERE run_id = ?`, report.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count stage errors: %w", err)
	}
	if stored < len(report.Errors) {
		if err := insertErrors(ctx, tx, report.ID, report.Errors[stored:]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Pipeline keeps runs of one pipeline. Empty keeps all.
	Pipeline string

	// Status keeps runs that ended in this state. Empty keeps all.
	Status model.RunStatus

	// Limit caps the number of runs. Zero means no limit.
	Limit int
}

// RunSummary is a stored run without its errors.
type RunSummary struct {
	*model.RunReport

	// ErrorCount is the number of stored stage errors.
	ErrorCount int
}

// ListRuns returns run summaries, newest first.
func (rdb *RunDB) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	query := `
	SELECT id, pipeline, mode, status, started_at, finished_at, item_count,
		error_count, items_by_stage, fatal_error, modifies_state, persisted
	FROM runs
	WHERE 1=1
	`
	args := make([]any, 0, 3)

	if filter.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := rdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		report, errorCount, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, RunSummary{RunReport: report, ErrorCount: errorCount})
	}

	return runs, rows.Err()
}

// GetRun returns a run summary with its errors.
func (rdb *RunDB) GetRun(ctx context.Context, id int64) (*model.RunReport, error) {
	query := `
	SELECT id, pipeline, mode, status, started_at, finished_at, item_count,
		error_count, items_by_stage, fatal_error, modifies_state, persisted
	FROM runs
	WHERE id = ?
	`

	report, _, err := scanRun(rdb.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if report.Errors, err = rdb.GetRunErrors(ctx, id); err != nil {
		return nil, err
	}
	return report, nil
}

// GetRunItems returns the stored items of a run in emission order.
func (rdb *RunDB) GetRunItems(ctx context.Context, id int64) ([]model.Item, error) {
	query := `
	SELECT stage, item_id, value, attrs
	FROM run_items
	WHERE run_id = ?
	ORDER BY seq
	`

	rows, err := rdb.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var item model.Item
		var value, attrs sql.NullString

		if err := rows.Scan(&item.Stage, &item.ID, &value, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Value = value.String
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &item.Attrs); err != nil {
				return nil, fmt.Errorf("failed to parse attributes of %q: %w", item.ID, err)
			}
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// GetRunErrors returns the stored stage errors of a run.
func (rdb *RunDB) GetRunErrors(ctx context.Context, id int64) ([]model.StageError, error) {
	rows, err := rdb.db.QueryContext(ctx,
		`SELECT stage, message FROM run_errors WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run errors: %w", err)
	}
	defer rows.Close()

	errs := make([]model.StageError, 0)
	for rows.Next() {
		var stage sql.NullString
		var e model.StageError
		if err := rows.Scan(&stage, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan stage error: %w", err)
		}
		e.Stage = stage.String
		errs = append(errs, e)
	}

	return errs, rows.Err()
}

// DeleteRun removes a run with its items and errors.
func (rdb *RunDB) DeleteRun(ctx context.Context, id int64) error {
	tx, err := rdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{"run_items", "run_errors"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return tx.Commit()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun reads one runs row. The stored error count is returned separately
// because the report only carries errors that were loaded.
func scanRun(row rowScanner) (*model.RunReport, int, error) {
	var (
		report     model.RunReport
		status     string
		startedAt  string
		finishedAt sql.NullString
		byStage    sql.NullString
		fatal      sql.NullString
		errorCount int
	)
	err := row.Scan(
		&report.ID,
		&report.Pipeline,
		&report.Mode,
		&status,
		&startedAt,
		&finishedAt,
		&report.ItemCount,
		&errorCount,
		&byStage,
		&fatal,
		&report.ModifiesState,
		&report.Persisted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan run: %w", err)
	}

	report.Status = model.RunStatus(status)
	report.StartedAt = parseTimestamp(startedAt)
	report.FinishedAt = parseTimestamp(finishedAt.String)
	report.FatalError = fatal.String
	report.ItemsByStage = make(map[string]int)
	if byStage.Valid && byStage.String != "" {
		if err := json.Unmarshal([]byte(byStage.String), &report.ItemsByStage); err != nil {
			report.ItemsByStage = make(map[string]int)
		}
	}
	return &report, errorCount, nil
}

// formatTimestamp stores times in UTC with nanoseconds. The zero time is
// stored as an empty string.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999",
}

// parseTimestamp attempts to parse a timestamp string using multiple formats.
// If parsing fails with all formats, returns zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
