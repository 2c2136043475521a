package pipes

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/pipechain/internal/config"
	"github.com/nao1215/pipechain/internal/model"
	"github.com/nao1215/pipechain/internal/pipeline"
)

// dbHandle is a lazily opened SQLite connection shared by the activations
// of one stage. The driver opens it in Before and closes it in After.
type dbHandle struct {
	dsn    string
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

func (h *dbHandle) get(ctx context.Context) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		return h.db, nil
	}

	db, err := sql.Open("sqlite", h.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// query and exec stages may hold separate connections to one file
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}
	h.db = db
	h.logger.Debug("database opened", "dsn", h.dsn)
	return db, nil
}

func (h *dbHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	h.logger.Debug("database closed", "dsn", h.dsn)
	return err
}

// sqlStage is the part shared by query and exec.
type sqlStage struct {
	base
	handle *dbHandle
	query  string
	args   []string
}

func newSQLStage(b base, sc config.StageConfig) (sqlStage, error) {
	dsn, err := requiredOption(sc, "dsn")
	if err != nil {
		return sqlStage{}, err
	}
	if IsTemplate(dsn) {
		return sqlStage{}, fmt.Errorf("%w: dsn must not contain references", ErrInvalidOption)
	}
	query, err := requiredOption(sc, "sql")
	if err != nil {
		return sqlStage{}, err
	}
	return sqlStage{
		base:   b,
		handle: &dbHandle{dsn: dsn, logger: b.logger},
		query:  query,
		args:   listOption(sc.Option("args", ""), sc.Option("argSep", ",")),
	}, nil
}

// Before implements pipeline.Hooks by opening the database.
func (s *sqlStage) Before(ctx context.Context) error {
	_, err := s.handle.get(ctx)
	return err
}

// After implements pipeline.Hooks by closing the database.
func (s *sqlStage) After(_ context.Context) error {
	return s.handle.close()
}

func (s *sqlStage) expandArgs(upstream *model.Item, b *pipeline.Bindings) ([]any, error) {
	args := make([]any, len(s.args))
	for i, raw := range s.args {
		v, err := Expand(raw, upstream, b)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// QueryStage yields one item per row of a query. Every column becomes an
// attribute; the id and value columns default to the first column.
//
//	options:
//	  dsn: ./inventory.db
//	  sql: "SELECT path, owner FROM files WHERE owner = ?"
//	  args: "${user}"
//	  id: path
//	  value: owner
type QueryStage struct {
	sqlStage
	idColumn    string
	valueColumn string
}

func newQueryStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	s, err := newSQLStage(b, sc)
	if err != nil {
		return nil, err
	}
	return &QueryStage{
		sqlStage:    s,
		idColumn:    sc.Option("id", ""),
		valueColumn: sc.Option("value", ""),
	}, nil
}

// Produce implements pipeline.Stage.
func (s *QueryStage) Produce(ctx context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	args, err := s.expandArgs(upstream, b)
	if err != nil {
		return failure(err)
	}
	db, err := s.handle.get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.query, args...)
	if err != nil {
		return failure(fmt.Errorf("query failed: %w", err))
	}
	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return failure(fmt.Errorf("query failed: %w", err))
	}

	idCol, err := columnIndex(columns, s.idColumn)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	valueCol, err := columnIndex(columns, s.valueColumn)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}

	return &rowSequence{
		stage:    s,
		rows:     rows,
		columns:  columns,
		idCol:    idCol,
		valueCol: valueCol,
	}, nil
}

func columnIndex(columns []string, name string) (int, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("%w: query returns no columns", ErrInvalidOption)
	}
	if name == "" {
		return 0, nil
	}
	for i, c := range columns {
		if c == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: column %q not in result", ErrInvalidOption, name)
}

type rowSequence struct {
	stage    *QueryStage
	rows     *sql.Rows
	columns  []string
	idCol    int
	valueCol int
	done     bool
}

// Next implements pipeline.Sequence.
func (r *rowSequence) Next(_ context.Context) (model.Item, bool, error) {
	if r.done {
		return model.Item{}, false, nil
	}
	if !r.rows.Next() {
		err := r.rows.Err()
		_ = r.Close()
		if err != nil {
			return model.Item{}, false, fmt.Errorf("query failed: %w", err)
		}
		return model.Item{}, false, nil
	}

	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		_ = r.Close()
		return model.Item{}, false, fmt.Errorf("failed to scan row: %w", err)
	}

	text := make([]string, len(values))
	for i, v := range values {
		text[i] = formatColumn(v)
	}
	item := r.stage.item(text[r.idCol], text[r.valueCol])
	for i, c := range r.columns {
		item = item.WithAttr(c, text[i])
	}
	return item, true, nil
}

// Close implements pipeline.Closer.
func (r *rowSequence) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.rows.Close()
}

// formatColumn renders a value scanned by the SQLite driver.
func formatColumn(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// ExecStage runs a statement once per activation and yields a single item
// describing the result. It modifies state.
//
//	options:
//	  dsn: ./inventory.db
//	  sql: "INSERT INTO digests (path, sum) VALUES (?, ?)"
//	  args: "${file}, ${sum}"
type ExecStage struct {
	sqlStage
}

func newExecStage(b base, sc config.StageConfig) (pipeline.Stage, error) {
	s, err := newSQLStage(b, sc)
	if err != nil {
		return nil, err
	}
	return &ExecStage{sqlStage: s}, nil
}

// ModifiesState implements pipeline.Stage.
func (s *ExecStage) ModifiesState() bool {
	return true
}

// Produce implements pipeline.Stage.
func (s *ExecStage) Produce(ctx context.Context, upstream *model.Item, b *pipeline.Bindings) (pipeline.Sequence, error) {
	args, err := s.expandArgs(upstream, b)
	if err != nil {
		return failure(err)
	}
	db, err := s.handle.get(ctx)
	if err != nil {
		return nil, err
	}

	res, err := db.ExecContext(ctx, s.query, args...)
	if err != nil {
		return failure(fmt.Errorf("statement failed: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return failure(fmt.Errorf("statement failed: %w", err))
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return failure(fmt.Errorf("statement failed: %w", err))
	}

	id := strconv.FormatInt(lastID, 10)
	if upstream != nil {
		id = upstream.ID
	}
	item := s.item(id, strconv.FormatInt(affected, 10)).
		WithAttr("rows_affected", strconv.FormatInt(affected, 10)).
		WithAttr("last_insert_id", strconv.FormatInt(lastID, 10))

	s.logger.Debug("statement executed",
		"stage", s.name,
		"rows_affected", affected,
	)
	return pipeline.NewSliceSequence(item), nil
}
