package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/scriptd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Scripts ---

func (s *LibSQLStore) SaveScript(ctx context.Context, rec *ScriptRecord) error {
	if len(rec.Definition) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "script %q has no definition", rec.ID)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, name, mode, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, mode=excluded.mode,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		rec.ID, rec.Name, string(rec.Mode), string(rec.Definition), timeOrNow(rec.CreatedAt), now,
	)
	if err != nil {
		return err
	}
	rec.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) GetScript(ctx context.Context, id string) (*ScriptRecord, error) {
	rec := &ScriptRecord{}
	var mode, def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mode, definition, created_at, updated_at FROM scripts WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &mode, &def, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("script", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Mode = schema.Mode(mode)
	rec.Definition = json.RawMessage(def)
	return rec, nil
}

func (s *LibSQLStore) ListScripts(ctx context.Context) ([]*ScriptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, mode, definition, created_at, updated_at FROM scripts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScriptRecord
	for rows.Next() {
		rec := &ScriptRecord{}
		var mode, def string
		if err := rows.Scan(&rec.ID, &rec.Name, &mode, &def, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Mode = schema.Mode(mode)
		rec.Definition = json.RawMessage(def)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScript(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "script", id)
}

// --- Runs ---

// SaveRun inserts or replaces the record of a run.
func (s *LibSQLStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, script_id, execution, error, response, trace, last_step, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET execution=excluded.execution, error=excluded.error,
		   response=excluded.response, trace=excluded.trace, last_step=excluded.last_step,
		   finished_at=excluded.finished_at`,
		rec.RunID, rec.ScriptID, string(rec.Execution), nullStr(rec.Error), nullRaw(rec.Response),
		nullRaw(rec.Trace), nullStr(rec.LastStep), timeOrNow(rec.StartedAt), nullTime(rec.FinishedAt),
	)
	return err
}

const runColumns = `run_id, script_id, execution, error, response, trace, last_step, started_at, finished_at`

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	return rec, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.ScriptID != "" {
		where = append(where, "script_id = ?")
		args = append(args, filter.ScriptID)
	}
	if filter.Execution != "" {
		where = append(where, "execution = ?")
		args = append(args, string(filter.Execution))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneRuns deletes all but the newest keep runs of scriptID and returns the
// number of deleted records.
func (s *LibSQLStore) PruneRuns(ctx context.Context, scriptID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE script_id = ? AND run_id NOT IN (
		   SELECT run_id FROM runs WHERE script_id = ? ORDER BY started_at DESC LIMIT ?
		 )`, scriptID, scriptID, keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var (
		execution                      string
		errMsg, response, tr, lastStep sql.NullString
		finishedAt                     sql.NullTime
	)
	if err := row.Scan(&rec.RunID, &rec.ScriptID, &execution, &errMsg, &response, &tr, &lastStep, &rec.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	rec.Execution = schema.Execution(execution)
	rec.Error = errMsg.String
	rec.Response = rawOrNil(response)
	rec.Trace = rawOrNil(tr)
	rec.LastStep = lastStep.String
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// insertEvent assigns the next per-run sequence number and inserts event.
func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, script_id, path, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.ScriptID, nullStr(event.Path), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, script_id, path, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ScriptID != "" {
		where = append(where, "script_id = ?")
		args = append(args, filter.ScriptID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var path, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.ScriptID, &path, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Path = path.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ScriptError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
