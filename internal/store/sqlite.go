// Package store persists queued runs, generated fragments and recorded
// stream events in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore implements persistence using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn with the given driver and migrates the schema.
func NewSQLiteStore(driver, dsn string) (*SQLiteStore, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPureGo {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			value TEXT NOT NULL,
			base_files TEXT,
			framework TEXT,
			model TEXT,
			sandbox_id TEXT,
			status TEXT NOT NULL,
			executor_id TEXT,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			claimed_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_status ON runs(project_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_claimed ON runs(status, claimed_at)`,
		`CREATE TABLE IF NOT EXISTS fragments (
			fragment_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			generation_id TEXT NOT NULL,
			run_id TEXT,
			sandbox_id TEXT,
			summary TEXT,
			files TEXT NOT NULL,
			validated INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			generation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_generation_seq ON events(generation_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const runColumns = `run_id, project_id, value, base_files, framework, model, sandbox_id, status,
	executor_id, result, error, created_at, claimed_at, completed_at`

// CreateRun inserts a run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	baseFiles, err := json.Marshal(run.BaseFiles)
	if err != nil {
		return fmt.Errorf("encode base files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Value, string(baseFiles), nullString(run.Framework), nullString(run.Model),
		nullString(run.SandboxID), run.Status, nullString(run.ExecutorID), nullStringBytes(run.Result),
		nullString(run.Error), run.CreatedAt.UnixMilli(), nullMillis(run.ClaimedAt), nullMillis(run.CompletedAt))
	return err
}

// GetRun returns the run, or nil when it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListPendingRuns returns the project's pending runs, oldest first.
func (s *SQLiteStore) ListPendingRuns(ctx context.Context, projectID string) ([]domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = ? AND status = ? ORDER BY created_at ASC, run_id ASC`,
		projectID, domain.RunStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListExpiredClaims returns claimed runs whose claim started before cutoff.
func (s *SQLiteStore) ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]domain.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = ? AND claimed_at < ? ORDER BY claimed_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, domain.RunStatusClaimed, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ClaimRun moves a pending run to claimed. It reports false when the run was
// not pending, which includes losing a concurrent claim.
func (s *SQLiteStore) ClaimRun(ctx context.Context, runID, executorID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, executor_id = ?, claimed_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusClaimed, nullString(executorID), at.UnixMilli(), runID, domain.RunStatusPending)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// FinishRun moves a claimed run to a terminal status. It reports false when
// the run was not claimed.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus, result []byte, errMsg string, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, error = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		status, nullStringBytes(result), nullString(errMsg), at.UnixMilli(), runID, domain.RunStatusClaimed)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// CreateFragment inserts a fragment.
func (s *SQLiteStore) CreateFragment(ctx context.Context, f *domain.Fragment) error {
	files, err := json.Marshal(f.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fragments (fragment_id, project_id, generation_id, run_id, sandbox_id, summary, files, validated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.GenerationID, nullString(f.RunID), nullString(f.SandboxID), f.Summary,
		string(files), f.Validated, f.CreatedAt.UnixMilli())
	return err
}

// ListFragments returns the project's fragments, newest first.
func (s *SQLiteStore) ListFragments(ctx context.Context, projectID string, limit int) ([]domain.Fragment, error) {
	query := `SELECT fragment_id, project_id, generation_id, run_id, sandbox_id, summary, files, validated, created_at
		FROM fragments WHERE project_id = ? ORDER BY created_at DESC, fragment_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fragments []domain.Fragment
	for rows.Next() {
		var f domain.Fragment
		var runID, sandboxID, summary sql.NullString
		var files string
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.GenerationID, &runID, &sandboxID, &summary, &files, &f.Validated, &createdAt); err != nil {
			return nil, err
		}
		f.RunID = runID.String
		f.SandboxID = sandboxID.String
		f.Summary = summary.String
		f.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(files), &f.Files); err != nil {
			return nil, fmt.Errorf("decode fragment %s files: %w", f.ID, err)
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// CreateEvent records a stream event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, generation_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.GenerationID, event.Seq, event.Ts, event.Type, nullStringBytes(event.Payload))
	return err
}

// GetEvents returns a generation's events with seq greater than afterSeq.
func (s *SQLiteStore) GetEvents(ctx context.Context, generationID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, generation_id, seq, ts, type, payload FROM events WHERE generation_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, generationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.EventID, &e.GenerationID, &e.Seq, &e.Ts, &e.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var baseFiles, framework, model, sandboxID, executorID, result, errMsg sql.NullString
	var createdAt int64
	var claimedAt, completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.ProjectID, &run.Value, &baseFiles, &framework, &model, &sandboxID,
		&run.Status, &executorID, &result, &errMsg, &createdAt, &claimedAt, &completedAt); err != nil {
		return nil, err
	}
	if baseFiles.Valid && baseFiles.String != "" && baseFiles.String != "null" {
		if err := json.Unmarshal([]byte(baseFiles.String), &run.BaseFiles); err != nil {
			return nil, fmt.Errorf("decode run %s base files: %w", run.ID, err)
		}
	}
	run.Framework = framework.String
	run.Model = model.String
	run.SandboxID = sandboxID.String
	run.ExecutorID = executorID.String
	run.Error = errMsg.String
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	run.CreatedAt = time.UnixMilli(createdAt)
	run.ClaimedAt = millisPtr(claimedAt)
	run.CompletedAt = millisPtr(completedAt)
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]domain.RunRecord, error) {
	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
