package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by New. "sqlite" is the pure Go driver, "sqlite3" the cgo
// one.
const (
	DriverPure = "sqlite"
	DriverCgo  = "sqlite3"
)

// Store wraps SQLite-backed persistence for runs and field attempts.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverPure
	case DriverPure, DriverCgo:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// Workers of a multi-process run share the file.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            units INTEGER DEFAULT 0,
            attempted INTEGER DEFAULT 0,
            completed INTEGER DEFAULT 0,
            skipped INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            records INTEGER DEFAULT 0,
            started_at INTEGER,
            finished_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS field_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            field_key TEXT NOT NULL,
            worker INTEGER,
            status TEXT NOT NULL,
            records INTEGER DEFAULT 0,
            duration_ms INTEGER,
            error_message TEXT,
            created_at INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_field_attempts_run_id ON field_attempts(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_field_attempts_field_key ON field_attempts(field_key);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// RunRecord captures one invocation of a driver.
type RunRecord struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	InputPath  string     `json:"input_path"`
	OutputPath string     `json:"output_path"`
	Units      int        `json:"units"`
	Attempted  int        `json:"attempted"`
	Completed  int        `json:"completed"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Records    int        `json:"records"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// FieldAttempt captures the outcome of one field in one run.
type FieldAttempt struct {
	RunID     string        `json:"run_id"`
	FieldKey  string        `json:"field"`
	Worker    int           `json:"worker"`
	Status    string        `json:"status"`
	Records   int           `json:"records"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Counts is the tally written when a run ends.
type Counts struct {
	Attempted, Completed, Skipped, Failed, Records int
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, mode, status, input_path, output_path, units, started_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, StatusRunning, rec.InputPath, rec.OutputPath, rec.Units, rec.StartedAt.UnixMilli())
	return err
}

// RecordFieldResult appends one field attempt.
func (s *Store) RecordFieldResult(a FieldAttempt) error {
	if s == nil {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO field_attempts (run_id, field_key, worker, status, records, duration_ms, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		a.RunID, a.FieldKey, a.Worker, a.Status, a.Records, a.Duration.Milliseconds(), a.Error, a.CreatedAt.UnixMilli())
	return err
}

// RecordRunEnd finalizes a run with its tally.
func (s *Store) RecordRunEnd(id, status string, c Counts, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, attempted=?, completed=?, skipped=?, failed=?, records=?, finished_at=?, error_message=? WHERE id=?;`,
		status, c.Attempted, c.Completed, c.Skipped, c.Failed, c.Records, time.Now().UnixMilli(), errMsg, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, mode, status, input_path, output_path, units, attempted, completed, skipped, failed, records, started_at, finished_at, error_message FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var input, output, errMsg sql.NullString
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.Status, &input, &output, &rec.Units, &rec.Attempted, &rec.Completed, &rec.Skipped, &rec.Failed, &rec.Records, &started, &finished, &errMsg); err != nil {
			return nil, err
		}
		rec.InputPath = input.String
		rec.OutputPath = output.String
		rec.Error = errMsg.String
		rec.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			rec.FinishedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunFields returns the field attempts of one run in insertion order.
func (s *Store) RunFields(runID string) ([]FieldAttempt, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, field_key, worker, status, records, duration_ms, error_message, created_at FROM field_attempts WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FieldAttempt
	for rows.Next() {
		var a FieldAttempt
		var ms, created int64
		var errMsg sql.NullString
		if err := rows.Scan(&a.RunID, &a.FieldKey, &a.Worker, &a.Status, &a.Records, &ms, &errMsg, &created); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		a.Error = errMsg.String
		a.CreatedAt = time.UnixMilli(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
