package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/sources"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists run history. It implements engine.RunRecorder and
// sources.AttemptRecorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

var (
	_ engine.RunRecorder      = (*SQLiteStore)(nil)
	_ sources.AttemptRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database in WAL mode. A single connection is kept open:
// writes come from one process and parallel stages serialize on it.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_time_format=sqlite",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// StartRun inserts a run row.
func (s *SQLiteStore) StartRun(ctx context.Context, summary *engine.RunSummary) error {
	query := `
		INSERT INTO runs (id, target, stage_group, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		summary.RunID,
		summary.Target,
		summary.Group,
		string(summary.Status),
		summary.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// RecordStage inserts a stage outcome.
func (s *SQLiteStore) RecordStage(ctx context.Context, result engine.StageResult) error {
	artifacts := result.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}

	query := `
		INSERT INTO stage_runs (run_id, stage, status, artifacts, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.RunID,
		result.Stage,
		string(result.Status),
		string(encoded),
		result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
		nullable(result.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", result.Stage, err)
	}
	return nil
}

// FinishRun closes a run row with its final status. The error column holds
// the first failed stage's error.
func (s *SQLiteStore) FinishRun(ctx context.Context, summary *engine.RunSummary) error {
	var errMsg *string
	for i := range summary.Stages {
		if summary.Stages[i].Status == engine.StageStatusFailed {
			errMsg = nullable(summary.Stages[i].Error)
			break
		}
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?, stages_total = ?, error = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(summary.Status),
		summary.StartedAt.Add(summary.Duration).UTC(),
		summary.Duration.Milliseconds(),
		len(summary.Stages),
		errMsg,
		summary.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", summary.RunID, ErrNotFound)
	}
	return nil
}

// RecordAttempt inserts a download attempt.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a sources.Attempt) error {
	query := `
		INSERT INTO download_attempts (run_id, stage, url, scheme, status, bytes, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.RunID,
		a.Stage,
		a.URL,
		a.Scheme,
		string(a.Status),
		a.Bytes,
		a.StartedAt.UTC(),
		a.Duration.Milliseconds(),
		nullable(a.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to record download attempt: %w", err)
	}
	return nil
}

const runColumns = `id, target, stage_group, status, started_at, completed_at, duration_ms, stages_total, error`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	var status string
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.Target,
		&run.Group,
		&status,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.StagesTotal,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStageRuns returns the stage outcomes of a run in execution order.
func (s *SQLiteStore) ListStageRuns(ctx context.Context, runID string) ([]*StageRun, error) {
	query := `
		SELECT id, run_id, stage, status, artifacts, started_at, duration_ms, error
		FROM stage_runs
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs: %w", err)
	}
	defer rows.Close()

	out := []*StageRun{}
	for rows.Next() {
		sr := &StageRun{}
		var status, artifacts string
		var durationMS int64
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.Stage, &status, &artifacts, &sr.StartedAt, &durationMS, &sr.Error); err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &sr.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts: %w", err)
		}
		sr.Status = engine.StageStatus(status)
		sr.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ListDownloadAttempts returns the download attempts of a run in order.
func (s *SQLiteStore) ListDownloadAttempts(ctx context.Context, runID string) ([]*DownloadAttempt, error) {
	query := `
		SELECT id, run_id, stage, url, scheme, status, bytes, started_at, duration_ms, error
		FROM download_attempts
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list download attempts: %w", err)
	}
	defer rows.Close()

	out := []*DownloadAttempt{}
	for rows.Next() {
		da := &DownloadAttempt{}
		var status string
		var durationMS int64
		var errMsg *string
		if err := rows.Scan(&da.ID, &da.RunID, &da.Stage, &da.URL, &da.Scheme, &status,
			&da.Bytes, &da.StartedAt, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan download attempt: %w", err)
		}
		da.Status = sources.AttemptStatus(status)
		da.Duration = time.Duration(durationMS) * time.Millisecond
		if errMsg != nil {
			da.Error = *errMsg
		}
		out = append(out, da)
	}
	return out, rows.Err()
}
