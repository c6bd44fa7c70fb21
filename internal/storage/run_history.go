package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
)

// RunFilter narrows a run history query
type RunFilter struct {
	ScheduleID string
	Status     model.RunStatus
	Limit      int
	Offset     int
}

// RunHistoryStorage defines the interface for the firing audit trail
type RunHistoryStorage interface {
	// Store stores a run record
	Store(ctx context.Context, run *model.RunRecord) error

	// Get retrieves a run record by ID, or nil if absent
	Get(ctx context.Context, id string) (*model.RunRecord, error)

	// List retrieves run records, most recent first
	List(ctx context.Context, filter RunFilter) ([]*model.RunRecord, error)

	// Count returns the number of records matching the filter
	Count(ctx context.Context, filter RunFilter) (int, error)

	// DeleteBefore deletes records fired before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRunHistory implements RunHistoryStorage using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens (or creates) the run history database at dbPath
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedule_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			schedule_name TEXT NOT NULL,
			status TEXT NOT NULL,
			session_id TEXT,
			attempts INTEGER NOT NULL,
			error TEXT,
			fired_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule_id ON schedule_runs(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_status ON schedule_runs(status);
		CREATE INDEX IF NOT EXISTS idx_schedule_runs_fired_at ON schedule_runs(fired_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements RunHistoryStorage.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, run *model.RunRecord) error {
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (
			id, schedule_id, schedule_name, status, session_id, attempts,
			error, fired_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.ScheduleID,
		run.ScheduleName,
		string(run.Status),
		sql.NullString{String: run.SessionID, Valid: run.SessionID != ""},
		run.Attempts,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		run.FiredAt.UTC(),
		completedAt,
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

// Get implements RunHistoryStorage.Get
func (s *SQLiteRunHistory) Get(ctx context.Context, id string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, schedule_id, schedule_name, status, session_id, attempts,
			error, fired_at, completed_at, duration
		FROM schedule_runs
		WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run record: %w", err)
	}
	return run, nil
}

// List implements RunHistoryStorage.List
func (s *SQLiteRunHistory) List(ctx context.Context, filter RunFilter) ([]*model.RunRecord, error) {
	where, args := filter.where()
	query := `SELECT id, schedule_id, schedule_name, status, session_id, attempts,
		error, fired_at, completed_at, duration FROM schedule_runs` + where

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY fired_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

// Count implements RunHistoryStorage.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, filter RunFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedule_runs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count run history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistoryStorage.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM schedule_runs WHERE fired_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

func (f RunFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	run := &model.RunRecord{}
	var status string
	var sessionID, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.ScheduleID,
		&run.ScheduleName,
		&status,
		&sessionID,
		&run.Attempts,
		&errorStr,
		&run.FiredAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	if sessionID.Valid {
		run.SessionID = sessionID.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if completedAt.Valid {
		completed := completedAt.Time
		run.CompletedAt = &completed
	}
	if durationNanos.Valid {
		run.Duration = time.Duration(durationNanos.Int64)
	}

	return run, nil
}
