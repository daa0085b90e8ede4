package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/ashureev/realitycheck-coach/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultListLimit caps ListEvents when no limit is given.
const DefaultListLimit = 500

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the journal database at dbPath.
func NewSQLite(dbPath string) (*SQLiteJournal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		step_id TEXT,
		detail_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// RecordEvent appends an event, retrying while the database is busy.
func (j *SQLiteJournal) RecordEvent(ctx context.Context, ev domain.Event) error {
	var detail any
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		detail = string(b)
	}

	var stepID any
	if ev.StepID != "" {
		stepID = ev.StepID
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
	INSERT INTO session_events (session_id, kind, status, step_id, detail_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "record event", shared.DefaultRetryPolicy, func() error {
		_, err := j.db.ExecContext(ctx, query,
			ev.SessionID, string(ev.Kind), string(ev.Status), stepID, detail, createdAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns the session's events in the order they were recorded.
func (j *SQLiteJournal) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, session_id, kind, status, step_id, detail_json, created_at
		FROM session_events WHERE session_id = ?
		ORDER BY id ASC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []domain.Event{}
	for rows.Next() {
		var (
			ev        domain.Event
			kind      string
			status    string
			stepID    sql.NullString
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &status, &stepID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Status = domain.Status(status)
		ev.StepID = stepID.String
		ev.CreatedAt = time.UnixMilli(createdAt)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PurgeBefore removes events recorded before cutoff.
func (j *SQLiteJournal) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "purge events", shared.DefaultRetryPolicy, func() error {
		result, err := j.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
