package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLite is the default Sink backed by a single database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens path, applies pragmas and creates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, persistErr("open", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, persistErr("open", fmt.Errorf("failed to execute schema: %w", err))
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// openDB opens a SQLite database with WAL pragmas. modernc.org/sqlite ignores
// DSN pragma parameters so they run as statements.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -64000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return db, nil
}

// DB exposes the handle for the latency histogram.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// SaveSession upserts the session row.
func (s *SQLite) SaveSession(ctx context.Context, rec Record) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = updated
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, scenario_id, stage, started_at, updated_at, finished_at,
			transcript, examination, differentials, round_requests, round_findings, round_count,
			final_diagnosis, therapy, care_setting, feedback,
			prompt_tokens, completion_tokens, total_tokens, feedback_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			stage = excluded.stage,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at,
			transcript = excluded.transcript,
			examination = excluded.examination,
			differentials = excluded.differentials,
			round_requests = excluded.round_requests,
			round_findings = excluded.round_findings,
			round_count = excluded.round_count,
			final_diagnosis = excluded.final_diagnosis,
			therapy = excluded.therapy,
			care_setting = excluded.care_setting,
			feedback = excluded.feedback,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			feedback_duration_ms = excluded.feedback_duration_ms
	`,
		rec.SessionID, rec.ScenarioID, rec.Stage, started.Unix(), updated.Unix(), unixOrNil(rec.FinishedAt),
		rec.Transcript, rec.Examination, rec.Differentials, rec.RoundRequests, rec.RoundFindings, rec.RoundCount,
		rec.FinalDiagnosis, rec.Therapy, rec.CareSetting, rec.Feedback,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.FeedbackDurationMs,
	)
	return persistErr("save_session", err)
}

// LoadSession reads back a saved session.
func (s *SQLite) LoadSession(ctx context.Context, sessionID string) (*Record, error) {
	var (
		rec              Record
		started, updated int64
		finished         sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, scenario_id, stage, started_at, updated_at, finished_at,
		       transcript, examination, differentials, round_requests, round_findings, round_count,
		       final_diagnosis, therapy, care_setting, feedback,
		       prompt_tokens, completion_tokens, total_tokens, feedback_duration_ms
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(
		&rec.SessionID, &rec.ScenarioID, &rec.Stage, &started, &updated, &finished,
		&rec.Transcript, &rec.Examination, &rec.Differentials, &rec.RoundRequests, &rec.RoundFindings, &rec.RoundCount,
		&rec.FinalDiagnosis, &rec.Therapy, &rec.CareSetting, &rec.Feedback,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.FeedbackDurationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistErr("load_session", fmt.Errorf("session %s: %w", sessionID, ErrNotFound))
	}
	if err != nil {
		return nil, persistErr("load_session", err)
	}

	rec.StartedAt = time.Unix(started, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	if finished.Valid {
		rec.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return &rec, nil
}

// RecordUsage records one completion call.
func (s *SQLite) RecordUsage(ctx context.Context, u UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_usage
		(request_id, session_id, operation, model, tokens_prompt, tokens_completion, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.RequestID, u.SessionID, u.Operation, u.Model, u.PromptTokens, u.CompletionTokens, u.LatencyMs, s.now().Unix())
	return persistErr("record_usage", err)
}

// SessionUsage sums the recorded token usage of a session.
func (s *SQLite) SessionUsage(ctx context.Context, sessionID string) (prompt, completion int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_prompt), 0), COALESCE(SUM(tokens_completion), 0)
		FROM completion_usage
		WHERE session_id = ?
	`, sessionID).Scan(&prompt, &completion)
	return prompt, completion, persistErr("session_usage", err)
}

// RecordEvent appends a telemetry event.
func (s *SQLite) RecordEvent(ctx context.Context, eventType, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (timestamp, event_type, description)
		VALUES (?, ?, ?)
	`, s.now().Unix(), eventType, description)
	return persistErr("record_event", err)
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.db.Close()
		return persistErr("close", fmt.Errorf("wal checkpoint: %w", err))
	}
	return persistErr("close", s.db.Close())
}
