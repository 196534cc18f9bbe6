package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres is a Sink for shared deployments.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn. It does not migrate; run Migrate first.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, persistErr("open", errors.New("postgres dsn is empty"))
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, persistErr("open", fmt.Errorf("failed to open postgres: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, persistErr("open", fmt.Errorf("failed to ping postgres: %w", err))
	}

	return &Postgres{db: db}, nil
}

// Migrate applies the embedded migrations. ErrNoChange is not an error.
func (p *Postgres) Migrate() error {
	return persistErr("migrate", migrateUp(p.db))
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SaveSession upserts the session row.
func (p *Postgres) SaveSession(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, scenario_id, stage, started_at, updated_at, finished_at,
			transcript, examination, differentials, round_requests, round_findings, round_count,
			final_diagnosis, therapy, care_setting, feedback,
			prompt_tokens, completion_tokens, total_tokens, feedback_duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (session_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at,
			transcript = EXCLUDED.transcript,
			examination = EXCLUDED.examination,
			differentials = EXCLUDED.differentials,
			round_requests = EXCLUDED.round_requests,
			round_findings = EXCLUDED.round_findings,
			round_count = EXCLUDED.round_count,
			final_diagnosis = EXCLUDED.final_diagnosis,
			therapy = EXCLUDED.therapy,
			care_setting = EXCLUDED.care_setting,
			feedback = EXCLUDED.feedback,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens,
			feedback_duration_ms = EXCLUDED.feedback_duration_ms
	`,
		rec.SessionID, rec.ScenarioID, rec.Stage, rec.StartedAt.UTC(), rec.UpdatedAt.UTC(), timeOrNil(rec.FinishedAt),
		rec.Transcript, rec.Examination, rec.Differentials, rec.RoundRequests, rec.RoundFindings, rec.RoundCount,
		rec.FinalDiagnosis, rec.Therapy, rec.CareSetting, rec.Feedback,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.FeedbackDurationMs,
	)
	return persistErr("save_session", err)
}

// RecordUsage records one completion call.
func (p *Postgres) RecordUsage(ctx context.Context, u UsageRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO completion_usage
		(request_id, session_id, operation, model, tokens_prompt, tokens_completion, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.RequestID, u.SessionID, u.Operation, u.Model, u.PromptTokens, u.CompletionTokens, u.LatencyMs)
	return persistErr("record_usage", err)
}

// RecordEvent appends a telemetry event.
func (p *Postgres) RecordEvent(ctx context.Context, eventType, description string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (event_type, description) VALUES ($1, $2)
	`, eventType, description)
	return persistErr("record_event", err)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return persistErr("close", p.db.Close())
}

// MigratePostgres opens dsn, applies the embedded migrations and closes the
// connection.
func MigratePostgres(ctx context.Context, dsn string) error {
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Migrate()
}
