// Package store persists session outcomes.
//
// Writes are best effort from the simulator's point of view: every failure is
// returned as a *simerr.PersistenceError and callers decide whether to surface it.
package store

import (
	"context"
	"fmt"
	"time"

	"medsim/internal/simerr"
)

// Record is the flat row written for a session after every logical event.
type Record struct {
	SessionID          string
	ScenarioID         string
	Stage              string
	StartedAt          time.Time
	UpdatedAt          time.Time
	FinishedAt         time.Time
	Transcript         string
	Examination        string
	Differentials      string
	RoundRequests      string
	RoundFindings      string
	RoundCount         int
	FinalDiagnosis     string
	Therapy            string
	CareSetting        string
	Feedback           string
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	FeedbackDurationMs int64
}

// UsageRecord is one completion call.
type UsageRecord struct {
	RequestID        string
	SessionID        string
	Operation        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
}

// Sink is the persistence boundary.
type Sink interface {
	SaveSession(ctx context.Context, rec Record) error
	RecordUsage(ctx context.Context, u UsageRecord) error
	RecordEvent(ctx context.Context, eventType, description string) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) SaveSession(context.Context, Record) error         { return nil }
func (Nop) RecordUsage(context.Context, UsageRecord) error    { return nil }
func (Nop) RecordEvent(context.Context, string, string) error { return nil }
func (Nop) Close() error                                      { return nil }

// Open creates the sink selected by driver: "sqlite", "postgres" or "none".
func Open(ctx context.Context, driver, sqlitePath, postgresDSN string) (Sink, error) {
	switch driver {
	case "sqlite", "":
		db, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		pg, err := OpenPostgres(ctx, postgresDSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &simerr.PersistenceError{Op: op, Err: err}
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
