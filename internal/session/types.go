package session

import (
	"time"

	"medsim/internal/completion"
	"medsim/internal/feedback"
	"medsim/internal/ledger"
)

// StartRequest selects a scenario. An empty ScenarioID picks one at random.
type StartRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// AskRequest is one interview question.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse carries the patient's answer
type AskResponse struct {
	Answer string           `json:"answer"`
	Turns  int              `json:"turns"`
	Usage  completion.Usage `json:"usage"`
}

// ExamineResponse carries the physical examination findings
type ExamineResponse struct {
	Findings string           `json:"findings"`
	Usage    completion.Usage `json:"usage"`
}

// DifferentialsRequest holds the student's differential diagnoses
type DifferentialsRequest struct {
	Differentials string `json:"differentials"`
}

// DiagnosticsRequest names the investigations requested for the next round
type DiagnosticsRequest struct {
	Request string `json:"request"`
}

// DiagnosticsResponse is the resolved round
type DiagnosticsResponse struct {
	Round ledger.Round     `json:"round"`
	Usage completion.Usage `json:"usage"`
}

// FinalRequest holds the final diagnosis and treatment plan
type FinalRequest struct {
	Diagnosis   string `json:"diagnosis"`
	Therapy     string `json:"therapy"`
	CareSetting string `json:"care_setting"`
}

// FeedbackReport is the outcome of GenerateFeedback.
type FeedbackReport struct {
	SessionID string             `json:"session_id"`
	Document  *feedback.Document `json:"document"`
	Cached    bool               `json:"cached"`
	Usage     completion.Usage   `json:"usage"`
	Duration  time.Duration      `json:"duration"`

	// PersistenceError is set when the result could not be saved. The
	// document is still valid.
	PersistenceError string `json:"persistence_error,omitempty"`
}

// Observer receives session lifecycle events. metrics.Collector implements it.
type Observer interface {
	SessionStarted(scenario string)
	SessionEnded()
	ObserveFeedback(mode string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)                 {}
func (nopObserver) SessionEnded()                         {}
func (nopObserver) ObserveFeedback(string, time.Duration) {}
