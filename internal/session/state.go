package session

import (
	"strings"
	"sync"
	"time"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/conversation"
	"medsim/internal/feedback"
	"medsim/internal/ledger"
	"medsim/internal/prompt"
	"medsim/internal/simerr"
	"medsim/internal/store"
)

// State is everything the simulator knows about one training session. It is
// owned by the Manager and only touched while mu is held.
type State struct {
	mu sync.Mutex

	ID             string
	Case           *cases.Case
	Conversation   *conversation.Conversation
	Ledger         *ledger.Ledger
	Usage          *completion.UsageCounter
	Stage          Stage
	Examination    string
	Differentials  string
	FinalDiagnosis string
	Therapy        string
	CareSetting    string
	Feedback       *feedback.Assembler

	StartedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       time.Time
	FeedbackDuration time.Duration
}

func newState(id string, cs *cases.Case, instruction string, now time.Time) *State {
	return &State{
		ID:           id,
		Case:         cs,
		Conversation: conversation.New(instruction),
		Ledger:       ledger.New(),
		Usage:        &completion.UsageCounter{},
		Stage:        StageCaseSelected,
		Feedback:     feedback.NewAssembler(),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// promptContext assembles the composer input from the current state.
func (s *State) promptContext() prompt.Context {
	requests, findings := s.Ledger.AccumulatedText()
	return prompt.Context{
		Case:           s.Case,
		UserTranscript: s.Conversation.UserTranscript(),
		Examination:    s.Examination,
		Differentials:  s.Differentials,
		RoundRequests:  requests,
		RoundFindings:  findings,
		FinalDiagnosis: s.FinalDiagnosis,
		Therapy:        s.Therapy,
		CareSetting:    s.CareSetting,
	}
}

// chatHistory maps the conversation to completion messages.
func (s *State) chatHistory() []completion.Message {
	turns := s.Conversation.Turns()
	msgs := make([]completion.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := completion.RoleUser
		switch t.Speaker {
		case conversation.System:
			role = completion.RoleSystem
		case conversation.Assistant:
			role = completion.RoleAssistant
		}
		msgs = append(msgs, completion.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// ended reports whether End has written the final record.
func (s *State) ended() bool {
	return !s.FinishedAt.IsZero()
}

func (s *State) record() store.Record {
	requests, findings := s.Ledger.AccumulatedText()
	usage := s.Usage.Snapshot()

	var fb string
	if doc := s.Feedback.Document(); doc != nil {
		fb = doc.Text
	}

	return store.Record{
		SessionID:          s.ID,
		ScenarioID:         s.Case.ScenarioID,
		Stage:              s.Stage.String(),
		StartedAt:          s.StartedAt,
		UpdatedAt:          s.UpdatedAt,
		FinishedAt:         s.FinishedAt,
		Transcript:         transcript(s.Conversation),
		Examination:        s.Examination,
		Differentials:      s.Differentials,
		RoundRequests:      requests,
		RoundFindings:      findings,
		RoundCount:         s.Ledger.Len(),
		FinalDiagnosis:     s.FinalDiagnosis,
		Therapy:            s.Therapy,
		CareSetting:        s.CareSetting,
		Feedback:           fb,
		PromptTokens:       usage.PromptTokens,
		CompletionTokens:   usage.CompletionTokens,
		TotalTokens:        usage.TotalTokens,
		FeedbackDurationMs: s.FeedbackDuration.Milliseconds(),
	}
}

// transcript renders the interview without the system instruction.
func transcript(c *conversation.Conversation) string {
	var b strings.Builder
	for _, t := range c.Turns() {
		if t.Speaker == conversation.System {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID             string              `json:"id"`
	Stage          Stage               `json:"stage"`
	Case           cases.Case          `json:"case"`
	Turns          []conversation.Turn `json:"turns"`
	Examination    string              `json:"examination,omitempty"`
	Differentials  string              `json:"differentials,omitempty"`
	Rounds         []ledger.Round      `json:"rounds"`
	FinalDiagnosis string              `json:"final_diagnosis,omitempty"`
	Therapy        string              `json:"therapy,omitempty"`
	CareSetting    string              `json:"care_setting,omitempty"`
	Usage          completion.Usage    `json:"usage"`
	Calls          int                 `json:"calls"`
	FeedbackState  feedback.State      `json:"feedback_state"`
	FeedbackError  string              `json:"feedback_error,omitempty"`
	Feedback       *feedback.Document  `json:"feedback,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (s *State) snapshot() *Snapshot {
	var turns []conversation.Turn
	for _, t := range s.Conversation.Turns() {
		if t.Speaker != conversation.System {
			turns = append(turns, t)
		}
	}

	return &Snapshot{
		ID:             s.ID,
		Stage:          s.Stage,
		Case:           *s.Case,
		Turns:          turns,
		Examination:    s.Examination,
		Differentials:  s.Differentials,
		Rounds:         s.Ledger.Rounds(),
		FinalDiagnosis: s.FinalDiagnosis,
		Therapy:        s.Therapy,
		CareSetting:    s.CareSetting,
		Usage:          s.Usage.Snapshot(),
		Calls:          s.Usage.Calls(),
		FeedbackState:  s.Feedback.State(),
		FeedbackError:  feedbackError(s.Feedback),
		Feedback:       s.Feedback.Document(),
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// feedbackError is the student-facing message of the last failed run.
func feedbackError(a *feedback.Assembler) string {
	if err := a.Err(); err != nil {
		return simerr.UserMessage(err)
	}
	return ""
}
