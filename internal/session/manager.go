// Package session orchestrates training sessions.
//
// A Manager owns every live State. Operations on one session are serialized by
// the session's mutex; feedback generation releases it while the fan-out runs
// and the stage machine rejects everything else until it finishes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/feedback"
	"medsim/internal/prompt"
	"medsim/internal/simerr"
	"medsim/internal/store"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Config wires a Manager. Selector and Provider are required.
type Config struct {
	Selector  *cases.Selector
	Composer  *prompt.Composer
	Provider  completion.Provider
	Generator *feedback.Generator
	Sink      store.Sink
	Observer  Observer
	Logger    *zap.Logger

	// Model overrides the provider default for interview, examination and
	// findings calls.
	Model string
}

// Manager manages simulator sessions
type Manager struct {
	selector  *cases.Selector
	composer  *prompt.Composer
	provider  completion.Provider
	generator *feedback.Generator
	sink      store.Sink
	observer  Observer
	logger    *zap.Logger
	model     string
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*State
}

// NewManager creates a new session manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Selector == nil {
		return nil, fmt.Errorf("session manager: selector is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session manager: provider is required")
	}

	m := &Manager{
		selector:  cfg.Selector,
		composer:  cfg.Composer,
		provider:  cfg.Provider,
		generator: cfg.Generator,
		sink:      cfg.Sink,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		model:     cfg.Model,
		now:       time.Now,
		sessions:  make(map[string]*State),
	}
	if m.composer == nil {
		m.composer = prompt.NewComposer()
	}
	if m.generator == nil {
		m.generator = feedback.NewGenerator(m.composer, m.provider, nil, feedback.ModeParallel, "")
	}
	if m.sink == nil {
		m.sink = store.Nop{}
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("session")
	return m, nil
}

// Start selects a case and opens a new session.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Snapshot, error) {
	cs, err := m.selector.Select(req.ScenarioID)
	if err != nil {
		return nil, err
	}

	instruction, err := m.composer.PatientInstruction(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to build patient instruction: %w", err)
	}

	st := newState(uuid.New().String(), cs, instruction, m.now())

	m.mu.Lock()
	m.sessions[st.ID] = st
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	m.observer.SessionStarted(cs.ScenarioID)
	m.logger.Info("session started",
		zap.String("session_id", st.ID),
		zap.String("scenario", cs.ScenarioID),
		zap.String("behavior", string(cs.Behavior)),
	)
	m.persist(ctx, st)
	m.event(ctx, "session_started", fmt.Sprintf("%s %s", st.ID, cs.ScenarioID))

	return st.snapshot(), nil
}

// Ask sends one interview question to the simulated patient. The turn pair is
// only appended once the answer arrived.
func (m *Manager) Ask(ctx context.Context, id string, req AskRequest) (*AskResponse, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, simerr.NewStateError("ask", "question is empty")
	}
	if err := advance(st, "ask", StageAnamnesis); err != nil {
		return nil, err
	}

	msgs := append(st.chatHistory(), completion.Message{Role: completion.RoleUser, Content: question})
	resp, err := m.call(ctx, st, "chat", msgs)
	if err != nil {
		return nil, err
	}

	st.Conversation.AppendUser(question)
	st.Conversation.AppendAssistant(resp.Content)
	m.enter(ctx, st, StageAnamnesis)

	return &AskResponse{Answer: resp.Content, Turns: st.Conversation.Len() - 1, Usage: resp.Usage}, nil
}

// Examine generates the physical examination findings.
func (m *Manager) Examine(ctx context.Context, id string) (*ExamineResponse, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	if err := advance(st, "examine", StageExamDone); err != nil {
		return nil, err
	}

	text, err := m.composer.ExaminationPrompt(st.promptContext())
	if err != nil {
		return nil, err
	}

	resp, err := m.call(ctx, st, "examination", userMessage(text))
	if err != nil {
		return nil, err
	}

	st.Examination = resp.Content
	m.enter(ctx, st, StageExamDone)

	return &ExamineResponse{Findings: resp.Content, Usage: resp.Usage}, nil
}

// SubmitDifferentials stores the differential diagnoses. Resubmitting
// replaces them until diagnostics start.
func (m *Manager) SubmitDifferentials(ctx context.Context, id string, req DifferentialsRequest) (*Snapshot, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	text := strings.TrimSpace(req.Differentials)
	if text == "" {
		return nil, simerr.NewStateError("submit_differentials", "differential diagnoses are empty")
	}
	if err := advance(st, "submit_differentials", StageDifferentials); err != nil {
		return nil, err
	}

	st.Differentials = text
	m.enter(ctx, st, StageDifferentials)

	return st.snapshot(), nil
}

// RequestDiagnostics runs one diagnostic round. The first call seeds round 1.
// When the findings call fails the round stays open with its request and the
// next call retries it, replacing the request.
func (m *Manager) RequestDiagnostics(ctx context.Context, id string, req DiagnosticsRequest) (*DiagnosticsResponse, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	request := strings.TrimSpace(req.Request)
	if request == "" {
		return nil, simerr.NewStateError("request_diagnostics", "no investigations requested")
	}
	if err := advance(st, "request_diagnostics", StageDiagnostics); err != nil {
		return nil, err
	}

	pctx := st.promptContext()
	l := st.Ledger

	round := 1
	switch {
	case l.Len() == 0:
		// round 1 is only written once its findings exist
	case l.HasOpenRound():
		cur, _ := l.Current()
		round = cur.Index
		if err := l.RecordRequest(round, request); err != nil {
			return nil, err
		}
	default:
		round = l.Len() + 1
		if err := l.RecordRequest(round, request); err != nil {
			return nil, err
		}
	}

	text, err := m.composer.FindingsPrompt(pctx, round, request)
	if err != nil {
		return nil, err
	}

	resp, err := m.call(ctx, st, "findings", userMessage(text))
	if err != nil {
		m.logger.Warn("diagnostic round left open",
			zap.String("session_id", st.ID),
			zap.Int("round", round),
			zap.Error(err),
		)
		return nil, err
	}

	if l.Len() == 0 {
		err = l.Seed(request, resp.Content, m.now())
	} else {
		err = l.RecordFindings(round, resp.Content)
	}
	if err != nil {
		m.logger.Error("failed to record findings", zap.String("session_id", st.ID), zap.Int("round", round), zap.Error(err))
		return nil, err
	}

	m.enter(ctx, st, StageDiagnostics)

	cur, _ := l.Current()
	return &DiagnosticsResponse{Round: cur, Usage: resp.Usage}, nil
}

// SubmitFinal stores the final diagnosis, therapy and care setting. Empty
// fields are allowed and render as placeholders in the evaluation.
func (m *Manager) SubmitFinal(ctx context.Context, id string, req FinalRequest) (*Snapshot, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	if err := advance(st, "submit_final", StageFinalEntered); err != nil {
		return nil, err
	}
	if st.Ledger.HasOpenRound() {
		cur, _ := st.Ledger.Current()
		return nil, simerr.NewStateError("submit_final", "round %d is still waiting for findings", cur.Index)
	}

	st.FinalDiagnosis = strings.TrimSpace(req.Diagnosis)
	st.Therapy = strings.TrimSpace(req.Therapy)
	st.CareSetting = strings.TrimSpace(req.CareSetting)
	m.enter(ctx, st, StageFinalEntered)

	return st.snapshot(), nil
}

// GenerateFeedback produces the evaluation, or returns the cached one.
func (m *Manager) GenerateFeedback(ctx context.Context, id string) (*FeedbackReport, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}

	if doc := st.Feedback.Document(); doc != nil && st.Feedback.State() == feedback.Complete {
		report := &FeedbackReport{SessionID: st.ID, Document: doc, Cached: true, Usage: st.Usage.Snapshot(), Duration: st.FeedbackDuration}
		st.mu.Unlock()
		return report, nil
	}

	if err := advance(st, "generate_feedback", StageFeedbackGenerating); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	pctx := st.promptContext()
	m.enter(ctx, st, StageFeedbackGenerating)
	st.mu.Unlock()

	doc, cached, err := st.Feedback.Run(ctx, func(ctx context.Context) (*feedback.Document, error) {
		return m.generator.Generate(ctx, pctx)
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	// End may have run while the lock was released. An ended session keeps
	// its stage and finished_at; only the spend is booked.
	ended := st.ended()

	if err != nil {
		var be *completion.BatchError
		if errors.As(err, &be) {
			m.bookFeedback(ctx, st, feedback.FromBatch(be.Completed))
		}
		m.logger.Error("feedback generation failed",
			zap.String("session_id", st.ID),
			zap.String("mode", string(m.generator.Mode())),
			zap.Error(err),
		)
		if ended {
			m.persist(ctx, st)
		} else {
			m.enter(ctx, st, StageFeedbackFailed)
		}
		return nil, err
	}

	if !cached {
		m.bookFeedback(ctx, st, doc.Results)
		st.FeedbackDuration = doc.Duration
		m.observer.ObserveFeedback(string(doc.Mode), doc.Duration)
	}

	if !ended {
		st.Stage = StageFeedbackDone
		st.UpdatedAt = m.now()
	}

	report := &FeedbackReport{
		SessionID: st.ID,
		Document:  doc,
		Cached:    cached,
		Usage:     st.Usage.Snapshot(),
		Duration:  st.FeedbackDuration,
	}
	if perr := m.persist(ctx, st); perr != nil {
		report.PersistenceError = perr.Error()
	}
	m.event(ctx, "feedback_generated", fmt.Sprintf("%s mode=%s sections=%d", st.ID, doc.Mode, len(doc.Results)))

	m.logger.Info("feedback generated",
		zap.String("session_id", st.ID),
		zap.String("mode", string(doc.Mode)),
		zap.Bool("session_ended", ended),
		zap.Duration("duration", doc.Duration),
		zap.Int("feedback_tokens", doc.Usage().TotalTokens),
		zap.Int("total_tokens", report.Usage.TotalTokens),
	)
	return report, nil
}

// bookFeedback adds the usage of finished feedback calls to the session.
func (m *Manager) bookFeedback(ctx context.Context, st *State, results []feedback.Result) {
	for _, r := range results {
		st.Usage.Add(r.Usage)
		op := "feedback"
		if r.TaskID != feedback.SingleTaskID {
			op = "feedback:" + r.TaskID
		}
		m.recordUsage(ctx, st.ID, op, r.Model, r.Usage, r.Duration)
	}
}

// Snapshot returns a read-only view of a session.
func (m *Manager) Snapshot(_ context.Context, id string) (*Snapshot, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// Document returns the finished feedback document of a session.
func (m *Manager) Document(_ context.Context, id string) (*Snapshot, *feedback.Document, error) {
	st, err := m.lock(id)
	if err != nil {
		return nil, nil, err
	}
	defer st.mu.Unlock()

	doc := st.Feedback.Document()
	if doc == nil {
		return nil, nil, simerr.NewStateError("document", "feedback has not been generated")
	}
	return st.snapshot(), doc, nil
}

// End removes a session and writes its final record.
func (m *Manager) End(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	finished := m.now()
	st.UpdatedAt = finished
	st.FinishedAt = finished
	m.persist(ctx, st)
	m.event(ctx, "session_ended", fmt.Sprintf("%s stage=%s rounds=%d", st.ID, st.Stage, st.Ledger.Len()))
	m.observer.SessionEnded()

	m.logger.Info("session ended",
		zap.String("session_id", st.ID),
		zap.String("stage", st.Stage.String()),
		zap.Duration("elapsed", finished.Sub(st.StartedAt)),
	)
	return st.snapshot(), nil
}

// IDs lists the live sessions
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every live session
func (m *Manager) Close(ctx context.Context) {
	for _, id := range m.IDs() {
		_, _ = m.End(ctx, id)
	}
}

// lock looks up a session and returns it with its mutex held.
func (m *Manager) lock(id string) (*State, error) {
	m.mu.RLock()
	st, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	st.mu.Lock()
	return st, nil
}

func advance(st *State, op string, to Stage) error {
	if !CanTransition(st.Stage, to) {
		return simerr.NewStateError(op, "not allowed in stage %s", st.Stage)
	}
	return nil
}

// enter moves st to stage and writes the session row.
func (m *Manager) enter(ctx context.Context, st *State, stage Stage) {
	st.Stage = stage
	st.UpdatedAt = m.now()
	m.persist(ctx, st)
}

// call runs one completion for st and books its usage.
func (m *Manager) call(ctx context.Context, st *State, op string, msgs []completion.Message) (*completion.Response, error) {
	start := time.Now()
	resp, err := m.provider.Chat(ctx, msgs, completion.WithModel(m.model), completion.WithOperation(op))
	if err != nil {
		return nil, err
	}

	st.Usage.Add(resp.Usage)
	m.recordUsage(ctx, st.ID, op, resp.Model, resp.Usage, time.Since(start))
	return resp, nil
}

func (m *Manager) recordUsage(ctx context.Context, sessionID, op, model string, u completion.Usage, latency time.Duration) {
	err := m.sink.RecordUsage(ctx, store.UsageRecord{
		RequestID:        uuid.New().String(),
		SessionID:        sessionID,
		Operation:        op,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		LatencyMs:        latency.Milliseconds(),
	})
	if err != nil {
		m.logger.Warn("failed to record usage", zap.String("session_id", sessionID), zap.String("operation", op), zap.Error(err))
	}
}

// persist writes the session row. Failures are logged and returned, never fatal.
func (m *Manager) persist(ctx context.Context, st *State) error {
	if err := m.sink.SaveSession(ctx, st.record()); err != nil {
		m.logger.Warn("failed to save session", zap.String("session_id", st.ID), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) event(ctx context.Context, eventType, description string) {
	if err := m.sink.RecordEvent(ctx, eventType, description); err != nil {
		m.logger.Warn("failed to record event", zap.String("event", eventType), zap.Error(err))
	}
}

func userMessage(text string) []completion.Message {
	return []completion.Message{{Role: completion.RoleUser, Content: text}}
}
