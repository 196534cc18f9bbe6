package session

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/completion/completiontest"
	"medsim/internal/feedback"
	"medsim/internal/prompt"
	"medsim/internal/simerr"
	"medsim/internal/store"
)

func newTestManager(t *testing.T, fake *completiontest.Provider, sink store.Sink, mode feedback.Mode) *Manager {
	t.Helper()
	composer := prompt.NewComposer()
	m, err := NewManager(Config{
		Selector:  cases.NewSelector(cases.DefaultCatalog(), rand.New(rand.NewSource(7))),
		Composer:  composer,
		Provider:  fake,
		Generator: feedback.NewGenerator(composer, fake, nil, mode, ""),
		Sink:      sink,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func start(t *testing.T, m *Manager) string {
	t.Helper()
	snap, err := m.Start(context.Background(), StartRequest{ScenarioID: "appendicitis"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return snap.ID
}

// walk drives a session up to the final diagnosis.
func walk(t *testing.T, m *Manager, id string, rounds int) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.Ask(ctx, id, AskRequest{Question: "Where does it hurt?"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if _, err := m.Examine(ctx, id); err != nil {
		t.Fatalf("Examine: %v", err)
	}
	if _, err := m.SubmitDifferentials(ctx, id, DifferentialsRequest{Differentials: "Appendicitis, gastroenteritis"}); err != nil {
		t.Fatalf("SubmitDifferentials: %v", err)
	}
	for i := 0; i < rounds; i++ {
		if _, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CBC, CRP"}); err != nil {
			t.Fatalf("RequestDiagnostics %d: %v", i+1, err)
		}
	}
}

func TestWorkflow(t *testing.T) {
	fake := completiontest.New()
	fake.On("chat", completiontest.Reply{Content: "Lower right, since yesterday.", Usage: completion.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
	fake.On("findings", completiontest.Reply{Content: "WBC 14.2", Usage: completion.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28}})
	fake.On("examination", completiontest.Reply{Content: "McBurney positive"})

	sink, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	m := newTestManager(t, fake, sink, feedback.ModeParallel)
	ctx := context.Background()
	id := start(t, m)

	ask, err := m.Ask(ctx, id, AskRequest{Question: "Where does it hurt?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ask.Answer != "Lower right, since yesterday." || ask.Turns != 2 {
		t.Errorf("unexpected answer %+v", ask)
	}

	if _, err := m.Examine(ctx, id); err != nil {
		t.Fatalf("Examine: %v", err)
	}
	if _, err := m.SubmitDifferentials(ctx, id, DifferentialsRequest{Differentials: "Appendicitis"}); err != nil {
		t.Fatalf("SubmitDifferentials: %v", err)
	}

	r1, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CBC"})
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	if r1.Round.Index != 1 || r1.Round.Findings != "WBC 14.2" {
		t.Errorf("round 1 = %+v", r1.Round)
	}

	snap, _ := m.Snapshot(ctx, id)
	if u := snap.Usage; u != (completion.Usage{PromptTokens: 30, CompletionTokens: 13, TotalTokens: 43}) {
		t.Errorf("usage after chat and findings = %+v", u)
	}

	r2, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "Ultrasound"})
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if r2.Round.Index != 2 {
		t.Errorf("round 2 index = %d", r2.Round.Index)
	}

	// Empty diagnosis is accepted and rendered as a placeholder.
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Therapy: "Appendectomy"}); err != nil {
		t.Fatalf("SubmitFinal: %v", err)
	}

	report, err := m.GenerateFeedback(ctx, id)
	if err != nil {
		t.Fatalf("GenerateFeedback: %v", err)
	}
	if report.Cached || report.PersistenceError != "" {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.Document.Results) != feedback.DefaultCatalog().Len() {
		t.Errorf("expected one result per task, got %d", len(report.Document.Results))
	}

	var feedbackCalls int
	for _, c := range fake.Calls() {
		if !strings.HasPrefix(c.Operation, "feedback:") {
			continue
		}
		feedbackCalls++
		body := c.Messages[0].Content
		if !strings.Contains(body, prompt.NoDiagnosis) {
			t.Errorf("%s prompt is missing the diagnosis placeholder", c.Operation)
		}
		if !strings.Contains(body, "### Round 2") || strings.Contains(body, "Lower right, since yesterday.") {
			t.Errorf("%s prompt has the wrong context", c.Operation)
		}
	}
	if feedbackCalls != 8 {
		t.Errorf("feedback calls = %d, want 8", feedbackCalls)
	}

	snap, _ = m.Snapshot(ctx, id)
	if snap.Stage != StageFeedbackDone || snap.FeedbackState != feedback.Complete {
		t.Errorf("final stage %s / %s", snap.Stage, snap.FeedbackState)
	}

	again, err := m.GenerateFeedback(ctx, id)
	if err != nil || !again.Cached || again.Document != report.Document {
		t.Errorf("second GenerateFeedback should return the cached document: %+v %v", again, err)
	}
	if feedbackCalls := len(fake.Calls()); feedbackCalls != 1+1+2+8 {
		t.Errorf("total calls = %d", feedbackCalls)
	}

	rec, err := sink.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if rec.Stage != "feedback-done" || rec.RoundCount != 2 || rec.Feedback == "" || rec.Therapy != "Appendectomy" {
		t.Errorf("unexpected persisted record %+v", rec)
	}
	if rec.TotalTokens != 15+28+28 {
		t.Errorf("persisted total tokens = %d", rec.TotalTokens)
	}
	prompts, completions, err := sink.SessionUsage(ctx, id)
	if err != nil || prompts != 50 || completions != 21 {
		t.Errorf("usage rows = %d/%d, %v", prompts, completions, err)
	}
}

func TestAskFailureKeepsConversation(t *testing.T) {
	fake := completiontest.New()
	fake.On("chat", completiontest.Reply{Err: simerr.NewRateLimitedError("", nil)}, completiontest.Reply{Content: "It hurts here."})

	m := newTestManager(t, fake, nil, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)

	_, err := m.Ask(ctx, id, AskRequest{Question: "Any fever?"})
	if !simerr.IsRateLimited(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	snap, _ := m.Snapshot(ctx, id)
	if len(snap.Turns) != 0 || snap.Stage != StageCaseSelected || snap.Usage.TotalTokens != 0 {
		t.Errorf("failed call must not change the session: %+v", snap)
	}

	if _, err := m.Ask(ctx, id, AskRequest{Question: "Any fever?"}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// The retry sees only the system instruction plus the new question.
	calls := fake.Calls()
	last := calls[len(calls)-1]
	if len(last.Messages) != 2 || last.Messages[0].Role != completion.RoleSystem {
		t.Errorf("unexpected history %+v", last.Messages)
	}
}

func TestStageGuards(t *testing.T) {
	m := newTestManager(t, completiontest.New(), nil, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)

	if _, err := m.Examine(ctx, id); !simerr.IsState(err) {
		t.Errorf("examine before anamnesis: %v", err)
	}
	if _, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CBC"}); !simerr.IsState(err) {
		t.Errorf("diagnostics before differentials: %v", err)
	}
	if _, err := m.GenerateFeedback(ctx, id); !simerr.IsState(err) {
		t.Errorf("feedback before final: %v", err)
	}
	if _, err := m.Ask(ctx, id, AskRequest{Question: "   "}); !simerr.IsState(err) {
		t.Errorf("empty question: %v", err)
	}

	walk(t, m, id, 0)
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Diagnosis: "x"}); !simerr.IsState(err) {
		t.Errorf("final before any round: %v", err)
	}
	if _, err := m.Ask(ctx, id, AskRequest{Question: "More?"}); !simerr.IsState(err) {
		t.Errorf("ask after examination: %v", err)
	}
}

func TestDiagnosticsRetryKeepsRoundOpen(t *testing.T) {
	boom := simerr.NewRemoteCallError(simerr.CodeServerError, "boom", nil)
	fake := completiontest.New()
	fake.On("findings",
		completiontest.Reply{Err: boom},
		completiontest.Reply{Content: "Hb 13"},
		completiontest.Reply{Err: boom},
		completiontest.Reply{Content: "CT normal"},
	)

	m := newTestManager(t, fake, nil, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)
	walk(t, m, id, 0)

	// A failed first round leaves nothing behind.
	if _, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CBC"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	snap, _ := m.Snapshot(ctx, id)
	if len(snap.Rounds) != 0 {
		t.Fatalf("round 1 must only exist with findings: %+v", snap.Rounds)
	}

	if _, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CBC"}); err != nil {
		t.Fatalf("round 1 retry: %v", err)
	}

	if _, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CT"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	snap, _ = m.Snapshot(ctx, id)
	if len(snap.Rounds) != 2 || snap.Rounds[1].Resolved() || snap.Rounds[1].Request != "CT" {
		t.Fatalf("round 2 should be open: %+v", snap.Rounds)
	}
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Diagnosis: "x"}); !simerr.IsState(err) {
		t.Errorf("final with open round: %v", err)
	}

	res, err := m.RequestDiagnostics(ctx, id, DiagnosticsRequest{Request: "CT abdomen"})
	if err != nil {
		t.Fatalf("round 2 retry: %v", err)
	}
	if res.Round.Index != 2 || res.Round.Request != "CT abdomen" || res.Round.Findings != "CT normal" {
		t.Errorf("retried round = %+v", res.Round)
	}
}

func TestFeedbackFailureAndRetry(t *testing.T) {
	fake := completiontest.New()
	fake.On("feedback", completiontest.Reply{Err: simerr.NewRateLimitedError("", nil)}, completiontest.Reply{Content: "Well done."})

	m := newTestManager(t, fake, nil, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)
	walk(t, m, id, 1)
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Diagnosis: "Appendicitis"}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GenerateFeedback(ctx, id); !simerr.IsRateLimited(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	snap, _ := m.Snapshot(ctx, id)
	if snap.Stage != StageFeedbackFailed || snap.FeedbackState != feedback.Failed {
		t.Fatalf("stage after failure = %s / %s", snap.Stage, snap.FeedbackState)
	}

	report, err := m.GenerateFeedback(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Document.Text != "Well done." || report.Cached {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestFeedbackFailureBooksCompletedTasks(t *testing.T) {
	perTask := completion.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	fake := completiontest.New()
	fake.Default = completiontest.Reply{Usage: perTask}
	fake.On("feedback:conclusion", completiontest.Reply{
		Delay: 50 * time.Millisecond,
		Err:   simerr.NewRemoteCallError(simerr.CodeServerError, "upstream failed", nil),
	})

	sink := newRecordingSink()
	m := newTestManager(t, fake, sink, feedback.ModeParallel)
	ctx := context.Background()
	id := start(t, m)
	walk(t, m, id, 1)
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Diagnosis: "Appendicitis"}); err != nil {
		t.Fatal(err)
	}
	before, _ := m.Snapshot(ctx, id)

	if _, err := m.GenerateFeedback(ctx, id); err == nil {
		t.Fatal("expected the conclusion task to fail the run")
	}

	after, _ := m.Snapshot(ctx, id)
	want := before.Usage.TotalTokens + 7*perTask.TotalTokens
	if after.Usage.TotalTokens != want {
		t.Errorf("usage after failed run = %d, want %d", after.Usage.TotalTokens, want)
	}
	if after.FeedbackError == "" {
		t.Error("snapshot should carry the failure message")
	}
	if n := sink.usageRows("feedback:"); n != 7 {
		t.Errorf("feedback usage rows = %d, want 7", n)
	}
}

// recordingSink keeps the last saved record per session and every usage row.
type recordingSink struct {
	store.Nop

	mu      sync.Mutex
	records map[string]store.Record
	usage   []store.UsageRecord
}

func newRecordingSink() *recordingSink {
	return &recordingSink{records: make(map[string]store.Record)}
}

func (s *recordingSink) SaveSession(_ context.Context, r store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.SessionID] = r
	return nil
}

func (s *recordingSink) RecordUsage(_ context.Context, u store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

func (s *recordingSink) record(id string) store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *recordingSink) usageRows(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.usage {
		if strings.HasPrefix(u.Operation, prefix) {
			n++
		}
	}
	return n
}

func TestEndDuringFeedbackKeepsFinishedRecord(t *testing.T) {
	fake := completiontest.New()
	fake.On("feedback", completiontest.Reply{Content: "Well done.", Delay: 200 * time.Millisecond})

	sink := newRecordingSink()
	m := newTestManager(t, fake, sink, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)
	walk(t, m, id, 1)
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{Diagnosis: "Appendicitis"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.GenerateFeedback(ctx, id)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := m.Snapshot(ctx, id)
		if err == nil && snap.Stage == StageFeedbackGenerating {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("feedback generation never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.End(ctx, id); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("GenerateFeedback: %v", err)
	}

	rec := sink.record(id)
	if rec.FinishedAt.IsZero() {
		t.Fatal("a later write cleared finished_at")
	}
	if rec.Stage != StageFeedbackGenerating.String() {
		t.Errorf("ended session stage = %s, want %s", rec.Stage, StageFeedbackGenerating)
	}
	if sink.usageRows("feedback") != 1 {
		t.Error("the finished call should still be booked")
	}
}

type failingSink struct{ store.Nop }

func (failingSink) SaveSession(context.Context, store.Record) error {
	return &simerr.PersistenceError{Op: "save_session", Err: errors.New("disk full")}
}

func TestPersistenceFailureIsReported(t *testing.T) {
	m := newTestManager(t, completiontest.New(), failingSink{}, feedback.ModeSingle)
	ctx := context.Background()
	id := start(t, m)
	walk(t, m, id, 1)
	if _, err := m.SubmitFinal(ctx, id, FinalRequest{}); err != nil {
		t.Fatal(err)
	}

	report, err := m.GenerateFeedback(ctx, id)
	if err != nil {
		t.Fatalf("persistence errors must not fail feedback: %v", err)
	}
	if report.Document == nil || !strings.Contains(report.PersistenceError, "disk full") {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestUnknownSessionAndEnd(t *testing.T) {
	m := newTestManager(t, completiontest.New(), nil, feedback.ModeSingle)
	ctx := context.Background()

	if _, err := m.Snapshot(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Start(ctx, StartRequest{ScenarioID: "nope"}); !errors.Is(err, cases.ErrUnknownScenario) {
		t.Errorf("expected ErrUnknownScenario, got %v", err)
	}

	id := start(t, m)
	if _, err := m.End(ctx, id); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := m.Ask(ctx, id, AskRequest{Question: "hello"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ended session should be gone: %v", err)
	}
	if len(m.IDs()) != 0 {
		t.Errorf("IDs = %v", m.IDs())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		ok       bool
	}{
		{StageCaseSelected, StageAnamnesis, true},
		{StageAnamnesis, StageAnamnesis, true},
		{StageCaseSelected, StageExamDone, false},
		{StageDiagnostics, StageDiagnostics, true},
		{StageDifferentials, StageFinalEntered, false},
		{StageFeedbackFailed, StageFeedbackGenerating, true},
		{StageFeedbackDone, StageFeedbackGenerating, false},
		{StageFinalEntered, StageFeedbackDone, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v", tt.from, tt.to, got)
		}
	}
}
