package ledger

import (
	"strings"
	"testing"
	"time"

	"medsim/internal/simerr"
)

func newTestLedger() *Ledger {
	l := New()
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l
}

func seeded(t *testing.T) *Ledger {
	t.Helper()
	l := newTestLedger()
	if err := l.Seed("CBC requested", "Hgb 13.5 g/dL, WBC 11.2", time.Time{}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return l
}

func TestSeed(t *testing.T) {
	l := newTestLedger()

	if err := l.Seed("CBC", "", time.Time{}); !simerr.IsState(err) {
		t.Errorf("Seed with empty findings: expected StateError, got %v", err)
	}

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := l.Seed("CBC", "normal", at); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if err := l.Seed("CBC", "normal", at); !simerr.IsState(err) {
		t.Errorf("second Seed: expected StateError, got %v", err)
	}

	r, ok := l.Current()
	if !ok || r.Index != 1 || !r.Resolved() {
		t.Errorf("unexpected round after seed: %+v", r)
	}
	if !r.CompletedAt.Equal(at) {
		t.Errorf("CompletedAt = %s, want the seed time %s", r.CompletedAt, at)
	}

	clocked := newTestLedger()
	if err := clocked.Seed("CBC", "normal", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if r, _ := clocked.Current(); !r.CompletedAt.Equal(clocked.now()) {
		t.Errorf("zero seed time should fall back to the clock, got %s", r.CompletedAt)
	}
}

func TestOpenRoundRequiresSeed(t *testing.T) {
	l := newTestLedger()

	if _, err := l.OpenRound(); !simerr.IsState(err) {
		t.Errorf("expected StateError before seed, got %v", err)
	}
	if err := l.RecordRequest(1, "CBC"); !simerr.IsState(err) {
		t.Errorf("expected StateError recording round 1 without seed, got %v", err)
	}
}

func TestOpenRoundRejectsSecondOpenRound(t *testing.T) {
	l := seeded(t)

	idx, err := l.OpenRound()
	if err != nil {
		t.Fatalf("OpenRound: %v", err)
	}
	if idx != 2 {
		t.Errorf("expected round 2, got %d", idx)
	}

	if _, err := l.OpenRound(); !simerr.IsState(err) {
		t.Errorf("expected StateError while round 2 is open, got %v", err)
	}

	if err := l.RecordRequest(2, "CT abdomen"); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if err := l.RecordFindings(2, "No acute findings"); err != nil {
		t.Fatalf("RecordFindings: %v", err)
	}

	idx, err = l.OpenRound()
	if err != nil {
		t.Fatalf("OpenRound after findings: %v", err)
	}
	if idx != 3 {
		t.Errorf("expected round 3, got %d", idx)
	}
}

func TestRecordRequestWindow(t *testing.T) {
	tests := []struct {
		name    string
		round   int
		wantErr func(error) bool
	}{
		{"next round", 2, nil},
		{"seeded round is resolved", 1, simerr.IsState},
		{"skip ahead", 3, simerr.IsInvalidRound},
		{"zero", 0, simerr.IsInvalidRound},
		{"negative", -1, simerr.IsInvalidRound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := seeded(t)
			err := l.RecordRequest(tt.round, "MRI")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !tt.wantErr(err) {
				t.Errorf("unexpected error kind: %v", err)
			}
		})
	}
}

func TestRecordRequestReplacesOpenRound(t *testing.T) {
	l := seeded(t)

	if err := l.RecordRequest(2, "CT"); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if err := l.RecordRequest(2, "CT with contrast"); err != nil {
		t.Fatalf("RecordRequest retry: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("retry should not add a round, have %d", l.Len())
	}

	r, _ := l.Current()
	if r.Request != "CT with contrast" {
		t.Errorf("request not replaced: %q", r.Request)
	}

	// Round 3 cannot start while round 2 is unresolved.
	if err := l.RecordRequest(3, "MRI"); !simerr.IsState(err) {
		t.Errorf("expected StateError, got %v", err)
	}
}

func TestRecordFindingsAtMostOnce(t *testing.T) {
	l := seeded(t)

	if err := l.RecordFindings(2, "anything"); !simerr.IsInvalidRound(err) {
		t.Errorf("missing round: expected InvalidRoundError, got %v", err)
	}
	if err := l.RecordFindings(1, "again"); !simerr.IsInvalidRound(err) {
		t.Errorf("resolved round: expected InvalidRoundError, got %v", err)
	}

	if _, err := l.OpenRound(); err != nil {
		t.Fatalf("OpenRound: %v", err)
	}
	if err := l.RecordFindings(2, "premature"); !simerr.IsInvalidRound(err) {
		t.Errorf("round without request: expected InvalidRoundError, got %v", err)
	}

	if err := l.RecordRequest(2, "CT"); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if err := l.RecordFindings(2, "   "); !simerr.IsState(err) {
		t.Errorf("blank findings: expected StateError, got %v", err)
	}
	if err := l.RecordFindings(2, "No acute findings"); err != nil {
		t.Fatalf("RecordFindings: %v", err)
	}
	if err := l.RecordFindings(2, "overwrite"); !simerr.IsInvalidRound(err) {
		t.Errorf("second write: expected InvalidRoundError, got %v", err)
	}
}

func TestAccumulatedTextTwoRounds(t *testing.T) {
	l := newTestLedger()
	if err := l.Seed("CBC requested", "Hgb 13.5 g/L", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordRequest(2, "CT abdomen"); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordFindings(2, "No acute findings"); err != nil {
		t.Fatal(err)
	}

	requests, findings := l.AccumulatedText()

	wantRequests := "### Round 1\nCBC requested\n\n### Round 2\nCT abdomen"
	if requests != wantRequests {
		t.Errorf("requests blob:\n%q\nwant\n%q", requests, wantRequests)
	}

	h1 := strings.Index(findings, RoundHeader(1))
	h2 := strings.Index(findings, RoundHeader(2))
	if h1 < 0 || h2 < 0 || h1 > h2 {
		t.Errorf("round headers missing or out of order: %q", findings)
	}
	if !strings.Contains(findings, "Hgb 13.5 g/L") || !strings.Contains(findings, "No acute findings") {
		t.Errorf("findings text not verbatim: %q", findings)
	}
	if strings.Contains(findings, RoundHeader(3)) || strings.Contains(requests, RoundHeader(3)) {
		t.Error("unexpected round 3 header")
	}
}

func TestAccumulatedTextIdempotent(t *testing.T) {
	l := seeded(t)
	if err := l.RecordRequest(2, "Ultrasound"); err != nil {
		t.Fatal(err)
	}

	r1, f1 := l.AccumulatedText()
	r2, f2 := l.AccumulatedText()
	if r1 != r2 || f1 != f2 {
		t.Error("AccumulatedText is not idempotent")
	}

	if strings.Contains(f1, RoundHeader(2)) {
		t.Error("unresolved round must not contribute findings")
	}
	if !strings.Contains(r1, RoundHeader(2)) {
		t.Error("open round request should appear in the requests blob")
	}
}

func TestRoundsReturnsCopy(t *testing.T) {
	l := seeded(t)

	rounds := l.Rounds()
	rounds[0].Findings = "tampered"

	if r, _ := l.Current(); r.Findings == "tampered" {
		t.Error("Rounds must not expose internal storage")
	}
}
