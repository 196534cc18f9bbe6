// Package ledger keeps the per-session record of diagnostic rounds.
//
// Round 1 comes from the initial diagnostics step and is installed with Seed.
// Every later round follows open -> request -> findings, and a new round can
// only be opened once the latest one has its findings. A Ledger is not safe for
// concurrent use; the session that owns it serializes access.
package ledger

import (
	"strconv"
	"strings"
	"time"

	"medsim/internal/simerr"
)

// Round is one requested-investigations / findings pair.
type Round struct {
	Index       int       `json:"index"`
	Request     string    `json:"request"`
	Findings    string    `json:"findings,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Resolved reports whether findings have been recorded for the round.
func (r Round) Resolved() bool {
	return r.Findings != ""
}

// Ledger is an indexed, append-only collection of rounds.
type Ledger struct {
	rounds []Round
	now    func() time.Time
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// Seed installs round 1 from the initial diagnostics step. at is when its
// findings arrived; a zero at falls back to the ledger clock.
func (l *Ledger) Seed(request, findings string, at time.Time) error {
	if len(l.rounds) > 0 {
		return simerr.NewStateError("seed", "round 1 already exists")
	}
	if strings.TrimSpace(findings) == "" {
		return simerr.NewStateError("seed", "round 1 findings are empty")
	}

	if at.IsZero() {
		at = l.now()
	}
	l.rounds = append(l.rounds, Round{
		Index:       1,
		Request:     request,
		Findings:    findings,
		CompletedAt: at,
	})
	return nil
}

// OpenRound opens round current_max+1 and returns its index.
func (l *Ledger) OpenRound() (int, error) {
	if err := l.checkAdvance("open_round"); err != nil {
		return 0, err
	}

	idx := len(l.rounds) + 1
	l.rounds = append(l.rounds, Round{Index: idx})
	return idx, nil
}

// RecordRequest stores the requested investigations for round i.
// i may be the open round (the request is replaced) or current_max+1
// (the round is opened implicitly).
func (l *Ledger) RecordRequest(i int, text string) error {
	last := len(l.rounds)

	switch i {
	case last + 1:
		if err := l.checkAdvance("record_request"); err != nil {
			return err
		}
		l.rounds = append(l.rounds, Round{Index: i, Request: text})
		return nil
	case last:
		if last == 0 {
			break
		}
		r := &l.rounds[last-1]
		if r.Resolved() {
			return simerr.NewStateError("record_request", "round %d already has findings", i)
		}
		r.Request = text
		return nil
	}

	return &simerr.InvalidRoundError{Round: i, Reason: "request must target the open round or the next one"}
}

// RecordFindings stores the findings for round i. Findings are written at most once.
func (l *Ledger) RecordFindings(i int, text string) error {
	if i < 1 || i > len(l.rounds) {
		return &simerr.InvalidRoundError{Round: i, Reason: "round does not exist"}
	}

	r := &l.rounds[i-1]
	if r.Request == "" {
		return &simerr.InvalidRoundError{Round: i, Reason: "no request recorded"}
	}
	if r.Resolved() {
		return &simerr.InvalidRoundError{Round: i, Reason: "findings already recorded"}
	}
	if strings.TrimSpace(text) == "" {
		return simerr.NewStateError("record_findings", "findings for round %d are empty", i)
	}

	r.Findings = text
	r.CompletedAt = l.now()
	return nil
}

// AccumulatedText returns the request and findings blobs in round order.
// Rounds without findings contribute only to the requests blob.
func (l *Ledger) AccumulatedText() (requests, findings string) {
	var rb, fb strings.Builder

	for _, r := range l.rounds {
		if r.Request != "" {
			writeEntry(&rb, r.Index, r.Request)
		}
		if r.Resolved() {
			writeEntry(&fb, r.Index, r.Findings)
		}
	}

	return rb.String(), fb.String()
}

// Rounds returns a copy of all rounds.
func (l *Ledger) Rounds() []Round {
	out := make([]Round, len(l.rounds))
	copy(out, l.rounds)
	return out
}

// Len returns the number of rounds, open round included.
func (l *Ledger) Len() int {
	return len(l.rounds)
}

// Current returns the latest round and false if the ledger is empty.
func (l *Ledger) Current() (Round, bool) {
	if len(l.rounds) == 0 {
		return Round{}, false
	}
	return l.rounds[len(l.rounds)-1], true
}

// HasOpenRound reports whether the latest round still awaits findings.
func (l *Ledger) HasOpenRound() bool {
	r, ok := l.Current()
	return ok && !r.Resolved()
}

func (l *Ledger) checkAdvance(op string) error {
	r, ok := l.Current()
	if !ok {
		return simerr.NewStateError(op, "round 1 has not been seeded")
	}
	if !r.Resolved() {
		return simerr.NewStateError(op, "round %d has no findings yet", r.Index)
	}
	return nil
}

// RoundHeader is the label that prefixes every round in the accumulated blobs.
func RoundHeader(i int) string {
	return "### Round " + strconv.Itoa(i)
}

func writeEntry(b *strings.Builder, idx int, text string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(RoundHeader(idx))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(text))
}
