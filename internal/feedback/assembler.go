package feedback

import (
	"context"
	"fmt"
	"sync"

	"medsim/internal/simerr"
)

// State of feedback generation for one session
type State int

const (
	NotStarted State = iota
	Generating
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Generating:
		return "generating"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{NotStarted, Generating, Complete, Failed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown feedback state %q", text)
}

// Assembler guards the feedback lifecycle of one session:
// NotStarted -> Generating -> Complete | Failed, and Failed -> Generating on retry.
// A Complete assembler returns its cached document and never generates again.
type Assembler struct {
	mu      sync.Mutex
	state   State
	doc     *Document
	lastErr error
}

// NewAssembler creates an assembler in NotStarted
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Run generates the document with gen unless one is already cached. cached
// reports whether the returned document came from a previous run.
func (a *Assembler) Run(ctx context.Context, gen func(context.Context) (*Document, error)) (doc *Document, cached bool, err error) {
	a.mu.Lock()
	switch a.state {
	case Complete:
		doc = a.doc
		a.mu.Unlock()
		return doc, true, nil
	case Generating:
		a.mu.Unlock()
		return nil, false, simerr.NewStateError("generate_feedback", "feedback generation already in progress")
	}
	a.state = Generating
	a.lastErr = nil
	a.mu.Unlock()

	doc, err = gen(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.state = Failed
		a.lastErr = err
		return nil, false, err
	}
	a.state = Complete
	a.doc = doc
	return doc, false, nil
}

// State returns the current state
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Document returns the cached document, nil unless Complete
func (a *Assembler) Document() *Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc
}

// Err returns the error of the last failed run
func (a *Assembler) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}
