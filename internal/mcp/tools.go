package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"medsim/internal/session"
	"medsim/internal/simerr"
)

// action describes one value of the tool's "action" argument.
type action struct {
	name        string
	description string
	params      string
	run         func(s *Server, ctx context.Context, raw json.RawMessage) (any, error)
}

// actions is the dispatch table in the order the workflow uses them. It is
// filled in init because list_actions reads it.
var actions []action

func init() {
	actions = []action{
		{"list_cases", "List the available scenarios.", "", (*Server).handleListCases},
		{"start", "Start a session. Omitting scenario_id picks a random case.", "scenario_id?", (*Server).handleStart},
		{"ask", "Ask the patient one interview question.", "session_id, question", (*Server).handleAsk},
		{"examine", "Perform the physical examination.", "session_id", (*Server).handleExamine},
		{"differentials", "Record the differential diagnoses.", "session_id, differentials", (*Server).handleDifferentials},
		{"diagnostics", "Request investigations for the next diagnostic round.", "session_id, request", (*Server).handleDiagnostics},
		{"final", "Submit the final diagnosis and therapy.", "session_id, diagnosis, therapy?, care_setting?", (*Server).handleFinal},
		{"feedback", "Generate (or return the cached) structured feedback.", "session_id", (*Server).handleFeedback},
		{"snapshot", "Show the current session state.", "session_id", (*Server).handleSnapshot},
		{"end", "End the session and discard it.", "session_id", (*Server).handleEnd},
		{"list_actions", "Describe every action.", "", (*Server).handleListActions},
	}
}

func actionNames() []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.name
	}
	return names
}

// dispatchAction routes actions to appropriate handlers
func (s *Server) dispatchAction(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	for _, a := range actions {
		if a.name == name {
			return a.run(s, ctx, raw)
		}
	}
	return nil, fmt.Errorf("unknown action: %s", name)
}

// actionError is the error payload returned to the client.
func actionError(err error) map[string]any {
	out := map[string]any{"message": simerr.UserMessage(err)}

	var remote *simerr.RemoteCallError
	switch {
	case errors.As(err, &remote):
		out["code"] = remote.Code
	case errors.Is(err, session.ErrNotFound):
		out["code"] = "not_found"
	case simerr.IsState(err), simerr.IsInvalidRound(err):
		out["code"] = "conflict"
	}
	return out
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

func (p sessionParams) id() (string, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return "", errors.New("missing session_id")
	}
	return p.SessionID, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *Server) handleListCases(_ context.Context, _ json.RawMessage) (any, error) {
	return s.cases.Scenarios(), nil
}

func (s *Server) handleListActions(_ context.Context, _ json.RawMessage) (any, error) {
	out := make([]map[string]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]string{
			"action":      a.name,
			"description": a.description,
			"params":      a.params,
		})
	}
	return out, nil
}

func (s *Server) handleStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var req session.StartRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	return s.manager.Start(ctx, req)
}

func (s *Server) handleAsk(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		sessionParams
		session.AskRequest
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, errors.New("missing question")
	}
	return s.manager.Ask(ctx, id, p.AskRequest)
}

func (s *Server) handleExamine(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.Examine(ctx, id)
}

func (s *Server) handleDifferentials(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		sessionParams
		session.DifferentialsRequest
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.SubmitDifferentials(ctx, id, p.DifferentialsRequest)
}

func (s *Server) handleDiagnostics(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		sessionParams
		session.DiagnosticsRequest
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.RequestDiagnostics(ctx, id, p.DiagnosticsRequest)
}

func (s *Server) handleFinal(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		sessionParams
		session.FinalRequest
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.SubmitFinal(ctx, id, p.FinalRequest)
}

func (s *Server) handleFeedback(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.GenerateFeedback(ctx, id)
}

func (s *Server) handleSnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.Snapshot(ctx, id)
}

func (s *Server) handleEnd(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return s.manager.End(ctx, id)
}
