package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"medsim/internal/cases"
	"medsim/internal/session"
	"medsim/internal/simerr"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound    = "https://medsim.dev/problems/not-found"
	ProblemTypeBadRequest  = "https://medsim.dev/problems/bad-request"
	ProblemTypeInternal    = "https://medsim.dev/problems/internal-error"
	ProblemTypeRateLimited = "https://medsim.dev/problems/rate-limited"
	ProblemTypeConflict    = "https://medsim.dev/problems/conflict"
	ProblemTypeUpstream    = "https://medsim.dev/problems/upstream"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
		Code:     simerr.CodeRateLimited,
	})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: instance,
	})
}

// problemFor maps a simulator error to its problem document.
func problemFor(err error, instance string) Problem {
	var remote *simerr.RemoteCallError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, cases.ErrUnknownScenario):
		return Problem{Type: ProblemTypeNotFound, Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error(), Instance: instance}
	case simerr.IsRateLimited(err):
		return Problem{Type: ProblemTypeRateLimited, Title: "Too Many Requests", Status: http.StatusTooManyRequests, Detail: simerr.UserMessage(err), Instance: instance, Code: simerr.CodeRateLimited}
	case simerr.IsState(err), simerr.IsInvalidRound(err):
		return Problem{Type: ProblemTypeConflict, Title: "Conflict", Status: http.StatusConflict, Detail: err.Error(), Instance: instance}
	case errors.As(err, &remote):
		return Problem{Type: ProblemTypeUpstream, Title: "Bad Gateway", Status: http.StatusBadGateway, Detail: err.Error(), Instance: instance, Code: remote.Code}
	default:
		return Problem{Type: ProblemTypeInternal, Title: "Internal Server Error", Status: http.StatusInternalServerError, Detail: err.Error(), Instance: instance}
	}
}
