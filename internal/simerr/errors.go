// Package simerr defines the error kinds surfaced by the simulator core.
// Callers classify errors with the IsXxx helpers instead of inspecting fields.
package simerr

import (
	"errors"
	"fmt"
)

// Remote error codes. Providers map their native failures to one of these.
const (
	CodeRateLimited    = "rate_limit_exceeded"
	CodeAuthentication = "authentication_error"
	CodeInvalidRequest = "invalid_request"
	CodeServerError    = "server_error"
	CodeTimeout        = "timeout"
	CodeEmptyResponse  = "empty_response"
)

// RateLimitedMessage is shown to the student when the backend throttles us.
const RateLimitedMessage = "The language model is currently rate limited. Please try again in a few minutes."

// StateError reports an operation invoked in a workflow state that does not allow it.
type StateError struct {
	Op  string
	Msg string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// NewStateError creates a state error for op.
func NewStateError(op, format string, args ...any) *StateError {
	return &StateError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidRoundError reports a round index outside the permitted window.
type InvalidRoundError struct {
	Round  int
	Reason string
}

func (e *InvalidRoundError) Error() string {
	return fmt.Sprintf("invalid round %d: %s", e.Round, e.Reason)
}

// RemoteCallError wraps a failed completion call.
type RemoteCallError struct {
	Code    string
	Message string
	Err     error
}

func (e *RemoteCallError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// NewRemoteCallError creates a typed remote error.
func NewRemoteCallError(code, message string, err error) *RemoteCallError {
	return &RemoteCallError{Code: code, Message: message, Err: err}
}

// NewRateLimitedError creates the rate-limited flavour of RemoteCallError.
func NewRateLimitedError(message string, err error) *RemoteCallError {
	if message == "" {
		message = "rate limited"
	}
	return &RemoteCallError{Code: CodeRateLimited, Message: message, Err: err}
}

// PersistenceError wraps a failed write to the persistence sink.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsInvalidRound reports whether err is an InvalidRoundError.
func IsInvalidRound(err error) bool {
	var ie *InvalidRoundError
	return errors.As(err, &ie)
}

// IsRemoteCall reports whether err is any RemoteCallError, rate-limited included.
func IsRemoteCall(err error) bool {
	var re *RemoteCallError
	return errors.As(err, &re)
}

// IsRateLimited reports whether err is a rate-limited RemoteCallError.
func IsRateLimited(err error) bool {
	var re *RemoteCallError
	return errors.As(err, &re) && re.Code == CodeRateLimited
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// UserMessage returns the text shown to the student for err.
func UserMessage(err error) string {
	if IsRateLimited(err) {
		return RateLimitedMessage
	}
	return err.Error()
}
