package services

import "fmt"

// Typed service errors. Handlers match these exhaustively in
// handleServiceError and translate them to the wire error shape; nothing
// below the handler layer deals in HTTP codes.

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// InvalidStateError: a transition was attempted from the wrong status. Not
// retried here; the caller decides.
type InvalidStateError struct {
	Current  string
	Expected string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session is %s, expected %s", e.Current, e.Expected)
}

// RateLimitError is always recoverable; RetryAfterMs tells the client how
// long to back off.
type RateLimitError struct {
	Message      string
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string { return e.Message }

type InsufficientCreditsError struct {
	Balance  int
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Balance, e.Required)
}

// ExternalError wraps a collaborator failure (JD parser, analyzer, voice
// provider).
type ExternalError struct {
	Provider string
	Err      error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }
