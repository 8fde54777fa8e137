package models

import (
	"github.com/google/uuid"
)

// API error response

type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	// Set only for rate-limit denials so clients can back off precisely.
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// WebSocket message types

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SessionUpdate is published on every status transition so clients can render
// progress without polling.
type SessionUpdate struct {
	SessionID   uuid.UUID     `json:"session_id"`
	Status      SessionStatus `json:"status"`
	FailureCode *string       `json:"failure_code,omitempty"`
}
