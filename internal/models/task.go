package models

import (
	"time"

	"github.com/google/uuid"
)

// Scheduled task types.
const (
	TaskChargeCommit      = "charge-commit"
	TaskStaleSetupCleanup = "stale-setup-cleanup"
)

// ScheduledTask is a durable fire-once timer keyed by session. Tasks live in
// Postgres so deferred charges and cleanups survive process restarts; the
// sweep loop enqueues due tasks onto Redis for the worker pool.
type ScheduledTask struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  uuid.UUID  `json:"session_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Type       string     `json:"type"`
	RunAt      time.Time  `json:"run_at"`
	Status     string     `json:"status"` // "pending" | "done" | "failed"
	RetryCount int        `json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
	DoneAt     *time.Time `json:"done_at"`
}
