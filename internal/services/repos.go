package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"intervia-backend/internal/models"
	"intervia-backend/internal/ratelimit"
)

// Narrow repository interfaces, declared where they are consumed so the
// orchestrators can be exercised against in-memory fakes.

type sessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetWithBalance(ctx context.Context, id uuid.UUID) (*models.Session, int, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Session, error)
	SetSetupResults(ctx context.Context, id uuid.UUID, result *models.SetupResult) error
	TransitionToActive(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	TransitionToAnalyzing(ctx context.Context, id uuid.UUID, conversationID *string, endedAt time.Time) (int, error)
	MarkComplete(ctx context.Context, id uuid.UUID, scores *models.Scores, highlights []models.Highlight) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message *string) error
}

type creditRepository interface {
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	DebitSession(ctx context.Context, sessionID uuid.UUID, cost int) (bool, error)
	CreditOrder(ctx context.Context, userID uuid.UUID, orderID string, amount int) (bool, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int, reason string) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type taskRepository interface {
	Schedule(ctx context.Context, t *models.ScheduledTask) error
	Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int) error
	Defer(ctx context.Context, id uuid.UUID, runAt time.Time, retryCount int) error
}

type userRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
}

// rateLimiter is the admission-control contract every mutating session
// operation checks first.
type rateLimiter interface {
	Check(ctx context.Context, action, identity string) (ratelimit.Result, error)
}

// updatePublisher pushes session status changes to connected clients.
type updatePublisher interface {
	PublishSessionUpdate(ctx context.Context, userID uuid.UUID, update models.SessionUpdate)
}
