package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"intervia-backend/internal/models"
	"intervia-backend/internal/repository"
)

const (
	// MinBillableSeconds is the charge-commitment threshold: shorter
	// sessions are never billed and never scored.
	MinBillableSeconds = 120

	// setupTimeout bounds how long a session may sit in "setup" before it is
	// force-failed and releases the user's open-session slot.
	setupTimeout = 15 * time.Minute

	// micOnMaxSkew bounds how far back a client-reported mic-on time may
	// move started_at. Billing-relevant, so client clocks only get a small
	// say.
	micOnMaxSkew = 30 * time.Second

	minJobDescriptionLen = 80
	maxJobDescriptionLen = 16000
)

// sessionTimers schedules the deferred work a transition commits us to.
type sessionTimers interface {
	OnCreated(ctx context.Context, sessionID, userID uuid.UUID) error
	OnActivated(ctx context.Context, sessionID, userID uuid.UUID, startedAt time.Time) error
}

// SessionService is the only way session state changes. Every operation is
// transition-guarded; raw field writes are not exposed.
type SessionService struct {
	sessions  sessionRepository
	timers    sessionTimers
	publisher updatePublisher
	now       func() time.Time
}

func NewSessionService(sessions sessionRepository, timers sessionTimers, publisher updatePublisher) *SessionService {
	return &SessionService{
		sessions:  sessions,
		timers:    timers,
		publisher: publisher,
		now:       time.Now,
	}
}

// Create opens a session in "setup". A user may hold at most one session
// that is not complete or failed; a second create conflicts.
func (s *SessionService) Create(ctx context.Context, userID uuid.UUID, req models.CreateSessionRequest) (*models.Session, error) {
	if userID == uuid.Nil {
		return nil, &UnauthorizedError{Message: "Authentication required"}
	}

	fieldErrors := make(map[string]string)
	switch req.Mode {
	case models.ModeTechnical:
		if len(req.JobDescription) < minJobDescriptionLen {
			fieldErrors["job_description"] = "Job description is too short"
		}
		if len(req.JobDescription) > maxJobDescriptionLen {
			fieldErrors["job_description"] = "Job description is too long"
		}
	case models.ModeBehavioral:
		if req.BehavioralCategory == "" {
			fieldErrors["behavioral_category"] = "Category is required"
		}
		if req.BehavioralQuestion == "" {
			fieldErrors["behavioral_question"] = "Question is required"
		}
	default:
		fieldErrors["mode"] = "mode must be technical or behavioral"
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	session := &models.Session{
		UserID: userID,
		Mode:   req.Mode,
	}
	if req.Mode == models.ModeTechnical {
		session.JobDescription = &req.JobDescription
	} else {
		session.BehavioralCategory = &req.BehavioralCategory
		session.BehavioralQuestion = &req.BehavioralQuestion
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrOpenSessionExists) {
			return nil, &ConflictError{Message: "An interview session is already in progress"}
		}
		return nil, err
	}

	// Stale-setup cleanup releases the open-session slot if the user never
	// progresses. Scheduling failure is not worth failing the create over.
	if err := s.timers.OnCreated(ctx, session.ID, userID); err != nil {
		log.Printf("failed to schedule setup cleanup for session %s: %v", session.ID, err)
	}

	s.publish(ctx, session.UserID, session.ID, session.Status, nil)
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, &ForbiddenError{Message: "Session belongs to another user"}
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.sessions.ListByUser(ctx, userID, limit)
}

// TransitionToActive moves setup -> active when the client turns the mic on.
// started_at is stamped exactly once. An optional client mic-on time is
// honored only within micOnMaxSkew of the server clock.
func (s *SessionService) TransitionToActive(ctx context.Context, sessionID, userID uuid.UUID, micOnAtMs *int64) (time.Time, error) {
	session, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return time.Time{}, err
	}

	startedAt := s.clampMicOn(micOnAtMs)
	if err := s.sessions.TransitionToActive(ctx, sessionID, startedAt); err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			return time.Time{}, &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusSetup)}
		}
		return time.Time{}, err
	}

	// Deferred charge-commit check fires at the billing threshold whether or
	// not the client is still connected.
	if err := s.timers.OnActivated(ctx, sessionID, userID, startedAt); err != nil {
		log.Printf("failed to schedule charge commit for session %s: %v", sessionID, err)
	}

	s.publish(ctx, userID, sessionID, models.StatusActive, nil)
	return startedAt, nil
}

func (s *SessionService) clampMicOn(micOnAtMs *int64) time.Time {
	now := s.now()
	if micOnAtMs == nil {
		return now
	}
	t := time.UnixMilli(*micOnAtMs)
	if t.After(now) || now.Sub(t) > micOnMaxSkew {
		return now
	}
	return t
}

// TransitionToAnalyzing moves active -> analyzing when the client ends the
// session, computing duration from started_at. Returns the duration in whole
// seconds.
func (s *SessionService) TransitionToAnalyzing(ctx context.Context, sessionID, userID uuid.UUID, conversationID string) (int, error) {
	session, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return 0, err
	}

	var convID *string
	if conversationID != "" {
		convID = &conversationID
	}

	duration, err := s.sessions.TransitionToAnalyzing(ctx, sessionID, convID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			return 0, &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusActive)}
		}
		return 0, err
	}

	s.publish(ctx, userID, sessionID, models.StatusAnalyzing, nil)
	return duration, nil
}

// Terminal transitions below are internal-only: reachable from the
// orchestrators and the timer worker, never from a client directly.

func (s *SessionService) MarkComplete(ctx context.Context, sessionID uuid.UUID, scores *models.Scores, highlights []models.Highlight) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.MarkComplete(ctx, sessionID, scores, highlights); err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			return &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusAnalyzing)}
		}
		return err
	}
	s.publish(ctx, session.UserID, sessionID, models.StatusComplete, nil)
	return nil
}

func (s *SessionService) MarkCompleteWithoutScores(ctx context.Context, sessionID uuid.UUID) error {
	return s.MarkComplete(ctx, sessionID, nil, nil)
}

func (s *SessionService) MarkFailed(ctx context.Context, sessionID uuid.UUID, code, message string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	var codePtr, msgPtr *string
	if code != "" {
		codePtr = &code
	}
	if message != "" {
		msgPtr = &message
	}

	if err := s.sessions.MarkFailed(ctx, sessionID, codePtr, msgPtr); err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			return &InvalidStateError{Current: string(session.Status), Expected: "non-terminal"}
		}
		return err
	}
	s.publish(ctx, session.UserID, sessionID, models.StatusFailed, codePtr)
	return nil
}

func (s *SessionService) publish(ctx context.Context, userID, sessionID uuid.UUID, status models.SessionStatus, failureCode *string) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishSessionUpdate(ctx, userID, models.SessionUpdate{
		SessionID:   sessionID,
		Status:      status,
		FailureCode: failureCode,
	})
}
