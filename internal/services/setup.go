package services

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"intervia-backend/internal/models"
	"intervia-backend/internal/repository"
)

// Job-description guard verdicts.
const (
	VerdictValid     = "valid"
	VerdictInvalid   = "invalid"
	VerdictInjection = "injection"
)

// setupParser is the LLM surface of session preparation: classify the job
// description, then turn it into interview questions.
type setupParser interface {
	ClassifyJobDescription(ctx context.Context, jobDescription string) (string, error)
	ParseJobDescription(ctx context.Context, jobDescription string) (*models.SetupResult, error)
}

// SetupService runs the setup phase: credit precheck, job-description
// guard, question generation. The session stays in "setup" throughout; only
// a hard precheck failure moves it to "failed".
type SetupService struct {
	sessions  sessionRepository
	limiter   rateLimiter
	parser    setupParser
	finalizer sessionFinalizer
}

func NewSetupService(sessions sessionRepository, limiter rateLimiter, parser setupParser, finalizer sessionFinalizer) *SetupService {
	return &SetupService{
		sessions:  sessions,
		limiter:   limiter,
		parser:    parser,
		finalizer: finalizer,
	}
}

// StartSetup generates interview questions for a session. Idempotent: a
// retry on a session that already has questions returns the stored results
// without calling the model again.
func (s *SetupService) StartSetup(ctx context.Context, sessionID, userID uuid.UUID) (*models.SetupResult, error) {
	res, err := s.limiter.Check(ctx, "interview.setup", userID.String())
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &RateLimitError{Message: "Too many setup attempts", RetryAfterMs: res.RetryAfterMs}
	}

	// One snapshot for the session row and the balance, so the credit
	// precheck and the state guard agree on what they saw.
	session, balance, err := s.sessions.GetWithBalance(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Message: "Session not found"}
	}
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, &ForbiddenError{Message: "Session belongs to another user"}
	}
	if session.Status != models.StatusSetup {
		return nil, &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusSetup)}
	}

	if len(session.Questions) > 0 {
		return storedSetupResult(session), nil
	}

	if balance < SessionCost {
		if err := s.finalizer.MarkFailed(ctx, sessionID, "CREDITS", "Insufficient credits to start the interview"); err != nil {
			log.Printf("failed to fail session %s on credit precheck: %v", sessionID, err)
		}
		return nil, &InsufficientCreditsError{Balance: balance, Required: SessionCost}
	}

	var result *models.SetupResult
	switch session.Mode {
	case models.ModeTechnical:
		result, err = s.prepareTechnical(ctx, sessionID, *session.JobDescription)
	case models.ModeBehavioral:
		result = prepareBehavioral(session)
	}
	if err != nil {
		return nil, err
	}

	if err := s.sessions.SetSetupResults(ctx, sessionID, result); err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			// Lost a race with a concurrent setup call; its results stand.
			current, _, getErr := s.sessions.GetWithBalance(ctx, sessionID)
			if getErr == nil && len(current.Questions) > 0 {
				return storedSetupResult(current), nil
			}
			return nil, &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusSetup)}
		}
		return nil, err
	}
	return result, nil
}

// prepareTechnical guards and parses the job description. A guard rejection
// is a validation outcome, not a session failure: the user can edit and
// retry. A model error is a hard failure.
func (s *SetupService) prepareTechnical(ctx context.Context, sessionID uuid.UUID, jobDescription string) (*models.SetupResult, error) {
	verdict, err := s.parser.ClassifyJobDescription(ctx, jobDescription)
	if err != nil {
		s.failSetup(ctx, sessionID, "Could not validate the job description")
		return nil, &ExternalError{Provider: "question-generator", Err: err}
	}
	switch verdict {
	case VerdictValid:
	case VerdictInjection:
		return nil, &ValidationError{Fields: map[string]string{
			"job_description": "Job description contains disallowed instructions",
		}}
	default:
		return nil, &ValidationError{Fields: map[string]string{
			"job_description": "Text does not look like a job description",
		}}
	}

	result, err := s.parser.ParseJobDescription(ctx, jobDescription)
	if err != nil {
		s.failSetup(ctx, sessionID, "Could not generate questions from the job description")
		return nil, &ExternalError{Provider: "question-generator", Err: err}
	}
	return result, nil
}

func (s *SetupService) failSetup(ctx context.Context, sessionID uuid.UUID, message string) {
	if err := s.finalizer.MarkFailed(ctx, sessionID, "PARSE", message); err != nil {
		log.Printf("failed to fail session %s after setup error: %v", sessionID, err)
	}
}

// prepareBehavioral needs no model call: the single question was chosen at
// creation time.
func prepareBehavioral(session *models.Session) *models.SetupResult {
	return &models.SetupResult{
		Questions:      []string{*session.BehavioralQuestion},
		DetectedSkills: []string{},
		DomainTrack:    *session.BehavioralCategory,
	}
}

func storedSetupResult(session *models.Session) *models.SetupResult {
	result := &models.SetupResult{
		Questions:      session.Questions,
		DetectedSkills: session.DetectedSkills,
	}
	if session.ExperienceLevel != nil {
		result.ExperienceLevel = *session.ExperienceLevel
	}
	if session.DomainTrack != nil {
		result.DomainTrack = *session.DomainTrack
	}
	return result
}
