package services

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"intervia-backend/internal/models"
)

// transcriptFetcher pulls the conversation transcript from the voice
// provider.
type transcriptFetcher interface {
	FetchTranscript(ctx context.Context, conversationID string) (string, error)
}

// transcriptAnalyzer scores a finished interview.
type transcriptAnalyzer interface {
	AnalyzeTranscript(ctx context.Context, transcript string, mode models.SessionMode, questions []string) (*models.AnalysisResult, error)
}

// sessionCompleter is the slice of the session service the analyzer needs to
// land a session in a terminal state.
type sessionCompleter interface {
	MarkComplete(ctx context.Context, sessionID uuid.UUID, scores *models.Scores, highlights []models.Highlight) error
	MarkCompleteWithoutScores(ctx context.Context, sessionID uuid.UUID) error
	MarkFailed(ctx context.Context, sessionID uuid.UUID, code, message string) error
}

// AnalysisService finishes a session: fetch the transcript, score it, and
// move analyzing -> complete. Sessions under the billing threshold complete
// without scores and never touch the model.
type AnalysisService struct {
	sessions  sessionRepository
	limiter   rateLimiter
	voice     transcriptFetcher
	analyzer  transcriptAnalyzer
	completer sessionCompleter
}

func NewAnalysisService(sessions sessionRepository, limiter rateLimiter, voice transcriptFetcher, analyzer transcriptAnalyzer, completer sessionCompleter) *AnalysisService {
	return &AnalysisService{
		sessions:  sessions,
		limiter:   limiter,
		voice:     voice,
		analyzer:  analyzer,
		completer: completer,
	}
}

// AnalyzeSession runs scoring for a session in "analyzing". A retry on an
// already-complete session returns the stored results.
func (s *AnalysisService) AnalyzeSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.AnalysisResult, error) {
	res, err := s.limiter.Check(ctx, "interview.analysis", userID.String())
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &RateLimitError{Message: "Too many analysis attempts", RetryAfterMs: res.RetryAfterMs}
	}

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
	if session.Status == models.StatusComplete {
		return &models.AnalysisResult{Scores: session.Scores, Highlights: session.Highlights}, nil
	}
	if session.Status != models.StatusAnalyzing {
		return nil, &InvalidStateError{Current: string(session.Status), Expected: string(models.StatusAnalyzing)}
	}

	// Below the billing threshold there is nothing worth grading: the
	// session completes unscored and the model is never invoked.
	if session.DurationSeconds == nil || *session.DurationSeconds < MinBillableSeconds {
		if err := s.completer.MarkCompleteWithoutScores(ctx, sessionID); err != nil {
			return nil, err
		}
		return &models.AnalysisResult{}, nil
	}

	transcript := s.fetchTranscript(ctx, session)

	result, err := s.analyzer.AnalyzeTranscript(ctx, transcript, session.Mode, session.Questions)
	if err != nil {
		if failErr := s.completer.MarkFailed(ctx, sessionID, "ANALYSIS", "Transcript analysis failed"); failErr != nil {
			log.Printf("failed to fail session %s after analysis error: %v", sessionID, failErr)
		}
		return nil, &ExternalError{Provider: "analyzer", Err: err}
	}
	clampScores(result.Scores)

	if err := s.completer.MarkComplete(ctx, sessionID, result.Scores, result.Highlights); err != nil {
		var stateErr *InvalidStateError
		if errors.As(err, &stateErr) {
			// Lost a race with a concurrent analysis call; its results stand.
			current, getErr := s.sessions.GetByID(ctx, sessionID)
			if getErr == nil && current.Status == models.StatusComplete {
				return &models.AnalysisResult{Scores: current.Scores, Highlights: current.Highlights}, nil
			}
		}
		return nil, err
	}
	return result, nil
}

// fetchTranscript is best effort: analysis still runs on a placeholder if
// the voice provider cannot produce the transcript.
func (s *AnalysisService) fetchTranscript(ctx context.Context, session *models.Session) string {
	if session.ConversationID == nil {
		return "(transcript unavailable)"
	}
	transcript, err := s.voice.FetchTranscript(ctx, *session.ConversationID)
	if err != nil {
		log.Printf("transcript fetch failed for session %s: %v", session.ID, err)
		return "(transcript unavailable)"
	}
	if transcript == "" {
		return "(transcript unavailable)"
	}
	return transcript
}

func clampScores(scores *models.Scores) {
	if scores == nil {
		return
	}
	scores.Overall = clampScore(scores.Overall)
	scores.Communication = clampScore(scores.Communication)
	scores.TechnicalDepth = clampScore(scores.TechnicalDepth)
	scores.ProblemSolving = clampScore(scores.ProblemSolving)
	scores.StructuredThinking = clampScore(scores.StructuredThinking)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
