package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"intervia-backend/internal/models"
)

// Sentinel errors the service layer translates into its typed errors.
var (
	// ErrOpenSessionExists: the user already holds a non-terminal session.
	ErrOpenSessionExists = errors.New("user already has an open session")
	// ErrNoTransition: the guarded UPDATE matched no row in the expected
	// source state.
	ErrNoTransition = errors.New("session not in expected state")
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, user_id, status, mode, job_description, behavioral_category,
	behavioral_question, questions, detected_skills, experience_level, domain_track,
	conversation_id, duration_seconds, scores, highlights, failure_code, failure_message,
	started_at, completed_at, charge_committed_at, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	s := &models.Session{}
	var questions, skills, highlights []byte
	var scores []byte

	err := row.Scan(
		&s.ID, &s.UserID, &s.Status, &s.Mode, &s.JobDescription, &s.BehavioralCategory,
		&s.BehavioralQuestion, &questions, &skills, &s.ExperienceLevel, &s.DomainTrack,
		&s.ConversationID, &s.DurationSeconds, &scores, &highlights, &s.FailureCode,
		&s.FailureMessage, &s.StartedAt, &s.CompletedAt, &s.ChargeCommittedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal(questions, &s.Questions)
	json.Unmarshal(skills, &s.DetectedSkills)
	json.Unmarshal(highlights, &s.Highlights)
	if len(scores) > 0 {
		s.Scores = &models.Scores{}
		json.Unmarshal(scores, s.Scores)
	}
	return s, nil
}

// Create inserts a session in status "setup". The partial unique index on
// open sessions makes the one-non-terminal-session invariant hold even for
// concurrent creates.
func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, status, mode, job_description, behavioral_category, behavioral_question)
		VALUES ($1, $2, 'setup', $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	s.ID = uuid.New()
	s.Status = models.StatusSetup
	s.Questions = []string{}
	s.DetectedSkills = []string{}
	s.Highlights = []models.Highlight{}

	err := r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.Mode, s.JobDescription, s.BehavioralCategory, s.BehavioralQuestion,
	).Scan(&s.CreatedAt, &s.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrOpenSessionExists
	}
	return err
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// GetWithBalance returns the session together with its owner's credit balance
// from a single statement, so the setup path sees one consistent snapshot.
func (r *SessionRepo) GetWithBalance(ctx context.Context, id uuid.UUID) (*models.Session, int, error) {
	query := `
		SELECT s.id, s.user_id, s.status, s.mode, s.job_description, s.behavioral_category,
			s.behavioral_question, s.questions, s.detected_skills, s.experience_level, s.domain_track,
			s.conversation_id, s.duration_seconds, s.scores, s.highlights, s.failure_code, s.failure_message,
			s.started_at, s.completed_at, s.charge_committed_at, s.created_at, s.updated_at,
			u.credit_balance
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, 0, rows.Err()
		}
		return nil, 0, pgx.ErrNoRows
	}

	s := &models.Session{}
	var questions, skills, highlights, scores []byte
	var balance int
	err = rows.Scan(
		&s.ID, &s.UserID, &s.Status, &s.Mode, &s.JobDescription, &s.BehavioralCategory,
		&s.BehavioralQuestion, &questions, &skills, &s.ExperienceLevel, &s.DomainTrack,
		&s.ConversationID, &s.DurationSeconds, &scores, &highlights, &s.FailureCode,
		&s.FailureMessage, &s.StartedAt, &s.CompletedAt, &s.ChargeCommittedAt,
		&s.CreatedAt, &s.UpdatedAt, &balance,
	)
	if err != nil {
		return nil, 0, err
	}
	json.Unmarshal(questions, &s.Questions)
	json.Unmarshal(skills, &s.DetectedSkills)
	json.Unmarshal(highlights, &s.Highlights)
	if len(scores) > 0 {
		s.Scores = &models.Scores{}
		json.Unmarshal(scores, s.Scores)
	}
	return s, balance, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetSetupResults persists generated questions exactly once: the guard
// requires status "setup" and an empty questions array.
func (r *SessionRepo) SetSetupResults(ctx context.Context, id uuid.UUID, result *models.SetupResult) error {
	questions, _ := json.Marshal(result.Questions)
	skills, _ := json.Marshal(result.DetectedSkills)

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET questions = $2,
			detected_skills = $3,
			experience_level = $4,
			domain_track = $5,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'setup'
		  AND jsonb_array_length(questions) = 0
	`, id, questions, skills, result.ExperienceLevel, result.DomainTrack)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}

// TransitionToActive moves setup -> active and stamps started_at exactly
// once. Requires questions to already be populated.
func (r *SessionRepo) TransitionToActive(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'active', started_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'setup'
		  AND jsonb_array_length(questions) > 0
	`, id, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}

// TransitionToAnalyzing moves active -> analyzing and computes duration from
// started_at. Returns the computed duration in whole seconds.
func (r *SessionRepo) TransitionToAnalyzing(ctx context.Context, id uuid.UUID, conversationID *string, endedAt time.Time) (int, error) {
	var duration int
	err := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = 'analyzing',
			conversation_id = COALESCE($2, conversation_id),
			duration_seconds = FLOOR(EXTRACT(EPOCH FROM ($3::timestamptz - started_at)))::INT,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		RETURNING duration_seconds
	`, id, conversationID, endedAt).Scan(&duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoTransition
	}
	return duration, err
}

func (r *SessionRepo) MarkComplete(ctx context.Context, id uuid.UUID, scores *models.Scores, highlights []models.Highlight) error {
	var scoresJSON []byte
	if scores != nil {
		scoresJSON, _ = json.Marshal(scores)
	}
	if highlights == nil {
		highlights = []models.Highlight{}
	}
	highlightsJSON, _ := json.Marshal(highlights)

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'complete', scores = $2, highlights = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = 'analyzing'
	`, id, scoresJSON, highlightsJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}

// MarkFailed force-fails any non-terminal session. For a session already in
// "failed" it only fills a missing failure_code; terminal states are never
// otherwise rewritten.
func (r *SessionRepo) MarkFailed(ctx context.Context, id uuid.UUID, code, message *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'failed', failure_code = $2, failure_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status IN ('setup', 'active', 'analyzing')
	`, id, code, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	tag, err = r.pool.Exec(ctx, `
		UPDATE sessions
		SET failure_code = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'failed'
		  AND failure_code IS NULL
	`, id, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoTransition
	}
	return nil
}
