package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusSetup     SessionStatus = "setup"
	StatusActive    SessionStatus = "active"
	StatusAnalyzing SessionStatus = "analyzing"
	StatusComplete  SessionStatus = "complete"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether a session in this status can still change.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

type SessionMode string

const (
	ModeTechnical  SessionMode = "technical"
	ModeBehavioral SessionMode = "behavioral"
)

// Session is one interview attempt. Status is the master state; every field
// below it is written during exactly one phase and immutable afterwards.
type Session struct {
	ID     uuid.UUID     `json:"id"`
	UserID uuid.UUID     `json:"user_id"`
	Status SessionStatus `json:"status"`
	Mode   SessionMode   `json:"mode"`

	JobDescription     *string `json:"job_description,omitempty"`
	BehavioralCategory *string `json:"behavioral_category,omitempty"`
	BehavioralQuestion *string `json:"behavioral_question,omitempty"`

	Questions       []string `json:"questions"`
	DetectedSkills  []string `json:"detected_skills"`
	ExperienceLevel *string  `json:"experience_level"`
	DomainTrack     *string  `json:"domain_track"`

	// Voice-provider conversation id, used to fetch the transcript.
	ConversationID *string `json:"conversation_id"`

	DurationSeconds *int        `json:"duration_seconds"`
	Scores          *Scores     `json:"scores"`
	Highlights      []Highlight `json:"highlights"`
	FailureCode     *string     `json:"failure_code"`
	FailureMessage  *string     `json:"failure_message"`

	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	ChargeCommittedAt *time.Time `json:"charge_committed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Scores is the structured outcome of transcript analysis. Sub-scores are
// 0-100.
type Scores struct {
	Overall            int    `json:"overall"`
	Communication      int    `json:"communication"`
	TechnicalDepth     int    `json:"technical_depth"`
	ProblemSolving     int    `json:"problem_solving"`
	StructuredThinking int    `json:"structured_thinking"`
	Comments           string `json:"comments"`
}

// Highlight is a timestamped feedback entry tied to a moment in the
// interview.
type Highlight struct {
	AtSeconds int    `json:"at_seconds"`
	Kind      string `json:"kind"` // "strength" | "improvement"
	Text      string `json:"text"`
}

type CreateSessionRequest struct {
	Mode               SessionMode `json:"mode"`
	JobDescription     string      `json:"job_description"`
	BehavioralCategory string      `json:"behavioral_category"`
	BehavioralQuestion string      `json:"behavioral_question"`
}

type ActivateSessionRequest struct {
	// Optional client mic-on time in unix milliseconds. Clamped server-side.
	MicOnAtMs *int64 `json:"mic_on_at_ms"`
}

type EndSessionRequest struct {
	ConversationID string `json:"conversation_id"`
}

// SetupResult is what question generation produced for a session.
type SetupResult struct {
	Questions       []string `json:"questions"`
	DetectedSkills  []string `json:"detected_skills"`
	ExperienceLevel string   `json:"experience_level"`
	DomainTrack     string   `json:"domain_track"`
}

// AnalysisResult is nil-scored for sessions too short to grade.
type AnalysisResult struct {
	Scores     *Scores     `json:"scores"`
	Highlights []Highlight `json:"highlights"`
}
