// Package episode defines the session, message, template, and evaluation
// records for a single playthrough of a character scenario, plus the
// director-owned per-episode state.
package episode

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// StateActive means the session is accepting messages.
	StateActive SessionState = "active"
	// StatePaused is set by external callers (user navigated away).
	StatePaused SessionState = "paused"
	// StateFaded is set when a session is abandoned or force-closed.
	StateFaded SessionState = "faded"
	// StateComplete is terminal and only ever written by the director.
	StateComplete SessionState = "complete"
)

// ResolutionType describes how an ended session resolved.
type ResolutionType string

const (
	ResolutionPositive ResolutionType = "positive"
	ResolutionNeutral  ResolutionType = "neutral"
	ResolutionNegative ResolutionType = "negative"
	ResolutionSurprise ResolutionType = "surprise"
	ResolutionFaded    ResolutionType = "faded"
)

// CompletionTrigger records which policy completed a session.
type CompletionTrigger string

const (
	TriggerTurnLimit CompletionTrigger = "turn_limit"
	TriggerBeatGate  CompletionTrigger = "beat_gate"
	TriggerObjective CompletionTrigger = "objective"
)

// Session is one playthrough of a character scenario by one user.
type Session struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	// TemplateID references the episode template this session was
	// instantiated from, empty for free-form conversation.
	TemplateID string `json:"template_id,omitempty"`
	SeriesID   string `json:"series_id,omitempty"`
	// EpisodeNumber is sequential per (user, character).
	EpisodeNumber int `json:"episode_number"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Scene string `json:"scene,omitempty"`
	Title string `json:"title,omitempty"`

	// Populated at end of session.
	Summary       string   `json:"summary,omitempty"`
	EmotionalTags []string `json:"emotional_tags,omitempty"`
	KeyEvents     []string `json:"key_events,omitempty"`

	// MessageCount and UserMessageCount are maintained by the store via
	// atomic increments; treat as read-only on loaded sessions.
	MessageCount     int `json:"message_count"`
	UserMessageCount int `json:"user_message_count"`

	State          SessionState   `json:"session_state"`
	ResolutionType ResolutionType `json:"resolution_type,omitempty"`

	// TurnCount and Director are owned by the director.
	TurnCount         int               `json:"turn_count"`
	Director          DirectorState     `json:"director_state"`
	CompletionTrigger CompletionTrigger `json:"completion_trigger,omitempty"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of dialogue. Messages are immutable once created and
// ordered by CreatedAt within a session.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`

	// Generation metadata, set on assistant messages only.
	Model     string `json:"model,omitempty"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`

	// Metadata carries free-form payloads, e.g. the structured response
	// of a game turn.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Template is a content-author-defined scenario blueprint. Read-only input
// to the orchestration core.
type Template struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Situation        string `json:"situation,omitempty"`
	OpeningLine      string `json:"opening_line,omitempty"`
	DramaticQuestion string `json:"dramatic_question,omitempty"`
	SceneObjective   string `json:"scene_objective,omitempty"`
	SceneObstacle    string `json:"scene_obstacle,omitempty"`
	SceneTactic      string `json:"scene_tactic,omitempty"`

	Completion CompletionPolicy `json:"completion"`

	// EvaluationType, when set, pins the evaluation generated at
	// completion; otherwise a title-keyword heuristic applies.
	EvaluationType string `json:"evaluation_type,omitempty"`

	EpisodeCost int `json:"episode_cost,omitempty"`
}

// Evaluation is the structured judgment produced once when an episode
// completes, retrievable publicly by ShareID.
type Evaluation struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Type       string          `json:"evaluation_type"`
	Result     json.RawMessage `json:"result"`
	ShareID    string          `json:"share_id"`
	ShareCount int             `json:"share_count"`
	CreatedAt  time.Time       `json:"created_at"`
}
