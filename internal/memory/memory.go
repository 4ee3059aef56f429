// Package memory holds durable facts extracted from conversation and the
// scheduled follow-up hooks derived alongside them, plus the retrieval
// ranking used when assembling prompts.
package memory

import "time"

// EventType categorizes a durable memory.
type EventType string

const (
	TypeFact         EventType = "fact"
	TypePreference   EventType = "preference"
	TypeEvent        EventType = "event"
	TypeGoal         EventType = "goal"
	TypeRelationship EventType = "relationship"
	TypeEmotion      EventType = "emotion"
	TypeMeta         EventType = "meta"
)

// Event is an atomic durable fact about the user. Events are soft-deleted,
// never removed, in normal flow.
type Event struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// CharacterID scopes the memory to one character; empty means global.
	CharacterID string    `json:"character_id,omitempty"`
	Type        EventType `json:"type"`
	Content     string    `json:"content"`
	// Summary is the short string interpolated into prompts.
	Summary string `json:"summary"`
	// EmotionalValence is in [-2, 2].
	EmotionalValence float64 `json:"emotional_valence"`
	// ImportanceScore is in [0, 1].
	ImportanceScore float64 `json:"importance_score"`

	LastReferencedAt *time.Time `json:"last_referenced_at,omitempty"`
	ReferenceCount   int        `json:"reference_count"`

	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HookType categorizes a scheduled follow-up beat.
type HookType string

const (
	HookReminder    HookType = "reminder"
	HookFollowUp    HookType = "follow_up"
	HookMilestone   HookType = "milestone"
	HookScheduled   HookType = "scheduled"
	HookAnniversary HookType = "anniversary"
)

// Hook is a scheduled follow-up conversational beat. A hook surfaces in at
// most one reply; re-triggering requires a new hook record.
type Hook struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	CharacterID     string   `json:"character_id"`
	Type            HookType `json:"type"`
	Content         string   `json:"content"`
	SuggestedOpener string   `json:"suggested_opener,omitempty"`

	// Trigger window; nil bounds are open.
	TriggerAfter  *time.Time `json:"trigger_after,omitempty"`
	TriggerBefore *time.Time `json:"trigger_before,omitempty"`

	// Priority is in [1, 5]; higher surfaces first.
	Priority    int        `json:"priority"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InWindow reports whether the hook may surface at the given instant:
// active, never triggered, and inside its trigger window.
func (h *Hook) InWindow(now time.Time) bool {
	if !h.IsActive || h.TriggeredAt != nil {
		return false
	}
	if h.TriggerAfter != nil && now.Before(*h.TriggerAfter) {
		return false
	}
	if h.TriggerBefore != nil && now.After(*h.TriggerBefore) {
		return false
	}
	return true
}
