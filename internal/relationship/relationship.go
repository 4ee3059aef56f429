// Package relationship owns the durable per-(user, character) state that
// outlives any single session: cumulative stats, the evolving dynamic
// (tone, tension, recent beats), and the append-only milestone set.
package relationship

import "time"

// Relationship is the durable engagement record for one (user, character)
// pair. It is upserted lazily on first interaction and never hard-deleted
// by normal flow.
type Relationship struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`

	TotalSessions int `json:"total_sessions"`
	TotalMessages int `json:"total_messages"`

	Dynamic Dynamic `json:"dynamic"`

	// Milestones is append-only, deduplicated by name.
	Milestones []string `json:"milestones,omitempty"`

	Nickname   string `json:"nickname,omitempty"`
	Notes      string `json:"notes,omitempty"`
	IsFavorite bool   `json:"is_favorite"`
	IsArchived bool   `json:"is_archived"`

	FirstMetAt time.Time `json:"first_met_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Dynamic is the mutable emotional state of a relationship. It serializes
// as one JSON column; all mutation goes through Advance.
type Dynamic struct {
	Tone         string   `json:"tone"`
	TensionLevel int      `json:"tension_level"`
	RecentBeats  []string `json:"recent_beats,omitempty"`
}

// DefaultDynamic is the state of a relationship before any exchange.
func DefaultDynamic() Dynamic {
	return Dynamic{Tone: "warm", TensionLevel: 30}
}

// HasMilestone reports whether the milestone is already recorded.
func (r *Relationship) HasMilestone(name string) bool {
	for _, m := range r.Milestones {
		if m == name {
			return true
		}
	}
	return false
}
