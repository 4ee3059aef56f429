// Package store defines the persistence contract for the conversation
// core and provides two backends: an in-memory store for tests and local
// runs, and a Redis store for deployments.
//
// The contract is deliberately narrow: point lookups and upserts by
// primary key or (user, character) composite key, ranked scans done in
// Go over loaded sets, and atomic counter increments. Relationship
// creation is the one operation with documented upsert-on-conflict
// semantics; everything else is last-write-wins.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/relationship"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCharacterNotFound is returned when a character doesn't exist.
	ErrCharacterNotFound = errors.New("character not found")
	// ErrUserNotFound is returned when a user doesn't exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrRelationshipNotFound is returned when a relationship doesn't exist.
	ErrRelationshipNotFound = errors.New("relationship not found")
	// ErrTemplateNotFound is returned when an episode template doesn't exist.
	ErrTemplateNotFound = errors.New("episode template not found")
	// ErrEvaluationNotFound is returned when an evaluation doesn't exist.
	ErrEvaluationNotFound = errors.New("evaluation not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// CharacterStore holds the content-authored character roster.
type CharacterStore interface {
	SaveCharacter(ctx context.Context, c *character.Character) error
	// GetCharacter returns ErrCharacterNotFound if absent.
	GetCharacter(ctx context.Context, id string) (*character.Character, error)
	ListCharacters(ctx context.Context) ([]*character.Character, error)
}

// UserStore holds user profile rows.
type UserStore interface {
	// UpsertUser creates the user if absent and returns the stored row.
	UpsertUser(ctx context.Context, u *character.User) (*character.User, error)
	GetUser(ctx context.Context, id string) (*character.User, error)
}

// SessionStore holds sessions and enforces the episode-number sequence.
type SessionStore interface {
	SaveSession(ctx context.Context, s *episode.Session) error
	// GetSession returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, id string) (*episode.Session, error)
	// ActiveSession returns the single active session for the pair, or
	// ErrSessionNotFound.
	ActiveSession(ctx context.Context, userID, characterID string) (*episode.Session, error)
	// NextEpisodeNumber atomically reserves the next sequential episode
	// number for the pair.
	NextEpisodeNumber(ctx context.Context, userID, characterID string) (int, error)
	// IncrementMessageCounts atomically bumps the session's counters.
	IncrementMessageCounts(ctx context.Context, sessionID string, total, user int) error
	// DeleteSessions removes all sessions (and their messages) for the
	// pair. Used only by relationship reset.
	DeleteSessions(ctx context.Context, userID, characterID string) error
}

// MessageStore holds the append-only message log per session.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *episode.Message) error
	// RecentMessages returns up to limit of the newest messages,
	// oldest-first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*episode.Message, error)
	// Transcript returns the full message log, oldest-first.
	Transcript(ctx context.Context, sessionID string) ([]*episode.Message, error)
}

// RelationshipStore holds engagement records keyed by (user, character).
type RelationshipStore interface {
	// UpsertRelationship creates the record if absent (upsert-on-conflict:
	// concurrent callers never produce duplicate rows) and returns the
	// stored record.
	UpsertRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error)
	// GetRelationship returns ErrRelationshipNotFound if absent.
	GetRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error)
	SaveRelationship(ctx context.Context, r *relationship.Relationship) error
}

// MemoryStore holds extracted memory events. Deletion is soft: callers
// flip IsActive and save.
type MemoryStore interface {
	AddMemory(ctx context.Context, e *memory.Event) error
	SaveMemory(ctx context.Context, e *memory.Event) error
	// Memories returns all events for the user, including character-scoped
	// events for the given character and globally-scoped events. Ranking
	// and active/expiry filtering happen in the caller.
	Memories(ctx context.Context, userID, characterID string) ([]*memory.Event, error)
}

// HookStore holds scheduled follow-up hooks.
type HookStore interface {
	AddHook(ctx context.Context, h *memory.Hook) error
	SaveHook(ctx context.Context, h *memory.Hook) error
	// Hooks returns all hooks for the pair regardless of state; window
	// filtering happens in the caller.
	Hooks(ctx context.Context, userID, characterID string) ([]*memory.Hook, error)
	// AllActiveHooks returns every active hook across users. Used by the
	// trigger-window sweeper.
	AllActiveHooks(ctx context.Context) ([]*memory.Hook, error)
}

// TemplateStore holds episode templates.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t *episode.Template) error
	GetTemplate(ctx context.Context, id string) (*episode.Template, error)
}

// EvaluationStore holds completed-episode evaluations.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, e *episode.Evaluation) error
	// GetEvaluationByShareID serves the public share surface.
	GetEvaluationByShareID(ctx context.Context, shareID string) (*episode.Evaluation, error)
	IncrementShareCount(ctx context.Context, shareID string) error
}

// Store is the full persistence surface the orchestration core depends on.
type Store interface {
	CharacterStore
	UserStore
	SessionStore
	MessageStore
	RelationshipStore
	MemoryStore
	HookStore
	TemplateStore
	EvaluationStore

	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
