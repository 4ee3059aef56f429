// Package convo implements the request-level conversation pipeline:
// context assembly for a turn and the orchestrator that runs the turn
// end to end.
package convo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/relationship"
)

const (
	// recentMessageWindow bounds the history included in a prompt.
	recentMessageWindow = 20
	memoryLimit         = 10
	hookLimit           = 5

	noMemoriesCopy = "No memories yet - this is still early in your story together."
	noHooksCopy    = "No active hooks."
)

// ContextStore is the slice of persistence the assembler reads from.
type ContextStore interface {
	GetCharacter(ctx context.Context, id string) (*character.Character, error)
	GetRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*episode.Message, error)
	Memories(ctx context.Context, userID, characterID string) ([]*memory.Event, error)
	Hooks(ctx context.Context, userID, characterID string) ([]*memory.Hook, error)
}

// ConversationContext is the fully assembled prompt payload for one turn.
type ConversationContext struct {
	Character    *character.Character
	Relationship *relationship.Relationship
	History      []*episode.Message
	Memories     []*memory.Event
	Hooks        []*memory.Hook
	// Stage is the human-readable "time since first met" bucket.
	Stage string
	// Scene carries template situation copy when the session has one.
	Scene string
}

// Assembler builds conversation contexts.
type Assembler struct {
	store ContextStore
	clock func() time.Time
}

// NewAssembler creates an assembler.
func NewAssembler(store ContextStore) *Assembler {
	return &Assembler{store: store, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock. Test hook.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.clock = clock
	return a
}

// BuildContext assembles the prompt payload for a turn. The session may
// be nil when no conversation exists yet. Load order is fixed so the
// rendered prompt is deterministic for a given store state.
func (a *Assembler) BuildContext(ctx context.Context, userID string, characterID string, session *episode.Session) (*ConversationContext, error) {
	char, err := a.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}

	rel, err := a.store.GetRelationship(ctx, userID, characterID)
	if err != nil {
		// A fresh pair has no relationship row yet; default the
		// dynamic rather than failing the turn.
		rel = &relationship.Relationship{
			UserID:      userID,
			CharacterID: characterID,
			Dynamic:     relationship.DefaultDynamic(),
			FirstMetAt:  a.clock(),
		}
	}

	var history []*episode.Message
	scene := ""
	if session != nil {
		history, err = a.store.RecentMessages(ctx, session.ID, recentMessageWindow)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		scene = session.Scene
	}

	now := a.clock()
	events, err := a.store.Memories(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	ranked := memory.RankForRetrieval(events, now, memoryLimit)

	hooks, err := a.store.Hooks(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("load hooks: %w", err)
	}
	active := memory.RankHooks(hooks, now, hookLimit)

	return &ConversationContext{
		Character:    char,
		Relationship: rel,
		History:      history,
		Memories:     ranked,
		Hooks:        active,
		Stage:        stageBucket(rel.FirstMetAt, now),
		Scene:        scene,
	}, nil
}

// ToMessages projects the context into the provider message list: exactly
// one system message first, then chronological history. The caller
// appends the just-submitted user message.
func (c *ConversationContext) ToMessages() []provider.Message {
	messages := make([]provider.Message, 0, len(c.History)+1)
	messages = append(messages, provider.Message{Role: "system", Content: c.SystemPrompt()})
	for _, m := range c.History {
		messages = append(messages, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages
}

// SystemPrompt renders the character prompt with memories, hooks, and
// relationship stage interpolated. Empty sections render placeholder copy
// instead of disappearing, keeping the prompt structure stable for
// provider-side caching.
func (c *ConversationContext) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(c.Character.SystemPrompt)
	if c.Character.PersonaNotes != "" {
		b.WriteString("\n\n## Persona notes\n")
		b.WriteString(c.Character.PersonaNotes)
	}
	if c.Scene != "" {
		b.WriteString("\n\n## Scene\n")
		b.WriteString(c.Scene)
	}

	b.WriteString("\n\n## Relationship\n")
	fmt.Fprintf(&b, "Stage: %s. Tone: %s. Tension: %d/100.\n",
		c.Stage, c.Relationship.Dynamic.Tone, c.Relationship.Dynamic.TensionLevel)
	if len(c.Relationship.Milestones) > 0 {
		fmt.Fprintf(&b, "Milestones: %s.\n", strings.Join(c.Relationship.Milestones, ", "))
	}

	b.WriteString("\n## What you remember about them\n")
	if len(c.Memories) == 0 {
		b.WriteString(noMemoriesCopy)
		b.WriteString("\n")
	} else {
		for _, m := range c.Memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Summary)
		}
	}

	b.WriteString("\n## Things to bring up naturally\n")
	if len(c.Hooks) == 0 {
		b.WriteString(noHooksCopy)
		b.WriteString("\n")
	} else {
		for _, h := range c.Hooks {
			if h.SuggestedOpener != "" {
				fmt.Fprintf(&b, "- %s (opener: %q)\n", h.Content, h.SuggestedOpener)
			} else {
				fmt.Fprintf(&b, "- %s\n", h.Content)
			}
		}
	}

	return b.String()
}

// stageBucket renders "time since first met" as a coarse human-readable
// bucket for prompt flavor.
func stageBucket(firstMet, now time.Time) string {
	if firstMet.IsZero() || now.Before(firstMet) {
		return "you just met today"
	}
	days := int(now.Sub(firstMet).Hours() / 24)
	switch {
	case days < 1:
		return "you just met today"
	case days < 7:
		if days == 1 {
			return "you met 1 day ago"
		}
		return fmt.Sprintf("you met %d days ago", days)
	case days < 30:
		weeks := days / 7
		if weeks == 1 {
			return "you've known each other for 1 week"
		}
		return fmt.Sprintf("you've known each other for %d weeks", weeks)
	default:
		months := days / 30
		if months == 1 {
			return "you've known each other for 1 month"
		}
		return fmt.Sprintf("you've known each other for %d months", months)
	}
}
