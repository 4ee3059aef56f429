package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/pkg/observability"
)

// Beat classifies the emotional tenor of one exchange.
type Beat struct {
	// Type is one of playful, flirty, tense, vulnerable, supportive,
	// conflict, comfort, neutral.
	Type string `json:"type"`
	// TensionChange is in [-15, 15].
	TensionChange int `json:"tension_change"`
	// Milestone names a relationship milestone reached this exchange,
	// empty if none.
	Milestone string `json:"milestone,omitempty"`
}

// Candidate is one proposed memory from the extraction call.
type Candidate struct {
	Type       string  `json:"type"`
	Summary    string  `json:"summary"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Valence    float64 `json:"valence"`
}

// HookCandidate is one proposed follow-up hook.
type HookCandidate struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	SuggestedOpener string `json:"suggested_opener,omitempty"`
	Priority        int    `json:"priority"`
	// DaysFromNow positions the trigger window start; 0 means
	// immediately eligible.
	DaysFromNow int `json:"days_from_now"`
}

// Result is the structured output of one extraction call.
type Result struct {
	Memories []Candidate     `json:"memories"`
	Hooks    []HookCandidate `json:"hooks"`
	Beat     *Beat           `json:"beat,omitempty"`
}

// extractionSchema constrains the extraction call's JSON output.
const extractionSchema = `{
  "type": "object",
  "properties": {
    "memories": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "enum": ["fact", "preference", "event", "goal", "relationship", "emotion", "meta"]},
          "summary": {"type": "string"},
          "content": {"type": "string"},
          "importance": {"type": "number", "minimum": 0, "maximum": 1},
          "valence": {"type": "number", "minimum": -2, "maximum": 2}
        },
        "required": ["type", "summary", "content", "importance", "valence"]
      }
    },
    "hooks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "enum": ["reminder", "follow_up", "milestone", "scheduled", "anniversary"]},
          "content": {"type": "string"},
          "suggested_opener": {"type": "string"},
          "priority": {"type": "integer", "minimum": 1, "maximum": 5},
          "days_from_now": {"type": "integer", "minimum": 0}
        },
        "required": ["type", "content", "priority", "days_from_now"]
      }
    },
    "beat": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["playful", "flirty", "tense", "vulnerable", "supportive", "conflict", "comfort", "neutral"]},
        "tension_change": {"type": "integer", "minimum": -15, "maximum": 15},
        "milestone": {"type": "string"}
      },
      "required": ["type", "tension_change"]
    }
  },
  "required": ["memories", "hooks", "beat"]
}`

const extractorSystemPrompt = `You analyze a chat exchange between a user and an AI companion.
Extract only durable, reusable information about the user: facts, preferences, events, goals, relationship developments, emotional patterns.
Do not restate things already covered by the known-memories digest; skip near-duplicates by intent, not exact wording.
Propose follow-up hooks only when the user mentioned something worth returning to later.
Always classify the exchange with one beat.`

// MemorySink is the slice of storage the extractor persists into.
type MemorySink interface {
	AddMemory(ctx context.Context, e *Event) error
	AddHook(ctx context.Context, h *Hook) error
	Memories(ctx context.Context, userID, characterID string) ([]*Event, error)
}

// Extractor turns recent exchanges into memory events, hooks, and a beat
// classification via a structured LLM call. Extraction failures never
// reach the user: callers run it in the background and discard errors.
type Extractor struct {
	gw    *gateway.Gateway
	sink  MemorySink
	clock func() time.Time
}

// NewExtractor creates an extractor.
func NewExtractor(gw *gateway.Gateway, sink MemorySink) *Extractor {
	return &Extractor{gw: gw, sink: sink, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock. Test hook.
func (e *Extractor) WithClock(clock func() time.Time) *Extractor {
	e.clock = clock
	return e
}

// Extract asks the LLM to classify the window. Malformed model output
// yields an empty result and a nil beat, not an error; only transport
// failures surface.
func (e *Extractor) Extract(ctx context.Context, window []*episode.Message, digest []string) (*Result, error) {
	var b strings.Builder
	if len(digest) > 0 {
		b.WriteString("Known memories:\n")
		for _, d := range digest {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Exchange:\n")
	for _, m := range window {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	messages := []provider.Message{
		{Role: "system", Content: extractorSystemPrompt},
		{Role: "user", Content: b.String()},
	}

	data, _, err := e.gw.GenerateStructured(ctx, messages, "extraction", json.RawMessage(extractionSchema), gateway.Options{Temperature: 0.2})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("[extractor] malformed extraction payload: %v", err)
		return &Result{}, nil
	}
	return &result, nil
}

// ProcessExchange extracts from the window, persists the resulting
// memories and hooks for the (user, character) pair, and returns the beat
// for the relationship tracker.
func (e *Extractor) ProcessExchange(ctx context.Context, userID, characterID string, window []*episode.Message) (*Beat, error) {
	digest, err := e.buildDigest(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("memory digest: %w", err)
	}

	result, err := e.Extract(ctx, window, digest)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	for _, c := range result.Memories {
		event := &Event{
			ID:               uuid.New().String(),
			UserID:           userID,
			CharacterID:      characterID,
			Type:             normalizeEventType(c.Type),
			Content:          c.Content,
			Summary:          c.Summary,
			EmotionalValence: clampFloat(c.Valence, -2, 2),
			ImportanceScore:  clampFloat(c.Importance, 0, 1),
			IsActive:         true,
			CreatedAt:        now,
		}
		if err := e.sink.AddMemory(ctx, event); err != nil {
			return nil, fmt.Errorf("persist memory: %w", err)
		}
	}

	for _, c := range result.Hooks {
		hook := &Hook{
			ID:              uuid.New().String(),
			UserID:          userID,
			CharacterID:     characterID,
			Type:            normalizeHookType(c.Type),
			Content:         c.Content,
			SuggestedOpener: c.SuggestedOpener,
			Priority:        clampInt(c.Priority, 1, 5),
			IsActive:        true,
			CreatedAt:       now,
		}
		if c.DaysFromNow > 0 {
			after := now.AddDate(0, 0, c.DaysFromNow)
			hook.TriggerAfter = &after
		}
		if err := e.sink.AddHook(ctx, hook); err != nil {
			return nil, fmt.Errorf("persist hook: %w", err)
		}
	}

	if result.Beat != nil {
		result.Beat.TensionChange = clampInt(result.Beat.TensionChange, -15, 15)
	}
	observability.RecordExtraction("ok", len(result.Memories), len(result.Hooks))
	return result.Beat, nil
}

const digestLimit = 20

func (e *Extractor) buildDigest(ctx context.Context, userID, characterID string) ([]string, error) {
	events, err := e.sink.Memories(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	ranked := RankForRetrieval(events, e.clock(), digestLimit)
	digest := make([]string, 0, len(ranked))
	for _, ev := range ranked {
		digest = append(digest, ev.Summary)
	}
	return digest, nil
}

func normalizeEventType(raw string) EventType {
	switch t := EventType(strings.ToLower(raw)); t {
	case TypeFact, TypePreference, TypeEvent, TypeGoal, TypeRelationship, TypeEmotion, TypeMeta:
		return t
	default:
		return TypeFact
	}
}

func normalizeHookType(raw string) HookType {
	switch t := HookType(strings.ToLower(raw)); t {
	case HookReminder, HookFollowUp, HookMilestone, HookScheduled, HookAnniversary:
		return t
	default:
		return HookFollowUp
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
