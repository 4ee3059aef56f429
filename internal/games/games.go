// Package games runs structured mini-game episodes. A game turn is a
// normal conversation turn whose reply is generated against a fixed JSON
// schema: the character's spoken line plus a mood and tension signal the
// director folds into episode state.
package games

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/kindred-ai/kindred/internal/convo"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/store"
)

// DefaultTurnBudget applies to game templates that declare no completion
// policy of their own.
const DefaultTurnBudget = 7

// ErrNotGameSession rejects a game turn against a free-form session.
var ErrNotGameSession = errors.New("session has no episode template")

// TurnPayload is the structured reply of one game turn. The full payload
// is stored as message metadata; Say alone is rendered as the message
// content.
type TurnPayload struct {
	Say          string `json:"say"`
	Mood         string `json:"mood"`
	TensionShift int    `json:"tension_shift"`
	// InnerNote is the character's private read of the turn, surfaced in
	// reveal-style UIs but never spoken.
	InnerNote string `json:"inner_note,omitempty"`
}

const turnSchema = `{
  "type": "object",
  "properties": {
    "say": {"type": "string"},
    "mood": {"type": "string", "enum": ["playful", "flirty", "tense", "vulnerable", "supportive", "conflict", "comfort", "neutral"]},
    "tension_shift": {"type": "integer", "minimum": -3, "maximum": 3},
    "inner_note": {"type": "string"}
  },
  "required": ["say", "mood", "tension_shift"]
}`

// Turn is the outcome of one game exchange.
type Turn struct {
	Session        *episode.Session
	UserMessage    *episode.Message
	Message        *episode.Message
	Payload        TurnPayload
	TurnsRemaining int
	Completed      bool
}

// Engine orchestrates game sessions on top of the conversation core. It
// owns no turn pipeline of its own: persistence, context assembly, and
// completion bookkeeping all go through the Orchestrator.
type Engine struct {
	store store.Store
	convo *convo.Orchestrator
}

// NewEngine wires a game engine.
func NewEngine(s store.Store, orch *convo.Orchestrator) *Engine {
	return &Engine{store: s, convo: orch}
}

// StartGame begins a game session from a template. Templates without a
// completion policy are normalized to the default turn budget first, so
// every game has a bounded arc.
func (e *Engine) StartGame(ctx context.Context, userID, characterID, templateID string) (*episode.Session, *episode.Message, error) {
	tmpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, nil, err
	}
	if tmpl.Completion.Mode == "" || tmpl.Completion.Mode == episode.ModeOpen {
		tmpl.Completion = episode.TurnLimited(DefaultTurnBudget)
		if err := e.store.SaveTemplate(ctx, tmpl); err != nil {
			return nil, nil, fmt.Errorf("normalize template policy: %w", err)
		}
	}
	return e.convo.StartEpisode(ctx, userID, characterID, templateID)
}

// PlayTurn runs one structured game exchange through the conversation
// pipeline, so game turns get the same persistence ordering, hook
// retirement, and background extraction as plain turns. A malformed
// structured reply degrades to a plain spoken line with a neutral signal
// rather than failing the turn.
func (e *Engine) PlayTurn(ctx context.Context, sessionID, userID, content string) (*Turn, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TemplateID == "" {
		return nil, ErrNotGameSession
	}
	tmpl, err := e.store.GetTemplate(ctx, session.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}

	var payload TurnPayload
	spec := convo.StructuredSpec{
		SchemaName:   "game_turn",
		Schema:       json.RawMessage(turnSchema),
		SystemSuffix: gameFraming(tmpl, remaining(tmpl, session.TurnCount)),
		Options:      gateway.Options{Temperature: 0.8},
		Decode: func(raw json.RawMessage) (string, json.RawMessage, *episode.TurnSignal) {
			if uerr := json.Unmarshal(raw, &payload); uerr != nil || payload.Say == "" {
				log.Printf("[games] malformed turn payload for session %s: %v", session.ID, uerr)
				payload = TurnPayload{Say: string(raw), Mood: "neutral"}
				raw, _ = json.Marshal(payload)
			}
			return payload.Say, raw, &episode.TurnSignal{
				Mood:         payload.Mood,
				TensionShift: payload.TensionShift,
			}
		},
	}

	result, err := e.convo.SendStructured(ctx, convo.SendRequest{
		UserID:      userID,
		CharacterID: session.CharacterID,
		SessionID:   session.ID,
		Content:     content,
	}, spec)
	if err != nil {
		return nil, err
	}

	return &Turn{
		Session:        result.Session,
		UserMessage:    result.UserMessage,
		Message:        result.AssistantMessage,
		Payload:        payload,
		TurnsRemaining: remaining(tmpl, result.Session.TurnCount),
		Completed:      result.Completed,
	}, nil
}

// remaining reports turns left under the template's budget, 0 when spent,
// -1 for unbounded policies.
func remaining(tmpl *episode.Template, turnCount int) int {
	if tmpl.Completion.Mode != episode.ModeTurnLimited {
		return -1
	}
	budget := tmpl.Completion.TurnBudget
	if budget <= 0 {
		budget = DefaultTurnBudget
	}
	left := budget - turnCount
	if left < 0 {
		return 0
	}
	return left
}

// gameFraming appends the scenario pressure to the system prompt: what
// the character wants, what's in the way, how they play it, and how much
// time is left.
func gameFraming(tmpl *episode.Template, turnsLeft int) string {
	var b []byte
	b = append(b, "\n\n## Scene direction\n"...)
	if tmpl.SceneObjective != "" {
		b = append(b, fmt.Sprintf("Objective: %s\n", tmpl.SceneObjective)...)
	}
	if tmpl.SceneObstacle != "" {
		b = append(b, fmt.Sprintf("Obstacle: %s\n", tmpl.SceneObstacle)...)
	}
	if tmpl.SceneTactic != "" {
		b = append(b, fmt.Sprintf("Tactic: %s\n", tmpl.SceneTactic)...)
	}
	if tmpl.DramaticQuestion != "" {
		b = append(b, fmt.Sprintf("Dramatic question: %s\n", tmpl.DramaticQuestion)...)
	}
	if turnsLeft >= 0 {
		b = append(b, fmt.Sprintf("Turns remaining: %d. Escalate toward a resolution as they run out.\n", turnsLeft)...)
	}
	return string(b)
}
