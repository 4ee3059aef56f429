package director

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/pkg/observability"
)

// Evaluation types. A template pins one via EvaluationType; otherwise the
// template title picks between the archetype quiz and a plain summary.
const (
	EvalFlirtArchetype = "flirt_archetype"
	EvalEpisodeSummary = "episode_summary"
)

const flirtArchetypeSchema = `{
  "type": "object",
  "properties": {
    "archetype": {"type": "string", "enum": ["bold_pursuer", "slow_burn", "witty_sparring", "hopeless_romantic", "mysterious_tease"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "headline": {"type": "string"},
    "reasoning": {"type": "string"},
    "standout_moment": {"type": "string"}
  },
  "required": ["archetype", "confidence", "headline", "reasoning"]
}`

const episodeSummarySchema = `{
  "type": "object",
  "properties": {
    "headline": {"type": "string"},
    "summary": {"type": "string"},
    "emotional_tags": {"type": "array", "items": {"type": "string"}},
    "key_moments": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["headline", "summary"]
}`

const flirtEvalPrompt = `You judge a completed flirting episode between a user and an AI character.
Read the transcript and the per-turn mood signals, then classify the user's flirting style into one archetype with a confidence score, a shareable one-line headline, and short reasoning.`

const summaryEvalPrompt = `You summarize a completed chat episode between a user and an AI character.
Read the transcript and produce a shareable headline, a short summary, emotional tags, and the key moments.`

// fallbackResult stands in when the evaluation call fails: the episode
// still gets a persisted, shareable result.
func fallbackResult(evalType string) json.RawMessage {
	if evalType == EvalFlirtArchetype {
		return json.RawMessage(`{"archetype":"slow_burn","confidence":0.5,"headline":"Playing the long game.","reasoning":"The signal was too thin to call, and slow burns are hard to read."}`)
	}
	return json.RawMessage(`{"headline":"An episode to remember.","summary":"The transcript could not be evaluated this time."}`)
}

// EvaluationType resolves which evaluation a completed session gets.
func EvaluationType(tmpl *episode.Template) string {
	if tmpl == nil {
		return EvalEpisodeSummary
	}
	if tmpl.EvaluationType != "" {
		return tmpl.EvaluationType
	}
	title := strings.ToLower(tmpl.Title)
	if strings.Contains(title, "flirt") || strings.Contains(title, "test") {
		return EvalFlirtArchetype
	}
	return EvalEpisodeSummary
}

// GenerateEvaluation produces and persists the one evaluation for a
// completed session. The LLM call failing, or returning malformed JSON,
// degrades to a canned fallback result; only storage failures return an
// error.
func (d *Director) GenerateEvaluation(ctx context.Context, session *episode.Session, tmpl *episode.Template) (*episode.Evaluation, error) {
	evalType := EvaluationType(tmpl)

	result, status := d.runEvaluation(ctx, session, tmpl, evalType)
	observability.RecordEvaluation(evalType, status)

	eval := &episode.Evaluation{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Type:      evalType,
		Result:    result,
		ShareID:   newShareID(),
		CreatedAt: d.clock(),
	}
	if err := d.store.SaveEvaluation(ctx, eval); err != nil {
		return nil, fmt.Errorf("save evaluation: %w", err)
	}
	return eval, nil
}

func (d *Director) runEvaluation(ctx context.Context, session *episode.Session, tmpl *episode.Template, evalType string) (json.RawMessage, string) {
	transcript, err := d.store.Transcript(ctx, session.ID)
	if err != nil {
		log.Printf("[director] transcript for session %s unavailable: %v", session.ID, err)
		return fallbackResult(evalType), "fallback"
	}

	var b strings.Builder
	if tmpl != nil {
		fmt.Fprintf(&b, "Episode: %s\n", tmpl.Title)
		if tmpl.DramaticQuestion != "" {
			fmt.Fprintf(&b, "Dramatic question: %s\n", tmpl.DramaticQuestion)
		}
	}
	fmt.Fprintf(&b, "Turn signals: %s\n\nTranscript:\n", session.Director.MarshalSignals())
	for _, m := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	systemPrompt := summaryEvalPrompt
	schema := episodeSummarySchema
	if evalType == EvalFlirtArchetype {
		systemPrompt = flirtEvalPrompt
		schema = flirtArchetypeSchema
	}

	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
	data, _, err := d.gw.GenerateStructured(ctx, messages, evalType, json.RawMessage(schema), gateway.Options{Temperature: 0.4})
	if err != nil {
		log.Printf("[director] evaluation call for session %s failed: %v", session.ID, err)
		return fallbackResult(evalType), "fallback"
	}
	if !json.Valid(data) {
		log.Printf("[director] evaluation payload for session %s is not valid JSON", session.ID)
		return fallbackResult(evalType), "fallback"
	}
	return data, "ok"
}

// newShareID mints the public handle for an evaluation: short, URL-safe,
// and unguessable enough for an unauthenticated share link.
func newShareID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
