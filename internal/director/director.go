// Package director owns episode progression: turn counting, per-turn
// signal folding, completion policy evaluation, and the evaluation
// generated when an episode completes. The director is the only writer of
// the complete state.
package director

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/pkg/observability"
)

// Store is the slice of persistence the director needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*episode.Session, error)
	SaveSession(ctx context.Context, s *episode.Session) error
	GetTemplate(ctx context.Context, id string) (*episode.Template, error)
	Transcript(ctx context.Context, sessionID string) ([]*episode.Message, error)
	SaveEvaluation(ctx context.Context, e *episode.Evaluation) error
}

// Director advances template-backed sessions one exchange at a time.
type Director struct {
	store  Store
	gw     *gateway.Gateway
	tracer trace.Tracer
	clock  func() time.Time
}

// New creates a director.
func New(store Store, gw *gateway.Gateway) *Director {
	return &Director{
		store:  store,
		gw:     gw,
		tracer: otel.Tracer("kindred/director"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Test hook.
func (d *Director) WithClock(clock func() time.Time) *Director {
	d.clock = clock
	return d
}

// ProcessExchange advances the session by one exchange: the turn counter
// increments, an optional structured signal folds into the director
// state, and the template's completion policy is evaluated. When the
// policy fires, the session transitions to complete and an evaluation is
// generated and persisted. Non-active sessions pass through unchanged.
func (d *Director) ProcessExchange(ctx context.Context, sessionID string, signal *episode.TurnSignal) (*episode.Session, error) {
	ctx, span := d.tracer.Start(ctx, "director.process_exchange",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != episode.StateActive {
		return session, nil
	}

	session.TurnCount++
	if signal != nil {
		session.Director.Fold(session.TurnCount, signal.Mood, signal.TensionShift)
		if signal.Mood != "" {
			session.Director.CurrentBeat = signal.Mood
		}
	}

	var policy episode.CompletionPolicy
	var tmpl *episode.Template
	if session.TemplateID != "" {
		tmpl, err = d.store.GetTemplate(ctx, session.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		policy = tmpl.Completion
	}

	trigger, done := evaluate(policy, session)
	if done {
		now := d.clock()
		session.State = episode.StateComplete
		session.ResolutionType = episode.ResolutionPositive
		session.CompletionTrigger = trigger
		session.EndedAt = &now
		span.SetAttributes(attribute.String("episode.completion_trigger", string(trigger)))
	}

	if err := d.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if done {
		observability.RecordCompletion(string(trigger))
		// Evaluation failures degrade to the fallback result inside
		// GenerateEvaluation; an error here means persistence failed, and
		// the completed session is still served.
		if _, err := d.GenerateEvaluation(ctx, session, tmpl); err != nil {
			log.Printf("[director] evaluation for session %s failed: %v", session.ID, err)
		}
	}
	return session, nil
}

// evaluate applies the completion policy. Open and objective policies
// never complete; objective stays reserved until objective detection
// ships.
func evaluate(policy episode.CompletionPolicy, session *episode.Session) (episode.CompletionTrigger, bool) {
	switch policy.Mode {
	case episode.ModeTurnLimited:
		if policy.TurnBudget > 0 && session.TurnCount >= policy.TurnBudget {
			return episode.TriggerTurnLimit, true
		}
		return "", false
	case episode.ModeBeatGated:
		if policy.RequiredBeat != "" && session.Director.CurrentBeat == policy.RequiredBeat {
			return episode.TriggerBeatGate, true
		}
		return "", false
	case episode.ModeOpen, episode.ModeObjective, "":
		return "", false
	default:
		return "", false
	}
}
