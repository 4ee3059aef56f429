package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/relationship"
	"github.com/kindred-ai/kindred/internal/store"
	"github.com/kindred-ai/kindred/internal/tasks"
	"github.com/kindred-ai/kindred/pkg/observability"
)

var (
	// ErrEmptyMessage rejects blank user input before any persistence.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrSessionEnded rejects messages sent to a non-active session.
	ErrSessionEnded = errors.New("session already ended")
	// ErrSessionOwnership rejects a session id that belongs to a
	// different (user, character) pair.
	ErrSessionOwnership = errors.New("session does not belong to this pair")
)

// Director advances episode progression after each exchange. Nil signal
// means a plain conversation turn with no structured game payload.
type Director interface {
	ProcessExchange(ctx context.Context, sessionID string, signal *episode.TurnSignal) (*episode.Session, error)
}

// SendRequest is one inbound user turn.
type SendRequest struct {
	UserID      string
	CharacterID string
	// SessionID pins the turn to a known session. Empty resolves the
	// active session for the pair, creating a free-form one if needed.
	SessionID string
	Content   string
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Session          *episode.Session
	UserMessage      *episode.Message
	AssistantMessage *episode.Message
	// Completed is true when the director completed the episode on this
	// turn.
	Completed bool
}

// Orchestrator runs the conversation loop: resolve the session, assemble
// context, persist the user message, generate, persist the reply, advance
// the director, and kick off background extraction.
type Orchestrator struct {
	store     store.Store
	gw        *gateway.Gateway
	assembler *Assembler
	extractor *memory.Extractor
	tracker   *relationship.Tracker
	runner    *tasks.Runner
	director  Director
	clock     func() time.Time
}

// NewOrchestrator wires the conversation loop. director may be nil when
// episode progression is not in play (e.g. the local REPL).
func NewOrchestrator(s store.Store, gw *gateway.Gateway, runner *tasks.Runner, director Director) *Orchestrator {
	return &Orchestrator{
		store:     s,
		gw:        gw,
		assembler: NewAssembler(s),
		extractor: memory.NewExtractor(gw, s),
		tracker:   relationship.NewTracker(s),
		runner:    runner,
		director:  director,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock on the orchestrator and its assembler.
// Test hook.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	o.assembler.WithClock(clock)
	o.extractor.WithClock(clock)
	return o
}

// SendMessage runs one synchronous turn. The user message is persisted
// before the generation call, so a failed generation leaves the user
// message in the transcript and no assistant message.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*TurnResult, error) {
	start := o.clock()

	session, convCtx, userMsg, err := o.beginTurn(ctx, req)
	if err != nil {
		observability.RecordTurn("chat", "rejected", o.clock().Sub(start))
		return nil, err
	}

	messages := append(convCtx.ToMessages(), providerMessage(userMsg))
	reply, err := o.gw.Generate(ctx, messages, gateway.Options{})
	if err != nil {
		observability.RecordTurn("chat", "error", o.clock().Sub(start))
		return nil, err
	}

	result, err := o.finishTurn(ctx, session, convCtx, userMsg, reply.Content, reply, nil, nil)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordTurn("chat", status, o.clock().Sub(start))
	return result, err
}

// StructuredSpec describes a schema-constrained turn: the reply is
// generated against a JSON schema instead of free text. Decode maps the
// raw payload onto the spoken content, the metadata stored on the
// assistant message, and the signal folded by the director; it must
// degrade malformed payloads itself rather than fail.
type StructuredSpec struct {
	SchemaName string
	Schema     json.RawMessage
	// SystemSuffix is appended to the system message before generation.
	SystemSuffix string
	Options      gateway.Options
	Decode       func(raw json.RawMessage) (content string, metadata json.RawMessage, signal *episode.TurnSignal)
}

// SendStructured runs one structured turn through the same pipeline as
// SendMessage: same session resolution, same persistence ordering, same
// hook retirement and background extraction. Game turns go through here
// so they never fork the conversation bookkeeping.
func (o *Orchestrator) SendStructured(ctx context.Context, req SendRequest, spec StructuredSpec) (*TurnResult, error) {
	start := o.clock()

	session, convCtx, userMsg, err := o.beginTurn(ctx, req)
	if err != nil {
		observability.RecordTurn("game", "rejected", o.clock().Sub(start))
		return nil, err
	}

	messages := append(convCtx.ToMessages(), providerMessage(userMsg))
	if spec.SystemSuffix != "" {
		messages[0].Content += spec.SystemSuffix
	}
	raw, reply, err := o.gw.GenerateStructured(ctx, messages, spec.SchemaName, spec.Schema, spec.Options)
	if err != nil {
		observability.RecordTurn("game", "error", o.clock().Sub(start))
		return nil, err
	}

	content, metadata, signal := spec.Decode(raw)
	result, err := o.finishTurn(ctx, session, convCtx, userMsg, content, reply, metadata, signal)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordTurn("game", status, o.clock().Sub(start))
	return result, err
}

// SendMessageStream runs one streamed turn, invoking onDelta for each text
// chunk. The assistant message is persisted only after the stream ends
// cleanly: a mid-stream failure or an onDelta error leaves the user
// message persisted and nothing else, and the next turn regenerates from
// that point.
func (o *Orchestrator) SendMessageStream(ctx context.Context, req SendRequest, onDelta func(delta string) error) (*TurnResult, error) {
	start := o.clock()

	session, convCtx, userMsg, err := o.beginTurn(ctx, req)
	if err != nil {
		observability.RecordTurn("stream", "rejected", o.clock().Sub(start))
		return nil, err
	}

	messages := append(convCtx.ToMessages(), providerMessage(userMsg))
	stream, err := o.gw.GenerateStream(ctx, messages, gateway.Options{})
	if err != nil {
		observability.RecordTurn("stream", "error", o.clock().Sub(start))
		return nil, err
	}

	content, err := drainStream(stream, onDelta)
	if err != nil {
		observability.RecordTurn("stream", "error", o.clock().Sub(start))
		return nil, err
	}

	result, err := o.finishTurn(ctx, session, convCtx, userMsg, content, nil, nil, nil)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordTurn("stream", status, o.clock().Sub(start))
	return result, err
}

func drainStream(stream gateway.Stream, onDelta func(string) error) (string, error) {
	defer stream.Close()
	var content []byte
	for {
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return string(content), nil
			}
			return "", err
		}
		if delta == "" {
			continue
		}
		content = append(content, delta...)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
}

// beginTurn validates the request, resolves or creates the session,
// assembles context, and persists the user message.
func (o *Orchestrator) beginTurn(ctx context.Context, req SendRequest) (*episode.Session, *ConversationContext, *episode.Message, error) {
	if req.Content == "" {
		return nil, nil, nil, ErrEmptyMessage
	}

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}

	convCtx, err := o.assembler.BuildContext(ctx, req.UserID, req.CharacterID, session)
	if err != nil {
		return nil, nil, nil, err
	}

	userMsg := &episode.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      episode.RoleUser,
		Content:   req.Content,
		CreatedAt: o.clock(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("persist user message: %w", err)
	}
	if err := o.store.IncrementMessageCounts(ctx, session.ID, 1, 1); err != nil {
		return nil, nil, nil, fmt.Errorf("bump message counts: %w", err)
	}
	return session, convCtx, userMsg, nil
}

// finishTurn persists the assistant reply, advances the director for
// template sessions, marks surfaced hooks triggered, and schedules
// background extraction. reply may be nil for streamed turns; metadata
// and signal are set only on structured turns.
func (o *Orchestrator) finishTurn(ctx context.Context, session *episode.Session, convCtx *ConversationContext, userMsg *episode.Message, content string, reply *gateway.Reply, metadata json.RawMessage, signal *episode.TurnSignal) (*TurnResult, error) {
	assistantMsg := &episode.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      episode.RoleAssistant,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: o.clock(),
	}
	if reply != nil {
		assistantMsg.Model = reply.Model
		assistantMsg.TokensIn = reply.TokensIn
		assistantMsg.TokensOut = reply.TokensOut
		assistantMsg.LatencyMS = reply.Latency.Milliseconds()
	}
	if err := o.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := o.store.IncrementMessageCounts(ctx, session.ID, 1, 0); err != nil {
		return nil, fmt.Errorf("bump message counts: %w", err)
	}

	o.markHooksTriggered(ctx, convCtx.Hooks)

	completed := false
	if o.director != nil && session.TemplateID != "" {
		advanced, err := o.director.ProcessExchange(ctx, session.ID, signal)
		if err != nil {
			// Progression failure must not undo an already-delivered
			// reply; log and serve the turn.
			log.Printf("[convo] director failed for session %s: %v", session.ID, err)
		} else {
			session = advanced
			completed = session.State == episode.StateComplete
		}
	}

	o.scheduleExtraction(ctx, session, userMsg, assistantMsg)

	return &TurnResult{
		Session:          session,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Completed:        completed,
	}, nil
}

// markHooksTriggered retires every hook that was surfaced into this
// turn's prompt. Hooks fire once: a hook the character has had the chance
// to bring up never re-enters a prompt.
func (o *Orchestrator) markHooksTriggered(ctx context.Context, hooks []*memory.Hook) {
	now := o.clock()
	for _, h := range hooks {
		h.IsActive = false
		h.TriggeredAt = &now
		if err := o.store.SaveHook(ctx, h); err != nil {
			log.Printf("[convo] marking hook %s triggered failed: %v", h.ID, err)
		}
	}
}

// scheduleExtraction runs memory extraction and relationship tracking in
// the background. Failures are logged and dropped; the user-visible turn
// has already succeeded.
func (o *Orchestrator) scheduleExtraction(ctx context.Context, session *episode.Session, userMsg, assistantMsg *episode.Message) {
	userID, characterID := session.UserID, session.CharacterID
	window := []*episode.Message{userMsg, assistantMsg}
	o.runner.Go(ctx, "extraction", func(ctx context.Context) error {
		beat, err := o.extractor.ProcessExchange(ctx, userID, characterID, window)
		if err != nil {
			return err
		}
		if err := o.tracker.RecordMessages(ctx, userID, characterID, 2); err != nil {
			return err
		}
		if beat == nil {
			return nil
		}
		_, err = o.tracker.Update(ctx, userID, characterID, beat.Type, beat.TensionChange, beat.Milestone)
		return err
	})
}

func providerMessage(m *episode.Message) provider.Message {
	return provider.Message{Role: string(m.Role), Content: m.Content}
}

// resolveSession finds the session for the turn: the pinned one when a
// session id is supplied, otherwise the pair's active session, otherwise a
// fresh free-form session.
func (o *Orchestrator) resolveSession(ctx context.Context, req SendRequest) (*episode.Session, error) {
	if req.SessionID != "" {
		session, err := o.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.UserID != req.UserID || session.CharacterID != req.CharacterID {
			return nil, ErrSessionOwnership
		}
		if session.State != episode.StateActive {
			return nil, fmt.Errorf("%w: session is %s", ErrSessionEnded, session.State)
		}
		return session, nil
	}

	session, err := o.store.ActiveSession(ctx, req.UserID, req.CharacterID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}
	return o.createSession(ctx, req.UserID, req.CharacterID, nil)
}

// StartEpisode begins a new session from a template, fading any session
// currently active for the pair. The template's opening line, when set, is
// seeded as the first assistant message.
func (o *Orchestrator) StartEpisode(ctx context.Context, userID, characterID, templateID string) (*episode.Session, *episode.Message, error) {
	var tmpl *episode.Template
	if templateID != "" {
		var err error
		tmpl, err = o.store.GetTemplate(ctx, templateID)
		if err != nil {
			return nil, nil, err
		}
		if err := tmpl.Completion.Validate(); err != nil {
			return nil, nil, fmt.Errorf("template %s: %w", templateID, err)
		}
	}

	session, err := o.createSession(ctx, userID, characterID, tmpl)
	if err != nil {
		return nil, nil, err
	}

	var opening *episode.Message
	if tmpl != nil && tmpl.OpeningLine != "" {
		opening = &episode.Message{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Role:      episode.RoleAssistant,
			Content:   tmpl.OpeningLine,
			CreatedAt: o.clock(),
		}
		if err := o.store.AppendMessage(ctx, opening); err != nil {
			return nil, nil, fmt.Errorf("seed opening line: %w", err)
		}
		if err := o.store.IncrementMessageCounts(ctx, session.ID, 1, 0); err != nil {
			return nil, nil, fmt.Errorf("bump message counts: %w", err)
		}
	}
	return session, opening, nil
}

// createSession fades the pair's current active session (at most one may
// be active), reserves the next episode number, and saves a new active
// session. tmpl may be nil for free-form conversation.
func (o *Orchestrator) createSession(ctx context.Context, userID, characterID string, tmpl *episode.Template) (*episode.Session, error) {
	if _, err := o.store.GetCharacter(ctx, characterID); err != nil {
		return nil, err
	}
	if _, err := o.store.UpsertUser(ctx, &character.User{ID: userID, CreatedAt: o.clock()}); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	if prior, err := o.store.ActiveSession(ctx, userID, characterID); err == nil {
		if err := o.closeSession(ctx, prior, episode.StateFaded, episode.ResolutionFaded); err != nil {
			return nil, fmt.Errorf("fade prior session: %w", err)
		}
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	num, err := o.store.NextEpisodeNumber(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("reserve episode number: %w", err)
	}

	now := o.clock()
	session := &episode.Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		CharacterID:   characterID,
		EpisodeNumber: num,
		StartedAt:     now,
		State:         episode.StateActive,
	}
	if tmpl != nil {
		session.TemplateID = tmpl.ID
		session.Title = tmpl.Title
		session.Scene = tmpl.Situation
	}
	if err := o.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if _, err := o.tracker.RecordSessionStart(ctx, userID, characterID); err != nil {
		log.Printf("[convo] session-start tracking failed for %s/%s: %v", userID, characterID, err)
	}
	return session, nil
}

// EndSession ends an active or paused session with the given resolution.
// Ending an already-ended session is a no-op.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string, resolution episode.ResolutionType) (*episode.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == episode.StateComplete || session.State == episode.StateFaded {
		return session, nil
	}
	o.summarizeSession(ctx, session)
	if err := o.closeSession(ctx, session, episode.StateFaded, resolution); err != nil {
		return nil, err
	}
	return session, nil
}

// closingSchema constrains the end-of-session recap call.
var closingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"emotional_tags": {"type": "array", "items": {"type": "string"}},
		"key_events": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["summary"],
	"additionalProperties": false
}`)

// summarizeSession fills the session's closing fields from the transcript.
// Best effort: a failed call leaves them blank and never blocks the close.
func (o *Orchestrator) summarizeSession(ctx context.Context, session *episode.Session) {
	transcript, err := o.store.Transcript(ctx, session.ID)
	if err != nil || len(transcript) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString("Summarize this conversation in one or two sentences, then list emotional tags and key events.\n\n")
	for _, m := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	data, _, err := o.gw.GenerateStructured(ctx,
		[]provider.Message{{Role: "user", Content: sb.String()}},
		"session_recap", closingSchema, gateway.Options{Temperature: 0.3})
	if err != nil {
		log.Printf("session %s: recap generation failed: %v", session.ID, err)
		return
	}

	var recap struct {
		Summary       string   `json:"summary"`
		EmotionalTags []string `json:"emotional_tags"`
		KeyEvents     []string `json:"key_events"`
	}
	if err := json.Unmarshal(data, &recap); err != nil {
		log.Printf("session %s: recap payload malformed: %v", session.ID, err)
		return
	}
	session.Summary = recap.Summary
	session.EmotionalTags = recap.EmotionalTags
	session.KeyEvents = recap.KeyEvents
}

func (o *Orchestrator) closeSession(ctx context.Context, session *episode.Session, state episode.SessionState, resolution episode.ResolutionType) error {
	now := o.clock()
	session.State = state
	session.ResolutionType = resolution
	session.EndedAt = &now
	return o.store.SaveSession(ctx, session)
}

// ResetRelationship wipes the pair's shared history: every session and
// message is deleted and the relationship record is returned to its
// starting dynamic. Memories and hooks are left in place.
func (o *Orchestrator) ResetRelationship(ctx context.Context, userID, characterID string) error {
	if err := o.store.DeleteSessions(ctx, userID, characterID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	rel, err := o.store.GetRelationship(ctx, userID, characterID)
	if err != nil {
		if errors.Is(err, store.ErrRelationshipNotFound) {
			return nil
		}
		return err
	}
	rel.TotalSessions = 0
	rel.TotalMessages = 0
	rel.Dynamic = relationship.DefaultDynamic()
	rel.Milestones = nil
	rel.FirstMetAt = o.clock()
	if err := o.store.SaveRelationship(ctx, rel); err != nil {
		return fmt.Errorf("save relationship: %w", err)
	}
	return nil
}
