package convo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/store"
	"github.com/kindred-ai/kindred/internal/tasks"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStoreBackend
	mock   *provider.MockProvider
	orch   *Orchestrator
	runner *tasks.Runner
}

func newFixture(t *testing.T, director Director) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	mock := provider.NewMockProvider("mock")
	gw := gateway.New(mock, gateway.Config{})
	runner := tasks.NewRunner(2)

	require.NoError(t, st.SaveCharacter(context.Background(), &character.Character{
		ID:           "c1",
		Name:         "Nova",
		SystemPrompt: "You are Nova.",
	}))

	orch := NewOrchestrator(st, gw, runner, director).WithClock(func() time.Time { return testNow })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, runner.Close(ctx))
		_ = st.Close()
	})
	return &fixture{store: st, mock: mock, orch: orch, runner: runner}
}

func TestSendMessageHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi there"})
	require.NoError(t, err)

	assert.Equal(t, episode.StateActive, result.Session.State)
	assert.Equal(t, 1, result.Session.EpisodeNumber)
	assert.Equal(t, "hi there", result.UserMessage.Content)
	assert.Equal(t, "Mock response", result.AssistantMessage.Content)
	assert.Equal(t, "mock-model", result.AssistantMessage.Model)
	assert.False(t, result.Completed)

	transcript, err := f.store.Transcript(ctx, result.Session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, episode.RoleUser, transcript[0].Role)
	assert.Equal(t, episode.RoleAssistant, transcript[1].Role)

	sess, err := f.store.GetSession(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, 1, sess.UserMessageCount)

	// A relationship record now exists with the session counted.
	rel, err := f.store.GetRelationship(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rel.TotalSessions)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.SendMessage(context.Background(), SendRequest{UserID: "u1", CharacterID: "c1"})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendMessageUnknownCharacter(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.SendMessage(context.Background(), SendRequest{UserID: "u1", CharacterID: "ghost", Content: "hi"})
	assert.ErrorIs(t, err, store.ErrCharacterNotFound)
}

func TestSendMessageReusesActiveSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "one"})
	require.NoError(t, err)
	second, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "two"})
	require.NoError(t, err)

	assert.Equal(t, first.Session.ID, second.Session.ID)
}

func TestSendMessageGenerationFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.Errors = []error{errors.New("upstream 500")}
	ctx := context.Background()

	_, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hello?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrGenerationFailed)

	sess, err := f.store.ActiveSession(ctx, "u1", "c1")
	require.NoError(t, err)
	transcript, err := f.store.Transcript(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1, "user message persists, assistant does not")
	assert.Equal(t, episode.RoleUser, transcript[0].Role)
}

func TestSendMessageStreamDeliversDeltas(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.StreamScripts = [][]provider.StreamChunk{{
		{Delta: "Hey "},
		{Delta: "you."},
		{FinishReason: "stop"},
	}}
	ctx := context.Background()

	var got []string
	result, err := f.orch.SendMessageStream(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"}, func(delta string) error {
		got = append(got, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hey ", "you."}, got)
	assert.Equal(t, "Hey you.", result.AssistantMessage.Content)

	transcript, _ := f.store.Transcript(ctx, result.Session.ID)
	require.Len(t, transcript, 2)
	assert.Equal(t, "Hey you.", transcript[1].Content)
}

// failingStreamProvider wraps a mock but fails mid-stream.
type failingStreamProvider struct {
	*provider.MockProvider
	failAfter int
	err       error
}

func (p *failingStreamProvider) CreateStreaming(ctx context.Context, request provider.CompletionRequest) (provider.Stream, error) {
	chunks := []provider.StreamChunk{{Delta: "partial "}, {Delta: "reply"}}
	return provider.NewFailingStream(chunks, p.failAfter, p.err), nil
}

func TestSendMessageStreamFailureIsAllOrNothing(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveCharacter(context.Background(), &character.Character{ID: "c1", Name: "Nova", SystemPrompt: "You are Nova."}))

	p := &failingStreamProvider{
		MockProvider: provider.NewMockProvider("mock"),
		failAfter:    1,
		err:          errors.New("connection reset"),
	}
	runner := tasks.NewRunner(1)
	orch := NewOrchestrator(st, gateway.New(p, gateway.Config{}), runner, nil).
		WithClock(func() time.Time { return testNow })
	ctx := context.Background()

	var deltas []string
	_, err := orch.SendMessageStream(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrGenerationFailed)
	assert.Equal(t, []string{"partial "}, deltas, "chunks before the failure were delivered")

	sess, err := st.ActiveSession(ctx, "u1", "c1")
	require.NoError(t, err)
	transcript, _ := st.Transcript(ctx, sess.ID)
	require.Len(t, transcript, 1, "no partial assistant message is persisted")
	assert.Equal(t, episode.RoleUser, transcript[0].Role)

	require.NoError(t, runner.Close(ctx))
}

func TestStartEpisodeFadesPriorActiveSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SaveTemplate(ctx, &episode.Template{
		ID:          "t1",
		Title:       "Midnight Confession",
		Situation:   "A rooftop at 2am.",
		OpeningLine: "Couldn't sleep either?",
		Completion:  episode.TurnLimited(5),
	}))

	first, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hello"})
	require.NoError(t, err)

	session, opening, err := f.orch.StartEpisode(ctx, "u1", "c1", "t1")
	require.NoError(t, err)

	prior, err := f.store.GetSession(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, episode.StateFaded, prior.State)
	assert.Equal(t, episode.ResolutionFaded, prior.ResolutionType)
	require.NotNil(t, prior.EndedAt)

	assert.Equal(t, episode.StateActive, session.State)
	assert.Equal(t, "t1", session.TemplateID)
	assert.Equal(t, 2, session.EpisodeNumber)
	assert.Equal(t, "A rooftop at 2am.", session.Scene)

	require.NotNil(t, opening)
	assert.Equal(t, episode.RoleAssistant, opening.Role)
	assert.Equal(t, "Couldn't sleep either?", opening.Content)

	active, err := f.store.ActiveSession(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID, "exactly one active session per pair")
}

func TestSendMessageToEndedSessionRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"})
	require.NoError(t, err)
	_, err = f.orch.EndSession(ctx, result.Session.ID, episode.ResolutionNeutral)
	require.NoError(t, err)

	_, err = f.orch.SendMessage(ctx, SendRequest{
		UserID: "u1", CharacterID: "c1", SessionID: result.Session.ID, Content: "still there?",
	})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSendMessageOwnershipChecked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"})
	require.NoError(t, err)

	_, err = f.orch.SendMessage(ctx, SendRequest{
		UserID: "u2", CharacterID: "c1", SessionID: result.Session.ID, Content: "mine now",
	})
	assert.ErrorIs(t, err, ErrSessionOwnership)
}

func TestHooksSurfaceOnceThenRetire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.AddHook(ctx, &memory.Hook{
		ID: "h1", UserID: "u1", CharacterID: "c1",
		Type: memory.HookFollowUp, Content: "Ask about the job interview",
		Priority: 4, IsActive: true, CreatedAt: testNow.Add(-time.Hour),
	}))

	_, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hey"})
	require.NoError(t, err)

	require.NotEmpty(t, f.mock.CompletionCalls)
	firstPrompt := f.mock.CompletionCalls[0].Messages[0].Content
	assert.Contains(t, firstPrompt, "Ask about the job interview")

	hooks, err := f.store.Hooks(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.False(t, hooks[0].IsActive, "surfaced hook is retired")
	require.NotNil(t, hooks[0].TriggeredAt)

	_, err = f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hey again"})
	require.NoError(t, err)
	secondPrompt := f.mock.CompletionCalls[1].Messages[0].Content
	assert.NotContains(t, secondPrompt, "Ask about the job interview")
	assert.Contains(t, secondPrompt, "No active hooks.")
}

func TestEndSessionIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"})
	require.NoError(t, err)

	_, err = f.orch.EndSession(ctx, result.Session.ID, episode.ResolutionPositive)
	require.NoError(t, err)
	ended, err := f.orch.EndSession(ctx, result.Session.ID, episode.ResolutionNegative)
	require.NoError(t, err)
	assert.Equal(t, episode.ResolutionPositive, ended.ResolutionType, "second end is a no-op")
}

func TestEndSessionGeneratesRecap(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "I got the job!"})
	require.NoError(t, err)

	// Drain background extraction so the recap is the next scripted call.
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Close(drainCtx))

	f.mock.StructuredResponses = []*provider.StructuredResponse{{
		Data:               json.RawMessage(`{"summary":"They shared good news about a new job.","emotional_tags":["proud"],"key_events":["got the job"]}`),
		CompletionResponse: provider.CompletionResponse{Model: "mock-model"},
	}}

	ended, err := f.orch.EndSession(ctx, result.Session.ID, episode.ResolutionPositive)
	require.NoError(t, err)
	assert.Equal(t, "They shared good news about a new job.", ended.Summary)
	assert.Equal(t, []string{"proud"}, ended.EmotionalTags)
	assert.Equal(t, []string{"got the job"}, ended.KeyEvents)

	stored, err := f.store.GetSession(ctx, ended.ID)
	require.NoError(t, err)
	assert.Equal(t, "They shared good news about a new job.", stored.Summary)
}

func TestResetRelationship(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.orch.SendMessage(ctx, SendRequest{UserID: "u1", CharacterID: "c1", Content: "hi"})
	require.NoError(t, err)

	// Drain background extraction before resetting so its counter bumps
	// land first.
	require.NoError(t, f.runner.Close(ctx))

	require.NoError(t, f.orch.ResetRelationship(ctx, "u1", "c1"))

	_, err = f.store.GetSession(ctx, result.Session.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	rel, err := f.store.GetRelationship(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Zero(t, rel.TotalSessions)
	assert.Zero(t, rel.TotalMessages)
	assert.Equal(t, "warm", rel.Dynamic.Tone)
	assert.Empty(t, rel.Milestones)
}
