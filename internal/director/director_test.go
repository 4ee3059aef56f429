package director

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/gateway"
	"github.com/kindred-ai/kindred/internal/llm/provider"
	"github.com/kindred-ai/kindred/internal/store"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newDirectorFixture(t *testing.T) (*store.MemoryStoreBackend, *provider.MockProvider, *Director) {
	t.Helper()
	st := store.NewMemoryStore()
	mock := provider.NewMockProvider("mock")
	d := New(st, gateway.New(mock, gateway.Config{})).WithClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = st.Close() })
	return st, mock, d
}

func seedEpisode(t *testing.T, st *store.MemoryStoreBackend, policy episode.CompletionPolicy, evalType string) *episode.Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveTemplate(ctx, &episode.Template{
		ID:             "t1",
		Title:          "Midnight Confession",
		Completion:     policy,
		EvaluationType: evalType,
	}))
	sess := &episode.Session{
		ID:          "s1",
		UserID:      "u1",
		CharacterID: "c1",
		TemplateID:  "t1",
		StartedAt:   testNow,
		State:       episode.StateActive,
	}
	require.NoError(t, st.SaveSession(ctx, sess))
	return sess
}

// evalCapturingStore records the evaluation the director persists.
type evalCapturingStore struct {
	*store.MemoryStoreBackend
	saved *episode.Evaluation
}

func (s *evalCapturingStore) SaveEvaluation(ctx context.Context, e *episode.Evaluation) error {
	s.saved = e
	return s.MemoryStoreBackend.SaveEvaluation(ctx, e)
}

func TestProcessExchangeOpenNeverCompletes(t *testing.T) {
	st, _, d := newDirectorFixture(t)
	seedEpisode(t, st, episode.Open(), "")
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		sess, err := d.ProcessExchange(ctx, "s1", nil)
		require.NoError(t, err)
		assert.Equal(t, episode.StateActive, sess.State)
		assert.Equal(t, i, sess.TurnCount)
	}
}

func TestProcessExchangeObjectiveIsDormant(t *testing.T) {
	st, _, d := newDirectorFixture(t)
	seedEpisode(t, st, episode.CompletionPolicy{Mode: episode.ModeObjective}, "")

	sess, err := d.ProcessExchange(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, episode.StateActive, sess.State)
}

func TestProcessExchangeTurnLimitCompletes(t *testing.T) {
	st, mock, _ := newDirectorFixture(t)
	cap := &evalCapturingStore{MemoryStoreBackend: st}
	d := New(cap, gateway.New(mock, gateway.Config{})).WithClock(func() time.Time { return testNow })
	seedEpisode(t, st, episode.TurnLimited(3), "")
	mock.StructuredResponses = []*provider.StructuredResponse{{
		Data: json.RawMessage(`{"headline":"A night to remember","summary":"They talked until sunrise."}`),
		CompletionResponse: provider.CompletionResponse{Model: "mock-model"},
	}}
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		sess, err := d.ProcessExchange(ctx, "s1", nil)
		require.NoError(t, err)
		assert.Equal(t, episode.StateActive, sess.State)
	}

	sess, err := d.ProcessExchange(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, episode.StateComplete, sess.State)
	assert.Equal(t, episode.TriggerTurnLimit, sess.CompletionTrigger)
	assert.Equal(t, 3, sess.TurnCount)
	require.NotNil(t, sess.EndedAt)

	require.NotNil(t, cap.saved)
	assert.Equal(t, EvalEpisodeSummary, cap.saved.Type)
	assert.Equal(t, "s1", cap.saved.SessionID)
	assert.NotEmpty(t, cap.saved.ShareID)
	assert.JSONEq(t, `{"headline":"A night to remember","summary":"They talked until sunrise."}`, string(cap.saved.Result))

	// The evaluation is publicly retrievable by share id.
	got, err := st.GetEvaluationByShareID(ctx, cap.saved.ShareID)
	require.NoError(t, err)
	assert.Equal(t, cap.saved.ID, got.ID)
}

func TestProcessExchangeCompleteSessionPassesThrough(t *testing.T) {
	st, _, d := newDirectorFixture(t)
	seedEpisode(t, st, episode.TurnLimited(1), "")
	ctx := context.Background()

	sess, err := d.ProcessExchange(ctx, "s1", nil)
	require.NoError(t, err)
	require.Equal(t, episode.StateComplete, sess.State)

	again, err := d.ProcessExchange(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, again.TurnCount, "completed sessions do not advance")
}

func TestProcessExchangeBeatGate(t *testing.T) {
	st, _, d := newDirectorFixture(t)
	seedEpisode(t, st, episode.BeatGated("vulnerable"), "")
	ctx := context.Background()

	sess, err := d.ProcessExchange(ctx, "s1", &episode.TurnSignal{Mood: "playful", TensionShift: 1})
	require.NoError(t, err)
	assert.Equal(t, episode.StateActive, sess.State)

	sess, err = d.ProcessExchange(ctx, "s1", &episode.TurnSignal{Mood: "vulnerable", TensionShift: 2})
	require.NoError(t, err)
	assert.Equal(t, episode.StateComplete, sess.State)
	assert.Equal(t, episode.TriggerBeatGate, sess.CompletionTrigger)
}

func TestProcessExchangeFoldsSignals(t *testing.T) {
	st, _, d := newDirectorFixture(t)
	seedEpisode(t, st, episode.Open(), "")
	ctx := context.Background()

	sess, err := d.ProcessExchange(ctx, "s1", &episode.TurnSignal{Mood: "flirty", TensionShift: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, sess.Director.TensionLevel, "shift is scaled x10")
	assert.Equal(t, "flirty", sess.Director.CurrentBeat)
	assert.Equal(t, []string{"flirty"}, sess.Director.MoodHistory)

	// State survives the round trip through the store.
	reloaded, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 20, reloaded.Director.TensionLevel)
	require.Len(t, reloaded.Director.Signals, 1)
	assert.Equal(t, 1, reloaded.Director.Signals[0].Turn)
}

func TestEvaluationFallbackOnLLMFailure(t *testing.T) {
	st, mock, _ := newDirectorFixture(t)
	cap := &evalCapturingStore{MemoryStoreBackend: st}
	d := New(cap, gateway.New(mock, gateway.Config{})).WithClock(func() time.Time { return testNow })
	seedEpisode(t, st, episode.TurnLimited(1), EvalFlirtArchetype)
	mock.Errors = []error{errors.New("upstream 500")}
	ctx := context.Background()

	sess, err := d.ProcessExchange(ctx, "s1", nil)
	require.NoError(t, err, "evaluation failure does not fail completion")
	assert.Equal(t, episode.StateComplete, sess.State)

	require.NotNil(t, cap.saved)
	assert.Equal(t, EvalFlirtArchetype, cap.saved.Type)

	var result struct {
		Archetype  string  `json:"archetype"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(cap.saved.Result, &result))
	assert.Equal(t, "slow_burn", result.Archetype)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestEvaluationTypeHeuristic(t *testing.T) {
	tests := []struct {
		name string
		tmpl *episode.Template
		want string
	}{
		{"nil template", nil, EvalEpisodeSummary},
		{"pinned type wins", &episode.Template{Title: "Anything", EvaluationType: "custom_eval"}, "custom_eval"},
		{"flirt keyword", &episode.Template{Title: "The Flirt Gauntlet"}, EvalFlirtArchetype},
		{"test keyword", &episode.Template{Title: "Chemistry Test"}, EvalFlirtArchetype},
		{"plain title", &episode.Template{Title: "Midnight Confession"}, EvalEpisodeSummary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluationType(tt.tmpl))
		})
	}
}

func TestEvaluationPromptCarriesTranscriptAndSignals(t *testing.T) {
	st, mock, _ := newDirectorFixture(t)
	d := New(st, gateway.New(mock, gateway.Config{})).WithClock(func() time.Time { return testNow })
	sess := seedEpisode(t, st, episode.TurnLimited(1), "")
	ctx := context.Background()

	require.NoError(t, st.AppendMessage(ctx, &episode.Message{
		ID: "m1", SessionID: sess.ID, Role: episode.RoleUser,
		Content: "I never told anyone this", CreatedAt: testNow,
	}))

	_, err := d.ProcessExchange(ctx, "s1", &episode.TurnSignal{Mood: "vulnerable", TensionShift: 1})
	require.NoError(t, err)

	require.Len(t, mock.StructuredCalls, 1)
	prompt := mock.StructuredCalls[0].Messages[1].Content
	assert.Contains(t, prompt, "I never told anyone this")
	assert.Contains(t, prompt, `"mood":"vulnerable"`)
	assert.Contains(t, prompt, "Midnight Confession")
}
