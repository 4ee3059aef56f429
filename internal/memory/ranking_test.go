package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rankNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func event(id string, typ EventType, importance float64, age time.Duration) *Event {
	return &Event{
		ID:              id,
		UserID:          "u1",
		Type:            typ,
		Summary:         id,
		ImportanceScore: importance,
		IsActive:        true,
		CreatedAt:       rankNow.Add(-age),
	}
}

func TestRankForRetrievalSkipsInactiveAndExpired(t *testing.T) {
	expired := event("expired", TypeFact, 1.0, time.Hour)
	past := rankNow.Add(-time.Minute)
	expired.ExpiresAt = &past

	inactive := event("inactive", TypeFact, 1.0, time.Hour)
	inactive.IsActive = false

	kept := event("kept", TypeFact, 0.1, time.Hour)

	got := RankForRetrieval([]*Event{expired, inactive, kept}, rankNow, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}

func TestRankForRetrievalPerTypeCap(t *testing.T) {
	var events []*Event
	for i := 0; i < 6; i++ {
		events = append(events, event(fmt.Sprintf("fact-%d", i), TypeFact, float64(i)/10, time.Hour))
	}
	events = append(events, event("goal-0", TypeGoal, 0.9, time.Hour))

	got := RankForRetrieval(events, rankNow, 10)
	require.Len(t, got, 4, "3 facts plus 1 goal")

	facts := 0
	for _, e := range got {
		if e.Type == TypeFact {
			facts++
		}
	}
	assert.Equal(t, 3, facts)
}

func TestRankForRetrievalRecentBeatsImportantWithinType(t *testing.T) {
	old := event("old-important", TypeFact, 0.9, 30*24*time.Hour)
	fresh := event("fresh-minor", TypeFact, 0.2, time.Hour)

	// Per-type ordering puts the recent one first even though it is less
	// important; the final global sort is importance-first, which only
	// matters for what survives the per-type cut.
	filler1 := event("old-filler-1", TypeFact, 0.8, 20*24*time.Hour)
	filler2 := event("old-filler-2", TypeFact, 0.7, 20*24*time.Hour)

	got := RankForRetrieval([]*Event{old, filler1, filler2, fresh}, rankNow, 10)
	require.Len(t, got, 3)

	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	assert.Contains(t, ids, "fresh-minor", "recent event survives the per-type cut")
	assert.NotContains(t, ids, "old-filler-2", "least important old event is cut")
	assert.Equal(t, "old-important", got[0].ID, "global order is importance desc")
}

func TestRankForRetrievalDeterministic(t *testing.T) {
	events := []*Event{
		event("a", TypeFact, 0.5, time.Hour),
		event("b", TypePreference, 0.5, 2*time.Hour),
		event("c", TypeGoal, 0.7, 3*time.Hour),
		event("d", TypeEmotion, 0.3, 4*time.Hour),
	}

	first := RankForRetrieval(events, rankNow, 10)
	for i := 0; i < 5; i++ {
		again := RankForRetrieval(events, rankNow, 10)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
		}
	}
}

func TestRankForRetrievalDeterministicOnTies(t *testing.T) {
	// One extraction batch stamps every candidate with the same clock, so
	// fully tied events are the common case, not a corner one.
	tied := []*Event{
		event("a", TypeFact, 0.5, time.Hour),
		event("b", TypePreference, 0.5, time.Hour),
		event("c", TypeEvent, 0.5, time.Hour),
		event("d", TypeGoal, 0.5, time.Hour),
		event("e", TypeEmotion, 0.5, time.Hour),
		event("f", TypeRelationship, 0.5, time.Hour),
	}

	first := RankForRetrieval(tied, rankNow, 10)
	require.Len(t, first, 6)
	for i := 0; i < 20; i++ {
		again := RankForRetrieval(tied, rankNow, 10)
		for j := range first {
			require.Equal(t, first[j].ID, again[j].ID, "tied events must keep a fixed order")
		}
	}

	// Ties within one type resolve by ID as well.
	sameType := []*Event{
		event("z", TypeFact, 0.5, time.Hour),
		event("y", TypeFact, 0.5, time.Hour),
		event("x", TypeFact, 0.5, time.Hour),
	}
	got := RankForRetrieval(sameType, rankNow, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"x", "y", "z"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestRankForRetrievalTruncates(t *testing.T) {
	events := []*Event{
		event("a", TypeFact, 0.9, time.Hour),
		event("b", TypeGoal, 0.5, time.Hour),
		event("c", TypeEmotion, 0.1, time.Hour),
	}
	got := RankForRetrieval(events, rankNow, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	assert.Nil(t, RankForRetrieval(events, rankNow, 0))
}

func hook(id string, priority int, after *time.Time) *Hook {
	return &Hook{
		ID:           id,
		UserID:       "u1",
		CharacterID:  "c1",
		Type:         HookFollowUp,
		Priority:     priority,
		TriggerAfter: after,
		IsActive:     true,
		CreatedAt:    rankNow.Add(-time.Hour),
	}
}

func TestRankHooks(t *testing.T) {
	soon := rankNow.Add(-time.Minute)
	later := rankNow.Add(time.Hour)
	triggered := rankNow.Add(-2 * time.Hour)

	future := hook("future", 5, &later)
	low := hook("low", 1, &soon)
	high := hook("high", 5, &soon)
	done := hook("done", 5, &soon)
	done.TriggeredAt = &triggered

	got := RankHooks([]*Hook{future, low, high, done}, rankNow, 10)
	require.Len(t, got, 2, "future-window and already-triggered hooks are excluded")
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "low", got[1].ID)
}

func TestHookInWindow(t *testing.T) {
	before := rankNow.Add(-time.Hour)
	h := hook("h", 3, nil)
	assert.True(t, h.InWindow(rankNow))

	h.TriggerBefore = &before
	assert.False(t, h.InWindow(rankNow), "window closed in the past")

	h.TriggerBefore = nil
	h.IsActive = false
	assert.False(t, h.InWindow(rankNow))
}
