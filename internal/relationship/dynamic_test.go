package relationship

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceClampsTension(t *testing.T) {
	d := Dynamic{Tone: "warm", TensionLevel: 95}
	d = Advance(d, "tense", 20)
	assert.Equal(t, 100, d.TensionLevel)

	d.TensionLevel = 5
	d = Advance(d, "comfort", -20)
	assert.Equal(t, 0, d.TensionLevel)
}

func TestAdvanceBoundsRecentBeats(t *testing.T) {
	d := DefaultDynamic()
	for i := 0; i < 25; i++ {
		d = Advance(d, "playful", 0)
	}
	assert.Len(t, d.RecentBeats, 10)
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	d := Dynamic{Tone: "warm", TensionLevel: 30, RecentBeats: []string{"playful"}}
	_ = Advance(d, "tense", 10)
	assert.Equal(t, []string{"playful"}, d.RecentBeats)
	assert.Equal(t, 30, d.TensionLevel)
}

func TestAdvanceEmptyBeatKeepsHistory(t *testing.T) {
	d := Advance(DefaultDynamic(), "flirty", 0)
	d = Advance(d, "", 5)
	assert.Equal(t, []string{"flirty"}, d.RecentBeats)
}

func TestDeriveTone(t *testing.T) {
	tests := []struct {
		name    string
		beats   []string
		tension int
		want    string
	}{
		{"high tension conflict", []string{"conflict", "conflict"}, 80, "heated"},
		{"high tension flirty", []string{"flirty"}, 75, "charged"},
		{"high tension other", []string{"vulnerable"}, 90, "intense"},
		{"mid-high flirty", []string{"flirty"}, 60, "flirty"},
		{"mid-high playful", []string{"playful"}, 55, "flirty"},
		{"mid-high vulnerable", []string{"vulnerable"}, 50, "intimate"},
		{"mid-high other", []string{"neutral"}, 65, "engaged"},
		{"mid playful", []string{"playful"}, 40, "playful"},
		{"mid flirty", []string{"flirty"}, 35, "flirty"},
		{"mid default", []string{"neutral"}, 30, "warm"},
		{"low supportive", []string{"supportive"}, 20, "comfortable"},
		{"low comfort", []string{"comfort"}, 10, "comfortable"},
		{"low other", []string{"neutral"}, 0, "relaxed"},
		{"tie resolves first seen", []string{"flirty", "playful"}, 40, "flirty"},
		{"only last five count", []string{"conflict", "conflict", "conflict", "playful", "playful", "playful", "flirty", "flirty"}, 40, "playful"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveTone(tt.beats, tt.tension))
		})
	}
}

func TestAddMilestoneIdempotent(t *testing.T) {
	ms := AddMilestone(nil, "first_vulnerable_share")
	ms = AddMilestone(ms, "first_vulnerable_share")
	ms = AddMilestone(ms, "first_vulnerable_share")
	assert.Equal(t, []string{"first_vulnerable_share"}, ms)

	ms = AddMilestone(ms, "")
	assert.Len(t, ms, 1, "empty milestone is ignored")
}

type fakeRelStore struct {
	rel   *Relationship
	saved int
}

func (f *fakeRelStore) UpsertRelationship(_ context.Context, userID, characterID string) (*Relationship, error) {
	if f.rel == nil {
		f.rel = &Relationship{
			UserID:      userID,
			CharacterID: characterID,
			Dynamic:     DefaultDynamic(),
			FirstMetAt:  time.Now().UTC(),
		}
	}
	return f.rel, nil
}

func (f *fakeRelStore) SaveRelationship(_ context.Context, r *Relationship) error {
	f.rel = r
	f.saved++
	return nil
}

func TestTrackerUpdate(t *testing.T) {
	fs := &fakeRelStore{}
	tracker := NewTracker(fs)
	ctx := context.Background()

	rel, err := tracker.Update(ctx, "u1", "c1", "flirty", 25, "first_flirt")
	require.NoError(t, err)

	assert.Equal(t, 55, rel.Dynamic.TensionLevel)
	assert.Equal(t, []string{"flirty"}, rel.Dynamic.RecentBeats)
	assert.Equal(t, "flirty", rel.Dynamic.Tone)
	assert.Equal(t, []string{"first_flirt"}, rel.Milestones)
	assert.Equal(t, 1, fs.saved)

	// Same milestone again stays single.
	rel, err = tracker.Update(ctx, "u1", "c1", "flirty", 0, "first_flirt")
	require.NoError(t, err)
	assert.Equal(t, []string{"first_flirt"}, rel.Milestones)
}

func TestTrackerCounters(t *testing.T) {
	fs := &fakeRelStore{}
	tracker := NewTracker(fs)
	ctx := context.Background()

	rel, err := tracker.RecordSessionStart(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rel.TotalSessions)

	require.NoError(t, tracker.RecordMessages(ctx, "u1", "c1", 2))
	require.NoError(t, tracker.RecordMessages(ctx, "u1", "c1", 2))
	assert.Equal(t, 4, fs.rel.TotalMessages)
}
