package relationship

import (
	"context"
	"fmt"
)

// Store is the slice of persistence the tracker needs.
type Store interface {
	UpsertRelationship(ctx context.Context, userID, characterID string) (*Relationship, error)
	SaveRelationship(ctx context.Context, r *Relationship) error
}

// Tracker folds classified beats into the durable relationship record.
// Concurrent updates for the same pair are last-write-wins on the
// dynamic; the store's upsert guards creation.
type Tracker struct {
	store Store
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Update applies one beat to the pair's relationship: beat history,
// clamped tension, derived tone, and an idempotent milestone add.
func (t *Tracker) Update(ctx context.Context, userID, characterID, beat string, tensionChange int, milestone string) (*Relationship, error) {
	rel, err := t.store.UpsertRelationship(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("load relationship: %w", err)
	}

	rel.Dynamic = Advance(rel.Dynamic, beat, tensionChange)
	rel.Milestones = AddMilestone(rel.Milestones, milestone)

	if err := t.store.SaveRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("save relationship: %w", err)
	}
	return rel, nil
}

// RecordSessionStart bumps the cumulative session counter.
func (t *Tracker) RecordSessionStart(ctx context.Context, userID, characterID string) (*Relationship, error) {
	rel, err := t.store.UpsertRelationship(ctx, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("load relationship: %w", err)
	}
	rel.TotalSessions++
	if err := t.store.SaveRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("save relationship: %w", err)
	}
	return rel, nil
}

// RecordMessages bumps the cumulative message counter.
func (t *Tracker) RecordMessages(ctx context.Context, userID, characterID string, n int) error {
	rel, err := t.store.UpsertRelationship(ctx, userID, characterID)
	if err != nil {
		return fmt.Errorf("load relationship: %w", err)
	}
	rel.TotalMessages += n
	if err := t.store.SaveRelationship(ctx, rel); err != nil {
		return fmt.Errorf("save relationship: %w", err)
	}
	return nil
}
