package memory

import (
	"sort"
	"time"
)

const (
	recentWindow = 7 * 24 * time.Hour
	perTypeCap   = 3
)

// RankForRetrieval orders memories for prompt inclusion and truncates to
// limit. The ranking is deterministic for a fixed input:
//
//  1. partition by type
//  2. within each type: recently created (last 7 days) first, then
//     importance desc, then recency desc
//  3. take the top 3 per type
//  4. merge and re-sort globally by importance desc, then recency desc
//
// Inactive and expired events are skipped.
func RankForRetrieval(events []*Event, now time.Time, limit int) []*Event {
	if limit <= 0 {
		return nil
	}

	byType := make(map[EventType][]*Event)
	for _, e := range events {
		if !e.IsActive {
			continue
		}
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			continue
		}
		byType[e.Type] = append(byType[e.Type], e)
	}

	// Merge in fixed type order with an ID tiebreak so ties never fall
	// back to map-iteration order.
	types := make([]EventType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	merged := make([]*Event, 0, len(events))
	for _, t := range types {
		group := byType[t]
		sort.SliceStable(group, func(i, j int) bool {
			ri := recencyBucket(group[i], now)
			rj := recencyBucket(group[j], now)
			if ri != rj {
				return ri > rj
			}
			if group[i].ImportanceScore != group[j].ImportanceScore {
				return group[i].ImportanceScore > group[j].ImportanceScore
			}
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.After(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		if len(group) > perTypeCap {
			group = group[:perTypeCap]
		}
		merged = append(merged, group...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].ImportanceScore != merged[j].ImportanceScore {
			return merged[i].ImportanceScore > merged[j].ImportanceScore
		}
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func recencyBucket(e *Event, now time.Time) int {
	if now.Sub(e.CreatedAt) <= recentWindow {
		return 1
	}
	return 0
}

// RankHooks orders in-window hooks by priority desc, then soonest trigger,
// and truncates to limit.
func RankHooks(hooks []*Hook, now time.Time, limit int) []*Hook {
	inWindow := make([]*Hook, 0, len(hooks))
	for _, h := range hooks {
		if h.InWindow(now) {
			inWindow = append(inWindow, h)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		if inWindow[i].Priority != inWindow[j].Priority {
			return inWindow[i].Priority > inWindow[j].Priority
		}
		ti := triggerInstant(inWindow[i])
		tj := triggerInstant(inWindow[j])
		return ti.Before(tj)
	})
	if limit > 0 && len(inWindow) > limit {
		inWindow = inWindow[:limit]
	}
	return inWindow
}

func triggerInstant(h *Hook) time.Time {
	if h.TriggerAfter != nil {
		return *h.TriggerAfter
	}
	return h.CreatedAt
}
