// Package hooks runs the scheduled maintenance job that expires
// conversation hooks whose trigger window has closed without firing.
package hooks

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kindred-ai/kindred/internal/memory"
)

// Store is the slice of persistence the sweeper needs.
type Store interface {
	AllActiveHooks(ctx context.Context) ([]*memory.Hook, error)
	SaveHook(ctx context.Context, h *memory.Hook) error
}

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@hourly"

// Sweeper deactivates hooks that aged out of their trigger window. A hook
// with a TriggerBefore in the past can never legitimately fire, so it is
// retired rather than left to clutter prompt assembly.
type Sweeper struct {
	store Store
	cron  *cron.Cron
	clock func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{
		store: store,
		cron:  cron.New(),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Test hook.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Start schedules the sweep on the given cron expression and begins
// running it. An empty schedule uses DefaultSchedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := s.Sweep(ctx); err != nil {
			log.Printf("[hooks] sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("[hooks] expired %d hooks", n)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep deactivates every active hook whose window has closed, returning
// the number expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	hooks, err := s.store.AllActiveHooks(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	expired := 0
	for _, h := range hooks {
		if h.TriggerBefore == nil || !h.TriggerBefore.Before(now) {
			continue
		}
		h.IsActive = false
		if err := s.store.SaveHook(ctx, h); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
