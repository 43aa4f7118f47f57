package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler emits recurring jobs at fixed wall-clock schedules. It holds
// explicit (pattern, nextFireTime) pairs evaluated by a single ticking clock,
// so the scheduling algorithm stays test-visible. Fired jobs carry an
// identity key derived from the fire time, so concurrent scheduler processes
// dedupe through the queue.
type Scheduler struct {
	Queue  Queue
	Logger *slog.Logger

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	entries []*schedulerEntry
}

type schedulerEntry struct {
	id      string
	topic   string
	pattern string
	payload interface{}
	sched   cron.Schedule
	next    time.Time
}

func NewScheduler(q Queue, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Queue:  q,
		Logger: logger.With("source", "scheduler"),
		Now:    time.Now,
	}
}

// Register adds one repeatable schedule. Patterns are standard 5-field cron
// expressions evaluated in UTC.
func (s *Scheduler) Register(ctx context.Context, id, topic, pattern string, payload interface{}) error {
	sched, err := cron.ParseStandard("CRON_TZ=UTC " + pattern)
	if err != nil {
		return fmt.Errorf("invalid cron pattern %q: %w", pattern, err)
	}
	if err := s.Queue.RecordRepeatable(ctx, id, pattern); err != nil {
		return fmt.Errorf("failed to record repeatable registration: %w", err)
	}
	s.entries = append(s.entries, &schedulerEntry{
		id:      id,
		topic:   topic,
		pattern: pattern,
		payload: payload,
		sched:   sched,
		next:    sched.Next(s.Now()),
	})
	s.Logger.Info("registered repeatable job", "id", id, "topic", topic, "pattern", pattern)
	return nil
}

// Run ticks the clock until the context is done, firing entries whose next
// fire time has passed.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires all due entries once and advances their next fire times.
// Exported so tests can drive the scheduler with a fake clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.Now()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		fireAt := e.next
		id := fmt.Sprintf("%s:%d", e.id, fireAt.Unix())
		enqueued, err := s.Queue.Enqueue(ctx, e.topic, id, e.payload)
		if err != nil {
			s.Logger.Error("failed to enqueue repeatable job", "id", id, "topic", e.topic, "err", err)
			// leave next unchanged so the firing is retried on the next tick
			continue
		}
		if enqueued {
			s.Logger.Info("fired repeatable job", "id", id, "topic", e.topic)
		}
		e.next = e.sched.Next(now)
	}
}

// NextFireTimes exposes the evaluated schedule, keyed by registration id.
func (s *Scheduler) NextFireTimes() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.id] = e.next
	}
	return out
}
