// Durable FIFO-per-topic job queue with identity-key deduplication, explicit
// per-topic retry/backoff, rolling-window rate limits, and dead-lettering.
//
// Includes a redis-backed implementation for production and an in-process
// implementation for tests. Jobs carry a caller-supplied identity key; a
// duplicate identity within the broker's retention window is a silent no-op,
// not an error.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Topic names used across the pipeline.
const (
	TopicSync          = "sync"
	TopicBulkSync      = "bulk-sync"
	TopicEmailDelivery = "email-delivery"
	TopicChatDelivery  = "chat-delivery"
	TopicDigest        = "digest"
)

// How long identity keys are remembered for dedup.
const dedupRetention = 72 * time.Hour

type Job struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// DecodePayload unmarshals the job payload into out.
func (j *Job) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s job payload: %w", j.Topic, err)
	}
	return nil
}

type Handler func(ctx context.Context, job *Job) error

// TopicConfig makes consumer concurrency, rate limits, and the retry policy
// explicit per topic rather than delegating them to an opaque broker feature.
type TopicConfig struct {
	// Concurrency is the number of workers pulling from the topic. Default 1.
	Concurrency int

	// RatePerWindow caps how many jobs may start per RateWindow, independent
	// of concurrency. Zero means unlimited.
	RatePerWindow int64
	RateWindow    time.Duration

	// MaxAttempts bounds broker-managed retries. Default 3.
	MaxAttempts int
	// BackoffBase doubles per attempt, capped at BackoffMax. Defaults 10s/10m.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PollTimeout bounds how long an idle worker blocks on the broker before
	// rechecking for cancellation. Default 2s.
	PollTimeout time.Duration
}

func (c TopicConfig) withDefaults() TopicConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	return c
}

// backoff returns the delay before the given (1-based) retry attempt.
func (c TopicConfig) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Queue is the durable broker abstraction.
type Queue interface {
	// Enqueue adds a job under the given identity key. Returns false when the
	// key was seen within the retention window and the job was dropped.
	Enqueue(ctx context.Context, topic, id string, payload interface{}) (bool, error)

	// Consume pulls jobs from one topic with the configured concurrency until
	// the context is cancelled. Handler errors trigger broker-managed retry;
	// exhausted jobs are dead-lettered and logged, never silently dropped.
	Consume(ctx context.Context, topic string, cfg TopicConfig, h Handler) error

	// ClearRepeatables removes all recorded repeatable-job registrations;
	// called once at startup before schedules are re-registered, so a
	// scheduler restart cannot leave duplicate recurring jobs behind.
	ClearRepeatables(ctx context.Context) error
	// RecordRepeatable records one repeatable registration (id → cron pattern).
	RecordRepeatable(ctx context.Context, id, pattern string) error
}

// SyncJobKey is the identity key for a single-package sync job; it guarantees
// at-most-once enqueue per (package, change) pair even under consumer
// reconnect or replay.
func SyncJobKey(name, seq string) string {
	return fmt.Sprintf("sync:%s:%s", name, seq)
}

// BulkJobKey is the identity key for one backfill chunk within a phase.
func BulkJobKey(phase, chunkOffset int) string {
	return fmt.Sprintf("bulk:%d:%d", phase, chunkOffset)
}

// DigestJobKey dedupes a scheduled digest firing across scheduler processes.
func DigestJobKey(period string, fireAt time.Time) string {
	return fmt.Sprintf("digest:%s:%d", period, fireAt.Unix())
}
