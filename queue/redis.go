package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

func topicKey(topic string) string      { return "queue/" + topic }
func retryKey(topic string) string      { return "retry/" + topic }
func deadKey(topic string) string       { return "dead/" + topic }
func dedupKey(topic, id string) string  { return "dedup/" + topic + "/" + id }

const repeatableRegistryKey = "repeatable/registry"

// RedisQueue is the production Queue implementation: one redis list per
// topic, SETNX identity keys for dedup, a sorted set of parked retries scored
// by due time, and a dead list per topic.
type RedisQueue struct {
	Client *redis.Client
	Logger *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(redisURL string, logger *slog.Logger) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisQueue{
		Client: rdb,
		Logger: logger.With("source", "queue"),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, topic, id string, payload interface{}) (bool, error) {
	set, err := q.Client.SetNX(ctx, dedupKey(topic, id), 1, dedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	if !set {
		jobsDeduplicated.WithLabelValues(topic).Inc()
		return false, nil
	}

	pb, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	job := Job{
		ID:         id,
		Topic:      topic,
		Payload:    pb,
		EnqueuedAt: time.Now().UTC(),
	}
	jb, err := json.Marshal(&job)
	if err != nil {
		return false, err
	}
	if err := q.Client.LPush(ctx, topicKey(topic), jb).Err(); err != nil {
		// release the identity claim so a retried enqueue is not deduped
		// against a job that never made it onto the list
		if delErr := q.Client.Del(ctx, dedupKey(topic, id)).Err(); delErr != nil {
			q.Logger.Error("failed to release dedup key after push failure", "topic", topic, "id", id, "err", delErr)
		}
		return false, fmt.Errorf("failed to push job: %w", err)
	}
	jobsEnqueued.WithLabelValues(topic).Inc()
	return true, nil
}

func (q *RedisQueue) Consume(ctx context.Context, topic string, cfg TopicConfig, h Handler) error {
	cfg = cfg.withDefaults()
	log := q.Logger.With("topic", topic)
	log.Info("starting topic consumer",
		"concurrency", cfg.Concurrency,
		"rate", cfg.RatePerWindow,
		"max_attempts", cfg.MaxAttempts,
	)

	var lim *slidingwindow.Limiter
	if cfg.RatePerWindow > 0 {
		lim, _ = slidingwindow.NewLimiter(cfg.RateWindow, cfg.RatePerWindow, func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteRetries(ctx, topic)
	}()

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.runWorker(ctx, topic, cfg, lim, h)
		}()
	}

	wg.Wait()
	log.Info("topic consumer stopped")
	return nil
}

func (q *RedisQueue) runWorker(ctx context.Context, topic string, cfg TopicConfig, lim *slidingwindow.Limiter, h Handler) {
	log := q.Logger.With("topic", topic)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		vals, err := q.Client.BRPop(ctx, cfg.PollTimeout, topicKey(topic)).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to pull job from broker", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if len(vals) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
			log.Error("dropping undecodable job", "err", err)
			continue
		}

		// a permit is spent per job, not per poll, so idle workers do not
		// drain the topic's rate budget
		for lim != nil && !lim.Allow() {
			select {
			case <-ctx.Done():
				// hand the job back rather than dropping it on shutdown
				if err := q.Client.LPush(context.Background(), topicKey(topic), vals[1]).Err(); err != nil {
					log.Error("failed to return job to broker on shutdown", "job", job.ID, "err", err)
				}
				return
			case <-time.After(50 * time.Millisecond):
			}
		}

		q.execute(ctx, topic, cfg, &job, h)
	}
}

func (q *RedisQueue) execute(ctx context.Context, topic string, cfg TopicConfig, job *Job, h Handler) {
	log := q.Logger.With("topic", topic, "job", job.ID, "attempt", job.Attempt)

	err := runHandler(ctx, job, h)
	if err == nil {
		jobsProcessed.WithLabelValues(topic).Inc()
		return
	}
	log.Warn("job handler failed", "err", err)

	job.Attempt++
	job.LastError = err.Error()
	jb, merr := json.Marshal(job)
	if merr != nil {
		log.Error("failed to re-marshal job", "err", merr)
		return
	}

	if job.Attempt >= cfg.MaxAttempts {
		// dead-letter: kept for inspection, never silently dropped
		if derr := q.Client.LPush(ctx, deadKey(topic), jb).Err(); derr != nil {
			log.Error("failed to dead-letter job", "err", derr)
		}
		jobsDead.WithLabelValues(topic).Inc()
		log.Error("job exhausted retries, dead-lettered", "attempts", job.Attempt, "err", err)
		return
	}

	due := time.Now().Add(cfg.backoff(job.Attempt))
	if rerr := q.Client.ZAdd(ctx, retryKey(topic), redis.Z{
		Score:  float64(due.Unix()),
		Member: jb,
	}).Err(); rerr != nil {
		log.Error("failed to park job for retry", "err", rerr)
		return
	}
	jobsRetried.WithLabelValues(topic).Inc()
}

// runHandler converts handler panics into errors so a poisoned job cannot
// take the worker process down.
func runHandler(ctx context.Context, job *Job, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// promoteRetries moves due parked jobs back onto the topic list. The ZRem
// claim makes promotion safe with multiple consumer processes.
func (q *RedisQueue) promoteRetries(ctx context.Context, topic string) {
	log := q.Logger.With("topic", topic)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", time.Now().Unix())
		members, err := q.Client.ZRangeByScore(ctx, retryKey(topic), &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to scan retry set", "err", err)
			}
			continue
		}
		for _, member := range members {
			removed, err := q.Client.ZRem(ctx, retryKey(topic), member).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.Client.LPush(ctx, topicKey(topic), member).Err(); err != nil {
				log.Error("failed to requeue retried job", "err", err)
			}
		}
	}
}

func (q *RedisQueue) ClearRepeatables(ctx context.Context) error {
	return q.Client.Del(ctx, repeatableRegistryKey).Err()
}

func (q *RedisQueue) RecordRepeatable(ctx context.Context, id, pattern string) error {
	return q.Client.HSet(ctx, repeatableRegistryKey, id, pattern).Err()
}

// Dead returns up to limit dead-lettered jobs for a topic, newest first.
func (q *RedisQueue) Dead(ctx context.Context, topic string, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	vals, err := q.Client.LRange(ctx, deadKey(topic), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(vals))
	for _, v := range vals {
		var job Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
