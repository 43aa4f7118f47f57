package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemQueue is an in-process Queue implementation for tests and local runs.
// Semantics mirror RedisQueue: identity dedup, bounded retries with backoff,
// dead-lettering.
type MemQueue struct {
	lk          sync.Mutex
	topics      map[string]chan *Job
	dedup       map[string]bool
	dead        map[string][]*Job
	repeatables map[string]string

	Logger *slog.Logger
	// ChanSize bounds each topic's buffer. Default 10,000.
	ChanSize int
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue() *MemQueue {
	return &MemQueue{
		topics:      make(map[string]chan *Job),
		dedup:       make(map[string]bool),
		dead:        make(map[string][]*Job),
		repeatables: make(map[string]string),
		Logger:      slog.Default().With("source", "memqueue"),
	}
}

func (q *MemQueue) topicChan(topic string) chan *Job {
	q.lk.Lock()
	defer q.lk.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		size := q.ChanSize
		if size <= 0 {
			size = 10_000
		}
		ch = make(chan *Job, size)
		q.topics[topic] = ch
	}
	return ch
}

func (q *MemQueue) Enqueue(ctx context.Context, topic, id string, payload interface{}) (bool, error) {
	q.lk.Lock()
	key := topic + "/" + id
	if q.dedup[key] {
		q.lk.Unlock()
		return false, nil
	}
	q.dedup[key] = true
	q.lk.Unlock()

	pb, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	q.topicChan(topic) <- &Job{
		ID:         id,
		Topic:      topic,
		Payload:    pb,
		EnqueuedAt: time.Now().UTC(),
	}
	return true, nil
}

func (q *MemQueue) Consume(ctx context.Context, topic string, cfg TopicConfig, h Handler) error {
	cfg = cfg.withDefaults()
	ch := q.topicChan(topic)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					q.execute(ctx, topic, cfg, job, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemQueue) execute(ctx context.Context, topic string, cfg TopicConfig, job *Job, h Handler) {
	err := runHandler(ctx, job, h)
	if err == nil {
		return
	}

	job.Attempt++
	job.LastError = err.Error()
	if job.Attempt >= cfg.MaxAttempts {
		q.lk.Lock()
		q.dead[topic] = append(q.dead[topic], job)
		q.lk.Unlock()
		q.Logger.Error("job exhausted retries, dead-lettered", "topic", topic, "job", job.ID, "err", err)
		return
	}

	ch := q.topicChan(topic)
	time.AfterFunc(cfg.backoff(job.Attempt), func() {
		// block until the topic has room; dropping a retry would break the
		// never-silently-dropped contract
		ch <- job
	})
}

func (q *MemQueue) ClearRepeatables(ctx context.Context) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.repeatables = make(map[string]string)
	return nil
}

func (q *MemQueue) RecordRepeatable(ctx context.Context, id, pattern string) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.repeatables[id] = pattern
	return nil
}

// Dead returns dead-lettered jobs for a topic.
func (q *MemQueue) Dead(topic string) []*Job {
	q.lk.Lock()
	defer q.lk.Unlock()
	return append([]*Job{}, q.dead[topic]...)
}

// Len reports how many jobs are waiting on a topic.
func (q *MemQueue) Len(topic string) int {
	return len(q.topicChan(topic))
}
