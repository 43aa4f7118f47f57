package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Status is the singleton persisted backfill record. Single-writer: only the
// controller's tick handler mutates it.
type Status struct {
	Status    State     `json:"status"`
	Phase     int       `json:"phase"`
	Offset    int       `json:"offset"`
	Total     int       `json:"total"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Rate is package ids enqueued per second over the current run.
	Rate  float64 `json:"rate"`
	Error string  `json:"error,omitempty"`
}

// StateStore persists the backfill status record and the package-id catalog
// used to paginate it.
type StateStore interface {
	Load(ctx context.Context) (*Status, error)
	Save(ctx context.Context, st *Status) error
	LoadCatalog(ctx context.Context) ([]string, error)
	SaveCatalog(ctx context.Context, ids []string) error
}

var (
	redisStateKey   = "backfill/state"
	redisCatalogKey = "backfill/ids"
)

// RedisStateStore keeps the backfill state under two redis keys: one for the
// status record, one for the package-id catalog list.
type RedisStateStore struct {
	Client *redis.Client
}

var _ StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{Client: client}
}

func (s *RedisStateStore) Load(ctx context.Context) (*Status, error) {
	val, err := s.Client.Get(ctx, redisStateKey).Result()
	if err == redis.Nil {
		return &Status{Status: StateIdle}, nil
	} else if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStateStore) Save(ctx context.Context, st *Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, redisStateKey, b, 0).Err()
}

func (s *RedisStateStore) LoadCatalog(ctx context.Context) ([]string, error) {
	val, err := s.Client.Get(ctx, redisCatalogKey).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(val), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStateStore) SaveCatalog(ctx context.Context, ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, redisCatalogKey, b, 0).Err()
}

// MemStateStore is an in-memory StateStore for tests.
type MemStateStore struct {
	lk      sync.Mutex
	status  *Status
	catalog []string
}

var _ StateStore = (*MemStateStore)(nil)

func NewMemStateStore() *MemStateStore {
	return &MemStateStore{}
}

func (s *MemStateStore) Load(ctx context.Context) (*Status, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.status == nil {
		return &Status{Status: StateIdle}, nil
	}
	cp := *s.status
	return &cp, nil
}

func (s *MemStateStore) Save(ctx context.Context, st *Status) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	cp := *st
	s.status = &cp
	return nil
}

func (s *MemStateStore) LoadCatalog(ctx context.Context) ([]string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]string{}, s.catalog...), nil
}

func (s *MemStateStore) SaveCatalog(ctx context.Context, ids []string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.catalog = append([]string{}, ids...)
	return nil
}
