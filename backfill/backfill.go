// Resumable bulk backfill of the full registry catalog.
//
// The controller is a state machine (Idle → Running → {Paused → Running,
// Completed, Error}) that paginates a persisted package-id catalog, emits one
// bulk sync job per 50-id chunk, and checkpoints progress after every tick. A
// process crash loses at most one in-flight page.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lodestone-search/lodestone/queue"
)

// ChunkSize is the fixed number of package ids per bulk sync job.
const ChunkSize = 50

// CatalogSource lists the full package catalog, used to seed a fresh run.
type CatalogSource interface {
	ListPackageIDs(ctx context.Context) ([]string, error)
}

var (
	ErrNotRunning     = errors.New("backfill is not running")
	ErrAlreadyRunning = errors.New("backfill is already running")
)

type Options struct {
	// PageSize is how many package ids one tick consumes. Default 500.
	PageSize int
	// TickInterval paces the run loop. Default 2s.
	TickInterval time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		PageSize:     500,
		TickInterval: 2 * time.Second,
	}
}

// Controller owns the BackfillState record exclusively; all mutation goes
// through its tick handler under one lock.
type Controller struct {
	store   StateStore
	catalog CatalogSource
	queue   queue.Queue
	logger  *slog.Logger
	opts    *Options

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	lk     sync.Mutex
	status *Status
	ids    []string
}

func NewController(store StateStore, catalog CatalogSource, q queue.Queue, logger *slog.Logger, opts *Options) *Controller {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Controller{
		store:   store,
		catalog: catalog,
		queue:   q,
		logger:  logger.With("source", "backfill"),
		opts:    opts,
		Now:     time.Now,
	}
}

// Load restores persisted state, so a restarted process resumes where the
// previous one checkpointed.
func (c *Controller) Load(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading backfill state: %w", err)
	}
	c.status = st

	if st.Status == StateRunning || st.Status == StatePaused {
		ids, err := c.store.LoadCatalog(ctx)
		if err != nil {
			return fmt.Errorf("loading backfill catalog: %w", err)
		}
		c.ids = ids
		c.logger.Info("restored backfill state",
			"status", st.Status,
			"phase", st.Phase,
			"offset", st.Offset,
			"total", st.Total,
		)
	}
	return nil
}

// Start transitions Idle/Paused/Completed/Error → Running. A paused run
// resumes from the persisted offset; anything else begins a fresh phase with
// a freshly fetched catalog.
func (c *Controller) Start(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.status == nil {
		c.status = &Status{Status: StateIdle}
	}
	switch c.status.Status {
	case StateRunning:
		return ErrAlreadyRunning
	case StatePaused:
		c.status.Status = StateRunning
		c.status.UpdatedAt = c.Now().UTC()
		c.logger.Info("resuming backfill", "phase", c.status.Phase, "offset", c.status.Offset)
		return c.store.Save(ctx, c.status)
	}

	ids, err := c.catalog.ListPackageIDs(ctx)
	if err != nil {
		c.status.Status = StateError
		c.status.Error = err.Error()
		c.status.UpdatedAt = c.Now().UTC()
		if serr := c.store.Save(ctx, c.status); serr != nil {
			c.logger.Error("failed to persist error state", "err", serr)
		}
		return fmt.Errorf("fetching package catalog: %w", err)
	}
	if err := c.store.SaveCatalog(ctx, ids); err != nil {
		return fmt.Errorf("persisting package catalog: %w", err)
	}

	now := c.Now().UTC()
	c.ids = ids
	c.status = &Status{
		Status:    StateRunning,
		Phase:     c.status.Phase + 1,
		Offset:    0,
		Total:     len(ids),
		StartedAt: now,
		UpdatedAt: now,
	}
	c.logger.Info("starting backfill", "phase", c.status.Phase, "total", c.status.Total)
	return c.store.Save(ctx, c.status)
}

// Pause transitions Running → Paused; no further ticks are scheduled.
func (c *Controller) Pause(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.status == nil || c.status.Status != StateRunning {
		return ErrNotRunning
	}
	c.status.Status = StatePaused
	c.status.UpdatedAt = c.Now().UTC()
	c.logger.Info("pausing backfill", "phase", c.status.Phase, "offset", c.status.Offset)
	return c.store.Save(ctx, c.status)
}

// Status returns a copy of the current state record.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.status == nil {
		st, err := c.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		c.status = st
	}
	cp := *c.status
	return &cp, nil
}

// Tick consumes one page of the catalog: enqueues one bulk sync job per
// 50-id chunk, advances the offset, and persists progress. Not cancellable
// mid-tick, but safely resumable because the offset is persisted only after
// the tick fully completes.
func (c *Controller) Tick(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.status == nil || c.status.Status != StateRunning {
		return ErrNotRunning
	}

	if c.ids == nil {
		ids, err := c.store.LoadCatalog(ctx)
		if err != nil {
			return c.fail(ctx, fmt.Errorf("loading backfill catalog: %w", err))
		}
		c.ids = ids
	}

	st := c.status
	if len(c.ids) < st.Total || st.Offset > len(c.ids) {
		return c.fail(ctx, fmt.Errorf("backfill catalog holds %d ids, state expects %d at offset %d", len(c.ids), st.Total, st.Offset))
	}
	end := st.Offset + c.opts.PageSize
	if end > st.Total {
		end = st.Total
	}
	page := c.ids[st.Offset:end]

	for chunkStart := 0; chunkStart < len(page); chunkStart += ChunkSize {
		chunkEnd := chunkStart + ChunkSize
		if chunkEnd > len(page) {
			chunkEnd = len(page)
		}
		chunk := page[chunkStart:chunkEnd]
		chunkOffset := st.Offset + chunkStart

		_, err := c.queue.Enqueue(ctx, queue.TopicBulkSync,
			queue.BulkJobKey(st.Phase, chunkOffset),
			&queue.BulkSyncJob{PackageIDs: chunk, Phase: st.Phase},
		)
		if err != nil {
			return c.fail(ctx, fmt.Errorf("enqueueing bulk sync job at offset %d: %w", chunkOffset, err))
		}
		chunksEnqueued.Inc()
	}

	now := c.Now().UTC()
	st.Offset = end
	st.Synced += len(page)
	st.UpdatedAt = now
	if elapsed := now.Sub(st.StartedAt).Seconds(); elapsed > 0 {
		st.Rate = float64(st.Synced) / elapsed
	}
	if st.Offset >= st.Total {
		st.Status = StateCompleted
		c.logger.Info("backfill complete",
			"phase", st.Phase,
			"total", st.Total,
			"duration", now.Sub(st.StartedAt),
		)
	}

	backfillOffset.Set(float64(st.Offset))
	return c.store.Save(ctx, st)
}

// fail transitions to Error and halts ticking until explicitly restarted.
func (c *Controller) fail(ctx context.Context, err error) error {
	c.status.Status = StateError
	c.status.Error = err.Error()
	c.status.UpdatedAt = c.Now().UTC()
	c.logger.Error("backfill failed", "phase", c.status.Phase, "err", err)
	if serr := c.store.Save(ctx, c.status); serr != nil {
		c.logger.Error("failed to persist error state", "err", serr)
	}
	return err
}

// Run drives ticks while the controller is in Running state, until the
// context is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.lk.Lock()
		running := c.status != nil && c.status.Status == StateRunning
		c.lk.Unlock()
		if !running {
			continue
		}

		if err := c.Tick(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			// Tick already moved the state machine to Error; just keep
			// looping until an operator restarts the run.
			c.logger.Error("backfill tick failed", "err", err)
		}
	}
}
