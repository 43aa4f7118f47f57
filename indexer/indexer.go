// Sync workers: consume single-package and bulk sync jobs, transform registry
// metadata into search documents, and apply upserts/deletes to the index.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lodestone-search/lodestone/queue"
	"github.com/lodestone-search/lodestone/registry"
	"github.com/lodestone-search/lodestone/search"
)

// Index is the slice of the search synchronizer the workers need.
type Index interface {
	Upsert(ctx context.Context, docs []search.PackageDoc) error
	Delete(ctx context.Context, id string) error
}

// MetadataSource fetches current registry metadata for one package.
type MetadataSource interface {
	GetPackage(ctx context.Context, name string) (*registry.PackageMetadata, error)
}

// DownloadsSource fetches weekly download counts.
type DownloadsSource interface {
	LastWeek(ctx context.Context, name string) (int64, error)
	LastWeekBulk(ctx context.Context, names []string) (map[string]int64, error)
}

// VulnSource counts known vulnerabilities by severity.
type VulnSource interface {
	CountBySeverity(ctx context.Context, name, version string) (map[string]int, error)
}

type Config struct {
	// SyncConcurrency is the worker count on the sync topic. Default 4.
	SyncConcurrency int
	// BulkConcurrency is the worker count on the bulk-sync topic. Default 2.
	BulkConcurrency int
	// FetchParallel bounds concurrent metadata fetches inside one bulk job.
	// Default 10.
	FetchParallel int
}

func (c Config) withDefaults() Config {
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 4
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 2
	}
	if c.FetchParallel <= 0 {
		c.FetchParallel = 10
	}
	return c
}

type Indexer struct {
	queue     queue.Queue
	registry  MetadataSource
	downloads DownloadsSource
	vulns     VulnSource
	index     Index
	logger    *slog.Logger
	cfg       Config

	// Now is the wall-clock carried into transforms as the fetch time;
	// defaults to time.Now.
	Now func() time.Time
}

func NewIndexer(q queue.Queue, reg MetadataSource, dl DownloadsSource, vulns VulnSource, idx Index, logger *slog.Logger, cfg Config) *Indexer {
	return &Indexer{
		queue:     q,
		registry:  reg,
		downloads: dl,
		vulns:     vulns,
		index:     idx,
		logger:    logger.With("source", "indexer"),
		cfg:       cfg.withDefaults(),
		Now:       time.Now,
	}
}

// HandleChange converts one change feed event into a dedup-keyed sync job.
// Used as the change stream consumer's handler.
func (ix *Indexer) HandleChange(ctx context.Context, evt *registry.ChangeEvent) error {
	_, err := ix.queue.Enqueue(ctx, queue.TopicSync,
		queue.SyncJobKey(evt.ID, evt.Seq),
		&queue.SyncJob{PackageID: evt.ID, Seq: evt.Seq, Deleted: evt.Deleted},
	)
	if err != nil {
		return fmt.Errorf("enqueueing sync job for %s: %w", evt.ID, err)
	}
	return nil
}

// RunConsumers blocks consuming the sync and bulk-sync topics until the
// context is cancelled.
func (ix *Indexer) RunConsumers(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ix.queue.Consume(ctx, queue.TopicSync, queue.TopicConfig{
			Concurrency: ix.cfg.SyncConcurrency,
		}, ix.HandleSyncJob)
	}()
	go func() {
		defer wg.Done()
		ix.queue.Consume(ctx, queue.TopicBulkSync, queue.TopicConfig{
			Concurrency: ix.cfg.BulkConcurrency,
		}, ix.HandleBulkSyncJob)
	}()
	wg.Wait()
	return nil
}

// HandleSyncJob processes one single-package sync job. Deletions touch only
// the index; a 404 on metadata means the package is no longer resolvable and
// completes the job as a no-op.
func (ix *Indexer) HandleSyncJob(ctx context.Context, job *queue.Job) error {
	var sj queue.SyncJob
	if err := job.DecodePayload(&sj); err != nil {
		return err
	}
	log := ix.logger.With("package", sj.PackageID, "seq", sj.Seq)

	if sj.Deleted {
		if err := ix.index.Delete(ctx, sj.PackageID); err != nil {
			return fmt.Errorf("deleting %s from index: %w", sj.PackageID, err)
		}
		return nil
	}

	meta, err := ix.registry.GetPackage(ctx, sj.PackageID)
	if err != nil {
		if errors.Is(err, registry.ErrPackageNotFound) {
			log.Info("package no longer resolvable, skipping")
			syncSkipped.Inc()
			return nil
		}
		return fmt.Errorf("fetching metadata for %s: %w", sj.PackageID, err)
	}

	weekly, err := ix.downloads.LastWeek(ctx, sj.PackageID)
	if err != nil {
		return fmt.Errorf("fetching downloads for %s: %w", sj.PackageID, err)
	}

	doc := ix.buildDoc(ctx, meta, weekly)
	if err := ix.index.Upsert(ctx, []search.PackageDoc{doc}); err != nil {
		return fmt.Errorf("upserting %s: %w", sj.PackageID, err)
	}
	packagesSynced.Inc()
	return nil
}

// HandleBulkSyncJob processes one backfill chunk: one batched downloads call,
// then bounded-parallel metadata fetches and a single bulk upsert. Individual
// 404s are skipped; other per-package failures fail the job for retry after
// the successful documents have been applied (upserts are idempotent).
func (ix *Indexer) HandleBulkSyncJob(ctx context.Context, job *queue.Job) error {
	var bj queue.BulkSyncJob
	if err := job.DecodePayload(&bj); err != nil {
		return err
	}
	log := ix.logger.With("phase", bj.Phase, "chunk_size", len(bj.PackageIDs))

	counts, err := ix.downloads.LastWeekBulk(ctx, bj.PackageIDs)
	if err != nil {
		return fmt.Errorf("fetching bulk downloads: %w", err)
	}

	sem := semaphore.NewWeighted(int64(ix.cfg.FetchParallel))
	var mu sync.Mutex
	var docs []search.PackageDoc
	failed := 0
	var wg sync.WaitGroup

	for _, name := range bj.PackageIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)

			meta, err := ix.registry.GetPackage(ctx, name)
			if err != nil {
				if errors.Is(err, registry.ErrPackageNotFound) {
					syncSkipped.Inc()
					return
				}
				log.Warn("metadata fetch failed during bulk sync", "package", name, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			doc := ix.buildDoc(ctx, meta, counts[name])
			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	if len(docs) > 0 {
		if err := ix.index.Upsert(ctx, docs); err != nil {
			return fmt.Errorf("bulk upserting %d docs: %w", len(docs), err)
		}
		packagesSynced.Add(float64(len(docs)))
	}
	if failed > 0 {
		return fmt.Errorf("bulk sync had %d failed fetches of %d", failed, len(bj.PackageIDs))
	}
	return nil
}

// buildDoc transforms metadata and best-effort enriches it with
// vulnerability counts; an OSV outage degrades the document rather than
// failing the sync.
func (ix *Indexer) buildDoc(ctx context.Context, meta *registry.PackageMetadata, weeklyDownloads int64) search.PackageDoc {
	doc := search.TransformPackage(meta, weeklyDownloads, ix.Now())
	if ix.vulns != nil {
		counts, err := ix.vulns.CountBySeverity(ctx, meta.Name, doc.Version)
		if err != nil {
			ix.logger.Warn("vulnerability lookup failed", "package", meta.Name, "err", err)
		} else {
			doc.ApplyVulnerabilities(counts)
		}
	}
	return doc
}
