package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	es "github.com/opensearch-project/opensearch-go/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/lodestone-search/lodestone/backfill"
	"github.com/lodestone-search/lodestone/cachestore"
	"github.com/lodestone-search/lodestone/indexer"
	"github.com/lodestone-search/lodestone/notify"
	"github.com/lodestone-search/lodestone/queue"
	"github.com/lodestone-search/lodestone/registry"
	"github.com/lodestone-search/lodestone/search"
	"github.com/lodestone-search/lodestone/util"
	"github.com/lodestone-search/lodestone/vuln"
)

type ServerConfig struct {
	RegistryHost      string
	ReplicateHost     string
	DownloadsHost     string
	OSVHost           string
	PackageIndex      string
	RedisURL          string
	EmailHost         string
	EmailToken        string
	EmailFrom         string
	SlackHost         string
	Cursor            string
	RegistryFetchRate int
	Logger            *slog.Logger
}

type Server struct {
	logger    *slog.Logger
	cursor    string
	queue     *queue.RedisQueue
	consumer  *registry.ChangeStreamConsumer
	indexer   *indexer.Indexer
	sync      *search.Synchronizer
	backfill  *backfill.Controller
	scheduler *queue.Scheduler
	deliverer *notify.Deliverer
	echo      *echo.Echo
}

func NewServer(db *gorm.DB, escli *es.Client, config ServerConfig) (*Server, error) {
	logger := config.Logger

	rdb, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	redisClient := redis.NewClient(rdb)

	q, err := queue.NewRedisQueue(config.RedisURL, logger)
	if err != nil {
		return nil, err
	}

	if err := notify.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	cache, err := cachestore.NewRedisCacheStore(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("setting up cache: %w", err)
	}

	regClient := registry.NewClient(config.RegistryHost, util.RobustHTTPClient(), config.RegistryFetchRate)
	dlClient := registry.NewDownloadsClient(config.DownloadsHost, util.RobustHTTPClient())
	osvClient := vuln.NewClient(config.OSVHost, util.RobustHTTPClient(), cache, logger)

	synchronizer := search.NewSynchronizer(escli, config.PackageIndex, logger)

	ix := indexer.NewIndexer(q, regClient, dlClient, osvClient, synchronizer, logger, indexer.Config{})

	consumer := &registry.ChangeStreamConsumer{
		Host:        config.ReplicateHost,
		Logger:      logger,
		RedisClient: redisClient,
		Handler:     ix.HandleChange,
		HTTP:        util.RobustHTTPClient(),
	}

	catalog := &registry.CatalogClient{
		Host: config.ReplicateHost,
		HTTP: util.RobustHTTPClient(),
	}
	bf := backfill.NewController(backfill.NewRedisStateStore(redisClient), catalog, q, logger, nil)

	deliverer := notify.NewDeliverer(db, q, &notify.EmailClient{
		Host:  config.EmailHost,
		Token: config.EmailToken,
		From:  config.EmailFrom,
		HTTP:  util.RobustHTTPClient(),
	}, &notify.SlackClient{
		Host: config.SlackHost,
		HTTP: util.RobustHTTPClient(),
	}, logger, notify.DefaultDeliveryConfig())

	return &Server{
		logger:    logger,
		cursor:    config.Cursor,
		queue:     q,
		consumer:  consumer,
		indexer:   ix,
		sync:      synchronizer,
		backfill:  bf,
		scheduler: queue.NewScheduler(q, logger),
		deliverer: deliverer,
	}, nil
}

// Run starts every pipeline component and blocks until the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.sync.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure index schema: %w", err)
	}

	if err := s.backfill.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore backfill state: %w", err)
	}

	if err := notify.RegisterDigestSchedules(ctx, s.scheduler); err != nil {
		return fmt.Errorf("failed to register digest schedules: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runChangeConsumer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.consumer.RunPersistCursor(ctx); err != nil {
			s.logger.Error("cursor persistence stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.indexer.RunConsumers(ctx); err != nil {
			s.logger.Error("sync consumers stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.backfill.Run(ctx); err != nil {
			s.logger.Error("backfill controller stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.scheduler.Run(ctx); err != nil {
			s.logger.Error("scheduler stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.deliverer.RunConsumers(ctx); err != nil {
			s.logger.Error("delivery consumers stopped", "err", err)
		}
	}()

	wg.Wait()
	if s.echo != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}
	return nil
}

// runChangeConsumer supervises the changes feed connection, reconnecting from
// the persisted cursor whenever the stream terminates.
func (s *Server) runChangeConsumer(ctx context.Context) {
	// the flag override applies to the first connection only; reconnects
	// resume from the persisted cursor
	override := s.cursor
	for {
		since := override
		override = ""
		if since == "" {
			since = s.consumer.LastSeq()
		}
		if since == "" {
			val, err := s.consumer.ReadLastCursor(ctx)
			if err != nil {
				s.logger.Error("failed to read change cursor", "err", err)
				val = "now"
			}
			since = val
		}
		err := s.consumer.Run(ctx, since)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change stream terminated, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// RunAPI serves the health, metrics, and backfill control endpoints.
func (s *Server) RunAPI(bind string) error {
	e := echo.New()
	e.HideBanner = true
	s.echo = e

	e.GET("/_health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/admin/backfill", func(c echo.Context) error {
		st, err := s.backfill.Status(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, st)
	})
	e.POST("/admin/backfill/start", func(c echo.Context) error {
		if err := s.backfill.Start(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "started"})
	})
	e.POST("/admin/backfill/pause", func(c echo.Context) error {
		if err := s.backfill.Pause(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
	})

	return e.Start(bind)
}
