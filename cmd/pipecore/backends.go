package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pipecore/internal/cache"
	"pipecore/internal/config"
	"pipecore/internal/database"
	"pipecore/internal/databases"
	"pipecore/internal/env"
	"pipecore/internal/metrics"
	"pipecore/internal/outbound"
	"pipecore/internal/preflight"
	"pipecore/internal/providers"
	"pipecore/internal/scraper"
	"pipecore/internal/script"
	"pipecore/internal/sqliteworker"
	"pipecore/internal/store"
	"pipecore/internal/store/memstore"
	"pipecore/internal/store/mongostore"
)

// backends are the stores and process-wide services of one process.
type backends struct {
	Store     store.Store
	Rows      store.DatabasesStore
	Search    store.SearchStore
	Runtime   *env.Runtime
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	preflight *preflight.Checker
	closers   []func(ctx context.Context) error
}

// openStores connects the metadata, search and rows stores. Without
// MONGODB_URI and DATABASE_URL everything lives in memory.
func openStores(ctx context.Context, cfg *config.Config, b *backends) error {
	b.preflight = preflight.NewChecker(5 * time.Second)

	mem := memstore.New()
	b.Store, b.Search, b.Rows = mem, mem, mem

	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
		if err != nil {
			return fmt.Errorf("connect to MongoDB: %w", err)
		}
		if err := mongoDB.Initialize(ctx); err != nil {
			mongoDB.Close(ctx)
			return fmt.Errorf("initialize MongoDB: %w", err)
		}
		ms := mongostore.New(mongoDB)
		b.Store, b.Search = ms, ms
		b.preflight.AddPinger("MongoDB", true, mongoDB)
		b.closers = append(b.closers, mongoDB.Close)
	} else {
		log.Println("⚠️ MONGODB_URI not set, using the in-memory store")
	}

	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to MySQL: %w", err)
		}
		if err := db.Initialize(ctx); err != nil {
			db.Close()
			return fmt.Errorf("initialize MySQL: %w", err)
		}
		b.Rows = database.NewRowsStore(db)
		b.preflight.Add("MySQL", true, db.PingContext)
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
	} else {
		log.Println("⚠️ DATABASE_URL not set, table rows are kept in memory")
	}
	return nil
}

// openBackends builds everything a run needs.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	b := &backends{Metrics: metrics.New(reg), Registry: reg}
	if err := openStores(ctx, cfg, b); err != nil {
		b.Close(ctx)
		return nil, err
	}

	var remote cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ [CACHE] Redis unavailable, running with the local tier only: %v", err)
		} else {
			remote = redisCache
			b.preflight.AddPinger("Redis", false, redisCache)
			b.closers = append(b.closers, func(context.Context) error { return redisCache.Close() })
		}
	}
	local := cache.NewLocal(cfg.LocalCacheTTL, 2*cfg.LocalCacheTTL)

	client := outbound.New(outbound.Options{
		Timeout:     cfg.HTTPTimeout,
		GlobalRate:  cfg.OutboundRate,
		PerHostRate: cfg.OutboundHostRate,
	})

	var browser scraper.Scraper
	if cfg.ChromePath != "" {
		browser = scraper.NewChrome(cfg.ChromePath, client, 4)
	} else {
		browser = scraper.NewBrowserless(cfg.BrowserlessURL, client)
	}

	scripts := script.NewExecutor(cfg.ScriptMailboxSize)
	b.closers = append(b.closers, func(context.Context) error {
		scripts.Close()
		return nil
	})

	workerClient := sqliteworker.NewClient(cfg.HTTPTimeout, newLogrus(cfg))

	b.Runtime = &env.Runtime{
		Scripts:       scripts,
		Cache:         cache.NewTiered(local, remote, cfg.LocalCacheTTL),
		HTTP:          client,
		Providers:     providers.NewRegistry(nil),
		Databases:     databases.NewQuerier(b.Store, b.Rows, workerClient, cfg.WorkerLiveness),
		Browser:       browser,
		Metrics:       b.Metrics,
		ScriptTimeout: cfg.ScriptTimeout,
		CacheTTL:      cfg.CacheTTL,
		Endpoints:     env.DefaultEndpoints(),
	}

	if results := b.preflight.RunAll(ctx); preflight.HasFailures(results) {
		b.Close(ctx)
		return nil, fmt.Errorf("pre-flight checks failed")
	}
	return b, nil
}

// Close releases every backend connection.
func (b *backends) Close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			log.Printf("⚠️ Failed to close backend: %v", err)
		}
	}
}

func newLogrus(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Printf("⚠️ Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		app.Shutdown()
	}()
	log.Printf("📊 Metrics available on %s/metrics", addr)
}
