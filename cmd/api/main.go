// The api binary runs the whole ingestion plane in one process: the HTTP
// gateway, the demographics and webhook worker pools, the document worker,
// the dead-letter reaper, and the blob-event poll loop.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/claimspipe/backend/internal/config"
	"github.com/claimspipe/backend/internal/credentials"
	"github.com/claimspipe/backend/internal/database"
	"github.com/claimspipe/backend/internal/events"
	"github.com/claimspipe/backend/internal/gateway"
	"github.com/claimspipe/backend/internal/health"
	"github.com/claimspipe/backend/internal/idempotency"
	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
	"github.com/claimspipe/backend/internal/ratelimit"
	"github.com/claimspipe/backend/internal/reactor"
	"github.com/claimspipe/backend/internal/storage"
	"github.com/claimspipe/backend/internal/webhooks"
	"github.com/claimspipe/backend/internal/worker"
)

const shutdownGrace = 30 * time.Second

func main() {
	logger := log.New(os.Stdout, "[API] ", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Relational store. Production requires Postgres; development may run
	// entirely in memory.
	var (
		store database.Store
		pg    *database.PostgresStore
	)
	if cfg.Database.URL != "" {
		pg, err = database.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	} else if cfg.IsDevelopment() {
		logger.Printf("DATABASE_URL not set, using in-memory store (development only)")
		store = database.NewMemoryStore()
	} else {
		logger.Fatalf("DATABASE_URL is required outside development")
	}

	// Queue shares the Postgres connection when one exists.
	var q queue.Queue
	if pg != nil {
		q, err = queue.NewPostgresQueue(ctx, pg.DB())
		if err != nil {
			logger.Fatalf("init queue: %v", err)
		}
	} else {
		logger.Printf("using in-memory queue (development only)")
		q = queue.NewMemoryQueue()
	}

	// Redis backs rate limiting and idempotency. Running without it is a
	// development affordance: the limiter fails open and the idempotency
	// cache misses every lookup.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("parse REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	} else if cfg.IsDevelopment() {
		logger.Printf("REDIS_URL not set, rate limiting degraded and idempotency disabled (development only)")
	} else {
		logger.Fatalf("REDIS_URL is required outside development")
	}
	limiter := ratelimit.NewLimiter(rdb)
	cache := idempotency.NewCache(rdb, 0)

	// Object store for capability-URL uploads.
	var objStore storage.ObjectStore
	if cfg.Storage.SupabaseURL != "" {
		objStore, err = storage.NewSupabaseStore(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
		if err != nil {
			logger.Fatalf("init supabase storage: %v", err)
		}
	} else if cfg.IsDevelopment() {
		logger.Printf("SUPABASE_URL not set, using in-memory object store (development only)")
		objStore = storage.NewMemoryObjectStore()
	} else {
		logger.Fatalf("SUPABASE_URL is required outside development")
	}
	issuer := storage.NewIssuer(objStore, store)

	creds := credentials.NewStore(store, cfg.Credentials.Prefix)
	m := metrics.New()
	checker := health.NewChecker(store, q, limiter)
	react := reactor.New(issuer, store, q)

	react.SetMetrics(m)

	targets := webhooks.NewTargetResolver(cfg.Webhooks.DefaultURL, cfg.Webhooks.TenantURLs)
	dispatcher := webhooks.NewDispatcher(targets, store, q, cfg.Webhooks.Secret)
	dispatcher.SetMetrics(m)
	if cfg.PubSub.ProjectID != "" {
		mirror, err := events.NewPubSubMirror(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Fatalf("init pubsub mirror: %v", err)
		}
		defer mirror.Close()
		dispatcher.SetMirror(mirror)
	}

	g := gateway.New(gateway.Options{
		Records:         store,
		Credentials:     creds,
		Issuer:          issuer,
		Producer:        q,
		Checker:         checker,
		Reactor:         react,
		Metrics:         m,
		BatchLimitBytes: cfg.Workers.BatchSizeLimitBytes,
	})
	router := g.Router(limiter, cache)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Background consumers. Each pool finishes its current message and
	// releases its session when the context is cancelled.
	var wg sync.WaitGroup
	runBg := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Printf("%s stopped", name)
		}()
	}
	runPool := func(name, topic string, h queue.Handler, size int) {
		p := worker.NewPool(name, q, topic, h, size)
		p.SetMetrics(m)
		runBg(strings.ToLower(name)+" pool", p.Run)
	}
	runPool("DEMOGRAPHICS", queue.TopicDemographics, worker.NewDemographicsHandler(store, q), cfg.Workers.PoolSize)
	runPool("WEBHOOKS", queue.TopicWebhooks, dispatcher, cfg.Workers.PoolSize)
	runPool("DOCUMENTS", queue.TopicDocuments, worker.NewDocumentHandler(issuer), 2)
	runBg("dead-letter reaper", worker.NewDeadLetterReaper(q, store, q).Run)
	runBg("blob poll", react.Poll)
	runBg("depth export", func(ctx context.Context) {
		checker.RunDepthExport(ctx, m, 15*time.Second)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Printf("listening on :%s (%s)", cfg.Server.Port, cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	wg.Wait()
	logger.Printf("bye")
}
