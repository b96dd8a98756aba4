// Command processor runs the event processor: it listens for new-event
// notifications, evaluates candidate triggers, and enqueues matched
// triggers' actions onto the job queue for the worker fleet to execute.
package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/trigger-pipeline/domain/breaker"
	"github.com/R3E-Network/trigger-pipeline/domain/condition"
	"github.com/R3E-Network/trigger-pipeline/domain/eventbus"
	"github.com/R3E-Network/trigger-pipeline/domain/housekeeping"
	"github.com/R3E-Network/trigger-pipeline/domain/management"
	"github.com/R3E-Network/trigger-pipeline/domain/orchestrator"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/ratelimit"
	"github.com/R3E-Network/trigger-pipeline/domain/state"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/middleware"
	"github.com/R3E-Network/trigger-pipeline/pkg/config"
	"github.com/R3E-Network/trigger-pipeline/pkg/migrations"
	"github.com/R3E-Network/trigger-pipeline/pkg/pgnotify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("processor", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("processor")

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(cfg.Database.MigrationURL()); err != nil {
			logger.Fatal(context.Background(), "apply migrations", err)
		}
	}

	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal(context.Background(), "connect to database", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	notifyBus, err := pgnotify.NewWithDB(db.DB, cfg.Database.DSN)
	if err != nil {
		logger.Fatal(context.Background(), "start notification listener", err)
	}

	events := store.NewEventStore(db)
	reader := store.NewReader(db)
	evaluator := condition.NewEvaluator()

	var rateLimitRedis *redis.Client
	if cfg.RateLimiter.RedisURL != "" {
		rateLimitRedis = redis.NewClient(&redis.Options{Addr: cfg.RateLimiter.RedisURL})
	}
	limiter := ratelimit.New(rateLimitRedis, logger)
	rateLimitMW := ratelimit.NewMiddleware(limiter, []byte(cfg.RateLimiter.JWTSecret), cfg.RateLimiter.MonitoringToken, planLimitFunc(cfg.RateLimiter))

	var stateStore state.Store = state.NewPostgresStore(db)
	if cfg.StateCache.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.StateCache.RedisURL})
		stateStore = state.NewCachingStore(stateStore, redisClient, state.CacheConfig{
			Enabled: true,
			TTL:     time.Duration(cfg.StateCache.TTLSecs) * time.Second,
		}, logger)
	}
	stateMgr := state.NewManager(stateStore, logger, m)

	breakerDefaults := breaker.Defaults{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.CircuitBreaker.RecoveryTimeoutSecs) * time.Second,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}
	cb := breaker.New(reader, breakerDefaults, logger, m)

	q := queue.New(db, logger, m)
	results := store.NewResultStore(db)
	mgmt := management.New(reader, results, q, cb, logger)

	var housekeeper *housekeeping.Scheduler
	if cfg.Housekeeping.Enabled {
		housekeeper = housekeeping.New(q, q, housekeeping.Config{
			DeadLetterSweepCron:  cfg.Housekeeping.DeadLetterSweepCron,
			DeadLetterRetention:  time.Duration(cfg.Housekeeping.DeadLetterRetention) * time.Hour,
			BacklogScanCron:      cfg.Housekeeping.BacklogScanCron,
			BacklogWarnThreshold: int64(cfg.Housekeeping.BacklogWarnThreshold),
		}, logger, m)
		if err := housekeeper.Start(); err != nil {
			logger.Fatal(context.Background(), "start housekeeping scheduler", err)
		}
	}

	bus := eventbus.New(notifyBus, events, eventbus.Config{
		Channel: cfg.Database.NotifyChannel,
	}, logger)

	proc := orchestrator.New(orchestrator.Config{
		EvaluationConcurrency: cfg.Processor.EvaluationConcurrency,
		EvaluationTimeout:     time.Duration(cfg.Processor.EvaluationTimeoutMS) * time.Millisecond,
		ShutdownDrain:         time.Duration(cfg.Processor.ShutdownDrainSecs) * time.Second,
	}, events, reader, evaluator, stateMgr, cb, q, logger, m)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(runCtx, bus) }()

	router := mux.NewRouter()
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware("processor", m))
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: cfg.Server.CORSAllowedOrigins}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(cfg.Server.BodyLimitBytes).Handler)
	router.Use(middleware.NewTimeoutMiddleware(time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second).Handler)
	router.Use(rateLimitMW.Handler)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	mgmt.Register(router)

	health := middleware.NewHealthChecker("processor")
	health.RegisterCheck("database", func() error { return db.Ping() })
	router.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancelRun()
		select {
		case <-runDone:
		case <-time.After(30 * time.Second):
		}
		if housekeeper != nil {
			housekeeper.Stop()
		}
		_ = notifyBus.Close()
		_ = db.Close()
	})
	shutdown.ListenForSignals()

	logger.Info(context.Background(), "processor listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(context.Background(), "processor http server failed", err)
	}
	shutdown.Wait()
}

// planLimitFunc builds the rate limiter's plan->hourly-limit lookup from the
// operator-configured overrides, falling back to ratelimit.DefaultLimit for
// any plan left at its zero value.
func planLimitFunc(cfg config.RateLimiterConfig) func(ratelimit.Plan) int {
	overrides := map[ratelimit.Plan]int{
		ratelimit.PlanAnonymous:  cfg.LimitAnonymous,
		ratelimit.PlanFree:       cfg.LimitFree,
		ratelimit.PlanStarter:    cfg.LimitStarter,
		ratelimit.PlanPro:        cfg.LimitPro,
		ratelimit.PlanEnterprise: cfg.LimitEnterprise,
	}
	return func(p ratelimit.Plan) int {
		if limit, ok := overrides[p]; ok && limit > 0 {
			return limit
		}
		return ratelimit.DefaultLimit(p)
	}
}
