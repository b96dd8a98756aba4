// Command worker runs the action worker fleet: one pool per action type,
// each leasing jobs off the action job queue, rendering templates, and
// delivering the action via messaging, webhook, or agent-push.
package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/trigger-pipeline/domain/chainnames"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/ratelimit"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
	"github.com/R3E-Network/trigger-pipeline/domain/worker"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/middleware"
	"github.com/R3E-Network/trigger-pipeline/pkg/config"
	"github.com/R3E-Network/trigger-pipeline/pkg/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("worker", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("worker")

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

	q := queue.New(db, logger, m)
	events := store.NewEventStore(db)
	results := store.NewResultStore(db)

	var rateLimitRedis *redis.Client
	if cfg.RateLimiter.RedisURL != "" {
		rateLimitRedis = redis.NewClient(&redis.Options{Addr: cfg.RateLimiter.RedisURL})
	}
	limiter := ratelimit.New(rateLimitRedis, logger)
	rateLimitMW := ratelimit.NewMiddleware(limiter, []byte(cfg.RateLimiter.JWTSecret), cfg.RateLimiter.MonitoringToken, planLimitFunc(cfg.RateLimiter))

	agents := worker.NewConnRegistry()

	pools := []*worker.Pool{
		worker.NewPool("messaging-notification", cfg.WorkerPool.MessagingSize, q,
			worker.NewMessagingHandler(cfg.WorkerPool.MessagingGateway),
			events, chainnames.Name, results, logger, m),
		worker.NewPool("webhook", cfg.WorkerPool.WebhookSize, q,
			worker.NewWebhookHandler(),
			events, chainnames.Name, results, logger, m),
		worker.NewPool("agent-push", cfg.WorkerPool.AgentSize, q,
			worker.NewAgentPushHandler(agents),
			events, chainnames.Name, results, logger, m),
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		done := make(chan struct{}, len(pools))
		for _, p := range pools {
			p := p
			go func() {
				p.Run(runCtx)
				done <- struct{}{}
			}()
		}
		for range pools {
			<-done
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware("worker", m))
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: cfg.Server.CORSAllowedOrigins}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(cfg.Server.BodyLimitBytes).Handler)
	router.Use(middleware.NewTimeoutMiddleware(time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second).Handler)
	router.Use(rateLimitMW.Handler)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	health := middleware.NewHealthChecker("worker")
	health.RegisterCheck("database", func() error { return db.Ping() })
	router.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/agents/{agent_id}/ws", agentWebsocketHandler(agents, logger)).Methods(http.MethodGet)

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
		_ = db.Close()
	})
	shutdown.ListenForSignals()

	logger.Info(context.Background(), "worker listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(context.Background(), "worker http server failed", err)
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

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// agentWebsocketHandler upgrades an agent's connection and registers it in
// registry for the lifetime of the connection; it blocks reading (and
// discarding) frames only to detect disconnects, since agent-push jobs are
// delivered as server-to-client writes.
func agentWebsocketHandler(registry *worker.ConnRegistry, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agent_id"]
		if agentID == "" {
			http.Error(w, "agent_id is required", http.StatusBadRequest)
			return
		}

		conn, err := agentUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithContext(r.Context()).WithError(err).Warn("agent websocket upgrade failed")
			return
		}
		registry.Register(agentID, conn)
		defer registry.Unregister(agentID, conn)
		defer conn.Close()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
