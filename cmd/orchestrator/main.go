package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ckadlab/orchestrator/internal/clusterdriver"
	"github.com/ckadlab/orchestrator/internal/config"
	"github.com/ckadlab/orchestrator/internal/db"
	"github.com/ckadlab/orchestrator/internal/events"
	"github.com/ckadlab/orchestrator/internal/httpapi"
	"github.com/ckadlab/orchestrator/internal/identity"
	"github.com/ckadlab/orchestrator/internal/logger"
	"github.com/ckadlab/orchestrator/internal/portlease"
	"github.com/ckadlab/orchestrator/internal/ratelimit"
	"github.com/ckadlab/orchestrator/internal/reaper"
	"github.com/ckadlab/orchestrator/internal/sandboxdriver"
	"github.com/ckadlab/orchestrator/internal/session"
	"github.com/ckadlab/orchestrator/internal/terminal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Component("main")
	log.Info().Msg("starting ckad session orchestrator")

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	store := db.NewSessionStore(database)

	dockerClient, err := client.NewClientWithOpts(client.WithHost(cfg.DockerHost), client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize docker client")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable at startup, credential checks will fail until it is reachable")
	}
	pingCancel()

	natsConn, err := nats.Connect(cfg.NATSURL, nats.MaxReconnects(-1))
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable at startup, session events will not be published")
	}
	var publisher *events.Publisher
	if natsConn != nil {
		defer natsConn.Close()
		publisher = events.New(natsConn, logger.Component("events"))
	} else {
		publisher = events.New(nil, logger.Component("events"))
	}

	ports := portlease.New(database,
		portlease.Range{Min: cfg.PortRangeAPIMin, Max: cfg.PortRangeAPIMax},
		portlease.Range{Min: cfg.PortRangeHTTPMin, Max: cfg.PortRangeHTTPMax},
		portlease.Range{Min: cfg.PortRangeHTTPSMin, Max: cfg.PortRangeHTTPSMax},
	)

	clusters := clusterdriver.New(dockerClient, os.TempDir()+"/ckad-clusters", logger.Component("clusterdriver"))
	sandboxes := sandboxdriver.New(dockerClient, logger.Component("sandboxdriver"))

	sessionManager := session.New(store, database, ports, clusters, sandboxes, publisher, session.Config{
		TTLMinutes:       cfg.TTLMinutes,
		ExtensionMinutes: cfg.ExtensionMinutes,
		TasksPerSession:  cfg.DefaultTasksPerSession,
		MaxConcurrent:    cfg.MaxConcurrent,
		SandboxResources: sandboxdriver.Resources{
			MemoryMiB: cfg.SandboxMemoryMiB,
			CPUCores:  cfg.SandboxCPU,
			PIDMax:    cfg.SandboxPIDMax,
		},
	}, logger.Component("session"))

	gateway := terminal.New(cfg.HeartbeatInterval, logger.Component("terminal"))
	verifier := identity.New(cfg.JWTSecret, redisClient)

	r := reaper.New(store, sessionManager, ports, clusters, sandboxes, cfg.ExpireTick, cfg.SweepTick, logger.Component("reaper"))
	if err := r.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start reaper")
	}
	defer r.Stop()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Component("http")))

	generalLimit := ratelimit.New(float64(cfg.RateLimitGeneralPerMinute)/60, cfg.RateLimitGeneralPerMinute, 10*time.Minute)
	authLimit := ratelimit.New(float64(cfg.RateLimitAuthPerMinute)/60, cfg.RateLimitAuthPerMinute, 10*time.Minute)
	startLimit := ratelimit.New(float64(cfg.RateLimitSessionStartPerHour)/3600, cfg.RateLimitSessionStartPerHour, time.Hour)

	openPTY := func(ctx context.Context, sandboxHandle string, cols, rows uint) (terminal.Pty, error) {
		return sandboxes.OpenPTY(ctx, sandboxHandle, cols, rows)
	}
	handler := httpapi.NewHandler(sessionManager, openPTY, gateway, verifier, generalLimit, authLimit, startLimit, logger.Component("httpapi"))
	handler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // websocket terminal connections are long-lived
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop accepting new sessions, tell every live terminal the server
	// is going away, and exit within the shutdown budget. In-flight
	// sessions are deliberately not torn down: they survive the restart
	// and the reaper's boot-time sweep reconciles them.
	gateway.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}
}

// requestLogger emits one structured log line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
