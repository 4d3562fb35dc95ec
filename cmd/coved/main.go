package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/api"
	"github.com/coveworks/cove/internal/common/config"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/common/tracing"
	"github.com/coveworks/cove/internal/events/bus"
	"github.com/coveworks/cove/internal/gateway"
	"github.com/coveworks/cove/internal/llm"
	"github.com/coveworks/cove/internal/mcptools"
	"github.com/coveworks/cove/internal/relay"
	"github.com/coveworks/cove/internal/sandbox/boxapi"
	"github.com/coveworks/cove/internal/sandbox/docker"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	"github.com/coveworks/cove/internal/session"
	"github.com/coveworks/cove/internal/store"
	"github.com/coveworks/cove/internal/stream"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coved...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to NATS event bus
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Connected to NATS event bus")

	// 5. Initialize Docker client
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 6. Assemble the state recorders: in-memory always, the NATS KV cache
	// for ephemeral cross-service reads, Postgres when a DSN is configured.
	recorders := []store.Recorder{store.NewMemoryRecorder()}

	cache, err := store.NewNATSCacheRecorder(eventBus.Conn(), cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize NATS state cache", zap.Error(err))
	}
	recorders = append(recorders, cache)

	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgresRecorder(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		recorders = append(recorders, pg)
		log.Info("Durable session store enabled")
	}
	recorder := store.NewMulti(recorders...)
	defer recorder.Close()

	// 7. Per-session event stream multiplexer
	mux := stream.NewMux(cfg.Stream, log)

	// 8. Sandbox lifecycle controller
	apiFactory := func(address string) lifecycle.APIClient {
		return boxapi.NewClient(address, cfg.Sandbox.APIPort, log)
	}
	controller := lifecycle.NewController(dockerClient, apiFactory, eventBus, recorder, mux, cfg.Sandbox, log)

	// 9. External MCP servers. Failures are logged and skipped; the agent
	// simply sees fewer tools.
	mcpMgr := mcptools.NewManager(log)
	mcpMgr.Connect(ctx, cfg.MCP)
	defer mcpMgr.Close()

	// 10. Tool invocation gateway
	invokerFactory := func(address string) gateway.Invoker {
		return boxapi.NewClient(address, cfg.Sandbox.APIPort, log)
	}
	gw := gateway.NewGateway(controller, invokerFactory, mcpMgr, mux, recorder, eventBus, cfg.Session, log)

	// 11. Session orchestrator with the language-model provider
	provider := llm.NewOpenAIClient(cfg.LLM, log)
	orchestrator := session.NewOrchestrator(controller, gw, mux, provider, mcpMgr, recorder, eventBus, cfg.Session, log)

	// 12. Interactive relay into sandbox viewing endpoints. A lost sandbox
	// fails the in-flight invocation and drops its viewing tunnels.
	viewRelay := relay.NewRelay(controller, cfg.Sandbox.ViewPort, log)
	orchestrator.SetTunnelCloser(viewRelay)
	controller.SetLostHandler(func(sandboxID, sessionID string) {
		gw.OnSandboxLost(sandboxID, sessionID)
		viewRelay.CloseSession(sessionID)
	})

	// 13. Start the lifecycle loops (reaper, health probes)
	if err := controller.Start(ctx); err != nil {
		log.Fatal("Failed to start lifecycle controller", zap.Error(err))
	}
	log.Info("Started sandbox lifecycle controller")

	// 14. HTTP server with the session API
	router := api.NewRouter(log)
	handler := api.NewHandler(orchestrator, controller, log)
	ws := api.NewStreamHandler(mux, viewRelay, log)
	api.SetupRoutes(router, handler, ws)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down coved...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let in-flight turns finish publishing, then stop the pool loops.
	orchestrator.Stop()
	controller.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("coved stopped")
}
