// Package main is the entry point for freshell, the PTY multiplexing
// server. One binary hosts the WebSocket endpoint, the terminal registry
// and the background monitors.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/perf"
	"github.com/gfbonny/freshell/internal/server"
	"github.com/gfbonny/freshell/internal/spawn"
	"github.com/gfbonny/freshell/internal/terminal"
)

const shutdownGrace = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting freshell...")

	// 3. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Terminal registry with spawn resolver and perf sink
	resolver := spawn.NewResolver(cfg.Spawn, log)

	var sink perf.Sink
	if cfg.Perf.Enabled {
		sink = perf.NewLogSink(log, int64(cfg.Perf.LagThresholdMS))
	}

	registry := terminal.NewRegistry(cfg, resolver, eventBus, sink, log)
	registry.StartMonitors()
	log.Info("Terminal registry initialized",
		zap.Int("max_terminals", cfg.Limits.MaxTerminals),
		zap.Int("scrollback_lines", cfg.Terminal.Scrollback),
		zap.Bool("perf_monitor", cfg.Perf.Enabled))

	// 5. WebSocket session handler
	handler := server.NewHandler(cfg, registry, eventBus, nil, settingsSnapshot{cfg: cfg}, log)
	if err := handler.Start(); err != nil {
		log.Fatal("Failed to start session handler", zap.Error(err))
	}

	// 6. HTTP server (WebSocket + health endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown: stop accepting connections, then give child
	// processes a SIGTERM window before force-killing survivors.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down freshell...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := registry.ShutdownGracefully(shutdownGrace); err != nil {
		log.Error("Terminal shutdown error", zap.Error(err))
	}

	eventBus.Close()

	log.Info("freshell stopped")
}

// settingsSnapshot exposes the effective terminal settings pushed to
// clients right after a successful hello.
type settingsSnapshot struct {
	cfg *config.Config
}

func (s settingsSnapshot) Snapshot() map[string]any {
	return map[string]any{
		"scrollback":            s.cfg.Terminal.Scrollback,
		"autoKillIdleMinutes":   s.cfg.Terminal.AutoKillIdleMinutes,
		"warnBeforeKillMinutes": s.cfg.Terminal.WarnBeforeKillMinutes,
	}
}
