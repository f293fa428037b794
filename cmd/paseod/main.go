// Package main is the paseo daemon entry point. One process hosts the
// agent manager, the local WebSocket endpoint, and the optional relay
// client.
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

	"github.com/paseodev/paseo/internal/common/config"
	"github.com/paseodev/paseo/internal/common/httpmw"
	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/crypto"
	"github.com/paseodev/paseo/internal/events"
	"github.com/paseodev/paseo/internal/history"
	"github.com/paseodev/paseo/internal/manager"
	"github.com/paseodev/paseo/internal/provider"
	"github.com/paseodev/paseo/internal/relay"
	"github.com/paseodev/paseo/internal/session"
	"github.com/paseodev/paseo/internal/store"
	"github.com/paseodev/paseo/internal/tracing"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting paseod...", zap.String("home", cfg.Paseo.Home))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
			log.Warn("Tracing init failed, continuing without it", zap.Error(err))
		}
	}

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	archive, err := history.Open(cfg.HistoryPath())
	if err != nil {
		log.Fatal("Failed to open timeline archive", zap.Error(err))
	}
	defer archive.Close()

	providers := provider.NewRegistry()
	providers.Register(v1.ProviderMock, provider.NewMockFactory())
	ids := make([]string, 0)
	for _, id := range providers.IDs() {
		ids = append(ids, string(id))
	}
	log.Info("Registered providers", zap.Strings("ids", ids))

	mgr := manager.New(manager.Options{
		Providers:        providers,
		Bus:              eventBus,
		Store:            store.New(cfg.Paseo.RegistryPath(), log),
		Archive:          archive,
		Log:              log,
		HandshakeTimeout: cfg.Agent.HandshakeTimeoutDuration(),
		CancelGrace:      cfg.Agent.CancelGraceDuration(),
		ModesPath:        cfg.Paseo.ModesPath(),
	})
	if err := mgr.Boot(ctx); err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}

	hub, err := session.NewHub(session.Options{
		Manager:   mgr,
		Bus:       eventBus,
		Log:       log,
		QueueSize: cfg.Agent.OutboundQueueSize,
	})
	if err != nil {
		log.Fatal("Failed to start session hub", zap.Error(err))
	}

	if cfg.Relay.URL != "" {
		keyPair, err := crypto.LoadOrCreateKeyPair(cfg.RelayKeyPath())
		if err != nil {
			log.Fatal("Failed to load relay key", zap.Error(err))
		}
		relayClient, err := relay.NewClient(relay.Options{
			URL:      cfg.Relay.URL,
			ServerID: cfg.Relay.ServerID,
			KeyPair:  keyPair,
			Hub:      hub,
			Log:      log,
		})
		if err != nil {
			log.Fatal("Failed to configure relay", zap.Error(err))
		}
		log.Info("Relay enabled",
			zap.String("url", cfg.Relay.URL),
			zap.String("server_id", cfg.Relay.ServerID),
			zap.String("public_key", relayClient.PublicKey()))
		go func() {
			if err := relayClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("Relay client stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "paseod"))
	router.Use(httpmw.OtelTracing("paseod"))
	router.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	router.GET("/ws", hub.WebSocketHandler())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "paseod",
			"agents":  len(mgr.List(c.Request.Context())),
		})
	})
	if cfg.Server.StaticDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.Server.StaticDir))))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Listening", zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down paseod...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Close()
	mgr.Shutdown(shutdownCtx)

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}

	log.Info("paseod stopped")
}

// corsMiddleware mirrors allowed origins onto responses; an empty list
// allows any origin, which is the expected posture for a local daemon.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if _, ok := set[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
