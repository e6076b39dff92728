// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxqueue/broker"
	"github.com/absmach/fluxqueue/broker/events"
	"github.com/absmach/fluxqueue/broker/middleware"
	"github.com/absmach/fluxqueue/broker/webhook"
	"github.com/absmach/fluxqueue/config"
	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/persistent"
	"github.com/absmach/fluxqueue/queue/storage"
	badgerstore "github.com/absmach/fluxqueue/queue/storage/badger"
	"github.com/absmach/fluxqueue/queue/storage/memory"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/absmach/fluxqueue/ratelimit"
	"github.com/absmach/fluxqueue/server/health"
	"github.com/absmach/fluxqueue/server/otel"
	"github.com/absmach/fluxqueue/server/tcp"
	"github.com/absmach/fluxqueue/server/websocket"
)

// store is what both storage backends provide.
type store interface {
	storage.QueueStore
	storage.MessageStore
	Close() error
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting queue broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Broker.NodeID,
		"tcp_listener", cfg.Server.TCPAddr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	var st store
	switch cfg.Storage.Type {
	case "badger":
		bs, err := badgerstore.New(badgerstore.Config{
			Dir:               cfg.Storage.BadgerDir,
			Compression:       badgerstore.Compression(cfg.Storage.Compression),
			CompressThreshold: cfg.Storage.CompressThreshold,
			GCInterval:        cfg.Storage.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to open BadgerDB storage", "error", err)
			os.Exit(1)
		}
		st = bs
		slog.Info("Using BadgerDB storage", "dir", cfg.Storage.BadgerDir, "compression", cfg.Storage.Compression)
	default:
		st = memory.New()
		slog.Info("Using in-memory storage")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()

	nodeID := cfg.Broker.NodeID

	var notifiers events.Multi
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, nodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, notifier)
		slog.Info("Webhook notifier enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	errorFunc := queue.LogErrors(logger)
	var metrics *otel.Metrics
	var otelShutdown func(context.Context) error
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(cfg.Server, nodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		metrics, err = otel.NewMetrics(nil)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, metrics)

		logErrors := errorFunc
		errorFunc = func(q, messageID string, err error) {
			logErrors(q, messageID, err)
			metrics.RecordError(q, messageID, err)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr, "traces", cfg.Server.OtelTracesEnabled)
	}

	var listener queue.EventListener = queue.NopListener{}
	if len(notifiers) > 0 {
		listener = events.NewListener(notifiers, cfg.Webhook.IncludePayload, logger)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			"connection_rate", cfg.RateLimit.Connection.Rate,
			"push_rate", cfg.RateLimit.Push.Rate,
			"subscribe_rate", cfg.RateLimit.Subscribe.Rate)
	}

	defaults, err := cfg.Queues.Defaults.Apply(types.DefaultQueueConfig(""))
	if err != nil {
		slog.Error("Invalid queue defaults", "error", err)
		os.Exit(1)
	}

	handlers := queue.DefaultHandlers()
	persistent.Register(handlers, st, logger)

	qm := queue.NewManager(queue.Config{
		QueueStore:          st,
		Handlers:            handlers,
		Defaults:            defaults,
		AutoCreateQueues:    cfg.Queues.AutoCreate,
		Events:              listener,
		ErrorFunc:           errorFunc,
		Authenticator:       limiter,
		Authorizer:          limiter,
		Logger:              logger,
		TickInterval:        cfg.Queues.TickInterval,
		AutoDestroyInterval: cfg.Queues.AutoDestroyInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := qm.Start(ctx); err != nil {
		slog.Error("Failed to start queue manager", "error", err)
		os.Exit(1)
	}
	if err := declareQueues(ctx, qm, cfg.Queues.Declared); err != nil {
		slog.Error("Failed to declare queues", "error", err)
		os.Exit(1)
	}

	b := broker.New(middleware.NewLogging(qm, logger), broker.Options{
		NodeID:       nodeID,
		SendBuffer:   cfg.Broker.SendBuffer,
		ReadTimeout:  cfg.Server.TCPReadTimeout,
		WriteTimeout: cfg.Server.TCPWriteTimeout,
	}, logger)
	b.AddDisconnectHook(limiter)
	if metrics != nil {
		b.AddDisconnectHook(metrics)
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsCfg,
		Logger:          logger,
		RateLimiter:     limiter,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		MaxFrameSize:    cfg.Broker.MaxFrameSize,
	}, b)

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- fmt.Errorf("tcp server: %w", err)
		}
	}()

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			AllowedOrigins:  cfg.Server.WSOrigins,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxFrameSize:    cfg.Broker.MaxFrameSize,
			RateLimiter:     limiter,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("websocket server: %w", err)
			}
		}()
		slog.Info("WebSocket server started", "addr", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address: cfg.Server.HealthAddr,
			NodeID:  nodeID,
		}, b, qm, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- fmt.Errorf("health server: %w", err)
			}
		}()
		slog.Info("Health check server started", "addr", cfg.Server.HealthAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	if err := qm.Stop(shutdownCtx); err != nil {
		slog.Error("Error stopping queue manager", "error", err)
	}
	limiter.Stop()

	if len(notifiers) > 0 {
		if err := notifiers.Close(); err != nil {
			slog.Error("Error closing event notifiers", "error", err)
		}
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Error shutting down OpenTelemetry", "error", err)
		}
	}

	slog.Info("Broker stopped")
}

// declareQueues creates the configured queues. Queues restored from storage
// keep their stored settings.
func declareQueues(ctx context.Context, qm *queue.Manager, declared []config.QueueDeclaration) error {
	for _, d := range declared {
		qc, err := d.QueueOptions.Apply(qm.Defaults(d.Name))
		if err != nil {
			return fmt.Errorf("queue %s: %w", d.Name, err)
		}
		if _, err := qm.CreateQueue(ctx, qc); err != nil {
			if errors.Is(err, queue.ErrQueueAlreadyExists) {
				continue
			}
			return fmt.Errorf("queue %s: %w", d.Name, err)
		}
		slog.Info("Declared queue", "queue", d.Name, "status", qc.Status)
	}
	return nil
}
