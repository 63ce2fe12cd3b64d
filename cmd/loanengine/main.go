package main

import (
	"community_lending/internal/api"
	"community_lending/internal/config"
	"community_lending/internal/processor"
	"community_lending/internal/repository"
	"community_lending/internal/repository/memory"
	"community_lending/internal/repository/sqlstore"
	"community_lending/internal/service"
	"community_lending/pkg/crypto"
	"community_lending/pkg/metrics"
	"community_lending/pkg/validator"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const (
	appName = "community_lending"
)

var _ processor.Recorder = (*metrics.MetricsCollector)(nil)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("store", string(cfg.StoreDriver)))

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("Failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metricsCollector := metrics.NewMetricsCollector(logger)
	feed := service.NewMemoryFeed(cfg.FeedSize)
	dispatcher := service.NewMessageDispatcher(
		cfg.MessageWorkers,
		cfg.MessageQueueSize,
		logger,
		feed,
		service.NewLogDeliverer(logger),
	)

	loanProcessor := processor.NewLoanProcessor(store, cfg.Policy(), logger,
		processor.WithMessageSink(dispatcher),
		processor.WithRecorder(metricsCollector),
	)

	var signer *crypto.Signer
	if cfg.SigningSecret != "" {
		signer = crypto.NewSigner(cfg.SigningSecret, cfg.SignatureMaxSkew, logger)
	} else {
		logger.Warn("Payment signature verification disabled")
	}

	apiHandler := api.NewAPIHandler(
		loanProcessor,
		feed,
		metricsCollector,
		signer,
		validator.NewPaymentValidator(cfg.MaxPaymentAmount),
		logger,
	)

	metricsServer := metricsCollector.StartMetricsServer(cfg.MetricsAddr)
	httpServer := startHTTPServer(cfg.HTTPAddr, apiHandler, logger)
	waitForShutdown(logger, cfg.ShutdownTimeout, httpServer, metricsServer, metricsCollector, dispatcher, closeStore)
	logger.Info("Application shutdown complete")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func openStore(cfg config.Config) (repository.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		store, err := sqlstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, store.Close, nil
	case config.StorePostgres:
		store, err := sqlstore.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, store.Close, nil
	default:
		return memory.NewStore(), func() error { return nil }, nil
	}
}

func startHTTPServer(addr string, apiHandler *api.APIHandler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	apiHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name": "%s", "status": "ok"}`, appName)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	timeout time.Duration,
	httpServer *http.Server,
	metricsServer *http.Server,
	metricsCollector *metrics.MetricsCollector,
	dispatcher *service.MessageDispatcher,
	closeStore func() error,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	// Stop accepting messages only after in-flight requests have published.
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Error("Message dispatcher shutdown failed", slog.String("error", err.Error()))
	}

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := metricsCollector.Shutdown(ctx); err != nil {
		logger.Error("Metrics collector shutdown failed", slog.String("error", err.Error()))
	}

	if err := closeStore(); err != nil {
		logger.Error("Store close failed", slog.String("error", err.Error()))
	}
}
