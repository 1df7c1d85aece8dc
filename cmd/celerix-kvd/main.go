package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-kv/internal/api"
	"github.com/celerix-dev/celerix-kv/internal/config"
	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/internal/logging"
	"github.com/celerix-dev/celerix-kv/internal/server"
	"github.com/celerix-dev/celerix-kv/internal/vault"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

func main() {
	configPath := flag.String("config", os.Getenv("CELERIX_CONFIG"), "YAML config file")
	flag.Parse()

	// 1. Resolve configuration: defaults, file, environment
	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	logger.Info("starting celerix-kv daemon", zap.String("data_dir", cfg.DataDir))

	// 2. Open the log store and the service over it
	log, err := engine.NewLogStore(cfg.DataDir, engine.WithFsync(cfg.Fsync), engine.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to open data dir", zap.Error(err))
	}
	svc := kv.New(log, logger)
	svc.RestrictACLWrites(cfg.RootOnlyACL)

	// 3. Initialize the TCP Router
	router := server.NewRouter(svc)
	router.SetLogger(logger)
	router.TrustPrincipal(cfg.TrustPrincipalHeader)
	router.SetMaxConnections(cfg.MaxConnections)

	// 4. Setup TLS
	if !cfg.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			logger.Fatal("failed to generate TLS certificate", zap.Error(err))
		}
		router.SetCertificate(cert)
		logger.Info("TLS encryption enabled")
	} else {
		logger.Warn("TLS encryption disabled")
	}

	// 5. Initialize the HTTP API
	gin.SetMode(gin.ReleaseMode)
	h := &api.Handler{Service: svc, TrustPrincipalHeader: cfg.TrustPrincipalHeader, Logger: logger}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewEngine(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Start servers
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := router.Listen(cfg.Port); err != nil {
			errCh <- fmt.Errorf("tcp server: %w", err)
		}
	}()

	// 7. Handle Graceful Shutdown. Appends are synchronous, so nothing is
	// buffered once in-flight requests finish.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	router.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
