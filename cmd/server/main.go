package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minus-twelve/greenroots"
	"github.com/minus-twelve/greenroots/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := greenroots.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		logger.Error("init logger", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)

	store, err := greenroots.CreateStore(cfg)
	if err != nil {
		logger.Error("create store", zap.String("store_type", cfg.StoreType), zap.Error(err))
		os.Exit(1)
	}

	worker, err := greenroots.New(store, cfg)
	if err != nil {
		_ = store.Close()
		logger.Error("create worker", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Warn("close worker", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An install failure leaves the previous bucket in place and the worker
	// passing requests through to the origin.
	if err := worker.Install(ctx); err != nil {
		logger.Warn("install failed; serving without cache", zap.Error(err))
	} else if err := worker.Activate(ctx); err != nil {
		logger.Warn("activate failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", worker.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("origin", cfg.Worker.Origin))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
