package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/api"
	"github.com/dupless/dupless/internal/blob"
	"github.com/dupless/dupless/internal/config"
	"github.com/dupless/dupless/internal/database"
	"github.com/dupless/dupless/internal/engine"
	"github.com/dupless/dupless/internal/index"
	"github.com/dupless/dupless/internal/reclaim"
	"github.com/dupless/dupless/internal/stats"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.API.Key == "" {
		logger.Fatal("API key must be set via DUPLESS_API_KEY or the config file")
	}

	maxBytes, err := cfg.MaxCapacityBytes()
	if err != nil {
		logger.Fatal("Failed to parse capacity limit", zap.Error(err))
	}

	db, err := database.Open(cfg.Storage.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	fs := afero.NewOsFs()
	store, err := blob.NewStore(fs, db, cfg.Storage.Path, cfg.Storage.Staging, maxBytes, logger)
	if err != nil {
		logger.Fatal("Failed to initialize blob store", zap.Error(err))
	}

	idx := index.New(db, logger)
	agg := stats.New(db, logger)
	reclaimer := reclaim.New(store, cfg.Reclaimer.QueueSize, logger)
	defer reclaimer.Close()

	if err := reclaimer.Sweep(context.Background()); err != nil {
		logger.Warn("Startup sweep failed", zap.Error(err))
	}

	eng := engine.New(store, idx, agg, reclaimer, logger)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go agg.Run(refreshCtx, cfg.Stats.RefreshInterval)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.New(eng, cfg.API.Key, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.API.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.API.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
