package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eduardmaghakyan/semcache/internal/config"
	"github.com/eduardmaghakyan/semcache/internal/embedding"
	"github.com/eduardmaghakyan/semcache/internal/metrics"
	"github.com/eduardmaghakyan/semcache/internal/pipeline"
	"github.com/eduardmaghakyan/semcache/internal/qdrant"
	"github.com/eduardmaghakyan/semcache/internal/reqlog"
	"github.com/eduardmaghakyan/semcache/internal/server"
	"github.com/eduardmaghakyan/semcache/internal/store"
	"github.com/eduardmaghakyan/semcache/internal/tokenizer"
	"github.com/eduardmaghakyan/semcache/internal/upstream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	godotenv.Load()

	if os.Getenv("SEMCACHE_PPROF") == "1" {
		go func() {
			logger.Info("pprof enabled on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				logger.Error("pprof server error", "error", err)
			}
		}()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	redisStore, err := store.New(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to create redis store", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	// Adapter construction failures are fatal: the process must not accept
	// traffic without its stores.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	vectorStore, err := qdrant.New(ctx, cfg.QdrantURL, os.Getenv("QDRANT_API_KEY"), cfg.Collection, cfg.Dimension)
	cancel()
	if err != nil {
		logger.Error("failed to create qdrant client", "error", err)
		os.Exit(1)
	}

	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.Dimension)
	provider := upstream.NewClient(cfg.UpstreamURL, cfg.APIKey)

	var requests *reqlog.Logger
	if cfg.LogPath != "" {
		requests, err = reqlog.Open(cfg.LogPath)
		if err != nil {
			logger.Error("failed to open request log", "error", err, "path", cfg.LogPath)
			os.Exit(1)
		}
		defer requests.Close()
	}

	m := metrics.New()
	pipe := pipeline.New(redisStore, vectorStore, embedder, provider, m, logger, pipeline.Config{
		Threshold:  cfg.Threshold,
		DefaultTTL: cfg.DefaultTTL,
		HotTTL:     cfg.HotTTL,
	})

	counter := tokenizer.NewCounter()
	handler := server.NewHandler(pipe, m, redisStore, vectorStore, embedder, counter, requests, logger, cfg.CostModel)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	wrapped := server.Chain(mux,
		server.RequestID,
		server.Logger(logger),
		server.Recovery(logger),
		server.CORS,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           wrapped,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	go func() {
		logger.Info("starting semcache proxy",
			"port", cfg.Port,
			"upstream", cfg.UpstreamURL,
			"collection", cfg.Collection,
			"threshold", cfg.Threshold,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}
