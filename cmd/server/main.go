// Package main provides the entry point for the retrieval engine's HTTP
// service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/atabot/ragengine/internal/cache"
	"github.com/atabot/ragengine/internal/chat"
	"github.com/atabot/ragengine/internal/config"
	dbgorm "github.com/atabot/ragengine/internal/db/gorm"
	"github.com/atabot/ragengine/internal/embedding"
	"github.com/atabot/ragengine/internal/httpapi"
	"github.com/atabot/ragengine/internal/llm"
	"github.com/atabot/ragengine/internal/ratelimit"
	"github.com/atabot/ragengine/internal/search"
	"github.com/atabot/ragengine/internal/syncpipeline"
	"github.com/atabot/ragengine/internal/vector/pgvector"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()
	log.Info().Str("version", Version).Msg("starting ragengine")

	store, err := dbgorm.NewStore(dbgorm.Config{
		DSN:           cfg.DatabaseURL,
		MaxConns:      cfg.MaxConns,
		LogLevel:      logger.Warn,
		EmbeddingDims: cfg.EmbeddingDimensions,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	vectorClient, err := pgvector.New(store.GetDB(), cfg.EmbeddingModel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build vector store client")
	}

	cacheStore := cache.New(store.GetDB(), cache.Config{
		MaxSize:         cfg.CacheMaxSize,
		CleanupTTLDays:  cfg.CacheTTLDays,
		AccessThreshold: cfg.CacheAccessThreshold,
	})
	if cfg.EnableCache {
		if err := cacheStore.Preload(context.Background(), cfg.CachePreloadSize); err != nil {
			log.Warn().Err(err).Msg("cache: preload failed, starting with an empty in-memory tier")
		}
		cleanupDone := startCacheCleanupLoop(cacheStore, time.Duration(cfg.CacheCleanupIntervalHours)*time.Hour)
		defer close(cleanupDone)
	}

	optimizeDone := startOptimizeLoop(store, 24*time.Hour)
	defer close(optimizeDone)

	embedProvider, err := embedding.NewOpenAIProvider(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build embedding provider")
	}

	limiter := ratelimit.New(cfg.RateLimitMaxRequests, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)
	queue := embedding.New(embedProvider, limiter, cacheStore, cfg.EmbeddingBatchSize)
	defer queue.Close()

	registry := syncpipeline.NewGormRegistry(store.GetDB())
	pipeline := syncpipeline.New(store.GetRawDB(), vectorClient, queue, registry, syncpipeline.Options{
		Dims:       cfg.EmbeddingDimensions,
		PageSize:   cfg.SyncBatchSize,
		MaxWorkers: cfg.SyncMaxWorkers,
	})

	searchManager := search.NewManager(vectorClient, queue, cfg.EnableHybridSearch)

	var llmProvider llm.Provider
	if cfg.LLMAPIKey != "" {
		llmProvider, err = llm.NewOpenAIProvider(llm.Config{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			Model:          cfg.LLMModel,
			MaxTokens:      cfg.LLMMaxTokens,
			Temperature:    cfg.LLMTemperature,
			TimeoutSeconds: cfg.LLMTimeoutSeconds,
		})
		if err != nil {
			log.Warn().Err(err).Msg("LLM provider unavailable, chat falls back to rule-based/templated answers")
		}
	} else {
		log.Warn().Msg("LLM_API_KEY not set, chat falls back to rule-based/templated answers")
	}

	orchestrator := chat.New(searchManager, llmProvider, registry, registry, nil, store.GetRawDB(), cfg.EnableQueryDecomposition)

	svc := httpapi.NewService(httpapi.Deps{
		Store:          store,
		Registry:       registry,
		Pipeline:       pipeline,
		Search:         searchManager,
		Orchestrator:   orchestrator,
		Stale:            vectorClient,
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		StreamingEnabled: cfg.EnableStreaming,
		RealtimeEnabled:  cfg.EnableRealtimeSync,
		Version:          Version,
	})

	if err := svc.Start(fmt.Sprintf(":%d", cfg.WorkerPort)); err != nil {
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	if err := cacheStore.Close(ctx); err != nil {
		log.Error().Err(err).Msg("cache: final flush on shutdown failed")
	}

	log.Info().Msg("shutdown complete")
}

// startOptimizeLoop runs ANALYZE on a fixed interval to keep query
// planner statistics fresh, until the returned channel is closed.
func startOptimizeLoop(store *dbgorm.Store, interval time.Duration) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := store.Optimize(context.Background()); err != nil {
					log.Error().Err(err).Msg("periodic database optimization failed")
				}
			}
		}
	}()
	return done
}

// startCacheCleanupLoop purges persistent cache rows older than the TTL
// with a low access count, on a fixed interval until the returned channel
// is closed.
func startCacheCleanupLoop(cacheStore *cache.Store, interval time.Duration) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := cacheStore.Cleanup(context.Background()); err != nil {
					log.Error().Err(err).Msg("cache: periodic cleanup failed")
				}
			}
		}
	}()
	return done
}
