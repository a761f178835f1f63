// Command graphcore is the composition root: it wires every collaborator
// described in spec.md's module map — durable queue, graph store, LLM and
// embedding adapters, extraction/resolution engines, ingestion worker(s),
// event dispatcher, WebSocket broadcaster, relevance feedback collector,
// cross-store sync orchestrator, and the thin HTTP ingress — into one
// running process.
//
// Grounded on cmd/monolith/main.go's shape (flag/env config load, one
// *zap.Logger built once and threaded everywhere, gorilla/mux + CORS +
// graceful-shutdown http.Server) and internal/kernel/kernel.go's redis.New
// client construction, generalized from the teacher's single-tenant
// reflective-memory kernel to this module's ingestion-core process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/broadcast"
	"github.com/reflective-memory-kernel/internal/config"
	"github.com/reflective-memory-kernel/internal/dispatch"
	"github.com/reflective-memory-kernel/internal/embedding"
	"github.com/reflective-memory-kernel/internal/extraction"
	"github.com/reflective-memory-kernel/internal/feedback"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/httpapi"
	"github.com/reflective-memory-kernel/internal/llm"
	"github.com/reflective-memory-kernel/internal/queue"
	"github.com/reflective-memory-kernel/internal/queueproxy"
	"github.com/reflective-memory-kernel/internal/resolution"
	syncorch "github.com/reflective-memory-kernel/internal/sync"
	"github.com/reflective-memory-kernel/internal/worker"
)

func main() {
	newLogger := zap.NewProduction
	if os.Getenv("DEBUG") == "true" {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg)})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}

	broker := queue.NewBroker(redisClient, logger)

	store, err := newStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("graph store init failed", zap.Error(err))
	}
	defer store.Close()

	llmClient := llm.New(llm.Config{
		ProviderURL: cfg.LLMProviderURL,
		APIKey:      cfg.LLMAPIKey,
		LargeModel:  cfg.LLMModel,
		SmallModel:  cfg.LLMSmallModel,
		MaxRetries:  3,
		Timeout:     30 * time.Second,
	}, logger)

	embedder := embedding.New(embedding.Config{
		ProviderURL: cfg.EmbedProviderURL,
		Model:       cfg.EmbedModel,
		Dimension:   cfg.EmbedDimension,
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		Timeout:     10 * time.Second,
	}, logger)

	extractionEngine := extraction.New(llmClient, embedder, store, logger)

	resolutionEngine, err := resolution.New(store, llmClient, resolution.Thresholds{
		SimHigh:   cfg.SimHigh,
		NameExact: cfg.NameExact,
		EdgeSim:   cfg.EdgeSim,
	}, cfg.EnableCrossGraphDeduplication, logger)
	if err != nil {
		logger.Fatal("resolution engine init failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	dispatchMetrics := dispatch.NewMetrics(reg)
	dispatcher := dispatch.New(dispatch.Config{
		WebhookURL:        cfg.WebhookURL,
		WebhookTimeout:    5 * time.Second,
		MaxConcurrent:     32,
		WebhookMaxRetries: 2,
	}, dispatchMetrics, logger)

	broadcaster := broadcast.New(logger)
	broadcaster.RegisterWithDispatcher(dispatcher)

	feedbackCollector := feedback.New(store, feedback.DefaultAlpha, logger)
	defer feedbackCollector.Stop()

	proxy := queueproxy.New(broker, cfg.UseQueueForIngestion, logger)

	workerID := os.Getenv("HOSTNAME")
	if workerID == "" {
		workerID = "graphcore-0"
	}
	workerCfg := worker.DefaultConfig(workerID)
	workerCfg.Peers = []string{workerID}
	workerCfg.BatchSize = cfg.BatchSize
	workerCfg.VisibilityTimeout = cfg.VisibilityTimeout
	workerCfg.ProcessingDeadline = cfg.Deadline

	w := worker.New(workerCfg, broker, store, extractionEngine, resolutionEngine, dispatcher, redisClient, logger)
	go w.Run(ctx)

	if secondaryURI := os.Getenv("SECONDARY_GRAPH_URI"); secondaryURI != "" && (cfg.SyncFullOnStartup || cfg.SyncEnableContinuous) {
		secondaryCfg := graph.DefaultDgraphConfig()
		secondaryCfg.Address = secondaryURI
		secondary, err := graph.NewDgraphStore(ctx, secondaryCfg, logger)
		if err != nil {
			logger.Error("secondary graph store init failed, C12 disabled", zap.Error(err))
		} else {
			defer secondary.Close()
			syncCfg := syncorch.DefaultConfig()
			syncCfg.GroupIDs = []string{cfg.GroupIDDefault}
			syncCfg.IntervalSeconds = cfg.SyncIntervalSeconds
			orchestrator := syncorch.New(syncCfg, store, secondary, func(p syncorch.Progress) {
				logger.Info("sync progress", zap.String("group_id", p.GroupID), zap.String("phase", string(p.Phase)),
					zap.Int("migrated", p.Migrated), zap.Int("total", p.Total), zap.Int("failed", p.Failed))
			}, logger)

			if cfg.SyncFullOnStartup {
				if err := orchestrator.SyncFull(ctx); err != nil {
					logger.Error("initial full sync failed", zap.Error(err))
				}
			}
			if cfg.SyncEnableContinuous {
				go orchestrator.Run(ctx)
			}
		}
	}

	router := mux.NewRouter()
	api := httpapi.New(proxy, store, embedder, dispatcher, feedbackCollector, broadcaster, logger)
	api.Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	loggedRouter := handlers.LoggingHandler(os.Stdout, router)

	addr := ":8090"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      loggedRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("graphcore listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down graphcore")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func redisAddr(cfg config.Config) string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newStore(ctx context.Context, cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (graph.Store, error) {
	if os.Getenv("GRAPH_BACKEND") == "redis" {
		return graph.NewRedisGraphStore(redisClient, logger), nil
	}
	dgCfg := graph.DefaultDgraphConfig()
	if cfg.GraphURI != "" {
		dgCfg.Address = cfg.GraphURI
	}
	return graph.NewDgraphStore(ctx, dgCfg, logger)
}
