// Package config defines the single enumerated configuration struct for the
// ingestion core. The knobs below are read by Load, with defaults;
// cmd/graphcore/main.go reads HOSTNAME, PORT, REDIS_ADDR, GRAPH_BACKEND,
// SECONDARY_GRAPH_URI and DEBUG itself.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is every recognized environment option from spec.md §6.
type Config struct {
	GroupIDDefault string

	QueueURL               string
	UseQueueForIngestion   bool

	LLMProviderURL string
	LLMAPIKey      string
	LLMModel       string
	LLMSmallModel  string

	EmbedProviderURL string
	EmbedModel       string
	EmbedDimension   int

	GraphURI      string
	GraphUser     string
	GraphPassword string
	GraphDatabase string

	SimHigh   float64
	NameExact float64
	EdgeSim   float64

	EnableCrossGraphDeduplication bool

	WorkerParallelism int
	BatchSize         int
	VisibilityTimeout time.Duration

	WebhookURL string

	SyncEnableContinuous  bool
	SyncIntervalSeconds   int
	SyncFullOnStartup     bool

	// Deadline is the per-task wall-clock deadline (§5).
	Deadline time.Duration

	// MaxRetries is the default max_retries for producer-created tasks.
	MaxRetries int
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		GroupIDDefault: "default",

		QueueURL:             "http://localhost:8093",
		UseQueueForIngestion: true,

		LLMProviderURL: "http://localhost:8000",
		LLMModel:       "large",
		LLMSmallModel:  "small",

		EmbedProviderURL: "http://localhost:8000",
		EmbedModel:       "default",
		EmbedDimension:   1024,

		GraphURI:      "localhost:9080",
		GraphDatabase: "default",

		SimHigh:   0.92,
		NameExact: 0.95,
		EdgeSim:   0.95,

		EnableCrossGraphDeduplication: false,

		WorkerParallelism: 4,
		BatchSize:         10,
		VisibilityTimeout: 30 * time.Second,

		SyncIntervalSeconds: 60,
		SyncFullOnStartup:   false,

		Deadline:   5 * time.Minute,
		MaxRetries: 3,
	}
}

// Load builds a Config from environment variables, falling back to Default()
// for anything unset.
func Load() Config {
	cfg := Default()

	str(&cfg.GroupIDDefault, "GROUP_ID_DEFAULT")
	str(&cfg.QueueURL, "QUEUE_URL")
	boolean(&cfg.UseQueueForIngestion, "USE_QUEUE_FOR_INGESTION")

	str(&cfg.LLMProviderURL, "LLM_PROVIDER_URL")
	str(&cfg.LLMAPIKey, "LLM_API_KEY")
	str(&cfg.LLMModel, "LLM_MODEL")
	str(&cfg.LLMSmallModel, "LLM_SMALL_MODEL")

	str(&cfg.EmbedProviderURL, "EMBED_PROVIDER_URL")
	str(&cfg.EmbedModel, "EMBED_MODEL")

	str(&cfg.GraphURI, "GRAPH_URI")
	str(&cfg.GraphUser, "GRAPH_USER")
	str(&cfg.GraphPassword, "GRAPH_PASSWORD")
	str(&cfg.GraphDatabase, "GRAPH_DATABASE")

	f64(&cfg.SimHigh, "SIM_HIGH")
	f64(&cfg.NameExact, "NAME_EXACT")
	f64(&cfg.EdgeSim, "EDGE_SIM")

	boolean(&cfg.EnableCrossGraphDeduplication, "ENABLE_CROSS_GRAPH_DEDUPLICATION")

	integer(&cfg.WorkerParallelism, "WORKER_PARALLELISM")
	integer(&cfg.BatchSize, "BATCH_SIZE")
	duration(&cfg.VisibilityTimeout, "VISIBILITY_TIMEOUT")

	str(&cfg.WebhookURL, "WEBHOOK_URL")

	boolean(&cfg.SyncEnableContinuous, "SYNC_ENABLE_CONTINUOUS")
	integer(&cfg.SyncIntervalSeconds, "SYNC_INTERVAL_SECONDS")
	boolean(&cfg.SyncFullOnStartup, "SYNC_FULL_ON_STARTUP")

	return cfg
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func boolean(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func integer(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func f64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func duration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}
