package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete FraudOps configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine settings
	Scoring ScoringConfig `json:"scoring"`
	Policy  PolicyConfig  `json:"policy"`
	Cases   CasesConfig   `json:"cases"`
	Monitor MonitorConfig `json:"monitor"`
	Retry   RetryConfig   `json:"retry"`

	// AsyncWorker consumes the feature and score topics
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// ScoringConfig holds ensemble and calibration parameters.
type ScoringConfig struct {
	Weights            map[string]float64 `json:"weights"`
	RequiredComponents []string           `json:"requiredComponents"`
	CalibrationA       float64            `json:"calibrationA"`
	CalibrationB       float64            `json:"calibrationB"`
	ModelVersion       string             `json:"modelVersion"`
	TopK               int                `json:"topK"`
	ConflictVariance   float64            `json:"conflictVariance"`

	// RulesFile is an optional YAML rule set replacing the builtin rules.
	RulesFile string `json:"rulesFile"`
}

// PolicyConfig controls how the active policy is sourced.
type PolicyConfig struct {
	SeedFile       string        `json:"seedFile"`
	StaleTolerance time.Duration `json:"staleTolerance"`
}

// CasesConfig holds priority thresholds and SLA durations.
type CasesConfig struct {
	CriticalThreshold float64                    `json:"criticalThreshold"`
	HighThreshold     float64                    `json:"highThreshold"`
	MediumThreshold   float64                    `json:"mediumThreshold"`
	SLA               map[Priority]time.Duration `json:"sla"`
	WarningWindow     time.Duration              `json:"warningWindow"`
}

// MonitorConfig holds drift and calibration monitor settings.
type MonitorConfig struct {
	WindowSize        int           `json:"windowSize"`
	ReferenceSize     int           `json:"referenceSize"`
	Buckets           int           `json:"buckets"`
	RecomputeInterval time.Duration `json:"recomputeInterval"`
	PSIThreshold      float64       `json:"psiThreshold"`
	BrierThreshold    float64       `json:"brierThreshold"`
}

// RetryConfig bounds retries of storage calls at the pipeline boundary.
type RetryConfig struct {
	Attempts    int           `json:"attempts"`
	BaseBackoff time.Duration `json:"baseBackoff"`
	CallTimeout time.Duration `json:"callTimeout"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS or Kafka
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraudops.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Weights:            map[string]float64{"xgb": 0.5, "nn": 0.3, "rules": 0.2},
			RequiredComponents: []string{"xgb"},
			CalibrationA:       10,
			CalibrationB:       -5.225,
			ModelVersion:       "ensemble-platt-v1",
			TopK:               5,
			ConflictVariance:   0.1,
		},
		Policy: PolicyConfig{
			StaleTolerance: 24 * time.Hour,
		},
		Cases: CasesConfig{
			CriticalThreshold: 0.90,
			HighThreshold:     0.80,
			MediumThreshold:   0.70,
			SLA: map[Priority]time.Duration{
				PriorityCritical: 2 * time.Hour,
				PriorityHigh:     8 * time.Hour,
				PriorityMedium:   24 * time.Hour,
				PriorityLow:      72 * time.Hour,
			},
			WarningWindow: 2 * time.Hour,
		},
		Monitor: MonitorConfig{
			WindowSize:        5000,
			ReferenceSize:     5000,
			Buckets:           10,
			RecomputeInterval: time.Minute,
			PSIThreshold:      0.2,
			BrierThreshold:    0.25,
		},
		Retry: RetryConfig{
			Attempts:    3,
			BaseBackoff: 50 * time.Millisecond,
			CallTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudops",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudops",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "fraudops-decision",
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaGroupID:      "fraudops-decision",
		KafkaWriteTimeout: 10 * time.Second,
		KafkaMinBytes:     1,
		KafkaMaxBytes:     10e6,
	}
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier from FRAUDOPS_TIER and applies FRAUDOPS_*
// environment overrides on top of it.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if os.Getenv("FRAUDOPS_TIER") == string(TierPro) {
		cfg = ProConfig()
	}

	cfg.Server.Host = envString("FRAUDOPS_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("FRAUDOPS_PORT", cfg.Server.Port)

	cfg.Repository.Driver = envString("FRAUDOPS_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = envString("FRAUDOPS_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = envString("FRAUDOPS_PG_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = envInt("FRAUDOPS_PG_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = envString("FRAUDOPS_PG_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = envString("FRAUDOPS_PG_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = envString("FRAUDOPS_PG_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = envString("FRAUDOPS_PG_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.Type = envString("FRAUDOPS_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = envString("FRAUDOPS_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = envString("FRAUDOPS_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.Type = envString("FRAUDOPS_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = envString("FRAUDOPS_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = envString("FRAUDOPS_NATS_TOKEN", cfg.EventBus.NATSToken)
	if brokers := os.Getenv("FRAUDOPS_KAFKA_BROKERS"); brokers != "" {
		cfg.EventBus.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.EventBus.KafkaGroupID = envString("FRAUDOPS_KAFKA_GROUP", cfg.EventBus.KafkaGroupID)

	cfg.Scoring.Weights = envWeights("FRAUDOPS_WEIGHTS", cfg.Scoring.Weights)
	cfg.Scoring.CalibrationA = envFloat("FRAUDOPS_CALIBRATION_A", cfg.Scoring.CalibrationA)
	cfg.Scoring.CalibrationB = envFloat("FRAUDOPS_CALIBRATION_B", cfg.Scoring.CalibrationB)
	cfg.Scoring.ModelVersion = envString("FRAUDOPS_MODEL_VERSION", cfg.Scoring.ModelVersion)

	cfg.Policy.SeedFile = envString("FRAUDOPS_POLICY_FILE", cfg.Policy.SeedFile)
	cfg.Scoring.RulesFile = envString("FRAUDOPS_RULES_FILE", cfg.Scoring.RulesFile)
	cfg.Policy.StaleTolerance = envDuration("FRAUDOPS_STALE_TOLERANCE", cfg.Policy.StaleTolerance)

	cfg.Monitor.RecomputeInterval = envDuration("FRAUDOPS_MONITOR_INTERVAL", cfg.Monitor.RecomputeInterval)
	cfg.Monitor.WindowSize = envInt("FRAUDOPS_MONITOR_WINDOW", cfg.Monitor.WindowSize)

	cfg.Retry.Attempts = envInt("FRAUDOPS_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	cfg.Retry.CallTimeout = envDuration("FRAUDOPS_CALL_TIMEOUT", cfg.Retry.CallTimeout)

	if os.Getenv("FRAUDOPS_ASYNC_WORKER") == "true" {
		cfg.AsyncWorker = true
	}
	if os.Getenv("FRAUDOPS_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

// envWeights parses "name=weight" pairs separated by commas. A malformed
// value keeps the default.
func envWeights(key string, def map[string]float64) map[string]float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(v, ",") {
		name, w, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return def
		}
		f, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return def
		}
		out[name] = f
	}
	return out
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
