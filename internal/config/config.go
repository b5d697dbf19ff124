package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"threatnet-coordinator/internal/util"
)

// Config holds the full coordinator configuration, loaded from the
// environment with spec defaults.
type Config struct {
	Environment string

	Server     ServerConfig
	Store      StoreConfig
	Trust      TrustConfig
	Consensus  ConsensusConfig
	Fabric     FabricConfig
	Scheduler  SchedulerConfig
	Kafka      KafkaConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Elastic    ElasticConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

type StoreConfig struct {
	// Path is the single SQLite database file holding all tables.
	Path string
}

type TrustConfig struct {
	InitialTrust  float64
	MinTrust      float64
	MaxTrust      float64
	DecayRate     float64
	DecayInterval time.Duration

	// Scoring weights: accuracy, contribution, responsiveness, consistency.
	WeightAccuracy       float64
	WeightContribution   float64
	WeightResponsiveness float64
	WeightConsistency    float64

	LearningRate      float64
	ContributionNorm  float64
	ResponsivenessTau time.Duration
	ConsistencyWindow int
}

type ConsensusConfig struct {
	Threshold           int
	TrustAverage        float64
	CriticalTrustBypass float64
	IOCTTL              time.Duration
}

type FabricConfig struct {
	HeartbeatInterval time.Duration
	OutboundQueueSize int
	HandlerTimeout    time.Duration
	SnapshotLimit     int
}

type SchedulerConfig struct {
	DecayInterval  time.Duration
	SweepInterval  time.Duration
	ReaperInterval time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickHouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	URL string
}

type ElasticConfig struct {
	URL   string
	Index string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file is honored
// when present so local runs match the container setup.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         util.GetEnvInt("SERVER_PORT", 8443),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", ""),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "data/certs"),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
		},
		Store: StoreConfig{
			Path: util.GetEnv("STORE_PATH", "data/threatnet.db"),
		},
		Trust: TrustConfig{
			InitialTrust:         util.GetEnvFloat("TRUST_INITIAL", 0.5),
			MinTrust:             util.GetEnvFloat("TRUST_MIN", 0.1),
			MaxTrust:             util.GetEnvFloat("TRUST_MAX", 1.0),
			DecayRate:            util.GetEnvFloat("TRUST_DECAY_RATE", 0.95),
			DecayInterval:        util.GetEnvDuration("TRUST_DECAY_INTERVAL", time.Hour),
			WeightAccuracy:       util.GetEnvFloat("TRUST_WEIGHT_ACCURACY", 0.40),
			WeightContribution:   util.GetEnvFloat("TRUST_WEIGHT_CONTRIBUTION", 0.20),
			WeightResponsiveness: util.GetEnvFloat("TRUST_WEIGHT_RESPONSIVENESS", 0.20),
			WeightConsistency:    util.GetEnvFloat("TRUST_WEIGHT_CONSISTENCY", 0.20),
			LearningRate:         util.GetEnvFloat("TRUST_LEARNING_RATE", 0.25),
			ContributionNorm:     util.GetEnvFloat("TRUST_CONTRIBUTION_NORM", 50),
			ResponsivenessTau:    util.GetEnvDuration("TRUST_RESPONSIVENESS_TAU", 60*time.Second),
			ConsistencyWindow:    util.GetEnvInt("TRUST_CONSISTENCY_WINDOW", 20),
		},
		Consensus: ConsensusConfig{
			Threshold:           util.GetEnvInt("CONSENSUS_THRESHOLD", 2),
			TrustAverage:        util.GetEnvFloat("CONSENSUS_TRUST_AVG", 0.6),
			CriticalTrustBypass: util.GetEnvFloat("CONSENSUS_CRITICAL_TRUST_BYPASS", 0.8),
			IOCTTL:              util.GetEnvDuration("IOC_TTL", 30*24*time.Hour),
		},
		Fabric: FabricConfig{
			HeartbeatInterval: util.GetEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
			OutboundQueueSize: util.GetEnvInt("OUTBOUND_QUEUE_SIZE", 1024),
			HandlerTimeout:    util.GetEnvDuration("HANDLER_TIMEOUT", 5*time.Second),
			SnapshotLimit:     util.GetEnvInt("SNAPSHOT_LIMIT", 1000),
		},
		Scheduler: SchedulerConfig{
			DecayInterval:  util.GetEnvDuration("DECAY_SWEEP_INTERVAL", time.Hour),
			SweepInterval:  util.GetEnvDuration("EXPIRE_SWEEP_INTERVAL", 6*time.Hour),
			ReaperInterval: util.GetEnvDuration("REAPER_INTERVAL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: util.GetEnvSlice("KAFKA_BROKERS", nil),
			Topic:   util.GetEnv("KAFKA_INTEL_TOPIC", "threatnet.intel.verified"),
		},
		ClickHouse: ClickHouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "threatnet"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL: util.GetEnv("REDIS_URL", ""),
		},
		Elastic: ElasticConfig{
			URL:   util.GetEnv("ELASTICSEARCH_URL", ""),
			Index: util.GetEnv("ELASTICSEARCH_IOC_INDEX", "threatnet-iocs"),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg
}

// Validate rejects configurations that would break component invariants.
func (c *Config) Validate() error {
	t := c.Trust
	if t.MinTrust < 0 || t.MaxTrust > 1 || t.MinTrust >= t.MaxTrust {
		return fmt.Errorf("trust bounds out of range: min=%.2f max=%.2f", t.MinTrust, t.MaxTrust)
	}
	if t.InitialTrust < t.MinTrust || t.InitialTrust > t.MaxTrust {
		return fmt.Errorf("initial trust %.2f outside [%.2f, %.2f]", t.InitialTrust, t.MinTrust, t.MaxTrust)
	}
	if t.DecayRate <= 0 || t.DecayRate > 1 {
		return fmt.Errorf("decay rate must be in (0, 1], got %.2f", t.DecayRate)
	}
	if t.LearningRate <= 0 || t.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0, 1], got %.2f", t.LearningRate)
	}
	if c.Consensus.Threshold < 1 {
		return fmt.Errorf("consensus threshold must be >= 1, got %d", c.Consensus.Threshold)
	}
	if c.Fabric.OutboundQueueSize < 1 {
		return fmt.Errorf("outbound queue size must be >= 1, got %d", c.Fabric.OutboundQueueSize)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	return nil
}

// IsProduction reports whether the coordinator runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServerAddress returns the host:port the HTTP server binds to.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
