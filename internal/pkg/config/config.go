package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Batch queue
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"10"`
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
	EnableBatching bool          `env:"ENABLE_BATCHING" envDefault:"true"`

	// Retry executor
	MaxRetries             int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay         time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryBackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
	RetryableCodes         []string      `env:"RETRYABLE_CODES" envSeparator:"," envDefault:"ECONNRESET,ECONNREFUSED,ETIMEDOUT,ENOTFOUND,EAI_AGAIN"`

	// Rate limiter
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
	RateLimitMaxRequests   int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"1000"`
	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"5m"`

	// Only enable when the edge proxy strips or overwrites X-User-ID.
	RateLimitTrustUserHeader bool `env:"RATE_LIMIT_TRUST_USER_HEADER" envDefault:"false"`

	// Retention
	RetentionChunkSize          int           `env:"RETENTION_CHUNK_SIZE" envDefault:"1000"`
	RetentionPauseBetweenChunks time.Duration `env:"RETENTION_PAUSE_BETWEEN_CHUNKS" envDefault:"100ms"`
	RetentionSchedule           string        `env:"RETENTION_SCHEDULE" envDefault:"0 2 * * *"`
	RetentionEventsDays         int           `env:"RETENTION_EVENTS_DAYS" envDefault:"90"`
	RetentionSessionsDays       int           `env:"RETENTION_SESSIONS_DAYS" envDefault:"30"`
	RetentionAuditDays          int           `env:"RETENTION_AUDIT_DAYS" envDefault:"365"`

	// Health monitor
	HealthInterval         time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
	QueueWarnThreshold     int           `env:"HEALTH_QUEUE_WARN" envDefault:"100"`
	QueueCriticalThreshold int           `env:"HEALTH_QUEUE_CRITICAL" envDefault:"500"`
	MemoryWarnMB           int           `env:"HEALTH_MEMORY_WARN_MB" envDefault:"512"`
	MemoryCriticalMB       int           `env:"HEALTH_MEMORY_CRITICAL_MB" envDefault:"1024"`

	// Sink and storage
	SinkBackend         string        `env:"SINK_BACKEND" envDefault:"postgres"`
	SinkMaxWritesPerSec int           `env:"SINK_MAX_WRITES_PER_SEC" envDefault:"0"`
	PostgresURL         string        `env:"POSTGRES_URL,required,notEmpty"`
	RedisAddr           string        `env:"REDIS_ADDR"`
	RedisStream         string        `env:"REDIS_EVENT_STREAM" envDefault:"analytics_events"`
	DeadLetterStream    string        `env:"DEAD_LETTER_STREAM" envDefault:"analytics_dead_letters"`
	DeadLetterMaxLen    int64         `env:"DEAD_LETTER_MAX_LEN" envDefault:"10000"`
	AdminKeyCacheTTL    time.Duration `env:"ADMIN_KEY_CACHE_TTL" envDefault:"5m"`

	// HTTP
	MaxEventSize       int64  `env:"MAX_EVENT_SIZE_BYTES" envDefault:"65536"` // 64KB
	PIIRedactionFields string `env:"PII_REDACTION_FIELDS" envDefault:"email,phone,password,credit_card"`
	IngestServerAddr   string `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr    string `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks option ranges that env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries))
	}
	if c.RetryBackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF_MULTIPLIER must be >= 1, got %v", c.RetryBackoffMultiplier))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay))
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMaxRequests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW and RATE_LIMIT_MAX_REQUESTS must be positive"))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be positive, got %s", c.RateLimitSweepInterval))
	}
	if c.RetentionChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION_CHUNK_SIZE must be positive, got %d", c.RetentionChunkSize))
	}
	if c.RetentionPauseBetweenChunks < 0 {
		errs = append(errs, fmt.Errorf("RETENTION_PAUSE_BETWEEN_CHUNKS must not be negative, got %s", c.RetentionPauseBetweenChunks))
	}
	if c.RetentionEventsDays < 0 || c.RetentionSessionsDays < 0 || c.RetentionAuditDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEALTH_INTERVAL must be positive, got %s", c.HealthInterval))
	}
	if c.QueueWarnThreshold >= c.QueueCriticalThreshold {
		errs = append(errs, errors.New("HEALTH_QUEUE_WARN must be below HEALTH_QUEUE_CRITICAL"))
	}
	if c.MemoryWarnMB >= c.MemoryCriticalMB {
		errs = append(errs, errors.New("HEALTH_MEMORY_WARN_MB must be below HEALTH_MEMORY_CRITICAL_MB"))
	}
	switch c.SinkBackend {
	case "postgres":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("SINK_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SINK_BACKEND %q", c.SinkBackend))
	}
	return errors.Join(errs...)
}
