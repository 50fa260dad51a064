package eventstore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration read from the environment.
type Config struct {
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"catalog.db"`
	LogMode  string `env:"LOG_MODE" envDefault:"production"`

	// FieldEncryptionKey is the hex encoded 32 byte key used for encrypted
	// snapshot fields. Empty disables field encryption.
	FieldEncryptionKey string `env:"FIELD_ENCRYPTION_KEY"`

	BatchSizeThreshold int           `env:"BATCH_SIZE_THRESHOLD" envDefault:"32"`
	FlushInterval      time.Duration `env:"FLUSH_INTERVAL" envDefault:"10ms"`
	MaxQueueDepth      int           `env:"MAX_QUEUE_DEPTH" envDefault:"1024"`
	BlockOnFullQueue   bool          `env:"BLOCK_ON_FULL_QUEUE" envDefault:"true"`

	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollBatchSize int           `env:"POLL_BATCH_SIZE" envDefault:"50"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"5"`

	Relay RelayConfig `envPrefix:"RELAY_"`
	Kafka KafkaConfig `envPrefix:"KAFKA_"`
}

// RelayConfig tunes the outbox relay workers.
type RelayConfig struct {
	Enabled          bool          `env:"ENABLED" envDefault:"true"`
	Interval         time.Duration `env:"INTERVAL" envDefault:"2s"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	DeadLetterMaxAge time.Duration `env:"DEADLETTER_MAX_AGE" envDefault:"168h"`
}

// KafkaConfig selects and configures the outbox publisher. An empty broker list
// keeps the relay on the no-op publisher.
type KafkaConfig struct {
	Client       string        `env:"CLIENT" envDefault:"confluent"`
	Brokers      []string      `env:"BROKERS" envSeparator:","`
	Topic        string        `env:"TOPIC" envDefault:"catalog.events"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"10ms"`
}

// LoadConfig parses the configuration from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values env tags cannot express.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.BatchSizeThreshold <= 0 {
		return fmt.Errorf("BATCH_SIZE_THRESHOLD must be positive, got %d", c.BatchSizeThreshold)
	}
	if c.MaxQueueDepth < c.BatchSizeThreshold {
		return fmt.Errorf("MAX_QUEUE_DEPTH (%d) must not be below BATCH_SIZE_THRESHOLD (%d)", c.MaxQueueDepth, c.BatchSizeThreshold)
	}
	if c.PollBatchSize <= 0 {
		return fmt.Errorf("POLL_BATCH_SIZE must be positive, got %d", c.PollBatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	return nil
}

// EncryptionKey decodes FieldEncryptionKey. It returns nil when no key is set.
func (c Config) EncryptionKey() ([]byte, error) {
	if c.FieldEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.FieldEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode FIELD_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("FIELD_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
