package eventstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 32, cfg.BatchSizeThreshold)
	assert.Equal(t, 10*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.BlockOnFullQueue)
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_DSN", "user:pass@tcp(localhost:3306)/catalog")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("BLOCK_ON_FULL_QUEUE", "false")
	t.Setenv("RELAY_BATCH_SIZE", "10")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("FIELD_ENCRYPTION_KEY", strings.Repeat("ab", 32))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.False(t, cfg.BlockOnFullQueue)
	assert.Equal(t, 10, cfg.Relay.BatchSize)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)

	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"unknown driver", "DB_DRIVER", "postgres", "unsupported DB_DRIVER"},
		{"bad duration", "POLL_INTERVAL", "soon", "parse env"},
		{"short key", "FIELD_ENCRYPTION_KEY", "abcd", "must be 32 bytes"},
		{"non hex key", "FIELD_ENCRYPTION_KEY", "zz", "decode FIELD_ENCRYPTION_KEY"},
		{"queue below batch", "MAX_QUEUE_DEPTH", "4", "MAX_QUEUE_DEPTH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
