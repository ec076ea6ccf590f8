package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "healthflow.ingest.api", cfg.Kafka.APITopic)
	assert.Equal(t, []string{"api", "sftp"}, cfg.Consumer.Sources)
	assert.Equal(t, int64(262144), cfg.Staging.InlineMaxBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.Consumer.InitialBackoff)
	assert.True(t, cfg.Upload.ValidateSyntax)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CONSUMER_SOURCES", "sftp")
	t.Setenv("SFTP_USERS", "bob::read")
	t.Setenv("STORAGE_COMPRESSION", "gzip")
	t.Setenv("DB_MAX_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"sftp"}, cfg.Consumer.Sources)
	assert.Equal(t, "bob::read", cfg.SFTP.Users)
	assert.Equal(t, "gzip", cfg.Storage.Compression)
	assert.Equal(t, int32(25), cfg.Postgres.MaxConns)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CONSUMER_MAX_BACKOFF", "soon")
	_, err := Load()
	assert.Error(t, err)
}
