package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BLOB_BACKEND", BackendMemory)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, int64(19*1024*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, int64(20*1024*1024), cfg.GetDirectUploadMaxBytes())
	assert.Equal(t, int64(2048)*1024*1024, cfg.GetMaxUploadBytes())
	assert.Equal(t, 1, cfg.FetchConcurrency)
	assert.Equal(t, BackendMySQL, cfg.MetadataBackend)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BLOB_BACKEND", BackendMinIO)
	t.Setenv("METADATA_BACKEND", BackendMemory)
	t.Setenv("CHUNK_SIZE_MB", "5")
	t.Setenv("FETCH_CONCURRENCY", "4")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "files")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(5*1024*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Contains(t, cfg.GetDSN(), "@tcp(db.internal:3306)/files?")
	assert.Contains(t, cfg.GetDSN(), "parseTime=True")
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("BLOB_BACKEND", BackendMemory)
	t.Setenv("CHUNK_SIZE_MB", "lots")
	t.Setenv("MINIO_USE_SSL", "maybe")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 19, cfg.ChunkSizeMB)
	assert.False(t, cfg.MinIOUseSSL)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ChunkSizeMB:       19,
			DirectUploadMaxMB: 20,
			MaxUploadMB:       2048,
			FetchConcurrency:  1,
			MetadataBackend:   BackendMemory,
			BlobBackend:       BackendMemory,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.ChunkSizeMB = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.BlobBackend = BackendTelegram
	assert.Error(t, cfg.Validate(), "telegram without credentials")

	cfg.TelegramBotToken = "123:abc"
	cfg.TelegramChannelID = "-100123"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.MetadataBackend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.FetchConcurrency = 0
	assert.Error(t, cfg.Validate())
}
