package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, ValidateConfig(Default()))
}

func TestLoadConfigFromYaml(t *testing.T) {
	configYaml := `
backup:
  deduplicate_parts: true
  deduplication_age_limit: 168h
  retain_time: 24h
  retain_count: 2
  min_interval: 30m
  labels:
    env: prod
s3:
  bucket: ch-backups
  endpoint: https://storage.example.net
  force_path_style: true
rate_limiter:
  max_upload_rate: 1048576
multiprocessing:
  freeze_threads: 8
  upload_threads: 2
`
	location := path.Join(t.TempDir(), "ch-backup.yml")
	require.NoError(t, os.WriteFile(location, []byte(configYaml), 0640))

	cfg, err := LoadConfig(location)
	require.NoError(t, err)

	assert.Equal(t, 168*time.Hour, cfg.Backup.DeduplicationAgeLimit)
	assert.Equal(t, 24*time.Hour, cfg.Backup.RetainTime)
	assert.Equal(t, 2, cfg.Backup.RetainCount)
	assert.Equal(t, 30*time.Minute, cfg.Backup.MinInterval)
	assert.Equal(t, "prod", cfg.Backup.Labels["env"])
	assert.Equal(t, "ch-backups", cfg.S3.Bucket)
	assert.True(t, cfg.S3.ForcePathStyle)
	assert.Equal(t, int64(1048576), cfg.RateLimiter.MaxUploadRate)
	assert.Equal(t, 8, cfg.Multiprocessing.FreezeThreads)
	// defaults survive partial files
	assert.Equal(t, int64(5*1024*1024), cfg.Storage.ChunkSize)
	assert.Equal(t, "ch_backup", cfg.Backup.PathRoot)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("BACKUP_RETAIN_COUNT", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.S3.Bucket)
	assert.Equal(t, 7, cfg.Backup.RetainCount)
}

func TestValidateRejectsSmallChunkSize(t *testing.T) {
	cfg := Default()
	cfg.Storage.ChunkSize = 1024
	assert.Error(t, ValidateConfig(cfg))
}

func TestValidateEncryptionKey(t *testing.T) {
	cfg := Default()
	cfg.Encryption.IsEnabled = true
	cfg.Encryption.Key = "short"
	assert.Error(t, ValidateConfig(cfg))

	cfg.Encryption.Key = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.NoError(t, ValidateConfig(cfg))

	key, err := cfg.Encryption.KeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
