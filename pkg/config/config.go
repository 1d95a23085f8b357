package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath - default config file location
	DefaultConfigPath = "/etc/yandex/ch-backup/ch-backup.yml"
)

// Config - config file format
type Config struct {
	ClickHouse      ClickHouseConfig      `yaml:"clickhouse" envconfig:"_"`
	Backup          BackupConfig          `yaml:"backup" envconfig:"_"`
	Storage         StorageConfig         `yaml:"storage" envconfig:"_"`
	S3              S3Config              `yaml:"s3" envconfig:"_"`
	RateLimiter     RateLimiterConfig     `yaml:"rate_limiter" envconfig:"_"`
	Encryption      EncryptionConfig      `yaml:"encryption" envconfig:"_"`
	CloudStorage    CloudStorageConfig    `yaml:"cloud_storage" envconfig:"_"`
	Multiprocessing MultiprocessingConfig `yaml:"multiprocessing" envconfig:"_"`
	Lock            LockConfig            `yaml:"lock" envconfig:"_"`
	LogLevel        string                `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// ClickHouseConfig - clickhouse connection and layout settings
type ClickHouseConfig struct {
	Host                 string        `yaml:"host" envconfig:"CLICKHOUSE_HOST"`
	Port                 int           `yaml:"port" envconfig:"CLICKHOUSE_PORT"`
	Username             string        `yaml:"username" envconfig:"CLICKHOUSE_USERNAME"`
	Password             string        `yaml:"password" envconfig:"CLICKHOUSE_PASSWORD"`
	Timeout              time.Duration `yaml:"timeout" envconfig:"CLICKHOUSE_TIMEOUT"`
	FreezeTimeout        time.Duration `yaml:"freeze_timeout" envconfig:"CLICKHOUSE_FREEZE_TIMEOUT"`
	DataPath             string        `yaml:"data_path" envconfig:"CLICKHOUSE_DATA_PATH"`
	MetadataPath         string        `yaml:"metadata_path" envconfig:"CLICKHOUSE_METADATA_PATH"`
	AccessControlPath    string        `yaml:"access_control_path" envconfig:"CLICKHOUSE_ACCESS_CONTROL_PATH"`
	NamedCollectionsPath string        `yaml:"named_collections_path" envconfig:"CLICKHOUSE_NAMED_COLLECTIONS_PATH"`
	ConfigFile           string        `yaml:"config_file" envconfig:"CLICKHOUSE_CONFIG_FILE"`
	ExcludeDatabases     []string      `yaml:"exclude_databases" envconfig:"CLICKHOUSE_EXCLUDE_DATABASES"`
	UnfreezeEnabled      bool          `yaml:"unfreeze_enabled" envconfig:"CLICKHOUSE_UNFREEZE_ENABLED"`
	MaxTableSizeToDrop   uint64        `yaml:"max_table_size_to_drop" envconfig:"CLICKHOUSE_MAX_TABLE_SIZE_TO_DROP"`
}

// SkipLockConfig - schema-only distributed lock bypass policy
type SkipLockConfig struct {
	Backup  bool `yaml:"backup" envconfig:"SKIP_LOCK_FOR_SCHEMA_ONLY_BACKUP"`
	Restore bool `yaml:"restore" envconfig:"SKIP_LOCK_FOR_SCHEMA_ONLY_RESTORE"`
}

// BackupConfig - backup engine settings section
type BackupConfig struct {
	PathRoot                    string            `yaml:"path_root" envconfig:"BACKUP_PATH_ROOT"`
	DeduplicateParts            bool              `yaml:"deduplicate_parts" envconfig:"BACKUP_DEDUPLICATE_PARTS"`
	DeduplicationAgeLimit       time.Duration     `yaml:"deduplication_age_limit" envconfig:"BACKUP_DEDUPLICATION_AGE_LIMIT"`
	DeduplicationBatchSize      int               `yaml:"deduplication_batch_size" envconfig:"BACKUP_DEDUPLICATION_BATCH_SIZE"`
	RetainTime                  time.Duration     `yaml:"retain_time" envconfig:"BACKUP_RETAIN_TIME"`
	RetainCount                 int               `yaml:"retain_count" envconfig:"BACKUP_RETAIN_COUNT"`
	MinInterval                 time.Duration     `yaml:"min_interval" envconfig:"BACKUP_MIN_INTERVAL"`
	Labels                      map[string]string `yaml:"labels" envconfig:"BACKUP_LABELS"`
	ValidatePartAfterUpload     bool              `yaml:"validate_part_after_upload" envconfig:"BACKUP_VALIDATE_PART_AFTER_UPLOAD"`
	OverrideReplicaName         string            `yaml:"override_replica_name" envconfig:"BACKUP_OVERRIDE_REPLICA_NAME"`
	ForceNonReplicated          bool              `yaml:"force_non_replicated" envconfig:"BACKUP_FORCE_NON_REPLICATED"`
	RestoreFailOnAttachError    bool              `yaml:"restore_fail_on_attach_error" envconfig:"BACKUP_RESTORE_FAIL_ON_ATTACH_ERROR"`
	RetryOnExistingDir          int               `yaml:"retry_on_existing_dir" envconfig:"BACKUP_RETRY_ON_EXISTING_DIR"`
	SkipLockForSchemaOnly       SkipLockConfig    `yaml:"skip_lock_for_schema_only" envconfig:"_"`
	RestoreContextSyncThreshold int               `yaml:"restore_context_sync_on_disk_operation_threshold" envconfig:"BACKUP_RESTORE_CONTEXT_SYNC_THRESHOLD"`
	KeepFreezedDataOnFailure    bool              `yaml:"keep_freezed_data_on_failure" envconfig:"BACKUP_KEEP_FREEZED_DATA_ON_FAILURE"`
	RestoreContextPath          string            `yaml:"restore_context_path" envconfig:"BACKUP_RESTORE_CONTEXT_PATH"`
}

// StorageConfig - storage layer settings section
type StorageConfig struct {
	ChunkSize                      int64         `yaml:"chunk_size" envconfig:"STORAGE_CHUNK_SIZE"`
	UploadingTrafficLimitRetryTime time.Duration `yaml:"uploading_traffic_limit_retry_time" envconfig:"STORAGE_UPLOADING_TRAFFIC_LIMIT_RETRY_TIME"`
	RetriesOnFailure               int           `yaml:"retries_on_failure" envconfig:"STORAGE_RETRIES_ON_FAILURE"`
	RetriesPause                   time.Duration `yaml:"retries_pause" envconfig:"STORAGE_RETRIES_PAUSE"`
	Compression                    bool          `yaml:"compression" envconfig:"STORAGE_COMPRESSION"`
	CompressionLevel               int           `yaml:"compression_level" envconfig:"STORAGE_COMPRESSION_LEVEL"`
}

// S3Config - s3 settings section
type S3Config struct {
	AccessKey               string `yaml:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey               string `yaml:"secret_key" envconfig:"S3_SECRET_KEY"`
	Bucket                  string `yaml:"bucket" envconfig:"S3_BUCKET"`
	Endpoint                string `yaml:"endpoint" envconfig:"S3_ENDPOINT"`
	Region                  string `yaml:"region" envconfig:"S3_REGION"`
	ForcePathStyle          bool   `yaml:"force_path_style" envconfig:"S3_FORCE_PATH_STYLE"`
	DisableSSL              bool   `yaml:"disable_ssl" envconfig:"S3_DISABLE_SSL"`
	DisableCertVerification bool   `yaml:"disable_cert_verification" envconfig:"S3_DISABLE_CERT_VERIFICATION"`
	StorageClass            string `yaml:"storage_class" envconfig:"S3_STORAGE_CLASS"`
	Concurrency             int    `yaml:"concurrency" envconfig:"S3_CONCURRENCY"`
	MaxPartsCount           int64  `yaml:"max_parts_count" envconfig:"S3_MAX_PARTS_COUNT"`
	Debug                   bool   `yaml:"debug" envconfig:"S3_DEBUG"`
}

// RateLimiterConfig - upload traffic shaping section
type RateLimiterConfig struct {
	MaxUploadRate int64 `yaml:"max_upload_rate" envconfig:"RATE_LIMITER_MAX_UPLOAD_RATE"`
}

// EncryptionConfig - artifact encryption section
type EncryptionConfig struct {
	Type      string `yaml:"type" envconfig:"ENCRYPTION_TYPE"`
	Key       string `yaml:"key" envconfig:"ENCRYPTION_KEY"`
	IsEnabled bool   `yaml:"is_enabled" envconfig:"ENCRYPTION_IS_ENABLED"`
	ChunkSize int    `yaml:"chunk_size" envconfig:"ENCRYPTION_CHUNK_SIZE"`
}

// KeyBytes decodes the configured key, accepting raw or hex form.
func (e *EncryptionConfig) KeyBytes() ([]byte, error) {
	if len(e.Key) == 64 {
		if decoded, err := hex.DecodeString(e.Key); err == nil {
			return decoded, nil
		}
	}
	return []byte(e.Key), nil
}

// CloudStorageConfig - object-storage (S3-backed) disk backup section
type CloudStorageConfig struct {
	Compression bool `yaml:"compression" envconfig:"CLOUD_STORAGE_COMPRESSION"`
	Encryption  bool `yaml:"encryption" envconfig:"CLOUD_STORAGE_ENCRYPTION"`
}

// MultiprocessingConfig - worker pool sizes
type MultiprocessingConfig struct {
	FreezeThreads              int `yaml:"freeze_threads" envconfig:"MULTIPROCESSING_FREEZE_THREADS"`
	UploadThreads              int `yaml:"upload_threads" envconfig:"MULTIPROCESSING_UPLOAD_THREADS"`
	DownloadThreads            int `yaml:"download_threads" envconfig:"MULTIPROCESSING_DOWNLOAD_THREADS"`
	CloudStorageRestoreWorkers int `yaml:"cloud_storage_restore_workers" envconfig:"MULTIPROCESSING_CLOUD_STORAGE_RESTORE_WORKERS"`
}

// LockConfig - lock manager section
type LockConfig struct {
	Flock       bool          `yaml:"flock" envconfig:"LOCK_FLOCK"`
	ZKFlock     bool          `yaml:"zk_flock" envconfig:"LOCK_ZK_FLOCK"`
	FlockPath   string        `yaml:"flock_path" envconfig:"LOCK_FLOCK_PATH"`
	ZKFlockPath string        `yaml:"zk_flock_path" envconfig:"LOCK_ZK_FLOCK_PATH"`
	LockTimeout time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
}

// Default returns config with default settings applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		ClickHouse: ClickHouseConfig{
			Host:                 "localhost",
			Port:                 9000,
			Username:             "default",
			Timeout:              3 * time.Minute,
			FreezeTimeout:        45 * time.Minute,
			DataPath:             "/var/lib/clickhouse",
			MetadataPath:         "/var/lib/clickhouse/metadata",
			AccessControlPath:    "/var/lib/clickhouse/access",
			NamedCollectionsPath: "/var/lib/clickhouse/named_collections",
			ConfigFile:           "/var/lib/clickhouse/preprocessed_configs/config.xml",
			ExcludeDatabases:     []string{"system", "information_schema", "INFORMATION_SCHEMA", "_temporary_and_external_tables"},
			UnfreezeEnabled:      true,
		},
		Backup: BackupConfig{
			PathRoot:                    "ch_backup",
			DeduplicateParts:            true,
			DeduplicationAgeLimit:       7 * 24 * time.Hour,
			DeduplicationBatchSize:      500,
			RetainTime:                  0,
			RetainCount:                 0,
			MinInterval:                 0,
			Labels:                      map[string]string{},
			RetryOnExistingDir:          0,
			RestoreContextSyncThreshold: 100,
			RestoreContextPath:          "/tmp/ch_backup_restore_state.bolt",
		},
		Storage: StorageConfig{
			ChunkSize:                      5 * 1024 * 1024,
			UploadingTrafficLimitRetryTime: 60 * time.Second,
			RetriesOnFailure:               5,
			RetriesPause:                   time.Second,
			Compression:                    true,
		},
		S3: S3Config{
			Region:        "us-east-1",
			Concurrency:   int(max64(1, int64(runtime.NumCPU()/2))),
			MaxPartsCount: 10000,
		},
		Encryption: EncryptionConfig{
			Type: "nacl_secretbox",
		},
		CloudStorage: CloudStorageConfig{
			Compression: true,
			Encryption:  true,
		},
		Multiprocessing: MultiprocessingConfig{
			FreezeThreads:              4,
			UploadThreads:              4,
			DownloadThreads:            4,
			CloudStorageRestoreWorkers: 4,
		},
		Lock: LockConfig{
			Flock:       true,
			FlockPath:   "/tmp/ch-backup.lock",
			ZKFlockPath: "/ch_backup/lock",
			LockTimeout: time.Minute,
		},
	}
}

// LoadConfig - load config from file, then apply environment overrides
func LoadConfig(configLocation string) (*Config, error) {
	cfg := Default()
	if configLocation != "" {
		configYaml, err := os.ReadFile(configLocation)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(configYaml, cfg); err != nil {
				return nil, errors.Wrapf(err, "can't parse %s", configLocation)
			}
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig - validate options the engine can't recover from at runtime
func ValidateConfig(cfg *Config) error {
	if cfg.Storage.ChunkSize < 5*1024*1024 {
		return fmt.Errorf("storage->chunk_size must be at least 5MiB, got %d", cfg.Storage.ChunkSize)
	}
	if cfg.Backup.DeduplicationBatchSize <= 0 {
		return fmt.Errorf("backup->deduplication_batch_size must be positive, got %d", cfg.Backup.DeduplicationBatchSize)
	}
	if cfg.Encryption.IsEnabled {
		if cfg.Encryption.Type != "nacl_secretbox" {
			return fmt.Errorf("unsupported encryption->type: %s", cfg.Encryption.Type)
		}
		key, err := cfg.Encryption.KeyBytes()
		if err != nil || len(key) != 32 {
			return fmt.Errorf("encryption->key must be 32 bytes raw or 64 hex characters")
		}
	}
	if cfg.RateLimiter.MaxUploadRate < 0 {
		return fmt.Errorf("rate_limiter->max_upload_rate must be non-negative")
	}
	for _, threads := range []int{cfg.Multiprocessing.FreezeThreads, cfg.Multiprocessing.UploadThreads, cfg.Multiprocessing.DownloadThreads, cfg.Multiprocessing.CloudStorageRestoreWorkers} {
		if threads <= 0 {
			return fmt.Errorf("multiprocessing thread counts must be positive")
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
