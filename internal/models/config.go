package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Validation ValidationConfig `yaml:"validation"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Processing ProcessingConfig `yaml:"processing"`
	Events     EventsConfig     `yaml:"events"`
	Versioning VersioningConfig `yaml:"versioning"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	CDN        CDNConfig        `yaml:"cdn"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	// TokenSecret signs content links for encrypted files.
	TokenSecret string `yaml:"token_secret"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | memory
	URL    string `yaml:"url"`
	// MaxConns sizes the query pool.
	MaxConns int32 `yaml:"max_conns"`
	// LockConns sizes the separate pool that holds per-file advisory locks,
	// one connection per holder or waiter.
	LockConns int32 `yaml:"lock_conns"`
}

type StorageConfig struct {
	Provider     string        `yaml:"provider"` // s3 | local
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
	Timeout      time.Duration `yaml:"timeout"`
	Local        LocalConfig   `yaml:"local"`
	S3           S3Config      `yaml:"s3"`
}

type LocalConfig struct {
	Root          string `yaml:"root"`
	SigningSecret string `yaml:"signing_secret"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type ValidationConfig struct {
	MaxImageBytes    int64    `yaml:"max_image_bytes"`
	MaxVideoBytes    int64    `yaml:"max_video_bytes"`
	MaxDocumentBytes int64    `yaml:"max_document_bytes"`
	MaxDefaultBytes  int64    `yaml:"max_default_bytes"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
}

type ScannerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	Timeout         time.Duration `yaml:"timeout"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Salt    string `yaml:"salt"`
}

type ProcessingConfig struct {
	Queue          string        `yaml:"queue"` // kafka | memory
	KafkaBrokers   []string      `yaml:"kafka_brokers"`
	KafkaTopic     string        `yaml:"kafka_topic"`
	KafkaGroup     string        `yaml:"kafka_group"`
	ImageWorkers   int           `yaml:"image_workers"`
	VideoWorkers   int           `yaml:"video_workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// JobLease is how long a claimed job may run before it counts as
	// abandoned and is recovered.
	JobLease       time.Duration `yaml:"job_lease"`
	ThumbnailSize  int           `yaml:"thumbnail_size"`
	CompressWidth  int           `yaml:"compress_width"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	WebP           bool          `yaml:"webp"`
	WatermarkText  string        `yaml:"watermark_text"`
	WatermarkAlpha float64       `yaml:"watermark_opacity"`
	PreviewSeconds int           `yaml:"preview_seconds"`
	PreviewWidth   int           `yaml:"preview_width"`
	Transcode      bool          `yaml:"transcode"`
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	FFprobePath    string        `yaml:"ffprobe_path"`
}

type EventsConfig struct {
	Bus           string `yaml:"bus"` // redis | memory
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type VersioningConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxVersions   int           `yaml:"max_versions"`
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LifecycleConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
	MoveToIAAfterDays      int           `yaml:"move_to_ia_after_days"`
	MoveToArchiveAfterDays int           `yaml:"move_to_archive_after_days"`
	DeleteAfterDays        int           `yaml:"delete_after_days"`
	MoveVariants           bool          `yaml:"move_variants"`
	OpsPerSecond           float64       `yaml:"ops_per_second"`
	BatchSize              int           `yaml:"batch_size"`
}

type CDNConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	SigningKey string        `yaml:"signing_key"`
	PurgeURL   string        `yaml:"purge_url"`
	PurgeToken string        `yaml:"purge_token"`
	CacheSize  int           `yaml:"cache_size"`
	PurgeRetry time.Duration `yaml:"purge_retry"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from the
// environment. A .env file next to the process is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ParseConfig([]byte(os.ExpandEnv(string(data))))
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	const op = "models.ParseConfig"

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Addr, ":8080")
	setDefault(&c.Server.PublicBaseURL, "http://localhost:8080")
	setDefault(&c.Database.Driver, "postgres")
	setDefault(&c.Storage.Provider, "local")
	setDefault(&c.Storage.Local.Root, "./data/objects")
	setDefault(&c.Storage.S3.Region, "us-east-1")
	setDefault(&c.Processing.Queue, "kafka")
	setDefault(&c.Processing.KafkaTopic, "file-processing")
	setDefault(&c.Processing.KafkaGroup, "file-processor-group")
	setDefault(&c.Processing.FFmpegPath, "ffmpeg")
	setDefault(&c.Processing.FFprobePath, "ffprobe")
	setDefault(&c.Events.Bus, "memory")
	setDefault(&c.Events.ChannelPrefix, "file-events")
	setDefault(&c.Log.Level, "info")

	if c.Storage.SignedURLTTL == 0 {
		c.Storage.SignedURLTTL = 15 * time.Minute
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = 30 * time.Second
	}

	if c.Validation.MaxImageBytes == 0 {
		c.Validation.MaxImageBytes = 10 << 20
	}
	if c.Validation.MaxVideoBytes == 0 {
		c.Validation.MaxVideoBytes = 500 << 20
	}
	if c.Validation.MaxDocumentBytes == 0 {
		c.Validation.MaxDocumentBytes = 25 << 20
	}
	if c.Validation.MaxDefaultBytes == 0 {
		c.Validation.MaxDefaultBytes = 5 << 20
	}

	setDefault(&c.Scanner.Address, "127.0.0.1:3310")
	if c.Scanner.Timeout == 0 {
		c.Scanner.Timeout = 30 * time.Second
	}
	if c.Scanner.PingTimeout == 0 {
		c.Scanner.PingTimeout = 2 * time.Second
	}
	if c.Scanner.BreakerFailures == 0 {
		c.Scanner.BreakerFailures = 3
	}
	if c.Scanner.BreakerCooldown == 0 {
		c.Scanner.BreakerCooldown = 30 * time.Second
	}

	if c.Processing.ImageWorkers == 0 {
		c.Processing.ImageWorkers = 4
	}
	if c.Processing.VideoWorkers == 0 {
		c.Processing.VideoWorkers = 1
	}
	if c.Processing.MaxAttempts == 0 {
		c.Processing.MaxAttempts = 3
	}
	if c.Processing.BackoffInitial == 0 {
		c.Processing.BackoffInitial = 2 * time.Second
	}
	if c.Processing.BackoffMax == 0 {
		c.Processing.BackoffMax = time.Minute
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.LockConns <= 0 {
		c.Database.LockConns = 4
	}
	if c.Processing.JobLease == 0 {
		c.Processing.JobLease = 30 * time.Minute
	}
	if c.Processing.ThumbnailSize == 0 {
		c.Processing.ThumbnailSize = 200
	}
	if c.Processing.CompressWidth == 0 {
		c.Processing.CompressWidth = 1920
	}
	if c.Processing.JPEGQuality == 0 {
		c.Processing.JPEGQuality = 80
	}
	if c.Processing.WatermarkAlpha == 0 {
		c.Processing.WatermarkAlpha = 0.5
	}
	if c.Processing.PreviewSeconds == 0 {
		c.Processing.PreviewSeconds = 10
	}
	if c.Processing.PreviewWidth == 0 {
		c.Processing.PreviewWidth = 480
	}

	if c.Versioning.MaxVersions == 0 {
		c.Versioning.MaxVersions = 10
	}
	if c.Versioning.RetentionDays == 0 {
		c.Versioning.RetentionDays = 90
	}
	if c.Versioning.SweepInterval == 0 {
		c.Versioning.SweepInterval = 24 * time.Hour
	}

	if c.Lifecycle.Interval == 0 {
		c.Lifecycle.Interval = 24 * time.Hour
	}
	if c.Lifecycle.MoveToIAAfterDays == 0 {
		c.Lifecycle.MoveToIAAfterDays = 30
	}
	if c.Lifecycle.MoveToArchiveAfterDays == 0 {
		c.Lifecycle.MoveToArchiveAfterDays = 90
	}
	if c.Lifecycle.OpsPerSecond == 0 {
		c.Lifecycle.OpsPerSecond = 50
	}
	if c.Lifecycle.BatchSize == 0 {
		c.Lifecycle.BatchSize = 500
	}

	if c.CDN.CacheSize == 0 {
		c.CDN.CacheSize = 10000
	}
	if c.CDN.PurgeRetry == 0 {
		c.CDN.PurgeRetry = 30 * time.Second
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Storage.Provider {
	case "local":
		if c.Storage.Local.SigningSecret == "" {
			return errors.New("storage.local.signing_secret is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}

	if c.Encryption.Enabled && len(c.Encryption.Secret) < 16 {
		return errors.New("encryption.secret must be at least 16 bytes")
	}

	switch c.Processing.Queue {
	case "kafka":
		if len(c.Processing.KafkaBrokers) == 0 {
			return errors.New("processing.kafka_brokers is required for the kafka queue")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown processing.queue %q", c.Processing.Queue)
	}

	switch c.Events.Bus {
	case "redis":
		if c.Events.RedisAddr == "" {
			return errors.New("events.redis_addr is required for the redis bus")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown events.bus %q", c.Events.Bus)
	}

	if c.Lifecycle.MoveToArchiveAfterDays < c.Lifecycle.MoveToIAAfterDays {
		return errors.New("lifecycle.move_to_archive_after_days must not be shorter than move_to_ia_after_days")
	}
	if c.Lifecycle.DeleteAfterDays != 0 && c.Lifecycle.DeleteAfterDays < c.Lifecycle.MoveToArchiveAfterDays {
		return errors.New("lifecycle.delete_after_days must not be shorter than move_to_archive_after_days")
	}
	if c.CDN.Enabled && (c.CDN.BaseURL == "" || c.CDN.SigningKey == "") {
		return errors.New("cdn.base_url and cdn.signing_key are required when the cdn is enabled")
	}
	if c.Server.TokenSecret == "" && c.Encryption.Enabled {
		return errors.New("server.token_secret is required when encryption is enabled")
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
