package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	SpoolDir    string        `env:"SPOOL_DIR" envDefault:"./spool"`
	SpoolMaxAge time.Duration `env:"SPOOL_MAX_AGE" envDefault:"24h"`
	OutputDir   string        `env:"OUTPUT_DIR" envDefault:"./renders"`

	RenderWorkers   int           `env:"RENDER_WORKERS" envDefault:"2"`
	RenderQueueSize int           `env:"RENDER_QUEUE_SIZE" envDefault:"16"`
	RenderTimeout   time.Duration `env:"RENDER_TIMEOUT" envDefault:"10m"`
	RenderSeed      uint64        `env:"RENDER_SEED" envDefault:"0"`
	MaxUploadMB     int64         `env:"MAX_UPLOAD_MB" envDefault:"512"`

	FFmpegPath   string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath  string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	EncodePreset string `env:"ENCODE_PRESET" envDefault:"veryfast"`

	// Optional render-job ledger.
	DatabaseURL string `env:"DATABASE_URL"`

	// Optional job status publishing.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"conjunx"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"conjunx"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	S3 S3Config

	OutputRetention time.Duration `env:"OUTPUT_RETENTION" envDefault:"0s"`
	OutputMaxGB     int           `env:"OUTPUT_MAX_GB" envDefault:"0"`

	// Drop folder for render requests; disabled when empty.
	WatchDir string `env:"WATCH_DIR"`
}

// S3Config configures the S3-compatible output store. S3 is disabled unless
// a bucket is set.
type S3Config struct {
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	LocalCache    bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	SpoolDir    string
	OutputDir   string
	DatabaseURL string
	WatchDir    string
	Workers     int
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.SpoolDir != "" {
		cfg.SpoolDir = overrides.SpoolDir
	}
	if overrides.OutputDir != "" {
		cfg.OutputDir = overrides.OutputDir
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}
	if overrides.Workers > 0 {
		cfg.RenderWorkers = overrides.Workers
	}

	if cfg.RenderWorkers < 1 {
		cfg.RenderWorkers = 1
	}
	if cfg.RenderQueueSize < 0 {
		cfg.RenderQueueSize = 0
	}

	return cfg, nil
}
