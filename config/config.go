package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	TriggerWorkflow = "workflow"
	TriggerNotebook = "notebook"

	MiB int64 = 1024 * 1024
	GiB int64 = 1024 * MiB
)

// Config is the process-wide configuration. It is built once at startup by Load
// and handed to every component that needs it; nothing reads the environment later.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"recap-gateway"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	GRPCHealthPort  int           `env:"GRPC_HEALTH_PORT" envDefault:"8081"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:8080"`
	BodyLimitBytes  int64         `env:"BODY_LIMIT_BYTES" envDefault:"106954752"`

	// Rate limits, per tenant and client address. Zero disables a limit.
	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	UploadRateRequests int           `env:"UPLOAD_RATE_LIMIT_REQUESTS" envDefault:"10"`
	UploadRateWindow   time.Duration `env:"UPLOAD_RATE_LIMIT_WINDOW" envDefault:"1h"`

	// Database
	DatabaseDSN    string        `env:"DATABASE_URL"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBAutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`

	// Tokens
	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"recap-gateway"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"15m"`

	// Processing backend
	BackendURL     string        `env:"PROCESSING_BACKEND_URL" envDefault:"http://localhost:8000/api/v1"`
	BackendAPIKey  string        `env:"PROCESSING_BACKEND_API_KEY"`
	BackendTimeout time.Duration `env:"PROCESSING_BACKEND_TIMEOUT" envDefault:"60s"`
	CallbackSecret string        `env:"BACKEND_CALLBACK_SECRET"`

	// Pipeline triggers
	DefaultTrigger     string        `env:"DEFAULT_TRIGGER" envDefault:"workflow"`
	N8NWebhookURL      string        `env:"N8N_WEBHOOK_URL" envDefault:"http://localhost:5678/webhook"`
	N8NAPIKey          string        `env:"N8N_API_KEY"`
	ColabWebhookURL    string        `env:"COLAB_WEBHOOK_URL"`
	ColabWebhookSecret string        `env:"COLAB_WEBHOOK_SECRET"`
	TriggerTimeout     time.Duration `env:"TRIGGER_TIMEOUT" envDefault:"10s"`

	// Uploads
	DirectUploadThreshold   int64         `env:"DIRECT_UPLOAD_THRESHOLD" envDefault:"104857600"`
	MaxUploadSize           int64         `env:"MAX_UPLOAD_SIZE" envDefault:"12884901888"`
	MaxScriptSize           int64         `env:"MAX_SCRIPT_SIZE" envDefault:"1073741824"`
	ResumableChunkSize      int64         `env:"RESUMABLE_CHUNK_SIZE" envDefault:"8388608"`
	UploadSessionTTL        time.Duration `env:"UPLOAD_SESSION_TTL" envDefault:"24h"`
	AllowedVideoExtensions  []string      `env:"ALLOWED_VIDEO_EXTENSIONS" envSeparator:"," envDefault:".mp4,.avi,.mkv,.mov,.wmv,.flv"`
	AllowedScriptExtensions []string      `env:"ALLOWED_SCRIPT_EXTENSIONS" envSeparator:"," envDefault:".txt,.doc,.docx,.pdf"`

	// Jobs
	DefaultMaxRetries int `env:"JOB_MAX_RETRIES" envDefault:"3"`

	// Outbox relay
	RelayWorkers         int           `env:"RELAY_WORKERS" envDefault:"4"`
	RelayBatchSize       int           `env:"RELAY_BATCH_SIZE" envDefault:"16"`
	RelayPollInterval    time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"2s"`
	OutboxMaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	OutboxInitialBackoff time.Duration `env:"OUTBOX_INITIAL_BACKOFF" envDefault:"2s"`
	OutboxMaxBackoff     time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"10m"`
	EmbedRelay           bool          `env:"EMBED_RELAY" envDefault:"true"`

	// Object storage for signed downloads: "supabase", "s3" or "none"
	StorageBackend     string        `env:"STORAGE_BACKEND" envDefault:"none"`
	SupabaseURL        string        `env:"SUPABASE_URL"`
	SupabaseServiceKey string        `env:"SUPABASE_SERVICE_KEY"`
	StorageBucket      string        `env:"STORAGE_BUCKET" envDefault:"recap-assets"`
	S3Endpoint         string        `env:"S3_ENDPOINT"`
	S3Region           string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKeyID      string        `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey        string        `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle     bool          `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	SignedURLTTL       time.Duration `env:"SIGNED_URL_TTL" envDefault:"1h"`

	// Scheduled maintenance
	MaintenanceEnabled   bool   `env:"MAINTENANCE_ENABLED" envDefault:"true"`
	SessionSweepSchedule string `env:"SESSION_SWEEP_SCHEDULE" envDefault:"*/15 * * * *"`
}

// Load reads an optional .env file, parses the environment into Config and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DefaultTrigger = strings.ToLower(strings.TrimSpace(c.DefaultTrigger))
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	c.AllowedVideoExtensions = lowerAll(c.AllowedVideoExtensions)
	c.AllowedScriptExtensions = lowerAll(c.AllowedScriptExtensions)
}

// Validate reports configuration that the gateway cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 characters long")
	}
	if c.CallbackSecret == "" {
		problems = append(problems, "BACKEND_CALLBACK_SECRET is required")
	}
	switch c.DefaultTrigger {
	case TriggerWorkflow:
	case TriggerNotebook:
		if c.ColabWebhookURL == "" || c.ColabWebhookSecret == "" {
			problems = append(problems, "COLAB_WEBHOOK_URL and COLAB_WEBHOOK_SECRET are required when DEFAULT_TRIGGER=notebook")
		}
	default:
		problems = append(problems, fmt.Sprintf("DEFAULT_TRIGGER must be %q or %q", TriggerWorkflow, TriggerNotebook))
	}
	if c.DirectUploadThreshold <= 0 || c.DirectUploadThreshold > c.MaxUploadSize {
		problems = append(problems, "DIRECT_UPLOAD_THRESHOLD must be positive and not exceed MAX_UPLOAD_SIZE")
	}
	if c.BodyLimitBytes < c.DirectUploadThreshold {
		problems = append(problems, "BODY_LIMIT_BYTES must not be below DIRECT_UPLOAD_THRESHOLD")
	}
	if c.RelayWorkers <= 0 {
		problems = append(problems, "RELAY_WORKERS must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		problems = append(problems, "OUTBOX_MAX_ATTEMPTS must be positive")
	}
	switch c.StorageBackend {
	case "none", "":
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			problems = append(problems, "SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORAGE_BACKEND=supabase")
		}
	case "s3":
		if c.S3AccessKeyID == "" || c.S3SecretKey == "" {
			problems = append(problems, "S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when STORAGE_BACKEND=s3")
		}
	default:
		problems = append(problems, "STORAGE_BACKEND must be one of none, supabase, s3")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GRPCAddr returns the listen address of the gRPC health service.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCHealthPort)
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
