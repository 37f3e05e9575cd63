package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// AppConfig carries the ambient knobs the daemon core needs: API surface,
// dead-letter retry policy defaults, the dispatcher's debounce and
// concurrency knobs, and the housekeeping/health-check ticks. Every
// duration-shaped knob is read as a suffixed string (ms|s|m|h|d|w|y)
// rather than a bare int, matching the wire format the rest of the system
// uses for durations.
type AppConfig struct {
	APIPort     string `env:"PORT,required" envDefault:"12222"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	ShutdownTimeout string `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ShutdownForceAfter string `env:"SHUTDOWN_FORCE_AFTER" envDefault:"25s"`

	DebounceWindow          string `env:"DEBOUNCE_WINDOW" envDefault:"5s"`
	DefaultConcurrencyLimit int    `env:"DEFAULT_CONCURRENCY_LIMIT" envDefault:"5"`
	IdleLogoutTimeout       string `env:"IDLE_LOGOUT_TIMEOUT" envDefault:"29m"`
	PollInterval            string `env:"POLL_INTERVAL" envDefault:"60s"`

	DeadLetterInitialDelay      string  `env:"DEAD_LETTER_INITIAL_DELAY" envDefault:"5m"`
	DeadLetterMaxDelay          string  `env:"DEAD_LETTER_MAX_DELAY" envDefault:"24h"`
	DeadLetterBackoffMultiplier float64 `env:"DEAD_LETTER_BACKOFF_MULTIPLIER" envDefault:"2"`
	DeadLetterMaxAttempts       int     `env:"DEAD_LETTER_MAX_ATTEMPTS" envDefault:"5"`
	DeadLetterTickInterval      string  `env:"DEAD_LETTER_TICK_INTERVAL" envDefault:"1m"`

	ProcessedMessageTTL          string `env:"PROCESSED_MESSAGE_TTL" envDefault:"24h"`
	AuditRetention                string `env:"AUDIT_RETENTION" envDefault:"30d"`
	HousekeepingInterval          string `env:"HOUSEKEEPING_INTERVAL" envDefault:"60m"`
	ProviderHealthCheckInterval   string `env:"PROVIDER_HEALTH_CHECK_INTERVAL" envDefault:"5m"`

	LocalDev bool `env:"LOCAL_DEV" envDefault:"false"`
}

// PolicyConfig carries the pipeline-wide toggles the Message Processor needs
// that the Account model doesn't: none of these are per-account overrides in
// the current Account schema, so one value applies to every account's
// pipeline run.
type PolicyConfig struct {
	DryRun bool `env:"DRY_RUN" envDefault:"false"`

	VirusScanEnabled bool   `env:"VIRUS_SCAN_ENABLED" envDefault:"false"`
	VirusPolicy      string `env:"VIRUS_POLICY" envDefault:"quarantine"` // quarantine | delete | flag_only

	ExtractionEnabled bool   `env:"ATTACHMENT_EXTRACTION_ENABLED" envDefault:"false"`
	MaxAttachmentMB   int    `env:"MAX_ATTACHMENT_MB" envDefault:"10"`
	AllowedMimeTypes  string `env:"ALLOWED_MIME_TYPES" envDefault:"text/*,application/pdf,image/*"`
	MaxExtractedChars int    `env:"MAX_EXTRACTED_CHARS" envDefault:"8000"`
	ExtractImages     bool   `env:"EXTRACT_IMAGES" envDefault:"false"`

	AddProcessingHeaders bool   `env:"ADD_PROCESSING_HEADERS" envDefault:"true"`
	BasePrompt           string `env:"BASE_PROMPT"`
	MaxBodyTokens        int    `env:"MAX_BODY_TOKENS" envDefault:"4000"`

	ConfidenceGateEnabled   bool    `env:"CONFIDENCE_GATE_ENABLED" envDefault:"false"`
	GlobalMinimumConfidence float64 `env:"GLOBAL_MINIMUM_CONFIDENCE" envDefault:"0.5"`
	ReasoningEnabled        bool    `env:"REASONING_ENABLED" envDefault:"false"`

	// AuditSubjects opts in to storing message subjects in the audit log;
	// off by default so the store never holds content-derived data unless
	// the operator asks for it.
	AuditSubjects bool `env:"AUDIT_SUBJECTS" envDefault:"false"`
}

// AllowedMimeTypesList splits the comma-separated ALLOWED_MIME_TYPES value.
func (p *PolicyConfig) AllowedMimeTypesList() []string {
	if p.AllowedMimeTypes == "" {
		return nil
	}
	return strings.Split(p.AllowedMimeTypes, ",")
}

// mustDuration parses a suffixed duration string, falling back to fallback
// on error. Every field above carries an envDefault that parses cleanly, so
// this only triggers on an operator typo in an override — logged rather than
// fatal, since a single bad knob shouldn't crash startup when the rest of the
// config is sound.
func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := utils.ParseDuration(value)
	if err != nil {
		log.Printf("invalid duration %q, using default %s: %v", value, fallback, err)
		return fallback
	}
	return d
}

func (c *AppConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.ShutdownTimeout, 30*time.Second)
}

func (c *AppConfig) ShutdownForceAfterDuration() time.Duration {
	return mustDuration(c.ShutdownForceAfter, 25*time.Second)
}

func (c *AppConfig) DebounceWindowDuration() time.Duration {
	return mustDuration(c.DebounceWindow, 5*time.Second)
}

func (c *AppConfig) IdleLogoutTimeoutDuration() time.Duration {
	return mustDuration(c.IdleLogoutTimeout, 29*time.Minute)
}

func (c *AppConfig) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval, 60*time.Second)
}

func (c *AppConfig) DeadLetterInitialDelayDuration() time.Duration {
	return mustDuration(c.DeadLetterInitialDelay, 5*time.Minute)
}

func (c *AppConfig) DeadLetterMaxDelayDuration() time.Duration {
	return mustDuration(c.DeadLetterMaxDelay, 24*time.Hour)
}

func (c *AppConfig) DeadLetterTickIntervalDuration() time.Duration {
	return mustDuration(c.DeadLetterTickInterval, time.Minute)
}

func (c *AppConfig) ProcessedMessageTTLDuration() time.Duration {
	return mustDuration(c.ProcessedMessageTTL, 24*time.Hour)
}

func (c *AppConfig) AuditRetentionDuration() time.Duration {
	return mustDuration(c.AuditRetention, 30*24*time.Hour)
}

func (c *AppConfig) HousekeepingIntervalDuration() time.Duration {
	return mustDuration(c.HousekeepingInterval, 60*time.Minute)
}

func (c *AppConfig) ProviderHealthCheckIntervalDuration() time.Duration {
	return mustDuration(c.ProviderHealthCheckInterval, 5*time.Minute)
}

// DatabaseConfig is the single Postgres connection the Persistent State Store
// uses for accounts, providers, processed-message records, audit log and
// dead-letter table.
type DatabaseConfig struct {
	Host            string `env:"POSTGRES_HOST,required"`
	Port            string `env:"POSTGRES_PORT,required"`
	User            string `env:"POSTGRES_USER,required"`
	DBName          string `env:"POSTGRES_DB_NAME,required"`
	Password        string `env:"POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"POSTGRES_DB_MAX_CONN"`
	MaxIdleConn     int    `env:"POSTGRES_DB_MAX_IDLE_CONN"`
	ConnMaxLifetime int    `env:"POSTGRES_DB_CONN_MAX_LIFETIME"`
	LogLevel        string `env:"POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"POSTGRES_SSL_MODE" envDefault:"require"`
}

type Config struct {
	AppConfig      *AppConfig
	Policy         *PolicyConfig
	Logger         *logger.Config
	Tracing        *tracing.JaegerConfig
	DatabaseConfig *DatabaseConfig
}

func InitConfig() (*Config, error) {
	cfg := &Config{
		AppConfig:      &AppConfig{},
		Policy:         &PolicyConfig{},
		Logger:         &logger.Config{},
		Tracing:        &tracing.JaegerConfig{},
		DatabaseConfig: &DatabaseConfig{},
	}

	if err := godotenv.Load(); err != nil {
		log.Print("Unable to load .env file")
	}

	if err := env.Parse(cfg); err != nil {
		log.Fatalf("Error loading mailpilot config: %v", err)
	}

	return cfg, nil
}
