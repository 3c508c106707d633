package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"docflow/internal/logger"
	"docflow/internal/resilience"
)

type Config struct {
	// Record store and transport
	PostgresDSN string
	NATSURL     string
	NATSSubject string

	// Object storage
	StorageBackend string // local or gcs
	StoragePath    string
	GCSBucket      string
	SigningSecret  string
	AccessURLTTL   time.Duration

	// Google Cloud Configuration
	GoogleCredentialsFile      string
	GoogleCredentialsJSON      string
	ExtractionBackend          string // documentai or vision
	GoogleCloudProject         string
	GoogleCloudLocation        string
	DocumentAIProcessorID      string
	DocumentAIProcessorVersion string
	DocumentAIAsync            bool
	ExtractionTimeout          time.Duration

	// Google Sheets Configuration
	GoogleSheetWorksheet string

	// Admission control for the extraction service
	RateLimitPerSecond int
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	SubmitMaxAttempts  int
	BreakerEnabled     bool

	// Operation polling
	PollInitialDelay time.Duration
	PollSchedule     []time.Duration
	PollMaxDuration  time.Duration

	// Dispatch and billing
	TierConcurrency    map[string]int
	DefaultConcurrency int
	PageCost           int
	UnmeteredOwnerID   string

	// Session lifecycle
	SessionRetention time.Duration
	CleanupSweepSpec string

	// Post-processing
	PostProcessConfig string
	OrganizationName  string

	// Servers
	HTTPPort       string
	MetricsPort    string
	PublicBaseURL  string
	AllowedOrigins []string
	MaxUploadBytes int64

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	config := &Config{
		PostgresDSN:                getEnv("POSTGRES_DSN", ""),
		NATSURL:                    getEnv("NATS_URL", ""),
		NATSSubject:                getEnv("NATS_SUBJECT", "sessions.enqueue"),
		StorageBackend:             strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		StoragePath:                getEnv("STORAGE_PATH", "./data/storage"),
		GCSBucket:                  getEnv("GCS_BUCKET", ""),
		SigningSecret:              getEnv("SIGNING_SECRET", ""),
		GoogleCredentialsFile:      getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		GoogleCredentialsJSON:      getEnv("GOOGLE_CREDENTIALS", ""),
		ExtractionBackend:          strings.ToLower(getEnv("EXTRACTION_BACKEND", "documentai")),
		GoogleCloudProject:         getEnv("GOOGLE_CLOUD_PROJECT", ""),
		GoogleCloudLocation:        getEnv("GOOGLE_CLOUD_LOCATION", "us"),
		DocumentAIProcessorID:      getEnv("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocumentAIProcessorVersion: getEnv("DOCUMENT_AI_PROCESSOR_VERSION", ""),
		GoogleSheetWorksheet:       getEnv("GOOGLE_SHEET_WORKSHEET", "Extractions"),
		UnmeteredOwnerID:           getEnv("UNMETERED_OWNER_ID", ""),
		CleanupSweepSpec:           getEnv("CLEANUP_SWEEP_SPEC", "@every 1h"),
		PostProcessConfig:          getEnv("POSTPROCESS_CONFIG", ""),
		OrganizationName:           getEnv("ORGANIZATION_NAME", ""),
		HTTPPort:                   getEnv("HTTP_PORT", "8080"),
		MetricsPort:                getEnv("METRICS_PORT", "9090"),
		PublicBaseURL:              strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins:             splitList(getEnv("ALLOWED_ORIGINS", "")),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogFormat:                  getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:              getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:                  getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if config.AccessURLTTL, err = getDuration("ACCESS_URL_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if config.DocumentAIAsync, err = getBool("DOCUMENT_AI_ASYNC", true); err != nil {
		return nil, err
	}
	if config.ExtractionTimeout, err = getDuration("EXTRACTION_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if config.RateLimitPerSecond, err = getInt("RATE_LIMIT_PER_SECOND", 15); err != nil {
		return nil, err
	}
	if config.BackoffMin, err = getDuration("BACKOFF_MIN", resilience.DefaultBackoffMin); err != nil {
		return nil, err
	}
	if config.BackoffMax, err = getDuration("BACKOFF_MAX", resilience.DefaultBackoffMax); err != nil {
		return nil, err
	}
	if config.SubmitMaxAttempts, err = getInt("SUBMIT_MAX_ATTEMPTS", resilience.DefaultSubmitAttempts); err != nil {
		return nil, err
	}
	if config.BreakerEnabled, err = getBool("BREAKER_ENABLED", true); err != nil {
		return nil, err
	}
	if config.PollInitialDelay, err = getDuration("POLL_INITIAL_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if config.PollSchedule, err = ParseSchedule(getEnv("POLL_SCHEDULE", "2s,5s,13s,34s")); err != nil {
		return nil, fmt.Errorf("POLL_SCHEDULE: %w", err)
	}
	if config.PollMaxDuration, err = getDuration("POLL_MAX_DURATION", 24*time.Hour); err != nil {
		return nil, err
	}
	if config.TierConcurrency, err = ParseTiers(getEnv("TIER_CONCURRENCY", "free=1,pro=5,enterprise=10")); err != nil {
		return nil, fmt.Errorf("TIER_CONCURRENCY: %w", err)
	}
	if config.DefaultConcurrency, err = getInt("DEFAULT_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if config.PageCost, err = getInt("PAGE_COST", 1); err != nil {
		return nil, err
	}
	if config.SessionRetention, err = getDuration("SESSION_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 50<<20)
	if err != nil {
		return nil, err
	}
	config.MaxUploadBytes = int64(maxUpload)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "local":
		if c.SigningSecret == "" {
			return fmt.Errorf("SIGNING_SECRET is required for local storage")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for gcs storage")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or gcs, got %q", c.StorageBackend)
	}
	switch c.ExtractionBackend {
	case "documentai":
		if c.GoogleCloudProject == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
		}
		if c.DocumentAIProcessorID == "" {
			return fmt.Errorf("DOCUMENT_AI_PROCESSOR_ID is required")
		}
		if c.DocumentAIAsync && c.StorageBackend != "gcs" {
			return fmt.Errorf("DOCUMENT_AI_ASYNC requires STORAGE_BACKEND=gcs")
		}
	case "vision":
	default:
		return fmt.Errorf("EXTRACTION_BACKEND must be documentai or vision, got %q", c.ExtractionBackend)
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must be positive")
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("BACKOFF_MAX must not be below BACKOFF_MIN")
	}
	if c.DefaultConcurrency <= 0 {
		return fmt.Errorf("DEFAULT_CONCURRENCY must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be positive")
	}
	return nil
}

// ConcurrencyFor returns the dispatch ceiling for a subscription tier.
func (c *Config) ConcurrencyFor(tier string) int {
	if n, ok := c.TierConcurrency[strings.ToLower(tier)]; ok {
		return n
	}
	return c.DefaultConcurrency
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

// ParseSchedule parses a comma separated list of durations such as "2s,5s,13s".
func ParseSchedule(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("non-positive interval %s", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	return out, nil
}

// ParseTiers parses "tier=n" pairs separated by commas.
func ParseTiers(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ceiling for tier %q", name)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}
