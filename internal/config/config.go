// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store and feed backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port        int      `koanf:"port"`
	Env         string   `koanf:"env"`
	CORSOrigins []string `koanf:"cors_origins"`

	// Session storage and change feed
	StoreBackend        string `koanf:"store_backend"`
	FeedBackend         string `koanf:"feed_backend"`
	DatabaseURL         string `koanf:"database_url"`
	RedisURL            string `koanf:"redis_url"`
	MutationMaxAttempts int    `koanf:"mutation_max_attempts"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // accepted during rotation

	// LiveKit (WebRTC); optional, all or nothing
	LiveKitURL       string `koanf:"livekit_url"`
	LiveKitAPIKey    string `koanf:"livekit_api_key"`
	LiveKitAPISecret string `koanf:"livekit_api_secret"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`

	// Archive of ended sessions (S3 or R2); optional
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required for the postgres store")
	ErrMissingRedisURL            = errors.New("REDIS_URL is required for the redis store or feed")
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrInvalidStoreBackend        = errors.New("STORE_BACKEND must be memory, postgres or redis")
	ErrInvalidFeedBackend         = errors.New("FEED_BACKEND must be memory or redis")
	ErrMissingLiveKitURL          = errors.New("LIVEKIT_URL is required when LiveKit is configured")
	ErrMissingLiveKitAPIKey       = errors.New("LIVEKIT_API_KEY is required when LiveKit is configured")
	ErrMissingLiveKitAPISecret    = errors.New("LIVEKIT_API_SECRET is required when LiveKit is configured")
	ErrMissingArchiveBucket       = errors.New("ARCHIVE_BUCKET is required when archiving is configured")
	ErrMissingArchiveAccessKeyID  = errors.New("ARCHIVE_ACCESS_KEY_ID is required when archiving is configured")
	ErrMissingArchiveSecretKey    = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required when archiving is configured")
	ErrInvalidMutationMaxAttempts = errors.New("MUTATION_MAX_ATTEMPTS must be at least 1")
	ErrInvalidTracingExporter     = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
	ErrInvalidTracingSampleRate   = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidNumber              = errors.New("value must be a valid number")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultStoreBackend        = BackendMemory
	DefaultFeedBackend         = BackendMemory
	DefaultMutationMaxAttempts = 3
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSampleRate   = 0.1
	DefaultArchiveRegion       = "auto"
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"LIVESTAGE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	maxAttempts, err := getEnvIntOrDefault("MUTATION_MAX_ATTEMPTS", k.Int("mutation_max_attempts"), DefaultMutationMaxAttempts)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	sampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		sampleRate = k.Float64("tracing_sample_rate")
	}
	if sampleRate, err = getEnvFloatOrDefault("TRACING_SAMPLE_RATE", sampleRate); err != nil {
		loadErrs = append(loadErrs, err)
	}

	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"LIVESTAGE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		CORSOrigins:            getEnvListOrKoanf("CORS_ORIGINS", k, "cors_origins"),
		StoreBackend:           strings.ToLower(getEnvOrDefault("STORE_BACKEND", k.String("store_backend"), DefaultStoreBackend)),
		FeedBackend:            strings.ToLower(getEnvOrDefault("FEED_BACKEND", k.String("feed_backend"), DefaultFeedBackend)),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		MutationMaxAttempts:    maxAttempts,
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		LiveKitURL:             getEnvOrKoanf("LIVEKIT_URL", k, "livekit_url"),
		LiveKitAPIKey:          getEnvOrKoanf("LIVEKIT_API_KEY", k, "livekit_api_key"),
		LiveKitAPISecret:       getEnvOrKoanf("LIVEKIT_API_SECRET", k, "livekit_api_secret"),
		TracingEnabled:         getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:        getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate:      sampleRate,
		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// LiveKitEnabled reports whether media-server credentials are configured.
func (c *Config) LiveKitEnabled() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// ArchiveEnabled reports whether ended sessions are archived.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// NeedsRedis reports whether any component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.StoreBackend == BackendRedis || c.FeedBackend == BackendRedis || c.RedisURL != ""
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma-separated env var, falling back to a YAML list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvBoolOrKoanf parses true/false, 1/0, yes/no and on/off. Unrecognized
// env values leave the file value in place.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	result := k.Bool(koanfKey)
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		result = true
	case "false", "0", "no", "off":
		result = false
	}
	return result
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: a 0 from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if key == "PORT" || strings.HasSuffix(key, "_PORT") {
					return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
				}
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise current.
func getEnvFloatOrDefault(envKey string, current float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	return current, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidStoreBackend)
	}

	switch c.FeedBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" && c.StoreBackend != BackendRedis {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidFeedBackend)
	}

	if c.MutationMaxAttempts < 1 {
		errs = append(errs, ErrInvalidMutationMaxAttempts)
	}

	// LiveKit is optional. Only validate fields if any LiveKit value is set.
	if c.LiveKitURL != "" || c.LiveKitAPIKey != "" || c.LiveKitAPISecret != "" {
		if c.LiveKitURL == "" {
			errs = append(errs, ErrMissingLiveKitURL)
		}
		if c.LiveKitAPIKey == "" {
			errs = append(errs, ErrMissingLiveKitAPIKey)
		}
		if c.LiveKitAPISecret == "" {
			errs = append(errs, ErrMissingLiveKitAPISecret)
		}
	}

	// Archiving is optional. The endpoint may be empty for AWS S3.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretKey)
		}
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidTracingSampleRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      strconv.Itoa(c.Port),
		"env":                       c.Env,
		"cors_origins":              strings.Join(c.CORSOrigins, ","),
		"store_backend":             c.StoreBackend,
		"feed_backend":              c.FeedBackend,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"mutation_max_attempts":     strconv.Itoa(c.MutationMaxAttempts),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_previous_secret":       maskSecret(c.JWTPreviousSecret),
		"livekit_url":               c.LiveKitURL,
		"livekit_api_key":           maskSecret(c.LiveKitAPIKey),
		"livekit_api_secret":        maskSecret(c.LiveKitAPISecret),
		"tracing_enabled":           strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":          c.TracingExporter,
		"otlp_endpoint":             c.OTLPEndpoint,
		"tracing_sample_rate":       strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"archive_bucket":            c.ArchiveBucket,
		"archive_endpoint":          c.ArchiveEndpoint,
		"archive_region":            c.ArchiveRegion,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
