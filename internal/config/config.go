package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the worker configuration
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	// Trigger authentication
	CronSecret         string
	SessionJWKSURL     string
	SessionJWTSecret   string
	SessionTenantClaim string

	Google    OAuthClient
	Microsoft OAuthClient
	// MicrosoftTenant selects the Azure AD authority ("common" for multi-tenant apps).
	MicrosoftTenant string

	CredentialKey string

	DetectorURL     string
	DetectorTimeout time.Duration

	ConnectionsURL    string
	ConnectionsAPIKey string

	NATSURL string

	Sync SyncConfig

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// OAuthClient is one provider's registered OAuth application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// SyncConfig holds the tunables of a sync run.
type SyncConfig struct {
	RunBudget       time.Duration
	MaxIntegrations int
	MinInterval     time.Duration
	MaxResults      int
	Concurrency     int
	LeaseTTL        time.Duration
	ThreatThreshold float64
	DefaultLookback time.Duration
	RefreshSkew     time.Duration
	ItemTimeout     time.Duration
	SkipExpensive   bool
}

// Load reads configuration from the environment, loading .env first when present
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://data/sentinel.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		CronSecret:         getEnv("CRON_SECRET", ""),
		SessionJWKSURL:     getEnv("SESSION_JWKS_URL", ""),
		SessionJWTSecret:   getEnv("SESSION_JWT_SECRET", ""),
		SessionTenantClaim: getEnv("SESSION_TENANT_CLAIM", "tenant_id"),

		Google: OAuthClient{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},
		Microsoft: OAuthClient{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("MICROSOFT_REDIRECT_URI", ""),
		},
		MicrosoftTenant: getEnv("MICROSOFT_TENANT", "common"),

		CredentialKey: getEnv("CREDENTIAL_KEY", ""),

		DetectorURL:     getEnv("DETECTOR_URL", ""),
		DetectorTimeout: getEnvDuration("DETECTOR_TIMEOUT", 15*time.Second),

		ConnectionsURL:    getEnv("CONNECTIONS_URL", ""),
		ConnectionsAPIKey: getEnv("CONNECTIONS_API_KEY", ""),

		NATSURL: getEnv("NATS_URL", ""),

		Sync: SyncConfig{
			RunBudget:       getEnvDuration("SYNC_RUN_BUDGET", 50*time.Second),
			MaxIntegrations: getEnvInt("SYNC_MAX_INTEGRATIONS", 10),
			MinInterval:     getEnvDuration("SYNC_MIN_INTERVAL", 5*time.Minute),
			MaxResults:      getEnvInt("SYNC_MAX_RESULTS", 50),
			Concurrency:     getEnvInt("SYNC_CONCURRENCY", 1),
			LeaseTTL:        getEnvDuration("SYNC_LEASE_TTL", 2*time.Minute),
			ThreatThreshold: getEnvFloat("SYNC_THREAT_THRESHOLD", 0.7),
			DefaultLookback: getEnvDuration("SYNC_DEFAULT_LOOKBACK", 24*time.Hour),
			RefreshSkew:     getEnvDuration("SYNC_REFRESH_SKEW", 5*time.Minute),
			ItemTimeout:     getEnvDuration("SYNC_ITEM_TIMEOUT", 0),
			SkipExpensive:   getEnvBool("SYNC_SKIP_EXPENSIVE", true),
		},

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 3),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	return cfg, nil
}

// Validate checks that required settings are present and in range
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.CredentialKey == "" {
		return fmt.Errorf("CREDENTIAL_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.CredentialKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("CREDENTIAL_KEY must be 32 bytes, base64 encoded")
	}

	if c.DetectorURL == "" {
		return fmt.Errorf("DETECTOR_URL is required")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	s := c.Sync
	if s.RunBudget <= 0 {
		return fmt.Errorf("SYNC_RUN_BUDGET must be positive")
	}
	if s.MaxIntegrations < 1 {
		return fmt.Errorf("SYNC_MAX_INTEGRATIONS must be at least 1")
	}
	if s.MaxResults < 1 || s.MaxResults > 500 {
		return fmt.Errorf("SYNC_MAX_RESULTS must be between 1 and 500")
	}
	if s.Concurrency < 1 || s.Concurrency > 4 {
		return fmt.Errorf("SYNC_CONCURRENCY must be between 1 and 4")
	}
	if s.Concurrency > 1 && s.LeaseTTL <= 0 {
		return fmt.Errorf("SYNC_LEASE_TTL must be positive when SYNC_CONCURRENCY > 1")
	}
	if s.ThreatThreshold < 0 || s.ThreatThreshold > 1 {
		return fmt.Errorf("SYNC_THREAT_THRESHOLD must be between 0 and 1")
	}
	if s.DefaultLookback <= 0 {
		return fmt.Errorf("SYNC_DEFAULT_LOOKBACK must be positive")
	}
	if s.RefreshSkew < 0 || s.MinInterval < 0 || s.ItemTimeout < 0 {
		return fmt.Errorf("SYNC_REFRESH_SKEW, SYNC_MIN_INTERVAL and SYNC_ITEM_TIMEOUT must not be negative")
	}

	if c.RateLimitMax < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}

	return nil
}

// ValidateServe adds the checks that only apply to the HTTP surface
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.SessionJWKSURL == "" && c.SessionJWTSecret == "" {
		return fmt.Errorf("one of SESSION_JWKS_URL or SESSION_JWT_SECRET is required")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
