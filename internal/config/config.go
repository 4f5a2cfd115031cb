// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64
	TrustProxy          bool // honor X-Forwarded-For when keying rate limits

	// Storage settings.
	DBPath       string // SQLite database file; ":memory:" for ephemeral.
	ArtifactPath string // Classifier artifact JSON file.

	// Corpus and training settings.
	CuratedCorpusPath string // Optional YAML file of hand-curated examples.
	TrainSeed         int64
	TestFraction      float64
	MinClassExamples  int
	CapPerLabel       int
	TrainOnStart      bool // Train synchronously at boot when no artifact exists.

	// Decision settings.
	DefaultTopN      int
	MaxTopN          int
	DegradedFallback bool // Keyword rule table when no artifact is loadable.

	// Dispatch settings.
	ExecTimeout     time.Duration // Wall-clock bound on one operation execution.
	CompileTimeout  time.Duration // Bound on dynamic-function admission compile.
	DuplicatePolicy string        // "last" or "first" on duplicate timestamps.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap. Empty disables the admin surface.
	AdminAPIKey string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel           string
	AuditProofInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("BUNKI_PORT", 8080),
		ReadTimeout:         envDuration("BUNKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("BUNKI_WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:     envDuration("BUNKI_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodyBytes: int64(envInt("BUNKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		TrustProxy:          envBool("BUNKI_TRUST_PROXY", false),
		DBPath:              envStr("BUNKI_DB_PATH", "data/bunki.db"),
		ArtifactPath:        envStr("BUNKI_ARTIFACT_PATH", "data/classifier.json"),
		CuratedCorpusPath:   envStr("BUNKI_CURATED_CORPUS", ""),
		TrainSeed:           int64(envInt("BUNKI_TRAIN_SEED", 42)),
		TestFraction:        envFloat("BUNKI_TEST_FRACTION", 0.2),
		MinClassExamples:    envInt("BUNKI_MIN_CLASS_EXAMPLES", 2),
		CapPerLabel:         envInt("BUNKI_CAP_PER_LABEL", 40),
		TrainOnStart:        envBool("BUNKI_TRAIN_ON_START", true),
		DefaultTopN:         envInt("BUNKI_DEFAULT_TOP_N", 3),
		MaxTopN:             envInt("BUNKI_MAX_TOP_N", 10),
		DegradedFallback:    envBool("BUNKI_DEGRADED_FALLBACK", true),
		ExecTimeout:         envDuration("BUNKI_EXEC_TIMEOUT", 5*time.Second),
		CompileTimeout:      envDuration("BUNKI_COMPILE_TIMEOUT", 10*time.Second),
		DuplicatePolicy:     envStr("BUNKI_DUPLICATE_POLICY", "last"),
		JWTPrivateKeyPath:   envStr("BUNKI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("BUNKI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("BUNKI_JWT_EXPIRATION", 1*time.Hour),
		AdminAPIKey:         envStr("BUNKI_ADMIN_API_KEY", ""),
		RateLimitEnabled:    envBool("BUNKI_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        envFloat("BUNKI_RATE_LIMIT_RPS", 25),
		RateLimitBurst:      envInt("BUNKI_RATE_LIMIT_BURST", 50),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "bunki"),
		LogLevel:            envStr("BUNKI_LOG_LEVEL", "info"),
		AuditProofInterval:  envDuration("BUNKI_AUDIT_PROOF_INTERVAL", 1*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: BUNKI_DB_PATH is required")
	}
	if c.ArtifactPath == "" {
		return fmt.Errorf("config: BUNKI_ARTIFACT_PATH is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: BUNKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("config: BUNKI_TEST_FRACTION must be in (0,1)")
	}
	if c.MinClassExamples < 2 {
		return fmt.Errorf("config: BUNKI_MIN_CLASS_EXAMPLES must be at least 2")
	}
	if c.CapPerLabel < c.MinClassExamples {
		return fmt.Errorf("config: BUNKI_CAP_PER_LABEL must be at least BUNKI_MIN_CLASS_EXAMPLES")
	}
	if c.DefaultTopN < 1 || c.DefaultTopN > c.MaxTopN {
		return fmt.Errorf("config: BUNKI_DEFAULT_TOP_N must be in [1, BUNKI_MAX_TOP_N]")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("config: BUNKI_EXEC_TIMEOUT must be positive")
	}
	if c.DuplicatePolicy != "last" && c.DuplicatePolicy != "first" {
		return fmt.Errorf("config: BUNKI_DUPLICATE_POLICY must be \"last\" or \"first\" (got %q)", c.DuplicatePolicy)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
