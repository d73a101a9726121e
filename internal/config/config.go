package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	License   LicenseConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// LicenseConfig holds license server and key acquisition configuration
type LicenseConfig struct {
	// ServerURL is the license server endpoint keys are fetched from.
	ServerURL string
	// FetchTimeout bounds one HTTP exchange with the license server.
	FetchTimeout time.Duration
	// SignerName identifies the provisioned signing credential.
	SignerName string
	// SignerType selects the signature scheme: aes, rsa, or none.
	SignerType string
	// AESKeyHex and AESIVHex hold the AES signing credential.
	AESKeyHex string
	AESIVHex  string
	// RSAKeyPath points to a PEM-encoded RSA private key.
	RSAKeyPath string
	// MaxAttempts bounds fetch attempts per cycle.
	MaxAttempts int
	// RetryDelay is the initial delay between attempts; doubles per retry.
	RetryDelay time.Duration
	// TransientStatuses lists license statuses retried as transient.
	TransientStatuses []string
	// AddCommonSystem appends the aggregated common-system entry to keys.
	AddCommonSystem bool
	// CryptoPeriodCount enables key rotation when non-zero.
	CryptoPeriodCount uint32
	// CryptoPeriodDuration is the wall-clock length of one crypto period,
	// used by the rotation worker to derive the current index.
	CryptoPeriodDuration time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the standalone metrics server configuration
type MetricsConfig struct {
	Port int
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// License defaults
	viper.SetDefault("license.serverURL", "https://license.uat.widevine.com/cenc/getcontentkey")
	viper.SetDefault("license.fetchTimeout", "30s")
	viper.SetDefault("license.signerType", "none")
	viper.SetDefault("license.maxAttempts", 3)
	viper.SetDefault("license.retryDelay", "500ms")
	viper.SetDefault("license.transientStatuses", []string{"INTERNAL_ERROR"})
	viper.SetDefault("license.addCommonSystem", false)
	viper.SetDefault("license.cryptoPeriodCount", 0)
	viper.SetDefault("license.cryptoPeriodDuration", "60s")

	// Rate limit defaults
	viper.SetDefault("ratelimit.rps", 10)
	viper.SetDefault("ratelimit.burst", 20)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Metrics defaults
	viper.SetDefault("metrics.port", 9091)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "keyserve")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
