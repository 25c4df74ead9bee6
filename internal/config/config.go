// Package config loads gomta's configuration from environment
// variables into a struct-of-structs, following the teacher's
// Config/Load pattern: typed getters with defaults, then a single
// validator.Struct pass over the assembled value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every configuration section gomta needs to run the
// SMTP edge, the HTTP submission edge, the queue, the relay manager,
// and the storage backend.
type Config struct {
	Server  ServerConfig
	SMTP    SMTPConfig
	HTTP    HTTPConfig
	Queue   QueueConfig
	Relay   RelayConfig
	Storage StorageConfig
	Policy  PolicyConfig
	Logging LoggingConfig
}

// ServerConfig holds the edge's listener and connection-limiting
// parameters, generalizing the teacher's ServerConfig (host/port) to
// the bounded worker pool of spec.md §4.4.
type ServerConfig struct {
	ListenAddr          string        `validate:"required"`
	AdminListenAddr     string        `validate:"required"`
	MaxConnections      int           `validate:"gt=0"`
	MaxConnectionsPerIP int           `validate:"gt=0"`
	ShutdownGrace       time.Duration `validate:"gt=0"`
	ProxyProtocol       bool
}

// SMTPConfig holds per-session protocol limits and TLS material,
// unchanged in purpose from the teacher's SMTPConfig but scoped to
// what internal/smtpserver needs.
type SMTPConfig struct {
	Hostname           string        `validate:"required"`
	MaxMessageSize     int64         `validate:"gt=0"`
	MaxRecipients      int           `validate:"gt=0"`
	SessionTimeout     time.Duration `validate:"gt=0"`
	TLSCertFile        string
	TLSKeyFile         string
	TLSEnabled         bool
	RequireTLSForAuth  bool
	AuthMechanisms     []string
}

// HTTPConfig holds the HTTP submission edge's bind address and bearer
// token validation material (§6).
type HTTPConfig struct {
	Enabled            bool
	ListenAddr         string
	MaxMessageSize     int64
	JWTSigningKey      string `validate:"required_if=Enabled true"`
	JWTIssuer          string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// QueueConfig holds the retry/backoff schedule the queue engine uses
// between delivery attempts (§4.6).
type QueueConfig struct {
	InitialRetryInterval time.Duration `validate:"gt=0"`
	RetryBackoffFactor   float64       `validate:"gt=0"`
	MaxAttempts          int           `validate:"gt=0"`
	DispatchLimit        int           `validate:"gt=0"`
}

// RelayConfig holds the MX relay manager's connection pooling and DNS
// resolution parameters (§4.7).
type RelayConfig struct {
	ConcurrentConnectionsPerDest int           `validate:"gt=0"`
	IdleTimeout                  time.Duration `validate:"gt=0"`
	ConnectTimeout               time.Duration `validate:"gt=0"`
	CommandTimeout               time.Duration `validate:"gt=0"`
	DataTimeout                  time.Duration `validate:"gt=0"`
	DNSServer                    string        `validate:"required"`
	SharedMXCacheRedisAddr       string
}

// StorageConfig selects and configures the durable queue's storage
// backend (§4.6/§6).
type StorageConfig struct {
	Backend      string `validate:"oneof=ondisk postgres"`
	OnDiskDir    string `validate:"required_if=Backend ondisk"`
	PostgresDSN  string `validate:"required_if=Backend postgres"`
}

// PolicyConfig toggles the built-in policies spec.md §4.8 describes;
// ForwardRules is left to the embedding program to populate since a
// pattern/replacement pair has no natural environment-variable form.
type PolicyConfig struct {
	AddDateHeader      bool
	AddMessageIDHeader bool
	AddReceivedHeader  bool
	SplitRecipients    bool
}

// LoggingConfig controls internal/logger, following the teacher's
// LoggingConfig field-for-field.
type LoggingConfig struct {
	Level     string
	Format    string
	Output    string
	AddSource bool
}

// Load reads configuration from environment variables, applying the
// same defaults a bare install would want, then validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:          getEnv("GOMTA_LISTEN_ADDR", ":25"),
			AdminListenAddr:     getEnv("GOMTA_ADMIN_LISTEN_ADDR", ":8081"),
			MaxConnections:      getIntEnv("GOMTA_MAX_CONNECTIONS", 256),
			MaxConnectionsPerIP: getIntEnv("GOMTA_MAX_CONNECTIONS_PER_IP", 8),
			ShutdownGrace:       getDurationEnv("GOMTA_SHUTDOWN_GRACE", 30*time.Second),
			ProxyProtocol:       getBoolEnv("GOMTA_PROXY_PROTOCOL", false),
		},
		SMTP: SMTPConfig{
			Hostname:          getEnv("GOMTA_HOSTNAME", "mail.example.com"),
			MaxMessageSize:    getInt64Env("GOMTA_MAX_MESSAGE_SIZE", 25*1024*1024),
			MaxRecipients:     getIntEnv("GOMTA_MAX_RECIPIENTS", 100),
			SessionTimeout:    getDurationEnv("GOMTA_SESSION_TIMEOUT", 5*time.Minute),
			TLSCertFile:       getEnv("GOMTA_TLS_CERT_FILE", ""),
			TLSKeyFile:        getEnv("GOMTA_TLS_KEY_FILE", ""),
			TLSEnabled:        getBoolEnv("GOMTA_TLS_ENABLED", false),
			RequireTLSForAuth: getBoolEnv("GOMTA_REQUIRE_TLS_FOR_AUTH", true),
			AuthMechanisms:    getListEnv("GOMTA_AUTH_MECHANISMS", []string{"PLAIN", "LOGIN", "CRAM-MD5"}),
		},
		HTTP: HTTPConfig{
			Enabled:            getBoolEnv("GOMTA_HTTP_ENABLED", false),
			ListenAddr:         getEnv("GOMTA_HTTP_LISTEN_ADDR", ":8025"),
			MaxMessageSize:     getInt64Env("GOMTA_HTTP_MAX_MESSAGE_SIZE", 25*1024*1024),
			JWTSigningKey:      getEnv("GOMTA_HTTP_JWT_SIGNING_KEY", ""),
			JWTIssuer:          getEnv("GOMTA_HTTP_JWT_ISSUER", "gomta"),
			AllowedOrigins:     getListEnv("GOMTA_HTTP_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitPerMinute: getIntEnv("GOMTA_HTTP_RATE_LIMIT_PER_MINUTE", 60),
		},
		Queue: QueueConfig{
			InitialRetryInterval: getDurationEnv("GOMTA_QUEUE_INITIAL_RETRY", time.Minute),
			RetryBackoffFactor:   getFloatEnv("GOMTA_QUEUE_BACKOFF_FACTOR", 2.0),
			MaxAttempts:          getIntEnv("GOMTA_QUEUE_MAX_ATTEMPTS", 8),
			DispatchLimit:        getIntEnv("GOMTA_QUEUE_DISPATCH_LIMIT", 16),
		},
		Relay: RelayConfig{
			ConcurrentConnectionsPerDest: getIntEnv("GOMTA_RELAY_CONCURRENT_CONNECTIONS", 10),
			IdleTimeout:                  getDurationEnv("GOMTA_RELAY_IDLE_TIMEOUT", 2*time.Minute),
			ConnectTimeout:               getDurationEnv("GOMTA_RELAY_CONNECT_TIMEOUT", 30*time.Second),
			CommandTimeout:               getDurationEnv("GOMTA_RELAY_COMMAND_TIMEOUT", time.Minute),
			DataTimeout:                  getDurationEnv("GOMTA_RELAY_DATA_TIMEOUT", 10*time.Minute),
			DNSServer:                    getEnv("GOMTA_DNS_SERVER", "127.0.0.1:53"),
			SharedMXCacheRedisAddr:       getEnv("GOMTA_MX_CACHE_REDIS_ADDR", ""),
		},
		Storage: StorageConfig{
			Backend:     getEnv("GOMTA_STORAGE_BACKEND", "ondisk"),
			OnDiskDir:   getEnv("GOMTA_STORAGE_ONDISK_DIR", "/var/spool/gomta"),
			PostgresDSN: getEnv("GOMTA_STORAGE_POSTGRES_DSN", ""),
		},
		Policy: PolicyConfig{
			AddDateHeader:      getBoolEnv("GOMTA_POLICY_ADD_DATE_HEADER", true),
			AddMessageIDHeader: getBoolEnv("GOMTA_POLICY_ADD_MESSAGE_ID_HEADER", true),
			AddReceivedHeader:  getBoolEnv("GOMTA_POLICY_ADD_RECEIVED_HEADER", true),
			SplitRecipients:    getBoolEnv("GOMTA_POLICY_SPLIT_RECIPIENTS", false),
		},
		Logging: LoggingConfig{
			Level:     getEnv("GOMTA_LOG_LEVEL", "info"),
			Format:    getEnv("GOMTA_LOG_FORMAT", "json"),
			Output:    getEnv("GOMTA_LOG_OUTPUT", "stdout"),
			AddSource: getBoolEnv("GOMTA_LOG_ADD_SOURCE", false),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct tag validation over cfg, additionally checking
// the TLSEnabled-implies-cert/key-pair rule a tag alone can't express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.SMTP.TLSEnabled && (cfg.SMTP.TLSCertFile == "" || cfg.SMTP.TLSKeyFile == "") {
		return fmt.Errorf("config: GOMTA_TLS_ENABLED requires both a cert and a key file")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
