// Package api provides the Ingress Facade (C7): the batch JSON endpoint, the
// OTLP/HTTP endpoint, the dashboard read API, and the live-stream upgrade.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsight/tracecollector/internal/config"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default server host.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = slog.LevelInfo
	// DefaultCORSMaxAge is the default CORS max age (24 hours).
	DefaultCORSMaxAge = 86400
	// DefaultOTLPHTTPPath is the OTLP/HTTP trace ingestion path (§6.2).
	DefaultOTLPHTTPPath = "/v1/traces"
	// DefaultStaleRunTimeoutMinutes is the stale-sweep default T (§4.4.6).
	DefaultStaleRunTimeoutMinutes = 30
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds HTTP server configuration for the Ingress Facade and
// Query Surface.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
	OTLPHTTPEnabled    bool
	OTLPHTTPPath       string
	StaleRunTimeoutMin int
}

// LoadServerConfig loads server configuration from environment variables
// with sensible defaults.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:               config.GetEnvInt("TRACECOLLECTOR_PORT", DefaultPort),
		Host:               config.GetEnvStr("TRACECOLLECTOR_HOST", DefaultHost),
		ReadTimeout:        config.GetEnvDuration("TRACECOLLECTOR_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:       config.GetEnvDuration("TRACECOLLECTOR_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout:    config.GetEnvDuration("TRACECOLLECTOR_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:           config.GetEnvLogLevel("TRACECOLLECTOR_LOG_LEVEL", DefaultLogLevel),
		CORSAllowedOrigins: commaListOrDefault("TRACECOLLECTOR_CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods: commaListOrDefault("TRACECOLLECTOR_CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders: commaListOrDefault("TRACECOLLECTOR_CORS_ALLOWED_HEADERS", []string{"Content-Type", "X-Correlation-ID"}),
		CORSMaxAge:         config.GetEnvInt("TRACECOLLECTOR_CORS_MAX_AGE", DefaultCORSMaxAge),
		OTLPHTTPEnabled:    config.GetEnvBool("OTLP_HTTP_ENABLED", true),
		OTLPHTTPPath:       config.GetEnvStr("OTLP_HTTP_PATH", DefaultOTLPHTTPPath),
		StaleRunTimeoutMin: config.GetEnvInt("STALE_RUN_TIMEOUT_MINUTES_DEFAULT", DefaultStaleRunTimeoutMinutes),
	}
}

func commaListOrDefault(key string, def []string) []string {
	raw := config.GetEnvStr(key, "")
	if raw == "" {
		return def
	}

	return config.ParseCommaSeparatedList(raw)
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to middleware.CORSConfig.
func (c ServerConfig) ToCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// DefaultGRPCPort is the default OTLP gRPC trace service port (§6.2).
const DefaultGRPCPort = 4317

// GRPCConfig holds the OTLP gRPC trace service listener configuration
// (§6.2, §6.5), loaded separately from ServerConfig since it governs a
// second listener rather than the HTTP mux.
type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// LoadGRPCConfig loads the OTLP gRPC listener configuration from environment
// variables with sensible defaults.
func LoadGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Enabled: config.GetEnvBool("OTLP_GRPC_ENABLED", true),
		Host:    config.GetEnvStr("OTLP_GRPC_HOST", DefaultHost),
		Port:    config.GetEnvInt("OTLP_GRPC_PORT", DefaultGRPCPort),
	}
}

// Address returns the gRPC listener address in host:port format.
func (c GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CORSConfig holds CORS configuration options.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }

// GetAllowedMethods returns the allowed methods for CORS.
func (c CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }

// GetAllowedHeaders returns the allowed headers for CORS.
func (c CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }

// GetMaxAge returns the max age for CORS preflight cache.
func (c CORSConfig) GetMaxAge() int { return c.MaxAge }

// Validate validates the server configuration.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, MaxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}
