// Package config provides configuration for the insights collector.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the collector configuration.
type Config struct {
	// Collector settings
	APIToken string // Access credential; streaming is disabled when empty
	URL      string // Registration handshake endpoint
	RunKey   string // Stable identifier for the run; generated when empty

	// Batch export
	Filename string // Local gzip artifact path; batch export is disabled when empty

	// Timeouts
	HandshakeTimeout time.Duration
	PushTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration

	// Reconnect settings
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	// Outbound queue capacity of the streaming session
	QueueSize int
	// Largest collector frame the streaming session accepts, in bytes
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		APIToken:          getEnv("INSIGHTS_API_TOKEN", ""),
		URL:               getEnv("INSIGHTS_URL", "http://localhost:3000/v1/uploads"),
		RunKey:            getEnv("INSIGHTS_RUN_KEY", os.Getenv("BUILDKITE_BUILD_ID")),
		Filename:          getEnv("INSIGHTS_FILENAME", ""),
		HandshakeTimeout:  getEnvMillis("INSIGHTS_HANDSHAKE_TIMEOUT_MS", 10000),
		PushTimeout:       getEnvMillis("INSIGHTS_PUSH_TIMEOUT_MS", 5000),
		WriteTimeout:      getEnvMillis("INSIGHTS_WRITE_TIMEOUT_MS", 10000),
		PingInterval:      getEnvMillis("INSIGHTS_PING_INTERVAL_MS", 30000),
		ReadTimeout:       getEnvMillis("INSIGHTS_READ_TIMEOUT_MS", 60000),
		ReconnectAttempts: getEnvInt("INSIGHTS_RECONNECT_ATTEMPTS", 3),
		ReconnectDelay:    getEnvMillis("INSIGHTS_RECONNECT_DELAY_MS", 1000),
		ReconnectMaxDelay: getEnvMillis("INSIGHTS_RECONNECT_MAX_DELAY_MS", 30000),
		QueueSize:         getEnvInt("INSIGHTS_QUEUE_SIZE", 256),
		MaxMessageSize:    int64(getEnvInt("INSIGHTS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

// StreamingEnabled reports whether a registration handshake should be attempted.
func (c *Config) StreamingEnabled() bool {
	return c.APIToken != ""
}

// BatchEnabled reports whether a batch artifact is written at run end.
func (c *Config) BatchEnabled() bool {
	return c.Filename != ""
}

// Enabled reports whether the collector does anything at all.
func (c *Config) Enabled() bool {
	return c.StreamingEnabled() || c.BatchEnabled()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvMillis reads a duration in milliseconds. Values that are not positive
// fall back to the default, so no timeout can be switched off.
func getEnvMillis(key string, defaultMs int) time.Duration {
	ms := getEnvInt(key, defaultMs)
	if ms <= 0 {
		ms = defaultMs
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
