// Package gateway provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the Fireside
// transport layer.
package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the gateway configuration, including security controls and the
// presence/voice subsystem settings it injects at wiring time.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Presence       presence.Config
	Voice          voice.Config
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Voice: voice.Config{
			ICEServers: []voice.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if grace := os.Getenv("PRESENCE_GRACE_PERIOD"); grace != "" {
		cfg.Presence.GracePeriod = parseDuration(grace, cfg.Presence.GracePeriod)
	}
	if idle := os.Getenv("PRESENCE_IDLE_TIMEOUT"); idle != "" {
		cfg.Presence.IdleTimeout = parseDuration(idle, cfg.Presence.IdleTimeout)
	}
	if agent := os.Getenv("PRESENCE_AGENT_TIMEOUT"); agent != "" {
		cfg.Presence.AgentTimeout = parseDuration(agent, cfg.Presence.AgentTimeout)
	}

	if stun := os.Getenv("STUN_URLS"); stun != "" {
		cfg.Voice.ICEServers = []voice.ICEServer{{URLs: parseList(stun)}}
	}
	if turn := os.Getenv("TURN_URL"); turn != "" {
		cfg.Voice.ICEServers = append(cfg.Voice.ICEServers, voice.ICEServer{
			URLs:       []string{turn},
			Username:   os.Getenv("TURN_USERNAME"),
			Credential: os.Getenv("TURN_CREDENTIAL"),
		})
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	return parseList(origins)
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
