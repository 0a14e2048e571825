package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from environment variables.
func LoadConfig() *Config {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) *Config {
	env := envReader(getenv)
	enabled := env.boolean("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{
			Enabled: false,
		}
	}

	return &Config{
		Enabled:         enabled,
		DefaultLimit:    env.integer("RATE_LIMIT_DEFAULT_LIMIT", 1000),
		DefaultWindow:   env.duration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: env.duration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseIPList(env.str("RATE_LIMIT_WHITELIST", "")),
		Blacklist:       parseIPList(env.str("RATE_LIMIT_BLACKLIST", "")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Starting a batch run drives external CRM and valuation traffic.
		{Path: "/jobs/enrich", Method: "POST", Limit: 10, Window: time.Hour, Burst: 2},

		// Streams are long-lived; limit how often a client can reconnect.
		{Path: "/live/stream", Method: "GET", Limit: 30, Window: time.Minute, Burst: 5},

		// Rescanning adapters touches the filesystem.
		{Path: "/adapters", Method: "GET", Limit: 60, Window: time.Minute, Burst: 10},

		// Reads share the default limit; health checks are unlimited.
		{Path: "/jobs/runs/", Method: "GET", Limit: 300, Window: time.Minute, Burst: 30},
	}
}

// envReader reads typed values with defaults. Unparseable values fall back
// to the default.
type envReader func(string) string

func (e envReader) str(key string, defaultValue string) string {
	if value := e(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) integer(key string, defaultValue int) int {
	if value := e(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (e envReader) boolean(key string, defaultValue bool) bool {
	if value := e(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (e envReader) duration(key string, defaultValue time.Duration) time.Duration {
	if value := e(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	ips := strings.Split(list, ",")
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}

	return result
}

