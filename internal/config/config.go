// Package config loads the openorbit configuration from a JSON file and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults.
const (
	DefaultPort               = 8080
	DefaultLogLevel           = "info"
	DefaultPluginRoot         = "."
	DefaultStaleAfter         = 10 * time.Second
	DefaultRenderTick         = 16 * time.Millisecond
	DefaultJWTExpirationHours = 24
	DefaultValuationRPM       = 20
)

// Duration is a time.Duration that reads as "10s" in JSON.
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Valuation configures the valuation page scraper.
type Valuation struct {
	URLTemplate       string   `json:"url_template,omitempty" validate:"omitempty,url"`
	Selectors         []string `json:"selectors,omitempty" validate:"dive,required"`
	WaitSelector      string   `json:"wait_selector,omitempty"`
	RequestsPerMinute float64  `json:"requests_per_minute,omitempty" validate:"gte=0"`
	Timeout           Duration `json:"timeout,omitempty"`
	UseBrowser        bool     `json:"use_browser,omitempty"`
}

// Config is the full runtime configuration. Every field may come from the
// JSON file; environment variables override the file.
type Config struct {
	DatabaseURL string `json:"database_url,omitempty" validate:"omitempty,url"`
	PluginRoot  string `json:"plugin_root,omitempty"`
	Port        int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	LogLevel    string `json:"log_level,omitempty" validate:"oneof=debug info warn error"`
	CORSOrigin  string `json:"cors_origin,omitempty"`

	CRMBaseURL string `json:"crm_base_url,omitempty" validate:"omitempty,url"`
	CRMToken   string `json:"crm_token,omitempty"`
	FieldName  string `json:"field_name,omitempty"`

	Valuation     Valuation `json:"valuation"`
	ProgressEvery int       `json:"progress_every,omitempty" validate:"gte=0"`

	StaleAfter Duration `json:"stale_after,omitempty"`
	RenderTick Duration `json:"render_tick,omitempty"`
	Headless   bool     `json:"headless,omitempty"`
	ChromePath string   `json:"chrome_path,omitempty"`

	JWTSecret          string `json:"jwt_secret,omitempty"`
	JWTExpirationHours int    `json:"jwt_expiration_hours,omitempty" validate:"gte=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		PluginRoot:         DefaultPluginRoot,
		Port:               DefaultPort,
		LogLevel:           DefaultLogLevel,
		CORSOrigin:         "*",
		Valuation:          Valuation{RequestsPerMinute: DefaultValuationRPM},
		ProgressEvery:      1,
		StaleAfter:         Duration(DefaultStaleAfter),
		RenderTick:         Duration(DefaultRenderTick),
		Headless:           true,
		JWTExpirationHours: DefaultJWTExpirationHours,
	}
}

// LoadConfig reads a JSON config file over the defaults.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return cfg, nil
}

// Load builds the configuration: defaults, then the file at path (if not
// empty), then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.DatabaseURL)
	str("PLUGIN_ROOT", &c.PluginRoot)
	str("LOG_LEVEL", &c.LogLevel)
	str("CORS_ORIGIN", &c.CORSOrigin)
	str("CRM_BASE_URL", &c.CRMBaseURL)
	str("CRM_TOKEN", &c.CRMToken)
	str("CRM_FIELD_NAME", &c.FieldName)
	str("VALUATION_URL_TEMPLATE", &c.Valuation.URLTemplate)
	str("VALUATION_WAIT_SELECTOR", &c.Valuation.WaitSelector)
	str("CHROME_PATH", &c.ChromePath)
	str("JWT_SECRET", &c.JWTSecret)

	if v, ok := lookup("VALUATION_SELECTORS"); ok && v != "" {
		c.Valuation.Selectors = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Valuation.Selectors = append(c.Valuation.Selectors, s)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Port},
		{"PROGRESS_EVERY", &c.ProgressEvery},
		{"JWT_EXPIRATION_HOURS", &c.JWTExpirationHours},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %v", e.key, err)
			}
			*e.dst = n
		}
	}

	if v, ok := lookup("VALUATION_RPM"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid VALUATION_RPM: %v", err)
		}
		c.Valuation.RequestsPerMinute = f
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"LIVE_STALE_AFTER", &c.StaleAfter},
		{"LIVE_RENDER_TICK", &c.RenderTick},
		{"VALUATION_TIMEOUT", &c.Valuation.Timeout},
	}
	for _, e := range durations {
		if v, ok := lookup(e.key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %v", e.key, err)
			}
			*e.dst = Duration(d)
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CHROME_HEADLESS", &c.Headless},
		{"VALUATION_USE_BROWSER", &c.Valuation.UseBrowser},
	}
	for _, e := range bools {
		if v, ok := lookup(e.key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %v", e.key, err)
			}
			*e.dst = b
		}
	}
	return nil
}

// Validate checks field values. It does not require any field; commands check
// for what they need with the Require* helpers.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.StaleAfter < 0 || c.RenderTick < 0 {
		return fmt.Errorf("config error: durations must be non-negative")
	}
	return nil
}

// RequireDatabase errors when no database URL is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required (set DATABASE_URL or database_url)")
	}
	return nil
}

// RequireEnrichment errors when the CRM or valuation source is not configured.
func (c *Config) RequireEnrichment() error {
	var missing []string
	if c.CRMBaseURL == "" {
		missing = append(missing, "crm_base_url")
	}
	if c.Valuation.URLTemplate == "" {
		missing = append(missing, "valuation.url_template")
	}
	if len(c.Valuation.Selectors) == 0 {
		missing = append(missing, "valuation.selectors")
	}
	if len(missing) > 0 {
		return fmt.Errorf("enrichment is not configured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JWTConfig holds configuration for JWT token generation and validation.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// JWT returns the token configuration, or false when auth is disabled.
func (c *Config) JWT() (*JWTConfig, bool) {
	if c.JWTSecret == "" {
		return nil, false
	}
	hours := c.JWTExpirationHours
	if hours < 1 {
		hours = DefaultJWTExpirationHours
	}
	return &JWTConfig{Secret: c.JWTSecret, ExpirationHours: hours}, true
}
