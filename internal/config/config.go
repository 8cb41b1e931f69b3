// Package config loads and validates aggregator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultUserAgent is a current desktop Chrome string.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	RequestTimeoutSeconds    int `mapstructure:"request_timeout_seconds"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Requests      int  `mapstructure:"requests"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// BrowserConfig sizes the browser pool and describes how Chrome is started.
type BrowserConfig struct {
	MaxPoolSize          int    `mapstructure:"max_pool_size"`
	ExecPath             string `mapstructure:"exec_path"`
	Headless             bool   `mapstructure:"headless"`
	NoSandbox            bool   `mapstructure:"no_sandbox"`
	UserAgent            string `mapstructure:"user_agent"`
	LaunchTimeoutSeconds int    `mapstructure:"launch_timeout_seconds"`
	MaxUses              int    `mapstructure:"max_uses"`
	MaxAgeMinutes        int    `mapstructure:"max_age_minutes"`
}

// CacheConfig controls result caching.
type CacheConfig struct {
	TTLSeconds           int `mapstructure:"ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// AggregatorConfig tunes the fan-out.
type AggregatorConfig struct {
	Sources               []string `mapstructure:"sources"`
	SortByRecency         bool     `mapstructure:"sort_by_recency"`
	ScraperTimeoutSeconds int      `mapstructure:"scraper_timeout_seconds"`
	SourceRPS             float64  `mapstructure:"source_rps"`
	SourceBurst           int      `mapstructure:"source_burst"`
}

// ScraperConfig tunes page rendering.
type ScraperConfig struct {
	NavTimeoutSeconds   int `mapstructure:"nav_timeout_seconds"`
	WaitSelectorSeconds int `mapstructure:"wait_selector_seconds"`
	ScrollLimitPx       int `mapstructure:"scroll_limit_px"`
	ScrollStepPx        int `mapstructure:"scroll_step_px"`
	ScrollIntervalMs    int `mapstructure:"scroll_interval_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// envAliases maps the short deployment variables onto config keys.
var envAliases = map[string][]string{
	"server.port":           {"PORT"},
	"browser.exec_path":     {"CHROME_PATH", "PUPPETEER_EXECUTABLE_PATH"},
	"browser.max_pool_size": {"MAX_POOL_SIZE"},
	"cache.ttl_seconds":     {"CACHE_TTL_SECONDS"},
	"auth.api_key":          {"API_KEY"},
	"cors.allowed_origins":  {"FRONTEND_URL"},
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBAGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, names := range envAliases {
		args := append([]string{key, "JOBAGG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 50)
	v.SetDefault("rate_limit.window_seconds", 900)
	v.SetDefault("browser.max_pool_size", 3)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("browser.max_uses", 0)
	v.SetDefault("browser.max_age_minutes", 0)
	v.SetDefault("cache.ttl_seconds", 1800)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("aggregator.sources", []string{"linkedin", "wellfound", "unstop"})
	v.SetDefault("aggregator.sort_by_recency", true)
	v.SetDefault("aggregator.scraper_timeout_seconds", 60)
	v.SetDefault("aggregator.source_rps", 1.0)
	v.SetDefault("aggregator.source_burst", 1)
	v.SetDefault("scraper.nav_timeout_seconds", 60)
	v.SetDefault("scraper.wait_selector_seconds", 10)
	v.SetDefault("scraper.scroll_limit_px", 10000)
	v.SetDefault("scraper.scroll_step_px", 300)
	v.SetDefault("scraper.scroll_interval_ms", 200)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "job-aggregator")
	v.SetDefault("telemetry.tracing_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535"))
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout_seconds must be > 0"))
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, fmt.Errorf("auth.api_key must be set when auth is enabled"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0) {
		errs = append(errs, fmt.Errorf("rate_limit.requests and rate_limit.window_seconds must be > 0 when enabled"))
	}
	if c.Browser.MaxPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("browser.max_pool_size must be > 0"))
	}
	if c.Browser.LaunchTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("browser.launch_timeout_seconds must be > 0"))
	}
	if c.Browser.MaxUses < 0 || c.Browser.MaxAgeMinutes < 0 {
		errs = append(errs, fmt.Errorf("browser.max_uses and browser.max_age_minutes must be >= 0"))
	}
	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must be > 0"))
	}
	if c.Aggregator.ScraperTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("aggregator.scraper_timeout_seconds must be > 0"))
	}
	if c.Scraper.NavTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("scraper.nav_timeout_seconds must be > 0"))
	}
	return errors.Join(errs...)
}

// RequestTimeout is the wall-clock budget for one scrape request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// CacheTTL is how long merged results are kept.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RateLimitWindow is the client rate-limit window.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
