// Package config provides configuration management for freshell.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for freshell.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Spawn    SpawnConfig    `mapstructure:"spawn"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Perf     PerfConfig     `mapstructure:"perf"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds the WebSocket handshake configuration.
type AuthConfig struct {
	Token          string   `mapstructure:"token"`          // shared secret checked in the hello message
	AllowedOrigins []string `mapstructure:"allowedOrigins"` // non-loopback Origin allow-list
	HelloTimeoutMS int      `mapstructure:"helloTimeoutMs"` // handshake deadline
}

// LimitsConfig holds the memory-safety and fairness limits.
type LimitsConfig struct {
	MaxConnections          int   `mapstructure:"maxConnections"`
	MaxTerminals            int   `mapstructure:"maxTerminals"`
	MaxExitedTerminals      int   `mapstructure:"maxExitedTerminals"`
	MaxWSBufferedAmount     int64 `mapstructure:"maxWsBufferedAmount"`
	MaxWSChunkBytes         int   `mapstructure:"maxWsChunkBytes"`
	MaxPendingSnapshotChars int64 `mapstructure:"maxPendingSnapshotChars"`
	MaxScrollbackChars      int64 `mapstructure:"maxScrollbackChars"` // 0 = derive from terminal.scrollback
}

// TerminalConfig holds per-terminal behavior settings.
type TerminalConfig struct {
	Scrollback            int    `mapstructure:"scrollback"`            // scrollback window in lines
	AutoKillIdleMinutes   int    `mapstructure:"autoKillIdleMinutes"`   // <=0 disables idle eviction
	WarnBeforeKillMinutes int    `mapstructure:"warnBeforeKillMinutes"` // 0 < W < K emits a warning first
	DefaultCwd            string `mapstructure:"defaultCwd"`            // fallback working directory for create
}

// SpawnConfig holds platform-specific spawn overrides.
type SpawnConfig struct {
	WindowsShell  string `mapstructure:"windowsShell"`  // cmd or powershell
	WSLExe        string `mapstructure:"wslExe"`        // path to wsl.exe
	WSLDistro     string `mapstructure:"wslDistro"`     // optional -d argument
	PowershellExe string `mapstructure:"powershellExe"` // path to powershell.exe
}

// NATSConfig holds the optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PerfConfig holds the perf monitor configuration.
type PerfConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"intervalSeconds"`
	LagThresholdMS  int  `mapstructure:"lagThresholdMs"` // input-to-output lag alert threshold
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HelloTimeout returns the handshake deadline as a time.Duration.
func (a *AuthConfig) HelloTimeout() time.Duration {
	return time.Duration(a.HelloTimeoutMS) * time.Millisecond
}

const (
	minScrollbackChars = 64 * 1024
	maxScrollbackChars = 2 * 1024 * 1024
	charsPerLine       = 200 // heuristic: bytes retained per scrollback line
)

// ScrollbackChars returns the scrollback cap in bytes. An explicit
// limits.maxScrollbackChars wins; otherwise the cap is derived from the
// line count and clamped to [64 KiB, 2 MiB].
func (c *Config) ScrollbackChars() int64 {
	chars := c.Limits.MaxScrollbackChars
	if chars <= 0 {
		chars = int64(c.Terminal.Scrollback) * charsPerLine
	}
	if chars < minScrollbackChars {
		chars = minScrollbackChars
	}
	if chars > maxScrollbackChars {
		chars = maxScrollbackChars
	}
	return chars
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FRESHELL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.allowedOrigins", []string{})
	v.SetDefault("auth.helloTimeoutMs", 10_000)

	// Limits defaults
	v.SetDefault("limits.maxConnections", 100)
	v.SetDefault("limits.maxTerminals", 50)
	v.SetDefault("limits.maxExitedTerminals", 200)
	v.SetDefault("limits.maxWsBufferedAmount", 2*1024*1024)
	v.SetDefault("limits.maxWsChunkBytes", 500*1024)
	v.SetDefault("limits.maxPendingSnapshotChars", 512*1024)
	v.SetDefault("limits.maxScrollbackChars", 0)

	// Terminal defaults
	v.SetDefault("terminal.scrollback", 328) // ~64 KiB at 200 bytes/line
	v.SetDefault("terminal.autoKillIdleMinutes", 0)
	v.SetDefault("terminal.warnBeforeKillMinutes", 0)
	v.SetDefault("terminal.defaultCwd", "")

	// Spawn defaults
	v.SetDefault("spawn.windowsShell", "")
	v.SetDefault("spawn.wslExe", "")
	v.SetDefault("spawn.wslDistro", "")
	v.SetDefault("spawn.powershellExe", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Perf defaults
	v.SetDefault("perf.enabled", false)
	v.SetDefault("perf.intervalSeconds", 30)
	v.SetDefault("perf.lagThresholdMs", 1500)
}

// bindEnv wires the documented flat environment variable names onto their
// config keys. AutomaticEnv handles the FRESHELL_-prefixed forms; these
// bindings keep the short names working as well.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT", "FRESHELL_SERVER_PORT")
	_ = v.BindEnv("auth.token", "AUTH_TOKEN")
	_ = v.BindEnv("auth.allowedOrigins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("auth.helloTimeoutMs", "HELLO_TIMEOUT_MS")
	_ = v.BindEnv("limits.maxConnections", "MAX_CONNECTIONS")
	_ = v.BindEnv("limits.maxTerminals", "MAX_TERMINALS")
	_ = v.BindEnv("limits.maxExitedTerminals", "MAX_EXITED_TERMINALS")
	_ = v.BindEnv("limits.maxWsBufferedAmount", "MAX_WS_BUFFERED_AMOUNT")
	_ = v.BindEnv("limits.maxWsChunkBytes", "MAX_WS_CHUNK_BYTES")
	_ = v.BindEnv("limits.maxPendingSnapshotChars", "MAX_PENDING_SNAPSHOT_CHARS")
	_ = v.BindEnv("limits.maxScrollbackChars", "MAX_SCROLLBACK_CHARS")
	_ = v.BindEnv("spawn.windowsShell", "WINDOWS_SHELL")
	_ = v.BindEnv("spawn.wslExe", "WSL_EXE")
	_ = v.BindEnv("spawn.wslDistro", "WSL_DISTRO")
	_ = v.BindEnv("spawn.powershellExe", "POWERSHELL_EXE")
	_ = v.BindEnv("nats.url", "NATS_URL")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FRESHELL_ with snake_case naming, plus
// the flat names documented in the protocol (AUTH_TOKEN, MAX_TERMINALS, ...).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FRESHELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/freshell/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// ALLOWED_ORIGINS is commonly set as a comma-separated string.
	if len(cfg.Auth.AllowedOrigins) == 1 && strings.Contains(cfg.Auth.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.Auth.AllowedOrigins[0], ",")
		cfg.Auth.AllowedOrigins = cfg.Auth.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Auth.AllowedOrigins = append(cfg.Auth.AllowedOrigins, p)
			}
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Auth.HelloTimeoutMS <= 0 {
		errs = append(errs, "auth.helloTimeoutMs must be positive")
	}
	if cfg.Limits.MaxConnections <= 0 {
		errs = append(errs, "limits.maxConnections must be positive")
	}
	if cfg.Limits.MaxTerminals <= 0 {
		errs = append(errs, "limits.maxTerminals must be positive")
	}
	if cfg.Limits.MaxExitedTerminals < 0 {
		errs = append(errs, "limits.maxExitedTerminals must not be negative")
	}
	if cfg.Limits.MaxWSBufferedAmount <= 0 {
		errs = append(errs, "limits.maxWsBufferedAmount must be positive")
	}
	if cfg.Limits.MaxWSChunkBytes <= 0 {
		errs = append(errs, "limits.maxWsChunkBytes must be positive")
	}
	if cfg.Limits.MaxPendingSnapshotChars <= 0 {
		errs = append(errs, "limits.maxPendingSnapshotChars must be positive")
	}
	if w, k := cfg.Terminal.WarnBeforeKillMinutes, cfg.Terminal.AutoKillIdleMinutes; k > 0 && w != 0 && (w < 0 || w >= k) {
		errs = append(errs, "terminal.warnBeforeKillMinutes must satisfy 0 < W < autoKillIdleMinutes")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
