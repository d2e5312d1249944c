package main

import (
	"fmt"
	"os"
	"strings"

	"paperminder/server/internal/config"
)

// ConfigSourceTracker records which keys were set by environment variables.
// Env-set keys win over anything changed at runtime through the settings API.
type ConfigSourceTracker struct {
	EnvKeys map[string]bool
}

func newConfigSourceTracker() *ConfigSourceTracker {
	return &ConfigSourceTracker{
		EnvKeys: make(map[string]bool),
	}
}

// Config represents the server configuration
type Config struct {
	Server    ServerConfig          `toml:"server"`
	WebSocket WebSocketConfig       `toml:"websocket"`
	Firmware  FirmwareConfig        `toml:"firmware"`
	Rollout   RolloutConfig         `toml:"rollout"`
	Security  SecurityConfig        `toml:"security"`
	TLS       TLSConfigTOML         `toml:"tls"`
	Database  config.DatabaseConfig `toml:"database"`
	Logging   config.LoggingConfig  `toml:"logging"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	HTTPPort           int    `toml:"http_port"`
	HTTPSPort          int    `toml:"https_port"`
	BindAddress        string `toml:"bind_address"`
	BaseURL            string `toml:"base_url"`             // externally reachable root for firmware download links
	CORSAllowedOrigins string `toml:"cors_allowed_origins"` // CSV, * allows any origin
}

// WebSocketConfig tunes the socket endpoint.
type WebSocketConfig struct {
	MaxFrameBytes      int64 `toml:"max_frame_bytes"`      // inbound frame byte cap
	SendTimeoutSeconds int   `toml:"send_timeout_seconds"` // per-frame write deadline
	PingIntervalSecs   int   `toml:"ping_interval_seconds"`
	PongTimeoutSecs    int   `toml:"pong_timeout_seconds"`
}

// FirmwareConfig bounds firmware uploads.
type FirmwareConfig struct {
	MaxFirmwareSize int64 `toml:"max_firmware_size"` // bytes
}

// RolloutConfig tunes the background rollout scheduler.
type RolloutConfig struct {
	TickSeconds        int `toml:"tick_seconds"`
	CacheRetentionDays int `toml:"cache_retention_days"`
}

// SecurityConfig holds auth and rate limiting settings
type SecurityConfig struct {
	JWTSecret              string `toml:"jwt_secret"` // opaque token signing secret
	RateLimitEnabled       bool   `toml:"rate_limit_enabled"`
	RateLimitMaxAttempts   int    `toml:"rate_limit_max_attempts"`
	RateLimitBlockMinutes  int    `toml:"rate_limit_block_minutes"`
	RateLimitWindowMinutes int    `toml:"rate_limit_window_minutes"`
	PasswordMinLength      int    `toml:"password_min_length"`
}

// TLSConfigTOML holds TLS configuration from TOML
type TLSConfigTOML struct {
	Mode        string            `toml:"mode"`
	Domain      string            `toml:"domain"`
	CertPath    string            `toml:"cert_path"`
	KeyPath     string            `toml:"key_path"`
	LetsEncrypt LetsEncryptConfig `toml:"letsencrypt"`
}

// LetsEncryptConfig holds Let's Encrypt specific settings
type LetsEncryptConfig struct {
	Domain    string `toml:"domain"`
	Email     string `toml:"email"`
	CacheDir  string `toml:"cache_dir"`
	AcceptTOS bool   `toml:"accept_tos"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:           8000,
			HTTPSPort:          8443,
			BindAddress:        "0.0.0.0",
			BaseURL:            "http://localhost:8000",
			CORSAllowedOrigins: "*",
		},
		WebSocket: WebSocketConfig{
			MaxFrameBytes:      128 * 1024,
			SendTimeoutSeconds: 10,
			PingIntervalSecs:   25,
			PongTimeoutSecs:    60,
		},
		Firmware: FirmwareConfig{
			MaxFirmwareSize: 5 << 20,
		},
		Rollout: RolloutConfig{
			TickSeconds:        30,
			CacheRetentionDays: 7,
		},
		Security: SecurityConfig{
			JWTSecret:              "",
			RateLimitEnabled:       true,
			RateLimitMaxAttempts:   5,
			RateLimitBlockMinutes:  5,
			RateLimitWindowMinutes: 2,
			PasswordMinLength:      8,
		},
		TLS: TLSConfigTOML{
			Mode:   "self-signed",
			Domain: "localhost",
			LetsEncrypt: LetsEncryptConfig{
				CacheDir:  "letsencrypt-cache",
				AcceptTOS: false,
			},
		},
		Database: config.DatabaseConfig{
			URL: "", // Empty = platform default SQLite path
		},
		Logging: config.LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides. Returns the config and a tracker indicating which keys were set
// by environment variables.
func LoadConfig(configPath string) (*Config, *ConfigSourceTracker, error) {
	cfg := DefaultConfig()
	tracker := newConfigSourceTracker()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := config.LoadTOML(configPath, cfg); err != nil {
			return nil, nil, err
		}
	}

	// Override with environment variables and track which keys were set
	if val := os.Getenv("SERVER_HTTP_PORT"); val != "" {
		var port int
		if _, err := fmt.Sscanf(val, "%d", &port); err == nil {
			cfg.Server.HTTPPort = port
			tracker.EnvKeys["server.http_port"] = true
		}
	}
	if val := os.Getenv("SERVER_HTTPS_PORT"); val != "" {
		var port int
		if _, err := fmt.Sscanf(val, "%d", &port); err == nil {
			cfg.Server.HTTPSPort = port
			tracker.EnvKeys["server.https_port"] = true
		}
	}
	if val := os.Getenv("BIND_ADDRESS"); val != "" {
		cfg.Server.BindAddress = val
		tracker.EnvKeys["server.bind_address"] = true
	}
	if val := os.Getenv("BASE_URL"); val != "" {
		cfg.Server.BaseURL = strings.TrimRight(val, "/")
		tracker.EnvKeys["server.base_url"] = true
	}
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		cfg.Server.CORSAllowedOrigins = val
		tracker.EnvKeys["server.cors_allowed_origins"] = true
	}
	if val := os.Getenv("WS_MAX_FRAME_BYTES"); val != "" {
		var v int64
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.WebSocket.MaxFrameBytes = v
			tracker.EnvKeys["websocket.max_frame_bytes"] = true
		}
	}
	if val := os.Getenv("WS_SEND_TIMEOUT_SECONDS"); val != "" {
		var v int
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.WebSocket.SendTimeoutSeconds = v
			tracker.EnvKeys["websocket.send_timeout_seconds"] = true
		}
	}
	if val := os.Getenv("MAX_FIRMWARE_SIZE"); val != "" {
		var v int64
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.Firmware.MaxFirmwareSize = v
			tracker.EnvKeys["firmware.max_firmware_size"] = true
		}
	}
	if val := os.Getenv("ROLLOUT_TICK_SECONDS"); val != "" {
		var v int
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.Rollout.TickSeconds = v
			tracker.EnvKeys["rollout.tick_seconds"] = true
		}
	}
	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.Security.JWTSecret = val
		tracker.EnvKeys["security.jwt_secret"] = true
	}
	if val := os.Getenv("RATE_LIMIT_ENABLED"); val != "" {
		cfg.Security.RateLimitEnabled = val == "true" || val == "1"
		tracker.EnvKeys["security.rate_limit_enabled"] = true
	}
	if val := os.Getenv("TLS_MODE"); val != "" {
		cfg.TLS.Mode = val
		tracker.EnvKeys["tls.mode"] = true
	}
	if val := os.Getenv("TLS_CERT_PATH"); val != "" {
		cfg.TLS.CertPath = val
		tracker.EnvKeys["tls.cert_path"] = true
	}
	if val := os.Getenv("TLS_KEY_PATH"); val != "" {
		cfg.TLS.KeyPath = val
		tracker.EnvKeys["tls.key_path"] = true
	}
	if val := os.Getenv("LETSENCRYPT_DOMAIN"); val != "" {
		cfg.TLS.LetsEncrypt.Domain = val
		tracker.EnvKeys["tls.letsencrypt.domain"] = true
	}
	if val := os.Getenv("LETSENCRYPT_EMAIL"); val != "" {
		cfg.TLS.LetsEncrypt.Email = val
		tracker.EnvKeys["tls.letsencrypt.email"] = true
	}
	if val := os.Getenv("LETSENCRYPT_ACCEPT_TOS"); val != "" {
		cfg.TLS.LetsEncrypt.AcceptTOS = val == "true" || val == "1"
		tracker.EnvKeys["tls.letsencrypt.accept_tos"] = true
	}

	// Logging env overrides with tracking (check prefixed first, then generic)
	if val := os.Getenv("SERVER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	}

	if val := os.Getenv("DATABASE_URL"); val != "" {
		tracker.EnvKeys["database.url"] = true
	}
	config.ApplyDatabaseEnvOverrides(&cfg.Database)

	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")

	return cfg, tracker, nil
}

// CORSOrigins splits the configured CSV list into trimmed origin entries.
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.Server.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// OriginAllowed reports whether a request Origin header passes the CORS
// allow-list. An empty origin (non-browser client) is always allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.CORSOrigins() {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ToTLSConfig converts TOML TLS config to the runtime TLSConfig
func (c *Config) ToTLSConfig() *TLSConfig {
	mode := TLSModeSelfSigned
	switch c.TLS.Mode {
	case "letsencrypt":
		mode = TLSModeLetsEncrypt
	case "custom":
		mode = TLSModeCustom
	case "self-signed":
		mode = TLSModeSelfSigned
	}

	return &TLSConfig{
		Mode:              mode,
		Domain:            c.TLS.Domain,
		CertPath:          c.TLS.CertPath,
		KeyPath:           c.TLS.KeyPath,
		LetsEncryptDomain: c.TLS.LetsEncrypt.Domain,
		LetsEncryptEmail:  c.TLS.LetsEncrypt.Email,
		LetsEncryptCache:  c.TLS.LetsEncrypt.CacheDir,
		AcceptTOS:         c.TLS.LetsEncrypt.AcceptTOS,
	}
}

// ValidatePassword checks if a password meets the configured requirements.
func (c *SecurityConfig) ValidatePassword(password string) error {
	if c == nil {
		return nil
	}
	minLen := c.PasswordMinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		return fmt.Errorf("password must be at least %d characters", minLen)
	}
	return nil
}

// WriteDefaultConfig writes a default configuration file
func WriteDefaultConfig(configPath string) error {
	cfg := DefaultConfig()
	return config.WriteDefaultTOML(configPath, cfg)
}
