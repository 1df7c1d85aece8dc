// Package config loads daemon and CLI configuration: built-in defaults, then
// an optional YAML file, then CELERIX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// DataDir is the root of the namespace logs.
	DataDir string `yaml:"data_dir"`
	// Port is the TCP protocol listener port.
	Port string `yaml:"port"`
	// HTTPPort is the HTTP API listener port.
	HTTPPort string `yaml:"http_port"`
	// DisableTLS turns off the self-signed TLS wrapper on the TCP listener.
	DisableTLS bool `yaml:"disable_tls"`
	// TrustPrincipalHeader lets adapters accept a caller-asserted principal
	// (X-Principal / AS) instead of an API key. Only for trusted networks.
	TrustPrincipalHeader bool `yaml:"trust_principal_header"`
	// RootOnlyACL reserves ACL writes for the tenant root.
	RootOnlyACL bool `yaml:"root_only_acl"`
	// Fsync syncs every append to stable storage.
	Fsync bool `yaml:"fsync"`
	// MaxConnections caps concurrent TCP sessions.
	MaxConnections int `yaml:"max_connections"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:        "./data",
		Port:           "7001",
		HTTPPort:       "7002",
		MaxConnections: 100,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays CELERIX_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CELERIX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CELERIX_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("CELERIX_HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("CELERIX_DISABLE_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DisableTLS = b
		}
	}
	if v := os.Getenv("CELERIX_TRUST_PRINCIPAL_HEADER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TrustPrincipalHeader = b
		}
	}
	if v := os.Getenv("CELERIX_ROOT_ONLY_ACL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RootOnlyACL = b
		}
	}
	if v := os.Getenv("CELERIX_FSYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Fsync = b
		}
	}
	if v := os.Getenv("CELERIX_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("CELERIX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CELERIX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Resolve is Load followed by FromEnv and Validate.
func Resolve(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	for name, port := range map[string]string{"port": c.Port, "http_port": c.HTTPPort} {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("%s %q is not a valid port", name, port)
		}
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", c.Log.Format)
	}
	return nil
}
