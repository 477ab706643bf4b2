// Package config loads facescan settings from defaults, an optional YAML
// file and FACESCAN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andresmejia3/facescan/internal/engine"
	"github.com/andresmejia3/facescan/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// FACESCAN_SCAN_WORKERS=4.
const EnvPrefix = "FACESCAN"

// Config holds all application configuration.
type Config struct {
	Scan     ScanConfig     `mapstructure:"scan"`
	Engines  EnginesConfig  `mapstructure:"engines"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ScanConfig controls a scan run.
type ScanConfig struct {
	Engine       string `mapstructure:"engine"`
	Workers      int    `mapstructure:"workers"`
	TargetWidth  int    `mapstructure:"target_width"`
	TargetHeight int    `mapstructure:"target_height"`
	AllowNetwork bool   `mapstructure:"allow_network"`
	Thumbnails   string `mapstructure:"thumbnails"`
	Persist      bool   `mapstructure:"persist"`
}

// EnginesConfig configures every detection backend.
type EnginesConfig struct {
	Cascade  DetectorConfig `mapstructure:"cascade"`
	Landmark DetectorConfig `mapstructure:"landmark"`
	Remote   RemoteConfig   `mapstructure:"remote"`
}

// DetectorConfig is the command line of a native detector process.
type DetectorConfig struct {
	Command []string `mapstructure:"command"`
}

// RemoteConfig configures the HTTP detection service.
type RemoteConfig struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
}

// DatabaseConfig holds the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig controls the structured log.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File is the JSON log destination; empty means stderr.
	File string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Engine:       engine.KindCascade.String(),
			Workers:      3,
			TargetWidth:  500,
			TargetHeight: 500,
		},
		Engines: EnginesConfig{
			Cascade:  DetectorConfig{Command: []string{"python3", "python/detect.py", "--backend", "cascade"}},
			Landmark: DetectorConfig{Command: []string{"python3", "python/detect.py", "--backend", "landmark"}},
			Remote: RemoteConfig{
				Timeout:           30 * time.Second,
				RequestsPerSecond: 5,
				Burst:             1,
				MaxRetries:        3,
				RetryInterval:     500 * time.Millisecond,
			},
		},
		Logging: LoggingConfig{Level: logging.LevelWarn},
	}
}

// SetDefaults registers every default on v. Every key must have a default
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("scan.engine", d.Scan.Engine)
	v.SetDefault("scan.workers", d.Scan.Workers)
	v.SetDefault("scan.target_width", d.Scan.TargetWidth)
	v.SetDefault("scan.target_height", d.Scan.TargetHeight)
	v.SetDefault("scan.allow_network", d.Scan.AllowNetwork)
	v.SetDefault("scan.thumbnails", d.Scan.Thumbnails)
	v.SetDefault("scan.persist", d.Scan.Persist)

	v.SetDefault("engines.cascade.command", d.Engines.Cascade.Command)
	v.SetDefault("engines.landmark.command", d.Engines.Landmark.Command)
	v.SetDefault("engines.remote.url", d.Engines.Remote.URL)
	v.SetDefault("engines.remote.timeout", d.Engines.Remote.Timeout)
	v.SetDefault("engines.remote.requests_per_second", d.Engines.Remote.RequestsPerSecond)
	v.SetDefault("engines.remote.burst", d.Engines.Remote.Burst)
	v.SetDefault("engines.remote.max_retries", d.Engines.Remote.MaxRetries)
	v.SetDefault("engines.remote.retry_interval", d.Engines.Remote.RetryInterval)

	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// New returns a viper instance with defaults and environment binding in place.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or facescan.yaml from the config dir or working
// directory when path is empty), applies environment overrides and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("facescan")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Dir returns the path to the user's config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "facescan")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".facescan"
	}
	return filepath.Join(home, ".config", "facescan")
}

// EngineKind returns the parsed scan engine.
func (c *Config) EngineKind() engine.Kind {
	k, err := engine.ParseKind(c.Scan.Engine)
	if err != nil {
		return engine.KindCascade
	}
	return k
}

// RemoteOptions converts the remote section for the engine package.
func (c *Config) RemoteOptions() engine.RemoteOptions {
	r := c.Engines.Remote
	return engine.RemoteOptions{
		URL:               r.URL,
		Timeout:           r.Timeout,
		RequestsPerSecond: r.RequestsPerSecond,
		Burst:             r.Burst,
		MaxRetries:        uint64(r.MaxRetries),
		RetryInterval:     r.RetryInterval,
	}
}

// DatabaseURL returns the configured URL, or one built from the
// POSTGRES_* environment, or the local default.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/facescan"
}
