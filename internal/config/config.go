// Package config loads application configuration and installs the
// global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Geocode GeocodeConfig `yaml:"geocode" mapstructure:"geocode"`
	Trees   TreesConfig   `yaml:"trees" mapstructure:"trees"`
	Search  SearchConfig  `yaml:"search" mapstructure:"search"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// GeocodeConfig configures the Nominatim geocoding client.
type GeocodeConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RateRPS     float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// TreesConfig configures the street-tree datasette client.
type TreesConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RateRPS     float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// SearchConfig holds the default search parameters.
type SearchConfig struct {
	PageSize     int     `yaml:"page_size" mapstructure:"page_size"`
	Consumers    int     `yaml:"consumers" mapstructure:"consumers"`
	BlockLengthM float64 `yaml:"block_length_m" mapstructure:"block_length_m"`
}

// ServerConfig configures the search HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MinPageSize and MaxPageSize bound the per-request row count. Pages
// below the floor waste request budget; pages above the ceiling risk
// oversized responses from the datasette.
const (
	MinPageSize = 100
	MaxPageSize = 10000
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TREERADIUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "tree-radius/1.0")
	v.SetDefault("geocode.timeout_secs", 3)
	v.SetDefault("geocode.max_attempts", 5)
	v.SetDefault("geocode.rate_rps", 1)
	v.SetDefault("trees.base_url", "https://san-francisco.datasettes.com/sf-trees")
	v.SetDefault("trees.timeout_secs", 3)
	v.SetDefault("trees.max_attempts", 10)
	v.SetDefault("trees.rate_rps", 10)
	v.SetDefault("search.page_size", 1000)
	v.SetDefault("search.consumers", 20)
	v.SetDefault("search.block_length_m", 182.88)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ClampPageSize forces a page size into the supported range.
func ClampPageSize(n int) int {
	if n < MinPageSize {
		return MinPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
