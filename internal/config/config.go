package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 int           `mapstructure:"port"`
	DatabasePath         string        `mapstructure:"database_path"`
	LogLevel             string        `mapstructure:"log_level"`
	LogFormat            string        `mapstructure:"log_format"`
	PersistBatchSize     int           `mapstructure:"persist_batch_size"`
	PersistFlushInterval time.Duration `mapstructure:"persist_flush_interval"`
	IPProviderEndpoint   string        `mapstructure:"ip_provider_endpoint"`
	IPProviderTimeout    time.Duration `mapstructure:"ip_provider_timeout"`
	UserAgent            string        `mapstructure:"user_agent"`
}

const envPrefix = "LOCCOL"

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9000)
	v.SetDefault("database_path", "./loccol-data/collector.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("persist_batch_size", 16)
	v.SetDefault("persist_flush_interval", 500*time.Millisecond)
	v.SetDefault("ip_provider_endpoint", "https://ipapi.co/json/")
	v.SetDefault("ip_provider_timeout", 5*time.Second)
	v.SetDefault("user_agent", "location-collector/1.0.0")
}

// Load reads defaults, an optional config file and LOCCOL_* environment
// variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.loccol")
		v.AddConfigPath("/etc/loccol")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}

	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %s", c.LogLevel)
	}

	if !oneOf(c.LogFormat, "text", "json") {
		return fmt.Errorf("log_format must be text or json, got %s", c.LogFormat)
	}

	if c.PersistBatchSize < 1 || c.PersistBatchSize > 1000 {
		return fmt.Errorf("persist_batch_size must be between 1 and 1000, got %d", c.PersistBatchSize)
	}

	if c.PersistFlushInterval <= 0 {
		return fmt.Errorf("persist_flush_interval must be positive, got %s", c.PersistFlushInterval)
	}

	if c.IPProviderTimeout <= 0 {
		return fmt.Errorf("ip_provider_timeout must be positive, got %s", c.IPProviderTimeout)
	}

	return nil
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %d, DatabasePath: %s, LogLevel: %s, LogFormat: %s, PersistBatchSize: %d, PersistFlushInterval: %s, IPProviderEndpoint: %s}",
		c.Port, c.DatabasePath, c.LogLevel, c.LogFormat, c.PersistBatchSize, c.PersistFlushInterval, c.IPProviderEndpoint)
}
