package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the credential store connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// RedisConfig holds the connection settings for the rate-limit counter store.
// When Addr is empty the gateway falls back to an in-process counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig controls the fixed-window limiter.
type RateLimitConfig struct {
	// DefaultLimit is the per-minute request limit applied to keys that
	// do not carry their own.
	DefaultLimit int `yaml:"default_limit"`
	// FailMode is "open" (serve traffic when the counter store is down)
	// or "closed" (reject it).
	FailMode string `yaml:"fail_mode"`
}

// CacheConfig controls the in-memory API key cache.
type CacheConfig struct {
	// RefreshInterval is a cron spec for periodic reloads from the database.
	RefreshInterval string `yaml:"refresh_interval"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// Config holds the configuration for the gateway.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Admin     AdminConfig     `yaml:"admin"`
	// Upstream is the base URL of the content provider the gateway fronts.
	Upstream string `yaml:"upstream"`
	Port     int    `yaml:"port"`
	Debug    bool   `yaml:"debug"`
}

// LoadConfig reads and parses the configuration file. It returns the config
// and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warning string

	data, err := os.ReadFile(path)
	if err == nil {
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// If the file does not exist we continue with an empty config and rely
	// on environment variables.

	// Set default values
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.RateLimit.DefaultLimit == 0 {
		config.RateLimit.DefaultLimit = 60
		warning = "rate_limit.default_limit not set, using default value of 60"
	}
	if config.RateLimit.FailMode == "" {
		config.RateLimit.FailMode = "open"
	}
	if config.Cache.RefreshInterval == "" {
		config.Cache.RefreshInterval = "@every 5m"
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("ANIDEX_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("ANIDEX_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if addr := os.Getenv("ANIDEX_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("ANIDEX_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if port := os.Getenv("ANIDEX_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("ANIDEX_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if upstream := os.Getenv("ANIDEX_UPSTREAM"); upstream != "" {
		config.Upstream = upstream
	}
	if debug := os.Getenv("ANIDEX_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if config.RateLimit.FailMode != "open" && config.RateLimit.FailMode != "closed" {
		return nil, "", fmt.Errorf("rate_limit.fail_mode must be \"open\" or \"closed\", got %q", config.RateLimit.FailMode)
	}

	return &config, warning, nil
}
