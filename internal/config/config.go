package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string
	AppEnv                   string
	LogLevel                 string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	RecordsCacheTTLSeconds   int
	PhoneDefaultRegion       string
	SubmitRateLimitPerMinute int
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("records_cache_ttl_seconds", 30)
	v.SetDefault("phone_default_region", "IN")
	v.SetDefault("submit_rate_limit_per_minute", 30)
	v.AutomaticEnv()

	ttl := v.GetInt("records_cache_ttl_seconds")
	if ttl < 1 {
		ttl = 30
	}
	rateLimit := v.GetInt("submit_rate_limit_per_minute")
	if rateLimit < 1 {
		rateLimit = 30
	}

	return Config{
		Port:                     strings.TrimSpace(v.GetString("port")),
		AppEnv:                   strings.ToLower(strings.TrimSpace(v.GetString("app_env"))),
		LogLevel:                 v.GetString("log_level"),
		AllowedOrigin:            v.GetString("allowed_origin"),
		DatabaseURL:              strings.TrimSpace(v.GetString("database_url")),
		RedisAddr:                strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:            v.GetString("redis_password"),
		RedisDB:                  v.GetInt("redis_db"),
		RecordsCacheTTLSeconds:   ttl,
		PhoneDefaultRegion:       strings.ToUpper(strings.TrimSpace(v.GetString("phone_default_region"))),
		SubmitRateLimitPerMinute: rateLimit,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RecordsCacheTTL() time.Duration {
	return time.Duration(c.RecordsCacheTTLSeconds) * time.Second
}
