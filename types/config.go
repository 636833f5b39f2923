package types

import "time"

type Config struct {
	StoreType string `yaml:"store_type" env:"STORE_TYPE" validate:"required,oneof=memory redis database"`
	Memory    struct {
		MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES" validate:"gte=0"`
	} `yaml:"memory" envPrefix:"MEMORY_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	Security SecurityConfig `yaml:"security" envPrefix:"SECURITY_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
}

type WorkerConfig struct {
	CacheName       string        `yaml:"cache_name" env:"CACHE_NAME" validate:"required"`
	Origin          string        `yaml:"origin" env:"ORIGIN" validate:"required,url"`
	Assets          []string      `yaml:"assets" env:"ASSETS"`
	OfflinePage     string        `yaml:"offline_page" env:"OFFLINE_PAGE" validate:"required,startswith=/"`
	LoginPath       string        `yaml:"login_path" env:"LOGIN_PATH" validate:"required"`
	LoginPage       string        `yaml:"login_page" env:"LOGIN_PAGE" validate:"required,startswith=/"`
	LoginRedirect   string        `yaml:"login_redirect" env:"LOGIN_REDIRECT"`
	Protected       []string      `yaml:"protected" env:"PROTECTED"`
	SessionTTL      time.Duration `yaml:"session_ttl" env:"SESSION_TTL" validate:"gt=0"`
	CleanupSchedule string        `yaml:"cleanup_schedule" env:"CLEANUP_SCHEDULE"`
}

type SecurityConfig struct {
	RateLimit      Rate     `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
}

type Rate struct {
	Period time.Duration `yaml:"period" env:"PERIOD"`
	Limit  int           `yaml:"limit" env:"LIMIT" validate:"gte=0"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}
