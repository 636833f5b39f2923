package greenroots

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/minus-twelve/greenroots/types"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GREENROOTS_"

// DefaultAssets is the app shell cached on install.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/login.html",
	"/dashboard.html",
	"/gobierno.html",
	"/offline.html",
	"/styles.css",
	"/gobierno.css",
	"/dashboard.css",
	"/script.js",
	"/gobierno.js",
	"/dashboard.js",
	"/manifest.json",
	"https://fonts.googleapis.com/css2?family=Poppins:wght@300;400;500;600;700&display=swap",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css",
	"https://cdn.jsdelivr.net/npm/chart.js",
}

func DefaultConfig() types.Config {
	var cfg types.Config
	cfg.StoreType = "memory"
	cfg.Worker = types.WorkerConfig{
		CacheName:       "green-roots-v1.0.0",
		Origin:          "http://localhost:8081",
		Assets:          append([]string(nil), DefaultAssets...),
		OfflinePage:     "/offline.html",
		LoginPath:       "/api/login",
		LoginPage:       "/login.html",
		LoginRedirect:   "/index.html#dashboard",
		Protected:       []string{"/dashboard.html"},
		SessionTTL:      24 * time.Hour,
		CleanupSchedule: "@hourly",
	}
	cfg.Security.RateLimit.Period = time.Minute
	cfg.Server = types.ServerConfig{Addr: ":8080", LogLevel: "info"}
	return cfg
}

// LoadConfig reads the YAML file at path (optional when empty), applies
// GREENROOTS_* environment overrides and validates the result.
func LoadConfig(path string) (types.Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return types.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return types.Config{}, fmt.Errorf("config env: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func ValidateConfig(cfg types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("config validation failed: %s is invalid (%s)", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.StoreType == "redis" && cfg.Redis.Addr == "" {
		return errors.New("config validation failed: redis.addr is required for the redis store")
	}
	return nil
}
