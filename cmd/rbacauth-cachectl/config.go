package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/braybrandon/rbacauth"
)

const envPrefix = "RBACAUTH_"

type redisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type postgresConfig struct {
	DSN string `koanf:"dsn"`
}

type cacheConfig struct {
	// Backend is redis or postgres.
	Backend string `koanf:"backend"`
}

type logConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type config struct {
	Redis    redisConfig    `koanf:"redis"`
	Postgres postgresConfig `koanf:"postgres"`
	Cache    cacheConfig    `koanf:"cache"`
	Log      logConfig      `koanf:"log"`
	Timeout  time.Duration  `koanf:"timeout"`

	// Permissions shares the engine's cache tuning.
	Permissions rbacauth.CacheConfig `koanf:"permissions"`
}

func defaultConfig() *config {
	return &config{
		Redis:   redisConfig{Prefix: "rbac"},
		Cache:   cacheConfig{Backend: "redis"},
		Log:     logConfig{Level: "info", Format: "console"},
		Timeout: 30 * time.Second,

		Permissions: rbacauth.DefaultConfig().Cache,
	}
}

// loadConfig layers defaults, the optional YAML file at path and RBACAUTH_
// environment variables, in that order.
func loadConfig(path string) (*config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps RBACAUTH_REDIS_ADDR to redis.addr. Only the first underscore
// after the prefix separates section from field.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

func (c *config) validate() error {
	switch c.Cache.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis cache backend")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres cache backend")
		}
	default:
		return fmt.Errorf("cache.backend must be redis or postgres, got %q", c.Cache.Backend)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	return nil
}
