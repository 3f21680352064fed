package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
		// SeedFile is an optional YAML quiz set served when no database is configured.
		SeedFile string `yaml:"seed_file"`
	} `yaml:"quiz"`
	Game struct {
		DefaultTimeLimit string `yaml:"default_time_limit"`
		AnswerGrace      string `yaml:"answer_grace"`
		BasePoints       int    `yaml:"base_points"`
		MaxTimeBonus     int    `yaml:"max_time_bonus"`
		PINAttempts      int    `yaml:"pin_attempts"`
		StaleRetries     int    `yaml:"stale_retries"`
	} `yaml:"game"`
	Store struct {
		// Backend is "memory", "redis" or "postgres". Empty picks redis when
		// redis.addr is set, then postgres when postgres.url is set.
		Backend string `yaml:"backend"`
	} `yaml:"store"`
	Broadcast struct {
		// Backend is "memory" (single instance) or "redis".
		Backend string `yaml:"backend"`
		Buffer  int    `yaml:"buffer"`
	} `yaml:"broadcast"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Redis.TTL = "6h"
	cfg.Quiz.TTL = "10m"
	cfg.Game.DefaultTimeLimit = "20s"
	cfg.Game.AnswerGrace = "1s"
	cfg.Game.BasePoints = 1000
	cfg.Game.MaxTimeBonus = 500
	cfg.Game.PINAttempts = 5
	cfg.Game.StaleRetries = 5
	cfg.Broadcast.Backend = "memory"
	cfg.Broadcast.Buffer = 32
	cfg.Log.Level = "info"
	cfg.Metrics.Enabled = true
	return cfg
}

// Load reads YAML config from path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Game.BasePoints <= 0 {
		return fmt.Errorf("game.base_points must be positive, got %d", c.Game.BasePoints)
	}
	if c.Game.MaxTimeBonus < 0 {
		return fmt.Errorf("game.max_time_bonus must not be negative, got %d", c.Game.MaxTimeBonus)
	}
	if c.Game.StaleRetries < 0 {
		return fmt.Errorf("game.stale_retries must not be negative, got %d", c.Game.StaleRetries)
	}
	switch c.Store.Backend {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("store.backend redis requires redis.addr")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("store.backend postgres requires postgres.url")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Broadcast.Backend {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("broadcast.backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown broadcast.backend %q", c.Broadcast.Backend)
	}
	for name, raw := range map[string]string{
		"redis.ttl":               c.Redis.TTL,
		"quiz.ttl":                c.Quiz.TTL,
		"game.default_time_limit": c.Game.DefaultTimeLimit,
		"game.answer_grace":       c.Game.AnswerGrace,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// StoreBackend resolves the session store backend.
func (c Config) StoreBackend() string {
	switch {
	case c.Store.Backend != "":
		return c.Store.Backend
	case c.Redis.Addr != "":
		return "redis"
	case c.Postgres.URL != "":
		return "postgres"
	default:
		return "memory"
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
