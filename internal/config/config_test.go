package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
redis:
  addr: localhost:6379
broadcast:
  backend: redis
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port override, got %q", cfg.Server.Port)
	}
	if cfg.Game.BasePoints != 1000 || cfg.Game.MaxTimeBonus != 500 {
		t.Fatalf("expected default scoring, got %d/%d", cfg.Game.BasePoints, cfg.Game.MaxTimeBonus)
	}
	if cfg.Broadcast.Backend != "redis" || cfg.Broadcast.Buffer != 32 {
		t.Fatalf("unexpected broadcast config %+v", cfg.Broadcast)
	}
	if got := TTLDuration(cfg.Game.DefaultTimeLimit, 0); got != 20*time.Second {
		t.Fatalf("expected 20s default limit, got %v", got)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"zero base points":     "game:\n  base_points: 0\n",
		"unknown backend":      "broadcast:\n  backend: kafka\n",
		"redis without addr":   "broadcast:\n  backend: redis\n",
		"bad duration":         "game:\n  answer_grace: soon\n",
		"negative retries":     "game:\n  stale_retries: -1\n",
		"unknown store":        "store:\n  backend: etcd\n",
		"postgres without url": "store:\n  backend: postgres\n",
		"malformed yaml file":  "game: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStoreBackend(t *testing.T) {
	cfg := Default()
	if got := cfg.StoreBackend(); got != "memory" {
		t.Fatalf("expected memory, got %q", got)
	}
	cfg.Postgres.URL = "postgres://localhost/hoot"
	if got := cfg.StoreBackend(); got != "postgres" {
		t.Fatalf("expected postgres, got %q", got)
	}
	cfg.Redis.Addr = "localhost:6379"
	if got := cfg.StoreBackend(); got != "redis" {
		t.Fatalf("expected redis, got %q", got)
	}
	cfg.Store.Backend = "memory"
	if got := cfg.StoreBackend(); got != "memory" {
		t.Fatalf("expected explicit memory, got %q", got)
	}
}

func TestTTLDuration(t *testing.T) {
	if got := TTLDuration("", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for empty, got %v", got)
	}
	if got := TTLDuration("garbage", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for garbage, got %v", got)
	}
	if got := TTLDuration("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
}
