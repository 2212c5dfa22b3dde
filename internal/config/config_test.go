package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Routing.ChatQueueTimeoutSec != 300 || cfg.Routing.OwnerHandoffTimeoutSec != 300 {
		t.Errorf("unexpected default timeouts: %+v", cfg.Routing)
	}
	if cfg.IsManagedMode() {
		t.Error("default mode must be standalone")
	}
}

func TestLoad_JSON5AndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
  // comments are allowed
  gateway: { port: 9000, public_url: "https://chat.example.com" },
  routing: { chat_queue_timeout_sec: 60, owner_handoff_timeout_sec: 0 },
  tenants: [{ id: "salon-1", default_mode: "human_first" }],
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HEBELKI_POSTGRES_DSN", "postgres://x")
	t.Setenv("HEBELKI_MODE", "managed")
	t.Setenv("HEBELKI_OPERATOR_TOKEN", "secret")
	t.Setenv("HEBELKI_PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("env port not applied: %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.PublicURL != "https://chat.example.com" {
		t.Errorf("public_url = %q", cfg.Gateway.PublicURL)
	}
	if cfg.Routing.ChatQueueTimeoutSec != 60 {
		t.Errorf("chat timeout = %d", cfg.Routing.ChatQueueTimeoutSec)
	}
	if cfg.Routing.OwnerHandoffTimeoutSec != 300 {
		t.Errorf("zero owner timeout must fall back to default, got %d", cfg.Routing.OwnerHandoffTimeoutSec)
	}
	if !cfg.IsManagedMode() || cfg.Gateway.Token != "secret" {
		t.Error("env secrets not applied")
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].DefaultMode != "human_first" {
		t.Errorf("tenants = %+v", cfg.Tenants)
	}
}

func TestSave_OmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	cfg := Default()
	cfg.Gateway.Token = "do-not-write"
	cfg.Database.PostgresDSN = "postgres://secret"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(path)
	for _, s := range []string{"do-not-write", "postgres://secret"} {
		if strings.Contains(string(data), s) {
			t.Errorf("saved config leaked %q", s)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{routing: {chat_queue_timeout_sec: 10}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan struct{}, 1)
	if err := Watch(ctx, path, cfg, func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{routing: {chat_queue_timeout_sec: 20}}`), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	if got := cfg.RoutingDefaults().ChatQueueTimeoutSec; got != 20 {
		t.Errorf("chat timeout after reload = %d, want 20", got)
	}
}
