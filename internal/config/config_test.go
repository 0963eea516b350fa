package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.DefaultDurationSeconds != 5 {
		t.Fatalf("expected default duration 5, got %d", cfg.Session.DefaultDurationSeconds)
	}
	if len(cfg.Session.Languages) != 9 {
		t.Fatalf("expected 9 language options, got %d", len(cfg.Session.Languages))
	}
	if !cfg.Session.HasLanguage("ja-JP") {
		t.Fatal("expected ja-JP to be a configured language")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_RECOGNIZER_MODE", "google")
	t.Setenv("SCRIBE_RECOGNIZER_API_KEY", "key-123")
	t.Setenv("SCRIBE_OFFLINE_MODE", "exec")
	t.Setenv("SCRIBE_OFFLINE_COMMAND", "pocketsphinx-json")
	t.Setenv("SCRIBE_SESSION_MAX_DURATION_SECONDS", "60")
	t.Setenv("SCRIBE_MICROPHONE_INPUT_DEVICE", "hw:1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention override")
	}
	if cfg.Recognizer.Mode != "google" || cfg.Recognizer.APIKey != "key-123" {
		t.Fatalf("expected recognizer override, got %+v", cfg.Recognizer)
	}
	if cfg.Offline.Mode != "exec" || cfg.Offline.Command != "pocketsphinx-json" {
		t.Fatalf("expected offline override, got %+v", cfg.Offline)
	}
	if cfg.Session.MaxDurationSeconds != 60 {
		t.Fatalf("expected max duration override")
	}
	if cfg.Microphone.InputDevice != "hw:1" {
		t.Fatalf("expected microphone device override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := `
runtime_name: scribe-test
http:
  port: 9090
recognizer:
  name: Cloud
  mode: google
  endpoint: http://127.0.0.1:1/recognize
offline:
  enabled: false
session:
  default_language: fr-FR
  languages:
    - name: French
      tag: fr-FR
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" || cfg.HTTP.Port != 9090 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Recognizer.Name != "Cloud" || cfg.Offline.Enabled {
		t.Fatalf("unexpected recognizers: %+v / %+v", cfg.Recognizer, cfg.Offline)
	}
	if len(cfg.Session.Languages) != 1 || cfg.Session.DefaultLanguage != "fr-FR" {
		t.Fatalf("expected language list replaced, got %+v", cfg.Session.Languages)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) {
			c.Recognizer.Mode = "exec"
			c.Recognizer.Command = ""
		},
		"unknown mode": func(c *Config) {
			c.Offline.Mode = "sphinx"
		},
		"duplicate names": func(c *Config) {
			c.Offline.Name = c.Recognizer.Name
		},
		"default language not listed": func(c *Config) {
			c.Session.DefaultLanguage = "xx-XX"
		},
		"default duration out of range": func(c *Config) {
			c.Session.DefaultDurationSeconds = 31
		},
		"retention mode": func(c *Config) {
			c.EventStore.RetentionMode = "forever"
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := validate(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if strings.TrimSpace(err.Error()) == "" {
			t.Fatalf("%s: expected error message", name)
		}
	}
}
