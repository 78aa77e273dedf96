package config

import (
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv("SSHDECK_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if *cfg != *def {
		t.Errorf("Load = %+v, want defaults %+v", cfg, def)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("SSHDECK_CONFIG_DIR", filepath.Join(t.TempDir(), "nested"))

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.SSH.KeepaliveInterval = Duration(30 * time.Second)
	cfg.Tunnel.MaxPerSession = 8
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *cfg {
		t.Errorf("round trip = %+v, want %+v", got, cfg)
	}
}

func TestYAMLDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHDECK_CONFIG_DIR", dir)

	yml := "ssh:\n  connect_timeout: 5s\nsession:\n  disconnect_grace: 250ms\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SSH.ConnectTimeout.Std() != 5*time.Second || cfg.Session.DisconnectGrace.Std() != 250*time.Millisecond {
		t.Errorf("durations = %v / %v", cfg.SSH.ConnectTimeout, cfg.Session.DisconnectGrace)
	}
	// Unset keys keep their defaults.
	if cfg.SSH.KeepaliveInterval.Std() != 10*time.Second {
		t.Errorf("keepalive = %v", cfg.SSH.KeepaliveInterval)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHDECK_CONFIG_DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: warn\napi:\n  listen: 127.0.0.1:6000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSHDECK_API_LISTEN", "127.0.0.1:7000")
	t.Setenv("SSHDECK_TUNNEL_MAX_PER_SESSION", "3")
	t.Setenv("SSHDECK_SSH_KEEPALIVE_INTERVAL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.API.Listen != "127.0.0.1:7000" {
		t.Errorf("api listen = %q", cfg.API.Listen)
	}
	if cfg.Tunnel.MaxPerSession != 3 || cfg.SSH.KeepaliveInterval.Std() != 45*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHDECK_CONFIG_DIR", dir)
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("ssh: [not, a, map"), 0644)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.MaxPerSession = -1
	if cfg.Validate() == nil {
		t.Error("negative max_per_session accepted")
	}
	cfg = Default()
	cfg.API.Listen = ""
	if cfg.Validate() == nil {
		t.Error("empty api.listen accepted")
	}
}

func TestSaveWritesReadableDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHDECK_CONFIG_DIR", dir)

	if err := Save(Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"keepalive_interval: 10s", "disconnect_grace: 500ms", "connect_timeout: 20s"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("saved config missing %q:\n%s", want, data)
		}
	}
}

func TestLegacyNanosecondDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHDECK_CONFIG_DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("ssh:\n  keepalive_interval: 30000000000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SSH.KeepaliveInterval.Std() != 30*time.Second {
		t.Errorf("keepalive = %v", cfg.SSH.KeepaliveInterval)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.Decode("soon"); err == nil {
		t.Error("Decode accepted a non-duration")
	}
}
