package meterproof

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":8080" || cfg.Store.Backend != BackendJSONL {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	d, err := cfg.ReportWindow()
	if err != nil || d != 24*time.Hour {
		t.Errorf("ReportWindow = %v, %v", d, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config invalid: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meterproof.yaml")
	yaml := `
signer:
  private_key: AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
  kid: kid123
store:
  backend: sqlite
  path: /var/lib/meterproof/usage.sqlite
server:
  report_window: 1h
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.Path != "/var/lib/meterproof/usage.sqlite" {
		t.Errorf("Store not loaded: %+v", cfg.Store)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Default addr lost: %q", cfg.Server.Addr)
	}
	if d, _ := cfg.ReportWindow(); d != time.Hour {
		t.Errorf("ReportWindow = %v", d)
	}

	signer, err := cfg.NewSigner()
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	if signer.PublicKey() != zeroSeedPublicKey {
		t.Error("Signer built from the wrong key")
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "from-file"
	cfg.ApplyEnv(envMap(map[string]string{
		EnvPrivateKey:   EncodeB64URL(make([]byte, 32)),
		EnvKID:          "env-kid",
		EnvStore:        BackendSQLite,
		EnvAddr:         "127.0.0.1:9000",
		EnvReportWindow: "30m",
	}))
	if cfg.Signer.KID != "env-kid" || cfg.Store.Backend != BackendSQLite || cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
	if cfg.Store.Path != "from-file" {
		t.Error("Unset env var overrode file value")
	}
	if d, _ := cfg.ReportWindow(); d != 30*time.Minute {
		t.Errorf("ReportWindow = %v", d)
	}
}

func TestConfig_NotConfigured(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.NewSigner()
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}

	cfg.Signer.PrivateKey = "@@@"
	cfg.Signer.KID = "k"
	_, err = cfg.NewSigner()
	if !errors.Is(err, ErrValidation) || errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Expected validation error for a bad key, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"tls pair", func(c *Config) { c.Server.TLSCert = "cert.pem" }},
		{"window", func(c *Config) { c.Server.ReportWindow = "soon" }},
		{"negative window", func(c *Config) { c.Server.ReportWindow = "-1h" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation failure")
			}
		})
	}
}

func TestConfig_BackendCaseInsensitive(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvStore, "SQLITE")
	t.Setenv(EnvStorePath, filepath.Join(t.TempDir(), "db.sqlite"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig rejected upper-case backend: %v", err)
	}
	store, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*sqliteStore); !ok {
		t.Errorf("Expected SQLite store, got %T", store)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meterproof.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: sqlite\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvStorePath, filepath.Join(t.TempDir(), "db.sqlite"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	store, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*sqliteStore); !ok {
		t.Errorf("Expected SQLite store, got %T", store)
	}
}
