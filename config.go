package meterproof

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Config.ApplyEnv.
const (
	EnvConfig       = "METERPROOF_CONFIG"
	EnvPrivateKey   = "METERPROOF_PRIVATE_KEY"
	EnvKID          = "METERPROOF_KID"
	EnvStore        = "METERPROOF_STORE"
	EnvStorePath    = "METERPROOF_STORE_PATH"
	EnvAddr         = "METERPROOF_ADDR"
	EnvTLSCert      = "METERPROOF_TLS_CERT"
	EnvTLSKey       = "METERPROOF_TLS_KEY"
	EnvReportWindow = "METERPROOF_REPORT_WINDOW"
)

// Config is the configuration surface: which key signs, which backend
// stores, and where the HTTP front-end listens.
type Config struct {
	Signer SignerConfig `yaml:"signer"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
}

// SignerConfig selects the signing key.
type SignerConfig struct {
	// PrivateKey is the base64url-encoded 32-byte Ed25519 seed.
	PrivateKey string `yaml:"private_key"`
	KID        string `yaml:"kid"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // jsonl or sqlite
	Path    string `yaml:"path"`
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// ReportWindow is the default look-back of usage reports, as a Go
	// duration string.
	ReportWindow string `yaml:"report_window"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Store:  StoreConfig{Backend: BackendJSONL},
		Server: ServerConfig{Addr: ":8080", ReportWindow: "24h"},
	}
}

// LoadConfig reads the YAML file named by METERPROOF_CONFIG, if set, and
// applies environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv(EnvConfig); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// LoadConfigFile reads a YAML configuration file on top of DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields with any non-empty environment value.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for _, o := range []struct {
		env string
		dst *string
	}{
		{EnvPrivateKey, &c.Signer.PrivateKey},
		{EnvKID, &c.Signer.KID},
		{EnvStore, &c.Store.Backend},
		{EnvStorePath, &c.Store.Path},
		{EnvAddr, &c.Server.Addr},
		{EnvTLSCert, &c.Server.TLSCert},
		{EnvTLSKey, &c.Server.TLSKey},
		{EnvReportWindow, &c.Server.ReportWindow},
	} {
		if v := getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the fields that do not need the signer.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case "", BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if _, err := c.ReportWindow(); err != nil {
		return err
	}
	return nil
}

// NewSigner builds the configured signer, or returns ErrNotConfigured when
// the key or kid is missing.
func (c *Config) NewSigner() (*Signer, error) {
	if c.Signer.PrivateKey == "" || c.Signer.KID == "" {
		return nil, fmt.Errorf("%w: set %s and %s", ErrNotConfigured, EnvPrivateKey, EnvKID)
	}
	return ParseSigner(c.Signer.PrivateKey, c.Signer.KID)
}

// OpenStore opens the configured store backend.
func (c *Config) OpenStore() (Store, error) {
	return OpenStore(c.Store.Backend, c.Store.Path)
}

// ReportWindow parses the report window, defaulting to 24h.
func (c *Config) ReportWindow() (time.Duration, error) {
	if c.Server.ReportWindow == "" {
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(c.Server.ReportWindow)
	if err != nil {
		return 0, fmt.Errorf("report_window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("report_window must be positive, got %s", d)
	}
	return d, nil
}
