package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"p2potc/crypto"
	"p2potc/native/otc"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for otcd.
type Config struct {
	ListenAddress string                     `yaml:"listen" toml:"listen"`
	Environment   string                     `yaml:"environment" toml:"environment"`
	Storage       StorageConfig              `yaml:"storage" toml:"storage"`
	Journal       JournalConfig              `yaml:"journal" toml:"journal"`
	ExportDir     string                     `yaml:"export_dir" toml:"export_dir"`
	JWT           JWTConfig                  `yaml:"jwt" toml:"jwt"`
	Custody       CustodyConfig              `yaml:"custody" toml:"custody"`
	ViewKey       ViewKeyConfig              `yaml:"viewkey" toml:"viewkey"`
	Payout        PayoutConfig               `yaml:"payout" toml:"payout"`
	Pauses        []string                   `yaml:"pauses" toml:"pauses"`
	Windows       WindowsConfig              `yaml:"windows" toml:"windows"`
	Logging       LoggingConfig              `yaml:"logging" toml:"logging"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits" toml:"rate_limits"`
	CORS          CORSConfig                 `yaml:"cors" toml:"cors"`
	Engine        EngineConfig               `yaml:"engine" toml:"engine"`
}

// StorageConfig selects the key/value backend holding engine state.
type StorageConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	Path string `yaml:"path" toml:"path"`
}

// JournalConfig selects the SQL database for the transfer journal.
type JournalConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// JWTConfig configures bearer token verification. The secret itself is read
// from the environment variable named by SecretEnv.
type JWTConfig struct {
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// CustodyConfig lists the API keys allowed to post deposit notifications.
type CustodyConfig struct {
	Keys     []CustodyKey `yaml:"keys" toml:"keys"`
	Skew     Duration     `yaml:"skew" toml:"skew"`
	NonceTTL Duration     `yaml:"nonce_ttl" toml:"nonce_ttl"`
}

// CustodyKey binds an API key to the environment variable holding its secret.
type CustodyKey struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
}

// ViewKeyConfig tunes the viewing key client. An empty BaseURL defers to
// the auth service stored in the engine config.
type ViewKeyConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// PayoutConfig controls the transfer executor.
type PayoutConfig struct {
	Paused bool `yaml:"paused" toml:"paused"`
	// Balances seeds the in-memory vault, keyed by asset.
	Balances map[string]string `yaml:"balances" toml:"balances"`
}

// WindowsConfig overrides the engine expiry windows.
type WindowsConfig struct {
	Deal    Duration `yaml:"deal" toml:"deal"`
	Dispute Duration `yaml:"dispute" toml:"dispute"`
	Post    Duration `yaml:"post" toml:"post"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	File        string `yaml:"file" toml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress    bool   `yaml:"compress" toml:"compress"`
	LogRequests bool   `yaml:"log_requests" toml:"log_requests"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"rpm" toml:"rpm"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// EngineConfig is the bootstrap engine configuration applied on first start.
type EngineConfig struct {
	Admins        []string `yaml:"admins" toml:"admins"`
	CommissionBps uint32   `yaml:"commission_bps" toml:"commission_bps"`
	Assets        []string `yaml:"assets" toml:"assets"`
	AuthService   string   `yaml:"auth_service" toml:"auth_service"`
	Governance    string   `yaml:"governance" toml:"governance"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, anything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var defaultRateLimits = map[string]RateLimitConfig{
	"posts":   {RequestsPerMinute: 60, Burst: 10},
	"deals":   {RequestsPerMinute: 120, Burst: 20},
	"queries": {RequestsPerMinute: 600, Burst: 60},
	"custody": {RequestsPerMinute: 600, Burst: 100},
	"admin":   {RequestsPerMinute: 30, Burst: 5},
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Environment == "" {
		cfg.Environment = strings.TrimSpace(os.Getenv("OTC_ENV"))
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/otcd/state"
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "file:/var/lib/otcd/journal.db"
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "/var/lib/otcd/exports"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "otcd"
	}
	if cfg.JWT.ClockSkew.Duration == 0 {
		cfg.JWT.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.Custody.Skew.Duration == 0 {
		cfg.Custody.Skew.Duration = 2 * time.Minute
	}
	if cfg.Custody.NonceTTL.Duration == 0 {
		cfg.Custody.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.ViewKey.Timeout.Duration == 0 {
		cfg.ViewKey.Timeout.Duration = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]RateLimitConfig, len(defaultRateLimits))
	}
	for group, limit := range defaultRateLimits {
		if _, ok := cfg.RateLimits[group]; !ok {
			cfg.RateLimits[group] = limit
		}
	}
	for i, asset := range cfg.Engine.Assets {
		cfg.Engine.Assets[i] = strings.ToUpper(strings.TrimSpace(asset))
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(cfg.Storage.Kind) {
	case "leveldb", "bolt", "bbolt", "memory", "mem":
	default:
		return fmt.Errorf("unsupported storage kind %q", cfg.Storage.Kind)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported journal driver %q", cfg.Journal.Driver)
	}
	if strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal dsn must be configured")
	}
	if strings.TrimSpace(cfg.JWT.SecretEnv) == "" {
		return fmt.Errorf("jwt.secret_env must be configured")
	}
	for _, key := range cfg.Custody.Keys {
		if strings.TrimSpace(key.APIKey) == "" || strings.TrimSpace(key.SecretEnv) == "" {
			return fmt.Errorf("custody keys require api_key and secret_env")
		}
	}
	for _, module := range cfg.Pauses {
		switch strings.ToLower(strings.TrimSpace(module)) {
		case otc.ModulePost, otc.ModuleDeal, otc.ModuleAdmin:
		default:
			return fmt.Errorf("unknown pause module %q", module)
		}
	}
	if _, err := cfg.Engine.ToEngine(); err != nil {
		return err
	}
	return nil
}

// ToEngine converts the bootstrap section into an engine config.
func (e EngineConfig) ToEngine() (otc.Config, error) {
	out := otc.Config{CommissionBps: e.CommissionBps, AuthService: strings.TrimSpace(e.AuthService)}
	if len(e.Admins) == 0 {
		return out, fmt.Errorf("engine.admins must list at least one address")
	}
	for _, raw := range e.Admins {
		addr, err := crypto.ParseAddress(strings.TrimSpace(raw))
		if err != nil {
			return out, fmt.Errorf("engine.admins: %w", err)
		}
		out.Admins = append(out.Admins, addr)
	}
	if len(e.Assets) != len(out.Assets) {
		return out, fmt.Errorf("engine.assets must list exactly %d identities", len(out.Assets))
	}
	copy(out.Assets[:], e.Assets)
	if e.CommissionBps > otc.MaxCommissionBps {
		return out, fmt.Errorf("engine.commission_bps must not exceed %d", otc.MaxCommissionBps)
	}
	if gov := strings.TrimSpace(e.Governance); gov != "" {
		addr, err := crypto.ParseAddress(gov)
		if err != nil {
			return out, fmt.Errorf("engine.governance: %w", err)
		}
		out.Governance = &addr
	}
	return out, nil
}

// ToEngine converts the configured durations to engine windows. Zero values
// keep the engine defaults.
func (w WindowsConfig) ToEngine() otc.Windows {
	return otc.Windows{
		Deal:    int64(w.Deal.Seconds()),
		Dispute: int64(w.Dispute.Seconds()),
		Post:    int64(w.Post.Seconds()),
	}
}

// Secret reads the JWT signing secret from the environment.
func (j JWTConfig) Secret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(j.SecretEnv))
	if secret == "" {
		return "", fmt.Errorf("jwt secret env %s is empty", j.SecretEnv)
	}
	return secret, nil
}

// Secrets resolves every custody API key to its secret.
func (c CustodyConfig) Secrets() (map[string]string, error) {
	out := make(map[string]string, len(c.Keys))
	for _, key := range c.Keys {
		secret := strings.TrimSpace(os.Getenv(key.SecretEnv))
		if secret == "" {
			return nil, fmt.Errorf("custody secret env %s is empty", key.SecretEnv)
		}
		out[strings.TrimSpace(key.APIKey)] = secret
	}
	return out, nil
}
