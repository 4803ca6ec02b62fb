package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/riskgate/engine"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/limits"
)

// Config is the complete process configuration
type Config struct {
	Limits limits.Values `json:"limits" yaml:"limits"`
	Engine EngineConfig  `json:"engine" yaml:"engine"`
	Ledger LedgerConfig  `json:"ledger" yaml:"ledger"`
	Store  StoreConfig   `json:"store" yaml:"store"`
	Audit  AuditConfig   `json:"audit" yaml:"audit"`
	HTTP   HTTPConfig    `json:"http" yaml:"http"`
	Log    LogConfig     `json:"log" yaml:"log"`
}

// EngineConfig tunes the validation engine
type EngineConfig struct {
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
	ReservationTTL string `json:"reservation_ttl" yaml:"reservation_ttl"` // e.g. "2m"
	MarkToMarket   bool   `json:"mark_to_market" yaml:"mark_to_market"`
}

// LedgerConfig points at the position ledger
type LedgerConfig struct {
	Dir             string   `json:"dir" yaml:"dir"` // one <account>.json snapshot per account
	Accounts        []string `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	RefreshInterval string   `json:"refresh_interval" yaml:"refresh_interval"`
	MaxStaleness    string   `json:"max_staleness" yaml:"max_staleness"`
	FetchTimeout    string   `json:"fetch_timeout" yaml:"fetch_timeout"`
}

// StoreConfig selects the account state store
type StoreConfig struct {
	Type      string `json:"type" yaml:"type"` // "memory" or "redis"
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisDB   int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`

	BudgetKeyPrefix string `json:"budget_key_prefix,omitempty" yaml:"budget_key_prefix,omitempty"`
}

// AuditConfig selects the decision log
type AuditConfig struct {
	Type   string      `json:"type" yaml:"type"` // "memory" or "sqlite"
	DBPath string      `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Kafka  KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig mirrors audit records to a topic. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty" yaml:"topic,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := fromFile()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = fromFile()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", errors.Join(err, jerr))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fromFile is the base a file is decoded onto. Everything but the hard
// limits has a default; a limit left out of the file fails Validate.
func fromFile() *Config {
	cfg := Default()
	cfg.Limits = limits.Values{}
	return cfg
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the whole file. A bad hard limit comes back as a
// *limits.ConfigurationError.
func (c *Config) Validate() error {
	if _, err := limits.New(c.Limits); err != nil {
		return err
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	if _, err := parseDuration("engine.reservation_ttl", c.Engine.ReservationTTL); err != nil {
		return err
	}
	if c.Ledger.Dir == "" {
		return fmt.Errorf("ledger.dir is required")
	}
	for field, s := range map[string]string{
		"ledger.refresh_interval": c.Ledger.RefreshInterval,
		"ledger.max_staleness":    c.Ledger.MaxStaleness,
		"ledger.fetch_timeout":    c.Ledger.FetchTimeout,
	} {
		if _, err := parseDuration(field, s); err != nil {
			return err
		}
	}
	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr required for redis type")
		}
	default:
		return fmt.Errorf("store.type must be 'memory' or 'redis'")
	}
	switch c.Audit.Type {
	case "memory":
	case "sqlite":
		if c.Audit.DBPath == "" {
			return fmt.Errorf("audit db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("audit.type must be 'memory' or 'sqlite'")
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		return fmt.Errorf("audit.kafka.topic required when brokers are set")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// HardLimits builds the immutable limits from the file values.
func (c *Config) HardLimits() (limits.HardLimits, error) {
	return limits.New(c.Limits)
}

// EngineConfig converts the engine section. Call Validate first.
func (c *Config) EngineConfig() engine.Config {
	ttl, _ := parseDuration("", c.Engine.ReservationTTL)
	return engine.Config{
		MaxRetries:     c.Engine.MaxRetries,
		ReservationTTL: ttl,
		MarkToMarket:   c.Engine.MarkToMarket,
	}
}

// CacheConfig converts the ledger section. Call Validate first.
func (c *Config) CacheConfig() ledger.CacheConfig {
	refresh, _ := parseDuration("", c.Ledger.RefreshInterval)
	stale, _ := parseDuration("", c.Ledger.MaxStaleness)
	timeout, _ := parseDuration("", c.Ledger.FetchTimeout)
	return ledger.CacheConfig{RefreshInterval: refresh, MaxStaleness: stale, FetchTimeout: timeout}
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Limits: limits.DefaultValues(),
		Engine: EngineConfig{
			MaxRetries:     3,
			ReservationTTL: "2m",
		},
		Ledger: LedgerConfig{
			Dir:             "./ledger",
			RefreshInterval: "5s",
			MaxStaleness:    "30s",
			FetchTimeout:    "2s",
		},
		Store: StoreConfig{
			Type:            "memory",
			KeyPrefix:       "riskgate:state:",
			BudgetKeyPrefix: "riskgate:budget:",
		},
		Audit: AuditConfig{
			Type:   "sqlite",
			DBPath: "./riskgate-audit.db",
			Kafka:  KafkaConfig{Topic: "riskgate.decisions"},
		},
		HTTP: HTTPConfig{Addr: ":8088"},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}
