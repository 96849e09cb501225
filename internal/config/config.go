// Package config loads process settings from a .env file, an optional YAML
// settings file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradeledger/position-engine/internal/quote"
	"github.com/tradeledger/position-engine/internal/tax"
)

// Config holds every tunable of the server and CLI.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	LogLevel    string `yaml:"log_level"`

	Cache CacheConfig `yaml:"cache"`
	Kafka KafkaConfig `yaml:"kafka"`
	Quote QuoteConfig `yaml:"quote"`
	Tax   TaxConfig   `yaml:"tax"`
}

// CacheConfig holds read cache lifetimes.
type CacheConfig struct {
	Positions time.Duration `yaml:"positions"`
	Platforms time.Duration `yaml:"platforms"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// QuoteConfig configures the price lookup. An empty URL disables it.
type QuoteConfig struct {
	URL              string        `yaml:"url"`
	RPS              float64       `yaml:"rps"`
	Timeout          time.Duration `yaml:"timeout"`
	TTL              time.Duration `yaml:"ttl"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type TaxConfig struct {
	LongTermDays  int     `yaml:"long_term_days"`
	LongTermRate  float64 `yaml:"long_term_rate"`
	ShortTermRate float64 `yaml:"short_term_rate"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Cache: CacheConfig{
			Positions: 60 * time.Second,
			Platforms: time.Hour,
		},
		Kafka: KafkaConfig{Topic: "ledger.events"},
		Quote: QuoteConfig{
			RPS:              5,
			Timeout:          5 * time.Second,
			TTL:              5 * time.Minute,
			FailureThreshold: 3,
			OpenTimeout:      30 * time.Second,
		},
		Tax: TaxConfig{
			LongTermDays:  365,
			LongTermRate:  0.15,
			ShortTermRate: 0.24,
		},
	}
}

// Load reads .env (when present), then CONFIG_FILE (when set), then the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.Getenv("CONFIG_FILE"), os.Getenv)
}

// LoadFrom applies the YAML file at path (if non-empty) and then the
// variables returned by getenv over the defaults.
func LoadFrom(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("PORT", &c.Port)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("REDIS_URL", &c.RedisURL)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("KAFKA_TOPIC", &c.Kafka.Topic)
	setString("QUOTE_URL", &c.Quote.URL)

	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("CACHE_TTL"); v != "" {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.Cache.Positions = ttl
	}
	if v := getenv("QUOTE_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("QUOTE_RPS: %w", err)
		}
		c.Quote.RPS = rps
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Tax.LongTermDays <= 0:
		return errors.New("config: tax.long_term_days must be positive")
	case c.Tax.LongTermRate < 0 || c.Tax.ShortTermRate < 0:
		return errors.New("config: tax rates must not be negative")
	case c.Quote.URL != "" && c.Quote.RPS <= 0:
		return errors.New("config: quote.rps must be positive")
	}
	return nil
}

// parseSeconds accepts a Go duration ("90s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Classifier builds the tax classifier from the tax settings.
func (c *Config) Classifier() tax.Classifier {
	return tax.Classifier{
		LongTermDays:  c.Tax.LongTermDays,
		LongTermRate:  decimal.NewFromFloat(c.Tax.LongTermRate),
		ShortTermRate: decimal.NewFromFloat(c.Tax.ShortTermRate),
	}
}

// QuoteService returns the quote service settings.
func (c *Config) QuoteService() quote.Config {
	return quote.Config{
		TTL:              c.Quote.TTL,
		FailureThreshold: c.Quote.FailureThreshold,
		OpenTimeout:      c.Quote.OpenTimeout,
	}
}
