package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"transit511/pkg/types"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultBaseURL     = "http://api.511.org"
	DefaultInterval    = 60 * time.Second
	DefaultAgencyDelay = 2 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultStatsEvery  = 5
	DefaultCacheTTL    = 30 * time.Second
)

type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

type FeedConfig struct {
	APIKey   string        `yaml:"api_key" validate:"required,notplaceholder"`
	BaseURL  string        `yaml:"base_url" validate:"required,url"`
	Agencies []string      `yaml:"agencies" validate:"required,min=1,unique,dive,agency"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

type IngestConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	AgencyDelay time.Duration `yaml:"agency_delay" validate:"gte=0"`
	StatsEvery  int           `yaml:"stats_every" validate:"gt=0"`
	DryRun      bool          `yaml:"dry_run"`
	Once        bool          `yaml:"once"`
}

// DatabaseConfig is either a URL or the individual connection parts.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host" validate:"required_without=URL"`
	Port     int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name" validate:"required_without=URL"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	TimeZone string `yaml:"timezone"`
}

// ServerConfig configures the read-only HTTP query API. An empty Listen
// address disables it.
type ServerConfig struct {
	Listen   string        `yaml:"listen" validate:"omitempty,hostname_port"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			BaseURL:  DefaultBaseURL,
			Agencies: append([]string(nil), types.KnownAgencies...),
			Timeout:  DefaultTimeout,
		},
		Ingest: IngestConfig{
			Interval:    DefaultInterval,
			AgencyDelay: DefaultAgencyDelay,
			StatsEvery:  DefaultStatsEvery,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "transit_streaming",
			SSLMode:  "disable",
			TimeZone: "UTC",
		},
		Server: ServerConfig{
			CacheTTL: DefaultCacheTTL,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory, and the environment, in increasing order of
// precedence. It does not validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Feed.APIKey, "TRANSIT511_API_KEY")
	setString(&cfg.Feed.BaseURL, "TRANSIT511_BASE_URL")
	if v := os.Getenv("TRANSIT511_AGENCIES"); v != "" {
		cfg.Feed.Agencies = SplitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TRANSIT511_FETCH_TIMEOUT", &cfg.Feed.Timeout},
		{"TRANSIT511_INTERVAL", &cfg.Ingest.Interval},
		{"TRANSIT511_AGENCY_DELAY", &cfg.Ingest.AgencyDelay},
		{"TRANSIT511_API_CACHE_TTL", &cfg.Server.CacheTTL},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TRANSIT511_STATS_EVERY", &cfg.Ingest.StatsEvery},
		{"DB_PORT", &cfg.Database.Port},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = parsed
		}
	}

	setString(&cfg.Server.Listen, "TRANSIT511_API_LISTEN")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Database.Host, "DB_HOST")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	setString(&cfg.Database.TimeZone, "DB_TIMEZONE")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone,
	)
}

// Redacted describes the target database without credentials, for logs.
func (d DatabaseConfig) Redacted() string {
	if d.URL != "" {
		if u, err := url.Parse(d.URL); err == nil {
			return u.Redacted()
		}
		return "database URL"
	}
	return fmt.Sprintf("%s:%d/%s", d.Host, d.Port, d.Name)
}

// Placeholder values that must never be sent upstream.
var placeholders = map[string]bool{
	"YOURAPIKEYHERE": true,
	"YOURAPIKEY":     true,
	"APIKEY":         true,
	"CHANGEME":       true,
	"XXX":            true,
}

// IsPlaceholder reports whether an API key is a template value.
func IsPlaceholder(key string) bool {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return placeholders[b.String()]
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("notplaceholder", func(fl validator.FieldLevel) bool {
		return !IsPlaceholder(fl.Field().String())
	})
	v.RegisterValidation("agency", func(fl validator.FieldLevel) bool {
		return types.IsKnownAgency(fl.Field().String())
	})
	return v
}

// Validate checks the configuration. Database settings are not checked in
// dry-run mode since no connection is made.
func (c *Config) Validate() error {
	v := newValidator()

	type section struct {
		name  string
		value interface{}
	}
	sections := []section{
		{"feed", c.Feed},
		{"ingest", c.Ingest},
		{"server", c.Server},
	}
	if !c.Ingest.DryRun {
		sections = append(sections, section{"database", c.Database})
	}

	var problems []string
	for _, sec := range sections {
		err := v.Struct(sec.value)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(sec.name, fe))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(section string, fe validator.FieldError) string {
	field := section + "." + fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return field + " is required when no database URL is set"
	case "notplaceholder":
		return field + " is a placeholder, set a real 511.org API key"
	case "agency":
		return fmt.Sprintf("%s: unknown agency %q (known: %s)", field, fe.Value(), strings.Join(types.KnownAgencies, ", "))
	case "gt", "gte", "lte", "min":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
