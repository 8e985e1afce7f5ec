/*
Package config loads runtime configuration with viper.

SOURCES (later wins):
  1. built-in defaults
  2. config.yaml in . or ./config (optional)
  3. RENT_* environment variables, "." replaced by "_"
     e.g. RENT_DATABASE_PATH, RENT_BILLING_FINE_GRACE_DAYS
  4. command-line flags bound by cmd/server

The three day thresholds of the fine/arrest policy are independent keys;
none of them is derived from another.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/rent-ledger/billing"
)

const EnvPrefix = "RENT"

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Name string
}

type ServerConfig struct {
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSAllowedOrigins []string
}

type DatabaseConfig struct {
	// Path of the SQLite file, or ":memory:".
	Path string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// BillingConfig mirrors billing.Policy.
type BillingConfig struct {
	FineRate                string
	FineGraceDays           int
	ArrestThresholdDays     int
	FineArrestThresholdDays int
	BatchConcurrency        int
	// Actor is recorded on audit events raised by scheduled jobs.
	Actor string
}

type SchedulerConfig struct {
	Enabled     bool
	InvoiceCron string // monthly invoice generation
	ArrestCron  string // fine sweep and arrest jobs
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rent-ledger")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.cors_allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.path", "rent.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("billing.fine_rate", "0.30")
	v.SetDefault("billing.fine_grace_days", 15)
	v.SetDefault("billing.arrest_threshold_days", 30)
	v.SetDefault("billing.fine_arrest_threshold_days", 17)
	v.SetDefault("billing.batch_concurrency", 4)
	v.SetDefault("billing.actor", billing.DefaultActor)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.invoice_cron", "0 1 1 * *")
	v.SetDefault("scheduler.arrest_cron", "0 2 * * *")
}

// New returns a viper instance with defaults, env binding and the optional
// config file search path. Pass an explicit file to read only that file.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (a missing default file is fine), builds the
// Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
		},
		Server: ServerConfig{
			Port:               v.GetInt("server.port"),
			ReadTimeout:        v.GetDuration("server.read_timeout"),
			WriteTimeout:       v.GetDuration("server.write_timeout"),
			CORSAllowedOrigins: v.GetStringSlice("server.cors_allowed_origins"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Billing: BillingConfig{
			FineRate:                v.GetString("billing.fine_rate"),
			FineGraceDays:           v.GetInt("billing.fine_grace_days"),
			ArrestThresholdDays:     v.GetInt("billing.arrest_threshold_days"),
			FineArrestThresholdDays: v.GetInt("billing.fine_arrest_threshold_days"),
			BatchConcurrency:        v.GetInt("billing.batch_concurrency"),
			Actor:                   v.GetString("billing.actor"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     v.GetBool("scheduler.enabled"),
			InvoiceCron: v.GetString("scheduler.invoice_cron"),
			ArrestCron:  v.GetString("scheduler.arrest_cron"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Policy converts the billing section into an engine policy.
func (c *Config) Policy() (billing.Policy, error) {
	rate, err := decimal.NewFromString(c.Billing.FineRate)
	if err != nil {
		return billing.Policy{}, fmt.Errorf("billing.fine_rate: %w", err)
	}
	return billing.Policy{
		FineRate:                rate,
		FineGraceDays:           c.Billing.FineGraceDays,
		ArrestThresholdDays:     c.Billing.ArrestThresholdDays,
		FineArrestThresholdDays: c.Billing.FineArrestThresholdDays,
		BatchConcurrency:        c.Billing.BatchConcurrency,
	}, nil
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	policy, err := c.Policy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	if c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for key, spec := range map[string]string{
			"scheduler.invoice_cron": c.Scheduler.InvoiceCron,
			"scheduler.arrest_cron":  c.Scheduler.ArrestCron,
		} {
			if _, err := parser.Parse(spec); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}
