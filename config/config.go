/*
Package config loads server configuration from the environment.

PURPOSE:
  One place that knows every setting, its environment key and its default.
  A .env file in the working directory is loaded first when present;
  variables already set in the environment win over it. Command-line
  flags (cmd/server) override the loaded values.

KEYS:
  PORT                            HTTP listen port (8080)
  STORE_DRIVER                    memory | sqlite | firestore (memory)
  SQLITE_PATH                     database file (./data/ledger.db)
  FIRESTORE_PROJECT               GCP project for the firestore driver
  REDIS_ADDR                      enables the Redis locker when set
  PUBSUB_PROJECT, PUBSUB_TOPIC    enables change log publishing when both set
  MAX_ANY_OF                      "in" filter cap (10)
  DEFAULT_PAGE_SIZE               list page size when none is asked (25)
  MAX_RESIDUAL_FETCHES            extra fetches to fill a filtered page (5)
  OPERATION_TIMEOUT               per-mutation deadline (10s)
  AUDIT_DRAIN_INTERVAL            background outbox drain period (30s)
  RECOMPUTE_ON_MEMBERSHIP_CHANGE  recompute totals on add/remove/move (true)
  INVOICE_NUMBER_PREFIX           invoice number prefix (INV)
  LOG_LEVEL                       logrus level (info)
  LOG_FORMAT                      json | text (json)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/billing-ledger/ledger"
)

const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverFirestore = "firestore"
)

type Config struct {
	Port string

	StoreDriver      string
	SQLitePath       string
	FirestoreProject string
	RedisAddr        string
	PubSubProject    string
	PubSubTopic      string

	MaxAnyOf           int
	DefaultPageSize    int
	MaxResidualFetches int

	OperationTimeout            time.Duration
	AuditDrainInterval          time.Duration
	RecomputeOnMembershipChange bool
	InvoiceNumberPrefix         string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	engine := ledger.DefaultEngineConfig()
	return Config{
		Port:                        "8080",
		StoreDriver:                 DriverMemory,
		SQLitePath:                  "./data/ledger.db",
		MaxAnyOf:                    ledger.DefaultMaxAnyOf,
		DefaultPageSize:             25,
		MaxResidualFetches:          5,
		OperationTimeout:            engine.OperationTimeout,
		AuditDrainInterval:          30 * time.Second,
		RecomputeOnMembershipChange: engine.RecomputeOnMembershipChange,
		InvoiceNumberPrefix:         engine.InvoiceNumberPrefix,
		LogLevel:                    "info",
		LogFormat:                   "json",
	}
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, starting from Default.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	p.str("PORT", &cfg.Port)
	p.str("STORE_DRIVER", &cfg.StoreDriver)
	p.str("SQLITE_PATH", &cfg.SQLitePath)
	p.str("FIRESTORE_PROJECT", &cfg.FirestoreProject)
	p.str("REDIS_ADDR", &cfg.RedisAddr)
	p.str("PUBSUB_PROJECT", &cfg.PubSubProject)
	p.str("PUBSUB_TOPIC", &cfg.PubSubTopic)
	p.integer("MAX_ANY_OF", &cfg.MaxAnyOf)
	p.integer("DEFAULT_PAGE_SIZE", &cfg.DefaultPageSize)
	p.integer("MAX_RESIDUAL_FETCHES", &cfg.MaxResidualFetches)
	p.duration("OPERATION_TIMEOUT", &cfg.OperationTimeout)
	p.duration("AUDIT_DRAIN_INTERVAL", &cfg.AuditDrainInterval)
	p.boolean("RECOMPUTE_ON_MEMBERSHIP_CHANGE", &cfg.RecomputeOnMembershipChange)
	p.str("INVOICE_NUMBER_PREFIX", &cfg.InvoiceNumberPrefix)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.MaxAnyOf < 1 {
		return fmt.Errorf("MAX_ANY_OF must be positive, got %d", c.MaxAnyOf)
	}
	if c.DefaultPageSize < 1 {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be positive, got %d", c.DefaultPageSize)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be positive, got %s", c.OperationTimeout)
	}
	if (c.PubSubProject == "") != (c.PubSubTopic == "") {
		return fmt.Errorf("PUBSUB_PROJECT and PUBSUB_TOPIC must be set together")
	}
	return nil
}

// Capabilities is the store query model for this configuration.
func (c Config) Capabilities() ledger.Capabilities {
	return ledger.Capabilities{MaxAnyOf: c.MaxAnyOf}
}

func (c Config) Engine() ledger.EngineConfig {
	return ledger.EngineConfig{
		OperationTimeout:            c.OperationTimeout,
		RecomputeOnMembershipChange: c.RecomputeOnMembershipChange,
		InvoiceNumberPrefix:         c.InvoiceNumberPrefix,
	}
}

// parser keeps the first error so FromEnv reads as a flat list.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}
