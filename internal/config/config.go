// Package config loads ledger server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/registry"
	"github.com/shopspring/decimal"
)

// Prefix is prepended to every variable name.
const Prefix = "LEDGER_"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Store       string `env:"STORE" envDefault:"memory"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicPrefix string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"ledger."`

	OwnerID     string `env:"OWNER_ID" envDefault:"owner"`
	TotalSupply string `env:"TOTAL_SUPPLY" envDefault:"1000000000000000000000000000"`

	StoragePricePerByte string `env:"STORAGE_PRICE_PER_BYTE" envDefault:"10000000000000000000"`
	AccountStorageBytes int64  `env:"ACCOUNT_STORAGE_BYTES" envDefault:"125"`

	ReceiverTimeout time.Duration     `env:"RECEIVER_TIMEOUT" envDefault:"30s"`
	Receivers       map[string]string `env:"RECEIVERS" envKeyValSeparator:"="`

	TokenName     string `env:"TOKEN_NAME" envDefault:"Example Token"`
	TokenSymbol   string `env:"TOKEN_SYMBOL" envDefault:"EXAMPLE"`
	TokenDecimals int    `env:"TOKEN_DECIMALS" envDefault:"24"`
}

// Load reads envFile, when it exists, into the process environment and then
// parses Config from the environment. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the struct tags cannot.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required when %sSTORE=%s", Prefix, Prefix, StorePostgres)
		}
	default:
		return fmt.Errorf("invalid %sSTORE %q: must be %s or %s", Prefix, c.Store, StoreMemory, StorePostgres)
	}
	if c.OwnerID == "" {
		return fmt.Errorf("%sOWNER_ID is required", Prefix)
	}
	if _, err := c.Supply(); err != nil {
		return fmt.Errorf("invalid %sTOTAL_SUPPLY: %w", Prefix, err)
	}
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if c.ReceiverTimeout < 0 {
		return fmt.Errorf("%sRECEIVER_TIMEOUT must not be negative", Prefix)
	}
	return nil
}

// Supply is the parsed initial total supply.
func (c Config) Supply() (decimal.Decimal, error) {
	return models.ParseAmount(c.TotalSupply)
}

// StorageConfig is the registry storage cost model.
func (c Config) StorageConfig() (registry.Config, error) {
	price, err := models.ParseAmount(c.StoragePricePerByte)
	if err != nil {
		return registry.Config{}, fmt.Errorf("invalid %sSTORAGE_PRICE_PER_BYTE: %w", Prefix, err)
	}
	if c.AccountStorageBytes < 0 {
		return registry.Config{}, fmt.Errorf("%sACCOUNT_STORAGE_BYTES must not be negative", Prefix)
	}
	return registry.Config{StoragePricePerByte: price, AccountStorageBytes: c.AccountStorageBytes}, nil
}
