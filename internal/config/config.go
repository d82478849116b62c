// Package config содержит логику чтения конфигурации кассового движка.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации кассового движка.
type Config struct {
	RunAddress               string `env:"RUN_ADDRESS"`
	DatabaseURI              string `env:"DATABASE_URI"`
	StockServiceAddress      string `env:"STOCK_SERVICE_ADDRESS"`
	AccountingServiceAddress string `env:"ACCOUNTING_SERVICE_ADDRESS"`
	CatalogFile              string `env:"CATALOG_FILE"`
	CatalogAddress           string `env:"CATALOG_ADDRESS"`

	AuthSecret             string        `env:"AUTH_SECRET"`
	CurrencyDigits         int32         `env:"CURRENCY_DIGITS" envDefault:"2"`
	FulfillmentInterval    time.Duration `env:"FULFILLMENT_INTERVAL" envDefault:"1s"`
	FulfillmentMaxAttempts int           `env:"FULFILLMENT_MAX_ATTEMPTS" envDefault:"10"`
	CatalogCacheSize       int           `env:"CATALOG_CACHE_SIZE" envDefault:"1024"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStockAddress := cfg.StockServiceAddress
	envAccountingAddress := cfg.AccountingServiceAddress
	envCatalogFile := cfg.CatalogFile
	envCatalogAddress := cfg.CatalogAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage if empty")
	flag.StringVar(&cfg.StockServiceAddress, "s", "", "stock service address")
	flag.StringVar(&cfg.AccountingServiceAddress, "g", "", "accounting service address")
	flag.StringVar(&cfg.CatalogFile, "c", "", "static catalog and tax table YAML file")
	flag.StringVar(&cfg.CatalogAddress, "p", "", "remote product catalog address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStockAddress != "" {
		cfg.StockServiceAddress = envStockAddress
	}
	if envAccountingAddress != "" {
		cfg.AccountingServiceAddress = envAccountingAddress
	}
	if envCatalogFile != "" {
		cfg.CatalogFile = envCatalogFile
	}
	if envCatalogAddress != "" {
		cfg.CatalogAddress = envCatalogAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CatalogFile == "" && c.CatalogAddress == "" {
		return fmt.Errorf("config: catalog file (-c) or catalog address (-p) is required")
	}
	if c.CurrencyDigits < 0 || c.CurrencyDigits > 8 {
		return fmt.Errorf("config: currency digits must be within [0, 8], got %d", c.CurrencyDigits)
	}
	if c.FulfillmentInterval <= 0 {
		return fmt.Errorf("config: fulfillment interval must be positive, got %s", c.FulfillmentInterval)
	}
	if c.FulfillmentMaxAttempts <= 0 {
		return fmt.Errorf("config: fulfillment max attempts must be positive, got %d", c.FulfillmentMaxAttempts)
	}
	return nil
}
