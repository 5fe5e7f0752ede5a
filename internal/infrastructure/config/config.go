package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Billing BillingConfig
	Sentry  SentryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig holds receipt persistence configuration
type StorageConfig struct {
	DataDir string
}

// BillingConfig holds billing platform configuration
type BillingConfig struct {
	PackageName        string
	ServiceAccountJSON string
	ProProductIDs      []string
	PurchaseTimeout    time.Duration
	AckBackoffBase     time.Duration
	AckBackoffMax      time.Duration
	AckMaxRetries      uint64
}

// SentryConfig holds Sentry configuration
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// Load loads configuration from an optional .env file plus environment variables
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// .env file is optional for production (env vars are used)
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetInt("server_port"),
			ReadTimeout:     viper.GetDuration("server_read_timeout"),
			WriteTimeout:    viper.GetDuration("server_write_timeout"),
			ShutdownTimeout: viper.GetDuration("server_shutdown_timeout"),
		},
		Storage: StorageConfig{
			DataDir: viper.GetString("data_dir"),
		},
		Billing: BillingConfig{
			PackageName:        viper.GetString("billing_package_name"),
			ServiceAccountJSON: viper.GetString("billing_service_account_json"),
			ProProductIDs:      viper.GetStringSlice("billing_pro_product_ids"),
			PurchaseTimeout:    viper.GetDuration("billing_purchase_timeout"),
			AckBackoffBase:     viper.GetDuration("billing_ack_backoff_base"),
			AckBackoffMax:      viper.GetDuration("billing_ack_backoff_max"),
			AckMaxRetries:      viper.GetUint64("billing_ack_max_retries"),
		},
		Sentry: SentryConfig{
			DSN:         viper.GetString("sentry_dsn"),
			Environment: viper.GetString("sentry_environment"),
			Release:     viper.GetString("sentry_release"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server_port", 8080)
	viper.SetDefault("server_read_timeout", 10*time.Second)
	viper.SetDefault("server_write_timeout", 10*time.Second)
	viper.SetDefault("server_shutdown_timeout", 30*time.Second)

	// Storage defaults
	viper.SetDefault("data_dir", "./data")

	// Billing defaults
	viper.SetDefault("billing_pro_product_ids", []string{"pro_monthly", "pro_yearly"})
	viper.SetDefault("billing_purchase_timeout", 15*time.Second)
	viper.SetDefault("billing_ack_backoff_base", 200*time.Millisecond)
	viper.SetDefault("billing_ack_backoff_max", 5*time.Second)
	viper.SetDefault("billing_ack_max_retries", 6)

	// Sentry defaults
	viper.SetDefault("sentry_environment", "development")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server_port: %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(cfg.Billing.ProProductIDs) == 0 {
		return fmt.Errorf("billing_pro_product_ids is required")
	}
	return nil
}
