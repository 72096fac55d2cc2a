package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Vendor   VendorConfig   `mapstructure:"vendor"`
	LogLevel string         `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the store. Driver is "postgres" or "memory".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// RedisConfig enables the shared campaign lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// AMQPConfig switches receipt transport from in-memory to RabbitMQ when URL is set.
type AMQPConfig struct {
	URL          string `mapstructure:"url"`
	ReceiptQueue string `mapstructure:"receipt_queue"`
}

type DispatchConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	VendorTimeout time.Duration `mapstructure:"vendor_timeout"`
}

type VendorConfig struct {
	FailureRate        float64       `mapstructure:"failure_rate"`
	MinLatency         time.Duration `mapstructure:"min_latency"`
	MaxLatency         time.Duration `mapstructure:"max_latency"`
	Seed               uint64        `mapstructure:"seed"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	ReceiptDelay       time.Duration `mapstructure:"receipt_delay"`
	ReceiptDeadline    time.Duration `mapstructure:"receipt_deadline"`
	ReceiptFailureRate float64       `mapstructure:"receipt_failure_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.receipt_queue", "delivery_receipts")
	v.SetDefault("dispatch.batch_size", 50)
	v.SetDefault("dispatch.workers", 10)
	v.SetDefault("dispatch.vendor_timeout", 5*time.Second)
	v.SetDefault("vendor.failure_rate", 0.1)
	v.SetDefault("vendor.min_latency", time.Duration(0))
	v.SetDefault("vendor.max_latency", 100*time.Millisecond)
	v.SetDefault("vendor.seed", uint64(0))
	v.SetDefault("vendor.rate_per_second", 0.0)
	v.SetDefault("vendor.receipt_delay", time.Second)
	v.SetDefault("vendor.receipt_deadline", 30*time.Second)
	v.SetDefault("vendor.receipt_failure_rate", 0.05)
	v.SetDefault("log_level", "info")
}

// Load reads .env (if present), config.yaml from . or ./configs, then the
// environment. DISPATCH_BATCH_SIZE overrides dispatch.batch_size and so on.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = legacyDSN(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// legacyDSN builds a connection string from DB_USER, DB_PASSWORD, DB_HOST,
// DB_PORT and DB_NAME. Empty when DB_HOST is unset.
func legacyDSN(v *viper.Viper) string {
	for _, key := range []string{"DB_USER", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME"} {
		_ = v.BindEnv(key)
	}
	host := v.GetString("DB_HOST")
	if host == "" {
		return ""
	}
	port := v.GetString("DB_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		v.GetString("DB_USER"), v.GetString("DB_PASSWORD"), host, port, v.GetString("DB_NAME"))
}

func (c *Config) Validate() error {
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.Workers > c.Dispatch.BatchSize {
		c.Dispatch.Workers = c.Dispatch.BatchSize
	}
	if c.Dispatch.VendorTimeout <= 0 {
		return fmt.Errorf("dispatch.vendor_timeout must be positive")
	}
	if c.Vendor.FailureRate < 0 || c.Vendor.FailureRate > 1 {
		return fmt.Errorf("vendor.failure_rate must be within [0,1], got %v", c.Vendor.FailureRate)
	}
	if c.Vendor.ReceiptFailureRate < 0 || c.Vendor.ReceiptFailureRate > 1 {
		return fmt.Errorf("vendor.receipt_failure_rate must be within [0,1], got %v", c.Vendor.ReceiptFailureRate)
	}
	if c.Vendor.MaxLatency < c.Vendor.MinLatency {
		return fmt.Errorf("vendor.max_latency must not be below vendor.min_latency")
	}
	switch c.Database.Driver {
	case "memory":
		// receipts published to RabbitMQ are reconciled by cmd/worker, which needs postgres
		if c.AMQP.URL != "" {
			return fmt.Errorf("amqp.url requires the postgres driver; the memory store cannot be shared with cmd/worker")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url (or DATABASE_URL / DB_* variables) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}
