package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServiceConfig struct {
	// Name is stamped as the producer of every published envelope.
	Name string `yaml:"name"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

const (
	DriverAMQP  = "amqp"
	DriverKafka = "kafka"
)

type BrokerConfig struct {
	Driver       string   `yaml:"driver"`
	URL          string   `yaml:"url"`
	Exchange     string   `yaml:"exchange"`
	ExchangeKind string   `yaml:"exchange_kind"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
}

type OutboxConfig struct {
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	BatchSize        int `yaml:"batch_size"`
	PublishTimeoutMS int `yaml:"publish_timeout_ms"`
	// MaxAttempts is the number of failed deliveries before a row the broker
	// rejects is dead-lettered. Outages never dead-letter. Zero keeps retrying forever.
	MaxAttempts int `yaml:"max_attempts"`
}

func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

func (o OutboxConfig) PublishTimeout() time.Duration {
	return time.Duration(o.PublishTimeoutMS) * time.Millisecond
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Default returns the configuration used when a key is absent from file and env.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "user-service"},
		Server:  ServerConfig{Port: 3333},
		Log:     LogConfig{Level: "info"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Broker: BrokerConfig{
			Driver:       DriverAMQP,
			URL:          "amqp://localhost:5672",
			Exchange:     "users.events",
			ExchangeKind: "topic",
		},
		Outbox: OutboxConfig{
			PollIntervalMS:   2000,
			BatchSize:        50,
			PublishTimeoutMS: 5000,
			MaxAttempts:      10,
		},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Load reads yaml file. A missing file is not an error: defaults and env still apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	// override DSN password from env if present (key=value DSNs only)
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" && !strings.Contains(c.Postgres.DSN, "://") {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.Service.Name = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("BROKER_DRIVER"); v != "" {
		c.Broker.Driver = v
	}
	if v := os.Getenv("BROKER_EXCHANGE"); v != "" {
		c.Broker.Exchange = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Broker.KafkaBrokers = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"OUTBOX_PUBLISH_INTERVAL_MS", &c.Outbox.PollIntervalMS},
		{"OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize},
		{"OUTBOX_PUBLISH_TIMEOUT_MS", &c.Outbox.PublishTimeoutMS},
		{"OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.key, err)
		}
		*e.dst = n
	}
	return nil
}

// Validate rejects settings the worker or broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Outbox.PollIntervalMS <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval_ms must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.PublishTimeoutMS <= 0 {
		errs = append(errs, errors.New("outbox.publish_timeout_ms must be positive"))
	}
	if c.Outbox.MaxAttempts < 0 {
		errs = append(errs, errors.New("outbox.max_attempts must not be negative"))
	}
	if c.Broker.Exchange == "" {
		errs = append(errs, errors.New("broker.exchange is required"))
	}
	switch c.Broker.Driver {
	case DriverAMQP:
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required for amqp"))
		}
		if k := c.Broker.ExchangeKind; k != "topic" && k != "direct" {
			errs = append(errs, fmt.Errorf("broker.exchange_kind %q: want topic or direct", k))
		}
	case DriverKafka:
		if len(c.Broker.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("broker.kafka_brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.driver %q: want %s or %s", c.Broker.Driver, DriverAMQP, DriverKafka))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
