package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Events  EventsConfig  `yaml:"events"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Seed    SeedConfig    `yaml:"seed"`
}

type ServiceConfig struct {
	Name            string   `yaml:"name"`
	Version         string   `yaml:"version"`
	HTTPAddr        string   `yaml:"http_addr"`
	GRPCAddr        string   `yaml:"grpc_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver      string   `yaml:"driver"`
	MySQLDSN    string   `yaml:"mysql_dsn"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	LockTimeout Duration `yaml:"lock_timeout"`
	AutoMigrate bool     `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr           string   `yaml:"addr"`
	Password       string   `yaml:"password"`
	DB             int      `yaml:"db"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
	MirrorStock    bool     `yaml:"mirror_stock"`
}

type EventsConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	Workers        int      `yaml:"workers"`
	PublishTimeout Duration `yaml:"publish_timeout"`
	NATSURL        string   `yaml:"nats_url"`
	NATSSubject    string   `yaml:"nats_subject"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	LogEvents      bool     `yaml:"log_events"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	URLPath  string `yaml:"url_path"`
	Insecure bool   `yaml:"insecure"`
	// SampleRatio 0 samples nothing, 1 samples everything.
	SampleRatio   float64  `yaml:"sample_ratio"`
	ExportTimeout Duration `yaml:"export_timeout"`
	MaxQueueSize  int      `yaml:"max_queue_size"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SeedConfig struct {
	Products []SeedProduct `yaml:"products"`
}

type SeedProduct struct {
	ID           int64  `yaml:"id"`
	SKU          string `yaml:"sku"`
	UnitPrice    string `yaml:"unit_price"`
	CentralStock int64  `yaml:"central_stock"`
}

func (p SeedProduct) Price() (decimal.Decimal, error) {
	if p.UnitPrice == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(p.UnitPrice)
}

// Duration reads "2s"-style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:            "stock-ledger",
			Version:         "dev",
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Driver:      DriverMemory,
			LockTimeout: Duration(2 * time.Second),
		},
		Redis: RedisConfig{
			IdempotencyTTL: Duration(24 * time.Hour),
		},
		Events: EventsConfig{
			QueueSize:      1024,
			Workers:        4,
			PublishTimeout: Duration(5 * time.Second),
			NATSSubject:    "ledger.events",
			KafkaTopic:     "ledger-events",
		},
		Tracing: TracingConfig{
			SampleRatio:   1,
			ExportTimeout: Duration(30 * time.Second),
			MaxQueueSize:  2048,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "ledger",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("LEDGER_HTTP_ADDR", &c.Service.HTTPAddr)
	str("LEDGER_GRPC_ADDR", &c.Service.GRPCAddr)
	str("LEDGER_STORAGE_DRIVER", &c.Storage.Driver)
	str("MYSQL_DSN", &c.Storage.MySQLDSN)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	dur("LEDGER_LOCK_TIMEOUT", &c.Storage.LockTimeout)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("NATS_URL", &c.Events.NATSURL)
	num("LEDGER_EVENT_QUEUE_SIZE", &c.Events.QueueSize)
	num("LEDGER_EVENT_WORKERS", &c.Events.Workers)
	str("LEDGER_KAFKA_TOPIC", &c.Events.KafkaTopic)
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Events.KafkaBrokers = splitCSV(v)
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysql_dsn is required for the mysql driver"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, mysql, postgres", c.Storage.Driver))
	}
	if c.Storage.LockTimeout <= 0 {
		errs = append(errs, errors.New("storage.lock_timeout must be positive"))
	}
	if c.Service.HTTPAddr == "" && c.Service.GRPCAddr == "" {
		errs = append(errs, errors.New("at least one of service.http_addr and service.grpc_addr is required"))
	}
	if c.Events.QueueSize <= 0 {
		errs = append(errs, errors.New("events.queue_size must be positive"))
	}
	if c.Events.Workers <= 0 {
		errs = append(errs, errors.New("events.workers must be positive"))
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		errs = append(errs, errors.New("events.kafka_topic is required when kafka_brokers is set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.Tracing.ExportTimeout < 0 || c.Tracing.MaxQueueSize < 0 {
		errs = append(errs, errors.New("tracing.export_timeout and tracing.max_queue_size must not be negative"))
	}
	seen := make(map[int64]bool)
	skus := make(map[string]int64)
	for i, p := range c.Seed.Products {
		if p.ID <= 0 || p.SKU == "" || p.CentralStock < 0 {
			errs = append(errs, fmt.Errorf("seed.products[%d]: id, sku and a non-negative central_stock are required", i))
		}
		if _, err := p.Price(); err != nil {
			errs = append(errs, fmt.Errorf("seed.products[%d].unit_price: %w", i, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("seed.products[%d]: duplicate id %d", i, p.ID))
		}
		seen[p.ID] = true
		if owner, ok := skus[p.SKU]; ok && p.SKU != "" && owner != p.ID {
			errs = append(errs, fmt.Errorf("seed.products[%d]: sku %q already used by product %d", i, p.SKU, owner))
		}
		skus[p.SKU] = p.ID
	}
	return errors.Join(errs...)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
