package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverHTTP     = "http"
	DriverStatic   = "static"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Booking   BookingConfig   `yaml:"booking"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type HTTPConfig struct {
	Address        string        `yaml:"address" env:"HTTP_ADDRESS"`
	SwaggerDir     string        `yaml:"swagger_dir" env:"HTTP_SWAGGER_DIR"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" env:"HTTP_RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env:"HTTP_RATE_LIMIT_BURST"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"HTTP_IDEMPOTENCY_TTL"`
}

type GRPCConfig struct {
	Address string `yaml:"address" env:"GRPC_ADDRESS"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	BookingEventsTopic string   `yaml:"booking_events_topic" env:"KAFKA_BOOKING_EVENTS_TOPIC"`
	GroupID            string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
}

type CatalogConfig struct {
	Driver             string          `yaml:"driver" env:"CATALOG_DRIVER"`
	BaseURL            string          `yaml:"base_url" env:"CATALOG_BASE_URL"`
	Timeout            time.Duration   `yaml:"timeout" env:"CATALOG_TIMEOUT"`
	BreakerFailures    uint32          `yaml:"breaker_failures" env:"CATALOG_BREAKER_FAILURES"`
	BreakerOpenTimeout time.Duration   `yaml:"breaker_open_timeout" env:"CATALOG_BREAKER_OPEN_TIMEOUT"`
	Static             []StaticProduct `yaml:"static"`
}

// StaticProduct seeds the in-process catalog.
type StaticProduct struct {
	ID       string       `yaml:"id"`
	Bookable bool         `yaml:"bookable"`
	Items    []StaticItem `yaml:"items"`
}

type StaticItem struct {
	ID        string `yaml:"id"`
	UnitPrice int64  `yaml:"unit_price"`
	Currency  string `yaml:"currency"`
}

type BookingConfig struct {
	HoldTTL            time.Duration `yaml:"hold_ttl" env:"BOOKING_HOLD_TTL"`
	DeparturesCacheTTL time.Duration `yaml:"departures_cache_ttl" env:"BOOKING_DEPARTURES_CACHE_TTL"`
}

type WorkerConfig struct {
	// Embedded runs the expiry scheduler inside the API process.
	Embedded            bool          `yaml:"embedded" env:"WORKER_EMBEDDED"`
	Scheduler           string        `yaml:"scheduler" env:"WORKER_SCHEDULER"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"WORKER_POLL_INTERVAL"`
	MaxAttempts         int           `yaml:"max_attempts" env:"WORKER_MAX_ATTEMPTS"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" env:"WORKER_RETRY_BACKOFF"`
	ConsistencyInterval time.Duration `yaml:"consistency_interval" env:"WORKER_CONSISTENCY_INTERVAL"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// LoadConfig reads the YAML file at path, if present, then applies
// environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.HTTP.Address, ":8080")
	setDefault(&c.GRPC.Address, ":9090")
	setDefault(&c.Database.Driver, DriverPostgres)
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Kafka.BookingEventsTopic, "booking-events")
	setDefault(&c.Kafka.GroupID, "booking-notifications")
	setDefault(&c.Catalog.Driver, DriverHTTP)
	setDefault(&c.Worker.Scheduler, DriverRedis)
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Telemetry.ServiceName, "booking-engine")

	if c.HTTP.IdempotencyTTL == 0 {
		c.HTTP.IdempotencyTTL = 24 * time.Hour
	}
	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = 3 * time.Second
	}
	if c.Catalog.BreakerOpenTimeout == 0 {
		c.Catalog.BreakerOpenTimeout = 30 * time.Second
	}
	if c.Booking.HoldTTL == 0 {
		c.Booking.HoldTTL = 15 * time.Minute
	}
	if c.Booking.DeparturesCacheTTL == 0 {
		c.Booking.DeparturesCacheTTL = 30 * time.Second
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.RetryBackoff == 0 {
		c.Worker.RetryBackoff = 2 * time.Second
	}
	if c.Worker.ConsistencyInterval == 0 {
		c.Worker.ConsistencyInterval = 5 * time.Minute
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Booking.HoldTTL <= 0 {
		errs = append(errs, errors.New("booking.hold_ttl must be positive"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverMemory {
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, memory", c.Database.Driver))
	}
	if c.Worker.Scheduler != DriverRedis && c.Worker.Scheduler != DriverMemory {
		errs = append(errs, fmt.Errorf("worker.scheduler %q is not one of redis, memory", c.Worker.Scheduler))
	}
	if c.Catalog.Driver != DriverHTTP && c.Catalog.Driver != DriverStatic {
		errs = append(errs, fmt.Errorf("catalog.driver %q is not one of http, static", c.Catalog.Driver))
	}
	if c.Catalog.Driver == DriverHTTP && c.Catalog.BaseURL == "" {
		errs = append(errs, errors.New("catalog.base_url is required for the http catalog"))
	}
	// An in-memory heap only fires in the process that armed it.
	if c.Worker.Scheduler == DriverMemory && !c.Worker.Embedded {
		errs = append(errs, errors.New("worker.embedded must be set for the memory scheduler"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
