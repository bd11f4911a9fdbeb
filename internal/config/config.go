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

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by an optional YAML file (CONFIG_FILE) and then by
// environment variables, so the binary runs locally without any setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	PGDSN         string `yaml:"pg_dsn"`
	PGDriver      string `yaml:"pg_driver"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`

	OSRMEndpoint  string        `yaml:"osrm_endpoint"`
	RouteCacheTTL time.Duration `yaml:"route_cache_ttl"`

	StripeAPIKey        string `yaml:"stripe_api_key"`
	StripePaymentMethod string `yaml:"stripe_payment_method"`
	Currency            string `yaml:"currency"`

	FarePricePerKm float64 `yaml:"fare_price_per_km"`
	FareVariance   float64 `yaml:"fare_variance"`
	FareIncrement  float64 `yaml:"fare_increment"`

	SearchDelay    time.Duration `yaml:"trip_search_delay"`
	RejectDelay    time.Duration `yaml:"trip_reject_delay"`
	StepInterval   time.Duration `yaml:"trip_step_interval"`
	PaymentDelay   time.Duration `yaml:"trip_payment_delay"`
	PersistTimeout time.Duration `yaml:"trip_persist_timeout"`
	TripIdleTTL    time.Duration `yaml:"trip_idle_ttl"`
	MaxRiderTrips  int           `yaml:"max_trips_per_rider"`

	JWTSecret      string  `yaml:"jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// TrustProxy keys rate limits on X-Forwarded-For. Enable only behind a
	// proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`

	StateWebhookURL string `yaml:"state_webhook_url"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "trip_drivers_geo",
		KafkaTopic:      "trip-events",
		AMQPExchange:    "trip_topic",
		PGDriver:        "postgres",
		MigrationsDir:   "migrations",
		RouteCacheTTL:   10 * time.Minute,
		Currency:        "NGN",
		FarePricePerKm:  500,
		FareVariance:    0.12,
		FareIncrement:   50,
		SearchDelay:     3 * time.Second,
		RejectDelay:     1500 * time.Millisecond,
		StepInterval:    300 * time.Millisecond,
		PaymentDelay:    1400 * time.Millisecond,
		PersistTimeout:  5 * time.Second,
		TripIdleTTL:     30 * time.Minute,
		MaxRiderTrips:   5,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.PGDSN = v
	}
	setStringFromEnv(&cfg.PGDriver, "PG_DRIVER")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripePaymentMethod, "STRIPE_PAYMENT_METHOD")
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	setFloatFromEnv(&cfg.FarePricePerKm, "FARE_PRICE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FareVariance, "FARE_VARIANCE", &errs)
	setFloatFromEnv(&cfg.FareIncrement, "FARE_INCREMENT", &errs)

	setDurationFromEnv(&cfg.SearchDelay, "TRIP_SEARCH_DELAY", &errs)
	setDurationFromEnv(&cfg.RejectDelay, "TRIP_REJECT_DELAY", &errs)
	setDurationFromEnv(&cfg.StepInterval, "TRIP_STEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PaymentDelay, "TRIP_PAYMENT_DELAY", &errs)
	setDurationFromEnv(&cfg.PersistTimeout, "TRIP_PERSIST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TripIdleTTL, "TRIP_IDLE_TTL", &errs)
	setIntFromEnv(&cfg.MaxRiderTrips, "MAX_TRIPS_PER_RIDER", &errs)

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)
	setBoolFromEnv(&cfg.TrustProxy, "TRUST_PROXY", &errs)

	setStringFromEnv(&cfg.StateWebhookURL, "STATE_WEBHOOK_URL")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.PGDriver != "postgres" && c.PGDriver != "pgx" {
		errs = append(errs, fmt.Errorf("PG_DRIVER must be postgres or pgx, got %q", c.PGDriver))
	}
	if c.FarePricePerKm <= 0 {
		errs = append(errs, fmt.Errorf("FARE_PRICE_PER_KM must be > 0"))
	}
	if c.FareVariance < 0 || c.FareVariance >= 1 {
		errs = append(errs, fmt.Errorf("FARE_VARIANCE must be in [0,1)"))
	}
	if c.FareIncrement < 0 {
		errs = append(errs, fmt.Errorf("FARE_INCREMENT must be >= 0"))
	}
	for key, d := range map[string]time.Duration{
		"TRIP_SEARCH_DELAY":    c.SearchDelay,
		"TRIP_REJECT_DELAY":    c.RejectDelay,
		"TRIP_STEP_INTERVAL":   c.StepInterval,
		"TRIP_PAYMENT_DELAY":   c.PaymentDelay,
		"TRIP_PERSIST_TIMEOUT": c.PersistTimeout,
		"TRIP_IDLE_TTL":        c.TripIdleTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.MaxRiderTrips <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TRIPS_PER_RIDER must be > 0"))
	}
	// an intent created without a payment method cannot be captured
	if c.StripeAPIKey != "" && c.StripePaymentMethod == "" {
		errs = append(errs, fmt.Errorf("STRIPE_PAYMENT_METHOD is required when STRIPE_API_KEY is set"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be >= 0"))
	}
	return errs
}

// ConsumerConfig is the trip-event consumer that mirrors driver positions
// into Redis.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "trip-events",
		KafkaGroup:   "ridenow-fleet-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "trip_drivers_geo",
		LogLevel:     "info",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must name at least one broker")
	}
	return cfg, nil
}

func loadYAML(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
