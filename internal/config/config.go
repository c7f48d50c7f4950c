package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string

	PGDSN string

	RabbitURL        string
	ChatWebhookURL   string
	ChatWebhookKey   string
	JWTSecret        string
	OSRMURL          string
	GoogleMapsKey    string
	RouteCacheTTL    time.Duration
	FallbackSpeedMps float64

	PricingFile string
	Timezone    string

	PriorityTimeout    time.Duration
	BroadcastTimeout   time.Duration
	PriorityFanout     int
	MaxBroadcastCycles int
	NotifyRiderOnDelay bool
	ReconcileOnStart   bool

	CreateTripLimit  int
	CreateTripWindow time.Duration
	AcceptLimit      int
	AcceptWindow     time.Duration

	FallbackDistanceM float64
	FallbackDurationS float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisPrefix:         "drivers",
		KafkaLocationsTopic: "driver-locations",
		KafkaEventsTopic:    "trip-events",
		RouteCacheTTL:       5 * time.Minute,
		FallbackSpeedMps:    8,
		PriorityTimeout:     60 * time.Second,
		BroadcastTimeout:    180 * time.Second,
		PriorityFanout:      5,
		NotifyRiderOnDelay:  true,
		CreateTripLimit:     5,
		CreateTripWindow:    time.Hour,
		AcceptLimit:         30,
		AcceptWindow:        time.Minute,
		FallbackDistanceM:   5000,
		FallbackDurationS:   600,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.RabbitURL, "RABBITMQ_URL")
	setStringFromEnv(&cfg.ChatWebhookURL, "CHAT_WEBHOOK_URL")
	cfg.ChatWebhookKey = os.Getenv("CHAT_WEBHOOK_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.FallbackSpeedMps, "ROUTE_FALLBACK_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.PricingFile, "PRICING_FILE")
	setStringFromEnv(&cfg.Timezone, "PRICING_TIMEZONE")

	setDurationFromEnv(&cfg.PriorityTimeout, "DISPATCH_PRIORITY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.BroadcastTimeout, "DISPATCH_BROADCAST_TIMEOUT", &errs)
	setIntFromEnv(&cfg.PriorityFanout, "DISPATCH_PRIORITY_FANOUT", &errs)
	setIntFromEnv(&cfg.MaxBroadcastCycles, "DISPATCH_MAX_BROADCAST_CYCLES", &errs)
	setBoolFromEnv(&cfg.NotifyRiderOnDelay, "DISPATCH_NOTIFY_RIDER_ON_DELAY", &errs)
	setBoolFromEnv(&cfg.ReconcileOnStart, "DISPATCH_RECONCILE_ON_START", &errs)

	setIntFromEnv(&cfg.CreateTripLimit, "RATE_LIMIT_CREATE_TRIP", &errs)
	setDurationFromEnv(&cfg.CreateTripWindow, "RATE_LIMIT_CREATE_TRIP_WINDOW", &errs)
	setIntFromEnv(&cfg.AcceptLimit, "RATE_LIMIT_ACCEPT", &errs)
	setDurationFromEnv(&cfg.AcceptWindow, "RATE_LIMIT_ACCEPT_WINDOW", &errs)

	setFloatFromEnv(&cfg.FallbackDistanceM, "ROUTE_FALLBACK_DISTANCE_M", &errs)
	setFloatFromEnv(&cfg.FallbackDurationS, "ROUTE_FALLBACK_DURATION_S", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	return cfg, errors.Join(errs...)
}

// Validate runs after flags have been applied on top of the environment.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.PriorityTimeout <= 0 || c.BroadcastTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch timeouts must be > 0"))
	}
	if c.PriorityFanout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_PRIORITY_FANOUT must be > 0"))
	}
	if c.MaxBroadcastCycles < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_BROADCAST_CYCLES must be >= 0"))
	}
	if c.CreateTripLimit <= 0 || c.AcceptLimit <= 0 {
		errs = append(errs, fmt.Errorf("rate limits must be > 0"))
	}
	if c.FallbackDistanceM <= 0 || c.FallbackDurationS <= 0 {
		errs = append(errs, fmt.Errorf("fallback distance and duration must be > 0"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the location consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisPrefix:  "drivers",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
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
	if v := os.Getenv(key); v != "" {
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
