package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is read once from the environment at process start.
type Config struct {
	ServiceName string
	Env         string
	Version     string

	AWSRegion   string
	AWSEndpoint string

	OrdersTable       string
	IdempotencyTable  string
	ProductsTable     string
	ReservationsTable string
	DedupTable        string

	Exchange             string
	ProductsQueue        string
	OrdersQueue          string
	WebhookQueue         string
	WebhookDeliveryQueue string
	MaxReceiveCount      int

	ReservationTimeout time.Duration
	SweepInterval      time.Duration
	MaxReissues        int
	RequestTTL         time.Duration

	DedupTTL              time.Duration
	WebhookTimeout        time.Duration
	WebhookBackoff        time.Duration
	WebhookMaxAttempts    int
	WebhookCompletedLimit int
	WebhookFailedLimit    int
	WebhookSubscribers    string

	HTTPAddr         string
	RunLocal         bool
	WorkerRole       string
	OTLPEndpoint     string
	MetricsNamespace string
}

// Load reads the configuration, applying defaults for unset variables.
// A variable that is set but cannot be parsed is an error.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		ServiceName: l.str("SERVICE_NAME", "reservation-saga"),
		Env:         l.str("APP_ENV", "local"),
		Version:     l.str("APP_VERSION", "dev"),

		AWSRegion:   l.str("AWS_REGION", ""),
		AWSEndpoint: l.str("AWS_ENDPOINT_OVERRIDE", ""),

		OrdersTable:       l.str("ORDERS_TABLE", "orders"),
		IdempotencyTable:  l.str("IDEMPOTENCY_TABLE", "idempotency"),
		ProductsTable:     l.str("PRODUCTS_TABLE", "products"),
		ReservationsTable: l.str("RESERVATIONS_TABLE", "reservations"),
		DedupTable:        l.str("DEDUP_TABLE", "webhook_dedup"),

		Exchange:             l.str("EXCHANGE_NAME", "microservices.events"),
		ProductsQueue:        l.str("PRODUCTS_QUEUE", "products_queue"),
		OrdersQueue:          l.str("ORDERS_QUEUE", "orders_events_queue"),
		WebhookQueue:         l.str("WEBHOOK_QUEUE", "webhook_publisher_queue"),
		WebhookDeliveryQueue: l.str("WEBHOOK_DELIVERY_QUEUE", "webhook_delivery_queue"),
		MaxReceiveCount:      l.integer("MAX_RECEIVE_COUNT", 5),

		ReservationTimeout: l.duration("RESERVATION_TIMEOUT", 2*time.Minute),
		SweepInterval:      l.duration("SWEEP_INTERVAL", 30*time.Second),
		MaxReissues:        l.integer("RESERVATION_MAX_REISSUES", 2),
		RequestTTL:         l.duration("REQUEST_TTL", 48*time.Hour),

		DedupTTL:              l.duration("DEDUP_TTL", time.Hour),
		WebhookTimeout:        l.duration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookBackoff:        l.duration("WEBHOOK_BACKOFF", 10*time.Second),
		WebhookMaxAttempts:    l.integer("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookCompletedLimit: l.integer("WEBHOOK_KEEP_COMPLETED", 100),
		WebhookFailedLimit:    l.integer("WEBHOOK_KEEP_FAILED", 500),
		WebhookSubscribers:    l.str("WEBHOOK_SUBSCRIBERS", "[]"),

		HTTPAddr:         l.str("HTTP_ADDR", ":8080"),
		RunLocal:         l.boolean("RUN_LOCAL", false),
		WorkerRole:       l.str("WORKER_ROLE", ""),
		OTLPEndpoint:     l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		MetricsNamespace: l.str("METRICS_NAMESPACE", "ReservationSaga"),
	}
	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.MaxReceiveCount < 1:
		return fmt.Errorf("MAX_RECEIVE_COUNT must be positive, got %d", c.MaxReceiveCount)
	case c.WebhookMaxAttempts < 1:
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be positive, got %d", c.WebhookMaxAttempts)
	case c.ReservationTimeout <= 0:
		return fmt.Errorf("RESERVATION_TIMEOUT must be positive, got %s", c.ReservationTimeout)
	case c.WebhookTimeout <= 0:
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout)
	}
	return nil
}

// RequireWorkerRole returns the worker role or an error when it is missing.
func (c Config) RequireWorkerRole() (string, error) {
	if c.WorkerRole == "" {
		return "", fmt.Errorf("required environment variable WORKER_ROLE is not set")
	}
	return c.WorkerRole, nil
}

// loader keeps the first parse error.
type loader struct {
	err error
}

func (l *loader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return d
}

func (l *loader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return b
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}
