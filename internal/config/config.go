package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type SourceDB struct {
	Enabled      bool
	DSN          string        // MySQL DSN for the polled source tables
	Table        string        // table holding outbox rows
	PollInterval time.Duration // how often the sweeper polls
	BatchSize    int           // rows claimed per poll
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // NSQ topic for delivery tasks
	EventsTopic    string // NSQ topic consumed by the broker source adapter
	DLQTopic       string // dead letter queue topic
	WorkerChannel  string // NSQ channel name for workers
}

type Worker struct {
	MaxInFlight int
	HTTPPort    string // worker metrics/health port
	PublishDLQ  bool   // whether to publish dead letters to the DLQ topic
}

type Retry struct {
	BaseDelay     time.Duration // first backoff step
	MaxDelay      time.Duration // backoff cap
	JitterMax     time.Duration // additive jitter upper bound
	SweepInterval time.Duration // async retry sweep cadence
	SweepBatch    int
}

type Sandbox struct {
	Timeout       time.Duration // wall-clock limit per script run
	MaxOutputSize int           // bytes, serialized result cap
}

type Gateway struct {
	HTTPPort       string
	JWTPublicKey   string // PEM, operator API tokens
	JWTIssuer      string
	JWTAudience    string
	AllowedOrigins []string
}

type Config struct {
	AppName  string
	DB       DB
	SourceDB SourceDB
	NSQ      NSQ
	Worker   Worker
	Retry    Retry
	Sandbox  Sandbox
	Gateway  Gateway
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "eventgate"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "eventgate"),
		},
		SourceDB: SourceDB{
			Enabled:      getenvBool("SOURCE_DB_ENABLED", false),
			DSN:          getenv("SOURCE_DB_DSN", ""),
			Table:        getenv("SOURCE_DB_TABLE", "event_outbox"),
			PollInterval: getenvDuration("SOURCE_DB_POLL_INTERVAL", 10*time.Second),
			BatchSize:    getenvInt("SOURCE_DB_BATCH_SIZE", 100),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "delivery_tasks"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "source_events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "delivery_tasks_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			MaxInFlight: getenvInt("WORKER_MAX_IN_FLIGHT", 1000),
			HTTPPort:    ":" + getenv("WORKER_HTTP_PORT", "8083"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Retry: Retry{
			BaseDelay:     getenvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:      getenvDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterMax:     getenvDuration("RETRY_JITTER_MAX", 250*time.Millisecond),
			SweepInterval: getenvDuration("RETRY_SWEEP_INTERVAL", time.Minute),
			SweepBatch:    getenvInt("RETRY_SWEEP_BATCH", 200),
		},
		Sandbox: Sandbox{
			Timeout:       getenvDuration("SANDBOX_TIMEOUT", 5*time.Second),
			MaxOutputSize: getenvInt("SANDBOX_MAX_OUTPUT_BYTES", 1<<20),
		},
		Gateway: Gateway{
			HTTPPort:       ":" + getenv("GATEWAY_HTTP_PORT", "8080"),
			JWTPublicKey:   getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:      getenv("JWT_ISSUER", "eventgate"),
			JWTAudience:    getenv("JWT_AUDIENCE", "eventgate-api"),
			AllowedOrigins: getenvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
