package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	EventsTopic string // lifecycle event topic
	DLQTopic    string // dead-letter envelope topic
	Enabled     bool   // when false, events are dropped (Nop emitter)
}

type Worker struct {
	PollInterval      time.Duration // sleep between empty lease polls
	HeartbeatInterval time.Duration // fixed heartbeat cadence
	VisibilityTimeout time.Duration // lease duration handed to the store
	ExtendThreshold   time.Duration // extend the lease when this much is left
	MaxTaskDuration   time.Duration // capability deadline hint
	HTTPPort          string        // worker metrics/health port
}

type Retry struct {
	BaseDelay   time.Duration // first backoff step
	MaxDelay    time.Duration // backoff cap
	JitterPct   float64       // jitter fraction of the computed delay (0.0-1.0)
	MaxAttempts int           // default ceiling when enqueue omits one
}

type Sweeper struct {
	Interval            time.Duration // sweep cadence
	DeadWorkerThreshold time.Duration // heartbeat age before a worker is purged
	HTTPPort            string
}

type API struct {
	HTTPPort  string
	JWTSecret string // empty disables auth
}

type Egress struct {
	ProviderURL string // proxy subsystem endpoint; empty = direct egress
	Timeout     time.Duration
}

type Config struct {
	AppName string
	DB      DB
	NSQ     NSQ
	Worker  Worker
	Retry   Retry
	Sweeper Sweeper
	API     API
	Egress  Egress
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "crawlgrid"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "crawlgrid"),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			EventsTopic: getenv("NSQ_EVENTS_TOPIC", "task_events"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "tasks_deadletter"),
			Enabled:     getenvBool("NSQ_EVENTS_ENABLED", true),
		},
		Worker: Worker{
			PollInterval:      getenvDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			HeartbeatInterval: getenvDuration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
			VisibilityTimeout: getenvDuration("WORKER_VISIBILITY_TIMEOUT", 2*time.Minute),
			ExtendThreshold:   getenvDuration("WORKER_EXTEND_THRESHOLD", 30*time.Second),
			MaxTaskDuration:   getenvDuration("WORKER_MAX_TASK_DURATION", 10*time.Minute),
			HTTPPort:          ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Retry: Retry{
			BaseDelay:   getenvDuration("RETRY_BASE_DELAY", 1*time.Second),
			MaxDelay:    getenvDuration("RETRY_MAX_DELAY", 10*time.Minute),
			JitterPct:   getenvFloat("RETRY_JITTER_PCT", 0.20),
			MaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 3),
		},
		Sweeper: Sweeper{
			Interval:            getenvDuration("SWEEP_INTERVAL", 30*time.Second),
			DeadWorkerThreshold: getenvDuration("DEAD_WORKER_THRESHOLD", 30*time.Second),
			HTTPPort:            ":" + getenv("SWEEPER_HTTP_PORT", "8084"),
		},
		API: API{
			HTTPPort:  getenv("HTTP_PORT", ":8080"),
			JWTSecret: getenv("API_JWT_SECRET", ""),
		},
		Egress: Egress{
			ProviderURL: getenv("EGRESS_PROVIDER_URL", ""),
			Timeout:     getenvDuration("EGRESS_TIMEOUT", 2*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
