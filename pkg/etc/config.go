package etc

import (
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Config struct {
	API          API
	OSV          OSV
	Scan         Scan
	RedisPool    RedisPool
	RedisStore   RedisStore
	JobQueue     JobQueue
	LookupCache  LookupCache
	Notification Notification
	Metrics      Metrics
}

type API struct {
	Addr           string        `env:"SCANNER_API_SERVER_ADDR" envDefault:":8080"`
	TLSCertificate string        `env:"SCANNER_API_SERVER_TLS_CERTIFICATE"`
	TLSKey         string        `env:"SCANNER_API_SERVER_TLS_KEY"`
	ClientCAs      []string      `env:"SCANNER_API_SERVER_CLIENT_CAS"`
	ReadTimeout    time.Duration `env:"SCANNER_API_SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"SCANNER_API_SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"SCANNER_API_SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	MaxConnections int           `env:"SCANNER_API_SERVER_MAX_CONNECTIONS" envDefault:"0"`
}

func (c *API) IsTLSEnabled() bool {
	return c.TLSCertificate != "" && c.TLSKey != ""
}

type OSV struct {
	URL       string        `env:"SCANNER_OSV_URL" envDefault:"https://api.osv.dev/v1"`
	Timeout   time.Duration `env:"SCANNER_OSV_TIMEOUT" envDefault:"30s"`
	RateLimit float64       `env:"SCANNER_OSV_RATE_LIMIT" envDefault:"10"`
	RateBurst int           `env:"SCANNER_OSV_RATE_BURST" envDefault:"10"`
}

type Scan struct {
	Concurrency    int           `env:"SCANNER_SCAN_CONCURRENCY" envDefault:"10"`
	Timeout        time.Duration `env:"SCANNER_SCAN_TIMEOUT" envDefault:"2m"`
	LookupTimeout  time.Duration `env:"SCANNER_SCAN_LOOKUP_TIMEOUT" envDefault:"10s"`
	MaxRetries     int           `env:"SCANNER_SCAN_MAX_RETRIES" envDefault:"3"`
	InitialBackoff time.Duration `env:"SCANNER_SCAN_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `env:"SCANNER_SCAN_MAX_BACKOFF" envDefault:"5s"`
}

type RedisPool struct {
	URL               string        `env:"SCANNER_REDIS_URL" envDefault:"redis://localhost:6379"`
	MaxActive         int           `env:"SCANNER_REDIS_POOL_MAX_ACTIVE" envDefault:"5"`
	MaxIdle           int           `env:"SCANNER_REDIS_POOL_MAX_IDLE" envDefault:"5"`
	IdleTimeout       time.Duration `env:"SCANNER_REDIS_POOL_IDLE_TIMEOUT" envDefault:"5m"`
	ConnectionTimeout time.Duration `env:"SCANNER_REDIS_POOL_CONNECTION_TIMEOUT" envDefault:"1s"`
	ReadTimeout       time.Duration `env:"SCANNER_REDIS_POOL_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout      time.Duration `env:"SCANNER_REDIS_POOL_WRITE_TIMEOUT" envDefault:"1s"`
}

type RedisStore struct {
	Namespace  string        `env:"SCANNER_STORE_REDIS_NAMESPACE" envDefault:"horus.scanner:data-store"`
	ScanJobTTL time.Duration `env:"SCANNER_STORE_REDIS_SCAN_JOB_TTL" envDefault:"1h"`
}

type JobQueue struct {
	Namespace         string `env:"SCANNER_JOB_QUEUE_REDIS_NAMESPACE" envDefault:"horus.scanner:job-queue"`
	WorkerConcurrency int    `env:"SCANNER_JOB_QUEUE_WORKER_CONCURRENCY" envDefault:"1"`
}

type LookupCache struct {
	Enabled   bool          `env:"SCANNER_LOOKUP_CACHE_ENABLED" envDefault:"true"`
	Namespace string        `env:"SCANNER_LOOKUP_CACHE_NAMESPACE" envDefault:"horus.scanner:lookup-cache"`
	TTL       time.Duration `env:"SCANNER_LOOKUP_CACHE_TTL" envDefault:"30m"`
}

const (
	NotificationLog   = "log"
	NotificationSlack = "slack"
	NotificationNone  = "none"
)

type Notification struct {
	Method          string `env:"SCANNER_NOTIFICATION_METHOD" envDefault:"log"`
	SlackWebhookURL string `env:"SCANNER_NOTIFICATION_SLACK_WEBHOOK_URL"`
	SlackChannel    string `env:"SCANNER_NOTIFICATION_SLACK_CHANNEL"`
}

type Metrics struct {
	Enabled  bool   `env:"SCANNER_METRICS_ENABLED" envDefault:"true"`
	Addr     string `env:"SCANNER_METRICS_ADDR" envDefault:":8081"`
	Endpoint string `env:"SCANNER_METRICS_ENDPOINT" envDefault:"/metrics"`
}

func GetLogLevel() log.Level {
	if value, ok := os.LookupEnv("SCANNER_LOG_LEVEL"); ok {
		level, err := log.ParseLevel(value)
		if err != nil {
			return log.InfoLevel
		}
		return level
	}
	return log.InfoLevel
}

func GetConfig() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ScannerMetadata describes this scanner to API clients.
type ScannerMetadata struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	BuiltAt string `json:"built_at,omitempty"`
}

func GetScannerMetadata(info BuildInfo) ScannerMetadata {
	return ScannerMetadata{
		Name:    "Horus",
		Vendor:  "Horus Security",
		Version: info.Version,
		Commit:  info.Commit,
		BuiltAt: info.Date,
	}
}
