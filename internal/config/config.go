package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/certsync/internal/transport"
)

const (
	MinRequestTimeout  = 5 * time.Second
	MinInitialBackoff  = 100 * time.Millisecond
	MinPollingInterval = 5 * time.Second
	MinInboxSettle     = 100 * time.Millisecond
	MaxRetryAttempts   = 16
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTPAddr    string
	GRPCAddr    string
	XDock       XDockConfig
	Sync        SyncConfig
	Store       StoreConfig
	Archive     ArchiveConfig
	Inbox       InboxConfig
	RabbitMQ    RabbitMQConfig
	Export      ExportConfig
	Control     ControlConfig
}

// XDockConfig holds the remote endpoint and its retry policy
type XDockConfig struct {
	BaseURL          string
	Username         string
	Password         string
	PayloadsPath     string
	RequestTimeout   time.Duration
	MaxRetryAttempts int
	InitialBackoff   time.Duration
}

// SyncConfig holds periodic sync settings
type SyncConfig struct {
	PollingInterval time.Duration
	AutoEnabled     bool
	CycleTimeout    time.Duration
}

// StoreConfig selects the certificate repository backend
type StoreConfig struct {
	Driver      string
	SQLitePath  string
	PostgresURL string
}

// ArchiveConfig selects where raw payloads are archived
type ArchiveConfig struct {
	Driver      string
	Root        string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// InboxConfig holds drop-folder ingestion settings
type InboxConfig struct {
	Dir         string
	SettleDelay time.Duration
}

// RabbitMQConfig holds event publishing settings
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// ExportConfig holds report output settings
type ExportConfig struct {
	Dir string
}

// ControlConfig holds the operator API settings
type ControlConfig struct {
	APIKey        string
	Confirmations int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gasdock-certsync"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":50051"),
		XDock: XDockConfig{
			BaseURL:          getEnv("XDOCK_HOSTNAME", ""),
			Username:         getEnv("XDOCK_USERNAME", ""),
			Password:         getEnv("XDOCK_PASSWORD", ""),
			PayloadsPath:     getEnv("XDOCK_PAYLOADS_PATH", "api/certificates/payloads"),
			RequestTimeout:   time.Duration(getEnvAsInt("XDOCK_REQUEST_TIMEOUT_SECONDS", 20)) * time.Second,
			MaxRetryAttempts: getEnvAsInt("XDOCK_MAX_RETRY_ATTEMPTS", 4),
			InitialBackoff:   time.Duration(getEnvAsInt("XDOCK_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
		},
		Sync: SyncConfig{
			PollingInterval: time.Duration(getEnvAsInt("SYNC_POLLING_INTERVAL_SECONDS", 300)) * time.Second,
			AutoEnabled:     getEnvAsBool("SYNC_AUTO_ENABLED", true),
			CycleTimeout:    time.Duration(getEnvAsInt("SYNC_CYCLE_TIMEOUT_SECONDS", 0)) * time.Second,
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			SQLitePath:  getEnv("STORE_PATH", "data/certificates.db"),
			PostgresURL: getEnv("DATABASE_URL", ""),
		},
		Archive: ArchiveConfig{
			Driver:      strings.ToLower(getEnv("ARCHIVE_DRIVER", "file")),
			Root:        getEnv("ARCHIVE_ROOT", "data/archive"),
			S3Bucket:    getEnv("S3_BUCKET", ""),
			S3Prefix:    getEnv("S3_PREFIX", "raw/"),
			S3Region:    getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
			S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		Inbox: InboxConfig{
			Dir:         getEnv("INBOX_DIR", ""),
			SettleDelay: time.Duration(getEnvAsInt("INBOX_SETTLE_MS", 1000)) * time.Millisecond,
		},
		RabbitMQ: RabbitMQConfig{
			URL:        getEnv("RABBITMQ_URL", ""),
			Exchange:   getEnv("RABBITMQ_EXCHANGE", "certsync.events"),
			RoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "certificate.imported"),
		},
		Export: ExportConfig{
			Dir: getEnv("EXPORT_DIR", "data/exports"),
		},
		Control: ControlConfig{
			APIKey:        getEnv("CONTROL_API_KEY", ""),
			Confirmations: getEnvAsInt("CONTROL_CONFIRMATIONS", 3),
		},
	}

	cfg.clamp()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// clamp raises tunables to their lower bounds and fills derived defaults.
func (c *Config) clamp() {
	c.XDock.MaxRetryAttempts = min(MaxRetryAttempts, max(1, c.XDock.MaxRetryAttempts))
	c.XDock.InitialBackoff = max(MinInitialBackoff, c.XDock.InitialBackoff)
	c.XDock.RequestTimeout = max(MinRequestTimeout, c.XDock.RequestTimeout)
	c.Sync.PollingInterval = max(MinPollingInterval, c.Sync.PollingInterval)
	c.Inbox.SettleDelay = max(MinInboxSettle, c.Inbox.SettleDelay)
	c.Control.Confirmations = max(1, c.Control.Confirmations)
	if c.Sync.CycleTimeout <= 0 {
		c.Sync.CycleTimeout = c.XDock.CycleBudget()
	}
	c.XDock.BaseURL = NormalizeBaseURL(c.XDock.BaseURL)
}

// Validate checks required fields and driver names.
func (c *Config) Validate() error {
	if c.XDock.BaseURL == "" {
		return fmt.Errorf("XDOCK_HOSTNAME is required but not set in environment variables")
	}
	if _, err := url.Parse(c.XDock.BaseURL); err != nil {
		return fmt.Errorf("XDOCK_HOSTNAME is not a valid address: %w", err)
	}
	if c.Control.APIKey == "" {
		return fmt.Errorf("CONTROL_API_KEY is required but not set in environment variables")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("STORE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("STORE_PATH is required for control state")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Archive.Driver {
	case "file":
		if c.Archive.Root == "" {
			return fmt.Errorf("ARCHIVE_ROOT is required for the file archive")
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 archive")
		}
	default:
		return fmt.Errorf("unsupported ARCHIVE_DRIVER %q", c.Archive.Driver)
	}

	return nil
}

// CycleBudget is the time one sync cycle may take when every fetch attempt
// times out and every backoff is slept, plus one request timeout for imports.
func (x XDockConfig) CycleBudget() time.Duration {
	attempts := min(MaxRetryAttempts, max(1, x.MaxRetryAttempts))
	policy := transport.Policy{InitialBackoff: x.InitialBackoff}
	budget := time.Duration(attempts) * x.RequestTimeout
	for i := 1; i < attempts; i++ {
		budget += policy.Backoff(i)
	}
	return budget + x.RequestTimeout
}

// NormalizeBaseURL turns a bare hostname into an http URL with a trailing slash.
func NormalizeBaseURL(hostname string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return ""
	}
	if u, err := url.Parse(hostname); err == nil && u.Scheme != "" && u.Host != "" {
		if !strings.HasSuffix(hostname, "/") {
			hostname += "/"
		}
		return hostname
	}
	return "http://" + strings.TrimRight(hostname, "/") + "/"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
