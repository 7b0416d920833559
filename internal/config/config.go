package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendFS       = "fs"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

type Config struct {
	Service ServiceConfig
	Scan    ScanConfig
	Store   StoreConfig
	Events  EventsConfig
}

type ServiceConfig struct {
	Address        string   `envconfig:"REPOWATCH_ADDRESS" default:":8000" validate:"required"`
	MetricsAddress string   `envconfig:"REPOWATCH_METRICS_ADDRESS" default:":8080" validate:"required"`
	LogLevel       string   `envconfig:"REPOWATCH_LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	MaxConnections int      `envconfig:"REPOWATCH_MAX_CONNECTIONS" default:"256" validate:"min=1"`
	CORSOrigins    []string `envconfig:"REPOWATCH_CORS_ORIGINS" default:"*" validate:"min=1"`
}

type ScanConfig struct {
	RepoRoot      string        `envconfig:"REPOWATCH_REPO_ROOT" default:"./repos" validate:"required"`
	Tool          string        `envconfig:"REPOWATCH_TOOL" default:"semgrep" validate:"required"`
	Ruleset       string        `envconfig:"REPOWATCH_RULESET" default:"p/default" validate:"required"`
	ToolArgs      []string      `envconfig:"REPOWATCH_TOOL_ARGS" default:"--quiet"`
	Timeout       time.Duration `envconfig:"REPOWATCH_SCAN_TIMEOUT" default:"15m" validate:"min=1s"`
	KillGrace     time.Duration `envconfig:"REPOWATCH_SCAN_KILL_GRACE" default:"10s" validate:"min=0s"`
	Workers       int           `envconfig:"REPOWATCH_SCAN_WORKERS" default:"4" validate:"min=1"`
	Interval      time.Duration `envconfig:"REPOWATCH_SCAN_INTERVAL" default:"1h" validate:"min=1s"`
	RetryAttempts uint64        `envconfig:"REPOWATCH_SCAN_RETRY_ATTEMPTS" default:"0"`
	RetryDelay    time.Duration `envconfig:"REPOWATCH_SCAN_RETRY_DELAY" default:"30s" validate:"min=0s"`
}

type StoreConfig struct {
	Backend             string        `envconfig:"REPOWATCH_STORE_BACKEND" default:"fs" validate:"oneof=fs postgres s3"`
	ResultsDir          string        `envconfig:"REPOWATCH_RESULTS_DIR" default:"./scan_results" validate:"required_if=Backend fs"`
	DatabaseURL         string        `envconfig:"REPOWATCH_DATABASE_URL" validate:"required_if=Backend postgres"`
	DatabaseMaxConns    int32         `envconfig:"REPOWATCH_DATABASE_MAX_CONNS" default:"10" validate:"min=1"`
	DatabaseHealthCheck time.Duration `envconfig:"REPOWATCH_DATABASE_HEALTH_CHECK" default:"30s" validate:"min=1s"`
	S3Endpoint          string        `envconfig:"REPOWATCH_S3_ENDPOINT" validate:"required_if=Backend s3"`
	S3Bucket            string        `envconfig:"REPOWATCH_S3_BUCKET" validate:"required_if=Backend s3"`
	S3AccessKey         string        `envconfig:"REPOWATCH_S3_ACCESS_KEY"`
	S3SecretKey         string        `envconfig:"REPOWATCH_S3_SECRET_KEY"`
	S3Prefix            string        `envconfig:"REPOWATCH_S3_PREFIX"`
	S3UseSSL            bool          `envconfig:"REPOWATCH_S3_USE_SSL" default:"false"`
}

type EventsConfig struct {
	Enabled bool `envconfig:"REPOWATCH_EVENTS_ENABLED" default:"true"`
}

// Load reads the configuration from REPOWATCH_* environment variables and
// validates it.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// String renders the configuration for logging with secrets redacted.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "address=%s metrics_address=%s log_level=%s max_connections=%d cors_origins=%s ",
		c.Service.Address, c.Service.MetricsAddress, c.Service.LogLevel, c.Service.MaxConnections, strings.Join(c.Service.CORSOrigins, ","))
	fmt.Fprintf(&b, "repo_root=%s tool=%s ruleset=%s tool_args=%q scan_timeout=%s kill_grace=%s workers=%d interval=%s retry_attempts=%d retry_delay=%s ",
		c.Scan.RepoRoot, c.Scan.Tool, c.Scan.Ruleset, c.Scan.ToolArgs, c.Scan.Timeout, c.Scan.KillGrace, c.Scan.Workers, c.Scan.Interval, c.Scan.RetryAttempts, c.Scan.RetryDelay)
	fmt.Fprintf(&b, "store_backend=%s", c.Store.Backend)
	switch c.Store.Backend {
	case BackendFS:
		fmt.Fprintf(&b, " results_dir=%s", c.Store.ResultsDir)
	case BackendPostgres:
		fmt.Fprintf(&b, " database_url=%s database_max_conns=%d database_health_check=%s",
			redactURL(c.Store.DatabaseURL), c.Store.DatabaseMaxConns, c.Store.DatabaseHealthCheck)
	case BackendS3:
		fmt.Fprintf(&b, " s3_endpoint=%s s3_bucket=%s s3_prefix=%s s3_use_ssl=%t s3_secret_key=%s",
			c.Store.S3Endpoint, c.Store.S3Bucket, c.Store.S3Prefix, c.Store.S3UseSSL, redact(c.Store.S3SecretKey))
	}
	fmt.Fprintf(&b, " events_enabled=%t", c.Events.Enabled)
	return b.String()
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "xxxxx"
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redact(raw)
	}
	return u.Redacted()
}
