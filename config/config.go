// Package config loads service configuration from an optional YAML file with
// environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Storage backends.
const (
	StorageNone = "none"
	StorageDir  = "dir"
	StorageS3   = "s3"
)

// Config holds every setting of the API server and its background worker.
type Config struct {
	Env      string `koanf:"env"`
	Addr     string `koanf:"addr"`
	BaseURL  string `koanf:"base_url"`
	LogLevel string `koanf:"log_level"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `koanf:"trust_proxy"`

	DatabaseURL string `koanf:"database_url"`

	TemplatesFile  string        `koanf:"templates_file"`
	ArtifactsDir   string        `koanf:"artifacts_dir"`
	ValidityWindow time.Duration `koanf:"validity_window"`
	RenderTimeout  time.Duration `koanf:"render_timeout"`
	PreviewMaxAge  time.Duration `koanf:"preview_max_age"`

	HMAC    HMAC    `koanf:"hmac"`
	CRM     CRM     `koanf:"crm"`
	Storage Storage `koanf:"storage"`
	Webhook Webhook `koanf:"webhook"`
	Retry   Retry   `koanf:"retry"`
	Outbox  Outbox  `koanf:"outbox"`
}

// HMAC configures back-office request authentication.
type HMAC struct {
	Secret    string        `koanf:"secret"`
	Tolerance time.Duration `koanf:"tolerance"`
	// RedisURL enables the shared replay guard when set.
	RedisURL string `koanf:"redis_url"`
}

// CRM configures the Salesforce client. It is disabled when ClientID is empty.
type CRM struct {
	ClientID       string `koanf:"client_id"`
	Username       string `koanf:"username"`
	LoginURL       string `koanf:"login_url"`
	PrivateKeyPath string `koanf:"private_key_path"`
	APIVersion     string `koanf:"api_version"`
}

// Enabled reports whether CRM sync should run.
func (c CRM) Enabled() bool { return c.ClientID != "" }

type Storage struct {
	Backend string `koanf:"backend"`
	Dir     string `koanf:"dir"`
	S3      S3     `koanf:"s3"`
}

type S3 struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	UsePathStyle    bool   `koanf:"use_path_style"`
}

type Webhook struct {
	URL     string `koanf:"url"`
	Enabled bool   `koanf:"enabled"`
}

// Retry bounds attempts per external call.
type Retry struct {
	Attempts int           `koanf:"attempts"`
	Initial  time.Duration `koanf:"initial"`
}

type Outbox struct {
	PollInterval  time.Duration `koanf:"poll_interval"`
	BatchSize     int           `koanf:"batch_size"`
	Concurrency   int           `koanf:"concurrency"`
	MaxDeliveries int           `koanf:"max_deliveries"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Env:            "development",
		Addr:           ":8080",
		BaseURL:        "http://localhost:8080",
		LogLevel:       "info",
		TemplatesFile:  "templates.yaml",
		ArtifactsDir:   "data",
		ValidityWindow: 14 * 24 * time.Hour,
		RenderTimeout:  30 * time.Second,
		PreviewMaxAge:  7 * 24 * time.Hour,
		HMAC:           HMAC{Tolerance: 5 * time.Minute},
		CRM:            CRM{LoginURL: "https://login.salesforce.com", APIVersion: "v59.0"},
		Storage:        Storage{Backend: StorageNone},
		Retry:          Retry{Attempts: 3, Initial: 2 * time.Second},
		Outbox:         Outbox{PollInterval: 2 * time.Second, BatchSize: 16, Concurrency: 4, MaxDeliveries: 5},
	}
}

// envKeys maps environment variables onto koanf paths.
var envKeys = map[string]string{
	"SIGNFLOW_ENV":          "env",
	"SIGNFLOW_ADDR":         "addr",
	"SIGNFLOW_BASE_URL":     "base_url",
	"LOG_LEVEL":             "log_level",
	"SIGNFLOW_TRUST_PROXY":  "trust_proxy",
	"DATABASE_URL":          "database_url",
	"TEMPLATES_FILE":        "templates_file",
	"ARTIFACTS_DIR":         "artifacts_dir",
	"VALIDITY_WINDOW":       "validity_window",
	"RENDER_TIMEOUT":        "render_timeout",
	"PREVIEW_MAX_AGE":       "preview_max_age",
	"HMAC_SECRET":           "hmac.secret",
	"HMAC_TOLERANCE":        "hmac.tolerance",
	"REDIS_URL":             "hmac.redis_url",
	"SF_CLIENT_ID":          "crm.client_id",
	"SF_USERNAME":           "crm.username",
	"SF_LOGIN_URL":          "crm.login_url",
	"SF_PRIVATE_KEY_PATH":   "crm.private_key_path",
	"SF_API_VERSION":        "crm.api_version",
	"STORAGE_BACKEND":       "storage.backend",
	"STORAGE_DIR":           "storage.dir",
	"S3_BUCKET":             "storage.s3.bucket",
	"S3_PREFIX":             "storage.s3.prefix",
	"S3_REGION":             "storage.s3.region",
	"S3_ENDPOINT":           "storage.s3.endpoint",
	"S3_ACCESS_KEY_ID":      "storage.s3.access_key_id",
	"S3_SECRET_ACCESS_KEY":  "storage.s3.secret_access_key",
	"S3_USE_PATH_STYLE":     "storage.s3.use_path_style",
	"WEBHOOK_URL":           "webhook.url",
	"WEBHOOK_ENABLED":       "webhook.enabled",
	"RETRY_ATTEMPTS":        "retry.attempts",
	"RETRY_INITIAL":         "retry.initial",
	"OUTBOX_POLL_INTERVAL":  "outbox.poll_interval",
	"OUTBOX_BATCH_SIZE":     "outbox.batch_size",
	"OUTBOX_CONCURRENCY":    "outbox.concurrency",
	"OUTBOX_MAX_DELIVERIES": "outbox.max_deliveries",
}

// Load reads path (optional) and then the environment. It returns the
// resulting config and every validation problem found.
func Load(path string) (*Config, []error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("config: load %s: %w", path, err)}
		}
	}
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, []error{fmt.Errorf("config: %s: %w", env, err)}
			}
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, []error{fmt.Errorf("config: decode: %w", err)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	return &cfg, cfg.Validate()
}

// Validation errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrMissingHMACSecret  = errors.New("HMAC_SECRET is required")
	ErrInvalidBaseURL     = errors.New("SIGNFLOW_BASE_URL must be an absolute http(s) URL")
	ErrInvalidDuration    = errors.New("durations must be positive")
	ErrIncompleteCRM      = errors.New("SF_USERNAME, SF_LOGIN_URL and SF_PRIVATE_KEY_PATH are required when SF_CLIENT_ID is set")
	ErrInvalidStorage     = errors.New("STORAGE_BACKEND must be none, dir or s3")
	ErrMissingStorageDir  = errors.New("STORAGE_DIR is required for the dir backend")
	ErrIncompleteS3       = errors.New("S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required for the s3 backend")
	ErrMissingWebhookURL  = errors.New("WEBHOOK_URL is required when WEBHOOK_ENABLED is true")
	ErrInvalidRetry       = errors.New("RETRY_ATTEMPTS must be at least 1")
)

// Validate returns every problem, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.HMAC.Secret == "" {
		errs = append(errs, ErrMissingHMACSecret)
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ErrInvalidBaseURL)
	}
	for _, d := range []time.Duration{c.ValidityWindow, c.RenderTimeout, c.PreviewMaxAge, c.HMAC.Tolerance, c.Retry.Initial, c.Outbox.PollInterval} {
		if d <= 0 {
			errs = append(errs, ErrInvalidDuration)
			break
		}
	}
	if c.CRM.Enabled() && (c.CRM.Username == "" || c.CRM.LoginURL == "" || c.CRM.PrivateKeyPath == "") {
		errs = append(errs, ErrIncompleteCRM)
	}

	switch c.Storage.Backend {
	case StorageNone, "":
	case StorageDir:
		if c.Storage.Dir == "" {
			errs = append(errs, ErrMissingStorageDir)
		}
	case StorageS3:
		s3 := c.Storage.S3
		if s3.Bucket == "" || s3.AccessKeyID == "" || s3.SecretAccessKey == "" {
			errs = append(errs, ErrIncompleteS3)
		}
	default:
		errs = append(errs, ErrInvalidStorage)
	}

	if c.Webhook.Enabled && c.Webhook.URL == "" {
		errs = append(errs, ErrMissingWebhookURL)
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, ErrInvalidRetry)
	}
	return errs
}

// LogSummary returns loggable settings with secrets masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"env":             c.Env,
		"addr":            c.Addr,
		"base_url":        c.BaseURL,
		"database_url":    maskDatabaseURL(c.DatabaseURL),
		"templates_file":  c.TemplatesFile,
		"artifacts_dir":   c.ArtifactsDir,
		"validity_window": c.ValidityWindow.String(),
		"hmac_secret":     maskSecret(c.HMAC.Secret),
		"redis":           fmt.Sprintf("%t", c.HMAC.RedisURL != ""),
		"crm":             fmt.Sprintf("%t", c.CRM.Enabled()),
		"storage":         c.Storage.Backend,
		"s3_secret":       maskSecret(c.Storage.S3.SecretAccessKey),
		"webhook":         fmt.Sprintf("%t", c.Webhook.Enabled),
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
