// Package config loads and validates keywheel.yaml, the single runtime
// configuration file. The raw document is checked against an embedded JSON
// schema before it is decoded into typed sections.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/material"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/rotation"
	"github.com/keywheel/keywheel/internal/scheduler"
	"github.com/keywheel/keywheel/internal/store"
)

//go:embed schema.json
var schemaJSON string

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "keywheel.yaml"

// Config is the decoded keywheel.yaml document.
type Config struct {
	Version  int            `yaml:"version"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Notify   NotifyConfig   `yaml:"notify,omitempty"`
	Health   HealthConfig   `yaml:"health,omitempty"`
	Rotation RotationConfig `yaml:"rotation,omitempty"`
	Jobs     JobsConfig     `yaml:"jobs,omitempty"`
	Material MaterialConfig `yaml:"material,omitempty"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory or postgres.
	Driver string `yaml:"driver"`

	// DSN is the database connection string. Ignored for the memory driver.
	// Leave empty to resolve it from the environment or the OS keyring.
	DSN string `yaml:"dsn,omitempty"`
}

// LoggingConfig holds logger flags.
type LoggingConfig struct {
	Debug   bool `yaml:"debug,omitempty"`
	NoColor bool `yaml:"no_color,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the metrics listen address. Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// NotifyConfig holds alert delivery settings.
type NotifyConfig struct {
	QueueSize int             `yaml:"queue_size,omitempty"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig configures one webhook destination.
type WebhookConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Alerts    []string          `yaml:"alerts,omitempty"`
	TimeoutMs int               `yaml:"timeout_ms,omitempty"`
	Retry     *RetryConfig      `yaml:"retry,omitempty"`
}

// RetryConfig holds webhook retry settings.
type RetryConfig struct {
	MaxAttempts   int    `yaml:"max_attempts,omitempty"`
	Backoff       string `yaml:"backoff,omitempty"`
	InitialWaitMs int    `yaml:"initial_wait_ms,omitempty"`
}

// HealthConfig holds monitor and HTTP probe settings.
type HealthConfig struct {
	Parallelism   int `yaml:"parallelism,omitempty"`
	HistoryWindow int `yaml:"history_window,omitempty"`

	HTTP HTTPProbeConfig `yaml:"http,omitempty"`
}

// HTTPProbeConfig tunes the HTTP health checker.
type HTTPProbeConfig struct {
	ExpectedStatusCodes     []int  `yaml:"expected_status_codes,omitempty"`
	ResponseTimeThresholdMs int    `yaml:"response_time_threshold_ms,omitempty"`
	TimeoutMs               int    `yaml:"timeout_ms,omitempty"`
	AuthHeader              string `yaml:"auth_header,omitempty"`
	AuthScheme              string `yaml:"auth_scheme,omitempty"`
}

// RotationConfig holds the default rotation session settings.
type RotationConfig struct {
	GracePeriodMinutes       int   `yaml:"grace_period_minutes,omitempty"`
	HealthCheckCount         int   `yaml:"health_check_count,omitempty"`
	HealthCheckIntervalMs    int   `yaml:"health_check_interval_ms,omitempty"`
	AutoRollbackOnFailure    *bool `yaml:"auto_rollback_on_failure,omitempty"`
	RollbackFailureThreshold int   `yaml:"rollback_failure_threshold,omitempty"`
}

// JobsConfig holds scheduler cadences and retention windows.
type JobsConfig struct {
	HealthCheckIntervalMinutes     int `yaml:"health_check_interval_minutes,omitempty"`
	EmergencyExpiryIntervalMinutes int `yaml:"emergency_expiry_interval_minutes,omitempty"`
	ExpiryWarnIntervalHours        int `yaml:"expiry_warn_interval_hours,omitempty"`
	AuditCleanupIntervalHours      int `yaml:"audit_cleanup_interval_hours,omitempty"`
	HealthCleanupIntervalHours     int `yaml:"health_cleanup_interval_hours,omitempty"`

	ExpiryWarningDays   int `yaml:"expiry_warning_days,omitempty"`
	AuditRetentionDays  int `yaml:"audit_retention_days,omitempty"`
	HealthRetentionDays int `yaml:"health_retention_days,omitempty"`
}

// MaterialConfig selects where new credential material comes from.
type MaterialConfig struct {
	// Source is random or aws-secretsmanager.
	Source string `yaml:"source,omitempty"`

	AWS AWSConfig `yaml:"aws,omitempty"`
}

// AWSConfig holds AWS Secrets Manager settings.
type AWSConfig struct {
	Region          string `yaml:"region,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// Default returns a configuration with the in-memory store and every other
// section at its default.
func Default() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "memory"},
		Metrics:  MetricsConfig{Listen: ":9465"},
		Material: MaterialConfig{Source: "random"},
	}
}

// Load reads, schema-validates and decodes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kwerr.NotFound("config file", path)
		}
		return nil, kwerr.Persistence("read config", err)
	}
	return Parse(data)
}

// Parse validates and decodes a raw keywheel.yaml document.
func Parse(data []byte) (*Config, error) {
	// Schema validation runs on the generic document so unknown keys and
	// wrong types are reported before decoding.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, kwerr.Validation("yaml", "invalid YAML syntax: %v", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kwerr.Validation("yaml", "cannot decode configuration: %v", err)
	}

	if cfg.Version != 0 {
		return nil, kwerr.Validation("version", "unsupported configuration version %d", cfg.Version)
	}
	switch cfg.Store.Driver {
	case "memory", "postgres":
	default:
		return nil, kwerr.Validation("store.driver", "unknown driver %q", cfg.Store.Driver)
	}
	switch cfg.Material.Source {
	case "random", "aws-secretsmanager":
	default:
		return nil, kwerr.Validation("material.source", "unknown source %q", cfg.Material.Source)
	}
	for _, hook := range cfg.Notify.Webhooks {
		p := notify.NewWebhookProvider(hook.toProviderConfig())
		if err := p.Validate(context.Background()); err != nil {
			return nil, kwerr.Validation("notify.webhooks", "webhook %q: %v", hook.Name, err)
		}
	}
	return cfg, nil
}

func validateSchema(raw map[string]interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return kwerr.Validation("yaml", "cannot normalize configuration: %v", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return kwerr.Validation("schema", "schema validation error: %v", err)
	}
	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return kwerr.Validation("schema", "configuration is invalid: %s", strings.Join(messages, "; "))
	}
	return nil
}

// MonitorConfig builds the health monitor configuration.
func (c *Config) MonitorConfig() health.MonitorConfig {
	out := health.DefaultMonitorConfig()
	if c.Health.Parallelism > 0 {
		out.Parallelism = c.Health.Parallelism
	}
	if c.Health.HistoryWindow > 0 {
		out.HistoryWindow = c.Health.HistoryWindow
	}
	return out
}

// HTTPConfig builds the HTTP probe configuration.
func (c *Config) HTTPConfig() health.HTTPConfig {
	out := health.DefaultHTTPConfig()
	h := c.Health.HTTP
	if len(h.ExpectedStatusCodes) > 0 {
		out.ExpectedStatusCodes = h.ExpectedStatusCodes
	}
	if h.ResponseTimeThresholdMs > 0 {
		out.ResponseTimeThreshold = time.Duration(h.ResponseTimeThresholdMs) * time.Millisecond
	}
	if h.TimeoutMs > 0 {
		out.Timeout = time.Duration(h.TimeoutMs) * time.Millisecond
	}
	if h.AuthHeader != "" {
		out.AuthHeader = h.AuthHeader
	}
	if h.AuthScheme != "" {
		out.AuthScheme = h.AuthScheme
	}
	return out
}

// RotationDefaults builds the default rotation session configuration.
func (c *Config) RotationDefaults() store.RotationConfig {
	out := rotation.DefaultRotationConfig()
	r := c.Rotation
	if r.GracePeriodMinutes > 0 {
		out.GracePeriodMinutes = r.GracePeriodMinutes
	}
	if r.HealthCheckCount > 0 {
		out.HealthCheckCount = r.HealthCheckCount
	}
	if r.HealthCheckIntervalMs > 0 {
		out.HealthCheckIntervalMs = r.HealthCheckIntervalMs
	}
	if r.AutoRollbackOnFailure != nil {
		out.AutoRollbackOnFailure = *r.AutoRollbackOnFailure
	}
	if r.RollbackFailureThreshold > 0 {
		out.RollbackFailureThreshold = r.RollbackFailureThreshold
	}
	return out
}

// JobsConfig builds the scheduler configuration.
func (c *Config) JobsConfig() scheduler.JobsConfig {
	out := scheduler.DefaultJobsConfig()
	j := c.Jobs
	if j.HealthCheckIntervalMinutes > 0 {
		out.HealthCheckInterval = time.Duration(j.HealthCheckIntervalMinutes) * time.Minute
	}
	if j.EmergencyExpiryIntervalMinutes > 0 {
		out.EmergencyExpiryInterval = time.Duration(j.EmergencyExpiryIntervalMinutes) * time.Minute
	}
	if j.ExpiryWarnIntervalHours > 0 {
		out.ExpiryWarnInterval = time.Duration(j.ExpiryWarnIntervalHours) * time.Hour
	}
	if j.AuditCleanupIntervalHours > 0 {
		out.AuditCleanupInterval = time.Duration(j.AuditCleanupIntervalHours) * time.Hour
	}
	if j.HealthCleanupIntervalHours > 0 {
		out.HealthCleanupInterval = time.Duration(j.HealthCleanupIntervalHours) * time.Hour
	}
	if j.ExpiryWarningDays > 0 {
		out.ExpiryWarningDays = j.ExpiryWarningDays
	}
	if j.AuditRetentionDays > 0 {
		out.AuditRetentionDays = j.AuditRetentionDays
	}
	if j.HealthRetentionDays > 0 {
		out.HealthRetentionDays = j.HealthRetentionDays
	}
	return out
}

// QueueSize returns the alert queue capacity.
func (c *Config) QueueSize() int {
	if c.Notify.QueueSize > 0 {
		return c.Notify.QueueSize
	}
	return 64
}

// WebhookProviders builds one notify provider per configured webhook. Parse
// has already validated each destination.
func (c *Config) WebhookProviders() []*notify.WebhookProvider {
	providers := make([]*notify.WebhookProvider, 0, len(c.Notify.Webhooks))
	for _, hook := range c.Notify.Webhooks {
		providers = append(providers, notify.NewWebhookProvider(hook.toProviderConfig()))
	}
	return providers
}

func (w WebhookConfig) toProviderConfig() notify.WebhookConfig {
	out := notify.WebhookConfig{
		Name:    w.Name,
		URL:     w.URL,
		Method:  w.Method,
		Headers: w.Headers,
		Alerts:  w.Alerts,
	}
	if w.TimeoutMs > 0 {
		out.Timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	}
	if w.Retry != nil {
		retry := &notify.RetryConfig{
			MaxAttempts: w.Retry.MaxAttempts,
			Backoff:     w.Retry.Backoff,
		}
		if w.Retry.InitialWaitMs > 0 {
			retry.InitialWait = time.Duration(w.Retry.InitialWaitMs) * time.Millisecond
		}
		out.Retry = retry
	}
	return out
}

// AWSMaterialConfig builds the Secrets Manager source configuration.
func (c *Config) AWSMaterialConfig() material.AWSConfig {
	a := c.Material.AWS
	return material.AWSConfig{
		Region:          a.Region,
		Prefix:          a.Prefix,
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
	}
}
