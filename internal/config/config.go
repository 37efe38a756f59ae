package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"rentflow/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Backup        BackupConfig        `yaml:"backup"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Holds         HoldsConfig         `yaml:"holds"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Equipment     []models.RateSheet  `yaml:"equipment"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type PricingConfig struct {
	TaxRateBps              int64            `yaml:"tax_rate_bps"`
	DeliveryZones           map[string]int64 `yaml:"delivery_zones"`
	DefaultDeliveryFeeCents int64            `yaml:"default_delivery_fee_cents"`
	ServiceRadiusKm         float64          `yaml:"service_radius_km"`
	SurchargePerKmCents     int64            `yaml:"surcharge_per_km_cents"`
	RejectOutsideRadius     bool             `yaml:"reject_outside_radius"`
	InsuranceDailyCents     int64            `yaml:"insurance_daily_cents"`
	OperatorDailyCents      int64            `yaml:"operator_daily_cents"`
	BookingPrefix           string           `yaml:"booking_prefix"`
}

type HoldsConfig struct {
	VerificationAmountCents int64         `yaml:"verification_amount_cents"`
	SecurityLead            time.Duration `yaml:"security_lead"`
	CallTimeout             time.Duration `yaml:"call_timeout"`
	ReconcileGrace          time.Duration `yaml:"reconcile_grace"`
	MaxScheduledAttempts    int           `yaml:"max_scheduled_attempts"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	LockWait                time.Duration `yaml:"lock_wait"`
	// Retry covers inline gateway retries, ScheduledRetry the poller backoff.
	Retry          RetryConfig `yaml:"retry"`
	ScheduledRetry RetryConfig `yaml:"scheduled_retry"`
}

// gatewayCallsPerLock is the most gateway operations one locked hold operation
// makes: the verification authorize, its void and a short-notice security hold.
const gatewayCallsPerLock = 3

// LockBudget is the longest one locked hold operation can spend in gateway
// calls, retries and backoff included.
func (h HoldsConfig) LockBudget() time.Duration {
	attempts := max(h.Retry.MaxRetries, 1)
	factor := h.Retry.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	delay := h.Retry.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	perCall := time.Duration(attempts) * h.CallTimeout
	for i := 1; i < attempts; i++ {
		d := delay
		if h.Retry.MaxDelay > 0 && d > h.Retry.MaxDelay {
			d = h.Retry.MaxDelay
		}
		perCall += d
		delay = time.Duration(float64(delay) * factor)
	}
	return gatewayCallsPerLock * perCall
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type GatewayConfig struct {
	Kind    string        `yaml:"kind"` // fake, http
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
}

type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SecurityHolds  string `yaml:"security_holds"`
	Reconciliation string `yaml:"reconciliation"`
	Backups        string `yaml:"backups"`
	SweepBatchSize int    `yaml:"sweep_batch_size"`
}

type NotificationsConfig struct {
	Kind       string        `yaml:"kind"` // log, webhook
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Retry      RetryConfig   `yaml:"retry"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Pricing.TaxRateBps < 0 || c.Pricing.TaxRateBps > 10000 {
		return fmt.Errorf("pricing.tax_rate_bps must be within 0..10000, got %d", c.Pricing.TaxRateBps)
	}

	switch c.Gateway.Kind {
	case "fake":
	case "http":
		if c.Gateway.BaseURL == "" {
			return errors.New("gateway.base_url is required for http gateway")
		}
	default:
		return fmt.Errorf("unknown gateway kind %q", c.Gateway.Kind)
	}

	if budget := c.Holds.LockBudget(); c.Holds.LockTTL > 0 && c.Holds.LockTTL <= budget {
		return fmt.Errorf("holds.lock_ttl %s must exceed the gateway budget of one locked operation (%s)", c.Holds.LockTTL, budget)
	}

	switch c.Notifications.Kind {
	case "log":
	case "webhook":
		if c.Notifications.WebhookURL == "" {
			return errors.New("notifications.webhook_url is required for webhook notifier")
		}
	default:
		return fmt.Errorf("unknown notifications kind %q", c.Notifications.Kind)
	}

	return ValidateEquipment(c.Equipment)
}

func ValidateEquipment(sheets []models.RateSheet) error {
	ids := make(map[int64]bool)
	for _, sheet := range sheets {
		if sheet.EquipmentID == 0 {
			return fmt.Errorf("equipment '%s' has invalid ID 0", sheet.Name)
		}
		if ids[sheet.EquipmentID] {
			return fmt.Errorf("duplicate equipment ID found: %d", sheet.EquipmentID)
		}
		if sheet.DailyCents <= 0 {
			return fmt.Errorf("equipment %d has no daily rate", sheet.EquipmentID)
		}
		ids[sheet.EquipmentID] = true
	}
	return nil
}

// LoadEquipment reads rate sheets from a standalone yaml file.
func LoadEquipment(path string) ([]models.RateSheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var catalog struct {
		Equipment []models.RateSheet `yaml:"equipment"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse equipment: %w", err)
	}
	if err := ValidateEquipment(catalog.Equipment); err != nil {
		return nil, err
	}
	return catalog.Equipment, nil
}

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Database.BusyTimeoutMS == 0 {
		c.Database.BusyTimeoutMS = 5000
	}

	if c.Pricing.TaxRateBps == 0 {
		c.Pricing.TaxRateBps = models.DefaultTaxRateBps
	}
	if c.Pricing.BookingPrefix == "" {
		c.Pricing.BookingPrefix = models.DefaultBookingPrefix
	}

	if c.Holds.VerificationAmountCents == 0 {
		c.Holds.VerificationAmountCents = models.DefaultVerificationHoldCents
	}
	if c.Holds.SecurityLead == 0 {
		c.Holds.SecurityLead = models.DefaultSecurityHoldLead
	}
	if c.Holds.CallTimeout == 0 {
		c.Holds.CallTimeout = 20 * time.Second
	}
	if c.Holds.ReconcileGrace == 0 {
		c.Holds.ReconcileGrace = 2 * time.Minute
	}
	if c.Holds.MaxScheduledAttempts == 0 {
		c.Holds.MaxScheduledAttempts = 5
	}
	if c.Holds.LockWait == 0 {
		c.Holds.LockWait = 2 * time.Second
	}
	if c.Holds.Retry.MaxRetries == 0 {
		c.Holds.Retry.MaxRetries = 3
	}
	if c.Holds.Retry.InitialDelay == 0 {
		c.Holds.Retry.InitialDelay = 250 * time.Millisecond
	}
	if c.Holds.Retry.MaxDelay == 0 {
		c.Holds.Retry.MaxDelay = 2 * time.Second
	}
	if c.Holds.LockTTL == 0 {
		c.Holds.LockTTL = c.Holds.LockBudget() + 30*time.Second
	}
	if c.Holds.ScheduledRetry.InitialDelay == 0 {
		c.Holds.ScheduledRetry.InitialDelay = 5 * time.Minute
	}
	if c.Holds.ScheduledRetry.MaxDelay == 0 {
		c.Holds.ScheduledRetry.MaxDelay = 2 * time.Hour
	}

	if c.Gateway.Kind == "" {
		c.Gateway.Kind = "fake"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 15 * time.Second
	}

	if c.Scheduler.SecurityHolds == "" {
		c.Scheduler.SecurityHolds = "0 */5 * * * *"
	}
	if c.Scheduler.Reconciliation == "" {
		c.Scheduler.Reconciliation = "30 */2 * * * *"
	}
	if c.Scheduler.Backups == "" {
		c.Scheduler.Backups = "0 0 3 * * *"
	}
	if c.Scheduler.SweepBatchSize == 0 {
		c.Scheduler.SweepBatchSize = 100
	}

	if c.Notifications.Kind == "" {
		c.Notifications.Kind = "log"
	}
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 10 * time.Second
	}
}
