package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rentflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("RENTFLOW_DB_PATH", filepath.Join(tmpDir, "rentflow.db"))

	yamlContent := `
database:
  path: "${RENTFLOW_DB_PATH}"
pricing:
  delivery_zones:
    saint john: 15000
holds:
  security_lead: 24h
equipment:
  - id: 1
    name: "SVL75-3"
    daily_cents: 45000
    deposit_cents: 50000
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "rentflow.db"), cfg.Database.Path)
	assert.Equal(t, int64(15000), cfg.Pricing.DeliveryZones["saint john"])
	assert.Equal(t, 24*time.Hour, cfg.Holds.SecurityLead)
	require.Len(t, cfg.Equipment, 1)
	assert.Equal(t, int64(45000), cfg.Equipment[0].DailyCents)

	// defaults
	assert.Equal(t, int64(models.DefaultTaxRateBps), cfg.Pricing.TaxRateBps)
	assert.Equal(t, "UDR", cfg.Pricing.BookingPrefix)
	assert.Equal(t, "fake", cfg.Gateway.Kind)
	assert.Equal(t, "log", cfg.Notifications.Kind)
	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, 5, cfg.Holds.MaxScheduledAttempts)
	assert.Greater(t, cfg.Holds.LockTTL, cfg.Holds.LockBudget())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			Database:      DatabaseConfig{Path: "path"},
			Gateway:       GatewayConfig{Kind: "fake"},
			Notifications: NotificationsConfig{Kind: "log"},
			Equipment:     []models.RateSheet{{EquipmentID: 1, Name: "Lift", DailyCents: 100}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing db path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "tax out of range", mutate: func(c *Config) { c.Pricing.TaxRateBps = 20000 }, wantErr: true},
		{name: "http gateway without url", mutate: func(c *Config) { c.Gateway.Kind = "http" }, wantErr: true},
		{name: "unknown gateway", mutate: func(c *Config) { c.Gateway.Kind = "stripe-ish" }, wantErr: true},
		{name: "webhook without url", mutate: func(c *Config) { c.Notifications.Kind = "webhook" }, wantErr: true},
		{
			name: "lock ttl shorter than gateway budget",
			mutate: func(c *Config) {
				c.Holds = HoldsConfig{
					CallTimeout: 20 * time.Second,
					LockTTL:     time.Minute,
					Retry:       RetryConfig{MaxRetries: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
				}
			},
			wantErr: true,
		},
		{
			name: "lock ttl covering gateway budget",
			mutate: func(c *Config) {
				c.Holds = HoldsConfig{
					CallTimeout: 20 * time.Second,
					LockTTL:     4 * time.Minute,
					Retry:       RetryConfig{MaxRetries: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
				}
			},
		},
		{
			name: "duplicate equipment id",
			mutate: func(c *Config) {
				c.Equipment = append(c.Equipment, models.RateSheet{EquipmentID: 1, Name: "Other", DailyCents: 1})
			},
			wantErr: true,
		},
		{
			name:    "equipment without rate",
			mutate:  func(c *Config) { c.Equipment = []models.RateSheet{{EquipmentID: 2, Name: "Free"}} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHoldsLockBudget(t *testing.T) {
	h := HoldsConfig{
		CallTimeout: 20 * time.Second,
		Retry:       RetryConfig{MaxRetries: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	// 3 calls x (3 x 20s + 250ms + 500ms)
	assert.Equal(t, 3*(60*time.Second+750*time.Millisecond), h.LockBudget())

	h.Retry.MaxDelay = 300 * time.Millisecond
	assert.Equal(t, 3*(60*time.Second+550*time.Millisecond), h.LockBudget())

	assert.Zero(t, HoldsConfig{}.LockBudget())
}

func TestLoadEquipment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equipment.yaml")
	content := `
equipment:
  - id: 1
    name: "SVL75-3"
    daily_cents: 45000
    weekly_cents: 250000
    savings_optimized: true
  - id: 2
    name: "Skid steer"
    daily_cents: 30000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sheets, err := LoadEquipment(path)
	require.NoError(t, err)
	require.Len(t, sheets, 2)
	assert.True(t, sheets[0].SavingsOptimized)
	assert.Equal(t, int64(250000), sheets[0].WeeklyCents)
}
