package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {

	cfg, err := Load(New(""))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "rent.db", cfg.Database.Path)
	assert.Equal(t, 15, cfg.Billing.FineGraceDays)
	assert.Equal(t, 30, cfg.Billing.ArrestThresholdDays)
	assert.Equal(t, 17, cfg.Billing.FineArrestThresholdDays)
	assert.True(t, cfg.Scheduler.Enabled)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.3", policy.FineRate.String())
	assert.Equal(t, 4, policy.BatchConcurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RENT_BILLING_FINE_GRACE_DAYS", "17")
	t.Setenv("RENT_BILLING_FINE_RATE", "0.25")
	t.Setenv("RENT_SERVER_PORT", "9090")

	cfg, err := Load(New(""))
	require.NoError(t, err)

	assert.Equal(t, 17, cfg.Billing.FineGraceDays)
	assert.Equal(t, 9090, cfg.Server.Port)
	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.25", policy.FineRate.String())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rent.yaml")
	yaml := []byte("database:\n  path: /var/lib/rent/ledger.db\nbilling:\n  arrest_threshold_days: 45\nscheduler:\n  enabled: false\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := Load(New(path))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/rent/ledger.db", cfg.Database.Path)
	assert.Equal(t, 45, cfg.Billing.ArrestThresholdDays)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15, cfg.Billing.FineGraceDays, "unset keys keep defaults")
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"RENT_BILLING_FINE_RATE":         "abc",
		"RENT_BILLING_BATCH_CONCURRENCY": "0",
		"RENT_SERVER_PORT":               "70000",
		"RENT_LOG_FORMAT":                "xml",
		"RENT_SCHEDULER_ARREST_CRON":     "every day",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(New(""))
			assert.Error(t, err)
		})
	}
}
