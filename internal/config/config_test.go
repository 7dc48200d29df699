package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_PATH", "LISTEN_ADDR", "RUN_LOCAL", "AWS_REGION", "METRICS_NAMESPACE",
		"ORDERS_TABLE", "PROCESSED_EVENTS_TABLE", "EVENT_TTL_HOURS", "NOTIFY_QUEUE_URL",
		"STRIPE_SECRET_KEY", "PAYMENT_CURRENCY", "GATEWAY_MAX_ATTEMPTS", "STRIPE_WEBHOOK_SECRET",
		"WEBHOOK_TOLERANCE_SECONDS", "SWEEP_STALE_AFTER_MINUTES", "SWEEP_ABANDON_AFTER_HOURS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_FileWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
server:
  addr: ":9000"
tables:
  orders: orders-yaml
  processed_events: events-yaml
webhook:
  secret: whsec_yaml
  tolerance_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("ORDERS_TABLE", "orders-env")
	t.Setenv("RUN_LOCAL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.RunLocal)
	assert.Equal(t, "orders-env", cfg.Tables.Orders)
	assert.Equal(t, "events-yaml", cfg.Tables.ProcessedEvents)
	assert.Equal(t, "whsec_yaml", cfg.Webhook.Secret)
	assert.Equal(t, 2*time.Minute, cfg.WebhookTolerance())
}

func TestLoad_MissingFileUsesEnvAndDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORDERS_TABLE", "orders")
	t.Setenv("PROCESSED_EVENTS_TABLE", "events")
	t.Setenv("WEBHOOK_TOLERANCE_SECONDS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "usd", cfg.Gateway.Currency)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance())
	assert.Equal(t, 15*time.Minute, cfg.SweepStaleAfter())
	assert.Equal(t, 24*time.Hour, cfg.SweepAbandonAfter())
	assert.Equal(t, 30*24*time.Hour, cfg.EventTTL())
}

func TestLoad_SweepAbandonOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORDERS_TABLE", "orders")
	t.Setenv("PROCESSED_EVENTS_TABLE", "events")
	t.Setenv("SWEEP_ABANDON_AFTER_HOURS", "72")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.SweepAbandonAfter())
}

func TestLoad_NotifyQueueMustBeFIFO(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORDERS_TABLE", "orders")
	t.Setenv("PROCESSED_EVENTS_TABLE", "events")

	t.Setenv("NOTIFY_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123456789012/payments")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "FIFO")

	t.Setenv("NOTIFY_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123456789012/payments.fifo")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123456789012/payments.fifo", cfg.Notify.QueueURL)
}

func TestLoad_RequiresTables(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
