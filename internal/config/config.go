package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		RunLocal bool   `yaml:"run_local"`
	} `yaml:"server"`
	AWS struct {
		Region           string `yaml:"region"`
		MetricsNamespace string `yaml:"metrics_namespace"`
	} `yaml:"aws"`
	Tables struct {
		Orders          string `yaml:"orders"`
		ProcessedEvents string `yaml:"processed_events"`
		EventTTLHours   int    `yaml:"event_ttl_hours"`
	} `yaml:"tables"`
	Notify struct {
		QueueURL string `yaml:"queue_url"`
	} `yaml:"notify"`
	Gateway struct {
		SecretKey   string `yaml:"secret_key"`
		Currency    string `yaml:"currency"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"gateway"`
	Webhook struct {
		Secret           string `yaml:"secret"`
		ToleranceSeconds int    `yaml:"tolerance_seconds"`
	} `yaml:"webhook"`
	Sweep struct {
		StaleAfterMinutes int `yaml:"stale_after_minutes"`
		AbandonAfterHours int `yaml:"abandon_after_hours"`
	} `yaml:"sweep"`
}

// Load reads the YAML file at path (or CONFIG_PATH, or configs/config.yaml),
// applies environment overrides and defaults, then validates. A missing file
// is not an error: Lambda deployments configure everything through env.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Tables.Orders == "" {
		return nil, errors.New("tables.orders is required")
	}
	if cfg.Tables.ProcessedEvents == "" {
		return nil, errors.New("tables.processed_events is required")
	}
	// notifications are deduplicated by the queue; a standard queue cannot
	if cfg.Notify.QueueURL != "" && !strings.HasSuffix(cfg.Notify.QueueURL, ".fifo") {
		return nil, fmt.Errorf("notify.queue_url must be a FIFO queue (.fifo): %s", cfg.Notify.QueueURL)
	}
	return &cfg, nil
}

// WebhookTolerance is the accepted age of a signed webhook timestamp.
func (c *Config) WebhookTolerance() time.Duration {
	return time.Duration(c.Webhook.ToleranceSeconds) * time.Second
}

// EventTTL is how long processed event ids are kept for deduplication.
func (c *Config) EventTTL() time.Duration {
	return time.Duration(c.Tables.EventTTLHours) * time.Hour
}

// SweepStaleAfter is the age after which a pending order is checked against the provider.
func (c *Config) SweepStaleAfter() time.Duration {
	return time.Duration(c.Sweep.StaleAfterMinutes) * time.Minute
}

// SweepAbandonAfter is the age after which a pending order's unsettled
// intent is cancelled by the sweep.
func (c *Config) SweepAbandonAfter() time.Duration {
	return time.Duration(c.Sweep.AbandonAfterHours) * time.Hour
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Tables.EventTTLHours <= 0 {
		cfg.Tables.EventTTLHours = 30 * 24
	}
	if cfg.Gateway.Currency == "" {
		cfg.Gateway.Currency = "usd"
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = 3
	}
	if cfg.Webhook.ToleranceSeconds <= 0 {
		cfg.Webhook.ToleranceSeconds = 300
	}
	if cfg.Sweep.StaleAfterMinutes <= 0 {
		cfg.Sweep.StaleAfterMinutes = 15
	}
	if cfg.Sweep.AbandonAfterHours <= 0 {
		cfg.Sweep.AbandonAfterHours = 24
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RUN_LOCAL"); v != "" {
		cfg.Server.RunLocal = v == "true"
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("METRICS_NAMESPACE"); v != "" {
		cfg.AWS.MetricsNamespace = v
	}
	if v := os.Getenv("ORDERS_TABLE"); v != "" {
		cfg.Tables.Orders = v
	}
	if v := os.Getenv("PROCESSED_EVENTS_TABLE"); v != "" {
		cfg.Tables.ProcessedEvents = v
	}
	if v := os.Getenv("EVENT_TTL_HOURS"); v != "" {
		cfg.Tables.EventTTLHours = atoiOr(cfg.Tables.EventTTLHours, v)
	}
	if v := os.Getenv("NOTIFY_QUEUE_URL"); v != "" {
		cfg.Notify.QueueURL = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Gateway.SecretKey = v
	}
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.Gateway.Currency = v
	}
	if v := os.Getenv("GATEWAY_MAX_ATTEMPTS"); v != "" {
		cfg.Gateway.MaxAttempts = atoiOr(cfg.Gateway.MaxAttempts, v)
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("WEBHOOK_TOLERANCE_SECONDS"); v != "" {
		cfg.Webhook.ToleranceSeconds = atoiOr(cfg.Webhook.ToleranceSeconds, v)
	}
	if v := os.Getenv("SWEEP_STALE_AFTER_MINUTES"); v != "" {
		cfg.Sweep.StaleAfterMinutes = atoiOr(cfg.Sweep.StaleAfterMinutes, v)
	}
	if v := os.Getenv("SWEEP_ABANDON_AFTER_HOURS"); v != "" {
		cfg.Sweep.AbandonAfterHours = atoiOr(cfg.Sweep.AbandonAfterHours, v)
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
