package config

import (
	"errors"
	"fmt"
	"slices"
)

var (
	storeDrivers  = []string{"memory", "redis", "postgres"}
	alertSinks    = []string{"log", "amqp", "kafka"}
	resetPolicies = []string{"single_good", "recovery_period"}
)

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	q := c.Quality
	if q.SampleInterval <= 0 {
		return errors.New("quality.sample_interval must be positive")
	}
	if q.MinBitrateKbps < 0 || q.MaxPacketLossPct < 0 || q.MaxLatencyMs <= 0 {
		return errors.New("quality thresholds must be non-negative")
	}
	if q.ConsecutiveForAlert < 1 {
		return errors.New("quality.consecutive_for_alert must be at least 1")
	}
	if !slices.Contains(resetPolicies, q.ResetPolicy) {
		return fmt.Errorf("unknown quality.reset_policy %q", q.ResetPolicy)
	}
	if q.ResetPolicy == "recovery_period" && q.RecoverySamples < 1 {
		return errors.New("quality.recovery_samples must be at least 1")
	}
	if q.HistorySize < 1 || q.AlertQueueSize < 1 {
		return errors.New("quality.history_size and quality.alert_queue_size must be positive")
	}

	r := c.Reconnect
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if r.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be >= 1")
	}
	if r.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be at least 1")
	}

	if c.Timeouts.Provider <= 0 || c.Timeouts.Identity <= 0 || c.Timeouts.Store <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Audit.MaxRetries < 0 || c.ProviderRetry.Retries < 0 {
		return errors.New("retry counts must be non-negative")
	}

	if !slices.Contains(storeDrivers, c.Store.Driver) {
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return errors.New("store.postgres_dsn is required for the postgres driver")
	}
	if !slices.Contains(alertSinks, c.Alerts.Sink) {
		return fmt.Errorf("unknown alerts.sink %q", c.Alerts.Sink)
	}
	if c.Alerts.Sink == "amqp" && c.Alerts.AMQPURL == "" {
		return errors.New("alerts.amqp_url is required for the amqp sink")
	}
	if c.Alerts.Sink == "kafka" && len(c.Alerts.KafkaBrokers) == 0 {
		return errors.New("alerts.kafka_brokers is required for the kafka sink")
	}
	if c.Mode != "debug" && c.Identity.Secret == "" {
		return errors.New("identity.secret is required outside debug mode")
	}
	return nil
}
