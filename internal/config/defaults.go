package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.join_rate_limit", 5)
	v.SetDefault("server.join_rate_window", "1m")
	v.SetDefault("server.stream_ping", "30s")

	v.SetDefault("compliance.version", "HIPAA-2024.1")
	v.SetDefault("compliance.require_encryption", true)
	v.SetDefault("compliance.consent_required_for", []string{"CONSULTATION"})
	v.SetDefault("compliance.allowed_tiers", []string{"LOW", "STANDARD", "HD"})
	v.SetDefault("compliance.dtls_role", "auto")

	v.SetDefault("quality.sample_interval", "10s")
	v.SetDefault("quality.min_bitrate_kbps", 500)
	v.SetDefault("quality.max_packet_loss_pct", 2)
	v.SetDefault("quality.max_latency_ms", 300)
	v.SetDefault("quality.consecutive_for_alert", 2)
	v.SetDefault("quality.reset_policy", "single_good")
	v.SetDefault("quality.recovery_samples", 3)
	v.SetDefault("quality.history_size", 360)
	v.SetDefault("quality.alert_queue_size", 64)

	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.multiplier", 2)
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.attempt_timeout", "5s")

	v.SetDefault("timeouts.provider", "5s")
	v.SetDefault("timeouts.identity", "2s")
	v.SetDefault("timeouts.store", "2s")
	v.SetDefault("timeouts.alert", "3s")

	v.SetDefault("audit.max_retries", 3)
	v.SetDefault("audit.retry_interval", "100ms")
	v.SetDefault("audit.reconcile_interval", "30s")

	v.SetDefault("provider_retry.retries", 3)
	v.SetDefault("provider_retry.interval", "200ms")

	v.SetDefault("identity.issuer", "telehealth")
	v.SetDefault("identity.revocation_key", "telehealth:revoked")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.idempotency_ttl", "24h")

	v.SetDefault("alerts.sink", "log")
	v.SetDefault("alerts.amqp_exchange", "telehealth.alerts")
	v.SetDefault("alerts.kafka_topic", "telehealth-alerts")

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.event_buffer", 256)
}
