package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode          string           `mapstructure:"mode"`
	Port          int              `mapstructure:"port"`
	LogLevel      string           `mapstructure:"log_level"`
	Server        ServerConfig     `mapstructure:"server"`
	Compliance    ComplianceConfig `mapstructure:"compliance"`
	Quality       QualityConfig    `mapstructure:"quality"`
	Reconnect     ReconnectConfig  `mapstructure:"reconnect"`
	Timeouts      TimeoutConfig    `mapstructure:"timeouts"`
	Audit         AuditConfig      `mapstructure:"audit"`
	ProviderRetry RetryConfig      `mapstructure:"provider_retry"`
	Identity      IdentityConfig   `mapstructure:"identity"`
	Store         StoreConfig      `mapstructure:"store"`
	Alerts        AlertsConfig     `mapstructure:"alerts"`
	Media         MediaConfig      `mapstructure:"media"`
}

type ServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	JoinRateLimit   int           `mapstructure:"join_rate_limit"`
	JoinRateWindow  time.Duration `mapstructure:"join_rate_window"`
	StreamPing      time.Duration `mapstructure:"stream_ping"`
}

type ComplianceConfig struct {
	Version            string   `mapstructure:"version"`
	RequireEncryption  bool     `mapstructure:"require_encryption"`
	ConsentRequiredFor []string `mapstructure:"consent_required_for"`
	AllowedTiers       []string `mapstructure:"allowed_tiers"`
	DTLSRole           string   `mapstructure:"dtls_role"`
}

type QualityConfig struct {
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	MinBitrateKbps      float64       `mapstructure:"min_bitrate_kbps"`
	MaxPacketLossPct    float64       `mapstructure:"max_packet_loss_pct"`
	MaxLatencyMs        float64       `mapstructure:"max_latency_ms"`
	ConsecutiveForAlert int           `mapstructure:"consecutive_for_alert"`
	ResetPolicy         string        `mapstructure:"reset_policy"`
	RecoverySamples     int           `mapstructure:"recovery_samples"`
	HistorySize         int           `mapstructure:"history_size"`
	AlertQueueSize      int           `mapstructure:"alert_queue_size"`
}

type ReconnectConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type TimeoutConfig struct {
	Provider time.Duration `mapstructure:"provider"`
	Identity time.Duration `mapstructure:"identity"`
	Store    time.Duration `mapstructure:"store"`
	Alert    time.Duration `mapstructure:"alert"`
}

type AuditConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// ReconcileInterval is how often unpersisted audit state is retried.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// RetryConfig bounds retries of media provider calls (create, join, disconnect).
type RetryConfig struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

type IdentityConfig struct {
	Secret        string `mapstructure:"secret"`
	Issuer        string `mapstructure:"issuer"`
	RevocationKey string `mapstructure:"revocation_key"`
}

type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
}

type AlertsConfig struct {
	Sink         string   `mapstructure:"sink"`
	AMQPURL      string   `mapstructure:"amqp_url"`
	AMQPExchange string   `mapstructure:"amqp_exchange"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type MediaConfig struct {
	ICEServers  []string `mapstructure:"ice_servers"`
	EventBuffer int      `mapstructure:"event_buffer"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TELEHEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).
		Str("alerts", cfg.Alerts.Sink).
		Msg("config ready")
	return &cfg, nil
}
