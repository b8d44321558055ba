package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Telehealth/internal/adapters/http"
	"github.com/dkeye/Telehealth/internal/adapters/identity"
	"github.com/dkeye/Telehealth/internal/adapters/notify"
	"github.com/dkeye/Telehealth/internal/adapters/rtc"
	"github.com/dkeye/Telehealth/internal/adapters/store"
	"github.com/dkeye/Telehealth/internal/app"
	"github.com/dkeye/Telehealth/internal/app/audit"
	"github.com/dkeye/Telehealth/internal/app/compliance"
	"github.com/dkeye/Telehealth/internal/app/orch"
	"github.com/dkeye/Telehealth/internal/app/quality"
	"github.com/dkeye/Telehealth/internal/app/reconnect"
	"github.com/dkeye/Telehealth/internal/config"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
)

type storage interface {
	core.SessionStore
	core.IdempotencyStore
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// config.Load logs, so the logger comes first.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var closers []io.Closer

	var rdb *redis.Client
	if cfg.Store.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		closers = append(closers, rdb)
	}
	st, err := openStore(ctx, cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	if c, ok := st.(io.Closer); ok {
		closers = append(closers, c)
	}

	sink, closeSink, err := openAlertSink(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.Alerts.Sink).Msg("failed to open alert sink")
	}

	media := rtc.NewProvider(rtc.Config{
		ICEServers:  cfg.Media.ICEServers,
		EventBuffer: cfg.Media.EventBuffer,
	})

	var revocations identity.Revocations
	if rdb != nil {
		revocations = identity.NewRedisRevocations(rdb, cfg.Identity.RevocationKey)
	}
	secret := cfg.Identity.Secret
	if secret == "" {
		log.Warn().Msg("identity.secret unset, using an insecure debug secret")
		secret = "debug-only-secret"
	}

	o, err := buildOrchestrator(cfg, st, sink, media, identity.NewJWTValidator(secret, cfg.Identity.Issuer, revocations))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire orchestrator")
	}
	o.Start(ctx)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Sessions:  o,
		Identity:  o.Identity,
		Signaling: media,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Str("alerts", cfg.Alerts.Sink).Msg("Telehealth server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := o.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions not drained before deadline")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	media.Close()
	closeSink()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (storage, error) {
	switch cfg.Store.Driver {
	case "redis":
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedis(rdb, cfg.Store.IdempotencyTTL), nil
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
	}
	return store.NewMemory(), nil
}

func openAlertSink(cfg *config.Config) (core.AlertSink, func(), error) {
	switch cfg.Alerts.Sink {
	case "amqp":
		s, err := notify.DialAMQP(cfg.Alerts.AMQPURL, cfg.Alerts.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "kafka":
		s, err := notify.DialKafka(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka producer close failed")
			}
		}, nil
	}
	return notify.NewLogSink(), func() {}, nil
}

func buildOrchestrator(cfg *config.Config, st storage, sink core.AlertSink, media *rtc.Provider, ids core.IdentityService) (*orch.Orchestrator, error) {
	reset, err := quality.ParseResetPolicy(cfg.Quality.ResetPolicy)
	if err != nil {
		return nil, err
	}

	policy := compliance.Policy{
		Version:           cfg.Compliance.Version,
		RequireEncryption: cfg.Compliance.RequireEncryption,
		DTLSRole:          cfg.Compliance.DTLSRole,
	}
	for _, op := range cfg.Compliance.ConsentRequiredFor {
		policy.ConsentRequiredFor = append(policy.ConsentRequiredFor, domain.OperationType(op))
	}
	for _, tier := range cfg.Compliance.AllowedTiers {
		policy.AllowedTiers = append(policy.AllowedTiers, domain.QualityTier(tier))
	}

	alerts := quality.NewAlertQueue(sink, cfg.Quality.AlertQueueSize, cfg.Timeouts.Alert)
	deps := &app.Deps{
		Media: media,
		Audit: audit.NewSink(st, alerts, audit.Options{
			MaxRetries:        cfg.Audit.MaxRetries,
			RetryInterval:     cfg.Audit.RetryInterval,
			Timeout:           cfg.Timeouts.Store,
			ReconcileInterval: cfg.Audit.ReconcileInterval,
		}),
		Monitor: quality.NewMonitor(cfg.Quality.SampleInterval, cfg.Timeouts.Provider),
		Reconnect: reconnect.NewController(reconnect.Policy{
			BaseDelay:      cfg.Reconnect.BaseDelay,
			Multiplier:     cfg.Reconnect.Multiplier,
			MaxDelay:       cfg.Reconnect.MaxDelay,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			AttemptTimeout: cfg.Reconnect.AttemptTimeout,
		}),
		Alerts: alerts,
		Feed:   quality.NewFeed(),
		Policy: app.SimplePolicy{},
		Thresholds: quality.Thresholds{
			MinBitrateKbps:   cfg.Quality.MinBitrateKbps,
			MaxPacketLossPct: cfg.Quality.MaxPacketLossPct,
			MaxLatencyMs:     cfg.Quality.MaxLatencyMs,
		},
		Streak: quality.StreakPolicy{
			Consecutive:     cfg.Quality.ConsecutiveForAlert,
			Reset:           reset,
			RecoverySamples: cfg.Quality.RecoverySamples,
		},
		HistorySize: cfg.Quality.HistorySize,
	}

	return &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Gate:        compliance.NewGate(policy, media),
		Store:       st,
		Idempotency: st,
		Identity:    ids,
		Deps:        deps,
		Timeouts: orch.Timeouts{
			Provider: cfg.Timeouts.Provider,
			Identity: cfg.Timeouts.Identity,
			Store:    cfg.Timeouts.Store,
		},
		ProviderRetry: orch.RetryPolicy{
			Retries:  cfg.ProviderRetry.Retries,
			Interval: cfg.ProviderRetry.Interval,
		},
	}, nil
}
