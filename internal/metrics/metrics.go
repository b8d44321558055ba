package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telehealth_live_sessions",
		Help: "Sessions held by the registry, by status.",
	}, []string{"status"})

	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_sessions_terminated_total",
		Help: "Sessions that reached a terminal status.",
	}, []string{"status"})

	QualitySamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_quality_samples_total",
		Help: "Quality samples accepted, by verdict.",
	}, []string{"verdict"})

	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_quality_samples_rejected_total",
		Help: "Samples dropped because the session was not in progress.",
	})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_alerts_raised_total",
		Help: "Alerts enqueued for the notification sink.",
	}, []string{"kind", "severity"})

	AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_alerts_dropped_total",
		Help: "Alerts evicted from a full queue or purged with their session.",
	})

	AlertDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_alert_delivery_failures_total",
		Help: "Alerts the sink rejected.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_reconnect_attempts_total",
		Help: "Reconnect attempts made.",
	})

	ReconnectOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_reconnect_outcomes_total",
		Help: "Reconnect episodes by outcome.",
	}, []string{"outcome"})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_audit_write_failures_total",
		Help: "Audit entries not persisted after retries.",
	})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telehealth_provider_errors_total",
		Help: "Media provider calls that failed, by operation.",
	}, []string{"op"})

	TransportEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telehealth_transport_events_dropped_total",
		Help: "Voluntary transport events dropped on a full session backlog.",
	})
)
