package quality

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/dkeye/Telehealth/internal/metrics"
	"github.com/rs/zerolog/log"
)

// AlertQueue hands alerts to the sink on its own goroutine. Enqueue never
// blocks: when the queue is full the oldest alert is evicted.
type AlertQueue struct {
	sink    core.AlertSink
	timeout time.Duration
	size    int

	mu      sync.Mutex
	pending []domain.Alert
	dropped int

	wake chan struct{}
}

func NewAlertQueue(sink core.AlertSink, size int, timeout time.Duration) *AlertQueue {
	if size < 1 {
		size = 1
	}
	return &AlertQueue{
		sink:    sink,
		timeout: timeout,
		size:    size,
		pending: make([]domain.Alert, 0, size),
		wake:    make(chan struct{}, 1),
	}
}

func (q *AlertQueue) Enqueue(a domain.Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	q.mu.Lock()
	if len(q.pending) >= q.size {
		evicted := q.pending[0]
		q.pending = q.pending[1:]
		q.dropped++
		metrics.AlertsDropped.Inc()
		log.Warn().
			Str("module", "app.quality").
			Str("session_id", string(evicted.SessionID)).
			Str("kind", string(evicted.Kind)).
			Msg("alert queue full, dropped oldest")
	}
	q.pending = append(q.pending, a)
	q.mu.Unlock()
	metrics.AlertsRaised.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Purge removes queued alerts of kind for a session and returns how many.
func (q *AlertQueue) Purge(sid domain.SessionID, kind domain.AlertKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	n := 0
	for _, a := range q.pending {
		if a.SessionID == sid && a.Kind == kind {
			n++
			continue
		}
		kept = append(kept, a)
	}
	q.pending = kept
	if n > 0 {
		metrics.AlertsDropped.Add(float64(n))
	}
	return n
}

func (q *AlertQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *AlertQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Run delivers alerts until ctx is done.
func (q *AlertQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.deliverPending(ctx)
		}
	}
}

// Flush delivers whatever is still queued, giving up when ctx expires.
func (q *AlertQueue) Flush(ctx context.Context) {
	q.deliverPending(ctx)
}

func (q *AlertQueue) deliverPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		a := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, q.timeout)
		err := q.sink.TriggerAlert(sendCtx, a)
		cancel()
		if err != nil {
			metrics.AlertDeliveryFailures.Inc()
			log.Error().Err(err).
				Str("module", "app.quality").
				Str("session_id", string(a.SessionID)).
				Str("severity", string(a.Severity)).
				Msg("alert delivery failed")
		}
	}
}
