package quality

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/rs/zerolog/log"
)

// SampleFunc fetches one sample from the transport.
type SampleFunc func(ctx context.Context) (domain.QualitySample, error)

// Monitor runs one sampling loop per live session. Samples are handed to
// deliver; accepting or rejecting them is the receiver's decision.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	loops map[domain.SessionID]context.CancelFunc
	wg    sync.WaitGroup
}

func NewMonitor(interval, timeout time.Duration) *Monitor {
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		loops:    make(map[domain.SessionID]context.CancelFunc),
	}
}

// Start begins sampling sid. A loop already running for sid is replaced.
func (m *Monitor) Start(ctx context.Context, sid domain.SessionID, sample SampleFunc, deliver func(domain.QualitySample)) {
	loopCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if old, ok := m.loops[sid]; ok {
		old()
	}
	m.loops[sid] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(loopCtx, sid, sample, deliver)
	}()
}

func (m *Monitor) Stop(sid domain.SessionID) {
	m.mu.Lock()
	cancel, ok := m.loops[sid]
	delete(m.loops, sid)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) Running(sid domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[sid]
	return ok
}

// StopAll cancels every loop and waits for them to exit.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	for sid, cancel := range m.loops {
		cancel()
		delete(m.loops, sid)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, sid domain.SessionID, sample SampleFunc, deliver func(domain.QualitySample)) {
	logger := log.With().
		Str("module", "app.quality").
		Str("session_id", string(sid)).
		Logger()
	logger.Debug().Dur("interval", m.interval).Msg("sampling started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sampling stopped")
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, m.timeout)
			s, err := sample(sctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("stats unavailable")
				}
				continue
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now().UTC()
			}
			if ctx.Err() != nil {
				return
			}
			deliver(s)
		}
	}
}
