package quality

import (
	"sync"

	"github.com/dkeye/Telehealth/internal/domain"
)

// Feed fans accepted samples out to stream subscribers. Slow subscribers
// miss samples rather than holding up the publisher.
type Feed struct {
	mu   sync.Mutex
	subs map[domain.SessionID]map[chan domain.QualitySample]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[domain.SessionID]map[chan domain.QualitySample]struct{})}
}

func (f *Feed) Subscribe(sid domain.SessionID, buf int) (<-chan domain.QualitySample, func()) {
	ch := make(chan domain.QualitySample, buf)
	f.mu.Lock()
	if f.subs[sid] == nil {
		f.subs[sid] = make(map[chan domain.QualitySample]struct{})
	}
	f.subs[sid][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if set, ok := f.subs[sid]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
			}
		})
	}
}

func (f *Feed) Publish(sid domain.SessionID, s domain.QualitySample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[sid] {
		select {
		case ch <- s:
		default:
		}
	}
}

// Close ends every subscription of sid.
func (f *Feed) Close(sid domain.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[sid] {
		close(ch)
	}
	delete(f.subs, sid)
}
