package ingest

import (
	"sync"

	"github.com/dojoworks/dojo/internal/protocol"
)

// tailCapacity bounds the in-memory metric tail kept per run.
const tailCapacity = 512

// subscriberBuffer is the per-subscriber channel depth; slow consumers
// drop points rather than stall ingestion.
const subscriberBuffer = 64

// metricTail keeps the most recent metric points of one run in a ring
// buffer and fans live points out to watch subscribers.
type metricTail struct {
	mu    sync.RWMutex
	ring  []protocol.MetricPoint
	start int
	count int
	subs  []chan protocol.MetricPoint
}

func newMetricTail() *metricTail {
	return &metricTail{ring: make([]protocol.MetricPoint, tailCapacity)}
}

func (t *metricTail) push(p protocol.MetricPoint) {
	t.mu.Lock()
	idx := (t.start + t.count) % len(t.ring)
	t.ring[idx] = p
	if t.count < len(t.ring) {
		t.count++
	} else {
		t.start = (t.start + 1) % len(t.ring)
	}
	subs := append([]chan protocol.MetricPoint(nil), t.subs...)
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Subscriber too slow; drop rather than block ingestion.
		}
	}
}

func (t *metricTail) recent(n int) []protocol.MetricPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]protocol.MetricPoint, 0, n)
	for i := t.count - n; i < t.count; i++ {
		out = append(out, t.ring[(t.start+i)%len(t.ring)])
	}
	return out
}

func (t *metricTail) subscribe() (<-chan protocol.MetricPoint, func()) {
	ch := make(chan protocol.MetricPoint, subscriberBuffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
	return ch, cancel
}
