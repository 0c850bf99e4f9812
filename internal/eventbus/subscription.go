package eventbus

import (
	"sync/atomic"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Subscription is a bounded, ordered stream of events for a set of topics.
type Subscription struct {
	id       string
	topics   map[domain.Topic]bool // nil means every topic
	ch       chan domain.Event
	bus      *Bus
	startSeq uint64
	closed   bool // guarded by bus.mu

	degraded atomic.Bool
	dropped  atomic.Int64
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// StartSequence is the bus head at the moment the subscription went live.
// Live events all carry a greater sequence.
func (s *Subscription) StartSequence() uint64 { return s.startSeq }

// Degraded reports whether events were dropped because the queue was full.
func (s *Subscription) Degraded() bool { return s.degraded.Load() }

// Dropped returns the number of events dropped so far.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Topics returns the subscribed topics, or nil for all topics.
func (s *Subscription) Topics() []domain.Topic {
	if s.topics == nil {
		return nil
	}
	out := make([]domain.Topic, 0, len(s.topics))
	for _, t := range domain.AllTopics {
		if s.topics[t] {
			out = append(out, t)
		}
	}
	return out
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) wants(t domain.Topic) bool {
	return s.topics == nil || s.topics[t]
}

// offer enqueues ev, evicting the oldest queued event when full.
// Called with bus.mu held, so the bus is the only sender.
func (s *Subscription) offer(ev domain.Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.bus.metrics.IncEventDropped()
	default:
	}
	s.degraded.Store(true)

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		s.bus.metrics.IncEventDropped()
	}
}
