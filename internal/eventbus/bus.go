// Package eventbus fans sequenced state-change events out to subscribers.
//
// Publish never blocks: each subscription owns a bounded queue, and when it is
// full the oldest queued event is dropped and the subscription is marked
// degraded. A degraded subscriber must resynchronize from a full snapshot.
//
// The bus also retains the most recent events of every topic so a subscriber
// can resume from a known sequence number.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/metrics"
)

// Defaults used when Options leaves a size unset.
const (
	DefaultReplayBufferSize = 1000
	DefaultQueueDepth       = 1000
)

// Options configures a Bus.
type Options struct {
	ReplayBufferSize int // retained events per topic
	QueueDepth       int // per-subscriber queue
	Now              func() time.Time
	Metrics          *metrics.Metrics
}

// Bus is a process-wide publish/subscribe channel.
type Bus struct {
	mu    sync.Mutex
	seq   uint64
	rings map[domain.Topic]*ring
	subs  map[string]*Subscription

	queueDepth int
	now        func() time.Time
	metrics    *metrics.Metrics
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = DefaultReplayBufferSize
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Bus{
		rings:      make(map[domain.Topic]*ring, len(domain.AllTopics)),
		subs:       make(map[string]*Subscription),
		queueDepth: opts.QueueDepth,
		now:        opts.Now,
		metrics:    opts.Metrics,
	}
	for _, t := range domain.AllTopics {
		b.rings[t] = newRing(opts.ReplayBufferSize)
	}
	return b
}

// Publish assigns the next sequence number to a new event and delivers it to
// every subscriber of its topic. It only fails when payload cannot be encoded.
func (b *Bus) Publish(topic domain.Topic, key string, payload interface{}) (domain.Event, error) {
	if !topic.Valid() {
		return domain.Event{}, domain.Validationf("unknown topic %q", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	b.mu.Lock()
	b.seq++
	ev := domain.Event{
		Sequence:  b.seq,
		Topic:     topic,
		Key:       key,
		Payload:   data,
		Timestamp: b.now(),
	}
	b.rings[topic].push(ev)
	for _, sub := range b.subs {
		if sub.wants(topic) {
			sub.offer(ev)
		}
	}
	b.mu.Unlock()

	b.metrics.IncEventPublished(string(topic))
	return ev, nil
}

// Subscribe registers a subscription for topics (all topics when empty).
// When from is set, retained events with a sequence greater than *from are
// queued first; SequenceTooOld is returned when any of them is no longer
// retained or when from is ahead of the bus.
func (b *Bus) Subscribe(topics []domain.Topic, from *uint64) (*Subscription, error) {
	return b.SubscribeWithDepth(topics, from, 0)
}

// SubscribeWithDepth is Subscribe with a queue depth other than the bus default.
func (b *Bus) SubscribeWithDepth(topics []domain.Topic, from *uint64, depth int) (*Subscription, error) {
	if depth <= 0 {
		depth = b.queueDepth
	}
	var wanted map[domain.Topic]bool
	if len(topics) > 0 {
		wanted = make(map[domain.Topic]bool, len(topics))
		for _, t := range topics {
			if !t.Valid() {
				return nil, domain.Validationf("unknown topic %q", t)
			}
			wanted[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []domain.Event
	if from != nil {
		var err error
		if replay, err = b.replayLocked(wanted, *from); err != nil {
			return nil, err
		}
	}

	// The backlog never counts against the live depth.
	sub := &Subscription{
		id:     "sub_" + uuid.New().String()[:8],
		topics: wanted,
		ch:     make(chan domain.Event, len(replay)+depth),
		bus:    b,
	}
	for _, ev := range replay {
		sub.offer(ev)
	}

	sub.startSeq = b.seq
	b.subs[sub.id] = sub
	b.metrics.AddSubscribers(1)
	return sub, nil
}

func (b *Bus) replayLocked(wanted map[domain.Topic]bool, from uint64) ([]domain.Event, error) {
	var oldest uint64
	for t, r := range b.rings {
		if wanted != nil && !wanted[t] {
			continue
		}
		if r.evictedUpTo > oldest {
			oldest = r.evictedUpTo
		}
	}
	if from < oldest || from > b.seq {
		return nil, domain.SequenceTooOld(from, oldest)
	}

	var out []domain.Event
	for t, r := range b.rings {
		if wanted != nil && !wanted[t] {
			continue
		}
		out = r.appendAfter(out, from)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Unsubscribe releases sub. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
	b.metrics.AddSubscribers(-1)
}

// Head returns the sequence number of the most recently published event.
func (b *Bus) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Seed restores retained history and the sequence counter from persisted
// events. It must run before the first Publish.
func (b *Bus) Seed(events []domain.Event) {
	sorted := append([]domain.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(sorted) > 0 && sorted[0].Sequence > b.seq+1 {
		// History older than the seeded window is gone.
		for _, r := range b.rings {
			if r.evictedUpTo < sorted[0].Sequence-1 {
				r.evictedUpTo = sorted[0].Sequence - 1
			}
		}
	}
	for _, ev := range sorted {
		if ev.Sequence <= b.seq {
			continue
		}
		r, ok := b.rings[ev.Topic]
		if !ok {
			continue
		}
		r.push(ev)
		b.seq = ev.Sequence
	}
}

