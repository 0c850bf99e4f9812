package eventbus

import "github.com/xiaot623/fleetd/internal/domain"

// ring retains the most recent events of one topic.
type ring struct {
	buf   []domain.Event
	start int
	n     int

	// evictedUpTo is the sequence of the newest event pushed out of buf.
	// Resuming from anything older would miss it.
	evictedUpTo uint64
}

func newRing(size int) *ring {
	return &ring{buf: make([]domain.Event, size)}
}

func (r *ring) push(ev domain.Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.evictedUpTo = r.buf[r.start].Sequence
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// appendAfter appends retained events with Sequence > from, oldest first.
func (r *ring) appendAfter(out []domain.Event, from uint64) []domain.Event {
	for i := 0; i < r.n; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Sequence > from {
			out = append(out, ev)
		}
	}
	return out
}
