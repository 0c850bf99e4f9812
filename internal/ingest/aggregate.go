package ingest

import (
	"math"
	"sync"
	"time"

	"github.com/xiaot623/fleetd/internal/domain"
)

// aggregates keeps per-category counters and an exponentially decayed
// throughput estimate. After each report the rate decays by exp(-dt/tau)
// and gains 1/tau, so a steady stream of r reports/s converges on r.
type aggregates struct {
	mu         sync.Mutex
	categories map[domain.ReportCategory]*domain.CategoryStats
	dropped    int64
	alerts     int64
	rate       float64
	last       time.Time
	tau        float64 // seconds
}

func newAggregates(window time.Duration) *aggregates {
	if window <= 0 {
		window = time.Minute
	}
	return &aggregates{
		categories: make(map[domain.ReportCategory]*domain.CategoryStats),
		tau:        window.Seconds(),
	}
}

func (a *aggregates) decayed(now time.Time) float64 {
	if a.last.IsZero() || !now.After(a.last) {
		return a.rate
	}
	return a.rate * math.Exp(-now.Sub(a.last).Seconds()/a.tau)
}

func (a *aggregates) record(category domain.ReportCategory, bytes int, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.categories[category]
	if !ok {
		stats = &domain.CategoryStats{}
		a.categories[category] = stats
	}
	stats.Reports++
	stats.Bytes += int64(bytes)

	a.rate = a.decayed(now) + 1/a.tau
	if now.After(a.last) {
		a.last = now
	}
}

func (a *aggregates) drop() {
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
}

func (a *aggregates) alert() {
	a.mu.Lock()
	a.alerts++
	a.mu.Unlock()
}

func (a *aggregates) snapshot(now time.Time) domain.IngestStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := domain.IngestStats{
		Categories:       make(map[domain.ReportCategory]domain.CategoryStats, len(a.categories)),
		Dropped:          a.dropped,
		Alerts:           a.alerts,
		ThroughputPerSec: a.decayed(now),
		UpdatedAt:        a.last,
	}
	for cat, stats := range a.categories {
		out.Categories[cat] = *stats
	}
	return out
}
