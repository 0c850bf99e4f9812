package registry

import (
	"context"
	"time"

	"github.com/xiaot623/fleetd/internal/domain"
)

// RunLivenessMonitor sweeps on every tick until ctx is cancelled.
func (r *Registry) RunLivenessMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepLiveness(r.now())
		}
	}
}

// SweepLiveness marks ACTIVE agents INACTIVE when their last check-in is
// older than the liveness timeout. It returns the number of agents demoted,
// or -1 when another sweep is still running.
func (r *Registry) SweepLiveness(now time.Time) int {
	if !r.sweeping.TryLock() {
		return -1
	}
	defer r.sweeping.Unlock()

	start := time.Now()
	defer func() { r.metrics.ObserveSweep("liveness", time.Since(start).Seconds()) }()

	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	demoted := 0
	for _, id := range ids {
		ok, err := r.demoteIfStale(id, now)
		if err != nil {
			r.log.WithError(err).WithField("agent_id", id).Warn("liveness sweep skipped agent")
			continue
		}
		if ok {
			demoted++
		}
	}
	if demoted > 0 {
		r.log.WithField("demoted", demoted).Info("liveness sweep marked agents inactive")
	}
	return demoted
}

func (r *Registry) demoteIfStale(id string, now time.Time) (bool, error) {
	e, err := r.lockExisting(id)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return false, nil // purged mid-sweep
		}
		return false, err
	}
	defer e.mu.Unlock()

	if e.agent.Status != domain.AgentStatusActive {
		return false, nil
	}
	if now.Sub(e.agent.LastCheckin) <= r.livenessTimeout {
		return false, nil
	}

	e.agent.Status = domain.AgentStatusInactive
	r.metrics.MoveAgent(string(domain.AgentStatusActive), string(domain.AgentStatusInactive))
	r.publishLocked(e, domain.AgentStatusActive)
	return true, nil
}
