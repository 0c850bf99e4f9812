package dispatch

import (
	"context"
	"time"

	"github.com/xiaot623/fleetd/internal/domain"
)

// RunTimeoutMonitor expires overdue commands and compacts terminal ones on
// every tick until ctx is cancelled.
func (d *Dispatcher) RunTimeoutMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := d.now()
			d.ExpirePending(now)
			d.Compact(now)
		}
	}
}

// ExpirePending moves QUEUED and DELIVERED commands that have waited longer
// than their timeout to TIMED_OUT. Terminal commands are untouched, so running
// it again is a no-op. Returns the number expired, or -1 when another sweep is
// still running.
func (d *Dispatcher) ExpirePending(now time.Time) int {
	if !d.sweeping.TryLock() {
		return -1
	}
	defer d.sweeping.Unlock()

	start := time.Now()
	defer func() { d.metrics.ObserveSweep("command_timeout", time.Since(start).Seconds()) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []*domain.Command
	for _, cmd := range d.commands {
		if cmd.IsBroadcast() || !cmd.State.Pending() || cmd.QueuedAt == nil {
			continue
		}
		timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = d.timeout
		}
		if now.Sub(*cmd.QueuedAt) > timeout {
			expired = append(expired, cmd)
		}
	}

	for _, cmd := range expired {
		cmd.Error = "command timed out"
		d.transitionLocked(cmd, domain.CommandStateTimedOut, now)
	}
	if len(expired) > 0 {
		d.log.WithField("expired", len(expired)).Info("command timeout sweep")
	}
	return len(expired)
}

// Compact moves terminal commands older than the retention window into the
// archive. A broadcast parent leaves memory only once it is terminal itself.
func (d *Dispatcher) Compact(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	moved := 0
	for id, cmd := range d.commands {
		if !cmd.State.Terminal() || now.Sub(cmd.LastTransitionAt) < d.retention {
			continue
		}
		if cmd.ParentID != "" {
			if parent, ok := d.commands[cmd.ParentID]; ok && !parent.State.Terminal() {
				continue
			}
		}
		d.archive.Add(id, cmd.Clone())
		delete(d.commands, id)
		moved++
	}
	return moved
}
