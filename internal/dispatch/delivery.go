package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Transport pushes a command to its target agent. A nil error means the
// transport accepted it; the agent's acknowledgement arrives separately.
type Transport interface {
	Deliver(ctx context.Context, cmd domain.Command) error
}

const (
	deliveryAttempts = 3
	deliveryBackoff  = 200 * time.Millisecond
)

// enqueueLocked schedules push delivery. When no transport is configured, or
// the queue is full, the command waits for the agent's next check-in.
func (d *Dispatcher) enqueueLocked(commandID string) {
	if d.transport == nil || d.closed {
		return
	}
	select {
	case d.queue <- commandID:
	default:
		d.log.WithField("command_id", commandID).Warn("delivery queue full, command left for check-in pickup")
	}
}

// Start launches the push-delivery workers. Without a transport it does nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.transport == nil {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.deliveryWorker(ctx)
	}
}

func (d *Dispatcher) deliveryWorker(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.queue {
		d.deliver(ctx, id)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, commandID string) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok || cmd.State != domain.CommandStateQueued {
		d.mu.Unlock()
		return
	}
	snapshot := cmd.Clone()
	d.mu.Unlock()

	backoff := deliveryBackoff
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		err := d.transport.Deliver(ctx, snapshot)
		if err == nil {
			if err := d.MarkDelivered(commandID); err != nil {
				d.log.WithError(err).WithField("command_id", commandID).Warn("failed to mark command delivered")
			}
			return
		}

		d.metrics.IncDeliveryError()
		d.log.WithError(err).WithFields(logrus.Fields{
			"command_id": commandID,
			"attempt":    attempt,
		}).Warn("command delivery failed")

		if attempt == deliveryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Close stops accepting submissions and waits for queued deliveries to drain
// or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
