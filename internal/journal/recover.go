package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

// History is the persisted state read back at start-up.
type History interface {
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	ListRestorableCommands(ctx context.Context, terminalSince time.Time) ([]domain.Command, error)
	RecentEvents(ctx context.Context, limit int) ([]domain.Event, error)
}

// Targets receive the recovered state. None of them publish while restoring.
type Targets struct {
	Registry interface {
		Restore(agents []domain.Agent) error
	}
	Dispatcher interface {
		Restore(cmds []domain.Command)
	}
	Bus interface {
		Seed(events []domain.Event)
	}
}

// RecoverOptions bounds how much history is loaded.
type RecoverOptions struct {
	Retention   time.Duration // terminal commands older than this stay on disk only
	EventWindow int           // most recent events loaded into the replay buffer
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// Recover loads agents, commands and recent events from h into t.
func Recover(ctx context.Context, h History, t Targets, opts RecoverOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	agents, err := h.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if err := t.Registry.Restore(agents); err != nil {
		return err
	}

	cmds, err := h.ListRestorableCommands(ctx, opts.Now().Add(-opts.Retention))
	if err != nil {
		return fmt.Errorf("load commands: %w", err)
	}
	t.Dispatcher.Restore(cmds)

	events, err := h.RecentEvents(ctx, opts.EventWindow)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	t.Bus.Seed(events)

	opts.Logger.WithFields(logrus.Fields{
		"agents":   len(agents),
		"commands": len(cmds),
		"events":   len(events),
	}).Info("state recovered")
	return nil
}
