package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier is a send-only sink for trip events. Rendering the event into a
// rider or driver message is the sink's job.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

type NotifierFunc func(ctx context.Context, ev models.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev models.Event) error { return f(ctx, ev) }

// Fanout delivers every event to all sinks, even when some of them fail.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notify is best-effort: failures are logged and never undo a transition.
func notify(ctx context.Context, n Notifier, logger *slog.Logger, ev models.Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, ev); err != nil {
		logger.Warn("notification failed", "event", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}
