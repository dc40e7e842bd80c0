package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/observability"
)

// Message kinds understood by every sink.
const (
	KindInfo          = "info"
	KindOffer         = "offer"
	KindOfferExpired  = "offer_expired"
	KindSuperseded    = "offer_superseded"
	KindTaskAssigned  = "task_assigned"
	KindTaskExhausted = "task_exhausted"
	KindTaskCanceled  = "task_canceled"
	KindTaskStatus    = "task_status"
)

// Message is a user-facing notification. Data carries machine-readable
// fields such as task_id; Text is what a chat user reads.
type Message struct {
	Kind string            `json:"kind"`
	Text string            `json:"text"`
	Data map[string]string `json:"data,omitempty"`
}

// Notifier delivers a message to one user. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID string, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, userID string, msg Message) error {
	return f(ctx, userID, msg)
}

// Named pairs a sink with the label used for error metrics.
type Named struct {
	Name string
	Notifier
}

// Fanout delivers to every sink and joins the failures.
type Fanout struct {
	sinks  []Named
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Named) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Add(name string, n Notifier) {
	f.sinks = append(f.sinks, Named{Name: name, Notifier: n})
}

func (f *Fanout) Notify(ctx context.Context, userID string, msg Message) error {
	var errs []error
	delivered := 0
	for _, s := range f.sinks {
		err := s.Notify(ctx, userID, msg)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNoSession):
			// user simply isn't connected on this channel
		default:
			observability.NotifyErrors.WithLabelValues(s.Name).Inc()
			f.logger.Warn("notify failed",
				zap.String("sink", s.Name),
				zap.String("user_id", userID),
				zap.String("kind", msg.Kind),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if delivered == 0 && len(errs) == 0 && len(f.sinks) > 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log; handy with no transport configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l *LogNotifier) Notify(_ context.Context, userID string, msg Message) error {
	l.Logger.Info("notification",
		zap.String("user_id", userID),
		zap.String("kind", msg.Kind),
		zap.String("text", msg.Text),
		zap.Any("data", msg.Data))
	return nil
}
