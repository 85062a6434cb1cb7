// Package notify delivers user notifications produced by the scheduler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
)

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n fleet.Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n fleet.Notification) error

func (f Func) Notify(ctx context.Context, n fleet.Notification) error { return f(ctx, n) }

// Discard drops every notification.
var Discard Notifier = Func(func(context.Context, fleet.Notification) error { return nil })

// Creator persists notifications.
type Creator interface {
	CreateNotification(ctx context.Context, n *fleet.Notification) error
}

// StoreSink writes notifications to the fleet store.
type StoreSink struct {
	store Creator
}

func NewStoreSink(store Creator) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Notify(ctx context.Context, n fleet.Notification) error {
	if err := s.store.CreateNotification(ctx, &n); err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}
	return nil
}

// Multi fans a notification out to several sinks. Every sink is tried;
// failures are logged and joined.
type Multi struct {
	sinks []Notifier
	log   zerolog.Logger
	now   func() time.Time
}

func NewMulti(logger zerolog.Logger, sinks ...Notifier) *Multi {
	return &Multi{
		sinks: sinks,
		log:   logger.With().Str("component", "notify").Logger(),
		now:   time.Now,
	}
}

// Add appends a sink. It is not safe to call concurrently with Notify.
func (m *Multi) Add(n Notifier) {
	m.sinks = append(m.sinks, n)
}

// Notify assigns the ID and creation time once so every sink sees the same
// record, then delivers to each sink in order.
func (m *Multi) Notify(ctx context.Context, n fleet.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, n); err != nil {
			m.log.Warn().Err(err).Str("user", n.UserID).Str("title", n.Title).Msg("Notification delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
