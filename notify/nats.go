package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
)

// Publisher is the part of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes notifications as JSON on <subject>.<userID>.
type NATS struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string, logger zerolog.Logger) *NATS {
	return &NATS{
		pub:     pub,
		subject: subject,
		log:     logger.With().Str("component", "nats").Logger(),
	}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, subject string, logger zerolog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("printfleet"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n := NewNATS(nc, subject, logger)
	n.conn = nc
	n.log.Info().Str("url", url).Str("subject", subject).Msg("NATS connected")
	return n, nil
}

// Subject returns the subject a user's notifications are published on.
func (n *NATS) Subject(userID string) string {
	return n.subject + "." + userID
}

func (n *NATS) Notify(_ context.Context, note fleet.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	subject := n.Subject(note.UserID)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	return nil
}

// Close drains the connection when the sink owns one.
func (n *NATS) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Warn().Err(err).Msg("NATS drain failed")
	}
}
