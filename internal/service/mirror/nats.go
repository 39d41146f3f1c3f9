// Package mirror republishes relayed messages to NATS so other processes
// (archivers, moderation tools) can follow the conversation.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "relay.messages"

var ErrSubjectRequired = errors.New("nats subject is required")

// publisher is the subset of *nats.Conn the mirror needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each message as JSON on a single subject.
type NATS struct {
	conn    publisher
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials url and returns a mirror publishing on subject.
func Connect(url, subject string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mirror")

	nc, err := nats.Connect(url,
		nats.Name("z-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	m, err := newNATS(nc, subject, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	m.nc = nc
	logger.Info("nats mirror connected", "url", nc.ConnectedUrl(), "subject", m.subject)
	return m, nil
}

func newNATS(conn publisher, subject string, logger *slog.Logger) (*NATS, error) {
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{conn: conn, subject: subject, logger: logger}, nil
}

// Publish implements relay's Mirror.
func (m *NATS) Publish(msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		return fmt.Errorf("failed to publish message to subject '%s': %w", m.subject, err)
	}
	m.logger.Debug("mirrored message", "subject", m.subject, "id", msg.ID, "bytes", len(data))
	return nil
}

// Close drains the connection.
func (m *NATS) Close() {
	if m.nc != nil {
		if err := m.nc.Drain(); err != nil {
			m.nc.Close()
		}
	}
}
