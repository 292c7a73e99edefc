// Package natsaudit publishes audit events to NATS so other consumers can
// follow the compliance trail.
package natsaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// DefaultSubject prefixes every published subject.
const DefaultSubject = "warden.audit"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Sink publishes each event as JSON on <prefix>.<event type>.
type Sink struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger log.Logger
}

// Connect dials url and returns a sink publishing under prefix.
func Connect(url, prefix string, logger log.Logger) (*Sink, error) {
	conn, err := nats.Connect(url,
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsaudit: connect: %w", err)
	}
	s := newSink(conn, prefix, logger)
	s.conn = conn
	return s, nil
}

func newSink(pub publisher, prefix string, logger log.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultSubject
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{pub: pub, prefix: prefix, logger: logger}
}

// Record implements alerting.Auditor. Publish failures are logged; the audit
// trail of record is the local log.
func (s *Sink) Record(ctx context.Context, ev alerting.AuditEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, err, "natsaudit: marshal event", "audit_id", ev.ID)
		return
	}
	subject := s.prefix + "." + string(ev.Type)
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn(ctx, "natsaudit: publish failed", "subject", subject, "audit_id", ev.ID, "err", err)
	}
}

// Close drains and closes the connection.
func (s *Sink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
		s.conn.Close()
	}
}
