package events

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/storage"
)

// DefaultSubject prefix of published snapshots: <prefix>.<base currency>.
const DefaultSubject = "martibooks.snapshots"

// Conn is the part of *nats.Conn used by the publisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes every snapshot as JSON. Failures are logged, never returned.
type NATSPublisher struct {
	conn    Conn
	subject string
	logger  *zap.Logger
}

// ConnectNATS dials the server and returns a publisher.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("martibooks"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", url)
	}

	return NewNATSPublisher(nc, subject, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Publish sends the snapshot to <subject>.<base currency>.
func (p *NATSPublisher) Publish(s domain.PortfolioSnapshot) {
	data, err := storage.JSON.Marshal(s)
	if err != nil {
		p.logger.Error("marshal snapshot for nats", zap.Error(err))
		return
	}

	subject := p.subject
	if s.BaseCurrency != "" {
		subject += "." + s.BaseCurrency
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("nats publish failed", zap.String("subject", subject), zap.String("snapshot", s.ID), zap.Error(err))
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
