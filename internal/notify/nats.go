package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "payments"

const flushTimeout = 5 * time.Second

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes events as JSON on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// DialNATS connects to url and returns a publisher. The connection
// reconnects on its own.
func DialNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("payment-agent"),
		nats.ReconnectWait(3*time.Second),
		nats.MaxReconnects(-1),
		nats.PingInterval(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn(logging.CatNotify, "NATS disconnected", map[string]any{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(logging.CatNotify, "NATS reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, errs.Wrap(errs.CodeNetwork, err, "failed to connect to NATS")
	}
	logging.Info(logging.CatNotify, "Connected to NATS", map[string]any{"url": url})
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject used for t.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + strings.ToLower(string(t))
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return errs.Wrap(errs.CodeNetwork, err, "NATS publish failed")
	}
	// FlushWithContext refuses contexts without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return errs.Wrap(errs.CodeNetwork, err, "NATS flush failed")
	}
	logging.Debug(logging.CatNotify, "Published event", map[string]any{"subject": subject})
	return nil
}

// Close closes the connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
