// Package notify tells the outside world about finished transactions: a
// POST to the host's callback URL and, when configured, a NATS message.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/CardFlight/payment-agent/internal/record"
)

// EventType names what happened to a record.
type EventType string

const (
	EventCompleted EventType = "transaction.completed"
	EventVoided    EventType = "transaction.voided"
	EventCaptured  EventType = "transaction.captured"
	EventRefunded  EventType = "transaction.refunded"
)

// Event is one notification.
type Event struct {
	Type     EventType      `json:"type"`
	Record   *record.Record `json:"transaction"`
	SentAt   time.Time      `json:"sentAt"`
	Merchant string         `json:"merchantAccountId"`
}

// NewEvent builds an event for rec.
func NewEvent(t EventType, rec *record.Record) Event {
	return Event{
		Type:     t,
		Record:   rec.Clone(),
		SentAt:   time.Now().UTC(),
		Merchant: rec.MerchantAccountID,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errList []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
