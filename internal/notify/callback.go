package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/record"
)

// CallbackTimeout bounds a single callback POST.
const CallbackTimeout = 10 * time.Second

// CallbackPoster POSTs events to the callback URL stored on each record.
type CallbackPoster struct {
	client *http.Client
}

// NewCallbackPoster returns a poster with its own HTTP client.
func NewCallbackPoster() *CallbackPoster {
	return &CallbackPoster{client: &http.Client{Timeout: CallbackTimeout}}
}

// Publish posts ev to its record's callback URL. Records without one are
// skipped.
func (p *CallbackPoster) Publish(ctx context.Context, ev Event) error {
	if ev.Record == nil || ev.Record.CallbackURL == "" {
		return nil
	}
	return p.post(ctx, ev.Record.CallbackURL, ev)
}

// Send posts a completed event for rec to callbackURL. It is what the
// simulated gateway uses to mimic the gateway's own callbacks.
func (p *CallbackPoster) Send(ctx context.Context, callbackURL string, rec *record.Record) error {
	return p.post(ctx, callbackURL, NewEvent(EventCompleted, rec))
}

func (p *CallbackPoster) post(ctx context.Context, url string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.CodeInvalidArgument, err, "invalid callback url")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeNetwork, err, "callback delivery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(errs.CodeNetwork, "callback returned status %d", resp.StatusCode)
	}

	logging.Debug(logging.CatNotify, "Callback delivered", map[string]any{
		"type":   string(ev.Type),
		"id":     ev.Record.ID,
		"status": resp.StatusCode,
	})
	return nil
}
