package manager

import (
	"maps"

	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

type options struct {
	params  transaction.Params
	driver  core.Driver
	account *merchant.Account
}

// Option adjusts a session created by the manager.
type Option func(*options)

// WithCallbackURL has the gateway post the result to url.
func WithCallbackURL(url string) Option {
	return func(o *options) { o.params.CallbackURL = url }
}

// WithMetadata attaches merchant metadata. Later calls add to earlier ones.
func WithMetadata(md map[string]string) Option {
	return func(o *options) {
		if o.params.Metadata == nil {
			o.params.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(o.params.Metadata, md)
	}
}

// WithSignatureRequired asks for a signature on approved swiped and keyed
// cards regardless of amount.
func WithSignatureRequired() Option {
	return func(o *options) { o.params.RequireSignature = true }
}

// WithQuickChip lets the cardholder remove a chip card before the gateway
// answers, on readers the merchant has enabled for it.
func WithQuickChip() Option {
	return func(o *options) { o.params.QuickChip = true }
}

// WithAdjustment asks the observer for a tip before the charge is sent.
func WithAdjustment() Option {
	return func(o *options) { o.params.AdjustmentEnabled = true }
}

// WithReader uses driver instead of the manager's reader driver.
func WithReader(driver core.Driver) Option {
	return func(o *options) { o.driver = driver }
}

// WithAccount makes ResumeDeferred use acct, which must be the account the
// transaction was deferred under. Without it the registered account with
// that id is used.
func WithAccount(acct *merchant.Account) Option {
	return func(o *options) { o.account = acct }
}

func withCustomerID(id string) Option {
	return func(o *options) { o.params.CustomerID = id }
}
