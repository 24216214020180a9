// Package gateway talks to the payment gateway: account lookups, charges,
// tokenization and the follow-up actions on existing charges.
package gateway

import (
	"context"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/record"
)

// ChargeRequest asks for a sale or an authorization.
type ChargeRequest struct {
	Type        record.Type // TypeSale or TypeAuthorization
	Amount      amount.Amount
	TipAmount   amount.Amount
	Capture     *core.CardCapture
	Reader      *core.ReaderInfo
	Metadata    map[string]string
	CallbackURL string
	CustomerID  string
	SessionID   string
	QuickChip   bool
}

// Total is the amount charged: base plus tip.
func (r ChargeRequest) Total() amount.Amount {
	return r.Amount.Add(r.TipAmount)
}

// ChargeResult is the gateway's answer to a charge. Declines are results,
// not errors.
type ChargeResult struct {
	Record            *record.Record
	SignatureRequired bool
}

// TokenizeRequest asks for a reusable card token.
type TokenizeRequest struct {
	Capture     *core.CardCapture
	Reader      *core.ReaderInfo
	CustomerID  string
	Metadata    map[string]string
	CallbackURL string
	SessionID   string
}

// Gateway is everything the agent needs from the payment gateway. Errors
// are *errs.Error with CodeNetwork, CodeGateway, CodeInvalidCredentials,
// CodeInvalidState or CodeNotFound.
type Gateway interface {
	merchant.Fetcher

	Charge(ctx context.Context, acct *merchant.Account, req ChargeRequest) (*ChargeResult, error)
	Tokenize(ctx context.Context, acct *merchant.Account, req TokenizeRequest) (*record.Record, error)
	Void(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error)
	Capture(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error)
	// Refund returns the new refund record.
	Refund(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error)
	Fetch(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error)
	// UploadSignature stores a PNG signature for a charge and returns its URL.
	UploadSignature(ctx context.Context, acct *merchant.Account, id string, png []byte) (string, error)
}
