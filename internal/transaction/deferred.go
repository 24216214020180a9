package transaction

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/record"
)

// Deferred data is deferredMagic, a version byte and a CBOR body. Only the
// current version is readable.
//
// The body is not encrypted. It names the merchant account by id only and
// keeps the card data needed to charge later (PAN, Track 2, expiry, zip),
// never the CVV or street address.
var deferredMagic = []byte("CFDT")

const deferredVersion byte = 2

type deferredSnapshot struct {
	SessionID         string            `cbor:"1,keyasint"`
	Kind              record.Type       `cbor:"2,keyasint"`
	Amount            string            `cbor:"3,keyasint"`
	AccountID         string            `cbor:"4,keyasint"`
	RequireSignature  bool              `cbor:"5,keyasint,omitempty"`
	QuickChip         bool              `cbor:"6,keyasint,omitempty"`
	AdjustmentEnabled bool              `cbor:"7,keyasint,omitempty"`
	Metadata          map[string]string `cbor:"8,keyasint,omitempty"`
	CallbackURL       string            `cbor:"9,keyasint,omitempty"`
	CustomerID        string            `cbor:"10,keyasint,omitempty"`
	Capture           *core.CardCapture `cbor:"11,keyasint"`
	Reader            *core.ReaderInfo  `cbor:"12,keyasint,omitempty"`
	DeferredAt        int64             `cbor:"13,keyasint"`
}

// deferredState is a decoded deferred blob. params has no Account until it
// is resolved from accountID.
type deferredState struct {
	sessionID  string
	accountID  string
	params     Params
	capture    *core.CardCapture
	reader     *core.ReaderInfo
	deferredAt time.Time
}

func encodeDeferred(sessionID string, p Params, capture *core.CardCapture, reader *core.ReaderInfo, at time.Time) ([]byte, error) {
	if capture == nil {
		return nil, errs.New(errs.CodeInvalidState, "no card data to defer")
	}
	kept := *capture
	kept.CVV = ""
	kept.Street = ""
	snap := deferredSnapshot{
		SessionID:         sessionID,
		Kind:              p.Kind,
		Amount:            p.Amount.String(),
		AccountID:         p.Account.ID,
		RequireSignature:  p.RequireSignature,
		QuickChip:         p.QuickChip,
		AdjustmentEnabled: p.AdjustmentEnabled,
		Metadata:          p.Metadata,
		CallbackURL:       p.CallbackURL,
		CustomerID:        p.CustomerID,
		Capture:           &kept,
		Reader:            reader,
		DeferredAt:        at.UnixNano(),
	}
	body, err := cbor.Marshal(snap)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to encode deferred data")
	}

	out := make([]byte, 0, len(deferredMagic)+1+len(body))
	out = append(out, deferredMagic...)
	out = append(out, deferredVersion)
	return append(out, body...), nil
}

func decodeDeferred(data []byte) (*deferredState, error) {
	if len(data) <= len(deferredMagic) || !bytes.HasPrefix(data, deferredMagic) {
		return nil, errs.New(errs.CodeDeferred, "not deferred transaction data")
	}
	if v := data[len(deferredMagic)]; v != deferredVersion {
		return nil, errs.New(errs.CodeDeferred, "unsupported deferred data version %d", v)
	}

	var snap deferredSnapshot
	if err := cbor.Unmarshal(data[len(deferredMagic)+1:], &snap); err != nil {
		return nil, errs.Wrap(errs.CodeDeferred, err, "corrupt deferred data")
	}
	if snap.Capture == nil || snap.AccountID == "" {
		return nil, errs.New(errs.CodeDeferred, "deferred data is incomplete")
	}

	return &deferredState{
		sessionID: snap.SessionID,
		accountID: snap.AccountID,
		params: Params{
			Kind:              snap.Kind,
			Amount:            amount.FromString(snap.Amount),
			RequireSignature:  snap.RequireSignature,
			QuickChip:         snap.QuickChip,
			AdjustmentEnabled: snap.AdjustmentEnabled,
			Metadata:          snap.Metadata,
			CallbackURL:       snap.CallbackURL,
			CustomerID:        snap.CustomerID,
		},
		capture:    snap.Capture,
		reader:     snap.Reader,
		deferredAt: time.Unix(0, snap.DeferredAt).UTC(),
	}, nil
}
