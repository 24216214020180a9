// Package record holds the durable outcome of a transaction and the rules
// for what may be done with it afterwards.
package record

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
)

type enumNames []string

func (n enumNames) text(v int) string {
	if v >= 0 && v < len(n) {
		return n[v]
	}
	return n[0]
}

func (n enumNames) parse(kind string, b []byte) (int, error) {
	s := string(b)
	for i, name := range n {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

// APIState is the gateway side state of a record.
type APIState int

const (
	APIStateUnknown APIState = iota
	APIStatePending
	APIStateAuthorized
	APIStateCaptured
	APIStateSettled
	APIStateVoided
	APIStateRefunded
	APIStateDeclined
	APIStateErrored
)

var apiStateNames = enumNames{
	"unknown", "pending", "authorized", "captured", "settled",
	"voided", "refunded", "declined", "errored",
}

func (s APIState) String() string { return apiStateNames.text(int(s)) }

func (s APIState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *APIState) UnmarshalText(b []byte) error {
	v, err := apiStateNames.parse("api state", b)
	*s = APIState(v)
	return err
}

// Result is the outcome of a session.
type Result int

const (
	ResultUnknown Result = iota
	ResultApproved
	ResultDeclined
	ResultErrored
	ResultAborted
)

var resultNames = enumNames{"unknown", "approved", "declined", "errored", "aborted"}

func (r Result) String() string { return resultNames.text(int(r)) }

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Result) UnmarshalText(b []byte) error {
	v, err := resultNames.parse("result", b)
	*r = Result(v)
	return err
}

// Type is the kind of transaction a record describes.
type Type int

const (
	TypeUnknown Type = iota
	TypeSale
	TypeRefund
	TypeVoid
	TypeAuthorization
	TypeTokenization
)

var typeNames = enumNames{"unknown", "sale", "refund", "void", "authorization", "tokenization"}

func (t Type) String() string { return typeNames.text(int(t)) }

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := typeNames.parse("transaction type", b)
	*t = Type(v)
	return err
}

// AVSResult is the address verification outcome for one field.
type AVSResult int

const (
	AVSResultUnknown AVSResult = iota
	AVSResultMatch
	AVSResultNoMatch
	AVSResultUnavailable
)

var avsResultNames = enumNames{"unknown", "match", "noMatch", "unavailable"}

func (a AVSResult) String() string { return avsResultNames.text(int(a)) }

func (a AVSResult) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AVSResult) UnmarshalText(b []byte) error {
	v, err := avsResultNames.parse("avs result", b)
	*a = AVSResult(v)
	return err
}

// AVSResponse is the address verification outcome for a keyed sale.
type AVSResponse struct {
	Street AVSResult `json:"street"`
	Zip    AVSResult `json:"zip"`
}

// Record is the durable outcome of a transaction. Records are replaced, not
// edited, when the gateway reports a change: callers work on Clone()s.
type Record struct {
	ID                string            `json:"id"`
	Type              Type              `json:"type"`
	Result            Result            `json:"result"`
	APIState          APIState          `json:"apiState"`
	Amount            amount.Amount     `json:"amount"`
	CapturedAmount    amount.Amount     `json:"capturedAmount"`
	RefundedAmount    amount.Amount     `json:"refundedAmount"`
	CardInfo          *core.CardInfo    `json:"cardInfo,omitempty"`
	ReaderInfo        *core.ReaderInfo  `json:"readerInfo,omitempty"`
	CardToken         string            `json:"cardToken,omitempty"`
	AuthCodes         []string          `json:"authCodes,omitempty"`
	AVS               *AVSResponse      `json:"avs,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	TransactedAt      time.Time         `json:"transactedAt"`
	SignatureURL      string            `json:"signatureUrl,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CallbackURL       string            `json:"callbackUrl,omitempty"`
	Message           string            `json:"message,omitempty"`
	Error             string            `json:"error,omitempty"`
	ReferenceID       string            `json:"referenceId,omitempty"`
	ParentID          string            `json:"parentId,omitempty"`
	MerchantAccountID string            `json:"merchantAccountId"`
	CustomerID        string            `json:"customerId,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	SDKData           map[string]string `json:"sdkData,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CardInfo != nil {
		ci := *r.CardInfo
		if ci.EMV != nil {
			emv := *ci.EMV
			ci.EMV = &emv
		}
		c.CardInfo = &ci
	}
	if r.ReaderInfo != nil {
		ri := *r.ReaderInfo
		c.ReaderInfo = &ri
	}
	if r.AVS != nil {
		avs := *r.AVS
		c.AVS = &avs
	}
	c.AuthCodes = slices.Clone(r.AuthCodes)
	c.Metadata = maps.Clone(r.Metadata)
	c.SDKData = maps.Clone(r.SDKData)
	return &c
}

// CanVoid reports whether the gateway would still accept a void.
func (r *Record) CanVoid() bool {
	switch r.APIState {
	case APIStatePending, APIStateAuthorized, APIStateCaptured:
		return r.Type == TypeSale || r.Type == TypeAuthorization
	}
	return false
}

// CanCapture reports whether amt can be captured against this record.
func (r *Record) CanCapture(amt amount.Amount) bool {
	if r.Type != TypeAuthorization || r.APIState != APIStateAuthorized {
		return false
	}
	return !amt.IsZero() && amt.Cmp(r.Amount) <= 0
}

// RefundableAmount is what is left to refund.
func (r *Record) RefundableAmount() amount.Amount {
	switch r.APIState {
	case APIStateCaptured, APIStateSettled:
	default:
		return amount.Zero
	}
	base := r.Amount
	if r.Type == TypeAuthorization {
		base = r.CapturedAmount
	}
	return base.Sub(r.RefundedAmount)
}

// CanRefund reports whether amt can be refunded against this record.
func (r *Record) CanRefund(amt amount.Amount) bool {
	if r.Type != TypeSale && r.Type != TypeAuthorization {
		return false
	}
	if amt.IsZero() {
		return false
	}
	return amt.Cmp(r.RefundableAmount()) <= 0
}

// HistoricalParams is the parameter summary carried by Historical.
type HistoricalParams struct {
	Amount      amount.Amount     `json:"amount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	CustomerID  string            `json:"customerId,omitempty"`
}

// Historical is the older completion payload, kept for hosts that still
// consume it.
type Historical struct {
	UUID           string           `json:"uuid"`
	Type           Type             `json:"type"`
	Result         Result           `json:"result"`
	DeclineMessage string           `json:"declineMessage,omitempty"`
	Error          string           `json:"error,omitempty"`
	SignatureURL   string           `json:"signatureUrl,omitempty"`
	CardInfo       *core.CardInfo   `json:"cardInfo,omitempty"`
	ReaderInfo     *core.ReaderInfo `json:"cardReaderInfo,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	TransactedAt   time.Time        `json:"transactedAt"`
	Params         HistoricalParams `json:"params"`
}

// Historical converts the record into the older completion payload.
func (r *Record) Historical() *Historical {
	c := r.Clone()
	h := &Historical{
		UUID:         c.ID,
		Type:         c.Type,
		Result:       c.Result,
		Error:        c.Error,
		SignatureURL: c.SignatureURL,
		CardInfo:     c.CardInfo,
		ReaderInfo:   c.ReaderInfo,
		CreatedAt:    c.CreatedAt,
		TransactedAt: c.TransactedAt,
		Params: HistoricalParams{
			Amount:      c.Amount,
			Metadata:    c.Metadata,
			CallbackURL: c.CallbackURL,
			CustomerID:  c.CustomerID,
		},
	}
	if c.Result == ResultDeclined {
		h.DeclineMessage = c.Message
	}
	return h
}
