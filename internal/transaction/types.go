// Package transaction runs one payment flow per Session: reader and card
// input, the process decision, the gateway call, cardholder verification
// and the final record.
package transaction

import (
	"fmt"
	"maps"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/record"
)

type enumNames []string

func (n enumNames) text(v int) string {
	if v >= 0 && v < len(n) {
		return n[v]
	}
	return n[0]
}

func (n enumNames) parse(kind string, b []byte) (int, error) {
	for i, name := range n {
		if name == string(b) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, b)
}

// State is where a session is in its flow. States only move forward.
type State int

const (
	StateUnknown State = iota
	StatePendingTransactionParameters
	StatePendingCardInput
	StatePendingProcessOption
	StateProcessing
	StateCompleted
	StateDeferred
)

var stateNames = enumNames{
	"unknown", "pendingTransactionParameters", "pendingCardInput",
	"pendingProcessOption", "processing", "completed", "deferred",
}

func (s State) String() string { return stateNames.text(int(s)) }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := stateNames.parse("state", b)
	*s = State(v)
	return err
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeferred
}

// ProcessOption is the host's answer once card data is captured.
type ProcessOption int

const (
	ProcessOptionUnknown ProcessOption = iota
	ProcessOptionProcess
	ProcessOptionDefer
	ProcessOptionAbort
)

var processOptionNames = enumNames{"unknown", "process", "defer", "abort"}

func (o ProcessOption) String() string { return processOptionNames.text(int(o)) }

func (o ProcessOption) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *ProcessOption) UnmarshalText(b []byte) error {
	v, err := processOptionNames.parse("process option", b)
	*o = ProcessOption(v)
	return err
}

// CVM is the cardholder verification method requested after approval.
type CVM int

const (
	CVMUnknown CVM = iota
	CVMNone
	CVMSignature
)

var cvmNames = enumNames{"unknown", "none", "signature"}

func (c CVM) String() string { return cvmNames.text(int(c)) }

func (c CVM) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CVM) UnmarshalText(b []byte) error {
	v, err := cvmNames.parse("cvm", b)
	*c = CVM(v)
	return err
}

// Reachability is whether the gateway can currently be reached.
type Reachability int

const (
	ReachabilityFull Reachability = iota
	ReachabilityNone
)

var reachabilityNames = enumNames{"full", "none"}

func (r Reachability) String() string { return reachabilityNames.text(int(r)) }

func (r Reachability) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Reachability) UnmarshalText(b []byte) error {
	v, err := reachabilityNames.parse("reachability", b)
	*r = Reachability(v)
	return err
}

// Message is text the host should show the cardholder.
type Message struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

func (m Message) String() string {
	if m.Secondary == "" {
		return m.Primary
	}
	return m.Primary + " / " + m.Secondary
}

// Adjustment is a tip added before the charge is sent.
type Adjustment struct {
	TipAmount amount.Amount     `json:"tipAmount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Params configures a session. The session keeps its own copy, so changes
// made by the caller afterwards have no effect.
type Params struct {
	// Kind is record.TypeSale, record.TypeAuthorization or
	// record.TypeTokenization.
	Kind              record.Type
	Amount            amount.Amount
	Account           *merchant.Account
	RequireSignature  bool
	QuickChip         bool
	AdjustmentEnabled bool
	Metadata          map[string]string
	CallbackURL       string
	CustomerID        string
}

// Validate checks what can be checked without the gateway.
func (p Params) Validate() error {
	switch p.Kind {
	case record.TypeSale, record.TypeAuthorization:
		if p.Amount.IsZero() {
			return errs.New(errs.CodeInvalidArgument, "amount must be greater than zero")
		}
	case record.TypeTokenization:
	default:
		return errs.New(errs.CodeInvalidArgument, "unsupported transaction kind %s", p.Kind)
	}
	if p.Account == nil {
		return errs.New(errs.CodeInvalidArgument, "merchant account is required")
	}
	if p.Account.ID == "" || p.Account.APIKey == "" {
		return errs.New(errs.CodeInvalidArgument, "merchant account is missing credentials")
	}
	return nil
}

func (p Params) clone() Params {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}
