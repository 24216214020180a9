// Package merchant holds merchant accounts, their gateway permissions and
// the capabilities derived from them.
package merchant

import (
	"encoding/json"
	"sync"

	"github.com/CardFlight/payment-agent/internal/core"
)

// Default gateway endpoints used when an account does not override them.
const (
	DefaultBaseV1URL = "https://api.cardflight.com/v1"
	DefaultBaseV2URL = "https://api.cardflight.com/v2"
)

// SettlementScheme is how the account's batches are closed.
type SettlementScheme int

const (
	SettlementSchemeUnknown SettlementScheme = iota
	SettlementSchemeHostCapture
	SettlementSchemeTerminalCapture
)

func (s SettlementScheme) String() string {
	switch s {
	case SettlementSchemeHostCapture:
		return "hostCapture"
	case SettlementSchemeTerminalCapture:
		return "terminalCapture"
	}
	return "unknown"
}

func (s SettlementScheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SettlementScheme) UnmarshalText(b []byte) error {
	switch string(b) {
	case "hostCapture":
		*s = SettlementSchemeHostCapture
	case "terminalCapture":
		*s = SettlementSchemeTerminalCapture
	default:
		*s = SettlementSchemeUnknown
	}
	return nil
}

// Settlement describes batch settlement for the account.
type Settlement struct {
	Scheme SettlementScheme `json:"scheme"`
}

// Permissions are the gateway side switches for an account.
type Permissions struct {
	DipEnabledReaders       []core.ReaderModel `json:"dipEnabledReaders"`
	QuickChipEnabledReaders []core.ReaderModel `json:"quickChipEnabledReaders"`
	AVSEnabled              bool               `json:"avsEnabled"`
	KeyedEntryEnabled       bool               `json:"keyedEntryEnabled"`
	AllowDebit              bool               `json:"allowDebit"`
}

// DipEnabled reports whether chip reads are allowed on model. PC/SC
// readers report an unknown model and are allowed whenever any reader is.
func (p Permissions) DipEnabled(model core.ReaderModel) bool {
	return modelListed(p.DipEnabledReaders, model)
}

// QuickChipEnabled reports whether quick chip is allowed on model.
func (p Permissions) QuickChipEnabled(model core.ReaderModel) bool {
	return modelListed(p.QuickChipEnabledReaders, model)
}

func modelListed(models []core.ReaderModel, model core.ReaderModel) bool {
	if model == core.ReaderModelUnknown {
		return len(models) > 0
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// Details is what the gateway returns about an account.
type Details struct {
	Name        string      `json:"name"`
	MID         string      `json:"mid"`
	TID         string      `json:"tid"`
	Permissions Permissions `json:"permissions"`
	Settlement  Settlement  `json:"settlement"`
}

// Account is a merchant account. ID, APIKey and the base URLs never change;
// the details are filled in by validation.
type Account struct {
	ID        string
	APIKey    string
	BaseV1URL string
	BaseV2URL string

	mu        sync.RWMutex
	details   *Details
	validated bool
	err       error
}

// NewAccount builds an account with the default endpoints and, optionally,
// known details (for tests and deferred resumes).
func NewAccount(id, apiKey string, details *Details) *Account {
	a := &Account{
		ID:        id,
		APIKey:    apiKey,
		BaseV1URL: DefaultBaseV1URL,
		BaseV2URL: DefaultBaseV2URL,
	}
	if details != nil {
		d := *details
		a.details = &d
		a.validated = true
	}
	return a
}

// Name returns the merchant name once known.
func (a *Account) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.details == nil {
		return ""
	}
	return a.details.Name
}

// MID returns the merchant identifier once known.
func (a *Account) MID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.details == nil {
		return ""
	}
	return a.details.MID
}

// TID returns the terminal identifier once known.
func (a *Account) TID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.details == nil {
		return ""
	}
	return a.details.TID
}

// Permissions returns the account permissions. Before validation the
// permissive defaults apply: keyed entry allowed, no chip restrictions
// known.
func (a *Account) Permissions() Permissions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.details == nil {
		return Permissions{KeyedEntryEnabled: true}
	}
	return a.details.Permissions
}

// Settlement returns the settlement settings once known.
func (a *Account) Settlement() Settlement {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.details == nil {
		return Settlement{}
	}
	return a.details.Settlement
}

// Validated reports whether the gateway accepted the account.
func (a *Account) Validated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validated
}

func (a *Account) setResult(d *Details, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	if err == nil {
		a.details = d
		a.validated = true
	}
}

func (a *Account) lastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

type accountJSON struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	MID         string       `json:"mid,omitempty"`
	TID         string       `json:"tid,omitempty"`
	BaseV1URL   string       `json:"baseV1Url"`
	BaseV2URL   string       `json:"baseV2Url"`
	Validated   bool         `json:"validated"`
	Permissions *Permissions `json:"permissions,omitempty"`
	Settlement  *Settlement  `json:"settlement,omitempty"`
}

// MarshalJSON writes the account without its API key.
func (a *Account) MarshalJSON() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := accountJSON{
		ID:        a.ID,
		BaseV1URL: a.BaseV1URL,
		BaseV2URL: a.BaseV2URL,
		Validated: a.validated,
	}
	if a.details != nil {
		out.Name = a.details.Name
		out.MID = a.details.MID
		out.TID = a.details.TID
		p, s := a.details.Permissions, a.details.Settlement
		out.Permissions = &p
		out.Settlement = &s
	}
	return json.Marshal(out)
}
