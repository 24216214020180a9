package merchant

import (
	"context"
	"strings"
	"time"

	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
)

// Capability is something the account and reader combination can do.
type Capability int

const (
	CapabilityKeyedEntry Capability = iota
	CapabilitySwipe
	CapabilityDip
	CapabilityTap
	CapabilityQuickChip
	CapabilityAVS
	CapabilityDebit
	CapabilityDeferral
)

var capabilityNames = []string{"keyedEntry", "swipe", "dip", "tap", "quickChip", "avs", "debit", "deferral"}

func (c Capability) String() string {
	if c >= 0 && int(c) < len(capabilityNames) {
		return capabilityNames[c]
	}
	return "unknown"
}

func (c Capability) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Fetcher loads account details from the gateway.
type Fetcher interface {
	FetchAccount(ctx context.Context, acct *Account) (*Details, error)
}

// Manager creates and validates merchant accounts.
type Manager struct {
	fetcher   Fetcher
	baseV1URL string
	baseV2URL string
	timeout   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseURLs overrides the gateway endpoints given to new accounts.
func WithBaseURLs(v1, v2 string) Option {
	return func(m *Manager) {
		if v1 != "" {
			m.baseV1URL = strings.TrimRight(v1, "/")
		}
		if v2 != "" {
			m.baseV2URL = strings.TrimRight(v2, "/")
		}
	}
}

// WithTimeout bounds each validation request.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager returns a Manager validating against fetcher.
func NewManager(fetcher Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:   fetcher,
		baseV1URL: DefaultBaseV1URL,
		baseV2URL: DefaultBaseV2URL,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds an unvalidated account. Empty identifiers are rejected.
func (m *Manager) Create(id, apiKey string) (*Account, error) {
	id = strings.TrimSpace(id)
	apiKey = strings.TrimSpace(apiKey)
	if id == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "merchant account id is required")
	}
	if apiKey == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "api key is required")
	}
	acct := NewAccount(id, apiKey, nil)
	acct.BaseV1URL = m.baseV1URL
	acct.BaseV2URL = m.baseV2URL
	return acct, nil
}

// ValidationError reports, without a network call, why acct cannot be used:
// missing identifiers or a failed previous validation. An account that was
// never validated is usable.
func (m *Manager) ValidationError(acct *Account) error {
	if acct == nil {
		return errs.New(errs.CodeInvalidArgument, "merchant account is required")
	}
	if strings.TrimSpace(acct.ID) == "" || strings.TrimSpace(acct.APIKey) == "" {
		return errs.New(errs.CodeInvalidArgument, "merchant account is missing credentials")
	}
	if err := acct.lastError(); err != nil {
		return err
	}
	return nil
}

// Validate asks the gateway about acct and records the result. completion
// runs on a background goroutine.
func (m *Manager) Validate(acct *Account, completion func(ok bool, err error)) {
	if err := m.checkShape(acct); err != nil {
		if completion != nil {
			go completion(false, err)
		}
		return
	}

	go func() {
		defer logging.RecoverAndLog("merchant validate", false)
		err := m.validate(acct)
		if completion != nil {
			completion(err == nil, err)
		}
	}()
}

// ValidateSync is Validate without the goroutine, for callers that already
// run in the background.
func (m *Manager) ValidateSync(ctx context.Context, acct *Account) error {
	if err := m.checkShape(acct); err != nil {
		return err
	}
	return m.validateCtx(ctx, acct)
}

func (m *Manager) checkShape(acct *Account) error {
	if acct == nil {
		return errs.New(errs.CodeInvalidArgument, "merchant account is required")
	}
	if acct.ID == "" || acct.APIKey == "" {
		return errs.New(errs.CodeInvalidArgument, "merchant account is missing credentials")
	}
	return nil
}

func (m *Manager) validate(acct *Account) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.validateCtx(ctx, acct)
}

func (m *Manager) validateCtx(ctx context.Context, acct *Account) error {
	details, err := m.fetcher.FetchAccount(ctx, acct)
	if err != nil {
		// only a definite rejection sticks; network trouble can be retried
		if errs.CodeOf(err) == errs.CodeInvalidCredentials {
			acct.setResult(nil, err)
		}
		logging.Warn(logging.CatGateway, "Merchant account validation failed", map[string]any{
			"account": acct.ID,
			"error":   err.Error(),
		})
		return err
	}
	acct.setResult(details, nil)
	logging.Info(logging.CatGateway, "Merchant account validated", map[string]any{
		"account": acct.ID,
		"name":    details.Name,
	})
	return nil
}

// Capabilities reports what acct can do, validating it first if needed.
// completion always runs, on a background goroutine, with the capabilities
// known at that point.
func (m *Manager) Capabilities(acct *Account, completion func([]Capability)) {
	if completion == nil {
		return
	}
	go func() {
		defer logging.RecoverAndLog("merchant capabilities", false)
		if acct != nil && !acct.Validated() && m.checkShape(acct) == nil {
			_ = m.validate(acct)
		}
		completion(CapabilitiesOf(acct))
	}()
}

// CapabilitiesOf derives capabilities from what is known about acct.
func CapabilitiesOf(acct *Account) []Capability {
	if acct == nil {
		return []Capability{}
	}
	p := acct.Permissions()
	caps := []Capability{}
	if p.KeyedEntryEnabled {
		caps = append(caps, CapabilityKeyedEntry)
	}
	caps = append(caps, CapabilitySwipe)
	if len(p.DipEnabledReaders) > 0 {
		caps = append(caps, CapabilityDip)
		for _, model := range p.DipEnabledReaders {
			if supportsTap(model) {
				caps = append(caps, CapabilityTap)
				break
			}
		}
	}
	if len(p.QuickChipEnabledReaders) > 0 {
		caps = append(caps, CapabilityQuickChip)
	}
	if p.AVSEnabled {
		caps = append(caps, CapabilityAVS)
	}
	if p.AllowDebit {
		caps = append(caps, CapabilityDebit)
	}
	return append(caps, CapabilityDeferral)
}

func supportsTap(model core.ReaderModel) bool {
	for _, m := range model.InputMethods() {
		if m == core.InputMethodTap {
			return true
		}
	}
	return false
}
