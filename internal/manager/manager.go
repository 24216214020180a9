// Package manager is the entry point hosts use: it creates and resumes
// transaction sessions and runs the actions that apply to finished
// transactions.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/gateway"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

// Completions used by the asynchronous calls. They run on a background
// goroutine.
type (
	BasicCompletion      func(err error)
	StandardCompletion   func(ok bool, err error)
	ResultCompletion     func(rec *record.Record, err error)
	HistoricalCompletion func(h *record.Historical, err error)
)

// Config holds what a TransactionManager needs. Gateway is required.
type Config struct {
	Gateway gateway.Gateway
	// Merchants defaults to a merchant.Manager backed by Gateway.
	Merchants    *merchant.Manager
	Driver       core.Driver
	Store        record.Store
	Publisher    notify.Publisher
	Reachability transaction.Reachability
	Timeout      time.Duration
}

// TransactionManager is constructed once and shared. It keeps track of the
// merchant accounts it has seen so later actions on their records can be
// authenticated.
type TransactionManager struct {
	gateway   gateway.Gateway
	merchants *merchant.Manager
	driver    core.Driver
	store     record.Store
	publisher notify.Publisher
	timeout   time.Duration

	mu           sync.RWMutex
	reachability transaction.Reachability
	accounts     map[string]*merchant.Account
}

// New returns a TransactionManager.
func New(cfg Config) (*TransactionManager, error) {
	if cfg.Gateway == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "gateway is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transaction.DefaultTimeout
	}
	if cfg.Merchants == nil {
		cfg.Merchants = merchant.NewManager(cfg.Gateway, merchant.WithTimeout(cfg.Timeout))
	}
	if cfg.Store == nil {
		cfg.Store = record.NewMemoryStore()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Nop{}
	}
	return &TransactionManager{
		gateway:      cfg.Gateway,
		merchants:    cfg.Merchants,
		driver:       cfg.Driver,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		timeout:      cfg.Timeout,
		reachability: cfg.Reachability,
		accounts:     make(map[string]*merchant.Account),
	}, nil
}

func (m *TransactionManager) Merchants() *merchant.Manager { return m.merchants }
func (m *TransactionManager) Driver() core.Driver          { return m.driver }
func (m *TransactionManager) Store() record.Store          { return m.store }

// SetReachability sets the reachability new sessions start with.
func (m *TransactionManager) SetReachability(r transaction.Reachability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachability = r
}

func (m *TransactionManager) Reachability() transaction.Reachability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachability
}

// RegisterAccount makes acct available for actions on its records. The
// latest registration for an id wins.
func (m *TransactionManager) RegisterAccount(acct *merchant.Account) {
	if acct == nil || acct.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
}

// Account returns the registered account with id.
func (m *TransactionManager) Account(id string) (*merchant.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	return acct, ok
}

func (m *TransactionManager) accountFor(rec *record.Record) (*merchant.Account, error) {
	acct, ok := m.Account(rec.MerchantAccountID)
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "merchant account %q is not registered", rec.MerchantAccountID)
	}
	return acct, nil
}

// resumeAccounts resolves the account named in deferred data. Deferred data
// holds no credentials, so the account must be given or registered, and it
// must still be usable.
func (m *TransactionManager) resumeAccounts(given *merchant.Account) func(id string) (*merchant.Account, error) {
	return func(id string) (*merchant.Account, error) {
		acct := given
		if acct == nil {
			registered, ok := m.Account(id)
			if !ok {
				return nil, errs.New(errs.CodeNotFound, "merchant account %q is not registered", id)
			}
			acct = registered
		} else if acct.ID != id {
			return nil, errs.New(errs.CodeInvalidCredentials, "deferred transaction belongs to another merchant account")
		}
		if err := m.merchants.ValidationError(acct); err != nil {
			return nil, err
		}
		return acct, nil
	}
}

func (m *TransactionManager) sessionConfig(o *options) transaction.Config {
	driver := m.driver
	if o.driver != nil {
		driver = o.driver
	}
	return transaction.Config{
		Gateway:      m.gateway,
		Driver:       driver,
		Store:        m.store,
		Publisher:    m.publisher,
		Reachability: m.Reachability(),
		Timeout:      m.timeout,
		Accounts:     m.resumeAccounts(o.account),
	}
}

// CreateSale starts a sale for amt.
func (m *TransactionManager) CreateSale(amt amount.Amount, acct *merchant.Account, observer transaction.Observer, opts ...Option) (*transaction.Session, error) {
	return m.create(record.TypeSale, amt, acct, observer, opts)
}

// CreateAuth starts an authorization for amt, to be captured later.
func (m *TransactionManager) CreateAuth(amt amount.Amount, acct *merchant.Account, observer transaction.Observer, opts ...Option) (*transaction.Session, error) {
	return m.create(record.TypeAuthorization, amt, acct, observer, opts)
}

// CreateTokenization starts a session that stores the card for customerID
// without charging it.
func (m *TransactionManager) CreateTokenization(acct *merchant.Account, customerID string, observer transaction.Observer, opts ...Option) (*transaction.Session, error) {
	opts = append([]Option{withCustomerID(customerID)}, opts...)
	return m.create(record.TypeTokenization, amount.Zero, acct, observer, opts)
}

func (m *TransactionManager) create(kind record.Type, amt amount.Amount, acct *merchant.Account, observer transaction.Observer, opts []Option) (*transaction.Session, error) {
	if observer == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "observer is required")
	}
	if err := m.merchants.ValidationError(acct); err != nil {
		return nil, err
	}

	o := &options{params: transaction.Params{Kind: kind, Amount: amt, Account: acct}}
	for _, opt := range opts {
		opt(o)
	}

	s, err := transaction.New(o.params, observer, m.sessionConfig(o))
	if err != nil {
		return nil, err
	}
	m.RegisterAccount(acct)

	logging.Info(logging.CatSession, "Transaction created", map[string]any{
		"session": s.ID(),
		"type":    kind.String(),
		"amount":  amt.String(),
		"account": acct.ID,
	})
	return s, nil
}

// ResumeDeferred continues a deferred transaction from the data its session
// passed to DidDefer. WithCallbackURL replaces the deferred callback URL and
// WithMetadata adds to the deferred metadata; options that change how the
// card is handled are rejected.
func (m *TransactionManager) ResumeDeferred(data []byte, observer transaction.Observer, opts ...Option) (*transaction.Session, error) {
	if observer == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "observer is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.params.RequireSignature || o.params.QuickChip || o.params.AdjustmentEnabled {
		return nil, errs.New(errs.CodeInvalidArgument, "only the callback URL and metadata can change when resuming")
	}

	amend := transaction.Amendment{CallbackURL: o.params.CallbackURL, Metadata: o.params.Metadata}
	s, err := transaction.Resume(data, observer, m.sessionConfig(o), amend)
	if err != nil {
		return nil, err
	}
	m.RegisterAccount(s.Params().Account)
	return s, nil
}

// Capabilities reports what acct can do. See merchant.Manager.Capabilities.
func (m *TransactionManager) Capabilities(acct *merchant.Account, completion func([]merchant.Capability)) {
	m.merchants.Capabilities(acct, completion)
}

func (m *TransactionManager) background(name string, fn func(ctx context.Context)) {
	go func() {
		defer logging.RecoverAndLog(name, false)
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Void cancels rec. On success rec is updated before completion runs.
func (m *TransactionManager) Void(rec *record.Record, completion StandardCompletion) {
	m.background("void", func(ctx context.Context) {
		err := m.VoidSync(ctx, rec)
		if completion != nil {
			completion(err == nil, err)
		}
	})
}

// Capture settles amt of an authorization. On success rec is updated
// before completion runs.
func (m *TransactionManager) Capture(rec *record.Record, amt amount.Amount, completion StandardCompletion) {
	m.background("capture", func(ctx context.Context) {
		err := m.CaptureSync(ctx, rec, amt)
		if completion != nil {
			completion(err == nil, err)
		}
	})
}

// Refund returns amt of rec to the card. completion receives the new
// refund record; rec's refunded amount is updated.
func (m *TransactionManager) Refund(rec *record.Record, amt amount.Amount, completion ResultCompletion) {
	m.background("refund", func(ctx context.Context) {
		refund, err := m.RefundSync(ctx, rec, amt)
		if completion != nil {
			completion(refund, err)
		}
	})
}

// Refresh reloads rec from the gateway.
func (m *TransactionManager) Refresh(rec *record.Record, completion StandardCompletion) {
	m.background("refresh", func(ctx context.Context) {
		err := m.RefreshSync(ctx, rec)
		if completion != nil {
			completion(err == nil, err)
		}
	})
}

// Fetch loads the charge with chargeID.
func (m *TransactionManager) Fetch(chargeID string, acct *merchant.Account, completion ResultCompletion) {
	m.background("fetch", func(ctx context.Context) {
		rec, err := m.FetchSync(ctx, chargeID, acct)
		if completion != nil {
			completion(rec, err)
		}
	})
}

// FetchHistorical is Fetch returning the receipt view.
func (m *TransactionManager) FetchHistorical(chargeID string, acct *merchant.Account, completion HistoricalCompletion) {
	m.Fetch(chargeID, acct, func(rec *record.Record, err error) {
		if completion == nil {
			return
		}
		if err != nil {
			completion(nil, err)
			return
		}
		completion(rec.Historical(), nil)
	})
}

func (m *TransactionManager) VoidSync(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errs.New(errs.CodeInvalidArgument, "record is required")
	}
	if !rec.CanVoid() {
		return errs.New(errs.CodeInvalidState, "cannot void a %s %s", rec.APIState, rec.Type)
	}
	acct, err := m.accountFor(rec)
	if err != nil {
		return err
	}
	updated, err := m.gateway.Void(ctx, acct, rec.ID)
	if err != nil {
		return err
	}
	m.apply(ctx, rec, updated, notify.EventVoided)
	return nil
}

func (m *TransactionManager) CaptureSync(ctx context.Context, rec *record.Record, amt amount.Amount) error {
	if rec == nil {
		return errs.New(errs.CodeInvalidArgument, "record is required")
	}
	if !rec.CanCapture(amt) {
		return errs.New(errs.CodeInvalidState, "cannot capture %s of a %s %s for %s",
			amt, rec.APIState, rec.Type, rec.Amount)
	}
	acct, err := m.accountFor(rec)
	if err != nil {
		return err
	}
	updated, err := m.gateway.Capture(ctx, acct, rec.ID, amt)
	if err != nil {
		return err
	}
	m.apply(ctx, rec, updated, notify.EventCaptured)
	return nil
}

func (m *TransactionManager) RefundSync(ctx context.Context, rec *record.Record, amt amount.Amount) (*record.Record, error) {
	if rec == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "record is required")
	}
	if !rec.CanRefund(amt) {
		return nil, errs.New(errs.CodeInvalidState, "cannot refund %s of a %s %s, %s refundable",
			amt, rec.APIState, rec.Type, rec.RefundableAmount())
	}
	acct, err := m.accountFor(rec)
	if err != nil {
		return nil, err
	}
	refund, err := m.gateway.Refund(ctx, acct, rec.ID, amt)
	if err != nil {
		return nil, err
	}

	parent := rec.Clone()
	parent.RefundedAmount = parent.RefundedAmount.Add(amt)
	if parent.RefundableAmount().IsZero() {
		parent.APIState = record.APIStateRefunded
	}
	*rec = *parent
	m.save(ctx, rec)
	m.save(ctx, refund)
	m.publish(ctx, notify.EventRefunded, refund)
	return refund.Clone(), nil
}

func (m *TransactionManager) RefreshSync(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return errs.New(errs.CodeInvalidArgument, "record is required")
	}
	acct, err := m.accountFor(rec)
	if err != nil {
		return err
	}
	updated, err := m.gateway.Fetch(ctx, acct, rec.ID)
	if err != nil {
		return err
	}
	*rec = *merge(rec, updated)
	m.save(ctx, rec)
	return nil
}

func (m *TransactionManager) FetchSync(ctx context.Context, chargeID string, acct *merchant.Account) (*record.Record, error) {
	if chargeID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "charge id is required")
	}
	if err := m.merchants.ValidationError(acct); err != nil {
		return nil, err
	}
	rec, err := m.gateway.Fetch(ctx, acct, chargeID)
	if err != nil {
		return nil, err
	}
	m.RegisterAccount(acct)
	m.save(ctx, rec)
	return rec, nil
}

// apply copies a gateway update into rec, stores it and publishes ev.
func (m *TransactionManager) apply(ctx context.Context, rec, updated *record.Record, ev notify.EventType) {
	*rec = *merge(rec, updated)
	m.save(ctx, rec)
	m.publish(ctx, ev, rec)
}

// merge keeps what only the local record knows, such as reader info and
// SDK data, when the gateway leaves it out.
func merge(local, remote *record.Record) *record.Record {
	out := remote.Clone()
	if out.CardInfo == nil {
		out.CardInfo = local.Clone().CardInfo
	}
	if out.ReaderInfo == nil {
		out.ReaderInfo = local.Clone().ReaderInfo
	}
	if out.SDKData == nil {
		out.SDKData = local.Clone().SDKData
	}
	if out.SessionID == "" {
		out.SessionID = local.SessionID
	}
	if out.SignatureURL == "" {
		out.SignatureURL = local.SignatureURL
	}
	if out.MerchantAccountID == "" {
		out.MerchantAccountID = local.MerchantAccountID
	}
	return out
}

func (m *TransactionManager) save(ctx context.Context, rec *record.Record) {
	if err := m.store.Save(ctx, rec); err != nil {
		logging.Error(logging.CatStore, "Failed to store record", map[string]any{
			"id":    rec.ID,
			"error": err.Error(),
		})
	}
}

func (m *TransactionManager) publish(ctx context.Context, t notify.EventType, rec *record.Record) {
	if err := m.publisher.Publish(ctx, notify.NewEvent(t, rec.Clone())); err != nil {
		logging.Warn(logging.CatNotify, "Event publish failed", map[string]any{
			"type":  string(t),
			"id":    rec.ID,
			"error": err.Error(),
		})
	}
}

// History lists stored records, newest first.
func (m *TransactionManager) History(ctx context.Context, opts record.ListOptions) ([]*record.Record, error) {
	return m.store.List(ctx, opts)
}

// Record returns a stored record.
func (m *TransactionManager) Record(ctx context.Context, id string) (*record.Record, error) {
	return m.store.Get(ctx, id)
}
