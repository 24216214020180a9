package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/gateway"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

const waitTimeout = 5 * time.Second

// sessionObserver processes as soon as it is asked and reports the result.
type sessionObserver struct {
	transaction.BaseObserver
	option   transaction.ProcessOption
	done     chan *record.Record
	deferred chan []byte
}

func newSessionObserver(option transaction.ProcessOption) *sessionObserver {
	return &sessionObserver{option: option, done: make(chan *record.Record, 1), deferred: make(chan []byte, 1)}
}

func (o *sessionObserver) DidUpdateState(*transaction.Session, transaction.State, error)      {}
func (o *sessionObserver) DidRequestDisplayMessage(*transaction.Session, transaction.Message) {}
func (o *sessionObserver) DidRequestCVM(*transaction.Session, transaction.CVM)                {}
func (o *sessionObserver) DidDefer(_ *transaction.Session, data []byte)                       { o.deferred <- data }
func (o *sessionObserver) DidComplete(_ *transaction.Session, rec *record.Record)             { o.done <- rec }

func (o *sessionObserver) DidRequestProcessOption(s *transaction.Session, _ core.CardInfo) {
	s.SelectProcessOption(o.option)
}

func (o *sessionObserver) wait(t *testing.T) *record.Record {
	t.Helper()
	select {
	case rec := <-o.done:
		return rec
	case <-time.After(waitTimeout):
		t.Fatal("session did not complete")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(ctx context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []notify.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.EventType
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func keyedCard() core.KeyedCard {
	return core.KeyedCard{
		Number:   core.TestVisaPAN,
		ExpMonth: 1,
		ExpYear:  time.Now().Year() + 3,
		CVV:      "999",
		Zip:      "10001",
	}
}

func setup(t *testing.T) (*TransactionManager, *gateway.Simulator, *eventLog) {
	t.Helper()
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	events := &eventLog{}
	m, err := New(Config{Gateway: sim, Publisher: events, Timeout: waitTimeout})
	require.NoError(t, err)
	return m, sim, events
}

func newAccount(t *testing.T, m *TransactionManager) *merchant.Account {
	t.Helper()
	acct, err := m.Merchants().Create("acct_1", "key_1")
	require.NoError(t, err)
	require.NoError(t, m.Merchants().ValidateSync(context.Background(), acct))
	return acct
}

// runSale drives a keyed sale or auth to completion.
func runSale(t *testing.T, m *TransactionManager, acct *merchant.Account, kind record.Type, amt string) *record.Record {
	t.Helper()
	obs := newSessionObserver(transaction.ProcessOptionProcess)
	var (
		s   *transaction.Session
		err error
	)
	if kind == record.TypeAuthorization {
		s, err = m.CreateAuth(amount.FromString(amt), acct, obs)
	} else {
		s, err = m.CreateSale(amount.FromString(amt), acct, obs)
	}
	require.NoError(t, err)
	defer s.Close()
	s.UseKeyedCard(keyedCard())
	return obs.wait(t)
}

func TestNewRequiresGateway(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestCreateSynchronousErrors(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	obs := newSessionObserver(transaction.ProcessOptionProcess)

	_, err := m.CreateSale(amount.FromCents(100), acct, nil)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err), "nil observer")

	_, err = m.CreateSale(amount.FromCents(100), nil, obs)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err), "nil account")

	_, err = m.CreateSale(amount.Zero, acct, obs)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err), "zero amount")

	_, err = m.CreateAuth(amount.FromString("-3"), acct, obs)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err), "negative clamps to zero")

	bad, err := m.Merchants().Create("acct_2", "invalid_key")
	require.NoError(t, err)
	require.Error(t, m.Merchants().ValidateSync(context.Background(), bad))
	_, err = m.CreateSale(amount.FromCents(100), bad, obs)
	assert.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err), "rejected account")
}

func TestSaleThenVoid(t *testing.T) {
	m, _, events := setup(t)
	acct := newAccount(t, m)

	rec := runSale(t, m, acct, record.TypeSale, "20.00")
	require.Equal(t, record.ResultApproved, rec.Result)

	done := make(chan error, 1)
	m.Void(rec, func(ok bool, err error) {
		assert.Equal(t, err == nil, ok)
		done <- err
	})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("void did not complete")
	}
	assert.Equal(t, record.APIStateVoided, rec.APIState)

	stored, err := m.Record(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.APIStateVoided, stored.APIState)

	assert.Eventually(t, func() bool { return len(events.types()) == 2 }, waitTimeout, 10*time.Millisecond)
	assert.ElementsMatch(t, []notify.EventType{notify.EventCompleted, notify.EventVoided}, events.types())

	// a voided sale cannot be voided again, and the record stays as it is
	before := rec.Clone()
	err = m.VoidSync(context.Background(), rec)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, cmp.Diff(before, rec))
}

func TestAuthCaptureRefund(t *testing.T) {
	m, _, events := setup(t)
	acct := newAccount(t, m)
	ctx := context.Background()

	rec := runSale(t, m, acct, record.TypeAuthorization, "40.00")
	require.Equal(t, record.APIStateAuthorized, rec.APIState)

	before := rec.Clone()
	err := m.CaptureSync(ctx, rec, amount.FromString("40.01"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, cmp.Diff(before, rec), "failed capture must not change the record")

	refund, err := m.RefundSync(ctx, rec, amount.FromString("1.00"))
	assert.ErrorIs(t, err, errs.ErrInvalidState, "authorized but not captured")
	assert.Nil(t, refund)
	assert.Empty(t, cmp.Diff(before, rec), "failed refund must not change the record")

	require.NoError(t, m.CaptureSync(ctx, rec, amount.FromString("30.00")))
	assert.Equal(t, record.APIStateCaptured, rec.APIState)
	assert.Equal(t, "30.00", rec.CapturedAmount.String())

	captured := rec.Clone()
	_, err = m.RefundSync(ctx, rec, amount.FromString("30.01"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, cmp.Diff(captured, rec), "refund over the captured amount must not change the record")

	_, err = m.RefundSync(ctx, rec, amount.Zero)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, cmp.Diff(captured, rec))

	refund, err = m.RefundSync(ctx, rec, amount.FromString("10.00"))
	require.NoError(t, err)
	assert.Equal(t, record.TypeRefund, refund.Type)
	assert.Equal(t, rec.ID, refund.ParentID)
	assert.Equal(t, "20.00", rec.RefundableAmount().String())

	_, err = m.RefundSync(ctx, rec, amount.FromString("20.00"))
	require.NoError(t, err)
	assert.Equal(t, record.APIStateRefunded, rec.APIState)
	assert.True(t, rec.RefundableAmount().IsZero())

	refunded := rec.Clone()
	_, err = m.RefundSync(ctx, rec, amount.FromString("0.01"))
	assert.ErrorIs(t, err, errs.ErrInvalidState, "nothing left to refund")
	assert.Empty(t, cmp.Diff(refunded, rec))

	list, err := m.History(ctx, record.ListOptions{ParentID: rec.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Contains(t, events.types(), notify.EventCaptured)
	assert.Contains(t, events.types(), notify.EventRefunded)
}

func TestRefundCompletion(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	rec := runSale(t, m, acct, record.TypeSale, "5.00")

	type result struct {
		rec *record.Record
		err error
	}
	done := make(chan result, 1)
	m.Refund(rec, amount.FromString("5.00"), func(r *record.Record, err error) { done <- result{r, err} })

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "5.00", res.rec.Amount.String())
		assert.Equal(t, rec.ID, res.rec.ParentID)
	case <-time.After(waitTimeout):
		t.Fatal("refund did not complete")
	}
}

func TestActionsNeedRegisteredAccount(t *testing.T) {
	m, _, _ := setup(t)
	rec := &record.Record{
		ID:                "ch_1",
		Type:              record.TypeSale,
		APIState:          record.APIStateCaptured,
		Amount:            amount.FromCents(500),
		MerchantAccountID: "acct_unknown",
	}
	err := m.VoidSync(context.Background(), rec)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestFetchAndRefresh(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	ctx := context.Background()
	rec := runSale(t, m, acct, record.TypeAuthorization, "15.00")

	fetched, err := m.FetchSync(ctx, rec.ID, acct)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, fetched.ID)
	assert.Equal(t, record.APIStateAuthorized, fetched.APIState)

	_, err = m.FetchSync(ctx, "", acct)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	// capture on a copy, then refresh the original
	other := rec.Clone()
	require.NoError(t, m.CaptureSync(ctx, other, amount.FromString("15.00")))
	assert.Equal(t, record.APIStateAuthorized, rec.APIState)

	require.NoError(t, m.RefreshSync(ctx, rec))
	assert.Equal(t, record.APIStateCaptured, rec.APIState)
	assert.NotNil(t, rec.CardInfo)

	h := make(chan *record.Historical, 1)
	m.FetchHistorical(rec.ID, acct, func(hist *record.Historical, err error) {
		assert.NoError(t, err)
		h <- hist
	})
	select {
	case hist := <-h:
		assert.Equal(t, rec.ID, hist.UUID)
	case <-time.After(waitTimeout):
		t.Fatal("historical fetch did not complete")
	}
}

func TestTokenizationSetsCustomer(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	obs := newSessionObserver(transaction.ProcessOptionProcess)

	s, err := m.CreateTokenization(acct, "cus_42", obs, WithMetadata(map[string]string{"src": "test"}))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "cus_42", s.Params().CustomerID)

	s.UseKeyedCard(keyedCard())
	rec := obs.wait(t)
	assert.Equal(t, "cus_42", rec.CustomerID)
	assert.Equal(t, "test", rec.Metadata["src"])
	assert.NotEmpty(t, rec.CardToken)
}

func TestOptionsReachSession(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	obs := newSessionObserver(transaction.ProcessOptionProcess)
	driver := core.NewSimulatedDriver()

	s, err := m.CreateSale(amount.FromCents(100), acct, obs,
		WithCallbackURL("https://example.com/hook"),
		WithMetadata(map[string]string{"a": "1"}),
		WithMetadata(map[string]string{"b": "2"}),
		WithSignatureRequired(),
		WithQuickChip(),
		WithAdjustment(),
		WithReader(driver),
	)
	require.NoError(t, err)
	defer s.Close()

	p := s.Params()
	assert.Equal(t, "https://example.com/hook", p.CallbackURL)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, p.Metadata)
	assert.True(t, p.RequireSignature)
	assert.True(t, p.QuickChip)
	assert.True(t, p.AdjustmentEnabled)
}

func TestResumeDeferredUsesRegisteredAccount(t *testing.T) {
	m, sim, _ := setup(t)
	acct := newAccount(t, m)

	obs := newSessionObserver(transaction.ProcessOptionDefer)
	s, err := m.CreateSale(amount.FromString("7.00"), acct, obs)
	require.NoError(t, err)
	s.UseKeyedCard(keyedCard())

	var data []byte
	select {
	case data = <-obs.deferred:
	case <-time.After(waitTimeout):
		t.Fatal("session did not defer")
	}
	s.Close()
	assert.Empty(t, sim.Records())

	resumedObs := newSessionObserver(transaction.ProcessOptionProcess)
	resumed, err := m.ResumeDeferred(data, resumedObs)
	require.NoError(t, err)
	defer resumed.Close()

	assert.Same(t, acct, resumed.Params().Account)
	rec := resumedObs.wait(t)
	assert.Equal(t, record.ResultApproved, rec.Result)
	assert.Equal(t, s.ID(), rec.SessionID)

	_, err = m.ResumeDeferred([]byte("not deferred"), resumedObs)
	assert.Equal(t, errs.CodeDeferred, errs.CodeOf(err))
}

// deferSale defers a keyed sale under acct and returns the deferred data.
func deferSale(t *testing.T, m *TransactionManager, acct *merchant.Account, opts ...Option) []byte {
	t.Helper()
	obs := newSessionObserver(transaction.ProcessOptionDefer)
	s, err := m.CreateSale(amount.FromString("7.00"), acct, obs, opts...)
	require.NoError(t, err)
	defer s.Close()
	s.UseKeyedCard(keyedCard())

	select {
	case data := <-obs.deferred:
		return data
	case <-time.After(waitTimeout):
		t.Fatal("session did not defer")
		return nil
	}
}

func TestResumeDeferredAmendsCallbackAndMetadata(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	data := deferSale(t, m, acct,
		WithCallbackURL("https://example.com/old"),
		WithMetadata(map[string]string{"order": "42", "lane": "1"}),
	)

	obs := newSessionObserver(transaction.ProcessOptionProcess)
	resumed, err := m.ResumeDeferred(data, obs,
		WithCallbackURL("https://example.com/new"),
		WithMetadata(map[string]string{"lane": "3"}),
	)
	require.NoError(t, err)
	defer resumed.Close()

	rec := obs.wait(t)
	assert.Equal(t, "https://example.com/new", rec.CallbackURL)
	assert.Equal(t, map[string]string{"order": "42", "lane": "3"}, rec.Metadata)

	stored, err := m.Record(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", stored.CallbackURL)
}

func TestResumeDeferredKeepsDeferredParams(t *testing.T) {
	m, _, _ := setup(t)
	acct := newAccount(t, m)
	data := deferSale(t, m, acct, WithCallbackURL("https://example.com/hook"))

	obs := newSessionObserver(transaction.ProcessOptionProcess)
	resumed, err := m.ResumeDeferred(data, obs)
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, "https://example.com/hook", obs.wait(t).CallbackURL)
}

func TestResumeDeferredRejectsFlowOptions(t *testing.T) {
	m, sim, _ := setup(t)
	acct := newAccount(t, m)
	data := deferSale(t, m, acct)

	for name, opt := range map[string]Option{
		"signature":  WithSignatureRequired(),
		"quick chip": WithQuickChip(),
		"adjustment": WithAdjustment(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.ResumeDeferred(data, newSessionObserver(transaction.ProcessOptionProcess), opt)
			assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
		})
	}
	assert.Empty(t, sim.Records())
}

func TestResumeDeferredChecksAccount(t *testing.T) {
	m, sim, _ := setup(t)
	acct := newAccount(t, m)
	data := deferSale(t, m, acct)
	obs := newSessionObserver(transaction.ProcessOptionProcess)

	other, err := m.Merchants().Create("acct_other", "key_other")
	require.NoError(t, err)
	_, err = m.ResumeDeferred(data, obs, WithAccount(other))
	assert.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err), "deferred under another account")

	// the key was revoked after the sale was deferred
	sim.FailNext(errs.New(errs.CodeInvalidCredentials, "invalid api key"))
	require.Error(t, m.Merchants().ValidateSync(context.Background(), acct))
	_, err = m.ResumeDeferred(data, obs)
	assert.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err))
	_, err = m.ResumeDeferred(data, obs, WithAccount(acct))
	assert.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err))
	assert.Empty(t, sim.Records(), "nothing was charged")

	fresh, _, _ := setup(t)
	_, err = fresh.ResumeDeferred(data, obs)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err), "account unknown to this manager")
}

func TestCapabilities(t *testing.T) {
	m, _, _ := setup(t)
	acct, err := m.Merchants().Create("acct_caps", "key")
	require.NoError(t, err)

	got := make(chan []merchant.Capability, 1)
	m.Capabilities(acct, func(c []merchant.Capability) { got <- c })
	select {
	case caps := <-got:
		assert.Contains(t, caps, merchant.CapabilityDip)
		assert.Contains(t, caps, merchant.CapabilityKeyedEntry)
	case <-time.After(waitTimeout):
		t.Fatal("capabilities did not complete")
	}
}

func TestReachabilityDefault(t *testing.T) {
	m, _, _ := setup(t)
	assert.Equal(t, transaction.ReachabilityFull, m.Reachability())
	m.SetReachability(transaction.ReachabilityNone)
	assert.Equal(t, transaction.ReachabilityNone, m.Reachability())

	acct := newAccount(t, m)
	s, err := m.CreateSale(amount.FromCents(100), acct, newSessionObserver(transaction.ProcessOptionProcess))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, transaction.ReachabilityNone, s.Reachability())
}
