package transaction

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/gateway"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/record"
)

const waitTimeout = 5 * time.Second

type stateUpdate struct {
	state State
	err   error
}

// recorder implements the required callbacks only.
type recorder struct {
	mu       sync.Mutex
	updates  []stateUpdate
	messages []Message
	cards    []core.CardInfo
	cvms     []CVM

	onProcessOption func(*Session, core.CardInfo)
	onCVM           func(*Session, CVM)

	errCh      chan error
	deferredCh chan []byte
	doneCh     chan *record.Record
}

func newRecorder() *recorder {
	return &recorder{
		errCh:      make(chan error, 16),
		deferredCh: make(chan []byte, 1),
		doneCh:     make(chan *record.Record, 1),
	}
}

func (r *recorder) DidUpdateState(s *Session, state State, err error) {
	r.mu.Lock()
	r.updates = append(r.updates, stateUpdate{state, err})
	r.mu.Unlock()
	if err != nil {
		r.errCh <- err
	}
}

func (r *recorder) DidRequestDisplayMessage(s *Session, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) DidRequestProcessOption(s *Session, card core.CardInfo) {
	r.mu.Lock()
	r.cards = append(r.cards, card)
	fn := r.onProcessOption
	r.mu.Unlock()
	if fn != nil {
		fn(s, card)
	}
}

func (r *recorder) DidDefer(s *Session, data []byte) { r.deferredCh <- data }

func (r *recorder) DidRequestCVM(s *Session, cvm CVM) {
	r.mu.Lock()
	r.cvms = append(r.cvms, cvm)
	fn := r.onCVM
	r.mu.Unlock()
	if fn != nil {
		fn(s, cvm)
	}
}

func (r *recorder) DidComplete(s *Session, rec *record.Record) { r.doneCh <- rec }

// transitions returns the states entered. Error reports repeat the current
// state and collapse away.
func (r *recorder) transitions() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, u := range r.updates {
		if len(out) > 0 && out[len(out)-1] == u.state {
			continue
		}
		out = append(out, u.state)
	}
	return out
}

func (r *recorder) cvmList() []CVM {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CVM(nil), r.cvms...)
}

func (r *recorder) lastMessage() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return Message{}
	}
	return r.messages[len(r.messages)-1]
}

func (r *recorder) waitDone(t *testing.T) *record.Record {
	t.Helper()
	select {
	case rec := <-r.doneCh:
		return rec
	case <-time.After(waitTimeout):
		t.Fatal("session did not complete")
		return nil
	}
}

func (r *recorder) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("expected an error report")
		return nil
	}
}

func (r *recorder) waitDeferred(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-r.deferredCh:
		return data
	case <-time.After(waitTimeout):
		t.Fatal("session did not defer")
		return nil
	}
}

// extRecorder also receives the optional callbacks.
type extRecorder struct {
	*recorder

	mu           sync.Mutex
	readers      []core.ReaderInfo
	readerEvents []core.ReaderEvent
	keyedEvents  []core.KeyedEntryEvent
	inputMethods []core.InputMethod
	historical   *record.Historical

	onAIDs       func(*Session, []core.CardAID)
	onAdjustment func(*Session)
}

func newExtRecorder() *extRecorder {
	return &extRecorder{recorder: newRecorder()}
}

func (r *extRecorder) DidUpdateReaders(s *Session, readers []core.ReaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers = readers
}

func (r *extRecorder) DidReceiveReaderEvent(s *Session, event core.ReaderEvent, reader *core.ReaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readerEvents = append(r.readerEvents, event)
}

func (r *extRecorder) DidReceiveKeyedEntryEvent(s *Session, event core.KeyedEntryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyedEvents = append(r.keyedEvents, event)
}

func (r *extRecorder) DidUpdateInputMethods(s *Session, methods []core.InputMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputMethods = methods
}

func (r *extRecorder) DidRequestCardAIDSelection(s *Session, aids []core.CardAID) {
	if r.onAIDs != nil {
		r.onAIDs(s, aids)
	}
}

func (r *extRecorder) DidRequestAdjustment(s *Session) {
	if r.onAdjustment != nil {
		r.onAdjustment(s)
	}
}

func (r *extRecorder) DidCompleteWithHistorical(s *Session, h *record.Historical) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historical = h
}

type countingPublisher struct {
	events chan notify.Event
}

func (p *countingPublisher) Publish(ctx context.Context, ev notify.Event) error {
	p.events <- ev
	return nil
}

func testAccount() *merchant.Account {
	d := gateway.DefaultDetails("acct_test")
	return merchant.NewAccount("acct_test", "key_test", &d)
}

func testConfig(sim *gateway.Simulator, driver core.Driver) Config {
	return Config{
		Gateway: sim,
		Driver:  driver,
		Store:   record.NewMemoryStore(),
		Timeout: waitTimeout,
		Accounts: func(id string) (*merchant.Account, error) {
			if id != "acct_test" {
				return nil, errs.New(errs.CodeNotFound, "unknown account %s", id)
			}
			return testAccount(), nil
		},
	}
}

func saleParams(amt string) Params {
	return Params{
		Kind:    record.TypeSale,
		Amount:  amount.FromString(amt),
		Account: testAccount(),
	}
}

func validKeyed(pan string) core.KeyedCard {
	return core.KeyedCard{
		Number:   pan,
		ExpMonth: 12,
		ExpYear:  time.Now().Year() + 2,
		CVV:      "123",
		Zip:      "94107",
	}
}

func processOnRequest(s *Session, _ core.CardInfo) { s.SelectProcessOption(ProcessOptionProcess) }

func TestNewRejectsBadParams(t *testing.T) {
	sim := gateway.NewSimulator()
	cfg := testConfig(sim, nil)

	tests := []struct {
		name     string
		params   Params
		observer Observer
	}{
		{"nil observer", saleParams("1.00"), nil},
		{"zero amount", saleParams("0"), newRecorder()},
		{"no account", Params{Kind: record.TypeSale, Amount: amount.FromCents(100)}, newRecorder()},
		{"refund kind", Params{Kind: record.TypeRefund, Amount: amount.FromCents(100), Account: testAccount()}, newRecorder()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.params, tt.observer, cfg)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
		})
	}

	_, err := New(saleParams("1.00"), newRecorder(), Config{})
	assert.Error(t, err, "gateway is required")
}

func TestReaderSaleStateSequence(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	driver := core.NewSimulatedDriver()
	card := core.DefaultSimulatedCard()
	driver.AutoPresent = &card
	cfg := testConfig(sim, driver)

	obs := newExtRecorder()
	obs.onProcessOption = processOnRequest

	s, err := New(saleParams("10.00"), obs, cfg)
	require.NoError(t, err)
	defer s.Close()

	readers, err := driver.Readers(context.Background())
	require.NoError(t, err)
	s.SelectReader(readers[0], core.ReaderModelUnknown)

	rec := obs.waitDone(t)
	assert.Equal(t, []State{
		StatePendingTransactionParameters,
		StatePendingCardInput,
		StatePendingProcessOption,
		StateProcessing,
		StateCompleted,
	}, obs.transitions())

	assert.Equal(t, record.ResultApproved, rec.Result)
	assert.Equal(t, record.APIStateCaptured, rec.APIState)
	assert.Equal(t, "10.00", rec.Amount.String())
	assert.Equal(t, s.ID(), rec.SessionID)
	require.NotNil(t, rec.CardInfo)
	assert.Equal(t, core.InputMethodDip, rec.CardInfo.InputMethod)
	assert.Equal(t, "1111", rec.CardInfo.LastFour)
	require.NotNil(t, rec.ReaderInfo)
	assert.Equal(t, core.ReaderModelB250, rec.ReaderInfo.Model)
	assert.Equal(t, "A0000000031010", rec.SDKData["AID"])
	assert.Equal(t, []CVM{CVMNone}, obs.cvmList())

	stored, err := cfg.Store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.historical != nil
	}, waitTimeout, 10*time.Millisecond)

	obs.mu.Lock()
	assert.Contains(t, obs.readerEvents, core.ReaderEventConnected)
	assert.Contains(t, obs.readerEvents, core.ReaderEventCardInserted)
	assert.Contains(t, obs.inputMethods, core.InputMethodDip)
	assert.Contains(t, obs.inputMethods, core.InputMethodKey)
	obs.mu.Unlock()

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, ProcessOptionProcess, s.ProcessOption())
	assert.Equal(t, CVMNone, s.CVM())
	assert.Equal(t, "Approved", s.Message().Primary)
}

func TestProcessOptionOutsideStateKeepsState(t *testing.T) {
	obs := newRecorder()
	s, err := New(saleParams("5.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.SelectProcessOption(ProcessOptionProcess)
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, StatePendingCardInput, s.State())

	obs.mu.Lock()
	last := obs.updates[len(obs.updates)-1]
	obs.mu.Unlock()
	assert.Equal(t, StatePendingCardInput, last.state)
}

func TestKeyedSaleWithSignature(t *testing.T) {
	sim := gateway.NewSimulator()
	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	obs.onCVM = func(s *Session, cvm CVM) {
		if cvm == CVMSignature {
			s.AttachSignature([]byte("\x89PNG\r\n"))
		}
	}

	s, err := New(saleParams("30.00"), obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	assert.Equal(t, record.ResultApproved, rec.Result)
	assert.Equal(t, []CVM{CVMSignature}, obs.cvmList())
	assert.True(t, strings.HasSuffix(rec.SignatureURL, "/signatures/"+rec.ID+".png"))
	require.NotNil(t, rec.AVS)
	assert.Equal(t, record.AVSResultMatch, rec.AVS.Zip)
	assert.Equal(t, core.InputMethodKey, rec.CardInfo.InputMethod)
}

func TestRequireSignatureForKeyedCards(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	obs := newRecorder()
	obs.onProcessOption = processOnRequest

	params := saleParams("3.00")
	params.RequireSignature = true
	s, err := New(params, obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.CVM() == CVMSignature }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, StateCompleted, s.State())

	s.AttachSignature(nil)
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))

	s.AttachSignature([]byte("png"))
	rec := obs.waitDone(t)
	assert.NotEmpty(t, rec.SignatureURL)
}

func TestSignatureUploadRetry(t *testing.T) {
	sim := gateway.NewSimulator()
	obs := newRecorder()
	obs.onProcessOption = processOnRequest

	s, err := New(saleParams("50.00"), obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.CVM() == CVMSignature }, waitTimeout, 10*time.Millisecond)

	sim.FailNext(errs.New(errs.CodeNetwork, "connection reset"))
	s.AttachSignature([]byte("png"))
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeGateway, errs.CodeOf(err))

	s.AttachSignature([]byte("png"))
	rec := obs.waitDone(t)
	assert.NotEmpty(t, rec.SignatureURL)
}

func TestSelectReaderAfterCardCapture(t *testing.T) {
	driver := core.NewSimulatedDriver()
	obs := newRecorder()
	s, err := New(saleParams("2.00"), obs, testConfig(gateway.NewSimulator(), driver))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.State() == StatePendingProcessOption }, waitTimeout, 10*time.Millisecond)

	readers, err := driver.Readers(context.Background())
	require.NoError(t, err)
	s.SelectReader(readers[0], core.ReaderModelUnknown)

	err = obs.waitErr(t)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, StatePendingProcessOption, s.State())
	assert.Nil(t, s.Reader())
}

func TestAttachSignatureBeforeCompleted(t *testing.T) {
	sim := gateway.NewSimulator()
	obs := newRecorder()
	s, err := New(saleParams("40.00"), obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.State() == StatePendingProcessOption }, waitTimeout, 10*time.Millisecond)

	s.AttachSignature([]byte("png"))
	err = obs.waitErr(t)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, StatePendingProcessOption, s.State())
	assert.Empty(t, sim.Records(), "nothing was charged")

	// the amount is over the signature threshold, so one is asked for later
	s.SelectProcessOption(ProcessOptionProcess)
	require.Eventually(t, func() bool { return s.CVM() == CVMSignature }, waitTimeout, 10*time.Millisecond)
	assert.False(t, s.Finished(), "waiting for the signature")
	s.AttachSignature([]byte("png"))
	rec := obs.waitDone(t)
	assert.NotEmpty(t, rec.SignatureURL)
	assert.True(t, s.Finished())
}

func TestSignatureNotRequested(t *testing.T) {
	obs := newRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.AttachSignature([]byte("png"))
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
}

func TestKeyedEntryIncomplete(t *testing.T) {
	obs := newExtRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(core.KeyedCard{Number: "4111"})
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
	assert.Equal(t, StatePendingCardInput, s.State())

	obs.mu.Lock()
	assert.Equal(t, []core.KeyedEntryEvent{core.KeyedEntryEventCardIncomplete}, obs.keyedEvents)
	obs.mu.Unlock()
}

func TestKeyedEntryNotPermitted(t *testing.T) {
	d := gateway.DefaultDetails("acct_nokey")
	d.Permissions.KeyedEntryEnabled = false
	params := saleParams("1.00")
	params.Account = merchant.NewAccount("acct_nokey", "key", &d)

	obs := newRecorder()
	s, err := New(params, obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
	assert.Nil(t, s.CardInfo())
}

func TestDecline(t *testing.T) {
	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	s, err := New(saleParams("30.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestDeclinePAN))
	rec := obs.waitDone(t)

	assert.Equal(t, record.ResultDeclined, rec.Result)
	assert.Empty(t, obs.cvmList())
	assert.Equal(t, "Declined", obs.lastMessage().Primary)
	assert.Equal(t, "Do not honor", rec.Historical().DeclineMessage)
}

func TestGatewayErrorCompletesWithError(t *testing.T) {
	sim := gateway.NewSimulator()
	sim.FailNext(errs.New(errs.CodeNetwork, "gateway unreachable"))

	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	s, err := New(saleParams("2.00"), obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	assert.Equal(t, record.ResultErrored, rec.Result)
	assert.Equal(t, record.APIStateErrored, rec.APIState)
	assert.Contains(t, rec.Error, "gateway unreachable")

	obs.mu.Lock()
	last := obs.updates[len(obs.updates)-1]
	obs.mu.Unlock()
	assert.Equal(t, StateCompleted, last.state)
	assert.Equal(t, errs.CodeNetwork, errs.CodeOf(last.err))
}

func TestAbort(t *testing.T) {
	obs := newRecorder()
	obs.onProcessOption = func(s *Session, _ core.CardInfo) { s.SelectProcessOption(ProcessOptionAbort) }
	cfg := testConfig(gateway.NewSimulator(), nil)

	s, err := New(saleParams("2.00"), obs, cfg)
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	assert.Equal(t, record.ResultAborted, rec.Result)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, ProcessOptionAbort, s.ProcessOption())

	list, err := cfg.Store.List(context.Background(), record.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeferAndResume(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	cfg := testConfig(sim, nil)

	obs := newRecorder()
	obs.onProcessOption = func(s *Session, _ core.CardInfo) { s.SelectProcessOption(ProcessOptionDefer) }

	params := saleParams("12.34")
	params.Metadata = map[string]string{"order": "42"}
	s, err := New(params, obs, cfg)
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	data := obs.waitDeferred(t)
	require.Eventually(t, func() bool { return s.State() == StateDeferred }, waitTimeout, 10*time.Millisecond)
	assert.NotEmpty(t, data)
	assert.Empty(t, sim.Records(), "deferring must not reach the gateway")

	resumedObs := newRecorder()
	resumed, err := Resume(data, resumedObs, cfg, Amendment{})
	require.NoError(t, err)
	defer resumed.Close()

	rec := resumedObs.waitDone(t)
	assert.Equal(t, []State{StateProcessing, StateCompleted}, resumedObs.transitions())
	assert.Equal(t, s.ID(), resumed.ID())
	assert.Equal(t, record.ResultApproved, rec.Result)
	assert.Equal(t, "12.34", rec.Amount.String())
	assert.Equal(t, "42", rec.Metadata["order"])
	assert.Equal(t, "1111", rec.CardInfo.LastFour)
	assert.True(t, resumed.Finished())
}

func TestResumeAmendment(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	cfg := testConfig(sim, nil)

	params := saleParams("6.00")
	params.CallbackURL = "https://example.com/old"
	params.Metadata = map[string]string{"order": "42"}
	capture := validKeyed(core.TestVisaPAN).Capture()
	data, err := encodeDeferred("sess-amend", params, capture, nil, time.Now())
	require.NoError(t, err)

	obs := newRecorder()
	s, err := Resume(data, obs, cfg, Amendment{
		CallbackURL: "https://example.com/new",
		Metadata:    map[string]string{"lane": "2"},
	})
	require.NoError(t, err)
	defer s.Close()

	rec := obs.waitDone(t)
	assert.Equal(t, "https://example.com/new", rec.CallbackURL)
	assert.Equal(t, map[string]string{"order": "42", "lane": "2"}, rec.Metadata)
	assert.Equal(t, map[string]string{"order": "42"}, params.Metadata, "caller metadata untouched")
}

func TestResumeResolvesAccount(t *testing.T) {
	capture := validKeyed(core.TestVisaPAN).Capture()
	data, err := encodeDeferred("sess-acct", saleParams("6.00"), capture, nil, time.Now())
	require.NoError(t, err)

	cfg := testConfig(gateway.NewSimulator(), nil)
	cfg.Accounts = nil
	_, err = Resume(data, newRecorder(), cfg, Amendment{})
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err), "no resolver")

	cfg.Accounts = func(string) (*merchant.Account, error) {
		return nil, errs.New(errs.CodeInvalidCredentials, "revoked")
	}
	_, err = Resume(data, newRecorder(), cfg, Amendment{})
	assert.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err))
}

func TestDeferredCodec(t *testing.T) {
	keyed := validKeyed(core.TestMastercardPAN)
	keyed.CVV = "7391"
	keyed.Street = "1 Infinite Loop"
	capture := keyed.Capture()
	params := saleParams("9.99")
	params.QuickChip = true
	params.CustomerID = "cus_1"
	reader := &core.ReaderInfo{Name: "Simulated B250", Model: core.ReaderModelB250}
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	data, err := encodeDeferred("sess-1", params, capture, reader, at)
	require.NoError(t, err)

	st, err := decodeDeferred(data)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", st.sessionID)
	assert.Equal(t, record.TypeSale, st.params.Kind)
	assert.True(t, st.params.Amount.Equal(amount.FromString("9.99")))
	assert.True(t, st.params.QuickChip)
	assert.Equal(t, "cus_1", st.params.CustomerID)
	assert.Equal(t, "acct_test", st.accountID)
	assert.Nil(t, st.params.Account)
	assert.Equal(t, core.TestMastercardPAN, st.capture.PAN)
	assert.Equal(t, "94107", st.capture.Zip)
	assert.Empty(t, st.capture.CVV)
	assert.Empty(t, st.capture.Street)
	assert.Equal(t, "7391", capture.CVV, "the live capture keeps its CVV")
	assert.NotContains(t, string(data), "key_test")
	assert.NotContains(t, string(data), "7391")
	assert.NotContains(t, string(data), "Infinite Loop")
	assert.Equal(t, core.ReaderModelB250, st.reader.Model)
	assert.True(t, at.Equal(st.deferredAt))

	_, err = encodeDeferred("sess-1", params, nil, nil, at)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))

	bad := [][]byte{
		nil,
		[]byte("nope"),
		append([]byte("CFDT"), 9),
		append([]byte("CFDT"), deferredVersion, 0xff, 0x00),
	}
	for _, b := range bad {
		_, err := decodeDeferred(b)
		assert.Equal(t, errs.CodeDeferred, errs.CodeOf(err), "%x", b)
	}

	_, err = Resume([]byte("garbage"), newRecorder(), testConfig(gateway.NewSimulator(), nil), Amendment{})
	assert.Equal(t, errs.CodeDeferred, errs.CodeOf(err))
}

func TestUnreachableRefusesProcess(t *testing.T) {
	cfg := testConfig(gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero)), nil)
	cfg.Reachability = ReachabilityNone

	obs := newRecorder()
	s, err := New(saleParams("4.00"), obs, cfg)
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.State() == StatePendingProcessOption }, waitTimeout, 10*time.Millisecond)

	s.SelectProcessOption(ProcessOptionProcess)
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	assert.Equal(t, StatePendingProcessOption, s.State())

	s.UpdateReachability(ReachabilityFull)
	s.SelectProcessOption(ProcessOptionProcess)
	rec := obs.waitDone(t)
	assert.Equal(t, record.ResultApproved, rec.Result)
	assert.Equal(t, ReachabilityFull, s.Reachability())
}

func TestAIDSelection(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	driver := core.NewSimulatedDriver()
	card := core.DefaultSimulatedCard()
	card.AIDs = []core.CardAID{
		{AID: "A0000000031010", Label: "VISA CREDIT", Priority: 1},
		{AID: "A0000000980840", Label: "US DEBIT", Priority: 2},
	}
	driver.AutoPresent = &card

	obs := newExtRecorder()
	obs.onProcessOption = processOnRequest
	var offered []core.CardAID
	obs.onAIDs = func(s *Session, aids []core.CardAID) {
		offered = aids
		s.SelectCardAID("A0000000980840")
	}

	s, err := New(saleParams("8.00"), obs, testConfig(sim, driver))
	require.NoError(t, err)
	defer s.Close()

	s.SelectReader(core.ReaderInfo{Name: "Simulated B250"}, core.ReaderModelB250)
	rec := obs.waitDone(t)

	assert.Len(t, offered, 2)
	require.NotNil(t, rec.CardInfo.EMV)
	assert.Equal(t, "A0000000980840", rec.CardInfo.EMV.ApplicationID)
	assert.Equal(t, "US DEBIT", rec.CardInfo.EMV.ApplicationLabel)
}

func TestAIDSelectionAutomaticWithoutExtendedObserver(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	driver := core.NewSimulatedDriver()
	card := core.DefaultSimulatedCard()
	card.AIDs = []core.CardAID{
		{AID: "A0000000031010", Label: "VISA CREDIT"},
		{AID: "A0000000980840", Label: "US DEBIT"},
	}
	driver.AutoPresent = &card

	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	s, err := New(saleParams("8.00"), obs, testConfig(sim, driver))
	require.NoError(t, err)
	defer s.Close()

	s.SelectReader(core.ReaderInfo{Name: "Simulated B250"}, core.ReaderModelUnknown)
	rec := obs.waitDone(t)
	assert.Equal(t, "A0000000031010", rec.CardInfo.EMV.ApplicationID)
}

func TestSelectCardAIDWithoutOffer(t *testing.T) {
	obs := newRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.SelectCardAID("A0000000031010")
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
}

func TestDipRejectedWhenNotPermitted(t *testing.T) {
	d := gateway.DefaultDetails("acct_swipe")
	d.Permissions.DipEnabledReaders = nil
	params := saleParams("1.00")
	params.Account = merchant.NewAccount("acct_swipe", "key", &d)

	driver := core.NewSimulatedDriver()
	card := core.DefaultSimulatedCard()
	driver.AutoPresent = &card

	obs := newExtRecorder()
	s, err := New(params, obs, testConfig(gateway.NewSimulator(), driver))
	require.NoError(t, err)
	defer s.Close()

	s.SelectReader(core.ReaderInfo{Name: "Simulated B250"}, core.ReaderModelUnknown)
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
	assert.Equal(t, StatePendingCardInput, s.State())
	assert.Nil(t, s.CardInfo())

	obs.mu.Lock()
	assert.NotContains(t, obs.inputMethods, core.InputMethodDip)
	obs.mu.Unlock()
}

func TestReaderOpenFailure(t *testing.T) {
	driver := core.NewSimulatedDriver().WithOpenError(assert.AnError)
	obs := newExtRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), driver))
	require.NoError(t, err)
	defer s.Close()

	s.SelectReader(core.ReaderInfo{Name: "Simulated B250"}, core.ReaderModelUnknown)
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeReader, errs.CodeOf(err))

	obs.mu.Lock()
	assert.Equal(t, []core.ReaderEvent{core.ReaderEventConnectionErrored}, obs.readerEvents)
	obs.mu.Unlock()
}

func TestScanReaders(t *testing.T) {
	obs := newExtRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), core.NewSimulatedDriver()))
	require.NoError(t, err)
	defer s.Close()

	s.ScanReaders()
	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.readers) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestAdjustmentAddsTip(t *testing.T) {
	sim := gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero))
	obs := newExtRecorder()
	obs.onProcessOption = processOnRequest
	obs.onAdjustment = func(s *Session) {
		s.AttachAdjustment(Adjustment{TipAmount: amount.FromString("2.50"), Metadata: map[string]string{"tip": "yes"}})
	}

	params := saleParams("10.00")
	params.AdjustmentEnabled = true
	s, err := New(params, obs, testConfig(sim, nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	assert.Equal(t, "12.50", rec.Amount.String())
	assert.Equal(t, "yes", rec.Metadata["tip"])
	require.NotNil(t, s.Adjustment())
	assert.Equal(t, "2.50", s.Adjustment().TipAmount.String())
}

func TestAdjustmentNotRequested(t *testing.T) {
	obs := newRecorder()
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.AttachAdjustment(Adjustment{TipAmount: amount.FromCents(100)})
	err = obs.waitErr(t)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
}

func TestTokenization(t *testing.T) {
	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	params := Params{Kind: record.TypeTokenization, Account: testAccount(), CustomerID: "cus_9"}

	s, err := New(params, obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	assert.Equal(t, record.TypeTokenization, rec.Type)
	assert.True(t, strings.HasPrefix(rec.CardToken, "tok_"))
	assert.Equal(t, "cus_9", rec.CustomerID)
	assert.Empty(t, obs.cvmList())
}

func TestCompletionIsPublished(t *testing.T) {
	pub := &countingPublisher{events: make(chan notify.Event, 1)}
	cfg := testConfig(gateway.NewSimulator(gateway.WithSignatureThreshold(amount.Zero)), nil)
	cfg.Publisher = pub

	obs := newRecorder()
	obs.onProcessOption = processOnRequest
	s, err := New(saleParams("1.00"), obs, cfg)
	require.NoError(t, err)
	defer s.Close()

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	rec := obs.waitDone(t)

	select {
	case ev := <-pub.events:
		assert.Equal(t, notify.EventCompleted, ev.Type)
		assert.Equal(t, rec.ID, ev.Record.ID)
	case <-time.After(waitTimeout):
		t.Fatal("completion was not published")
	}
}

func TestCloseFromCallback(t *testing.T) {
	obs := newRecorder()
	obs.onProcessOption = func(s *Session, _ core.CardInfo) {
		s.Close()
		s.SelectProcessOption(ProcessOptionProcess)
	}
	s, err := New(saleParams("1.00"), obs, testConfig(gateway.NewSimulator(), nil))
	require.NoError(t, err)

	s.UseKeyedCard(validKeyed(core.TestVisaPAN))
	require.Eventually(t, func() bool { return s.State() == StatePendingProcessOption }, waitTimeout, 10*time.Millisecond)

	select {
	case <-obs.doneCh:
		t.Fatal("closed session must not complete")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StatePendingProcessOption, s.State())
	s.Close()
}
