package transaction

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/gateway"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/record"
)

// DefaultTimeout bounds each gateway and reader call made by a session.
const DefaultTimeout = 60 * time.Second

// Config holds the collaborators a session works with.
type Config struct {
	Gateway gateway.Gateway
	// Driver is nil when only keyed entry is available.
	Driver core.Driver
	// Store, when set, receives every finished record.
	Store record.Store
	// Publisher, when set, is told about every finished record.
	Publisher    notify.Publisher
	Reachability Reachability
	Timeout      time.Duration
	// Accounts resolves the merchant account named in deferred data.
	// Deferred data carries no credentials, so Resume fails without it.
	Accounts func(id string) (*merchant.Account, error)
}

// Session is one payment flow. Every host action returns immediately; the
// outcome arrives through the Observer. A session is driven by a single
// goroutine until it finishes or Close is called.
type Session struct {
	id       string
	params   Params
	observer Observer
	extended ExtendedObserver
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	// mailbox
	qmu       sync.Mutex
	queue     []func()
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// snapshot for the accessors, written by the loop
	mu           sync.RWMutex
	state        State
	reader       *core.ReaderInfo
	card         *core.CardInfo
	option       ProcessOption
	cvm          CVM
	adjustment   *Adjustment
	message      Message
	reachability Reachability
	rec          *record.Record
	handedOff    bool

	// owned by the loop goroutine
	conn               core.Connection
	capture            *core.CardCapture
	pendingAIDs        *core.CardCapture
	aidSelected        bool
	inputMethods       []core.InputMethod
	adjustmentPending  bool
	signaturePending   bool
	signatureUploading bool
	finished           bool
}

// New starts a session for params. Synchronous errors mean the flow could
// not be started at all; everything later is reported to observer.
func New(params Params, observer Observer, cfg Config) (*Session, error) {
	if err := validate(params, observer, cfg); err != nil {
		return nil, err
	}
	s := newSession(uuid.NewString(), params, observer, cfg)
	s.post(s.start)
	go s.run()
	return s, nil
}

// Amendment changes a deferred transaction when it is resumed. Empty fields
// keep the deferred values; Metadata is merged over the deferred metadata.
type Amendment struct {
	CallbackURL string
	Metadata    map[string]string
}

func (a Amendment) apply(p *Params) {
	if a.CallbackURL != "" {
		p.CallbackURL = a.CallbackURL
	}
	if len(a.Metadata) > 0 {
		md := maps.Clone(p.Metadata)
		if md == nil {
			md = make(map[string]string, len(a.Metadata))
		}
		maps.Copy(md, a.Metadata)
		p.Metadata = md
	}
}

// Resume rebuilds a deferred session from the data passed to DidDefer. The
// new session continues from Processing.
func Resume(data []byte, observer Observer, cfg Config, amend Amendment) (*Session, error) {
	st, err := decodeDeferred(data)
	if err != nil {
		return nil, err
	}
	if cfg.Accounts == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "no merchant account resolver to resume with")
	}
	acct, err := cfg.Accounts(st.accountID)
	if err != nil {
		return nil, err
	}
	st.params.Account = acct
	amend.apply(&st.params)
	return resume(st, observer, cfg)
}

func resume(st *deferredState, observer Observer, cfg Config) (*Session, error) {
	if err := validate(st.params, observer, cfg); err != nil {
		return nil, err
	}
	s := newSession(st.sessionID, st.params, observer, cfg)
	s.capture = st.capture
	card := st.capture.Card
	s.card = &card
	s.reader = st.reader
	s.post(s.startResumed)
	go s.run()

	logging.Info(logging.CatSession, "Resuming deferred transaction", map[string]any{
		"session":    s.id,
		"deferredAt": st.deferredAt.Format(time.RFC3339),
	})
	return s, nil
}

func validate(params Params, observer Observer, cfg Config) error {
	if observer == nil {
		return errs.New(errs.CodeInvalidArgument, "observer is required")
	}
	if cfg.Gateway == nil {
		return errs.New(errs.CodeInvalidArgument, "gateway is required")
	}
	return params.Validate()
}

func newSession(id string, params Params, observer Observer, cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		params:       params.clone(),
		observer:     observer,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		reachability: cfg.Reachability,
	}
	s.extended, _ = observer.(ExtendedObserver)
	return s
}

// ID identifies the session. A resumed session keeps the id of the session
// that deferred.
func (s *Session) ID() string { return s.id }

// Params returns a copy of the session parameters.
func (s *Session) Params() Params { return s.params.clone() }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reader is the selected reader, if any.
func (s *Session) Reader() *core.ReaderInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return nil
	}
	r := *s.reader
	return &r
}

// CardInfo is the captured card, if any.
func (s *Session) CardInfo() *core.CardInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.card == nil {
		return nil
	}
	c := *s.card
	return &c
}

func (s *Session) ProcessOption() ProcessOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.option
}

func (s *Session) CVM() CVM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cvm
}

// Adjustment is the attached adjustment, if any.
func (s *Session) Adjustment() *Adjustment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.adjustment == nil {
		return nil
	}
	a := *s.adjustment
	return &a
}

// Message is the last display message.
func (s *Session) Message() Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.message
}

func (s *Session) Reachability() Reachability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reachability
}

// Record is the result once the gateway answered.
func (s *Session) Record() *record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone()
}

// Finished reports whether the session has handed its outcome to the
// observer through DidComplete or DidDefer. A Completed session waiting
// for a signature is not finished.
func (s *Session) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handedOff
}

func (s *Session) handOff() {
	s.mu.Lock()
	s.handedOff = true
	s.mu.Unlock()
}

// Close stops the session and releases its reader. No callback follows
// and an unfinished transaction is simply abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// post queues fn to run on the loop goroutine. It never blocks.
func (s *Session) post(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() func() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn
}

func (s *Session) run() {
	defer logging.RecoverAndLog("transaction session", false)
	defer s.releaseReader()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for fn := s.next(); fn != nil; fn = s.next() {
			s.dispatch(fn)
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// dispatch runs one action. A panic, in the session or in an observer
// callback, is logged and the loop carries on.
func (s *Session) dispatch(fn func()) {
	defer logging.RecoverAndLog("transaction session "+s.id, false)
	fn()
}

// async runs work off the loop and posts its continuation back.
func (s *Session) async(name string, work func(ctx context.Context) func()) {
	go func() {
		defer logging.RecoverAndLog(name, false)
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		defer cancel()
		if then := work(ctx); then != nil {
			s.post(then)
		}
	}()
}

// Host actions

// ScanReaders looks for readers and reports them to DidUpdateReaders.
func (s *Session) ScanReaders() {
	s.post(func() {
		if s.cfg.Driver == nil {
			s.fail(errs.New(errs.CodeReader, "no reader driver configured"))
			return
		}
		driver := s.cfg.Driver
		s.async("scan readers", func(ctx context.Context) func() {
			readers, err := driver.Readers(ctx)
			return func() {
				if err != nil {
					s.fail(errs.Wrap(errs.CodeReader, err, "reader scan failed"))
					return
				}
				if s.extended != nil {
					s.extended.DidUpdateReaders(s, readers)
				}
			}
		})
	})
}

// SelectReader connects to reader. model, when known, overrides the model
// reported by the driver. Only allowed before a card has been read.
func (s *Session) SelectReader(reader core.ReaderInfo, model core.ReaderModel) {
	s.post(func() { s.selectReader(reader, model) })
}

// SelectProcessOption answers DidRequestProcessOption.
func (s *Session) SelectProcessOption(option ProcessOption) {
	s.post(func() { s.selectProcessOption(option) })
}

// SelectCardAID answers DidRequestCardAIDSelection.
func (s *Session) SelectCardAID(aid string) {
	s.post(func() { s.selectCardAID(aid) })
}

// AttachSignature supplies the PNG signature after DidRequestCVM asked for
// one.
func (s *Session) AttachSignature(png []byte) {
	data := slices.Clone(png)
	s.post(func() { s.attachSignature(data) })
}

// AttachAdjustment answers DidRequestAdjustment.
func (s *Session) AttachAdjustment(adj Adjustment) {
	s.post(func() { s.attachAdjustment(adj) })
}

// UseKeyedCard enters card data by hand instead of reading it.
func (s *Session) UseKeyedCard(card core.KeyedCard) {
	s.post(func() { s.useKeyedCard(card) })
}

// UpdateReachability tells the session whether the gateway is reachable.
// Processing is refused while it is not; deferring still works.
func (s *Session) UpdateReachability(r Reachability) {
	s.post(func() {
		s.mu.Lock()
		s.reachability = r
		s.mu.Unlock()
		logging.Info(logging.CatSession, "Reachability changed", map[string]any{
			"session":      s.id,
			"reachability": r.String(),
		})
	})
}

// Loop side helpers

func (s *Session) setState(next State, err error) {
	s.mu.Lock()
	prev := s.state
	if next <= prev {
		s.mu.Unlock()
		logging.Error(logging.CatSession, "Refusing backwards state change", map[string]any{
			"session": s.id,
			"from":    prev.String(),
			"to":      next.String(),
		})
		return
	}
	s.state = next
	s.mu.Unlock()

	fields := map[string]any{"session": s.id, "from": prev.String(), "to": next.String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	logging.Info(logging.CatSession, "State changed", fields)
	s.observer.DidUpdateState(s, next, err)
}

// fail reports err with the state unchanged.
func (s *Session) fail(err error) {
	state := s.State()
	logging.Warn(logging.CatSession, "Session action failed", map[string]any{
		"session": s.id,
		"state":   state.String(),
		"error":   err.Error(),
	})
	s.observer.DidUpdateState(s, state, err)
}

func (s *Session) display(msg Message) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
	s.observer.DidRequestDisplayMessage(s, msg)
}

func (s *Session) start() {
	s.setState(StatePendingTransactionParameters, nil)
	s.setState(StatePendingCardInput, nil)
	if s.cfg.Driver == nil {
		s.inputMethods = []core.InputMethod{core.InputMethodKey}
	}
	s.promptForCard()
}

func (s *Session) startResumed() {
	s.beginProcessing()
}

func (s *Session) promptForCard() {
	methods := s.allowedInputMethods()
	has := func(m core.InputMethod) bool { return slices.Contains(methods, m) }
	switch {
	case has(core.InputMethodTap):
		s.display(Message{Primary: "Insert, swipe or tap card"})
	case has(core.InputMethodDip):
		s.display(Message{Primary: "Insert or swipe card"})
	case has(core.InputMethodSwipe):
		s.display(Message{Primary: "Swipe card"})
	case has(core.InputMethodKey):
		s.display(Message{Primary: "Enter card details"})
	default:
		s.display(Message{Primary: "Select a card reader"})
	}
}

// allowedInputMethods is what the reader offers, minus what the account
// does not permit, plus keyed entry when permitted.
func (s *Session) allowedInputMethods() []core.InputMethod {
	perms := s.params.Account.Permissions()
	model := core.ReaderModelUnknown
	if r := s.Reader(); r != nil {
		model = r.Model
	}

	var out []core.InputMethod
	for _, m := range s.inputMethods {
		switch m {
		case core.InputMethodDip, core.InputMethodTap:
			if !perms.DipEnabled(model) {
				continue
			}
		case core.InputMethodKey:
			continue
		}
		out = append(out, m)
	}
	if perms.KeyedEntryEnabled {
		out = append(out, core.InputMethodKey)
	}
	return out
}

func (s *Session) awaitingCard() bool {
	st := s.State()
	return (st == StatePendingTransactionParameters || st == StatePendingCardInput) &&
		s.capture == nil && s.pendingAIDs == nil
}

func (s *Session) selectReader(reader core.ReaderInfo, model core.ReaderModel) {
	if !s.awaitingCard() {
		s.fail(errs.New(errs.CodeInvalidState, "a reader can only be selected before card input"))
		return
	}
	if s.cfg.Driver == nil {
		s.fail(errs.New(errs.CodeReader, "no reader driver configured"))
		return
	}
	if model != core.ReaderModelUnknown {
		reader.Model = model
	}
	s.releaseReader()

	driver := s.cfg.Driver
	s.async("open reader", func(ctx context.Context) func() {
		conn, err := driver.Open(ctx, reader)
		if err == nil && s.ctx.Err() != nil {
			conn.Close()
			return nil
		}
		return func() {
			if err != nil {
				if s.extended != nil {
					s.extended.DidReceiveReaderEvent(s, core.ReaderEventConnectionErrored, &reader)
				}
				s.fail(errs.Wrap(errs.CodeReader, err, "failed to connect to reader"))
				return
			}
			if !s.awaitingCard() {
				conn.Close()
				return
			}
			s.attachReader(conn)
		}
	})
}

func (s *Session) attachReader(conn core.Connection) {
	s.releaseReader()
	s.conn = conn
	info := conn.Info()
	s.mu.Lock()
	s.reader = &info
	s.mu.Unlock()
	s.inputMethods = conn.InputMethods()

	logging.Info(logging.CatReader, "Reader selected", map[string]any{
		"session": s.id,
		"reader":  info.Name,
		"model":   info.Model.String(),
	})

	if s.extended != nil {
		s.extended.DidUpdateInputMethods(s, s.allowedInputMethods())
	}
	s.promptForCard()

	go func() {
		defer logging.RecoverAndLog("reader events", false)
		for ev := range conn.Events() {
			s.post(func() { s.handleReaderEvent(conn, ev) })
		}
	}()
}

func (s *Session) releaseReader() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		logging.Warn(logging.CatReader, "Reader close failed", map[string]any{"error": err.Error()})
	}
	s.conn = nil
}

func (s *Session) handleReaderEvent(conn core.Connection, ev core.DriverEvent) {
	if conn != s.conn {
		return
	}
	info := conn.Info()
	if s.extended != nil {
		s.extended.DidReceiveReaderEvent(s, ev.Event, &info)
	}

	switch ev.Event {
	case core.ReaderEventDisconnected:
		s.conn = nil
		if s.awaitingCard() {
			s.display(Message{Primary: "Reader disconnected"})
		}
		return
	case core.ReaderEventCardSwiped, core.ReaderEventCardInserted, core.ReaderEventCardTapped:
		if ev.Capture != nil {
			s.handleCapture(ev.Capture)
		}
		return
	}

	if ev.Event.IsError() && s.awaitingCard() {
		s.display(Message{Primary: "Card read failed", Secondary: "Please try again"})
		if ev.Err != nil {
			s.fail(errs.Wrap(errs.CodeReader, ev.Err, "card read failed"))
		}
	}
}

func (s *Session) handleCapture(c *core.CardCapture) {
	if !s.awaitingCard() {
		logging.Debug(logging.CatSession, "Ignoring card read outside card input", map[string]any{"session": s.id})
		return
	}

	method := c.Card.InputMethod
	if (method == core.InputMethodDip || method == core.InputMethodTap) &&
		!slices.Contains(s.allowedInputMethods(), method) {
		s.display(Message{Primary: "Chip not accepted", Secondary: "Please swipe card"})
		s.fail(errs.New(errs.CodeInvalidState, "%s is not enabled for this merchant and reader", method))
		return
	}

	if c.NeedsAIDSelection() {
		s.pendingAIDs = c
		s.aidSelected = false
		if s.extended == nil {
			s.selectCardAID(c.AIDs[0].AID)
			return
		}
		s.display(Message{Primary: "Select application"})
		s.extended.DidRequestCardAIDSelection(s, slices.Clone(c.AIDs))
		return
	}
	s.captureCard(c)
}

func (s *Session) selectCardAID(aid string) {
	if s.pendingAIDs == nil || s.aidSelected {
		s.fail(errs.New(errs.CodeInvalidState, "no application selection is pending"))
		return
	}
	if !s.pendingAIDs.HasAID(aid) {
		s.fail(errs.New(errs.CodeInvalidArgument, "application %s was not offered by the card", aid))
		return
	}
	conn := s.conn
	if conn == nil {
		s.pendingAIDs = nil
		s.fail(errs.New(errs.CodeReader, "reader disconnected"))
		return
	}
	s.aidSelected = true

	s.async("select application", func(ctx context.Context) func() {
		capture, err := conn.SelectApplication(ctx, aid)
		return func() {
			s.pendingAIDs = nil
			if err != nil {
				s.display(Message{Primary: "Card read failed", Secondary: "Please try again"})
				s.fail(errs.Wrap(errs.CodeReader, err, "application selection failed"))
				return
			}
			s.captureCard(capture)
		}
	})
}

func (s *Session) useKeyedCard(k core.KeyedCard) {
	if !s.awaitingCard() {
		s.fail(errs.New(errs.CodeInvalidState, "card data can only be entered before card input completes"))
		return
	}
	if !s.params.Account.Permissions().KeyedEntryEnabled {
		s.fail(errs.New(errs.CodeInvalidState, "keyed entry is not enabled for this merchant"))
		return
	}
	if err := k.Validate(time.Now()); err != nil {
		if s.extended != nil {
			s.extended.DidReceiveKeyedEntryEvent(s, core.KeyedEntryEventCardIncomplete)
		}
		s.fail(errs.Wrap(errs.CodeInvalidArgument, err, "keyed card rejected"))
		return
	}
	if s.extended != nil {
		s.extended.DidReceiveKeyedEntryEvent(s, core.KeyedEntryEventCardComplete)
	}
	s.captureCard(k.Capture())
}

func (s *Session) captureCard(c *core.CardCapture) {
	if !c.Card.Brand.Supported() {
		s.display(Message{Primary: "Card not supported"})
		s.fail(errs.New(errs.CodeInvalidArgument, "%s cards are not supported", c.Card.Brand))
		return
	}

	s.capture = c
	card := c.Card
	s.mu.Lock()
	s.card = &card
	s.mu.Unlock()

	logging.Info(logging.CatSession, "Card captured", map[string]any{
		"session":  s.id,
		"brand":    card.Brand.String(),
		"lastFour": card.LastFour,
		"method":   card.InputMethod.String(),
	})

	s.setState(StatePendingProcessOption, nil)
	if s.quickChip() {
		s.display(Message{Primary: "Card read", Secondary: "You may remove the card"})
	}
	s.observer.DidRequestProcessOption(s, card)
}

func (s *Session) quickChip() bool {
	if !s.params.QuickChip || s.capture == nil || s.capture.Card.InputMethod != core.InputMethodDip {
		return false
	}
	model := core.ReaderModelUnknown
	if r := s.Reader(); r != nil {
		model = r.Model
	}
	return s.params.Account.Permissions().QuickChipEnabled(model)
}

func (s *Session) selectProcessOption(option ProcessOption) {
	if st := s.State(); st != StatePendingProcessOption {
		s.fail(errs.New(errs.CodeInvalidState, "process option can only be selected in %s, session is %s",
			StatePendingProcessOption, st))
		return
	}

	switch option {
	case ProcessOptionProcess:
		if s.Reachability() == ReachabilityNone {
			s.fail(errs.New(errs.CodeNetwork, "gateway is unreachable, defer or try again"))
			return
		}
		s.setOption(option)
		s.beginProcessing()
	case ProcessOptionDefer:
		data, err := encodeDeferred(s.id, s.params, s.capture, s.Reader(), time.Now())
		if err != nil {
			s.fail(err)
			return
		}
		s.setOption(option)
		s.setState(StateDeferred, nil)
		s.handOff()
		s.observer.DidDefer(s, data)
		s.releaseReader()
	case ProcessOptionAbort:
		s.setOption(option)
		rec := s.baseRecord()
		rec.Result = record.ResultAborted
		rec.Message = "Transaction aborted"
		s.complete(rec, nil)
	default:
		s.fail(errs.New(errs.CodeInvalidArgument, "unknown process option %d", int(option)))
	}
}

func (s *Session) setOption(o ProcessOption) {
	s.mu.Lock()
	s.option = o
	s.mu.Unlock()
}

func (s *Session) beginProcessing() {
	s.setState(StateProcessing, nil)
	s.display(Message{Primary: "Processing", Secondary: "Please wait"})

	if s.params.AdjustmentEnabled && s.params.Kind != record.TypeTokenization && s.extended != nil {
		s.adjustmentPending = true
		s.extended.DidRequestAdjustment(s)
		return
	}
	s.charge()
}

func (s *Session) attachAdjustment(adj Adjustment) {
	if !s.adjustmentPending {
		s.fail(errs.New(errs.CodeInvalidState, "no adjustment was requested"))
		return
	}
	s.adjustmentPending = false
	adj.Metadata = cloneMap(adj.Metadata)
	s.mu.Lock()
	s.adjustment = &adj
	s.mu.Unlock()
	s.charge()
}

func (s *Session) tip() amount.Amount {
	if a := s.Adjustment(); a != nil {
		return a.TipAmount
	}
	return amount.Zero
}

func (s *Session) charge() {
	gw := s.cfg.Gateway
	acct := s.params.Account
	capture := *s.capture
	reader := s.Reader()

	if s.params.Kind == record.TypeTokenization {
		req := gateway.TokenizeRequest{
			Capture:     &capture,
			Reader:      reader,
			CustomerID:  s.params.CustomerID,
			Metadata:    cloneMap(s.params.Metadata),
			CallbackURL: s.params.CallbackURL,
			SessionID:   s.id,
		}
		s.async("tokenize", func(ctx context.Context) func() {
			rec, err := gw.Tokenize(ctx, acct, req)
			return func() { s.handleGatewayResult(&gateway.ChargeResult{Record: rec}, err) }
		})
		return
	}

	metadata := cloneMap(s.params.Metadata)
	if adj := s.Adjustment(); adj != nil {
		for k, v := range adj.Metadata {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata[k] = v
		}
	}
	req := gateway.ChargeRequest{
		Type:        s.params.Kind,
		Amount:      s.params.Amount,
		TipAmount:   s.tip(),
		Capture:     &capture,
		Reader:      reader,
		Metadata:    metadata,
		CallbackURL: s.params.CallbackURL,
		CustomerID:  s.params.CustomerID,
		SessionID:   s.id,
		QuickChip:   s.quickChip(),
	}
	s.async("charge", func(ctx context.Context) func() {
		res, err := gw.Charge(ctx, acct, req)
		return func() { s.handleGatewayResult(res, err) }
	})
}

func (s *Session) handleGatewayResult(res *gateway.ChargeResult, err error) {
	if err == nil && (res == nil || res.Record == nil) {
		err = errs.New(errs.CodeGateway, "gateway returned no transaction")
	}
	if err != nil {
		rec := s.baseRecord()
		rec.Result = record.ResultErrored
		rec.APIState = record.APIStateErrored
		rec.Error = err.Error()
		logging.CaptureError(errs.WithStack(err), "transaction processing", map[string]interface{}{
			"session": s.id,
		})
		s.complete(rec, err)
		return
	}

	rec := s.fillRecord(res.Record)
	if rec.Result != record.ResultApproved {
		s.complete(rec, nil)
		return
	}

	if rec.Type == record.TypeTokenization {
		s.complete(rec, nil)
		return
	}

	cvm := CVMNone
	if res.SignatureRequired || (s.params.RequireSignature && signatureMethod(rec)) {
		cvm = CVMSignature
	}
	s.mu.Lock()
	s.rec = rec
	s.cvm = cvm
	s.mu.Unlock()

	s.setState(StateCompleted, nil)
	s.display(Message{Primary: "Approved"})
	s.observer.DidRequestCVM(s, cvm)

	if cvm == CVMSignature {
		s.signaturePending = true
		s.display(Message{Primary: "Please sign"})
		return
	}
	s.finish()
}

func signatureMethod(rec *record.Record) bool {
	if rec.CardInfo == nil {
		return false
	}
	switch rec.CardInfo.InputMethod {
	case core.InputMethodKey, core.InputMethodSwipe, core.InputMethodSwipeFallback:
		return true
	}
	return false
}

func (s *Session) attachSignature(png []byte) {
	if s.State() != StateCompleted || !s.signaturePending {
		s.fail(errs.New(errs.CodeInvalidState, "no signature was requested"))
		return
	}
	if s.signatureUploading {
		s.fail(errs.New(errs.CodeInvalidState, "a signature is already being attached"))
		return
	}
	if len(png) == 0 {
		s.fail(errs.New(errs.CodeInvalidArgument, "signature image is empty"))
		return
	}
	s.signatureUploading = true

	gw := s.cfg.Gateway
	acct := s.params.Account
	id := s.Record().ID
	s.async("upload signature", func(ctx context.Context) func() {
		url, err := gw.UploadSignature(ctx, acct, id, png)
		return func() {
			s.signatureUploading = false
			if err != nil {
				s.fail(errs.Wrap(errs.CodeGateway, err, "signature upload failed"))
				return
			}
			s.signaturePending = false
			s.mu.Lock()
			s.rec.SignatureURL = url
			s.mu.Unlock()
			s.finish()
		}
	})
}

// baseRecord is the record used when the gateway produced none.
func (s *Session) baseRecord() *record.Record {
	now := time.Now().UTC()
	rec := &record.Record{
		ID:                uuid.NewString(),
		Type:              s.params.Kind,
		Amount:            s.params.Amount.Add(s.tip()),
		CreatedAt:         now,
		TransactedAt:      now,
		MerchantAccountID: s.params.Account.ID,
	}
	return s.fillRecord(rec)
}

// fillRecord adds what the session knows to fields the gateway left empty.
func (s *Session) fillRecord(rec *record.Record) *record.Record {
	rec = rec.Clone()
	if rec.CardInfo == nil {
		rec.CardInfo = s.CardInfo()
	}
	if rec.ReaderInfo == nil {
		rec.ReaderInfo = s.Reader()
	}
	if rec.Metadata == nil {
		rec.Metadata = cloneMap(s.params.Metadata)
	}
	if rec.CallbackURL == "" {
		rec.CallbackURL = s.params.CallbackURL
	}
	if rec.CustomerID == "" {
		rec.CustomerID = s.params.CustomerID
	}
	if rec.MerchantAccountID == "" {
		rec.MerchantAccountID = s.params.Account.ID
	}
	rec.SessionID = s.id
	if rec.SDKData == nil {
		rec.SDKData = map[string]string{}
	}
	if rec.CardInfo != nil && rec.CardInfo.EMV != nil {
		for k, v := range rec.CardInfo.EMV.AsMap() {
			rec.SDKData[k] = v
		}
	}
	if s.capture != nil && s.capture.ATR != "" {
		rec.SDKData["ATR"] = s.capture.ATR
	}
	return rec
}

// complete finishes a flow that ends without cardholder verification.
func (s *Session) complete(rec *record.Record, err error) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	s.setState(StateCompleted, err)
	switch rec.Result {
	case record.ResultApproved:
		s.display(Message{Primary: "Approved"})
	case record.ResultDeclined:
		s.display(Message{Primary: "Declined", Secondary: rec.Message})
	case record.ResultErrored:
		s.display(Message{Primary: "Error", Secondary: "Transaction not completed"})
	case record.ResultAborted:
		s.display(Message{Primary: "Cancelled"})
	}
	s.finish()
}

func (s *Session) finish() {
	if s.finished {
		return
	}
	s.finished = true
	s.releaseReader()
	rec := s.Record()

	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		if err := s.cfg.Store.Save(ctx, rec); err != nil {
			logging.Error(logging.CatStore, "Failed to store record", map[string]any{
				"id":    rec.ID,
				"error": err.Error(),
			})
		}
		cancel()
	}

	logging.Info(logging.CatSession, "Transaction complete", map[string]any{
		"session": s.id,
		"id":      rec.ID,
		"result":  rec.Result.String(),
		"amount":  rec.Amount.String(),
	})

	s.handOff()
	s.observer.DidComplete(s, rec)
	if s.extended != nil {
		s.extended.DidCompleteWithHistorical(s, rec.Historical())
	}

	if s.cfg.Publisher != nil {
		pub := s.cfg.Publisher
		ev := notify.NewEvent(notify.EventCompleted, rec)
		go func() {
			defer logging.RecoverAndLog("publish completion", false)
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			defer cancel()
			if err := pub.Publish(ctx, ev); err != nil {
				logging.Warn(logging.CatNotify, "Completion notification failed", map[string]any{
					"id":    rec.ID,
					"error": err.Error(),
				})
			}
		}()
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
