package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/record"
)

// DefaultSignatureThreshold is the amount at or above which the simulator
// asks for a signature.
var DefaultSignatureThreshold = amount.FromString("25.00")

// CallbackSender delivers a record to a host callback URL.
type CallbackSender interface {
	Send(ctx context.Context, callbackURL string, rec *record.Record) error
}

// Simulator is an in-memory gateway. Cards with core.TestDeclinePAN are
// declined, API keys starting with "invalid" are rejected, and everything
// else is approved.
type Simulator struct {
	mu        sync.Mutex
	accounts  map[string]merchant.Details
	charges   map[string]*record.Record
	threshold amount.Amount
	latency   time.Duration
	callbacks CallbackSender
	failNext  error
	now       func() time.Time
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSignatureThreshold sets the signature threshold. Zero disables
// gateway signature requests.
func WithSignatureThreshold(a amount.Amount) SimulatorOption {
	return func(s *Simulator) { s.threshold = a }
}

// WithLatency delays every call.
func WithLatency(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.latency = d }
}

// WithCallbacks posts finished charges to their callback URL.
func WithCallbacks(c CallbackSender) SimulatorOption {
	return func(s *Simulator) { s.callbacks = c }
}

// NewSimulator returns a Simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		accounts:  make(map[string]merchant.Details),
		charges:   make(map[string]*record.Record),
		threshold: DefaultSignatureThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultDetails are returned for accounts that were never registered.
func DefaultDetails(id string) merchant.Details {
	return merchant.Details{
		Name: "Simulated Merchant " + id,
		MID:  "SIM" + strings.ToUpper(xid.New().String()[:8]),
		TID:  "SIM01",
		Permissions: merchant.Permissions{
			DipEnabledReaders:       []core.ReaderModel{core.ReaderModelB250, core.ReaderModelB550, core.ReaderModelA250},
			QuickChipEnabledReaders: []core.ReaderModel{core.ReaderModelB250},
			AVSEnabled:              true,
			KeyedEntryEnabled:       true,
			AllowDebit:              true,
		},
		Settlement: merchant.Settlement{Scheme: merchant.SettlementSchemeHostCapture},
	}
}

// RegisterAccount sets the details returned for account id.
func (s *Simulator) RegisterAccount(id string, d merchant.Details) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = d
}

// FailNext makes the next call return err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Records returns copies of every charge the simulator holds.
func (s *Simulator) Records() []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Record, 0, len(s.charges))
	for _, r := range s.charges {
		out = append(out, r.Clone())
	}
	return out
}

// begin waits out the latency and checks credentials. It returns with the
// lock held when err is nil.
func (s *Simulator) begin(ctx context.Context, acct *merchant.Account) error {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return errs.Wrap(errs.CodeNetwork, ctx.Err(), "gateway request cancelled")
		}
	} else if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.CodeNetwork, err, "gateway request cancelled")
	}

	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	if acct == nil || acct.APIKey == "" || strings.HasPrefix(acct.APIKey, "invalid") {
		s.mu.Unlock()
		return errs.New(errs.CodeInvalidCredentials, "invalid api key")
	}
	return nil
}

func (s *Simulator) FetchAccount(ctx context.Context, acct *merchant.Account) (*merchant.Details, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	d, ok := s.accounts[acct.ID]
	if !ok {
		d = DefaultDetails(acct.ID)
		s.accounts[acct.ID] = d
	}
	return &d, nil
}

func (s *Simulator) newRecord(acct *merchant.Account, typ record.Type, capture *core.CardCapture, reader *core.ReaderInfo) *record.Record {
	now := s.now().UTC()
	rec := &record.Record{
		ID:                uuid.NewString(),
		Type:              typ,
		CreatedAt:         now,
		TransactedAt:      now,
		ReferenceID:       xid.New().String(),
		MerchantAccountID: acct.ID,
	}
	if capture != nil {
		card := capture.Card
		rec.CardInfo = &card
	}
	if reader != nil {
		ri := *reader
		rec.ReaderInfo = &ri
	}
	return rec
}

func declined(capture *core.CardCapture) bool {
	return capture != nil && capture.PAN == core.TestDeclinePAN
}

func (s *Simulator) Charge(ctx context.Context, acct *merchant.Account, req ChargeRequest) (*ChargeResult, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	if req.Capture == nil {
		s.mu.Unlock()
		return nil, errs.New(errs.CodeInvalidArgument, "card data is required")
	}

	rec := s.newRecord(acct, req.Type, req.Capture, req.Reader)
	rec.Amount = req.Total()
	rec.Metadata = req.Metadata
	rec.CallbackURL = req.CallbackURL
	rec.CustomerID = req.CustomerID
	rec.SessionID = req.SessionID

	result := &ChargeResult{Record: rec}
	switch {
	case declined(req.Capture):
		rec.Result = record.ResultDeclined
		rec.APIState = record.APIStateDeclined
		rec.Message = "Do not honor"
	default:
		rec.Result = record.ResultApproved
		rec.AuthCodes = []string{strings.ToUpper(xid.New().String()[14:])}
		if req.Type == record.TypeAuthorization {
			rec.APIState = record.APIStateAuthorized
		} else {
			rec.APIState = record.APIStateCaptured
			rec.CapturedAmount = rec.Amount
		}
		if req.Capture.Card.InputMethod == core.InputMethodKey {
			rec.AVS = &record.AVSResponse{Street: record.AVSResultUnavailable, Zip: record.AVSResultMatch}
			if req.Capture.Zip == "" {
				rec.AVS.Zip = record.AVSResultUnavailable
			}
		}
		result.SignatureRequired = !s.threshold.IsZero() && rec.Amount.Cmp(s.threshold) >= 0
	}
	s.charges[rec.ID] = rec.Clone()
	s.mu.Unlock()

	logging.Info(logging.CatGateway, "Simulated charge", map[string]any{
		"id":     rec.ID,
		"type":   rec.Type.String(),
		"amount": rec.Amount.String(),
		"result": rec.Result.String(),
	})
	s.callback(rec)
	return result, nil
}

func (s *Simulator) Tokenize(ctx context.Context, acct *merchant.Account, req TokenizeRequest) (*record.Record, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	if req.Capture == nil {
		s.mu.Unlock()
		return nil, errs.New(errs.CodeInvalidArgument, "card data is required")
	}

	rec := s.newRecord(acct, record.TypeTokenization, req.Capture, req.Reader)
	rec.Metadata = req.Metadata
	rec.CallbackURL = req.CallbackURL
	rec.CustomerID = req.CustomerID
	rec.SessionID = req.SessionID
	if declined(req.Capture) {
		rec.Result = record.ResultDeclined
		rec.APIState = record.APIStateDeclined
		rec.Message = "Card not accepted"
	} else {
		rec.Result = record.ResultApproved
		rec.APIState = record.APIStateSettled
		rec.CardToken = "tok_" + xid.New().String()
	}
	s.charges[rec.ID] = rec.Clone()
	s.mu.Unlock()

	s.callback(rec)
	return rec, nil
}

func (s *Simulator) lookup(id string) (*record.Record, error) {
	rec, ok := s.charges[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "no charge %s", id)
	}
	return rec, nil
}

func (s *Simulator) Void(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !rec.CanVoid() {
		return nil, errs.New(errs.CodeInvalidState, "charge %s is %s and cannot be voided", id, rec.APIState)
	}
	rec.APIState = record.APIStateVoided
	return rec.Clone(), nil
}

func (s *Simulator) Capture(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !rec.CanCapture(amt) {
		return nil, errs.New(errs.CodeInvalidState, "charge %s cannot capture %s", id, amt)
	}
	rec.APIState = record.APIStateCaptured
	rec.CapturedAmount = amt
	return rec.Clone(), nil
}

func (s *Simulator) Refund(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	parent, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !parent.CanRefund(amt) {
		return nil, errs.New(errs.CodeInvalidState, "charge %s cannot refund %s", id, amt)
	}
	parent.RefundedAmount = parent.RefundedAmount.Add(amt)
	if parent.RefundableAmount().IsZero() {
		parent.APIState = record.APIStateRefunded
	}

	refund := s.newRecord(acct, record.TypeRefund, nil, parent.ReaderInfo)
	refund.Amount = amt
	refund.Result = record.ResultApproved
	refund.APIState = record.APIStateCaptured
	refund.ParentID = parent.ID
	refund.CardInfo = parent.Clone().CardInfo
	s.charges[refund.ID] = refund.Clone()
	return refund, nil
}

func (s *Simulator) Fetch(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error) {
	if err := s.begin(ctx, acct); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *Simulator) UploadSignature(ctx context.Context, acct *merchant.Account, id string, png []byte) (string, error) {
	if err := s.begin(ctx, acct); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	if len(png) == 0 {
		return "", errs.New(errs.CodeInvalidArgument, "signature image is empty")
	}
	rec.SignatureURL = acct.BaseV2URL + "/signatures/" + id + ".png"
	return rec.SignatureURL, nil
}

func (s *Simulator) callback(rec *record.Record) {
	if s.callbacks == nil || rec.CallbackURL == "" {
		return
	}
	c := rec.Clone()
	go func() {
		defer logging.RecoverAndLog("gateway callback", false)
		ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
		defer cancel()
		if err := s.callbacks.Send(ctx, c.CallbackURL, c); err != nil {
			logging.Warn(logging.CatNotify, "Callback delivery failed", map[string]any{
				"id":    c.ID,
				"error": err.Error(),
			})
		}
	}()
}
