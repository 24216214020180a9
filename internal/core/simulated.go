package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Test cards used by the simulated reader. The numbers pass the Luhn check
// and are the usual processor sandbox PANs.
const (
	TestVisaPAN       = "4111111111111111"
	TestMastercardPAN = "5555555555554444"
	TestDeclinePAN    = "4000000000000002"
)

// SimulatedCard scripts what the simulated reader reads when a card is
// presented.
type SimulatedCard struct {
	PAN    string
	Name   string
	Expiry string // YYMM
	Method InputMethod
	// AIDs offered by the card. More than one makes the session ask the host
	// to choose.
	AIDs []CardAID
	// Fail turns the read into the matching *Errored event.
	Fail bool
}

// DefaultSimulatedCard is a single application Visa chip card.
func DefaultSimulatedCard() SimulatedCard {
	return SimulatedCard{
		PAN:    TestVisaPAN,
		Name:   "CARDHOLDER/TEST",
		Expiry: time.Now().AddDate(3, 0, 0).Format("0601"),
		Method: InputMethodDip,
		AIDs:   []CardAID{{AID: "A0000000031010", Label: "VISA CREDIT", Priority: 1}},
	}
}

// SimulatedDriver is an in-memory reader driver. Opened connections present
// AutoPresent after AutoPresentDelay, when set; tests call Present instead.
type SimulatedDriver struct {
	mu               sync.Mutex
	readers          []ReaderInfo
	AutoPresent      *SimulatedCard
	AutoPresentDelay time.Duration
	openErr          error
	conns            []*SimulatedConnection
}

// NewSimulatedDriver returns a driver offering readers, or a single B250
// when none are given.
func NewSimulatedDriver(readers ...ReaderInfo) *SimulatedDriver {
	if len(readers) == 0 {
		readers = []ReaderInfo{{
			Name:          "Simulated B250",
			Type:          ReaderModelB250.ReaderType(),
			Model:         ReaderModelB250,
			BatteryStatus: BatteryStatusNominal,
		}}
	}
	return &SimulatedDriver{readers: readers}
}

// WithOpenError makes Open fail with err.
func (d *SimulatedDriver) WithOpenError(err error) *SimulatedDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
	return d
}

func (d *SimulatedDriver) Readers(ctx context.Context) ([]ReaderInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ReaderInfo, len(d.readers))
	copy(out, d.readers)
	return out, nil
}

func (d *SimulatedDriver) Open(ctx context.Context, reader ReaderInfo) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	var info *ReaderInfo
	for i := range d.readers {
		if d.readers[i].Name == reader.Name {
			info = &d.readers[i]
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("reader %q not found", reader.Name)
	}

	conn := &SimulatedConnection{
		info:   *info,
		events: make(chan DriverEvent, 16),
		done:   make(chan struct{}),
	}
	if reader.Model != ReaderModelUnknown {
		conn.info.Model = reader.Model
		conn.info.Type = reader.Model.ReaderType()
	}
	conn.events <- DriverEvent{Event: ReaderEventConnected}
	d.conns = append(d.conns, conn)

	if d.AutoPresent != nil {
		card := *d.AutoPresent
		delay := d.AutoPresentDelay
		go func() {
			select {
			case <-time.After(delay):
				conn.Present(card)
			case <-conn.done:
			}
		}()
	}
	return conn, nil
}

// Last returns the most recently opened connection.
func (d *SimulatedDriver) Last() *SimulatedConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// SimulatedConnection is an open simulated reader.
type SimulatedConnection struct {
	info      ReaderInfo
	events    chan DriverEvent
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending *SimulatedCard
	closed  bool
}

func (c *SimulatedConnection) Info() ReaderInfo { return c.info }

func (c *SimulatedConnection) InputMethods() []InputMethod {
	if c.info.Model == ReaderModelUnknown {
		return []InputMethod{InputMethodSwipe, InputMethodDip, InputMethodTap}
	}
	return c.info.Model.InputMethods()
}

func (c *SimulatedConnection) Events() <-chan DriverEvent { return c.events }

func (c *SimulatedConnection) emit(ev DriverEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Present simulates a card swipe, dip or tap.
func (c *SimulatedConnection) Present(card SimulatedCard) {
	okEvent, errEvent := presentEvents(card.Method)
	if card.Fail {
		c.emit(DriverEvent{Event: errEvent, Err: fmt.Errorf("could not read card")})
		return
	}

	if len(card.AIDs) > 1 {
		c.mu.Lock()
		c.pending = &card
		c.mu.Unlock()
		c.emit(DriverEvent{Event: okEvent, Capture: &CardCapture{
			Card: CardInfo{InputMethod: card.Method},
			AIDs: append([]CardAID{}, card.AIDs...),
		}})
		return
	}

	aid := ""
	if len(card.AIDs) == 1 {
		aid = card.AIDs[0].AID
	}
	c.emit(DriverEvent{Event: okEvent, Capture: simulatedCapture(card, aid)})
}

// Remove simulates pulling the card out.
func (c *SimulatedConnection) Remove() {
	c.emit(DriverEvent{Event: ReaderEventCardRemoved})
}

// Disconnect simulates the reader going away.
func (c *SimulatedConnection) Disconnect() {
	c.emit(DriverEvent{Event: ReaderEventDisconnected})
}

func (c *SimulatedConnection) SelectApplication(ctx context.Context, aid string) (*CardCapture, error) {
	c.mu.Lock()
	card := c.pending
	c.pending = nil
	c.mu.Unlock()

	if card == nil {
		return nil, fmt.Errorf("no card awaiting application selection")
	}
	for _, a := range card.AIDs {
		if strings.EqualFold(a.AID, aid) {
			return simulatedCapture(*card, a.AID), nil
		}
	}
	return nil, fmt.Errorf("application %s not on card", aid)
}

func (c *SimulatedConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}

func presentEvents(method InputMethod) (ok, failed ReaderEvent) {
	switch method {
	case InputMethodSwipe, InputMethodSwipeFallback:
		return ReaderEventCardSwiped, ReaderEventCardSwipeErrored
	case InputMethodTap:
		return ReaderEventCardTapped, ReaderEventCardTapErrored
	default:
		return ReaderEventCardInserted, ReaderEventCardInsertErrored
	}
}

func simulatedCapture(card SimulatedCard, aid string) *CardCapture {
	method := card.Method
	if method == InputMethodUnknown {
		method = InputMethodDip
	}
	capture := &CardCapture{
		Card:   NewCardInfo(card.PAN, card.Name, card.Expiry, method),
		PAN:    card.PAN,
		Track2: card.PAN + "D" + card.Expiry + "201",
	}
	if method == InputMethodDip || method == InputMethodTap {
		emv := &EMVDetails{ApplicationID: aid, EntryMode: method.String()}
		for _, a := range card.AIDs {
			if a.AID == aid {
				capture.AIDs = []CardAID{a}
				emv.ApplicationLabel = a.Label
				emv.ApplicationPreferredName = a.PreferredName
			}
		}
		capture.Card.EMV = emv
	}
	return capture
}
