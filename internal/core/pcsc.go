package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/CardFlight/payment-agent/internal/logging"
)

// EstablishContext opens a real PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

func (c *scardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}
	err := c.ctx.GetStatusChange(rs, timeout)
	for i := range rs {
		states[i].EventState = uint32(rs[i].EventState)
		states[i].Atr = rs[i].Atr
	}
	return err
}

func (c *scardContext) Cancel() error  { return c.ctx.Cancel() }
func (c *scardContext) Release() error { return c.ctx.Release() }

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) { return c.card.Transmit(cmd) }

func (c *scardCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            st.Atr,
	}, nil
}

func (c *scardCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// Reader state flags used by the monitor, mirrored from PC/SC.
const (
	stateUnaware = uint32(scard.StateUnaware)
	stateChanged = uint32(scard.StateChanged)
	statePresent = uint32(scard.StatePresent)
	stateEmpty   = uint32(scard.StateEmpty)
)

// pollInterval bounds how long a status wait blocks so Close is noticed
// even when the PC/SC service does not support Cancel.
const pollInterval = 500 * time.Millisecond

// PCSCDriver exposes PC/SC readers. Every reader is reported as a USB
// reader; contactless interfaces accept taps and contact interfaces dips.
type PCSCDriver struct {
	factory ContextFactory
}

// NewPCSCDriver returns a driver using factory, or real PC/SC when nil.
func NewPCSCDriver(factory ContextFactory) *PCSCDriver {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &PCSCDriver{factory: factory}
}

// Readers lists the connected PC/SC readers.
func (d *PCSCDriver) Readers(ctx context.Context) ([]ReaderInfo, error) {
	sc, err := d.factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer sc.Release()

	names, err := sc.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	readers := make([]ReaderInfo, 0, len(names))
	for _, name := range names {
		readers = append(readers, ReaderInfo{
			Name:          name,
			Type:          ReaderTypeUSB,
			Model:         ReaderModelUnknown,
			BatteryStatus: BatteryStatusPluggedIn,
		})
	}
	return readers, nil
}

// Open starts monitoring reader for card presence.
func (d *PCSCDriver) Open(ctx context.Context, reader ReaderInfo) (Connection, error) {
	sc, err := d.factory.EstablishContext()
	if err != nil {
		return nil, err
	}

	names, err := sc.ListReaders()
	if err != nil {
		sc.Release()
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	found := false
	for _, n := range names {
		if n == reader.Name {
			found = true
			break
		}
	}
	if !found {
		sc.Release()
		return nil, fmt.Errorf("reader %q not found", reader.Name)
	}

	reader.Type = ReaderTypeUSB
	reader.BatteryStatus = BatteryStatusPluggedIn
	conn := &pcscConnection{
		ctx:         sc,
		info:        reader,
		contactless: IsContactless(reader.Name),
		events:      make(chan DriverEvent, 16),
		done:        make(chan struct{}),
	}

	conn.events <- DriverEvent{Event: ReaderEventConnected}
	conn.wg.Add(1)
	go conn.monitor()
	return conn, nil
}

type pcscConnection struct {
	ctx         SmartCardContext
	info        ReaderInfo
	contactless bool
	events      chan DriverEvent
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	// mu guards card, the handle kept open between an AID list and the
	// host's selection.
	mu   sync.Mutex
	card SmartCard
}

func (c *pcscConnection) Info() ReaderInfo { return c.info }

func (c *pcscConnection) InputMethods() []InputMethod { return pcscInputMethods(c.info.Name) }

func (c *pcscConnection) Events() <-chan DriverEvent { return c.events }

func (c *pcscConnection) method() InputMethod {
	if c.contactless {
		return InputMethodTap
	}
	return InputMethodDip
}

func (c *pcscConnection) emit(ev DriverEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *pcscConnection) monitor() {
	defer c.wg.Done()
	defer close(c.events)
	defer logging.RecoverAndLog("pcsc monitor", false)

	states := []ReaderState{{Reader: c.info.Name, CurrentState: stateUnaware}}
	present := false

	for {
		select {
		case <-c.done:
			return
		default:
		}

		err := c.ctx.GetStatusChange(states, pollInterval)
		if err != nil {
			if errors.Is(err, scard.ErrTimeout) {
				continue
			}
			if errors.Is(err, scard.ErrCancelled) {
				return
			}
			logging.Warn(logging.CatReader, "Reader status wait failed", map[string]any{
				"reader": c.info.Name,
				"error":  err.Error(),
			})
			c.emit(DriverEvent{Event: ReaderEventDisconnected, Err: err})
			return
		}

		ev := states[0].EventState
		states[0].CurrentState = ev &^ stateChanged

		switch {
		case ev&statePresent != 0 && !present:
			present = true
			c.emit(c.readCard(states[0].Atr))
		case ev&stateEmpty != 0 && present:
			present = false
			c.dropCard()
			c.emit(DriverEvent{Event: ReaderEventCardRemoved})
		}
	}
}

// readCard runs when a card arrives. A single application is read
// straight away; several are returned for the host to choose from and the
// card handle stays open until SelectApplication.
func (c *pcscConnection) readCard(atr []byte) DriverEvent {
	okEvent, errEvent := ReaderEventCardInserted, ReaderEventCardInsertErrored
	if c.contactless {
		okEvent, errEvent = ReaderEventCardTapped, ReaderEventCardTapErrored
	}

	card, err := c.ctx.Connect(c.info.Name, uint32(scard.ShareShared), uint32(scard.ProtocolAny))
	if err != nil {
		return DriverEvent{Event: errEvent, Err: fmt.Errorf("failed to connect to card: %w", err)}
	}

	aids, err := ReadApplications(card, c.contactless)
	if err != nil {
		card.Disconnect(uint32(scard.LeaveCard))
		return DriverEvent{Event: errEvent, Err: err}
	}

	if len(aids) > 1 {
		c.mu.Lock()
		c.card = card
		c.mu.Unlock()
		return DriverEvent{Event: okEvent, Capture: &CardCapture{
			Card: CardInfo{InputMethod: c.method()},
			AIDs: aids,
			ATR:  hex.EncodeToString(atr),
		}}
	}

	defer card.Disconnect(uint32(scard.LeaveCard))
	capture, err := ReadApplication(card, aids[0].AID, c.method())
	if err != nil {
		return DriverEvent{Event: errEvent, Err: err}
	}
	capture.ATR = hex.EncodeToString(atr)

	logging.Debug(logging.CatReader, "Card read", map[string]any{
		"reader": c.info.Name,
		"pan":    MaskPAN(capture.PAN),
		"aid":    aids[0].AID,
	})
	return DriverEvent{Event: okEvent, Capture: capture}
}

func (c *pcscConnection) dropCard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card != nil {
		c.card.Disconnect(uint32(scard.LeaveCard))
		c.card = nil
	}
}

func (c *pcscConnection) SelectApplication(ctx context.Context, aid string) (*CardCapture, error) {
	c.mu.Lock()
	card := c.card
	c.card = nil
	c.mu.Unlock()

	if card == nil {
		return nil, fmt.Errorf("no card awaiting application selection")
	}
	defer card.Disconnect(uint32(scard.LeaveCard))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadApplication(card, aid, c.method())
}

func (c *pcscConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ctx.Cancel()
		c.wg.Wait()
		c.dropCard()
		_ = c.ctx.Release()
	})
	return nil
}
