package core

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	changes     chan uint32
	cancelled   chan struct{}
	cancelOnce  sync.Once
	released    bool
	shouldError bool
	errorMsg    string
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR39U ICC Reader 00 00",
			"ACS ACR1252 Dual Reader PICC 00 01",
		},
		cards:     make(map[string]*MockSmartCard),
		changes:   make(chan uint32, 8),
		cancelled: make(chan struct{}),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// Insert reports a card arriving on the watched reader.
func (m *MockSmartCardContext) Insert() {
	m.changes <- statePresent | stateChanged
}

// Eject reports the card leaving the watched reader.
func (m *MockSmartCardContext) Eject() {
	m.changes <- stateEmpty | stateChanged
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	select {
	case ev := <-m.changes:
		states[0].EventState = ev
		if card, ok := m.cards[states[0].Reader]; ok {
			states[0].Atr = card.atr
		}
		return nil
	case <-m.cancelled:
		return scard.ErrCancelled
	case <-time.After(timeout):
		return scard.ErrTimeout
	}
}

func (m *MockSmartCardContext) Cancel() error {
	m.cancelOnce.Do(func() { close(m.cancelled) })
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *MockSmartCardContext) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// MockContextFactory hands out one prepared context.
type MockContextFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f *MockContextFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	responses    map[string][]byte // command hex -> response
	sent         []string
	shouldError  bool
	errorMsg     string
	disconnected bool
}

const (
	visaCreditAID   = "A0000000031010"
	visaElectronAID = "A0000000032010"
	mockTrack2      = "4761739001010010D28122011143804400000F"
)

// tlv encodes one BER-TLV object for scripted responses.
func tlv(tag uint32, parts ...[]byte) []byte {
	var value []byte
	for _, p := range parts {
		value = append(value, p...)
	}
	var out []byte
	switch {
	case tag > 0xFFFF:
		out = append(out, byte(tag>>16), byte(tag>>8), byte(tag))
	case tag > 0xFF:
		out = append(out, byte(tag>>8), byte(tag))
	default:
		out = append(out, byte(tag))
	}
	if len(value) > 0x7F {
		out = append(out, 0x81)
	}
	out = append(out, byte(len(value)))
	return append(out, value...)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func success(data []byte) []byte {
	return append(append([]byte{}, data...), 0x90, 0x00)
}

func selectCmd(name []byte) string {
	cmd := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(name))}, name...)
	return hex.EncodeToString(append(cmd, 0x00))
}

// NewMockCard creates a mock payment card with realistic data
func NewMockCard(cardType string) *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
		atr:       mustHex("3b6800000073c84013009000"),
	}

	entry := func(aid, label string, priority byte) []byte {
		return tlv(0x61, tlv(0x4F, mustHex(aid)), tlv(0x50, []byte(label)), tlv(0x87, []byte{priority}))
	}

	switch cardType {
	case "visa contact":
		// PSE with the directory in SFI 1
		card.responses[selectCmd(contactDirectory)] = success(tlv(0x6F,
			tlv(0x84, contactDirectory),
			tlv(0xA5, tlv(0x88, []byte{0x01}), tlv(0x5F2D, []byte("en")))))
		card.responses["00b2010c00"] = success(tlv(0x70, entry(visaCreditAID, "VISA CREDIT", 1)))
		card.responses["00b2020c00"] = []byte{0x6A, 0x83}
		card.setupApplication(visaCreditAID, "VISA CREDIT")
	case "visa contactless":
		card.responses[selectCmd(contactlessDirectory)] = success(tlv(0x6F,
			tlv(0x84, contactlessDirectory),
			tlv(0xA5, tlv(0xBF0C, entry(visaCreditAID, "VISA CREDIT", 1)))))
		card.setupApplication(visaCreditAID, "VISA CREDIT")
	case "multi application":
		card.responses[selectCmd(contactlessDirectory)] = success(tlv(0x6F,
			tlv(0x84, contactlessDirectory),
			tlv(0xA5, tlv(0xBF0C,
				entry(visaCreditAID, "VISA CREDIT", 2),
				entry(visaElectronAID, "VISA ELECTRON", 1)))))
		card.setupApplication(visaCreditAID, "VISA CREDIT")
		card.setupApplication(visaElectronAID, "VISA ELECTRON")
	case "no applications":
		card.responses[selectCmd(contactlessDirectory)] = []byte{0x6A, 0x82}
		card.responses[selectCmd(contactDirectory)] = []byte{0x6A, 0x82}
	}

	return card
}

// setupApplication scripts SELECT, GET PROCESSING OPTIONS and the record
// holding Track 2 equivalent data in SFI 2.
func (m *MockSmartCard) setupApplication(aid, label string) {
	m.responses[selectCmd(mustHex(aid))] = success(tlv(0x6F,
		tlv(0x84, mustHex(aid)),
		tlv(0xA5, tlv(0x50, []byte(label)))))

	// format 1: AIP 1C00, AFL SFI 2 record 1..1
	m.responses["80a8000002830000"] = success(tlv(0x80, []byte{0x1C, 0x00, 0x10, 0x01, 0x01, 0x00}))
	m.responses["00b2011400"] = success(tlv(0x70,
		tlv(0x57, mustHex(mockTrack2)),
		tlv(0x5F20, []byte("CARDHOLDER/VISA")),
		tlv(0x5F24, []byte{0x28, 0x12, 0x31}),
		tlv(0x5F34, []byte{0x01})))
}

// WithResponse overrides the response to one command.
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[strings.ToLower(cmdHex)] = rsp
	return m
}

// WithError makes the card return errors
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// Sent returns the commands transmitted so far, as hex.
func (m *MockSmartCard) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.sent...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}

	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	cmdHex := hex.EncodeToString(cmd)
	m.sent = append(m.sent, cmdHex)

	if resp, ok := m.responses[cmdHex]; ok {
		return resp, nil
	}

	// Default: file not found
	return []byte{0x6A, 0x82}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return SmartCardStatus{}, errors.New(m.errorMsg)
	}

	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          0,
		ActiveProtocol: 1,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}
