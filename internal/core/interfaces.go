package core

import (
	"context"
	"time"
)

// SmartCardContext represents a PC/SC context for listing and watching readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Cancel() error
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ReaderState is the input and output of GetStatusChange for one reader.
type ReaderState struct {
	Reader       string
	CurrentState uint32
	EventState   uint32
	Atr          []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// Driver discovers readers and opens connections to them. The PC/SC driver
// talks to real hardware; the simulated driver backs demo mode and tests.
type Driver interface {
	Readers(ctx context.Context) ([]ReaderInfo, error)
	Open(ctx context.Context, reader ReaderInfo) (Connection, error)
}

// Connection is an open reader. Events delivers reader events in order and
// is closed when the connection ends.
type Connection interface {
	Info() ReaderInfo
	InputMethods() []InputMethod
	Events() <-chan DriverEvent
	// SelectApplication reads the card using the chosen application after the
	// card offered several.
	SelectApplication(ctx context.Context, aid string) (*CardCapture, error)
	Close() error
}

// DriverEvent is a reader event, optionally carrying what was read from the
// card or why the read failed.
type DriverEvent struct {
	Event   ReaderEvent
	Capture *CardCapture
	Err     error
}
