package transaction

import (
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/record"
)

// Observer receives a session's callbacks. All callbacks for one session
// come from a single goroutine, in order, and a state update always comes
// before the callbacks that belong to that state. Callbacks may call back
// into the session; actions queue behind the current callback.
type Observer interface {
	// DidUpdateState reports a new state, or an error with the state
	// unchanged.
	DidUpdateState(s *Session, state State, err error)
	DidRequestDisplayMessage(s *Session, msg Message)
	DidRequestProcessOption(s *Session, card core.CardInfo)
	// DidDefer delivers the data ResumeDeferred needs to continue later.
	DidDefer(s *Session, data []byte)
	DidRequestCVM(s *Session, cvm CVM)
	DidComplete(s *Session, rec *record.Record)
}

// ExtendedObserver adds the callbacks that only fire for some readers and
// flows. Embed BaseObserver to pick only the ones you need.
type ExtendedObserver interface {
	Observer
	DidUpdateReaders(s *Session, readers []core.ReaderInfo)
	DidReceiveReaderEvent(s *Session, event core.ReaderEvent, reader *core.ReaderInfo)
	DidReceiveKeyedEntryEvent(s *Session, event core.KeyedEntryEvent)
	DidUpdateInputMethods(s *Session, methods []core.InputMethod)
	DidRequestCardAIDSelection(s *Session, aids []core.CardAID)
	DidRequestAdjustment(s *Session)
	DidCompleteWithHistorical(s *Session, h *record.Historical)
}

// BaseObserver implements the ExtendedObserver callbacks as no-ops.
type BaseObserver struct{}

func (BaseObserver) DidUpdateReaders(*Session, []core.ReaderInfo)                       {}
func (BaseObserver) DidReceiveReaderEvent(*Session, core.ReaderEvent, *core.ReaderInfo) {}
func (BaseObserver) DidReceiveKeyedEntryEvent(*Session, core.KeyedEntryEvent)           {}
func (BaseObserver) DidUpdateInputMethods(*Session, []core.InputMethod)                 {}
func (BaseObserver) DidRequestCardAIDSelection(*Session, []core.CardAID)                {}
func (BaseObserver) DidRequestAdjustment(*Session)                                      {}
func (BaseObserver) DidCompleteWithHistorical(*Session, *record.Historical)             {}
