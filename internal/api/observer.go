package api

import (
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

// wsObserver forwards a session's callbacks to the client that created it.
// Events carry no request ID; clients match them by sessionId.
type wsObserver struct {
	client *WSClient
}

var _ transaction.ExtendedObserver = (*wsObserver)(nil)

func (o *wsObserver) event(s *transaction.Session, msgType string, fields map[string]any) {
	payload := map[string]any{"sessionId": s.ID()}
	for k, v := range fields {
		payload[k] = v
	}
	o.client.sendResponse("", msgType, payload)
}

func (o *wsObserver) DidUpdateState(s *transaction.Session, state transaction.State, err error) {
	fields := map[string]any{"state": state}
	if err != nil {
		fields["error"] = err.Error()
		fields["code"] = errs.CodeOf(err).String()
	}
	o.event(s, "state", fields)
}

func (o *wsObserver) DidRequestDisplayMessage(s *transaction.Session, msg transaction.Message) {
	o.event(s, "display_message", map[string]any{"message": msg})
}

func (o *wsObserver) DidRequestProcessOption(s *transaction.Session, card core.CardInfo) {
	o.event(s, "process_option_request", map[string]any{"card": card})
}

func (o *wsObserver) DidDefer(s *transaction.Session, data []byte) {
	o.client.untrack(s)
	o.event(s, "deferred", map[string]any{"data": data})
}

func (o *wsObserver) DidRequestCVM(s *transaction.Session, cvm transaction.CVM) {
	o.event(s, "cvm_request", map[string]any{"cvm": cvm})
}

func (o *wsObserver) DidComplete(s *transaction.Session, rec *record.Record) {
	o.client.untrack(s)
	o.event(s, "completed", map[string]any{"transaction": rec})
}

func (o *wsObserver) DidUpdateReaders(s *transaction.Session, readers []core.ReaderInfo) {
	o.event(s, "readers", map[string]any{"readers": readers})
}

func (o *wsObserver) DidReceiveReaderEvent(s *transaction.Session, event core.ReaderEvent, reader *core.ReaderInfo) {
	o.event(s, "reader_event", map[string]any{"event": event, "reader": reader})
}

func (o *wsObserver) DidReceiveKeyedEntryEvent(s *transaction.Session, event core.KeyedEntryEvent) {
	o.event(s, "keyed_entry_event", map[string]any{"event": event})
}

func (o *wsObserver) DidUpdateInputMethods(s *transaction.Session, methods []core.InputMethod) {
	o.event(s, "input_methods", map[string]any{"inputMethods": methods})
}

func (o *wsObserver) DidRequestCardAIDSelection(s *transaction.Session, aids []core.CardAID) {
	o.event(s, "aid_selection", map[string]any{"aids": aids})
}

func (o *wsObserver) DidRequestAdjustment(s *transaction.Session) {
	o.event(s, "adjustment_request", nil)
}

func (o *wsObserver) DidCompleteWithHistorical(s *transaction.Session, h *record.Historical) {
	o.event(s, "historical", map[string]any{"historical": h})
}
