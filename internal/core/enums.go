package core

import "fmt"

// names maps enum values to their wire names. Index 0 is always "unknown".
type names []string

func (n names) text(v int) string {
	if v >= 0 && v < len(n) {
		return n[v]
	}
	return n[0]
}

func (n names) parse(kind, s string) (int, error) {
	for i, name := range n {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

// ReaderEvent is something that happened on the card reader.
type ReaderEvent int

const (
	ReaderEventUnknown ReaderEvent = iota
	ReaderEventDisconnected
	ReaderEventConnected
	ReaderEventConnectionErrored
	ReaderEventCardSwiped
	ReaderEventCardSwipeErrored
	ReaderEventCardInserted
	ReaderEventCardInsertErrored
	ReaderEventCardRemoved
	ReaderEventCardTapped
	ReaderEventCardTapErrored
	ReaderEventUpdateStarted
	ReaderEventUpdateCompleted
	ReaderEventAudioRecordingPermissionNotGranted
)

var readerEventNames = names{
	"unknown", "disconnected", "connected", "connectionErrored",
	"cardSwiped", "cardSwipeErrored", "cardInserted", "cardInsertErrored",
	"cardRemoved", "cardTapped", "cardTapErrored", "updateStarted",
	"updateCompleted", "audioRecordingPermissionNotGranted",
}

func (e ReaderEvent) String() string { return readerEventNames.text(int(e)) }

func (e ReaderEvent) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *ReaderEvent) UnmarshalText(b []byte) error {
	v, err := readerEventNames.parse("reader event", string(b))
	*e = ReaderEvent(v)
	return err
}

// IsError reports whether the event signals a failed read or connection.
func (e ReaderEvent) IsError() bool {
	switch e {
	case ReaderEventConnectionErrored, ReaderEventCardSwipeErrored,
		ReaderEventCardInsertErrored, ReaderEventCardTapErrored:
		return true
	}
	return false
}

// KeyedEntryEvent reports the completeness of keyed card data.
type KeyedEntryEvent int

const (
	KeyedEntryEventUnknown KeyedEntryEvent = iota
	KeyedEntryEventCardIncomplete
	KeyedEntryEventCardComplete
)

var keyedEntryEventNames = names{"unknown", "cardIncomplete", "cardComplete"}

func (e KeyedEntryEvent) String() string { return keyedEntryEventNames.text(int(e)) }

func (e KeyedEntryEvent) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *KeyedEntryEvent) UnmarshalText(b []byte) error {
	v, err := keyedEntryEventNames.parse("keyed entry event", string(b))
	*e = KeyedEntryEvent(v)
	return err
}

// InputMethod is how card data was captured.
type InputMethod int

const (
	InputMethodUnknown InputMethod = iota
	InputMethodKey
	InputMethodSwipe
	InputMethodDip
	InputMethodTap
	InputMethodSwipeFallback
)

var inputMethodNames = names{"unknown", "key", "swipe", "dip", "tap", "swipeFallback"}

func (m InputMethod) String() string { return inputMethodNames.text(int(m)) }

func (m InputMethod) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *InputMethod) UnmarshalText(b []byte) error {
	v, err := inputMethodNames.parse("input method", string(b))
	*m = InputMethod(v)
	return err
}

// ReaderType is the physical interface of a reader.
type ReaderType int

const (
	ReaderTypeUnknown ReaderType = iota
	ReaderTypeAudioJack
	ReaderTypeBluetooth
	ReaderTypeUSB
)

var readerTypeNames = names{"unknown", "audioJack", "bluetooth", "usb"}

func (t ReaderType) String() string { return readerTypeNames.text(int(t)) }

func (t ReaderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ReaderType) UnmarshalText(b []byte) error {
	v, err := readerTypeNames.parse("reader type", string(b))
	*t = ReaderType(v)
	return err
}

// ReaderModel is a known reader product.
type ReaderModel int

const (
	ReaderModelUnknown ReaderModel = iota
	ReaderModelShuttle
	ReaderModelBTMag
	ReaderModelA100
	ReaderModelA200
	ReaderModelB550
	ReaderModelB500
	ReaderModelA250
	ReaderModelB200
	ReaderModelB250
)

var readerModelNames = names{
	"unknown", "shuttle", "btMag", "A100", "A200", "B550", "B500", "A250", "B200", "B250",
}

func (m ReaderModel) String() string { return readerModelNames.text(int(m)) }

func (m ReaderModel) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ReaderModel) UnmarshalText(b []byte) error {
	v, err := readerModelNames.parse("reader model", string(b))
	*m = ReaderModel(v)
	return err
}

// BatteryStatus of readers with a rechargeable battery.
type BatteryStatus int

const (
	BatteryStatusUnknown BatteryStatus = iota
	BatteryStatusLow
	BatteryStatusNominal
	BatteryStatusPluggedIn
)

var batteryStatusNames = names{"unknown", "low", "nominal", "pluggedIn"}

func (b BatteryStatus) String() string { return batteryStatusNames.text(int(b)) }

func (b BatteryStatus) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BatteryStatus) UnmarshalText(text []byte) error {
	v, err := batteryStatusNames.parse("battery status", string(text))
	*b = BatteryStatus(v)
	return err
}
