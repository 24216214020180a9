package core

import "strings"

// ReaderInfo is a snapshot of a connected or discovered reader.
type ReaderInfo struct {
	Name          string        `json:"name" cbor:"1,keyasint"`
	Type          ReaderType    `json:"type" cbor:"2,keyasint"`
	Model         ReaderModel   `json:"model" cbor:"3,keyasint"`
	BatteryStatus BatteryStatus `json:"batteryStatus" cbor:"4,keyasint"`
}

type modelSpec struct {
	readerType ReaderType
	methods    []InputMethod
}

var modelSpecs = map[ReaderModel]modelSpec{
	ReaderModelShuttle: {ReaderTypeAudioJack, []InputMethod{InputMethodSwipe}},
	ReaderModelBTMag:   {ReaderTypeBluetooth, []InputMethod{InputMethodSwipe}},
	ReaderModelA100:    {ReaderTypeAudioJack, []InputMethod{InputMethodSwipe}},
	ReaderModelA200:    {ReaderTypeAudioJack, []InputMethod{InputMethodSwipe, InputMethodDip}},
	ReaderModelB550:    {ReaderTypeBluetooth, []InputMethod{InputMethodSwipe, InputMethodDip, InputMethodTap}},
	ReaderModelB500:    {ReaderTypeBluetooth, []InputMethod{InputMethodSwipe, InputMethodDip}},
	ReaderModelA250:    {ReaderTypeAudioJack, []InputMethod{InputMethodSwipe, InputMethodDip, InputMethodTap}},
	ReaderModelB200:    {ReaderTypeBluetooth, []InputMethod{InputMethodSwipe, InputMethodDip}},
	ReaderModelB250:    {ReaderTypeBluetooth, []InputMethod{InputMethodSwipe, InputMethodDip, InputMethodTap}},
}

// ReaderType returns the interface the model connects over.
func (m ReaderModel) ReaderType() ReaderType {
	return modelSpecs[m].readerType
}

// InputMethods returns the card input methods the model supports.
func (m ReaderModel) InputMethods() []InputMethod {
	methods := modelSpecs[m].methods
	out := make([]InputMethod, len(methods))
	copy(out, methods)
	return out
}

// IsContactless reports whether a PC/SC reader name refers to the
// contactless interface. Vendors use PICC or CL in the interface name.
func IsContactless(readerName string) bool {
	return strings.Contains(readerName, "PICC") || strings.Contains(readerName, " CL ") || strings.HasSuffix(readerName, " CL")
}

// pcscInputMethods derives the input methods of a PC/SC reader from its name.
func pcscInputMethods(readerName string) []InputMethod {
	if strings.Contains(readerName, "Dual") {
		return []InputMethod{InputMethodDip, InputMethodTap}
	}
	if IsContactless(readerName) {
		return []InputMethod{InputMethodTap}
	}
	return []InputMethod{InputMethodDip}
}
