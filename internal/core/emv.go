package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Directory names selected to list the applications on a card.
var (
	contactDirectory     = []byte("1PAY.SYS.DDF01")
	contactlessDirectory = []byte("2PAY.SYS.DDF01")
)

// Status word errors returned by cards.
var (
	errFileNotFound   = fmt.Errorf("file or application not found")
	errRecordNotFound = fmt.Errorf("record not found")
)

// apdu sends a command and returns the response data, following the
// 61xx (more data) and 6Cxx (wrong Le) conventions.
func apdu(card SmartCard, cmd []byte) ([]byte, error) {
	rsp, err := card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit failed: %w", err)
	}

	for i := 0; i < 8; i++ {
		if len(rsp) < 2 {
			return nil, fmt.Errorf("invalid response length: %d", len(rsp))
		}
		sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]
		switch {
		case sw1 == 0x90 && sw2 == 0x00:
			return rsp[:len(rsp)-2], nil
		case sw1 == 0x61:
			rsp, err = card.Transmit([]byte{0x00, 0xC0, 0x00, 0x00, sw2})
		case sw1 == 0x6C:
			retry := append([]byte{}, cmd...)
			retry[len(retry)-1] = sw2
			rsp, err = card.Transmit(retry)
		case sw1 == 0x6A && sw2 == 0x82:
			return nil, errFileNotFound
		case sw1 == 0x6A && sw2 == 0x83:
			return nil, errRecordNotFound
		default:
			return nil, fmt.Errorf("command failed with status: %02X %02X", sw1, sw2)
		}
		if err != nil {
			return nil, fmt.Errorf("transmit failed: %w", err)
		}
	}
	return nil, fmt.Errorf("too many response chaining steps")
}

func selectByName(card SmartCard, name []byte) ([]TLV, error) {
	cmd := []byte{0x00, 0xA4, 0x04, 0x00, byte(len(name))}
	cmd = append(cmd, name...)
	cmd = append(cmd, 0x00)
	data, err := apdu(card, cmd)
	if err != nil {
		return nil, err
	}
	return ParseTLV(data)
}

func readRecord(card SmartCard, sfi, record byte) ([]TLV, error) {
	data, err := apdu(card, []byte{0x00, 0xB2, record, sfi<<3 | 0x04, 0x00})
	if err != nil {
		return nil, err
	}
	return ParseTLV(data)
}

// ReadApplications lists the payment applications on the card in reader
// priority order.
func ReadApplications(card SmartCard, contactless bool) ([]CardAID, error) {
	dir := contactDirectory
	if contactless {
		dir = contactlessDirectory
	}
	fci, err := selectByName(card, dir)
	if err != nil {
		return nil, fmt.Errorf("select payment directory: %w", err)
	}

	var entries []TLV
	if _, ok := FindTag(fci, 0xBF0C); ok {
		entries = FindAll(fci, 0x61)
	} else if sfiTag, ok := FindTag(fci, 0x88); ok && len(sfiTag.Value) == 1 {
		sfi := sfiTag.Value[0]
		for rec := byte(1); rec < 16; rec++ {
			tlvs, err := readRecord(card, sfi, rec)
			if err == errRecordNotFound {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read directory record %d: %w", rec, err)
			}
			entries = append(entries, FindAll(tlvs, 0x61)...)
		}
	}

	var aids []CardAID
	for _, e := range entries {
		aidTag, ok := FindTag(e.Children, 0x4F)
		if !ok {
			continue
		}
		aid := CardAID{AID: strings.ToUpper(hex.EncodeToString(aidTag.Value))}
		if t, ok := FindTag(e.Children, 0x50); ok {
			aid.Label = strings.TrimSpace(string(t.Value))
		}
		if t, ok := FindTag(e.Children, 0x9F12); ok {
			aid.PreferredName = strings.TrimSpace(string(t.Value))
		}
		if t, ok := FindTag(e.Children, 0x87); ok && len(t.Value) == 1 {
			aid.Priority = int(t.Value[0] & 0x0F)
		}
		aids = append(aids, aid)
	}
	if len(aids) == 0 {
		return nil, fmt.Errorf("no payment applications on card")
	}

	sortAIDs(aids)
	return aids, nil
}

// sortAIDs orders by priority, with 0 (no priority) last. Stable so the
// card's own order breaks ties.
func sortAIDs(aids []CardAID) {
	rank := func(p int) int {
		if p == 0 {
			return 16
		}
		return p
	}
	for i := 1; i < len(aids); i++ {
		for j := i; j > 0 && rank(aids[j].Priority) < rank(aids[j-1].Priority); j-- {
			aids[j], aids[j-1] = aids[j-1], aids[j]
		}
	}
}

// ReadApplication selects aid and reads the cardholder data records. Only
// static data is read; no cryptogram is requested.
func ReadApplication(card SmartCard, aid string, method InputMethod) (*CardCapture, error) {
	aidBytes, err := hex.DecodeString(aid)
	if err != nil {
		return nil, fmt.Errorf("invalid AID %q: %w", aid, err)
	}
	fci, err := selectByName(card, aidBytes)
	if err != nil {
		return nil, fmt.Errorf("select application: %w", err)
	}

	emv := &EMVDetails{
		ApplicationID: strings.ToUpper(aid),
		EntryMode:     method.String(),
	}
	if t, ok := FindTag(fci, 0x50); ok {
		emv.ApplicationLabel = strings.TrimSpace(string(t.Value))
	}
	if t, ok := FindTag(fci, 0x9F12); ok {
		emv.ApplicationPreferredName = strings.TrimSpace(string(t.Value))
	}

	var pdolData []byte
	if t, ok := FindTag(fci, 0x9F38); ok {
		entries, err := parseDOL(t.Value)
		if err != nil {
			return nil, err
		}
		pdolData = fillDOL(entries, time.Now())
	}

	gpo := []byte{0x80, 0xA8, 0x00, 0x00, byte(len(pdolData) + 2), 0x83, byte(len(pdolData))}
	gpo = append(gpo, pdolData...)
	gpo = append(gpo, 0x00)
	gpoData, err := apdu(card, gpo)
	if err != nil {
		return nil, fmt.Errorf("get processing options: %w", err)
	}
	gpoTLV, err := ParseTLV(gpoData)
	if err != nil {
		return nil, fmt.Errorf("parse processing options: %w", err)
	}

	var afl []byte
	collected := gpoTLV
	if t, ok := FindTag(gpoTLV, 0x80); ok && len(t.Value) >= 2 {
		afl = t.Value[2:]
	} else if t, ok := FindTag(gpoTLV, 0x94); ok {
		afl = t.Value
	}
	if t, ok := FindTag(gpoTLV, 0x9F36); ok {
		emv.ApplicationTransactionCounter = strings.ToUpper(hex.EncodeToString(t.Value))
	}

	for i := 0; i+4 <= len(afl); i += 4 {
		sfi := afl[i] >> 3
		for rec := afl[i+1]; rec <= afl[i+2] && rec != 0; rec++ {
			tlvs, err := readRecord(card, sfi, rec)
			if err != nil {
				return nil, fmt.Errorf("read record %d/%d: %w", sfi, rec, err)
			}
			collected = append(collected, tlvs...)
		}
	}

	capture := &CardCapture{AIDs: []CardAID{{
		AID:           emv.ApplicationID,
		Label:         emv.ApplicationLabel,
		PreferredName: emv.ApplicationPreferredName,
	}}}

	var pan, expiry, name string
	if t, ok := FindTag(collected, 0x57); ok {
		capture.Track2 = strings.ToUpper(hex.EncodeToString(t.Value))
		pan, expiry = parseTrack2(capture.Track2)
	}
	if t, ok := FindTag(collected, 0x5A); ok {
		pan = strings.TrimRight(strings.ToUpper(hex.EncodeToString(t.Value)), "F")
	}
	if t, ok := FindTag(collected, 0x5F24); ok && len(t.Value) >= 2 {
		expiry = hex.EncodeToString(t.Value[:2])
	}
	if t, ok := FindTag(collected, 0x5F20); ok {
		name = string(t.Value)
	}
	if t, ok := FindTag(collected, 0x5F34); ok {
		emv.PANSequenceNumber = hex.EncodeToString(t.Value)
	}
	if t, ok := FindTag(collected, 0x9F0F); ok {
		emv.IssuerActionCodeOnline = strings.ToUpper(hex.EncodeToString(t.Value))
	}
	if t, ok := FindTag(collected, 0x9F0E); ok {
		emv.IssuerActionCodeDenial = strings.ToUpper(hex.EncodeToString(t.Value))
	}
	if t, ok := FindTag(collected, 0x9F0D); ok {
		emv.IssuerActionCodeDefault = strings.ToUpper(hex.EncodeToString(t.Value))
	}
	if pan == "" {
		return nil, fmt.Errorf("card did not return a PAN")
	}

	capture.PAN = pan
	capture.Card = NewCardInfo(pan, name, expiry, method)
	capture.Card.EMV = emv
	return capture, nil
}

// parseTrack2 extracts the PAN and YYMM expiry from Track 2 equivalent data
// in its hex form (separator D, trailing F padding).
func parseTrack2(track2 string) (pan, expiry string) {
	pan, rest, ok := strings.Cut(track2, "D")
	if !ok {
		return strings.TrimRight(track2, "F"), ""
	}
	if len(rest) >= 4 {
		expiry = rest[:4]
	}
	return pan, expiry
}

// fillDOL builds the value for a data object list. Terminal data the card
// commonly asks for is supplied; anything else is zero filled.
func fillDOL(entries []dolEntry, now time.Time) []byte {
	var out []byte
	for _, e := range entries {
		v := make([]byte, e.length)
		switch e.tag {
		case 0x9F66: // terminal transaction qualifiers: contactless EMV, online capable
			copy(v, []byte{0x36, 0x00, 0x40, 0x00})
		case 0x9F1A, 0x5F2A: // terminal country / transaction currency: US, USD
			copy(v[max(0, len(v)-2):], []byte{0x08, 0x40})
		case 0x9A:
			d, _ := hex.DecodeString(now.Format("060102"))
			copy(v, d)
		case 0x9F37:
			_, _ = rand.Read(v)
		}
		out = append(out, v...)
	}
	return out
}
