package core

import (
	"fmt"
	"strings"
)

// CardInfo is the non-sensitive view of a captured card. The full PAN never
// appears here.
type CardInfo struct {
	Brand          CardBrand   `json:"brand" cbor:"1,keyasint"`
	FirstSix       string      `json:"firstSix,omitempty" cbor:"2,keyasint,omitempty"`
	LastFour       string      `json:"lastFour,omitempty" cbor:"3,keyasint,omitempty"`
	CardholderName string      `json:"cardholderName,omitempty" cbor:"4,keyasint,omitempty"`
	Expiration     string      `json:"expiration,omitempty" cbor:"5,keyasint,omitempty"` // MM/YY
	InputMethod    InputMethod `json:"inputMethod" cbor:"6,keyasint"`
	EMV            *EMVDetails `json:"emv,omitempty" cbor:"7,keyasint,omitempty"`
}

// EMVDetails holds chip data reported for dip and tap transactions. Values
// are hex strings as read from the card or returned by the gateway.
type EMVDetails struct {
	ApplicationPreferredName      string `json:"applicationPreferredName,omitempty" cbor:"1,keyasint,omitempty"`
	ApplicationID                 string `json:"applicationId,omitempty" cbor:"2,keyasint,omitempty"`
	ApplicationLabel              string `json:"applicationLabel,omitempty" cbor:"3,keyasint,omitempty"`
	TransactionStatusIndicator    string `json:"transactionStatusIndicator,omitempty" cbor:"4,keyasint,omitempty"`
	ApplicationResponseCode       string `json:"applicationResponseCode,omitempty" cbor:"5,keyasint,omitempty"`
	ApplicationCryptogram         string `json:"applicationCryptogram,omitempty" cbor:"6,keyasint,omitempty"`
	ApplicationTransactionCounter string `json:"applicationTransactionCounter,omitempty" cbor:"7,keyasint,omitempty"`
	PANSequenceNumber             string `json:"panSequenceNumber,omitempty" cbor:"8,keyasint,omitempty"`
	IssuerActionCodeOnline        string `json:"issuerActionCodeOnline,omitempty" cbor:"9,keyasint,omitempty"`
	IssuerActionCodeDenial        string `json:"issuerActionCodeDenial,omitempty" cbor:"10,keyasint,omitempty"`
	IssuerActionCodeDefault       string `json:"issuerActionCodeDefault,omitempty" cbor:"11,keyasint,omitempty"`
	CardholderVerificationMethod  string `json:"cardholderVerificationMethod,omitempty" cbor:"12,keyasint,omitempty"`
	EntryMode                     string `json:"entryMode,omitempty" cbor:"13,keyasint,omitempty"`
}

// AsMap returns the populated fields keyed by their receipt labels.
func (d *EMVDetails) AsMap() map[string]string {
	if d == nil {
		return nil
	}
	m := make(map[string]string)
	add := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	add("Application Preferred Name", d.ApplicationPreferredName)
	add("AID", d.ApplicationID)
	add("Application Label", d.ApplicationLabel)
	add("TSI", d.TransactionStatusIndicator)
	add("ARC", d.ApplicationResponseCode)
	add("Application Cryptogram", d.ApplicationCryptogram)
	add("ATC", d.ApplicationTransactionCounter)
	add("PAN Sequence Number", d.PANSequenceNumber)
	add("IAC Online", d.IssuerActionCodeOnline)
	add("IAC Denial", d.IssuerActionCodeDenial)
	add("IAC Default", d.IssuerActionCodeDefault)
	add("CVM", d.CardholderVerificationMethod)
	add("Entry Mode", d.EntryMode)
	return m
}

// CardAID is one payment application offered by a chip card.
type CardAID struct {
	AID           string `json:"aid" cbor:"1,keyasint"`
	Label         string `json:"label,omitempty" cbor:"2,keyasint,omitempty"`
	PreferredName string `json:"preferredName,omitempty" cbor:"3,keyasint,omitempty"`
	Priority      int    `json:"priority,omitempty" cbor:"4,keyasint,omitempty"`
}

// DisplayName is what the cardholder should see when choosing an application.
func (a CardAID) DisplayName() string {
	if a.PreferredName != "" {
		return a.PreferredName
	}
	if a.Label != "" {
		return a.Label
	}
	return a.AID
}

// CardCapture is everything a reader or keyed entry captured for one card.
// PAN and Track2 are only held in memory and in deferred blobs; they are
// never serialized to JSON.
type CardCapture struct {
	Card   CardInfo  `cbor:"1,keyasint"`
	AIDs   []CardAID `cbor:"2,keyasint,omitempty"`
	PAN    string    `json:"-" cbor:"3,keyasint,omitempty"`
	Track2 string    `json:"-" cbor:"4,keyasint,omitempty"`
	CVV    string    `json:"-" cbor:"5,keyasint,omitempty"`
	Zip    string    `json:"-" cbor:"6,keyasint,omitempty"`
	Street string    `json:"-" cbor:"7,keyasint,omitempty"`
	ATR    string    `cbor:"8,keyasint,omitempty"`
}

// NeedsAIDSelection reports whether the card offers more than one
// application and none has been read yet.
func (c *CardCapture) NeedsAIDSelection() bool {
	return len(c.AIDs) > 1 && c.PAN == ""
}

// HasAID reports whether aid is one of the offered applications.
func (c *CardCapture) HasAID(aid string) bool {
	for _, a := range c.AIDs {
		if strings.EqualFold(a.AID, aid) {
			return true
		}
	}
	return false
}

// NewCardInfo builds the public view of a card from its PAN. expiry is
// YYMM as stored on cards.
func NewCardInfo(pan, name, expiry string, method InputMethod) CardInfo {
	info := CardInfo{
		Brand:          DetectBrand(pan),
		CardholderName: cleanCardholderName(name),
		InputMethod:    method,
	}
	if len(pan) >= 10 {
		info.FirstSix = pan[:6]
		info.LastFour = pan[len(pan)-4:]
	}
	if len(expiry) >= 4 {
		info.Expiration = fmt.Sprintf("%s/%s", expiry[2:4], expiry[0:2])
	}
	return info
}

// MaskPAN keeps the first six and last four digits.
func MaskPAN(pan string) string {
	if len(pan) < 10 {
		return strings.Repeat("*", len(pan))
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

// cleanCardholderName turns the "LAST/FIRST" track format into "FIRST LAST".
func cleanCardholderName(name string) string {
	name = strings.TrimSpace(name)
	if last, first, ok := strings.Cut(name, "/"); ok {
		first = strings.TrimSpace(first)
		last = strings.TrimSpace(last)
		if first == "" {
			return last
		}
		return first + " " + last
	}
	return name
}
