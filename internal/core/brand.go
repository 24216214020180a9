package core

import "strconv"

// CardBrand is the card network derived from the leading digits of the PAN.
type CardBrand int

const (
	CardBrandUnknown CardBrand = iota
	CardBrandAmericanExpress
	CardBrandChinaUnionPay
	CardBrandDinersClubCarteBlanche
	CardBrandDinersClubInternational
	CardBrandDiscover
	CardBrandInterpayment
	CardBrandInstapayment
	CardBrandJCB
	CardBrandMaestro
	CardBrandDankort
	CardBrandMastercard
	CardBrandVisa
	CardBrandUATP
	CardBrandVerve
	CardBrandCardGuard
)

var cardBrandNames = names{
	"unknown", "americanExpress", "chinaUnionPay", "dinersClubCarteBlanche",
	"dinersClubInternational", "discoverCard", "interpayment", "instapayment",
	"JCB", "maestro", "dankort", "mastercard", "visa", "UATP", "verve", "cardguard",
}

func (b CardBrand) String() string { return cardBrandNames.text(int(b)) }

func (b CardBrand) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *CardBrand) UnmarshalText(text []byte) error {
	v, err := cardBrandNames.parse("card brand", string(text))
	*b = CardBrand(v)
	return err
}

// Supported reports whether the gateway accepts the brand.
func (b CardBrand) Supported() bool {
	switch b {
	case CardBrandAmericanExpress, CardBrandDiscover, CardBrandMastercard, CardBrandVisa:
		return true
	}
	return false
}

// binRange matches PANs whose first len(lo) digits fall in [lo, hi].
type binRange struct {
	lo, hi string
	brand  CardBrand
}

// Longer prefixes come first so the most specific range wins: 6011 is
// Discover even though 60-69 overlaps Maestro, 5019 is Dankort, 5392 is
// CardGuard.
var binRanges = []binRange{
	{"622126", "622925", CardBrandDiscover},
	{"2221", "2720", CardBrandMastercard},
	{"3528", "3589", CardBrandJCB},
	{"5019", "5019", CardBrandDankort},
	{"5392", "5392", CardBrandCardGuard},
	{"6011", "6011", CardBrandDiscover},
	{"300", "305", CardBrandDinersClubCarteBlanche},
	{"309", "309", CardBrandDinersClubInternational},
	{"636", "636", CardBrandInterpayment},
	{"637", "639", CardBrandInstapayment},
	{"644", "649", CardBrandDiscover},
	{"16", "16", CardBrandVerve},
	{"19", "19", CardBrandVerve},
	{"34", "34", CardBrandAmericanExpress},
	{"37", "37", CardBrandAmericanExpress},
	{"36", "36", CardBrandDinersClubInternational},
	{"38", "39", CardBrandDinersClubInternational},
	{"50", "50", CardBrandMaestro},
	{"51", "55", CardBrandMastercard},
	{"56", "56", CardBrandChinaUnionPay},
	{"62", "62", CardBrandChinaUnionPay},
	{"65", "65", CardBrandDiscover},
	{"57", "69", CardBrandMaestro},
	{"4", "4", CardBrandVisa},
	{"1", "1", CardBrandUATP},
}

// DetectBrand returns the brand for a PAN or BIN prefix.
func DetectBrand(pan string) CardBrand {
	for _, r := range binRanges {
		n := len(r.lo)
		if len(pan) < n {
			continue
		}
		prefix, err := strconv.Atoi(pan[:n])
		if err != nil {
			return CardBrandUnknown
		}
		lo, _ := strconv.Atoi(r.lo)
		hi, _ := strconv.Atoi(r.hi)
		if prefix >= lo && prefix <= hi {
			return r.brand
		}
	}
	return CardBrandUnknown
}
