// Package segment computes the carrier encoding, segment count, and cost of
// a message body. The computation is deterministic so locally estimated
// segment counts can be reconciled against the provider's billed counts.
package segment

import "math"

// Encoding is the wire alphabet a message body requires.
type Encoding string

const (
	EncodingGSM7 Encoding = "gsm7" // 7-bit default alphabet
	EncodingUCS2 Encoding = "ucs2" // Double-byte fallback
)

// Per-segment capacities. Multipart messages lose room to the
// concatenation headers (UDH).
const (
	gsm7Single = 160
	gsm7Multi  = 153
	ucs2Single = 70
	ucs2Multi  = 67
)

// gsm7Base is the GSM 03.38 default alphabet; each rune costs one septet.
var gsm7Base = map[rune]struct{}{}

// gsm7Extension holds the escape-table characters; each costs two septets.
var gsm7Extension = map[rune]struct{}{}

func init() {
	base := "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	for _, r := range base {
		gsm7Base[r] = struct{}{}
	}
	for _, r := range "^{}\\[~]|€" {
		gsm7Extension[r] = struct{}{}
	}
}

// Info is the result of estimating a message body.
type Info struct {
	Encoding   Encoding
	Units      int // Septets for GSM-7, UTF-16 code units for UCS-2
	PerSegment int // Capacity applied after the split threshold
	Segments   int
}

// Cost prices the estimate at the campaign's per-segment rate.
func (i Info) Cost(perSegmentRate float64) float64 {
	return float64(i.Segments) * perSegmentRate
}

// Estimate classifies the body's encoding and computes its segment count.
// A body fitting one segment uses the full single-segment capacity; once it
// must split, every segment carries a concatenation header and the reduced
// capacity applies to all of them.
func Estimate(body string) Info {
	if units, ok := gsm7Units(body); ok {
		return sized(EncodingGSM7, units, gsm7Single, gsm7Multi)
	}
	return sized(EncodingUCS2, utf16Units(body), ucs2Single, ucs2Multi)
}

func sized(enc Encoding, units, single, multi int) Info {
	info := Info{Encoding: enc, Units: units, PerSegment: single, Segments: 1}
	if units == 0 {
		return info
	}
	if units > single {
		info.PerSegment = multi
	}
	info.Segments = int(math.Ceil(float64(units) / float64(info.PerSegment)))
	return info
}

// gsm7Units counts septets, or reports false if any rune falls outside the
// default alphabet and its extension table.
func gsm7Units(body string) (int, bool) {
	units := 0
	for _, r := range body {
		if _, ok := gsm7Base[r]; ok {
			units++
			continue
		}
		if _, ok := gsm7Extension[r]; ok {
			units += 2 // Escape prefix plus the character itself
			continue
		}
		return 0, false
	}
	return units, true
}

// utf16Units counts UTF-16 code units, so astral-plane runes (emoji) cost two.
func utf16Units(body string) int {
	units := 0
	for _, r := range body {
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return units
}
