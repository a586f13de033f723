package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateGSM7Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		encoding Encoding
		segments int
	}{
		{"empty body is one segment", "", EncodingGSM7, 1},
		{"single char", "a", EncodingGSM7, 1},
		{"exactly 160 gsm7 chars", strings.Repeat("a", 160), EncodingGSM7, 1},
		{"161 gsm7 chars splits to 2", strings.Repeat("a", 161), EncodingGSM7, 2},
		{"306 chars fills 2 split segments", strings.Repeat("a", 306), EncodingGSM7, 2},
		{"307 chars needs 3", strings.Repeat("a", 307), EncodingGSM7, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Estimate(tt.body)
			assert.Equal(t, tt.encoding, info.Encoding)
			assert.Equal(t, tt.segments, info.Segments)
		})
	}
}

func TestEstimateExtensionCharsCostTwoSeptets(t *testing.T) {
	// 159 plain chars plus one extension char is 161 septets: splits.
	body := strings.Repeat("a", 159) + "{"
	info := Estimate(body)
	assert.Equal(t, EncodingGSM7, info.Encoding)
	assert.Equal(t, 161, info.Units)
	assert.Equal(t, 2, info.Segments)

	// 158 plain chars plus one extension char still fits.
	info = Estimate(strings.Repeat("a", 158) + "€")
	assert.Equal(t, 160, info.Units)
	assert.Equal(t, 1, info.Segments)
}

func TestEstimateUCS2(t *testing.T) {
	info := Estimate("héllo ☎")
	assert.Equal(t, EncodingUCS2, info.Encoding)

	info = Estimate("🎉 sale today")
	assert.Equal(t, EncodingUCS2, info.Encoding)
	// Emoji occupies two UTF-16 code units.
	assert.Equal(t, 13, info.Units)
	assert.Equal(t, 1, info.Segments)

	info = Estimate(strings.Repeat("☎", 70))
	assert.Equal(t, 1, info.Segments)

	info = Estimate(strings.Repeat("☎", 71))
	assert.Equal(t, 2, info.Segments)
	assert.Equal(t, ucs2Multi, info.PerSegment)
}

func TestCostIsSegmentsTimesRate(t *testing.T) {
	info := Estimate(strings.Repeat("a", 400)) // 3 segments at 153 each
	assert.Equal(t, 3, info.Segments)
	assert.InDelta(t, 0.0225, info.Cost(0.0075), 1e-9)
}
