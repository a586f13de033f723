package compliance

import (
	"strings"

	"sms-dispatch-engine/internal/domain"
)

// KeywordClassifier flags regulated content by whole-word keyword match.
// Campaigns explicitly authorized for a category pass the gate anyway.
type KeywordClassifier struct {
	categories map[domain.ContentCategory][]string
}

// NewKeywordClassifier builds a classifier with the default category lists.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		categories: map[domain.ContentCategory][]string{
			domain.CategoryLending:     {"loan", "payday", "refinance", "debt relief"},
			domain.CategoryGambling:    {"casino", "betting", "jackpot", "poker"},
			domain.CategorySweepstakes: {"sweepstakes", "prize", "winner", "free money"},
			domain.CategoryCannabis:    {"cannabis", "cbd", "thc", "dispensary"},
		},
	}
}

// Classify returns the first matched category scanning in a stable order.
func (c *KeywordClassifier) Classify(body string) (domain.ContentCategory, bool) {
	normalized := " " + normalize(body) + " "
	for _, cat := range []domain.ContentCategory{
		domain.CategoryLending,
		domain.CategoryGambling,
		domain.CategorySweepstakes,
		domain.CategoryCannabis,
	} {
		for _, kw := range c.categories[cat] {
			if strings.Contains(normalized, " "+kw+" ") {
				return cat, true
			}
		}
	}
	return "", false
}

// normalize lowercases the body and collapses punctuation to spaces so
// keyword matches stay whole-word.
func normalize(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	for _, r := range strings.ToLower(body) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
