package ingest

import "strings"

// KeywordAction classifies an inbound message body's consent intent.
type KeywordAction int

const (
	ActionNone  KeywordAction = iota
	ActionStop                // Create or refresh a suppression entry
	ActionStart               // Remove or expire the matching entry
)

// Carrier-mandated keyword sets. Matches are case-insensitive whole words.
var (
	stopKeywords  = wordSet("STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "QUIT", "END")
	startKeywords = wordSet("START", "UNSTOP")
)

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// DetectKeyword scans an inbound body for STOP-class and START-class
// keywords. The first matching word wins.
func DetectKeyword(body string) KeywordAction {
	for _, field := range strings.Fields(strings.ToUpper(body)) {
		word := strings.Trim(field, ".,!?;:\"'()")
		if _, ok := stopKeywords[word]; ok {
			return ActionStop
		}
		if _, ok := startKeywords[word]; ok {
			return ActionStart
		}
	}
	return ActionNone
}
