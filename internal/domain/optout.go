package domain

import (
	"strings"
	"unicode"
)

// Opt-out keywords checked against the first 40 characters of an inbound
// reply, case-insensitive, whole-word.
var optOutKeywords = []string{"STOP", "UNSUBSCRIBE", "CANCEL"}

// IsOptOut reports whether an inbound reply body is an opt-out request.
func IsOptOut(body string) bool {
	window := body
	if len(window) > 40 {
		window = window[:40]
	}
	upper := strings.ToUpper(window)
	for _, kw := range optOutKeywords {
		if containsWholeWord(upper, kw) {
			return true
		}
	}
	return false
}

func containsWholeWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordRune(rune(s[start-1]))
		afterOK := end >= len(s) || !isWordRune(rune(s[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(s) {
			return false
		}
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
