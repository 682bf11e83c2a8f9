package agents

import (
	"strings"

	"github.com/cadencehq/cadence/internal/domain"
)

// Keyword tables for the no-model signal heuristic. Intentionally coarse:
// the heuristic only needs to keep the handover evaluator moving while the
// model provider is down.
var (
	buyingPhrases = map[string]string{
		"how much":     "pricing_inquiry",
		"price":        "pricing_inquiry",
		"pricing":      "pricing_inquiry",
		"cost":         "pricing_inquiry",
		"schedule":     "meeting_request",
		"call me":      "meeting_request",
		"appointment":  "meeting_request",
		"available":    "availability_check",
		"when can":     "availability_check",
		"ready to":     "purchase_intent",
		"sign up":      "purchase_intent",
		"interested":   "expressed_interest",
		"tell me more": "expressed_interest",
	}

	negativePhrases = []string{
		"not interested", "no thanks", "stop contacting", "leave me alone",
		"wrong person", "too expensive",
	}
	positivePhrases = []string{
		"great", "thanks", "sounds good", "perfect", "yes", "interested",
	}
)

// HeuristicSignals derives conversation signals from keyword scans over the
// inbound messages. Score is proportional to distinct buying signals hit,
// capped at 8 so the heuristic alone cannot trip a 9+ threshold.
func HeuristicSignals(history []*domain.Message, criteria domain.HandoverCriteria) *domain.Signals {
	signals := &domain.Signals{Sentiment: domain.SentimentNeutral}

	seen := map[string]bool{}
	var inboundText []string
	for _, m := range history {
		if m.Direction != domain.DirectionInbound {
			continue
		}
		lower := strings.ToLower(m.Content)
		inboundText = append(inboundText, lower)
		for phrase, signal := range buyingPhrases {
			if strings.Contains(lower, phrase) && !seen[signal] {
				seen[signal] = true
				signals.BuyingSignals = append(signals.BuyingSignals, signal)
			}
		}
	}

	for _, kw := range criteria.KeywordTriggers {
		for _, text := range inboundText {
			if containsWholeWordFold(text, kw) {
				signals.KeywordsHit = append(signals.KeywordsHit, kw)
				break
			}
		}
	}

	score := float64(len(signals.BuyingSignals)) * 2
	if score > 8 {
		score = 8
	}
	signals.QualificationScore = score

	pos, neg := 0, 0
	for _, text := range inboundText {
		for _, p := range positivePhrases {
			if strings.Contains(text, p) {
				pos++
				break
			}
		}
		for _, n := range negativePhrases {
			if strings.Contains(text, n) {
				neg++
				break
			}
		}
	}
	switch {
	case neg > pos:
		signals.Sentiment = domain.SentimentNegative
	case pos > 0:
		signals.Sentiment = domain.SentimentPositive
	}

	return signals
}

// containsWholeWordFold reports a case-insensitive whole-word match of word
// in text.
func containsWholeWordFold(text, word string) bool {
	text = strings.ToLower(text)
	word = strings.ToLower(word)
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
