package handover

import (
	"fmt"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
)

// buildDossier condenses the conversation into the structured payload a
// human picks up from. Everything here is derived from stored state; no
// model call is made on the handover path itself.
func buildDossier(lead *domain.Lead, conv *domain.Conversation, history []*domain.Message,
	signals *domain.Signals, tripped []string) domain.Dossier {

	contact := lead.Email
	if contact == "" {
		contact = lead.Phone
	}

	return domain.Dossier{
		Context: fmt.Sprintf("%s conversation with %s over %d messages, qualification score %.1f",
			conv.Channel, lead.Name, conv.MessageCount, signals.QualificationScore),
		LeadSnapshot: domain.LeadSnapshot{
			Name:      lead.Name,
			Contact:   contact,
			Origin:    lead.Source,
			Timing:    timing(lead),
			Interests: signals.BuyingSignals,
			Notes:     notes(lead),
		},
		CommunicationSummary: domain.CommSummary{
			Highlights:        highlights(history),
			Tone:              string(signals.Sentiment),
			EngagementPattern: engagementPattern(history),
		},
		ProfileAnalysis: domain.ProfileAnalysis{
			BuyerType: buyerType(signals),
			KeyHooks:  signals.KeywordsHit,
		},
		Trigger: domain.HandoverTrigger{
			Reason:          strings.Join(tripped, ","),
			Score:           signals.QualificationScore,
			Urgency:         urgency(signals, tripped),
			CriteriaTripped: tripped,
		},
		RecommendedActions: recommend(signals, tripped),
	}
}

// highlights returns the last few inbound messages, newest last, truncated
// for the summary view.
func highlights(history []*domain.Message) []string {
	var inbound []string
	for _, m := range history {
		if m.Direction == domain.DirectionInbound {
			inbound = append(inbound, truncate(m.Content, 200))
		}
	}
	if len(inbound) > 3 {
		inbound = inbound[len(inbound)-3:]
	}
	return inbound
}

func engagementPattern(history []*domain.Message) string {
	var inbound, outbound int
	var lastInbound time.Time
	for _, m := range history {
		if m.Direction == domain.DirectionInbound {
			inbound++
			lastInbound = m.CreatedAt
		} else {
			outbound++
		}
	}
	switch {
	case inbound == 0:
		return "no replies yet"
	case inbound >= outbound:
		return fmt.Sprintf("highly responsive (%d replies to %d sends, last %s)",
			inbound, outbound, lastInbound.Format("Jan 2 15:04"))
	default:
		return fmt.Sprintf("responding selectively (%d replies to %d sends)", inbound, outbound)
	}
}

func buyerType(signals *domain.Signals) string {
	switch {
	case signals.QualificationScore >= 8:
		return "ready to transact"
	case signals.QualificationScore >= 5:
		return "actively evaluating"
	case signals.Sentiment == domain.SentimentNegative:
		return "skeptical"
	default:
		return "early interest"
	}
}

func urgency(signals *domain.Signals, tripped []string) string {
	for _, t := range tripped {
		if strings.HasPrefix(t, "keyword:") || t == "goals_complete" {
			return "high"
		}
	}
	if signals.QualificationScore >= 8 {
		return "high"
	}
	if signals.QualificationScore >= 5 {
		return "medium"
	}
	return "low"
}

func recommend(signals *domain.Signals, tripped []string) domain.RecommendedActions {
	rec := domain.RecommendedActions{
		Approach: "continue the thread they started; reference their own words",
		Timeline: "respond within one business day",
	}
	if urgency(signals, tripped) == "high" {
		rec.Timeline = "respond within the hour"
		rec.UrgentActions = []string{"call or reply directly, do not restart the sequence"}
	}
	return rec
}

func timing(lead *domain.Lead) string {
	if v, ok := lead.Metadata["timeline"].(string); ok && v != "" {
		return v
	}
	return "not stated"
}

func notes(lead *domain.Lead) string {
	if v, ok := lead.Metadata["notes"].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
