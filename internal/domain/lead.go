package domain

import (
	"regexp"
	"strings"
	"time"
)

// LeadStatus enumerates the lifecycle states of a lead.
//
// Transitions are monotonic along
// new → contacted → engaged → qualified → terminal, except engaged↔qualified
// which may oscillate until a terminal state is reached.
type LeadStatus string

const (
	LeadNew        LeadStatus = "new"
	LeadContacted  LeadStatus = "contacted"
	LeadEngaged    LeadStatus = "engaged"
	LeadQualified  LeadStatus = "qualified"
	LeadHandedOver LeadStatus = "handed_over"
	LeadCompleted  LeadStatus = "completed"
	LeadRejected   LeadStatus = "rejected"
	LeadArchived   LeadStatus = "archived"
)

// IsTerminal returns true if the lead is in a final state.
func (s LeadStatus) IsTerminal() bool {
	switch s {
	case LeadHandedOver, LeadCompleted, LeadRejected, LeadArchived:
		return true
	}
	return false
}

var leadRank = map[LeadStatus]int{
	LeadNew:       0,
	LeadContacted: 1,
	LeadEngaged:   2,
	LeadQualified: 2, // same rank as engaged: the pair may oscillate
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step. Terminal states accept no further transitions.
func (s LeadStatus) CanTransitionTo(next LeadStatus) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	// engaged ↔ qualified oscillation
	if (s == LeadEngaged && next == LeadQualified) || (s == LeadQualified && next == LeadEngaged) {
		return true
	}
	return leadRank[next] > leadRank[s]
}

// Lead represents a prospective contact with at least one reachable identifier.
type Lead struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Email      string         `json:"email,omitempty" db:"email"`
	Phone      string         `json:"phone,omitempty" db:"phone"`
	Source     string         `json:"source" db:"source"`
	CampaignID string         `json:"campaign_id,omitempty" db:"campaign_id"`
	Status     LeadStatus     `json:"status" db:"status"`
	Metadata   map[string]any `json:"metadata" db:"metadata"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SourceExternalID returns the partner-supplied external id used for
// idempotent ingestion, if present in metadata.
func (l *Lead) SourceExternalID() string {
	if l.Metadata == nil {
		return ""
	}
	if v, ok := l.Metadata["source_external_id"].(string); ok {
		return v
	}
	return ""
}

// Contactable reports whether the lead has at least one outbound identifier.
func (l Lead) Contactable() bool {
	return l.Email != "" || l.Phone != ""
}

// ContactableOn reports whether the lead is reachable on the given channel.
func (l Lead) ContactableOn(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return l.Email != ""
	case ChannelSMS:
		return l.Phone != ""
	case ChannelChat:
		// Chat requires an email identity for the session handshake.
		return l.Email != ""
	}
	return false
}

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// NormalizePhone converts a raw phone string to E.164 where possible.
// US 10-digit numbers get a +1 prefix; already-normalized numbers pass
// through. Returns "" when the input cannot be normalized.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case strings.HasPrefix(strings.TrimSpace(raw), "+") && e164Regex.MatchString("+"+d):
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d
	}
	if e164Regex.MatchString("+" + d) {
		return "+" + d
	}
	return ""
}
