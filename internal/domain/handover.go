package domain

import "time"

// Dossier is the structured handover payload delivered to human sinks.
type Dossier struct {
	Context              string              `json:"context"`
	LeadSnapshot         LeadSnapshot        `json:"lead_snapshot"`
	CommunicationSummary CommSummary         `json:"communication_summary"`
	ProfileAnalysis      ProfileAnalysis     `json:"profile_analysis"`
	Trigger              HandoverTrigger     `json:"trigger"`
	RecommendedActions   RecommendedActions  `json:"recommended_actions"`
}

// LeadSnapshot captures lead identity at handover time.
type LeadSnapshot struct {
	Name      string   `json:"name"`
	Contact   string   `json:"contact"`
	Origin    string   `json:"origin"`
	Timing    string   `json:"timing"`
	Interests []string `json:"interests,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// CommSummary condenses the conversation for the receiving human.
type CommSummary struct {
	Highlights        []string `json:"highlights"`
	Tone              string   `json:"tone"`
	EngagementPattern string   `json:"engagement_pattern"`
}

// ProfileAnalysis captures the agent's read on the buyer.
type ProfileAnalysis struct {
	BuyerType string   `json:"buyer_type"`
	KeyHooks  []string `json:"key_hooks,omitempty"`
}

// HandoverTrigger records which criteria tripped.
type HandoverTrigger struct {
	Reason          string   `json:"reason"`
	Score           float64  `json:"score"`
	Urgency         string   `json:"urgency"`
	CriteriaTripped []string `json:"criteria_tripped"`
}

// RecommendedActions suggest next steps to the receiving human.
type RecommendedActions struct {
	Approach      string   `json:"approach"`
	Timeline      string   `json:"timeline"`
	UrgentActions []string `json:"urgent_actions,omitempty"`
}

// AttemptStatus of one handover destination delivery.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

// DeliveryAttempt tracks one destination call during handover fan-out.
// Failures never block other destinations.
type DeliveryAttempt struct {
	Destination Destination   `json:"destination"`
	Status      AttemptStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	AttemptedAt time.Time     `json:"attempted_at"`
}

// HandoverExecution is the persisted record of one handover trigger-cycle.
// Exactly one execution exists per (conversation, trigger-cycle).
type HandoverExecution struct {
	ID             string            `json:"id" db:"id"`
	LeadID         string            `json:"lead_id" db:"lead_id"`
	ConversationID string            `json:"conversation_id" db:"conversation_id"`
	Reason         string            `json:"reason" db:"reason"`
	Dossier        Dossier           `json:"dossier" db:"dossier"`
	Destinations   []Destination     `json:"destinations" db:"destinations"`
	Attempts       []DeliveryAttempt `json:"attempts" db:"attempts"`
	Confirmed      bool              `json:"confirmed" db:"confirmed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OrphanReply stores an inbound message that could not be matched to any
// lead, kept with its raw payload for operator review.
type OrphanReply struct {
	ID         string    `json:"id" db:"id"`
	Channel    Channel   `json:"channel" db:"channel"`
	Sender     string    `json:"sender" db:"sender"`
	ExternalID string    `json:"external_id" db:"external_id"`
	RawPayload []byte    `json:"raw_payload" db:"raw_payload"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
