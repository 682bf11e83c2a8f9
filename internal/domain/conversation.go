package domain

import "time"

// Channel enumerates the outbound channels a lead can be engaged on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// Valid reports whether ch is a known channel.
func (ch Channel) Valid() bool {
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelChat:
		return true
	}
	return false
}

// ConversationStatus enumerates conversation states.
type ConversationStatus string

const (
	ConversationActive        ConversationStatus = "active"
	ConversationAwaitingReply ConversationStatus = "awaiting_reply"
	ConversationReplied       ConversationStatus = "replied"
	ConversationClosed        ConversationStatus = "closed"
)

// Close reasons recorded in Conversation.CloseReason.
const (
	CloseReasonOptOut    = "opt_out"
	CloseReasonHandover  = "handover"
	CloseReasonCompleted = "completed"
	CloseReasonBounced   = "bounced"
)

// Conversation is the ordered exchange of messages with a lead on one
// channel. At most one active conversation exists per (lead, channel).
type Conversation struct {
	ID          string             `json:"id" db:"id"`
	LeadID      string             `json:"lead_id" db:"lead_id"`
	Channel     Channel            `json:"channel" db:"channel"`
	Status      ConversationStatus `json:"status" db:"status"`
	CloseReason string             `json:"close_reason,omitempty" db:"close_reason"`
	AIMode      bool               `json:"ai_mode" db:"ai_mode"`
	MessageCount int               `json:"message_count" db:"message_count"`
	HandedOver  bool               `json:"handed_over" db:"handed_over"`

	Version   int       `json:"version" db:"version"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Direction of a message relative to the system.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is a single entry in a conversation. Messages are append-only and
// strictly ordered by Seq within their conversation.
type Message struct {
	ID             string         `json:"id" db:"id"`
	ConversationID string         `json:"conversation_id" db:"conversation_id"`
	Seq            int            `json:"seq" db:"seq"`
	Direction      Direction      `json:"direction" db:"direction"`
	Content        string         `json:"content" db:"content"`
	ExternalID     string         `json:"external_id,omitempty" db:"external_id"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}
