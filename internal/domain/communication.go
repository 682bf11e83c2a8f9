package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CommunicationStatus tracks one outbound dispatch through the carrier.
type CommunicationStatus string

const (
	CommQueued    CommunicationStatus = "queued"
	CommSent      CommunicationStatus = "sent"
	CommDelivered CommunicationStatus = "delivered"
	CommBounced   CommunicationStatus = "bounced"
	CommFailed    CommunicationStatus = "failed"
)

// Communication is the audit row for one outbound dispatch. The idempotency
// key is consulted before every carrier call so queue retries never produce
// duplicate sends.
type Communication struct {
	ID             string              `json:"id" db:"id"`
	LeadID         string              `json:"lead_id" db:"lead_id"`
	ConversationID string              `json:"conversation_id" db:"conversation_id"`
	Channel        Channel             `json:"channel" db:"channel"`
	ExternalID     string              `json:"external_id,omitempty" db:"external_id"`
	Status         CommunicationStatus `json:"status" db:"status"`
	IdempotencyKey string              `json:"idempotency_key" db:"idempotency_key"`
	ErrorCode      string              `json:"error_code,omitempty" db:"error_code"`

	QueuedAt    time.Time  `json:"queued_at" db:"queued_at"`
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// StepIdempotencyKey derives the deterministic dispatch key for a scheduled
// touch step. The same (lead, campaign, step) always yields the same key.
func StepIdempotencyKey(leadID, campaignID string, stepIndex int) string {
	return hashKey(fmt.Sprintf("step:%s:%s:%d", leadID, campaignID, stepIndex))
}

// ReplyIdempotencyKey derives the dispatch key for an agent reply to a
// specific inbound message.
func ReplyIdempotencyKey(leadID, conversationID, replyToMessageID string) string {
	return hashKey(fmt.Sprintf("reply:%s:%s:%s", leadID, conversationID, replyToMessageID))
}

func hashKey(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}
