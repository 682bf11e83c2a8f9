// Package carrier holds the outbound delivery adapters: email (SES or
// Mailgun) and SMS (Twilio-compatible API). Adapters classify carrier
// failures into transient and permanent so the job layer knows whether to
// retry.
package carrier

import (
	"context"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
)

// EmailMessage is one outbound email.
type EmailMessage struct {
	To       string
	FromName string
	From     string
	ReplyTo  string
	Subject  string
	TextBody string
	HTMLBody string
	// LeadID and ConversationID travel as carrier metadata so webhook
	// events can be attributed without a lookup.
	LeadID         string
	ConversationID string
}

// SMSMessage is one outbound text message.
type SMSMessage struct {
	To     string
	From   string
	Body   string
	LeadID string
}

// SendResult is the carrier's acceptance record.
type SendResult struct {
	ExternalID string
	AcceptedAt time.Time
}

// EmailCarrier delivers email. Implementations must be safe for concurrent
// use.
type EmailCarrier interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}

// SMSCarrier delivers SMS.
type SMSCarrier interface {
	Send(ctx context.Context, msg *SMSMessage) (*SendResult, error)
}

// classifyStatus maps a carrier HTTP status onto the error taxonomy.
// 429 and 5xx retry; other 4xx are permanent (bad recipient, auth,
// suppressed address).
func classifyStatus(carrier string, status int, body string) error {
	if len(body) > 300 {
		body = body[:300]
	}
	msg := fmt.Sprintf("%s returned %d: %s", carrier, status, body)
	if status == 429 || status >= 500 {
		return apperr.New(apperr.CodeCarrierTransient, msg)
	}
	return apperr.New(apperr.CodeCarrierPermanent, msg)
}
