// Package ingest turns carrier webhooks and scanned mailboxes into engine
// events: replies, delivery statuses, and new leads created by mailbox rules.
package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cadencehq/cadence/internal/apperr"
)

// EventKind separates reply events from status-only events.
type EventKind string

const (
	EventReply  EventKind = "reply"
	EventStatus EventKind = "status"
)

// WebhookEvent is a parsed carrier callback, either an inbound reply or a
// delivery-status update for a message we sent.
type WebhookEvent struct {
	Kind       EventKind
	ExternalID string
	Sender     string
	Recipient  string
	Content    string
	InReplyTo  string
	Status     string // delivered, opened, clicked, bounced, unsubscribed
	Raw        []byte
}

// statusEvents maps carrier event names onto our communication statuses.
var statusEvents = map[string]string{
	"delivered":    "delivered",
	"opened":       "opened",
	"open":         "opened",
	"clicked":      "clicked",
	"click":        "clicked",
	"bounced":      "bounced",
	"failed":       "bounced",
	"permanent":    "bounced",
	"unsubscribed": "unsubscribed",
	"complained":   "unsubscribed",
}

// ParseEmailWebhook decodes a form-encoded email carrier callback. Reply
// events need a sender and body; status events need an event name and the
// external id of the original outbound message.
func ParseEmailWebhook(r *http.Request) (*WebhookEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "email webhook: parse form", err)
	}
	f := r.PostForm

	messageID := strings.Trim(first(f, "Message-Id", "message-id", "message_id"), "<>")
	event := strings.ToLower(first(f, "event", "event-type"))

	if event == "" || event == "replied" || event == "stored" || event == "inbound" {
		sender := first(f, "sender", "from")
		if sender == "" {
			return nil, apperr.New(apperr.CodeValidation, "email webhook: missing sender")
		}
		return &WebhookEvent{
			Kind:       EventReply,
			ExternalID: messageID,
			Sender:     extractAddress(sender),
			Recipient:  first(f, "recipient", "to"),
			Content:    first(f, "body-plain", "stripped-text", "text"),
			InReplyTo:  strings.Trim(first(f, "In-Reply-To", "in-reply-to"), "<>"),
			Raw:        []byte(f.Encode()),
		}, nil
	}

	status, ok := statusEvents[event]
	if !ok {
		return nil, apperr.New(apperr.CodeValidation, "email webhook: unknown event "+event)
	}
	if messageID == "" {
		return nil, apperr.New(apperr.CodeValidation, "email webhook: status event without message id")
	}
	return &WebhookEvent{
		Kind:       EventStatus,
		ExternalID: messageID,
		Status:     status,
		Raw:        []byte(f.Encode()),
	}, nil
}

// ParseSMSWebhook decodes a Twilio-style SMS callback. A Body makes it a
// reply; a MessageStatus alone makes it a status event.
func ParseSMSWebhook(r *http.Request) (*WebhookEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "sms webhook: parse form", err)
	}
	f := r.PostForm

	sid := first(f, "MessageSid", "SmsSid")
	body := f.Get("Body")
	if body != "" {
		from := f.Get("From")
		if from == "" {
			return nil, apperr.New(apperr.CodeValidation, "sms webhook: missing From")
		}
		return &WebhookEvent{
			Kind:       EventReply,
			ExternalID: sid,
			Sender:     from,
			Recipient:  f.Get("To"),
			Content:    body,
			Raw:        []byte(f.Encode()),
		}, nil
	}

	event := strings.ToLower(first(f, "MessageStatus", "SmsStatus"))
	status, ok := statusEvents[event]
	if !ok {
		// Twilio sends intermediate statuses (queued, sending) we ignore.
		if event == "" || sid == "" {
			return nil, apperr.New(apperr.CodeValidation, "sms webhook: empty callback")
		}
		return &WebhookEvent{Kind: EventStatus, ExternalID: sid, Status: "", Raw: []byte(f.Encode())}, nil
	}
	return &WebhookEvent{
		Kind:       EventStatus,
		ExternalID: sid,
		Status:     status,
		Raw:        []byte(f.Encode()),
	}, nil
}

// VerifyEmailSignature checks the Mailgun webhook signature:
// HMAC-SHA256(key, timestamp || token) compared in constant time.
func VerifyEmailSignature(signingKey, timestamp, token, signature string) bool {
	if signingKey == "" {
		return true // verification disabled
	}
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifySMSSignature checks the Twilio request signature: HMAC-SHA1 over the
// full URL with the sorted POST params appended, base64-encoded.
func VerifySMSSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" {
		return true
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func first(f url.Values, keys ...string) string {
	for _, k := range keys {
		if v := f.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// extractAddress pulls the bare address out of "Name <addr@host>" forms.
func extractAddress(s string) string {
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return strings.TrimSpace(s)
}
