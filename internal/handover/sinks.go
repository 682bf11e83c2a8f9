package handover

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/carrier"
	"github.com/cadencehq/cadence/internal/domain"
)

// deliver sends one dossier to one destination.
func (e *Evaluator) deliver(ctx context.Context, dest domain.Destination, exec *domain.HandoverExecution) error {
	switch dest.Kind {
	case "email":
		return e.deliverEmail(ctx, dest, exec)
	case "webhook":
		return e.deliverWebhook(ctx, dest, exec)
	case "crm":
		return e.deliverCRM(ctx, dest, exec)
	}
	return apperr.New(apperr.CodeValidation, "unknown handover destination kind "+dest.Kind)
}

func (e *Evaluator) deliverEmail(ctx context.Context, dest domain.Destination, exec *domain.HandoverExecution) error {
	if e.email == nil {
		return apperr.New(apperr.CodeValidation, "no email carrier configured for handover")
	}
	d := exec.Dossier
	var b strings.Builder
	fmt.Fprintf(&b, "Lead handover: %s\n\n%s\n\n", d.LeadSnapshot.Name, d.Context)
	fmt.Fprintf(&b, "Contact: %s\nOrigin: %s\nTiming: %s\n", d.LeadSnapshot.Contact, d.LeadSnapshot.Origin, d.LeadSnapshot.Timing)
	fmt.Fprintf(&b, "Urgency: %s (%s)\n\n", d.Trigger.Urgency, d.Trigger.Reason)
	if len(d.CommunicationSummary.Highlights) > 0 {
		b.WriteString("Recent messages:\n")
		for _, h := range d.CommunicationSummary.Highlights {
			fmt.Fprintf(&b, "  > %s\n", h)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Recommended: %s\nTimeline: %s\n", d.RecommendedActions.Approach, d.RecommendedActions.Timeline)
	fmt.Fprintf(&b, "\nConfirm receipt: handover id %s\n", exec.ID)

	_, err := e.email.Send(ctx, &carrier.EmailMessage{
		To:       dest.Target,
		From:     e.emailCfg.FromEmail,
		FromName: e.emailCfg.FromName,
		Subject:  fmt.Sprintf("[%s] Lead handover: %s", strings.ToUpper(d.Trigger.Urgency), d.LeadSnapshot.Name),
		TextBody: b.String(),
		LeadID:   exec.LeadID,
	})
	return err
}

// webhookPayload is the JSON envelope posted to webhook destinations.
type webhookPayload struct {
	HandoverID string         `json:"handover_id"`
	LeadID     string         `json:"lead_id"`
	Reason     string         `json:"reason"`
	Dossier    domain.Dossier `json:"dossier"`
}

func (e *Evaluator) deliverWebhook(ctx context.Context, dest domain.Destination, exec *domain.HandoverExecution) error {
	body, err := json.Marshal(webhookPayload{
		HandoverID: exec.ID,
		LeadID:     exec.LeadID,
		Reason:     exec.Reason,
		Dossier:    exec.Dossier,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "marshal handover payload", err)
	}
	return e.post(ctx, dest, body)
}

// deliverCRM posts a flat payload shaped by the destination's field map:
// payload key → dossier field selector.
func (e *Evaluator) deliverCRM(ctx context.Context, dest domain.Destination, exec *domain.HandoverExecution) error {
	fields := map[string]any{}
	for key, selector := range dest.FieldMap {
		fields[key] = selectField(exec, selector)
	}
	if len(fields) == 0 {
		fields["lead_id"] = exec.LeadID
		fields["name"] = exec.Dossier.LeadSnapshot.Name
		fields["contact"] = exec.Dossier.LeadSnapshot.Contact
		fields["reason"] = exec.Reason
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "marshal crm payload", err)
	}
	return e.post(ctx, dest, body)
}

// post delivers a signed JSON payload through the retry client and the
// webhook-sink breaker.
func (e *Evaluator) post(ctx context.Context, dest domain.Destination, body []byte) error {
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Target, bytes.NewReader(body))
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "handover request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if dest.Secret != "" {
			mac := hmac.New(sha256.New, []byte(dest.Secret))
			mac.Write(body)
			req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.CodeCarrierTransient, "handover post", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.New(apperr.CodeCarrierTransient, fmt.Sprintf("handover sink returned %d", resp.StatusCode))
		default:
			return apperr.New(apperr.CodeCarrierPermanent, fmt.Sprintf("handover sink returned %d", resp.StatusCode))
		}
	}
	if e.breakers != nil {
		return e.breakers.Get(breaker.ServiceWebhookSink).Do(ctx, call)
	}
	return call(ctx)
}

// selectField resolves a dotted selector against the execution. Unknown
// selectors resolve to empty so a misconfigured map degrades to blanks, not
// failures.
func selectField(exec *domain.HandoverExecution, selector string) any {
	d := exec.Dossier
	switch selector {
	case "lead_id":
		return exec.LeadID
	case "conversation_id":
		return exec.ConversationID
	case "reason":
		return exec.Reason
	case "name", "lead.name":
		return d.LeadSnapshot.Name
	case "contact", "lead.contact":
		return d.LeadSnapshot.Contact
	case "origin", "lead.origin":
		return d.LeadSnapshot.Origin
	case "timing", "lead.timing":
		return d.LeadSnapshot.Timing
	case "notes", "lead.notes":
		return d.LeadSnapshot.Notes
	case "score", "trigger.score":
		return d.Trigger.Score
	case "urgency", "trigger.urgency":
		return d.Trigger.Urgency
	case "tone":
		return d.CommunicationSummary.Tone
	case "buyer_type":
		return d.ProfileAnalysis.BuyerType
	case "context":
		return d.Context
	}
	return ""
}
