package api

import (
	"encoding/json"
	"net/http"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/engine"
	"github.com/cadencehq/cadence/internal/ingest"
)

// EmailWebhook receives carrier callbacks for the email channel: inbound
// replies and delivery-status events. Signature verification is skipped
// when no webhook secret is configured.
func (h *Handlers) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "malformed form body", err))
		return
	}
	ok := ingest.VerifyEmailSignature(
		h.Cfg.Email.WebhookSecret,
		r.Form.Get("timestamp"),
		r.Form.Get("token"),
		r.Form.Get("signature"),
	)
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, "invalid webhook signature"))
		return
	}

	event, err := ingest.ParseEmailWebhook(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.dispatchWebhook(w, r, domain.ChannelEmail, event)
}

// SMSWebhook receives Twilio-style callbacks: inbound messages and message
// status updates. The signature covers the full request URL plus the sorted
// form parameters.
func (h *Handlers) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "malformed form body", err))
		return
	}
	ok := ingest.VerifySMSSignature(
		h.Cfg.SMS.AuthToken,
		requestURL(r),
		r.PostForm,
		r.Header.Get("X-Twilio-Signature"),
	)
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, "invalid webhook signature"))
		return
	}

	event, err := ingest.ParseSMSWebhook(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.dispatchWebhook(w, r, domain.ChannelSMS, event)
}

func (h *Handlers) dispatchWebhook(w http.ResponseWriter, r *http.Request, channel domain.Channel, event *ingest.WebhookEvent) {
	switch event.Kind {
	case ingest.EventReply:
		ack, err := h.Engine.HandleReply(r.Context(), channel, &engine.InboundMessage{
			ExternalID: event.ExternalID,
			Sender:     event.Sender,
			Content:    event.Content,
			InReplyTo:  event.InReplyTo,
			RawPayload: event.Raw,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"received": true, "orphan": ack.Orphan, "duplicate": ack.Duplicate,
		})
	case ingest.EventStatus:
		if event.Status == "" {
			// Intermediate carrier status (queued, sending). Acknowledged, ignored.
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		if err := h.Engine.HandleStatusEvent(r.Context(), event.ExternalID, event.Status); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	default:
		writeError(w, r, apperr.New(apperr.CodeValidation, "unknown webhook event kind"))
	}
}

// HandoverConfirmation is hit by the human recipient acknowledging a
// handover. Confirming twice is fine; the second call reports confirmed
// without changing anything.
func (h *Handlers) HandoverConfirmation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HandoverID string `json:"handover_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	if req.HandoverID == "" {
		writeError(w, r, apperr.New(apperr.CodeValidation, "handover_id is required"))
		return
	}
	updated, err := h.Engine.Store().ConfirmHandover(r.Context(), req.HandoverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": true, "alreadyConfirmed": !updated})
}

// requestURL reconstructs the public URL Twilio signed. Honors the proxy
// protocol header when the listener itself is plain HTTP.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
