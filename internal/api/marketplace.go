package api

import (
	"encoding/xml"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
)

// buyerID identifies this system in marketplace responses.
const buyerID = "cadence"

// xmlResponse is the partner-marketplace response envelope. Partners parse
// this with legacy integrations; field order and names are load-bearing.
type xmlResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status"`
	LeadID  string   `xml:"lead_id,omitempty"`
	BuyerID string   `xml:"buyer_id,omitempty"`
	Price   string   `xml:"price,omitempty"`
	Message string   `xml:"message,omitempty"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(v)
}

// PostLead accepts a form-encoded partner submission. Test submissions
// (Test_Lead=1 or zip=99999) are evaluated against the same rules as real
// ones but never persisted; their lead_id is derived from the contact
// fields so resubmitting the same test lead returns the same id.
func (h *Handlers) PostLead(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeXML(w, http.StatusBadRequest, xmlResponse{Status: "error", Message: "malformed form body"})
		return
	}

	if r.FormValue("mode") == "full" && !h.validAPIKey(r.Header.Get("X-API-Key")) {
		writeXML(w, http.StatusUnauthorized, xmlResponse{Status: "error", Message: "invalid API key"})
		return
	}

	lead := leadFromForm(r)
	testLead := r.FormValue("Test_Lead") == "1" || r.FormValue("zip") == "99999"

	if testLead {
		if err := h.Engine.Validate(lead); err != nil {
			writeXML(w, http.StatusOK, xmlResponse{Status: "unmatched", Message: rejectMessage(err)})
			return
		}
		id := testLeadID(lead)
		h.Engine.Store().RecordDecision(r.Context(), id, domain.AgentOverlord, "marketplace_post",
			"test lead evaluated, not persisted", map[string]any{"source": lead.Source, "test": true})
		writeXML(w, http.StatusOK, xmlResponse{
			Status: "matched", LeadID: id, BuyerID: buyerID, Price: "0.00", Message: "test lead accepted",
		})
		return
	}

	res, err := h.Engine.Ingest(r.Context(), lead)
	if err != nil {
		status := http.StatusOK
		if apperr.Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		writeXML(w, status, xmlResponse{Status: "unmatched", Message: rejectMessage(err)})
		return
	}
	h.Engine.Store().RecordDecision(r.Context(), res.LeadID, domain.AgentOverlord, "marketplace_post",
		"partner submission accepted", map[string]any{"source": lead.Source, "created": res.Created})
	writeXML(w, http.StatusOK, xmlResponse{
		Status: "matched", LeadID: res.LeadID, BuyerID: buyerID, Price: "0.00", Message: "lead accepted",
	})
}

// Ping answers the partner heartbeat.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeXML(w, http.StatusOK, xmlResponse{
		Status:  "ok",
		BuyerID: buyerID,
		Message: time.Now().UTC().Format(time.RFC3339),
	})
}

// LeadStatus reports one lead's lifecycle state to an authenticated partner.
func (h *Handlers) LeadStatus(w http.ResponseWriter, r *http.Request) {
	if !h.validAPIKey(r.Header.Get("X-API-Key")) {
		writeXML(w, http.StatusUnauthorized, xmlResponse{Status: "error", Message: "invalid API key"})
		return
	}
	id := chi.URLParam(r, "id")
	lead, err := h.Engine.Store().GetLead(r.Context(), id)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			writeXML(w, http.StatusNotFound, xmlResponse{Status: "error", Message: "lead not found"})
			return
		}
		log.Printf("[API] Lead status lookup failed: %v", err)
		writeXML(w, http.StatusServiceUnavailable, xmlResponse{Status: "error", Message: "temporarily unavailable"})
		return
	}
	writeXML(w, http.StatusOK, xmlResponse{
		Status:  string(lead.Status),
		LeadID:  lead.ID,
		BuyerID: buyerID,
	})
}

func (h *Handlers) validAPIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range h.Cfg.Marketplace.ValidAPIKeys {
		if key == k {
			return true
		}
	}
	return false
}

func leadFromForm(r *http.Request) *domain.Lead {
	name := r.FormValue("name")
	if name == "" {
		name = r.FormValue("first_name") + " " + r.FormValue("last_name")
	}
	lead := &domain.Lead{
		Name:       name,
		Email:      r.FormValue("email"),
		Phone:      r.FormValue("phone"),
		Source:     "marketplace",
		CampaignID: r.FormValue("campaign"),
		Metadata:   map[string]any{},
	}
	if src := r.FormValue("source"); src != "" {
		lead.Source = "marketplace:" + src
	}
	for _, field := range []string{"zip", "city", "state", "address", "comments"} {
		if v := r.FormValue(field); v != "" {
			lead.Metadata[field] = v
		}
	}
	if extID := r.FormValue("lead_id"); extID != "" {
		lead.Metadata["source_external_id"] = extID
	}
	return lead
}

// testLeadID is stable across resubmissions of the same contact.
func testLeadID(lead *domain.Lead) string {
	seed := lead.Email
	if seed == "" {
		seed = domain.NormalizePhone(lead.Phone)
	}
	return "test-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func rejectMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "lead rejected"
}
