package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
)

// Stats aggregates operational counters across the runtime. Components not
// wired in this process (worker-only deployments run without the scanner,
// for example) are simply absent from the response.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}

	if qs, err := h.Engine.Queue().Stats(r.Context()); err != nil {
		log.Printf("[API] Queue stats failed: %v", err)
	} else {
		stats["queue"] = qs
	}
	if n, err := h.Engine.Store().OrphanCount(r.Context()); err != nil {
		log.Printf("[API] Orphan count failed: %v", err)
	} else {
		stats["orphanReplies"] = n
	}
	if h.Breakers != nil {
		stats["breakers"] = h.Breakers.States()
	}
	if h.Pressure != nil {
		stats["queueDepth"] = h.Pressure.Depth()
	}
	if h.Sched != nil {
		stats["scheduler"] = h.Sched.Stats()
	}
	if h.Scanner != nil {
		stats["imap"] = h.Scanner.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// ModelCalls returns the router's recent call ledger.
func (h *Handlers) ModelCalls(w http.ResponseWriter, r *http.Request) {
	if h.Router == nil {
		writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": h.Router.Records()})
}

// ReplayDeadJobs requeues dead-lettered jobs, optionally filtered with the
// type query parameter. Replayed sends stay idempotent through the dispatch
// claim, so the worst case is wasted work, not a duplicate message.
func (h *Handlers) ReplayDeadJobs(w http.ResponseWriter, r *http.Request) {
	jobType := r.URL.Query().Get("type")
	n, err := h.Engine.Queue().ReplayDead(r.Context(), jobType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Printf("[API] Replayed %d dead jobs (type=%q)", n, jobType)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

// SaveCampaign creates or replaces a campaign definition.
func (h *Handlers) SaveCampaign(w http.ResponseWriter, r *http.Request) {
	var c domain.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	if err := validateCampaign(&c); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Engine.Store().SaveCampaign(r.Context(), &c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "saved": true})
}

func validateCampaign(c *domain.Campaign) error {
	if c.ID == "" {
		return apperr.New(apperr.CodeValidation, "campaign id is required")
	}
	if c.Name == "" {
		return apperr.New(apperr.CodeValidation, "campaign name is required")
	}
	switch c.Mode {
	case domain.ModeAuto, domain.ModeTemplateOnly, domain.ModeAIOnly:
	case "":
		c.Mode = domain.ModeAuto
	default:
		return apperr.New(apperr.CodeValidation, "unknown conversation mode "+string(c.Mode))
	}
	if c.Mode == domain.ModeAIOnly && len(c.TouchSequence) > 0 {
		return apperr.New(apperr.CodeValidation, "ai_only campaigns cannot carry a touch sequence")
	}
	for i, step := range c.TouchSequence {
		if step.TemplateID == "" {
			return apperr.New(apperr.CodeValidation, "touch step missing template_id")
		}
		if i > 0 && step.Delay <= 0 {
			return apperr.New(apperr.CodeValidation, "touch steps after the first need a positive delay")
		}
	}
	return nil
}

// SaveTemplate stores a message template after checking that its body and
// subject actually render.
func (h *Handlers) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	if t.ID == "" || t.Body == "" {
		writeError(w, r, apperr.New(apperr.CodeValidation, "template id and body are required"))
		return
	}
	if err := h.Tmpl.Parse(t.Body); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "template body does not parse", err))
		return
	}
	if t.Subject != "" {
		if err := h.Tmpl.Parse(t.Subject); err != nil {
			writeError(w, r, apperr.Wrap(apperr.CodeValidation, "template subject does not parse", err))
			return
		}
	}
	if err := h.Engine.Store().SaveTemplate(r.Context(), &t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "saved": true})
}

// sequenceDoc is the import/export shape for a campaign's touch plan.
type sequenceDoc struct {
	CampaignName string         `json:"campaignName"`
	Templates    []sequenceStep `json:"templates"`
	ScheduleType string         `json:"scheduleType"`
	ExportDate   string         `json:"exportDate,omitempty"`
}

type sequenceStep struct {
	TemplateID string `json:"templateId"`
	Delay      int    `json:"delay"`
	DelayUnit  string `json:"delayUnit"`
	Order      int    `json:"order"`
}

// ExportSequence dumps a campaign's touch plan for backup or copying into
// another campaign.
func (h *Handlers) ExportSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.Engine.Store().GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc := sequenceDoc{
		CampaignName: c.Name,
		ScheduleType: string(c.Mode),
		ExportDate:   time.Now().UTC().Format(time.RFC3339),
	}
	for i, step := range c.TouchSequence {
		doc.Templates = append(doc.Templates, sequenceStep{
			TemplateID: step.TemplateID,
			Delay:      step.Delay,
			DelayUnit:  string(step.DelayUnit),
			Order:      i,
		})
	}
	writeJSON(w, http.StatusOK, doc)
}

// ImportSequence replaces a campaign's touch plan with an exported document.
// Steps are applied in order; campaign name and agent binding stay untouched.
func (h *Handlers) ImportSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var doc sequenceDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}

	c, err := h.Engine.Store().GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if doc.ScheduleType != "" {
		c.Mode = domain.ConversationMode(doc.ScheduleType)
	}
	steps := append([]sequenceStep(nil), doc.Templates...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	c.TouchSequence = c.TouchSequence[:0]
	for _, s := range steps {
		c.TouchSequence = append(c.TouchSequence, domain.TouchStep{
			TemplateID: s.TemplateID,
			Delay:      s.Delay,
			DelayUnit:  domain.DelayUnit(s.DelayUnit),
		})
	}
	if err := validateCampaign(c); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Engine.Store().SaveCampaign(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "saved": true})
}
