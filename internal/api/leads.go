package api

import (
	"encoding/json"
	"net/http"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
)

type leadRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Source   string         `json:"source,omitempty"`
	Campaign string         `json:"campaign,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (lr *leadRequest) toDomain() *domain.Lead {
	return &domain.Lead{
		Name:       lr.Name,
		Email:      lr.Email,
		Phone:      lr.Phone,
		Source:     lr.Source,
		CampaignID: lr.Campaign,
		Metadata:   lr.Metadata,
	}
}

// CreateLead ingests one lead. 201 on create, 200 on idempotent duplicate.
func (h *Handlers) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req leadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}

	res, err := h.Engine.Ingest(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"leadId": res.LeadID, "created": res.Created})
}

type bulkRequest struct {
	Leads   []map[string]any  `json:"leads"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

type bulkRejection struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type bulkResponse struct {
	Total    int             `json:"total"`
	Accepted int             `json:"accepted"`
	Rejected []bulkRejection `json:"rejected"`
}

// BulkLeads ingests an array of lead rows with an optional field-mapping
// descriptor (source field name to domain field name). Rows fail
// individually; one bad row never aborts the batch.
func (h *Handlers) BulkLeads(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err))
		return
	}
	if len(req.Leads) == 0 {
		writeError(w, r, apperr.New(apperr.CodeValidation, "leads array is empty"))
		return
	}

	resp := bulkResponse{Total: len(req.Leads), Rejected: []bulkRejection{}}
	for i, row := range req.Leads {
		lead := mapRow(row, req.Mapping)
		if _, err := h.Engine.Ingest(r.Context(), lead); err != nil {
			resp.Rejected = append(resp.Rejected, bulkRejection{Row: i, Reason: err.Error()})
			continue
		}
		resp.Accepted++
	}
	writeJSON(w, http.StatusOK, resp)
}

// mapRow applies the mapping descriptor to one uploaded row. Unmapped keys
// pass through under their own names.
func mapRow(row map[string]any, mapping map[string]string) *domain.Lead {
	lead := &domain.Lead{Metadata: map[string]any{}}
	for key, val := range row {
		field := key
		if mapped, ok := mapping[key]; ok {
			field = mapped
		}
		s, _ := val.(string)
		switch field {
		case "name":
			lead.Name = s
		case "email":
			lead.Email = s
		case "phone":
			lead.Phone = s
		case "source":
			lead.Source = s
		case "campaign":
			lead.CampaignID = s
		default:
			lead.Metadata[field] = val
		}
	}
	return lead
}
