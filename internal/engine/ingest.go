package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/queue"
)

var errLeadBusy = apperr.New(apperr.CodeStoreTransient, "lead transition already in flight")

// IngestResult reports the outcome of one lead ingestion.
type IngestResult struct {
	LeadID  string
	Created bool
}

// Ingest validates and persists a lead, then enqueues the routing job.
// Idempotent on (source, source_external_id): a duplicate returns the
// original lead id with Created=false and enqueues nothing.
func (e *Engine) Ingest(ctx context.Context, lead *domain.Lead) (*IngestResult, error) {
	if err := validateLead(lead); err != nil {
		return nil, err
	}
	if e.pressure != nil {
		if err := e.pressure.CheckIntake(); err != nil {
			return nil, err
		}
	}

	lead.Phone = domain.NormalizePhone(lead.Phone)
	if lead.Email == "" && lead.Phone == "" {
		return nil, apperr.New(apperr.CodeContactability, "no usable contact identifier after normalization")
	}
	lead.Email = strings.ToLower(strings.TrimSpace(lead.Email))
	if lead.Source == "" {
		lead.Source = "direct"
	}

	stored, created, err := e.store.UpsertLead(ctx, lead)
	if err != nil {
		return nil, err
	}
	if !created {
		return &IngestResult{LeadID: stored.ID, Created: false}, nil
	}

	_, err = e.queue.Enqueue(ctx, queue.TypeAgentCompose, stored.ID,
		composePayload{LeadID: stored.ID, CampaignID: stored.CampaignID},
		e.maxAgentAttempts, time.Now())
	if err != nil {
		return nil, err
	}
	return &IngestResult{LeadID: stored.ID, Created: true}, nil
}

// Validate runs the ingestion checks without persisting anything. Used by
// the marketplace endpoint to evaluate test leads.
func (e *Engine) Validate(lead *domain.Lead) error {
	if err := validateLead(lead); err != nil {
		return err
	}
	if lead.Email == "" && domain.NormalizePhone(lead.Phone) == "" {
		return apperr.New(apperr.CodeContactability, "no usable contact identifier after normalization")
	}
	return nil
}

func validateLead(lead *domain.Lead) error {
	if lead == nil {
		return apperr.New(apperr.CodeValidation, "lead is required")
	}
	if strings.TrimSpace(lead.Name) == "" {
		return apperr.New(apperr.CodeValidation, "name is required")
	}
	if lead.Email == "" && lead.Phone == "" {
		return apperr.New(apperr.CodeContactability, "at least one of email or phone is required")
	}
	if lead.Email != "" && !strings.Contains(lead.Email, "@") {
		return apperr.New(apperr.CodeValidation, "email is malformed")
	}
	return nil
}
