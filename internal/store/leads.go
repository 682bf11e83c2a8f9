package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

const leadColumns = `id, name, COALESCE(email, ''), COALESCE(phone, ''), source,
	COALESCE(campaign_id, ''), status, COALESCE(metadata::text, '{}'), version, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*domain.Lead, error) {
	var l domain.Lead
	var metadataJSON string
	err := row.Scan(&l.ID, &l.Name, &l.Email, &l.Phone, &l.Source,
		&l.CampaignID, &l.Status, &metadataJSON, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &l.Metadata); err != nil {
		l.Metadata = map[string]any{}
	}
	return &l, nil
}

// UpsertLead inserts a lead, idempotent on (source, source_external_id).
// Returns the stored lead and whether a new row was created. A lead with no
// external id is always inserted as new.
func (s *Store) UpsertLead(ctx context.Context, lead *domain.Lead) (*domain.Lead, bool, error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = domain.LeadNew
	}
	metadataJSON, _ := json.Marshal(lead.Metadata)
	extID := lead.SourceExternalID()

	if extID != "" {
		existing, err := s.FindLeadBySourceExternalID(ctx, lead.Source, extID)
		if err == nil {
			return existing, false, nil
		}
		if err != ErrNotFound {
			return nil, false, err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, name, email, phone, source, source_external_id, campaign_id, status, metadata, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, 1, NOW(), NOW())
		ON CONFLICT (source, source_external_id) DO NOTHING
	`, lead.ID, lead.Name, lead.Email, lead.Phone, lead.Source, extID, lead.CampaignID, lead.Status, metadataJSON)
	if err != nil {
		return nil, false, classify("upsert lead", err)
	}

	stored, err := s.GetLead(ctx, lead.ID)
	if err == ErrNotFound && extID != "" {
		// Lost the insert race: another worker created the row first.
		stored, err = s.FindLeadBySourceExternalID(ctx, lead.Source, extID)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// GetLead loads one lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err != nil {
		return nil, classify("get lead", err)
	}
	return lead, nil
}

// FindLeadBySourceExternalID resolves the idempotency identity for ingestion.
func (s *Store) FindLeadBySourceExternalID(ctx context.Context, source, externalID string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+` FROM leads WHERE source = $1 AND source_external_id = $2
	`, source, externalID)
	lead, err := scanLead(row)
	if err != nil {
		return nil, classify("find lead by external id", err)
	}
	return lead, nil
}

// FindLeadsByEmail returns leads matching an email address, most recently
// updated first. Reply matching walks this list looking for an
// awaiting-reply conversation.
func (s *Store) FindLeadsByEmail(ctx context.Context, email string) ([]*domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+` FROM leads WHERE LOWER(email) = LOWER($1) ORDER BY updated_at DESC
	`, email)
	if err != nil {
		return nil, classify("find leads by email", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// FindLeadByPhone resolves a lead by E.164-normalized phone number.
func (s *Store) FindLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+` FROM leads WHERE phone = $1 ORDER BY updated_at DESC LIMIT 1
	`, phone)
	lead, err := scanLead(row)
	if err != nil {
		return nil, classify("find lead by phone", err)
	}
	return lead, nil
}

func collectLeads(rows *sql.Rows) ([]*domain.Lead, error) {
	var leads []*domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, classify("scan lead", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// TransitionLead performs a compare-and-set lifecycle transition. The write
// asserts both the expected version and the legality of the transition;
// ErrVersionConflict means reload and retry.
func (s *Store) TransitionLead(ctx context.Context, leadID string, from, to domain.LeadStatus, version int) error {
	if !from.CanTransitionTo(to) {
		return classify("transition lead", sql.ErrNoRows)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $4
	`, leadID, from, to, version)
	if err != nil {
		return classify("transition lead", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ArchiveLead moves a lead to archived with the given reason recorded in
// metadata. Archival is terminal and does not CAS: it wins over any
// concurrent transition.
func (s *Store) ArchiveLead(ctx context.Context, leadID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET status = $2, metadata = metadata || jsonb_build_object('archive_reason', $3::text),
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('handed_over', 'completed', 'rejected', 'archived')
	`, leadID, domain.LeadArchived, reason)
	return classify("archive lead", err)
}

// TouchLead bumps updated_at, used by reply attribution recency ordering.
func (s *Store) TouchLead(ctx context.Context, leadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE leads SET updated_at = $2 WHERE id = $1`, leadID, at)
	return classify("touch lead", err)
}
