package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/domain"
)

// GetCampaign loads a campaign with its touch sequence and settings.
func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	var seqJSON, settingsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(agent_id, ''), conversation_mode,
		       COALESCE(touch_sequence::text, '[]'), COALESCE(settings::text, '{}'),
		       created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.AgentID, &c.Mode, &seqJSON, &settingsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify("get campaign", err)
	}
	if err := json.Unmarshal([]byte(seqJSON), &c.TouchSequence); err != nil {
		return nil, classify("get campaign: touch sequence", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
		return nil, classify("get campaign: settings", err)
	}
	return &c, nil
}

// SaveCampaign inserts or fully replaces a campaign definition.
func (s *Store) SaveCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	seqJSON, _ := json.Marshal(c.TouchSequence)
	settingsJSON, _ := json.Marshal(c.Settings)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, agent_id, conversation_mode, touch_sequence, settings, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, agent_id = EXCLUDED.agent_id,
			conversation_mode = EXCLUDED.conversation_mode,
			touch_sequence = EXCLUDED.touch_sequence, settings = EXCLUDED.settings,
			updated_at = NOW()
	`, c.ID, c.Name, c.AgentID, c.Mode, seqJSON, settingsJSON)
	return classify("save campaign", err)
}

// GetTemplate loads one message template.
func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(subject, ''), body, COALESCE(variables, '{}'), COALESCE(category, ''), created_at, updated_at
		FROM templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.Body, pq.Array(&t.Variables), &t.Category, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, classify("get template", err)
	}
	return &t, nil
}

// SaveTemplate inserts or replaces a template.
func (s *Store) SaveTemplate(ctx context.Context, t *domain.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, subject, body, variables, category, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, subject = EXCLUDED.subject, body = EXCLUDED.body,
			variables = EXCLUDED.variables, category = EXCLUDED.category, updated_at = NOW()
	`, t.ID, t.Name, t.Subject, t.Body, pq.Array(t.Variables), t.Category)
	return classify("save template", err)
}

// GetAgentProfile loads the persona definition referenced by a campaign.
func (s *Store) GetAgentProfile(ctx context.Context, id string) (*domain.AgentProfile, error) {
	var p domain.AgentProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(end_goal, ''), COALESCE(personality, ''),
		       COALESCE(dos, '{}'), COALESCE(donts, '{}'), COALESCE(domain_expertise, '')
		FROM agent_profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.Kind, &p.EndGoal, &p.Personality, pq.Array(&p.Dos), pq.Array(&p.Donts), &p.DomainExpertise)
	if err != nil {
		return nil, classify("get agent profile", err)
	}
	return &p, nil
}
