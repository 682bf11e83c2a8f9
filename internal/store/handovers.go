package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// CreateHandoverExecution persists a handover record before fan-out begins,
// so a crash mid-delivery leaves an auditable trail.
func (s *Store) CreateHandoverExecution(ctx context.Context, h *domain.HandoverExecution) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	dossierJSON, _ := json.Marshal(h.Dossier)
	destJSON, _ := json.Marshal(h.Destinations)
	attemptsJSON, _ := json.Marshal(h.Attempts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handover_executions (id, lead_id, conversation_id, reason, dossier, destinations, attempts, confirmed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NOW(), NOW())
	`, h.ID, h.LeadID, h.ConversationID, h.Reason, dossierJSON, destJSON, attemptsJSON)
	return classify("create handover execution", err)
}

// UpdateHandoverAttempts records per-destination delivery outcomes as fan-out
// progresses.
func (s *Store) UpdateHandoverAttempts(ctx context.Context, id string, attempts []domain.DeliveryAttempt) error {
	attemptsJSON, _ := json.Marshal(attempts)
	_, err := s.db.ExecContext(ctx, `
		UPDATE handover_executions SET attempts = $2, updated_at = NOW() WHERE id = $1
	`, id, attemptsJSON)
	return classify("update handover attempts", err)
}

// ConfirmHandover marks an execution acknowledged by the receiving human.
// Returns true only for the first confirmation.
func (s *Store) ConfirmHandover(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handover_executions SET confirmed = TRUE, updated_at = NOW()
		WHERE id = $1 AND confirmed = FALSE
	`, id)
	if err != nil {
		return false, classify("confirm handover", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetHandoverExecution loads one execution with its dossier and attempts.
func (s *Store) GetHandoverExecution(ctx context.Context, id string) (*domain.HandoverExecution, error) {
	var h domain.HandoverExecution
	var dossierJSON, destJSON, attemptsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lead_id, conversation_id, reason, dossier::text, destinations::text,
		       COALESCE(attempts::text, '[]'), confirmed, created_at, updated_at
		FROM handover_executions WHERE id = $1
	`, id).Scan(&h.ID, &h.LeadID, &h.ConversationID, &h.Reason, &dossierJSON, &destJSON,
		&attemptsJSON, &h.Confirmed, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, classify("get handover execution", err)
	}
	json.Unmarshal([]byte(dossierJSON), &h.Dossier)
	json.Unmarshal([]byte(destJSON), &h.Destinations)
	json.Unmarshal([]byte(attemptsJSON), &h.Attempts)
	return &h, nil
}

// UnconfirmedHandoversBefore lists executions still awaiting human
// confirmation past the cutoff, so follow-up reminders can be scheduled.
func (s *Store) UnconfirmedHandoversBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.HandoverExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, conversation_id, reason, dossier::text, destinations::text,
		       COALESCE(attempts::text, '[]'), confirmed, created_at, updated_at
		FROM handover_executions
		WHERE confirmed = FALSE AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, classify("unconfirmed handovers", err)
	}
	defer rows.Close()

	var out []*domain.HandoverExecution
	for rows.Next() {
		var h domain.HandoverExecution
		var dossierJSON, destJSON, attemptsJSON string
		if err := rows.Scan(&h.ID, &h.LeadID, &h.ConversationID, &h.Reason, &dossierJSON, &destJSON,
			&attemptsJSON, &h.Confirmed, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, classify("scan handover execution", err)
		}
		json.Unmarshal([]byte(dossierJSON), &h.Dossier)
		json.Unmarshal([]byte(destJSON), &h.Destinations)
		json.Unmarshal([]byte(attemptsJSON), &h.Attempts)
		out = append(out, &h)
	}
	return out, rows.Err()
}
