package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// ClaimDispatch inserts the Communication row for an outbound send, keyed by
// its deterministic idempotency key. Returns created=false when a previous
// attempt already claimed the key; the dispatch must then be skipped, which
// is what makes queue retries and DLQ replays safe.
func (s *Store) ClaimDispatch(ctx context.Context, comm *domain.Communication) (bool, error) {
	if comm.ID == "" {
		comm.ID = uuid.New().String()
	}
	if comm.Status == "" {
		comm.Status = domain.CommQueued
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO communications (id, lead_id, conversation_id, channel, status, idempotency_key, queued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, comm.ID, comm.LeadID, comm.ConversationID, comm.Channel, comm.Status, comm.IdempotencyKey)
	if err != nil {
		return false, classify("claim dispatch", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSent records the carrier acceptance and external message id.
func (s *Store) MarkSent(ctx context.Context, commID, externalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE communications SET status = 'sent', external_id = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, commID, externalID)
	return classify("mark sent", err)
}

// MarkDispatchFailed records a terminal dispatch failure.
func (s *Store) MarkDispatchFailed(ctx context.Context, commID, errorCode string) error {
	if len(errorCode) > 100 {
		errorCode = errorCode[:100]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE communications SET status = 'failed', error_code = $2, updated_at = NOW()
		WHERE id = $1
	`, commID, errorCode)
	return classify("mark dispatch failed", err)
}

// ReleaseDispatch deletes a claimed-but-unsent row so a retry can reclaim
// the idempotency key. Only queued rows may be released; once sent the claim
// is permanent.
func (s *Store) ReleaseDispatch(ctx context.Context, commID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM communications WHERE id = $1 AND status = 'queued'
	`, commID)
	return classify("release dispatch", err)
}

// UpdateCommunicationByExternalID applies a carrier status event (delivered,
// bounced) to the matching communication. Returns ErrNotFound when no row
// matches the carrier message id.
func (s *Store) UpdateCommunicationByExternalID(ctx context.Context, externalID string, status domain.CommunicationStatus) error {
	set := `status = $2, updated_at = NOW()`
	if status == domain.CommDelivered {
		set = `status = $2, delivered_at = NOW(), updated_at = NOW()`
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE communications SET `+set+` WHERE external_id = $1
	`, externalID, status)
	if err != nil {
		return classify("update communication", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCommunicationByExternalID resolves a communication by carrier id.
func (s *Store) GetCommunicationByExternalID(ctx context.Context, externalID string) (*domain.Communication, error) {
	var c domain.Communication
	var sentAt, deliveredAt *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lead_id, conversation_id, channel, COALESCE(external_id, ''), status,
		       idempotency_key, COALESCE(error_code, ''), queued_at, sent_at, delivered_at, created_at, updated_at
		FROM communications WHERE external_id = $1
	`, externalID).Scan(&c.ID, &c.LeadID, &c.ConversationID, &c.Channel, &c.ExternalID, &c.Status,
		&c.IdempotencyKey, &c.ErrorCode, &c.QueuedAt, &sentAt, &deliveredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify("get communication", err)
	}
	c.SentAt, c.DeliveredAt = sentAt, deliveredAt
	return &c, nil
}

// SentCountForStep reports whether a sequence step already has a sent or
// delivered communication. Steps that count as sent are never re-sent.
func (s *Store) SentCountForStep(ctx context.Context, leadID, campaignID string, stepIndex int) (int, error) {
	key := domain.StepIdempotencyKey(leadID, campaignID, stepIndex)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM communications
		WHERE idempotency_key = $1 AND status IN ('sent', 'delivered')
	`, key).Scan(&n)
	if err != nil {
		return 0, classify("sent count for step", err)
	}
	return n, nil
}

// GetCommunicationByKey resolves a communication by idempotency key, used by
// dispatch retries to decide whether the send already happened.
func (s *Store) GetCommunicationByKey(ctx context.Context, key string) (*domain.Communication, error) {
	var c domain.Communication
	var sentAt, deliveredAt *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lead_id, conversation_id, channel, COALESCE(external_id, ''), status,
		       idempotency_key, COALESCE(error_code, ''), queued_at, sent_at, delivered_at, created_at, updated_at
		FROM communications WHERE idempotency_key = $1
	`, key).Scan(&c.ID, &c.LeadID, &c.ConversationID, &c.Channel, &c.ExternalID, &c.Status,
		&c.IdempotencyKey, &c.ErrorCode, &c.QueuedAt, &sentAt, &deliveredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify("get communication by key", err)
	}
	c.SentAt, c.DeliveredAt = sentAt, deliveredAt
	return &c, nil
}
