package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// RecordDecision appends to the immutable decision audit log.
func (s *Store) RecordDecision(ctx context.Context, leadID string, kind domain.AgentKind, action, reasoning string, data map[string]any) error {
	dataJSON, _ := json.Marshal(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, lead_id, agent_kind, action, reasoning, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), leadID, kind, action, reasoning, dataJSON)
	return classify("record decision", err)
}

// InsertOrphanReply stores an inbound message that matched no lead, with its
// raw payload for operator review.
func (s *Store) InsertOrphanReply(ctx context.Context, orphan *domain.OrphanReply) error {
	if orphan.ID == "" {
		orphan.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_replies (id, channel, sender, external_id, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, orphan.ID, orphan.Channel, orphan.Sender, orphan.ExternalID, orphan.RawPayload)
	return classify("insert orphan reply", err)
}

// OrphanCount returns the number of stored orphan replies, surfaced on the
// stats endpoint for operator review.
func (s *Store) OrphanCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphan_replies`).Scan(&n)
	if err != nil {
		return 0, classify("orphan count", err)
	}
	return n, nil
}
