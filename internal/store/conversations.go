package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

const convColumns = `id, lead_id, channel, status, COALESCE(close_reason, ''), ai_mode,
	message_count, handed_over, version, started_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.LeadID, &c.Channel, &c.Status, &c.CloseReason, &c.AIMode,
		&c.MessageCount, &c.HandedOver, &c.Version, &c.StartedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation opens a conversation for (lead, channel). A partial
// unique index on open conversations enforces at-most-one active per
// (lead, channel); a conflicting insert returns the existing conversation.
func (s *Store) CreateConversation(ctx context.Context, leadID string, channel domain.Channel, aiMode bool) (*domain.Conversation, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, lead_id, channel, status, ai_mode, message_count, handed_over, version, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'active', $4, 0, FALSE, 1, NOW(), NOW(), NOW())
		ON CONFLICT (lead_id, channel) WHERE status != 'closed' DO NOTHING
	`, id, leadID, channel, aiMode)
	if err != nil {
		return nil, classify("create conversation", err)
	}
	return s.ActiveConversation(ctx, leadID, channel)
}

// ActiveConversation returns the open conversation for (lead, channel).
// If the at-most-one invariant has been violated by legacy data, the most
// recently updated conversation wins; older ones are closed.
func (s *Store) ActiveConversation(ctx context.Context, leadID string, channel domain.Channel) (*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE lead_id = $1 AND channel = $2 AND status != 'closed'
		ORDER BY updated_at DESC
	`, leadID, channel)
	if err != nil {
		return nil, classify("active conversation", err)
	}
	defer rows.Close()

	var all []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify("scan conversation", err)
		}
		all = append(all, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("active conversation", err)
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	for _, stale := range all[1:] {
		s.db.ExecContext(ctx, `
			UPDATE conversations SET status = 'closed', close_reason = 'superseded', updated_at = NOW() WHERE id = $1
		`, stale.ID)
	}
	return all[0], nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, classify("get conversation", err)
	}
	return c, nil
}

// AppendMessage appends to a conversation inside a transaction: the message
// seq is derived from the current count, the conversation counters and
// status advance together, and the version CAS guards against concurrent
// appenders.
func (s *Store) AppendMessage(ctx context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ConversationID = conv.ID
	metadataJSON, _ := json.Marshal(msg.Metadata)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("append message", err)
	}
	defer tx.Rollback()

	nextStatus := domain.ConversationAwaitingReply
	if msg.Direction == domain.DirectionInbound {
		nextStatus = domain.ConversationReplied
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status != 'closed'
	`, conv.ID, conv.Version, nextStatus)
	if err != nil {
		return nil, classify("append message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrVersionConflict
	}

	msg.Seq = conv.MessageCount + 1
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, direction, content, external_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
		RETURNING created_at
	`, msg.ID, msg.ConversationID, msg.Seq, msg.Direction, msg.Content, msg.ExternalID, metadataJSON).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, classify("append message", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("append message", err)
	}

	conv.MessageCount++
	conv.Version++
	conv.Status = nextStatus
	return msg, nil
}

// Messages returns a conversation's messages in append order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, direction, content, COALESCE(external_id, ''), COALESCE(metadata::text, '{}'), created_at
		FROM messages WHERE conversation_id = $1 ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, classify("messages", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var metadataJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Direction, &m.Content, &m.ExternalID, &metadataJSON, &m.CreatedAt); err != nil {
			return nil, classify("scan message", err)
		}
		json.Unmarshal([]byte(metadataJSON), &m.Metadata)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// InboundSeen reports whether an inbound message with this external id was
// already recorded within the window. Duplicate webhook deliveries within
// 24h must produce at most one Message row.
func (s *Store) InboundSeen(ctx context.Context, channel domain.Channel, externalID string, window time.Duration) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE m.external_id = $1 AND m.direction = 'inbound' AND c.channel = $2
			  AND m.created_at > NOW() - $3::interval
		)
	`, externalID, channel, window.String()).Scan(&seen)
	if err != nil {
		return false, classify("inbound seen", err)
	}
	return seen, nil
}

// FindMessageByExternalID resolves a message by carrier message id, used for
// In-Reply-To threading during reply attribution.
func (s *Store) FindMessageByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	var m domain.Message
	var metadataJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, seq, direction, content, COALESCE(external_id, ''), COALESCE(metadata::text, '{}'), created_at
		FROM messages WHERE external_id = $1 LIMIT 1
	`, externalID).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Direction, &m.Content, &m.ExternalID, &metadataJSON, &m.CreatedAt)
	if err != nil {
		return nil, classify("find message by external id", err)
	}
	json.Unmarshal([]byte(metadataJSON), &m.Metadata)
	return &m, nil
}

// SetAIMode flips a conversation into AI-driven reply mode (first inbound
// reply in auto campaigns).
func (s *Store) SetAIMode(ctx context.Context, conversationID string, aiMode bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET ai_mode = $2, updated_at = NOW() WHERE id = $1
	`, conversationID, aiMode)
	return classify("set ai mode", err)
}

// CloseConversation closes with a reason. Closing is idempotent.
func (s *Store) CloseConversation(ctx context.Context, conversationID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'closed', close_reason = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status != 'closed'
	`, conversationID, reason)
	return classify("close conversation", err)
}

// MarkHandedOver sets the per-conversation handover guard. Returns true only
// for the first caller, so exactly one handover fires per conversation
// trigger-cycle.
func (s *Store) MarkHandedOver(ctx context.Context, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET handed_over = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND handed_over = FALSE
	`, conversationID)
	if err != nil {
		return false, classify("mark handed over", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AwaitingReplySince lists conversations awaiting a reply with no activity
// since the cutoff, used by the quiescence check during Tick.
func (s *Store) AwaitingReplySince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE status = 'awaiting_reply' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, classify("awaiting reply since", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
