package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/domain"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func leadRows(l *domain.Lead) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "email", "phone", "source", "campaign_id", "status", "metadata", "version", "created_at", "updated_at",
	}).AddRow(l.ID, l.Name, l.Email, l.Phone, l.Source, l.CampaignID, string(l.Status), "{}", l.Version, time.Now(), time.Now())
}

func TestUpsertLead(t *testing.T) {
	ctx := context.Background()

	t.Run("new lead without external id inserts", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO leads").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT .+ FROM leads WHERE id =").
			WillReturnRows(leadRows(&domain.Lead{ID: "abc", Name: "Jordan Reyes", Email: "jordan@example.com", Source: "web", Status: domain.LeadNew, Version: 1}))

		lead, created, err := s.UpsertLead(ctx, &domain.Lead{Name: "Jordan Reyes", Email: "jordan@example.com", Source: "web"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "abc", lead.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate external id returns existing row", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		existing := &domain.Lead{ID: "orig", Name: "Jordan Reyes", Source: "marketplace", Status: domain.LeadEngaged, Version: 3}
		mock.ExpectQuery("SELECT .+ FROM leads WHERE source = .+ AND source_external_id =").
			WithArgs("marketplace", "ext-42").
			WillReturnRows(leadRows(existing))

		lead, created, err := s.UpsertLead(ctx, &domain.Lead{
			Name:     "Jordan Reyes",
			Source:   "marketplace",
			Metadata: map[string]any{"source_external_id": "ext-42"},
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "orig", lead.ID)
		assert.Equal(t, domain.LeadEngaged, lead.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost insert race recovers winner's row", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectQuery("SELECT .+ FROM leads WHERE source = .+ AND source_external_id =").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO leads").
			WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, no row written
		mock.ExpectQuery("SELECT .+ FROM leads WHERE id =").
			WillReturnError(sql.ErrNoRows)
		winner := &domain.Lead{ID: "winner", Name: "Jordan Reyes", Source: "marketplace", Status: domain.LeadNew, Version: 1}
		mock.ExpectQuery("SELECT .+ FROM leads WHERE source = .+ AND source_external_id =").
			WillReturnRows(leadRows(winner))

		lead, created, err := s.UpsertLead(ctx, &domain.Lead{
			Name:     "Jordan Reyes",
			Source:   "marketplace",
			Metadata: map[string]any{"source_external_id": "ext-42"},
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "winner", lead.ID)
	})
}

func TestTransitionLead(t *testing.T) {
	ctx := context.Background()

	t.Run("legal transition with matching version succeeds", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("UPDATE leads SET status =").
			WithArgs("lead-1", string(domain.LeadNew), string(domain.LeadContacted), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.TransitionLead(ctx, "lead-1", domain.LeadNew, domain.LeadContacted, 1)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version returns conflict", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("UPDATE leads SET status =").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.TransitionLead(ctx, "lead-1", domain.LeadNew, domain.LeadContacted, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("illegal transition rejected before touching the database", func(t *testing.T) {
		s, _, cleanup := setupStore(t)
		defer cleanup()

		err := s.TransitionLead(ctx, "lead-1", domain.LeadCompleted, domain.LeadContacted, 1)
		assert.Error(t, err)
	})
}

func TestClaimDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim creates the row", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO communications").
			WillReturnResult(sqlmock.NewResult(0, 1))

		created, err := s.ClaimDispatch(ctx, &domain.Communication{
			LeadID: "lead-1", ConversationID: "conv-1", Channel: domain.ChannelEmail,
			IdempotencyKey: domain.StepIdempotencyKey("lead-1", "camp-1", 0),
		})
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("second claim on the same key is a no-op", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO communications").
			WillReturnResult(sqlmock.NewResult(0, 0))

		created, err := s.ClaimDispatch(ctx, &domain.Communication{
			LeadID: "lead-1", ConversationID: "conv-1", Channel: domain.ChannelEmail,
			IdempotencyKey: domain.StepIdempotencyKey("lead-1", "camp-1", 0),
		})
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestMarkHandedOver(t *testing.T) {
	ctx := context.Background()
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE conversations SET handed_over = TRUE").
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET handed_over = TRUE").
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkHandedOver(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkHandedOver(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, second, "only the first caller wins the handover guard")
}

func TestInboundSeen(t *testing.T) {
	ctx := context.Background()
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("msg-ext-1", string(domain.ChannelSMS), (24 * time.Hour).String()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := s.InboundSeen(ctx, domain.ChannelSMS, "msg-ext-1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAdvanceEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("claim wins when step index matches", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		next := time.Now().Add(2 * time.Hour)
		mock.ExpectExec("UPDATE enrollments SET step_index = step_index").
			WithArgs("enr-1", 2, next).
			WillReturnResult(sqlmock.NewResult(0, 1))

		won, err := s.AdvanceEnrollment(ctx, "enr-1", 2, next)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("concurrent advance loses the claim", func(t *testing.T) {
		s, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("UPDATE enrollments SET step_index = step_index").
			WillReturnResult(sqlmock.NewResult(0, 0))

		won, err := s.AdvanceEnrollment(ctx, "enr-1", 2, time.Now())
		require.NoError(t, err)
		assert.False(t, won)
	})
}

func TestAppendMessage(t *testing.T) {
	ctx := context.Background()
	s, mock, cleanup := setupStore(t)
	defer cleanup()

	conv := &domain.Conversation{ID: "conv-1", LeadID: "lead-1", Channel: domain.ChannelEmail,
		Status: domain.ConversationActive, MessageCount: 2, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations").
		WithArgs("conv-1", 3, string(domain.ConversationReplied)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	msg, err := s.AppendMessage(ctx, conv, &domain.Message{
		Direction: domain.DirectionInbound, Content: "yes, still interested",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Seq)
	assert.Equal(t, 3, conv.MessageCount)
	assert.Equal(t, 4, conv.Version)
	assert.Equal(t, domain.ConversationReplied, conv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
