package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/template"
)

type fakeSender struct {
	calls []string // idempotency keys
	msgs  []*domain.ComposedMessage
}

func (f *fakeSender) QueueOutbound(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, msg *domain.ComposedMessage, key string) error {
	f.calls = append(f.calls, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSender, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	s := New(store.New(db), sender, template.NewEngine(), nil)
	return s, sender, mock
}

func TestWithinHours(t *testing.T) {
	bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, AllowedDays: []int{1, 2, 3, 4, 5}}

	// Wednesday 2026-08-19.
	wedNoon := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	wedEarly := time.Date(2026, 8, 19, 8, 59, 0, 0, time.UTC)
	wedLate := time.Date(2026, 8, 19, 17, 0, 0, 0, time.UTC)
	satNoon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

	assert.True(t, withinHours(bh, wedNoon))
	assert.False(t, withinHours(bh, wedEarly))
	assert.False(t, withinHours(bh, wedLate))
	assert.False(t, withinHours(bh, satNoon))
	assert.True(t, withinHours(nil, satNoon))
}

func TestNextWindow(t *testing.T) {
	bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, AllowedDays: []int{1, 2, 3, 4, 5}}

	// Before opening on a weekday: same-day open.
	early := time.Date(2026, 8, 19, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC), nextWindow(bh, early))

	// After closing on Friday: Monday open.
	friNight := time.Date(2026, 8, 21, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), nextWindow(bh, friNight))

	// Inside the window: unchanged.
	inside := time.Date(2026, 8, 19, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, inside, nextWindow(bh, inside))

	// No window configured: unchanged.
	assert.Equal(t, friNight, nextWindow(nil, friNight))
}

func TestBusinessHoursFollowLeadTimezone(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	t.Run("window zone applies when the lead has none", func(t *testing.T) {
		bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, Timezone: "America/Chicago"}
		lead := &domain.Lead{ID: "lead-1"}

		// 14:00 UTC on a Wednesday is 09:00 in Chicago: inside the window
		// there, outside it in UTC.
		instant := time.Date(2026, 8, 19, 14, 0, 0, 0, time.UTC)
		local := instant.In(sendLocation(lead, bh))
		assert.True(t, withinHours(bh, local))
		assert.False(t, withinHours(bh, instant))
	})

	t.Run("lead timezone wins over the window zone", func(t *testing.T) {
		bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, Timezone: "America/Chicago"}
		lead := &domain.Lead{ID: "lead-1", Metadata: map[string]any{"timezone": "Asia/Tokyo"}}

		assert.Equal(t, "Asia/Tokyo", sendLocation(lead, bh).String())
	})

	t.Run("unparseable zones fall back to UTC", func(t *testing.T) {
		bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, Timezone: "Mars/Olympus_Mons"}
		lead := &domain.Lead{ID: "lead-1", Metadata: map[string]any{"timezone": "not-a-zone"}}

		assert.Equal(t, time.UTC, sendLocation(lead, bh))
	})

	t.Run("deferral lands at the window open in the lead zone", func(t *testing.T) {
		bh := &domain.BusinessHours{StartHour: 9, EndHour: 17, Timezone: "America/Chicago"}

		// Wednesday 03:00 Chicago: same-day open at 09:00 Chicago.
		early := time.Date(2026, 8, 19, 3, 0, 0, 0, chicago)
		next := nextWindow(bh, early)
		assert.Equal(t, 9, next.Hour())
		assert.Equal(t, chicago, next.Location())
	})
}

func leadRow(id string, status domain.LeadStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "email", "phone", "source", "campaign_id", "status", "metadata", "version", "created_at", "updated_at",
	}).AddRow(id, "Jo Smith", "jo@example.com", "+15551234567", "direct", "camp-1", status, "{}", 1, now, now)
}

func campaignRow(id string, mode domain.ConversationMode, seq []domain.TouchStep) *sqlmock.Rows {
	now := time.Now()
	seqJSON, _ := json.Marshal(seq)
	return sqlmock.NewRows([]string{
		"id", "name", "agent_id", "conversation_mode", "touch_sequence", "settings", "created_at", "updated_at",
	}).AddRow(id, "Spring Outreach", "", mode, string(seqJSON), "{}", now, now)
}

func convRow(id, leadID string, aiMode bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "lead_id", "channel", "status", "close_reason", "ai_mode",
		"message_count", "handed_over", "version", "started_at", "created_at", "updated_at",
	}).AddRow(id, leadID, "email", "awaiting_reply", "", aiMode, 2, false, 3, now, now, now)
}

func templateRow(id, subject, body string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "subject", "body", "variables", "category", "created_at", "updated_at",
	}).AddRow(id, "step one", subject, body, "{}", "outreach", now, now)
}

func TestProcessEnrollmentSendsStep(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{
		{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes},
		{TemplateID: "tpl-2", Delay: 2, DelayUnit: domain.DelayDays},
	}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadContacted))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectQuery(`SELECT .+ FROM conversations`).
		WillReturnRows(convRow("conv-1", "lead-1", false))
	mock.ExpectExec(`UPDATE enrollments SET step_index = step_index \+ 1`).
		WithArgs("enr-1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM communications`).
		WithArgs(domain.StepIdempotencyKey("lead-1", "camp-1", 0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT .+ FROM templates WHERE id`).
		WillReturnRows(templateRow("tpl-1", "Hello {{ first_name }}", "Hi {{ first_name }}, checking in."))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, domain.StepIdempotencyKey("lead-1", "camp-1", 0), sender.calls[0])
	assert.Equal(t, "Hi Jo, checking in.", sender.msgs[0].Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentLostClaimSendsNothing(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes}}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadContacted))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectQuery(`SELECT .+ FROM conversations`).
		WillReturnRows(convRow("conv-1", "lead-1", false))
	mock.ExpectExec(`UPDATE enrollments SET step_index = step_index \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentAIModeCancels(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes}}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadEngaged))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectQuery(`SELECT .+ FROM conversations`).
		WillReturnRows(convRow("conv-1", "lead-1", true))
	mock.ExpectExec(`UPDATE enrollments SET status = 'cancelled'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentTerminalLeadCancels(t *testing.T) {
	s, sender, mock := newTestScheduler(t)

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadArchived))
	mock.ExpectExec(`UPDATE enrollments SET status = 'cancelled'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentExhaustedSequenceCompletes(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes}}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadContacted))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectExec(`UPDATE enrollments SET status = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 1, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentAlreadySentStepSkips(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes}}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadContacted))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectQuery(`SELECT .+ FROM conversations`).
		WillReturnRows(convRow("conv-1", "lead-1", false))
	mock.ExpectExec(`UPDATE enrollments SET step_index = step_index \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM communications`).
		WithArgs(domain.StepIdempotencyKey("lead-1", "camp-1", 0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(`UPDATE enrollments SET status = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sender.calls, "a step with a sent communication must not go out twice")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEnrollmentConditionGatesStep(t *testing.T) {
	s, sender, mock := newTestScheduler(t)
	seq := []domain.TouchStep{
		{TemplateID: "tpl-1", Delay: 0, DelayUnit: domain.DelayMinutes,
			Conditions: map[string]any{"status": "engaged"}},
		{TemplateID: "tpl-2", Delay: 2, DelayUnit: domain.DelayDays},
	}

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id`).
		WillReturnRows(leadRow("lead-1", domain.LeadContacted))
	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id`).
		WillReturnRows(campaignRow("camp-1", domain.ModeAuto, seq))
	mock.ExpectQuery(`SELECT .+ FROM conversations`).
		WillReturnRows(convRow("conv-1", "lead-1", false))
	mock.ExpectExec(`UPDATE enrollments SET step_index = step_index \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.processEnrollment(context.Background(), &store.Enrollment{
		ID: "enr-1", LeadID: "lead-1", CampaignID: "camp-1",
		Channel: domain.ChannelEmail, StepIndex: 0, Status: store.EnrollmentActive,
	})
	require.NoError(t, err)
	assert.False(t, sent, "step gated on engaged must skip a contacted lead")
	assert.Empty(t, sender.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStepConditionsMet(t *testing.T) {
	lead := &domain.Lead{
		ID: "lead-1", Status: domain.LeadEngaged,
		Metadata: map[string]any{"priority": "high"},
	}

	assert.True(t, stepConditionsMet(nil, lead))
	assert.True(t, stepConditionsMet(map[string]any{"status": "engaged"}, lead))
	assert.False(t, stepConditionsMet(map[string]any{"status": "new"}, lead))
	assert.True(t, stepConditionsMet(map[string]any{"status": []any{"new", "engaged"}}, lead))
	assert.True(t, stepConditionsMet(map[string]any{"metadata.priority": "high"}, lead))
	assert.False(t, stepConditionsMet(map[string]any{"metadata.priority": "low"}, lead))
	assert.False(t, stepConditionsMet(map[string]any{"metadata.missing": "x"}, lead))
	// Unknown condition keys never block a send.
	assert.True(t, stepConditionsMet(map[string]any{"weather": "sunny"}, lead))
}
