package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// Enrollment tracks a lead's progress through a campaign touch sequence.
// next_run_at drives the scheduler poll; a cancelled enrollment never sends
// again.
type Enrollment struct {
	ID         string
	LeadID     string
	CampaignID string
	Channel    domain.Channel
	StepIndex  int
	NextRunAt  time.Time
	Status     string // active, completed, cancelled
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
)

// EnrollLead starts a lead on a campaign sequence. Idempotent: a second
// enrollment for the same (lead, campaign) is a no-op.
func (s *Store) EnrollLead(ctx context.Context, leadID, campaignID string, channel domain.Channel, firstRunAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, lead_id, campaign_id, channel, step_index, next_run_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, 'active', NOW(), NOW())
		ON CONFLICT (lead_id, campaign_id) DO NOTHING
	`, uuid.New().String(), leadID, campaignID, channel, firstRunAt)
	if err != nil {
		return false, classify("enroll lead", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DueEnrollments returns active enrollments whose next step is due, oldest
// first. The scheduler claims each one with AdvanceEnrollment before sending.
func (s *Store) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, campaign_id, channel, step_index, next_run_at, status, created_at, updated_at
		FROM enrollments
		WHERE status = 'active' AND next_run_at <= $1
		ORDER BY next_run_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, classify("due enrollments", err)
	}
	defer rows.Close()

	var out []*Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.LeadID, &e.CampaignID, &e.Channel, &e.StepIndex,
			&e.NextRunAt, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, classify("scan enrollment", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AdvanceEnrollment moves an enrollment past the given step and schedules the
// next run. The step_index guard makes the advance a claim: only one worker
// wins when the scheduler runs concurrently.
func (s *Store) AdvanceEnrollment(ctx context.Context, id string, fromStep int, nextRunAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET step_index = step_index + 1, next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND step_index = $2 AND status = 'active'
	`, id, fromStep, nextRunAt)
	if err != nil {
		return false, classify("advance enrollment", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteEnrollment marks a sequence finished after its last step.
func (s *Store) CompleteEnrollment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	return classify("complete enrollment", err)
}

// CancelEnrollmentsForLead stops all pending touches for a lead. Called on
// the first inbound reply and on opt-out; cancellation is permanent.
func (s *Store) CancelEnrollmentsForLead(ctx context.Context, leadID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET status = 'cancelled', cancel_reason = $2, updated_at = NOW()
		WHERE lead_id = $1 AND status = 'active'
	`, leadID, reason)
	if err != nil {
		return 0, classify("cancel enrollments", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeferEnrollment pushes next_run_at forward without advancing the step,
// used when business hours or the daily cap defer a send.
func (s *Store) DeferEnrollment(ctx context.Context, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET next_run_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, until)
	return classify("defer enrollment", err)
}

// ActiveEnrollmentCount reports how many sequences are still pending for a
// lead, used by the quiescence check before completing a conversation.
func (s *Store) ActiveEnrollmentCount(ctx context.Context, leadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE lead_id = $1 AND status = 'active'
	`, leadID).Scan(&n)
	if err != nil {
		return 0, classify("active enrollment count", err)
	}
	return n, nil
}
