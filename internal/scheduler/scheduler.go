// Package scheduler drives campaign touch sequences: it polls due
// enrollments, renders the step template, and hands the message to the
// engine's idempotent outbound path. Step advancement is a guarded update,
// so concurrent scheduler instances never double-send a step.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/template"
)

// Sender is the engine's outbound entry point. The idempotency key makes
// repeated calls for the same step harmless.
type Sender interface {
	QueueOutbound(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, msg *domain.ComposedMessage, key string) error
}

// Scheduler polls enrollments and executes due touch steps.
type Scheduler struct {
	store  *store.Store
	sender Sender
	tmpl   *template.Engine
	caps   *DailyCap

	pollInterval time.Duration
	batchSize    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	totalSent      int64
	totalDeferred  int64
	totalCompleted int64
}

// New creates a scheduler. caps may be nil when daily caps are unused.
func New(st *store.Store, sender Sender, tmpl *template.Engine, caps *DailyCap) *Scheduler {
	return &Scheduler{
		store:        st,
		sender:       sender,
		tmpl:         tmpl,
		caps:         caps,
		pollInterval: 30 * time.Second,
		batchSize:    100,
	}
}

// Start begins the poll loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.pollLoop()
	log.Printf("[Scheduler] Started (poll: %v, batch: %d)", s.pollInterval, s.batchSize)
}

// Stop halts polling and waits for the in-flight batch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped (sent: %d, deferred: %d, completed: %d)",
		atomic.LoadInt64(&s.totalSent), atomic.LoadInt64(&s.totalDeferred), atomic.LoadInt64(&s.totalCompleted))
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunDue(s.ctx); err != nil {
				log.Printf("[Scheduler] Poll failed: %v", err)
			} else if n > 0 {
				log.Printf("[Scheduler] Executed %d touch steps", n)
			}
		}
	}
}

// RunDue executes one batch of due enrollments and returns how many steps
// were sent.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.store.DueEnrollments(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, en := range due {
		ok, err := s.processEnrollment(ctx, en)
		if err != nil {
			log.Printf("[Scheduler] Enrollment %s step %d failed: %v", en.ID, en.StepIndex, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) processEnrollment(ctx context.Context, en *store.Enrollment) (bool, error) {
	lead, err := s.store.GetLead(ctx, en.LeadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, cerr := s.store.CancelEnrollmentsForLead(ctx, en.LeadID, "lead_missing")
			return false, cerr
		}
		return false, err
	}
	if lead.Status.IsTerminal() {
		_, err := s.store.CancelEnrollmentsForLead(ctx, lead.ID, "lead_terminal")
		return false, err
	}

	campaign, err := s.store.GetCampaign(ctx, en.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, cerr := s.store.CancelEnrollmentsForLead(ctx, lead.ID, "campaign_missing")
			return false, cerr
		}
		return false, err
	}

	seq := campaign.TouchSequence
	if en.StepIndex >= len(seq) {
		atomic.AddInt64(&s.totalCompleted, 1)
		return false, s.store.CompleteEnrollment(ctx, en.ID)
	}

	// Business hours are the lead's hours, not the server's.
	settings := campaign.Settings
	now := time.Now().In(sendLocation(lead, settings.BusinessHours))
	if !withinHours(settings.BusinessHours, now) {
		atomic.AddInt64(&s.totalDeferred, 1)
		return false, s.store.DeferEnrollment(ctx, en.ID, nextWindow(settings.BusinessHours, now))
	}
	if !s.caps.Allow(ctx, campaign.ID, settings.DailySendCap) {
		// Budget exhausted for today. Try again at tomorrow's window open.
		tomorrow := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		atomic.AddInt64(&s.totalDeferred, 1)
		return false, s.store.DeferEnrollment(ctx, en.ID, nextWindow(settings.BusinessHours, tomorrow))
	}

	conv, err := s.store.ActiveConversation(ctx, lead.ID, en.Channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			conv, err = s.store.CreateConversation(ctx, lead.ID, en.Channel, false)
		}
		if err != nil {
			return false, err
		}
	}
	// The conversation went AI-driven after a reply; touches stop in auto
	// mode.
	if conv.AIMode && campaign.Mode != domain.ModeTemplateOnly {
		_, err := s.store.CancelEnrollmentsForLead(ctx, lead.ID, "ai_mode")
		return false, err
	}

	step := seq[en.StepIndex]
	last := en.StepIndex+1 >= len(seq)
	nextRunAt := now
	if !last {
		nextRunAt = now.Add(seq[en.StepIndex+1].Duration())
	}

	// The advance is the claim: losing it means another instance owns this
	// step.
	won, err := s.store.AdvanceEnrollment(ctx, en.ID, en.StepIndex, nextRunAt)
	if err != nil || !won {
		return false, err
	}

	if !stepConditionsMet(step.Conditions, lead) {
		log.Printf("[Scheduler] Step %d conditions not met for lead %s, skipping", en.StepIndex, lead.ID)
		if last {
			atomic.AddInt64(&s.totalCompleted, 1)
			return false, s.store.CompleteEnrollment(ctx, en.ID)
		}
		return false, nil
	}

	// A step whose communication already reached the carrier is never sent
	// again, whatever path re-offers the index (re-enrollment, sequence
	// import, restored backup).
	if n, err := s.store.SentCountForStep(ctx, lead.ID, campaign.ID, en.StepIndex); err == nil && n > 0 {
		if last {
			atomic.AddInt64(&s.totalCompleted, 1)
			return false, s.store.CompleteEnrollment(ctx, en.ID)
		}
		return false, nil
	}

	tpl, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		log.Printf("[Scheduler] Template %s missing, skipping step %d of campaign %s",
			step.TemplateID, en.StepIndex, campaign.ID)
		if last {
			return false, s.store.CompleteEnrollment(ctx, en.ID)
		}
		return false, nil
	}
	subject, body, err := s.tmpl.RenderTemplate(tpl, lead, map[string]any{
		"campaign": campaign.Name,
		"step":     en.StepIndex + 1,
	})
	if err != nil {
		return false, err
	}

	key := domain.StepIdempotencyKey(lead.ID, campaign.ID, en.StepIndex)
	if err := s.sender.QueueOutbound(ctx, lead, conv, &domain.ComposedMessage{Subject: subject, Body: body}, key); err != nil {
		return false, err
	}
	atomic.AddInt64(&s.totalSent, 1)

	if last {
		atomic.AddInt64(&s.totalCompleted, 1)
		if err := s.store.CompleteEnrollment(ctx, en.ID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Stats reports scheduler counters for the stats endpoint.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return map[string]any{
		"running":         running,
		"total_sent":      atomic.LoadInt64(&s.totalSent),
		"total_deferred":  atomic.LoadInt64(&s.totalDeferred),
		"total_completed": atomic.LoadInt64(&s.totalCompleted),
	}
}
