package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/carrier"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
)

type composePayload struct {
	LeadID     string `json:"lead_id"`
	CampaignID string `json:"campaign_id,omitempty"`
}

type dispatchPayload struct {
	CommID         string         `json:"comm_id"`
	LeadID         string         `json:"lead_id"`
	ConversationID string         `json:"conversation_id"`
	Channel        domain.Channel `json:"channel"`
	To             string         `json:"to"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type replyPayload struct {
	LeadID         string `json:"lead_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// RegisterHandlers binds the engine's job handlers to the worker pool.
// Dispatch concurrency is bounded per carrier; agent jobs share the model
// provider budget.
func (e *Engine) RegisterHandlers(pool *queue.WorkerPool, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 25
	}
	pool.Register(queue.TypeAgentCompose, maxConcurrent, e.handleCompose)
	pool.Register(queue.TypeAgentReply, maxConcurrent, e.handleReplyJob)
	pool.Register(queue.TypeDispatchEmail, maxConcurrent, e.handleDispatchEmail)
	pool.Register(queue.TypeDispatchSMS, maxConcurrent, e.handleDispatchSMS)
}

// handleCompose runs routing and the initial engagement for a new lead.
func (e *Engine) handleCompose(ctx context.Context, job *queue.Job) error {
	var payload composePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "compose payload", err)
	}
	return e.withLeadLease(ctx, payload.LeadID, func(ctx context.Context) error {
		return e.composeLead(ctx, payload.LeadID)
	})
}

func (e *Engine) composeLead(ctx context.Context, leadID string) error {
	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return err
	}
	if lead.Status.IsTerminal() {
		return nil
	}

	campaign, profile := e.loadCampaign(ctx, lead.CampaignID)

	decision, err := e.overlord.Route(ctx, lead, campaign, profile)
	if err != nil {
		return err
	}
	e.store.RecordDecision(ctx, lead.ID, domain.AgentOverlord, string(decision.Action), decision.Reasoning,
		map[string]any{"channel": decision.Channel, "focus": decision.Focus})

	switch decision.Action {
	case domain.ActionSkip:
		return e.store.ArchiveLead(ctx, lead.ID, decision.Reason)
	case domain.ActionManualReview:
		log.Printf("[Engine] Lead %s flagged for manual review: %s", lead.ID, decision.Reason)
		return nil
	}

	conv, err := e.store.CreateConversation(ctx, lead.ID, decision.Channel, campaign.Mode == domain.ModeAIOnly)
	if err != nil {
		return err
	}

	// Template-driven modes enroll in the touch sequence; the scheduler
	// sends step zero immediately. AI-only campaigns (and campaigns with no
	// sequence) compose the opener directly.
	if campaign.Mode != domain.ModeAIOnly && len(campaign.TouchSequence) > 0 {
		if _, err := e.store.EnrollLead(ctx, lead.ID, campaign.ID, decision.Channel, time.Now()); err != nil {
			return err
		}
		return nil
	}

	agent, ok := e.channels[decision.Channel]
	if !ok {
		return apperr.New(apperr.CodeValidation, "no agent for channel "+string(decision.Channel))
	}
	msg, err := agent.ComposeInitial(ctx, lead, campaign, profile, decision.Focus)
	if err != nil {
		return err
	}
	if msg.CannotContinue {
		return e.store.ArchiveLead(ctx, lead.ID, "compose_refused:"+msg.RefusalReason)
	}

	key := domain.StepIdempotencyKey(lead.ID, campaign.ID, 0)
	return e.QueueOutbound(ctx, lead, conv, msg, key)
}

// loadCampaign resolves the campaign and its agent profile. A missing or
// empty campaign degrades to an unenrolled AI-only engagement.
func (e *Engine) loadCampaign(ctx context.Context, campaignID string) (*domain.Campaign, *domain.AgentProfile) {
	if campaignID == "" {
		return &domain.Campaign{ID: "", Name: "default", Mode: domain.ModeAIOnly}, nil
	}
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Printf("[Engine] Campaign %s not found, using default engagement: %v", campaignID, err)
		return &domain.Campaign{ID: campaignID, Name: "default", Mode: domain.ModeAIOnly}, nil
	}
	var profile *domain.AgentProfile
	if campaign.AgentID != "" {
		if p, err := e.store.GetAgentProfile(ctx, campaign.AgentID); err == nil {
			profile = p
		}
	}
	return campaign, profile
}

// QueueOutbound claims the dispatch idempotency key, appends the outbound
// message, and enqueues the carrier job. Safe to call repeatedly with the
// same key: later calls are no-ops.
func (e *Engine) QueueOutbound(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, msg *domain.ComposedMessage, key string) error {
	comm := &domain.Communication{
		LeadID:         lead.ID,
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		IdempotencyKey: key,
	}
	created, err := e.store.ClaimDispatch(ctx, comm)
	if err != nil {
		return err
	}
	if !created {
		// Key already claimed. If the prior claim never reached the carrier,
		// resume it; otherwise this is a duplicate and counts as success.
		existing, err := e.store.GetCommunicationByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing.Status != domain.CommQueued {
			return nil
		}
		comm = existing
	} else {
		if _, err := e.store.AppendMessage(ctx, conv, &domain.Message{
			Direction: domain.DirectionOutbound,
			Content:   msg.Body,
			Metadata:  map[string]any{"subject": msg.Subject},
		}); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// Undo the claim so the retry can take it cleanly.
				e.store.ReleaseDispatch(ctx, comm.ID)
			}
			return err
		}
	}

	payload := dispatchPayload{
		CommID:         comm.ID,
		LeadID:         lead.ID,
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		Subject:        msg.Subject,
		Body:           msg.Body,
		IdempotencyKey: key,
	}
	jobType := queue.TypeDispatchEmail
	switch conv.Channel {
	case domain.ChannelEmail, domain.ChannelChat:
		payload.To = lead.Email
	case domain.ChannelSMS:
		payload.To = lead.Phone
		jobType = queue.TypeDispatchSMS
	}

	_, err = e.queue.Enqueue(ctx, jobType, lead.ID, payload, e.maxDispatchAttempts, time.Now())
	return err
}

func (e *Engine) handleDispatchEmail(ctx context.Context, job *queue.Job) error {
	return e.handleDispatch(ctx, job, breaker.ServiceEmailCarrier, func(ctx context.Context, p *dispatchPayload) (*carrier.SendResult, error) {
		return e.email.Send(ctx, &carrier.EmailMessage{
			To:             p.To,
			From:           e.emailCfg.FromEmail,
			FromName:       e.emailCfg.FromName,
			Subject:        p.Subject,
			TextBody:       p.Body,
			LeadID:         p.LeadID,
			ConversationID: p.ConversationID,
		})
	})
}

func (e *Engine) handleDispatchSMS(ctx context.Context, job *queue.Job) error {
	return e.handleDispatch(ctx, job, breaker.ServiceSMSCarrier, func(ctx context.Context, p *dispatchPayload) (*carrier.SendResult, error) {
		return e.sms.Send(ctx, &carrier.SMSMessage{
			To:     p.To,
			From:   e.smsCfg.FromNumber,
			Body:   p.Body,
			LeadID: p.LeadID,
		})
	})
}

func (e *Engine) handleDispatch(ctx context.Context, job *queue.Job, service string,
	send func(ctx context.Context, p *dispatchPayload) (*carrier.SendResult, error)) error {

	var payload dispatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "dispatch payload", err)
	}

	// The idempotency check before any side effect: a retried job whose
	// earlier attempt already reached the carrier must not send again.
	comm, err := e.store.GetCommunicationByKey(ctx, payload.IdempotencyKey)
	if err != nil {
		return err
	}
	if comm.Status != domain.CommQueued {
		return nil
	}

	var result *carrier.SendResult
	call := func(ctx context.Context) error {
		var err error
		result, err = send(ctx, &payload)
		return err
	}
	if e.breakers != nil {
		err = e.breakers.Get(service).Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if apperr.Terminal(err) {
			e.store.MarkDispatchFailed(ctx, comm.ID, string(apperr.CodeOf(err)))
			e.store.CloseConversation(ctx, payload.ConversationID, domain.CloseReasonBounced)
			e.store.ArchiveLead(ctx, payload.LeadID, "dispatch_failed")
		}
		return err
	}

	if err := e.store.MarkSent(ctx, comm.ID, result.ExternalID); err != nil {
		return err
	}
	e.markContacted(ctx, payload.LeadID)
	return nil
}

// markContacted moves a new lead to contacted after its first successful
// dispatch. Version conflicts mean another worker already advanced the
// lead; that is fine.
func (e *Engine) markContacted(ctx context.Context, leadID string) {
	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil || lead.Status != domain.LeadNew {
		return
	}
	if err := e.store.TransitionLead(ctx, leadID, domain.LeadNew, domain.LeadContacted, lead.Version); err != nil &&
		!errors.Is(err, store.ErrVersionConflict) {
		log.Printf("[Engine] Lead %s contacted transition failed: %v", leadID, err)
	}
}

// handleReplyJob composes and dispatches the agent response to an inbound
// message.
func (e *Engine) handleReplyJob(ctx context.Context, job *queue.Job) error {
	var payload replyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "reply payload", err)
	}
	return e.withLeadLease(ctx, payload.LeadID, func(ctx context.Context) error {
		return e.composeReply(ctx, &payload)
	})
}

func (e *Engine) composeReply(ctx context.Context, payload *replyPayload) error {
	lead, err := e.store.GetLead(ctx, payload.LeadID)
	if err != nil {
		return err
	}
	conv, err := e.store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		return err
	}
	if conv.Status == domain.ConversationClosed || conv.HandedOver {
		return nil
	}

	campaign, profile := e.loadCampaign(ctx, lead.CampaignID)
	if campaign.Mode == domain.ModeTemplateOnly {
		// Template-only campaigns never compose AI replies.
		return nil
	}

	history, err := e.store.Messages(ctx, conv.ID)
	if err != nil {
		return err
	}
	var incoming *domain.Message
	for _, m := range history {
		if m.ID == payload.MessageID {
			incoming = m
			break
		}
	}
	if incoming == nil {
		return apperr.New(apperr.CodeNotFound, "inbound message not found in conversation")
	}

	agent, ok := e.channels[conv.Channel]
	if !ok {
		return apperr.New(apperr.CodeValidation, "no agent for channel "+string(conv.Channel))
	}
	msg, err := agent.ComposeReply(ctx, lead, conv, history[:len(history)-1], incoming, profile)
	if err != nil {
		return err
	}
	if msg.CannotContinue {
		if msg.RefusalReason == "opt_out" {
			return e.closeOptOut(ctx, lead, conv)
		}
		return e.store.CloseConversation(ctx, conv.ID, "agent_refused:"+msg.RefusalReason)
	}

	key := domain.ReplyIdempotencyKey(lead.ID, conv.ID, incoming.ID)
	return e.QueueOutbound(ctx, lead, conv, msg, key)
}

// closeOptOut closes the conversation, cancels pending touches, and
// archives the lead. The whole path is one logical transition.
func (e *Engine) closeOptOut(ctx context.Context, lead *domain.Lead, conv *domain.Conversation) error {
	if err := e.store.CloseConversation(ctx, conv.ID, domain.CloseReasonOptOut); err != nil {
		return err
	}
	if _, err := e.store.CancelEnrollmentsForLead(ctx, lead.ID, "opt_out"); err != nil {
		return err
	}
	return e.store.ArchiveLead(ctx, lead.ID, "opt_out")
}
