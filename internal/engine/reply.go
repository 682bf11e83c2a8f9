package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
)

// InboundMessage is a carrier- or scanner-delivered reply before lead
// attribution.
type InboundMessage struct {
	ExternalID string
	Sender     string
	Content    string
	// InReplyTo is the external id of the outbound message being answered,
	// when the carrier supplies threading headers.
	InReplyTo  string
	RawPayload []byte
}

// Ack reports how an inbound message was handled.
type Ack struct {
	LeadID         string
	ConversationID string
	MessageID      string
	Orphan         bool
	Duplicate      bool
}

// HandleReply attributes an inbound message to a lead and conversation,
// appends it, and enqueues the agent response. Duplicate deliveries within
// the dedupe window ack without a second Message row; unmatched senders are
// stored as orphans.
func (e *Engine) HandleReply(ctx context.Context, channel domain.Channel, in *InboundMessage) (*Ack, error) {
	if in.ExternalID != "" {
		seen, err := e.store.InboundSeen(ctx, channel, in.ExternalID, inboundDedupeWindow)
		if err != nil {
			return nil, err
		}
		if seen {
			return &Ack{Duplicate: true}, nil
		}
	}

	lead, conv, err := e.matchLead(ctx, channel, in)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		orphan := &domain.OrphanReply{
			Channel:    channel,
			Sender:     in.Sender,
			ExternalID: in.ExternalID,
			RawPayload: in.RawPayload,
		}
		if err := e.store.InsertOrphanReply(ctx, orphan); err != nil {
			return nil, err
		}
		logger.Info("orphan reply stored", "channel", string(channel), "sender", in.Sender, "id", orphan.ID)
		return &Ack{Orphan: true}, nil
	}

	var ack *Ack
	err = e.withLeadLease(ctx, lead.ID, func(ctx context.Context) error {
		var ierr error
		ack, ierr = e.acceptReply(ctx, lead, conv, channel, in)
		return ierr
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// matchLead resolves (lead, conversation) for an inbound message. Email
// matches by sender address with In-Reply-To as tie-break; SMS matches the
// E.164-normalized sender. A nil lead means orphan.
func (e *Engine) matchLead(ctx context.Context, channel domain.Channel, in *InboundMessage) (*domain.Lead, *domain.Conversation, error) {
	if in.InReplyTo != "" {
		if msg, err := e.store.FindMessageByExternalID(ctx, in.InReplyTo); err == nil {
			if conv, err := e.store.GetConversation(ctx, msg.ConversationID); err == nil {
				lead, err := e.store.GetLead(ctx, conv.LeadID)
				if err == nil {
					return lead, conv, nil
				}
			}
		}
	}

	switch channel {
	case domain.ChannelEmail, domain.ChannelChat:
		sender := strings.ToLower(strings.TrimSpace(in.Sender))
		leads, err := e.store.FindLeadsByEmail(ctx, sender)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		// Most recently updated lead with an open conversation wins.
		for _, lead := range leads {
			conv, err := e.store.ActiveConversation(ctx, lead.ID, channel)
			if err == nil {
				return lead, conv, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, nil, err
			}
		}
		if len(leads) > 0 {
			return leads[0], nil, nil
		}
	case domain.ChannelSMS:
		phone := domain.NormalizePhone(in.Sender)
		if phone == "" {
			return nil, nil, nil
		}
		lead, err := e.store.FindLeadByPhone(ctx, phone)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		conv, err := e.store.ActiveConversation(ctx, lead.ID, channel)
		if errors.Is(err, store.ErrNotFound) {
			return lead, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		return lead, conv, nil
	}
	return nil, nil, nil
}

func (e *Engine) acceptReply(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, channel domain.Channel, in *InboundMessage) (*Ack, error) {
	if lead.Status.IsTerminal() {
		return &Ack{LeadID: lead.ID, Orphan: false}, nil
	}

	var err error
	if conv == nil {
		conv, err = e.store.CreateConversation(ctx, lead.ID, channel, true)
		if err != nil {
			return nil, err
		}
	}

	msg, err := e.store.AppendMessage(ctx, conv, &domain.Message{
		Direction:  domain.DirectionInbound,
		Content:    in.Content,
		ExternalID: in.ExternalID,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apperr.Wrap(apperr.CodeStoreTransient, "conversation busy", err)
		}
		return nil, err
	}

	// Reply recency orders lead matching; a stale clock misattributes a
	// shared address to the wrong lead.
	if err := e.store.TouchLead(ctx, lead.ID, msg.CreatedAt); err != nil {
		log.Printf("[Engine] Touch failed for lead %s: %v", lead.ID, err)
	}

	ack := &Ack{LeadID: lead.ID, ConversationID: conv.ID, MessageID: msg.ID}

	if domain.IsOptOut(in.Content) {
		if err := e.closeOptOut(ctx, lead, conv); err != nil {
			return nil, err
		}
		return ack, nil
	}

	campaign, _ := e.loadCampaign(ctx, lead.CampaignID)

	// First reply in auto mode cancels remaining touches and flips the
	// conversation to AI-driven replies.
	if campaign.Mode == domain.ModeAuto && !conv.AIMode {
		if n, err := e.store.CancelEnrollmentsForLead(ctx, lead.ID, "replied"); err == nil && n > 0 {
			log.Printf("[Engine] Cancelled %d pending touches for lead %s after reply", n, lead.ID)
		}
		if err := e.store.SetAIMode(ctx, conv.ID, true); err != nil {
			return nil, err
		}
		conv.AIMode = true
	}

	e.markEngaged(ctx, lead)

	if campaign.Mode != domain.ModeTemplateOnly {
		_, err = e.queue.Enqueue(ctx, queue.TypeAgentReply, lead.ID, replyPayload{
			LeadID:         lead.ID,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
		}, e.maxAgentAttempts, time.Now())
		if err != nil {
			return nil, err
		}
	}

	if e.handover != nil {
		e.handover.OnAppend(ctx, lead, conv, campaign)
	}
	return ack, nil
}

// markEngaged advances the lead to engaged on a reply when legal.
func (e *Engine) markEngaged(ctx context.Context, lead *domain.Lead) {
	if lead.Status == domain.LeadEngaged || lead.Status.IsTerminal() || lead.Status == domain.LeadQualified {
		return
	}
	if err := e.store.TransitionLead(ctx, lead.ID, lead.Status, domain.LeadEngaged, lead.Version); err != nil &&
		!errors.Is(err, store.ErrVersionConflict) {
		log.Printf("[Engine] Lead %s engaged transition failed: %v", lead.ID, err)
	}
}

// HandleStatusEvent applies a carrier delivery-status event to the matching
// communication. Bounces close the conversation and archive the lead;
// unsubscribe events run the opt-out path.
func (e *Engine) HandleStatusEvent(ctx context.Context, externalID, event string) error {
	switch event {
	case "delivered":
		err := e.store.UpdateCommunicationByExternalID(ctx, externalID, domain.CommDelivered)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	case "bounced":
		comm, err := e.store.GetCommunicationByExternalID(ctx, externalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.store.UpdateCommunicationByExternalID(ctx, externalID, domain.CommBounced); err != nil {
			return err
		}
		e.store.CloseConversation(ctx, comm.ConversationID, domain.CloseReasonBounced)
		return e.store.ArchiveLead(ctx, comm.LeadID, "bounced")
	case "unsubscribed":
		comm, err := e.store.GetCommunicationByExternalID(ctx, externalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		lead, err := e.store.GetLead(ctx, comm.LeadID)
		if err != nil {
			return err
		}
		conv, err := e.store.GetConversation(ctx, comm.ConversationID)
		if err != nil {
			return err
		}
		return e.closeOptOut(ctx, lead, conv)
	case "opened", "clicked":
		// Engagement signals only; no state change today.
		return nil
	}
	return nil
}
