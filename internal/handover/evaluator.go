// Package handover watches conversations for qualification criteria and,
// when one trips, assembles a dossier and delivers it to the configured
// human destinations. Exactly one handover fires per conversation; the
// guard flag is persisted on the conversation row.
package handover

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cadencehq/cadence/internal/agents"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/carrier"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/httpretry"
	"github.com/cadencehq/cadence/internal/store"
)

// Evaluator implements the engine's conversation-append subscription.
type Evaluator struct {
	store    *store.Store
	channels map[domain.Channel]agents.ChannelAgent
	email    carrier.EmailCarrier
	emailCfg config.EmailConfig
	breakers *breaker.Registry
	client   httpretry.HTTPDoer
}

// New creates the evaluator. email may be nil when no email destinations are
// configured; client defaults to a retrying HTTP client.
func New(st *store.Store, channelAgents []agents.ChannelAgent, email carrier.EmailCarrier,
	emailCfg config.EmailConfig, breakers *breaker.Registry, client httpretry.HTTPDoer) *Evaluator {

	channels := make(map[domain.Channel]agents.ChannelAgent, len(channelAgents))
	for _, a := range channelAgents {
		channels[a.Channel()] = a
	}
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &Evaluator{
		store:    st,
		channels: channels,
		email:    email,
		emailCfg: emailCfg,
		breakers: breakers,
		client:   client,
	}
}

// OnAppend evaluates the handover criteria after a conversation append.
// Failures are logged, never propagated: a broken evaluator must not block
// the reply loop.
func (e *Evaluator) OnAppend(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, campaign *domain.Campaign) {
	if conv.HandedOver || conv.Status == domain.ConversationClosed {
		return
	}
	criteria := campaign.Settings.HandoverCriteria
	if criteriaEmpty(criteria) {
		return
	}

	history, err := e.store.Messages(ctx, conv.ID)
	if err != nil {
		log.Printf("[Handover] Load messages for %s: %v", conv.ID, err)
		return
	}

	var signals *domain.Signals
	if agent, ok := e.channels[conv.Channel]; ok {
		signals, err = agent.EvaluateSignals(ctx, conv, history, criteria)
		if err != nil {
			log.Printf("[Handover] Signal evaluation for %s: %v", conv.ID, err)
		}
	}
	if signals == nil {
		signals = &domain.Signals{Sentiment: domain.SentimentNeutral}
	}

	tripped := evaluate(criteria, conv, history, signals)
	if len(tripped) == 0 {
		return
	}

	// First trip wins; any concurrent evaluation loses here and stops.
	won, err := e.store.MarkHandedOver(ctx, conv.ID)
	if err != nil || !won {
		return
	}

	if err := e.execute(ctx, lead, conv, campaign, history, signals, tripped); err != nil {
		log.Printf("[Handover] Execution for conversation %s: %v", conv.ID, err)
	}
}

// evaluate returns the names of all criteria the conversation currently
// trips. Any one is sufficient.
func evaluate(criteria domain.HandoverCriteria, conv *domain.Conversation, history []*domain.Message, signals *domain.Signals) []string {
	var tripped []string

	if criteria.QualificationScoreThreshold > 0 && signals.QualificationScore >= criteria.QualificationScoreThreshold {
		tripped = append(tripped, "qualification_score")
	}
	if criteria.ConversationLengthThreshold > 0 && conv.MessageCount >= criteria.ConversationLengthThreshold {
		tripped = append(tripped, "conversation_length")
	}
	if criteria.TimeThresholdSeconds > 0 && time.Since(conv.StartedAt) >= time.Duration(criteria.TimeThresholdSeconds)*time.Second {
		tripped = append(tripped, "time_threshold")
	}
	if len(criteria.KeywordTriggers) > 0 {
		if latest := latestInbound(history); latest != nil {
			for _, kw := range criteria.KeywordTriggers {
				if containsWholeWord(latest.Content, kw) {
					tripped = append(tripped, "keyword:"+strings.ToLower(kw))
					break
				}
			}
		}
	}
	if len(criteria.GoalCompletionRequired) > 0 && allGoalsMet(criteria.GoalCompletionRequired, signals) {
		tripped = append(tripped, "goals_complete")
	}
	return tripped
}

func (e *Evaluator) execute(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, campaign *domain.Campaign,
	history []*domain.Message, signals *domain.Signals, tripped []string) error {

	reason := strings.Join(tripped, ",")
	exec := &domain.HandoverExecution{
		LeadID:         lead.ID,
		ConversationID: conv.ID,
		Reason:         reason,
		Dossier:        buildDossier(lead, conv, history, signals, tripped),
		Destinations:   destinations(campaign.Settings),
	}
	// Persist before fan-out so a crash mid-delivery leaves a record.
	if err := e.store.CreateHandoverExecution(ctx, exec); err != nil {
		return err
	}

	e.deliverAll(ctx, exec)

	e.store.RecordDecision(ctx, lead.ID, domain.AgentOverlord, "handover", reason,
		map[string]any{"conversation_id": conv.ID, "score": signals.QualificationScore, "criteria": tripped})
	e.store.CloseConversation(ctx, conv.ID, domain.CloseReasonHandover)
	e.store.CancelEnrollmentsForLead(ctx, lead.ID, "handover")
	if !lead.Status.IsTerminal() {
		if err := e.store.TransitionLead(ctx, lead.ID, lead.Status, domain.LeadHandedOver, lead.Version); err != nil {
			log.Printf("[Handover] Lead %s handed_over transition: %v", lead.ID, err)
		}
	}
	log.Printf("[Handover] Conversation %s handed over (reason: %s, destinations: %d)",
		conv.ID, reason, len(exec.Destinations))
	return nil
}

// deliverAll fans the dossier out to every destination in priority order.
// One failing destination never blocks the others.
func (e *Evaluator) deliverAll(ctx context.Context, exec *domain.HandoverExecution) {
	for _, dest := range exec.Destinations {
		attempt := domain.DeliveryAttempt{
			Destination: dest,
			Status:      domain.AttemptDelivered,
			AttemptedAt: time.Now(),
		}
		if err := e.deliver(ctx, dest, exec); err != nil {
			attempt.Status = domain.AttemptFailed
			attempt.Error = err.Error()
			log.Printf("[Handover] Delivery to %s %s failed: %v", dest.Kind, dest.Target, err)
		}
		exec.Attempts = append(exec.Attempts, attempt)
	}
	if err := e.store.UpdateHandoverAttempts(ctx, exec.ID, exec.Attempts); err != nil {
		log.Printf("[Handover] Record attempts for %s: %v", exec.ID, err)
	}
}

// destinations flattens the campaign's recipients and sinks into one
// priority-ordered list, high before medium before low.
func destinations(settings domain.CampaignSettings) []domain.Destination {
	var out []domain.Destination
	for _, r := range settings.HandoverCriteria.HandoverRecipients {
		out = append(out, domain.Destination{Kind: "email", Target: r.Email, Priority: r.Priority})
	}
	out = append(out, settings.Destinations...)

	rank := map[string]int{"high": 0, "medium": 1, "": 1, "low": 2}
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Priority] < rank[out[j].Priority]
	})
	return out
}

func criteriaEmpty(c domain.HandoverCriteria) bool {
	return c.QualificationScoreThreshold <= 0 &&
		c.ConversationLengthThreshold <= 0 &&
		c.TimeThresholdSeconds <= 0 &&
		len(c.KeywordTriggers) == 0 &&
		len(c.GoalCompletionRequired) == 0
}

func latestInbound(history []*domain.Message) *domain.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == domain.DirectionInbound {
			return history[i]
		}
	}
	return nil
}

func allGoalsMet(required []string, signals *domain.Signals) bool {
	have := make(map[string]bool, len(signals.BuyingSignals)+len(signals.CompletedGoals))
	for _, s := range signals.BuyingSignals {
		have[strings.ToLower(s)] = true
	}
	for _, s := range signals.CompletedGoals {
		have[strings.ToLower(s)] = true
	}
	for _, g := range required {
		if !have[strings.ToLower(g)] {
			return false
		}
	}
	return true
}

// containsWholeWord does a case-insensitive whole-word (or whole-phrase)
// match of needle in haystack.
func containsWholeWord(haystack, needle string) bool {
	h := strings.ToLower(haystack)
	n := strings.ToLower(strings.TrimSpace(needle))
	if n == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(h[i:], n)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(n)
		beforeOK := start == 0 || !isWordChar(rune(h[start-1]))
		afterOK := end == len(h) || !isWordChar(rune(h[end]))
		if beforeOK && afterOK {
			return true
		}
		i = start + 1
	}
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
