package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/modelrouter"
)

// Overlord decides how a new lead is engaged: which channel, with what
// initial focus, or whether to skip or flag for manual review.
type Overlord struct {
	router ModelInvoker
}

// NewOverlord creates the routing agent.
func NewOverlord(router ModelInvoker) *Overlord {
	return &Overlord{router: router}
}

// Route produces a routing decision for (lead, campaign). Model failures
// fall back to a deterministic preference rule so routing never blocks on
// the provider.
func (o *Overlord) Route(ctx context.Context, lead *domain.Lead, campaign *domain.Campaign, profile *domain.AgentProfile) (*domain.RoutingDecision, error) {
	if !lead.Contactable() {
		return &domain.RoutingDecision{
			Action:    domain.ActionSkip,
			Reason:    "no_contact",
			Reasoning: "lead has no email or phone",
		}, nil
	}

	if o.router != nil {
		decision, err := o.routeViaModel(ctx, lead, campaign, profile)
		if err == nil {
			return decision, nil
		}
		log.Printf("[Overlord] Model routing failed, using deterministic fallback: %v", err)
	}

	return o.deterministicRoute(lead, campaign), nil
}

func (o *Overlord) routeViaModel(ctx context.Context, lead *domain.Lead, campaign *domain.Campaign, profile *domain.AgentProfile) (*domain.RoutingDecision, error) {
	prompt := o.buildPrompt(lead, campaign)
	resp, err := o.router.Invoke(ctx, &modelrouter.Request{
		Prompt:         prompt,
		SystemPrompt:   buildSystemPrompt(profile, "Respond with a single JSON object: {\"action\": \"assign_channel\"|\"skip\"|\"manual_review\", \"channel\": \"email\"|\"sms\"|\"chat\", \"initial_message_focus\": string, \"reasoning\": string}."),
		AgentKind:      domain.AgentOverlord,
		DecisionType:   modelrouter.DecisionRouting,
		StructuredJSON: true,
		SchemaDepth:    1,
		MaxTokens:      512,
	})
	if err != nil {
		return nil, err
	}

	var decision domain.RoutingDecision
	if err := json.Unmarshal([]byte(resp.Text), &decision); err != nil {
		return nil, fmt.Errorf("parse routing decision: %w", err)
	}

	switch decision.Action {
	case domain.ActionAssignChannel:
		if !decision.Channel.Valid() || !lead.ContactableOn(decision.Channel) {
			// Model picked a channel the lead cannot be reached on.
			return nil, fmt.Errorf("model assigned unreachable channel %q", decision.Channel)
		}
	case domain.ActionSkip, domain.ActionManualReview:
	default:
		return nil, fmt.Errorf("model returned unknown action %q", decision.Action)
	}
	return &decision, nil
}

// deterministicRoute is the no-model rule: primary preference if contactable,
// else the first contactable fallback, else manual review.
func (o *Overlord) deterministicRoute(lead *domain.Lead, campaign *domain.Campaign) *domain.RoutingDecision {
	prefs := campaign.Settings.ChannelPrefs
	candidates := make([]domain.Channel, 0, 1+len(prefs.Fallback))
	if prefs.Primary != "" {
		candidates = append(candidates, prefs.Primary)
	}
	candidates = append(candidates, prefs.Fallback...)
	if len(candidates) == 0 {
		// No configured preferences: email first, then sms.
		candidates = []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}
	}

	for _, ch := range candidates {
		if lead.ContactableOn(ch) {
			return &domain.RoutingDecision{
				Action:    domain.ActionAssignChannel,
				Channel:   ch,
				Focus:     defaultFocus(lead, campaign),
				Reasoning: fmt.Sprintf("deterministic fallback: %s is the first contactable preference", ch),
			}
		}
	}
	return &domain.RoutingDecision{
		Action:    domain.ActionManualReview,
		Reason:    "no_contactable_preference",
		Reasoning: "no configured channel preference is contactable for this lead",
	}
}

func defaultFocus(lead *domain.Lead, campaign *domain.Campaign) string {
	if v, ok := lead.Metadata["interest"].(string); ok && v != "" {
		return v
	}
	return "introduce " + campaign.Name
}

func (o *Overlord) buildPrompt(lead *domain.Lead, campaign *domain.Campaign) string {
	var b strings.Builder
	b.WriteString(leadSummary(lead))
	fmt.Fprintf(&b, "\nCampaign: %s (mode: %s)", campaign.Name, campaign.Mode)
	prefs := campaign.Settings.ChannelPrefs
	if prefs.Primary != "" {
		fmt.Fprintf(&b, "\nPreferred channel: %s", prefs.Primary)
	}
	if len(prefs.Fallback) > 0 {
		fallbacks := make([]string, len(prefs.Fallback))
		for i, ch := range prefs.Fallback {
			fallbacks[i] = string(ch)
		}
		fmt.Fprintf(&b, " (fallbacks: %s)", strings.Join(fallbacks, ", "))
	}
	if strings.Contains(strings.ToLower(lead.Source), "email") {
		b.WriteString("\nThis lead originated from an inbound email; email is likely the best channel.")
	}
	b.WriteString("\nDecide how to engage this lead.")
	return b.String()
}
