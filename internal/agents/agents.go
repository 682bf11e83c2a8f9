// Package agents implements the four agent kinds: the Overlord routing
// agent and the three channel agents (email, sms, chat). Agents are
// stateless; each invocation takes the lead, conversation, and campaign and
// returns either a routing decision or a composed message. Model access goes
// through the router; every agent carries a deterministic fallback for when
// the model provider is unavailable.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/modelrouter"
)

// ModelInvoker is the slice of the router the agents use. Satisfied by
// *modelrouter.Router.
type ModelInvoker interface {
	Invoke(ctx context.Context, req *modelrouter.Request) (*modelrouter.Response, error)
}

// ChannelAgent composes messages and evaluates signals for one channel.
type ChannelAgent interface {
	Kind() domain.AgentKind
	Channel() domain.Channel
	ComposeInitial(ctx context.Context, lead *domain.Lead, campaign *domain.Campaign, profile *domain.AgentProfile, focus string) (*domain.ComposedMessage, error)
	ComposeReply(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, history []*domain.Message, incoming *domain.Message, profile *domain.AgentProfile) (*domain.ComposedMessage, error)
	EvaluateSignals(ctx context.Context, conv *domain.Conversation, history []*domain.Message, criteria domain.HandoverCriteria) (*domain.Signals, error)
}

// buildSystemPrompt renders an agent profile into the system prompt shared
// by all agent invocations.
func buildSystemPrompt(profile *domain.AgentProfile, channelNote string) string {
	var b strings.Builder
	b.WriteString("You are an outbound engagement agent.")
	if profile != nil {
		if profile.Personality != "" {
			fmt.Fprintf(&b, " Personality: %s.", profile.Personality)
		}
		if profile.EndGoal != "" {
			fmt.Fprintf(&b, " Your goal: %s.", profile.EndGoal)
		}
		if profile.DomainExpertise != "" {
			fmt.Fprintf(&b, " Domain expertise: %s.", profile.DomainExpertise)
		}
		if len(profile.Dos) > 0 {
			fmt.Fprintf(&b, "\nAlways: %s.", strings.Join(profile.Dos, "; "))
		}
		if len(profile.Donts) > 0 {
			fmt.Fprintf(&b, "\nNever: %s.", strings.Join(profile.Donts, "; "))
		}
	}
	if channelNote != "" {
		b.WriteString("\n")
		b.WriteString(channelNote)
	}
	return b.String()
}

// historyTurns converts stored messages into router history format.
func historyTurns(history []*domain.Message) []modelrouter.HistoryTurn {
	turns := make([]modelrouter.HistoryTurn, 0, len(history))
	for _, m := range history {
		role := "assistant"
		if m.Direction == domain.DirectionInbound {
			role = "user"
		}
		turns = append(turns, modelrouter.HistoryTurn{Role: role, Content: m.Content})
	}
	return turns
}

// leadSummary renders the lead facts included in prompts. PII stays out of
// logs but is necessary in the prompt itself.
func leadSummary(lead *domain.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Lead: %s (source: %s)", lead.Name, lead.Source)
	if lead.Email != "" {
		b.WriteString(", reachable by email")
	}
	if lead.Phone != "" {
		b.WriteString(", reachable by phone")
	}
	for k, v := range lead.Metadata {
		if k == "source_external_id" {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	return b.String()
}
