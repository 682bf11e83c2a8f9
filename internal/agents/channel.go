package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/modelrouter"
	"github.com/cadencehq/cadence/internal/template"
)

// Stock bodies sent when no model is reachable. Rendered with lead identity
// variables only, so a provider outage degrades to unpersonalized but valid
// messages instead of stalling the sequence.
const (
	fallbackSubject     = `Following up, {{ first_name | default: "there" }}`
	fallbackInitialBody = `Hi {{ first_name | default: "there" }}, thanks for your interest in {{ campaign }}. ` +
		`I'd love to learn more about what you're looking for. When would be a good time to connect?`
	fallbackReplyBody = `Thanks for your message, {{ first_name | default: "there" }}. ` +
		`A member of our team will get back to you shortly with the details.`
)

// channelAgent is the shared implementation behind the email, sms, and chat
// agents. The three differ only in channel constraints and prompt framing.
type channelAgent struct {
	kind        domain.AgentKind
	channel     domain.Channel
	router      ModelInvoker
	tmpl        *template.Engine
	note        string // channel constraints appended to the system prompt
	withSubject bool
	maxTokens   int
}

// NewEmailAgent composes email bodies with subjects.
func NewEmailAgent(router ModelInvoker) ChannelAgent {
	return &channelAgent{
		kind:    domain.AgentEmail,
		channel: domain.ChannelEmail,
		router:  router,
		tmpl:    template.NewEngine(),
		note: "You write outbound emails. Respond with a single JSON object " +
			`{"subject": string, "body": string}. Keep the body under 150 words, plain text, no signature block.`,
		withSubject: true,
		maxTokens:   1024,
	}
}

// NewSMSAgent composes short SMS bodies.
func NewSMSAgent(router ModelInvoker) ChannelAgent {
	return &channelAgent{
		kind:    domain.AgentSMS,
		channel: domain.ChannelSMS,
		router:  router,
		tmpl:    template.NewEngine(),
		note: "You write outbound SMS messages. Respond with a single JSON object " +
			`{"body": string}. Keep the body under 300 characters, conversational, no links unless asked.`,
		maxTokens: 256,
	}
}

// NewChatAgent composes chat-widget replies.
func NewChatAgent(router ModelInvoker) ChannelAgent {
	return &channelAgent{
		kind:    domain.AgentChat,
		channel: domain.ChannelChat,
		router:  router,
		tmpl:    template.NewEngine(),
		note: "You respond in a live chat widget. Respond with a single JSON object " +
			`{"body": string}. Keep replies short and direct.`,
		maxTokens: 512,
	}
}

func (a *channelAgent) Kind() domain.AgentKind  { return a.kind }
func (a *channelAgent) Channel() domain.Channel { return a.channel }

// ComposeInitial produces the opening message for a new conversation. When
// the provider breaker is open or the router is exhausted, the agent sends
// the stock opener instead so engagement continues through the outage.
func (a *channelAgent) ComposeInitial(ctx context.Context, lead *domain.Lead, campaign *domain.Campaign, profile *domain.AgentProfile, focus string) (*domain.ComposedMessage, error) {
	if a.router == nil {
		return a.fallbackInitial(lead, campaign)
	}
	prompt := fmt.Sprintf("%s\nCampaign: %s\nMessage focus: %s\nWrite the opening outbound message.",
		leadSummary(lead), campaign.Name, focus)

	resp, err := a.router.Invoke(ctx, &modelrouter.Request{
		Prompt:         prompt,
		SystemPrompt:   buildSystemPrompt(profile, a.note),
		AgentKind:      a.kind,
		DecisionType:   modelrouter.DecisionGeneration,
		StructuredJSON: true,
		SchemaDepth:    1,
		MaxTokens:      a.maxTokens,
	})
	if err != nil {
		if !modelUnavailable(err) {
			return nil, err
		}
		log.Printf("[Agent:%s] Model unavailable, sending stock opener: %v", a.kind, err)
		return a.fallbackInitial(lead, campaign)
	}
	return a.parseMessage(resp.Text)
}

// ComposeReply produces the response to an inbound message. Opt-out replies
// are refused before any model call; the engine closes the conversation.
func (a *channelAgent) ComposeReply(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, history []*domain.Message, incoming *domain.Message, profile *domain.AgentProfile) (*domain.ComposedMessage, error) {
	if domain.IsOptOut(incoming.Content) {
		return &domain.ComposedMessage{
			CannotContinue: true,
			RefusalReason:  "opt_out",
		}, nil
	}

	if a.router == nil {
		return a.fallbackReply(lead)
	}
	prompt := fmt.Sprintf("%s\nThe lead just wrote: %q\nWrite your reply.", leadSummary(lead), incoming.Content)

	resp, err := a.router.Invoke(ctx, &modelrouter.Request{
		Prompt:         prompt,
		SystemPrompt:   buildSystemPrompt(profile, a.note),
		AgentKind:      a.kind,
		DecisionType:   modelrouter.DecisionConversation,
		History:        historyTurns(history),
		StructuredJSON: true,
		SchemaDepth:    1,
		MaxTokens:      a.maxTokens,
	})
	if err != nil {
		if !modelUnavailable(err) {
			return nil, err
		}
		log.Printf("[Agent:%s] Model unavailable, sending stock reply: %v", a.kind, err)
		return a.fallbackReply(lead)
	}
	return a.parseMessage(resp.Text)
}

// modelUnavailable reports whether an invocation error means the provider is
// down (breaker open or router exhausted) rather than rejecting the request.
// Permanent errors still propagate and fail the job.
func modelUnavailable(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeBreakerOpen, apperr.CodeModelTransient:
		return true
	}
	return false
}

func (a *channelAgent) fallbackInitial(lead *domain.Lead, campaign *domain.Campaign) (*domain.ComposedMessage, error) {
	ctx := template.LeadContext(lead)
	ctx["campaign"] = campaign.Name
	body, err := a.tmpl.Render("agent:fallback:initial", fallbackInitialBody, ctx)
	if err != nil {
		return nil, err
	}
	msg := &domain.ComposedMessage{Body: body}
	if a.withSubject {
		if msg.Subject, err = a.tmpl.Render("agent:fallback:subject", fallbackSubject, ctx); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (a *channelAgent) fallbackReply(lead *domain.Lead) (*domain.ComposedMessage, error) {
	ctx := template.LeadContext(lead)
	body, err := a.tmpl.Render("agent:fallback:reply", fallbackReplyBody, ctx)
	if err != nil {
		return nil, err
	}
	msg := &domain.ComposedMessage{Body: body}
	if a.withSubject {
		if msg.Subject, err = a.tmpl.Render("agent:fallback:subject", fallbackSubject, ctx); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

type signalsPayload struct {
	QualificationScore float64  `json:"qualification_score"`
	Sentiment          string   `json:"sentiment"`
	BuyingSignals      []string `json:"buying_signals"`
	KeywordsHit        []string `json:"keywords_hit"`
	CompletedGoals     []string `json:"completed_goals"`
}

// EvaluateSignals scores the conversation for qualification and handover.
// When the model is unavailable it degrades to the keyword heuristic rather
// than blocking the handover evaluator.
func (a *channelAgent) EvaluateSignals(ctx context.Context, conv *domain.Conversation, history []*domain.Message, criteria domain.HandoverCriteria) (*domain.Signals, error) {
	if a.router != nil {
		signals, err := a.evaluateViaModel(ctx, conv, history, criteria)
		if err == nil {
			return signals, nil
		}
		log.Printf("[Agent:%s] Signal evaluation failed, using heuristic: %v", a.kind, err)
	}
	return HeuristicSignals(history, criteria), nil
}

func (a *channelAgent) evaluateViaModel(ctx context.Context, conv *domain.Conversation, history []*domain.Message, criteria domain.HandoverCriteria) (*domain.Signals, error) {
	var transcript strings.Builder
	for _, m := range history {
		who := "agent"
		if m.Direction == domain.DirectionInbound {
			who = "lead"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", who, m.Content)
	}
	prompt := fmt.Sprintf(
		"Conversation transcript:\n%s\nGoals to check: %s\nScore this lead.",
		transcript.String(), strings.Join(criteria.GoalCompletionRequired, ", "))

	resp, err := a.router.Invoke(ctx, &modelrouter.Request{
		Prompt: prompt,
		SystemPrompt: "You evaluate sales conversations. Respond with a single JSON object " +
			`{"qualification_score": number 0-10, "sentiment": "positive"|"neutral"|"negative", "buying_signals": [string], "keywords_hit": [string], "completed_goals": [string]}.`,
		AgentKind:      a.kind,
		DecisionType:   modelrouter.DecisionQualification,
		StructuredJSON: true,
		SchemaDepth:    2,
		MaxTokens:      512,
	})
	if err != nil {
		return nil, err
	}

	var payload signalsPayload
	if err := json.Unmarshal([]byte(resp.Text), &payload); err != nil {
		return nil, fmt.Errorf("parse signals: %w", err)
	}
	if payload.QualificationScore < 0 {
		payload.QualificationScore = 0
	}
	if payload.QualificationScore > 10 {
		payload.QualificationScore = 10
	}
	sentiment := domain.Sentiment(payload.Sentiment)
	switch sentiment {
	case domain.SentimentPositive, domain.SentimentNeutral, domain.SentimentNegative:
	default:
		sentiment = domain.SentimentNeutral
	}
	return &domain.Signals{
		QualificationScore: payload.QualificationScore,
		Sentiment:          sentiment,
		BuyingSignals:      payload.BuyingSignals,
		KeywordsHit:        payload.KeywordsHit,
		CompletedGoals:     payload.CompletedGoals,
	}, nil
}

func (a *channelAgent) parseMessage(text string) (*domain.ComposedMessage, error) {
	var msg domain.ComposedMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("parse composed message: %w", err)
	}
	if msg.Body == "" && !msg.CannotContinue {
		return nil, fmt.Errorf("model returned empty message body")
	}
	if !a.withSubject {
		msg.Subject = ""
	}
	return &msg, nil
}
