package domain

// AgentKind enumerates the four agent roles.
type AgentKind string

const (
	AgentOverlord AgentKind = "overlord"
	AgentEmail    AgentKind = "email"
	AgentSMS      AgentKind = "sms"
	AgentChat     AgentKind = "chat"
)

// AgentProfile is the stateless persona definition used to construct model
// prompts. Behavior lives in the agents package; this is configuration only.
type AgentProfile struct {
	ID              string   `json:"id" db:"id"`
	Kind            AgentKind `json:"kind" db:"kind"`
	EndGoal         string   `json:"end_goal" db:"end_goal"`
	Personality     string   `json:"personality" db:"personality"`
	Dos             []string `json:"dos" db:"dos"`
	Donts           []string `json:"donts" db:"donts"`
	DomainExpertise string   `json:"domain_expertise" db:"domain_expertise"`
}

// DecisionAction is the closed variant of Overlord routing outcomes.
type DecisionAction string

const (
	ActionAssignChannel DecisionAction = "assign_channel"
	ActionSkip          DecisionAction = "skip"
	ActionManualReview  DecisionAction = "manual_review"
)

// RoutingDecision is the Overlord's structured output. Exactly one of the
// variants applies: assign_channel carries Channel and Focus; skip and
// manual_review carry Reason.
type RoutingDecision struct {
	Action    DecisionAction `json:"action"`
	Channel   Channel        `json:"channel,omitempty"`
	Focus     string         `json:"initial_message_focus,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Reasoning string         `json:"reasoning"`
}

// Decision is an immutable audit record of any agent decision.
type Decision struct {
	ID        string         `json:"id" db:"id"`
	LeadID    string         `json:"lead_id" db:"lead_id"`
	AgentKind AgentKind      `json:"agent_kind" db:"agent_kind"`
	Action    string         `json:"action" db:"action"`
	Reasoning string         `json:"reasoning" db:"reasoning"`
	Data      map[string]any `json:"data,omitempty" db:"data"`
	CreatedAt string         `json:"created_at" db:"created_at"`
}

// Sentiment of a conversation as evaluated by a channel agent.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Signals is the per-conversation evaluation a channel agent produces for
// qualification and handover decisions.
type Signals struct {
	QualificationScore float64   `json:"qualification_score"` // 0..10
	Sentiment          Sentiment `json:"sentiment"`
	BuyingSignals      []string  `json:"buying_signals"`
	KeywordsHit        []string  `json:"keywords_hit"`
	CompletedGoals     []string  `json:"completed_goals,omitempty"`
}

// ComposedMessage is a channel agent's output. Dispatch is the engine's
// responsibility; agents produce bodies only.
type ComposedMessage struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	// CannotContinue is set when content filters reject or the inbound
	// message looks like an opt-out; the engine closes the conversation.
	CannotContinue bool   `json:"cannot_continue,omitempty"`
	RefusalReason  string `json:"refusal_reason,omitempty"`
}
