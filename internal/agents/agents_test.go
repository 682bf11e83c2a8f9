package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/modelrouter"
)

type fakeInvoker struct {
	response *modelrouter.Response
	err      error
	lastReq  *modelrouter.Request
	calls    int
}

func (f *fakeInvoker) Invoke(ctx context.Context, req *modelrouter.Request) (*modelrouter.Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func emailLead() *domain.Lead {
	return &domain.Lead{ID: "lead-1", Name: "Dana Whitfield", Email: "dana@example.com", Source: "web"}
}

func testCampaign(primary domain.Channel, fallback ...domain.Channel) *domain.Campaign {
	return &domain.Campaign{
		ID:   "camp-1",
		Name: "Spring Outreach",
		Mode: domain.ModeAuto,
		Settings: domain.CampaignSettings{
			ChannelPrefs: domain.ChannelPreferences{Primary: primary, Fallback: fallback},
		},
	}
}

func TestOverlordRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("model decision accepted when channel reachable", func(t *testing.T) {
		inv := &fakeInvoker{response: &modelrouter.Response{
			Text: `{"action":"assign_channel","channel":"email","initial_message_focus":"intro","reasoning":"lead has email"}`,
		}}
		o := NewOverlord(inv)

		d, err := o.Route(ctx, emailLead(), testCampaign(domain.ChannelEmail), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionAssignChannel, d.Action)
		assert.Equal(t, domain.ChannelEmail, d.Channel)
		assert.Equal(t, modelrouter.DecisionRouting, inv.lastReq.DecisionType)
		assert.Equal(t, domain.AgentOverlord, inv.lastReq.AgentKind)
	})

	t.Run("email-only lead never routed to sms", func(t *testing.T) {
		// Model proposes sms; the lead has no phone, so the proposal is
		// rejected and the deterministic fallback picks email.
		inv := &fakeInvoker{response: &modelrouter.Response{
			Text: `{"action":"assign_channel","channel":"sms","reasoning":"bad pick"}`,
		}}
		o := NewOverlord(inv)

		d, err := o.Route(ctx, emailLead(), testCampaign(domain.ChannelSMS, domain.ChannelEmail), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionAssignChannel, d.Action)
		assert.Equal(t, domain.ChannelEmail, d.Channel)
	})

	t.Run("breaker open falls back deterministically", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeBreakerOpen, "model provider open")}
		o := NewOverlord(inv)

		d, err := o.Route(ctx, emailLead(), testCampaign(domain.ChannelEmail, domain.ChannelSMS), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionAssignChannel, d.Action)
		assert.Equal(t, domain.ChannelEmail, d.Channel)
	})

	t.Run("no contactable preference yields manual review", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeBreakerOpen, "open")}
		o := NewOverlord(inv)
		lead := &domain.Lead{ID: "lead-2", Name: "P", Phone: "+15551230000"}

		// Only email-ish preferences configured; lead is phone-only.
		d, err := o.Route(ctx, lead, testCampaign(domain.ChannelEmail, domain.ChannelChat), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionManualReview, d.Action)
	})

	t.Run("uncontactable lead skipped without model call", func(t *testing.T) {
		inv := &fakeInvoker{}
		o := NewOverlord(inv)

		d, err := o.Route(ctx, &domain.Lead{ID: "lead-3", Name: "Nobody"}, testCampaign(domain.ChannelEmail), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionSkip, d.Action)
		assert.Zero(t, inv.calls)
	})
}

func TestComposeInitial(t *testing.T) {
	ctx := context.Background()

	inv := &fakeInvoker{response: &modelrouter.Response{
		Text: `{"subject":"Quick question","body":"Hi Dana, saw your inquiry."}`,
	}}
	agent := NewEmailAgent(inv)

	msg, err := agent.ComposeInitial(ctx, emailLead(), testCampaign(domain.ChannelEmail), nil, "intro")
	require.NoError(t, err)
	assert.Equal(t, "Quick question", msg.Subject)
	assert.Equal(t, "Hi Dana, saw your inquiry.", msg.Body)
	assert.Equal(t, modelrouter.DecisionGeneration, inv.lastReq.DecisionType)
}

func TestComposeInitialProviderDownSendsStockOpener(t *testing.T) {
	ctx := context.Background()

	t.Run("breaker open", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeBreakerOpen, "model provider open")}
		agent := NewEmailAgent(inv)

		msg, err := agent.ComposeInitial(ctx, emailLead(), testCampaign(domain.ChannelEmail), nil, "intro")
		require.NoError(t, err)
		assert.False(t, msg.CannotContinue)
		assert.Contains(t, msg.Body, "Dana")
		assert.Contains(t, msg.Body, "Spring Outreach")
		assert.NotEmpty(t, msg.Subject)
	})

	t.Run("router exhausted", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeModelTransient, "model router exhausted")}
		agent := NewSMSAgent(inv)

		msg, err := agent.ComposeInitial(ctx, emailLead(), testCampaign(domain.ChannelSMS), nil, "intro")
		require.NoError(t, err)
		assert.NotEmpty(t, msg.Body)
		assert.Empty(t, msg.Subject)
		assert.LessOrEqual(t, len(msg.Body), 300)
	})

	t.Run("permanent error still fails the job", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeModelPermanent, "invalid request")}
		agent := NewEmailAgent(inv)

		_, err := agent.ComposeInitial(ctx, emailLead(), testCampaign(domain.ChannelEmail), nil, "intro")
		require.Error(t, err)
		assert.Equal(t, apperr.CodeModelPermanent, apperr.CodeOf(err))
	})

	t.Run("nameless lead gets the default greeting", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeBreakerOpen, "open")}
		agent := NewEmailAgent(inv)
		lead := &domain.Lead{ID: "lead-9", Email: "x@example.com", Source: "web"}

		msg, err := agent.ComposeInitial(ctx, lead, testCampaign(domain.ChannelEmail), nil, "intro")
		require.NoError(t, err)
		assert.Contains(t, msg.Body, "Hi there")
	})
}

func TestComposeReplyProviderDownSendsStockReply(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{err: apperr.New(apperr.CodeBreakerOpen, "model provider open")}
	agent := NewEmailAgent(inv)

	msg, err := agent.ComposeReply(ctx, emailLead(), &domain.Conversation{}, nil,
		&domain.Message{Direction: domain.DirectionInbound, Content: "tell me more"}, nil)
	require.NoError(t, err)
	assert.False(t, msg.CannotContinue)
	assert.Contains(t, msg.Body, "Dana")
}

func TestComposeReplyOptOut(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{}
	agent := NewSMSAgent(inv)

	msg, err := agent.ComposeReply(ctx, emailLead(), &domain.Conversation{}, nil,
		&domain.Message{Direction: domain.DirectionInbound, Content: "STOP"}, nil)
	require.NoError(t, err)
	assert.True(t, msg.CannotContinue)
	assert.Equal(t, "opt_out", msg.RefusalReason)
	assert.Zero(t, inv.calls, "opt-out must be detected without a model call")
}

func TestSMSAgentStripsSubject(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{response: &modelrouter.Response{
		Text: `{"subject":"ignored","body":"Hey, quick follow up."}`,
	}}
	agent := NewSMSAgent(inv)

	msg, err := agent.ComposeReply(ctx, emailLead(), &domain.Conversation{}, nil,
		&domain.Message{Direction: domain.DirectionInbound, Content: "tell me more"}, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Subject)
	assert.Equal(t, "Hey, quick follow up.", msg.Body)
}

func TestEvaluateSignals(t *testing.T) {
	ctx := context.Background()
	history := []*domain.Message{
		{Direction: domain.DirectionOutbound, Content: "Hi, interested in the condo?"},
		{Direction: domain.DirectionInbound, Content: "Yes! How much is it? Can we schedule a call?"},
	}

	t.Run("model signals parsed and clamped", func(t *testing.T) {
		inv := &fakeInvoker{response: &modelrouter.Response{
			Text: `{"qualification_score":14,"sentiment":"positive","buying_signals":["pricing_inquiry"],"keywords_hit":[],"completed_goals":["budget_discussed"]}`,
		}}
		agent := NewChatAgent(inv)

		s, err := agent.EvaluateSignals(ctx, &domain.Conversation{}, history, domain.HandoverCriteria{})
		require.NoError(t, err)
		assert.Equal(t, 10.0, s.QualificationScore)
		assert.Equal(t, domain.SentimentPositive, s.Sentiment)
		assert.Contains(t, s.CompletedGoals, "budget_discussed")
	})

	t.Run("model failure degrades to heuristic", func(t *testing.T) {
		inv := &fakeInvoker{err: apperr.New(apperr.CodeModelTransient, "exhausted")}
		agent := NewEmailAgent(inv)

		s, err := agent.EvaluateSignals(ctx, &domain.Conversation{}, history, domain.HandoverCriteria{
			KeywordTriggers: []string{"call"},
		})
		require.NoError(t, err)
		assert.Contains(t, s.BuyingSignals, "pricing_inquiry")
		assert.Contains(t, s.BuyingSignals, "meeting_request")
		assert.Contains(t, s.KeywordsHit, "call")
		assert.Equal(t, domain.SentimentPositive, s.Sentiment)
	})
}

func TestHeuristicScoreCap(t *testing.T) {
	history := []*domain.Message{{
		Direction: domain.DirectionInbound,
		Content:   "how much does it cost? schedule a call, I'm ready to sign up, tell me more, when can you meet",
	}}
	s := HeuristicSignals(history, domain.HandoverCriteria{})
	assert.LessOrEqual(t, s.QualificationScore, 8.0)
	assert.GreaterOrEqual(t, s.QualificationScore, 2.0)
}
