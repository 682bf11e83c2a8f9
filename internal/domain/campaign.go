package domain

import "time"

// ConversationMode controls how a campaign engages leads.
type ConversationMode string

const (
	// ModeAuto sends templated touches until the first inbound reply, then
	// switches the conversation to AI-generated responses.
	ModeAuto ConversationMode = "auto"
	// ModeTemplateOnly never composes AI replies; the touch sequence runs to
	// completion regardless of replies.
	ModeTemplateOnly ConversationMode = "template_only"
	// ModeAIOnly skips touch-sequence enrollment; only the initial compose
	// and the reactive reply loop run.
	ModeAIOnly ConversationMode = "ai_only"
)

// DelayUnit for touch step delays.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// TouchStep is a single scheduled outbound step in a campaign's sequence.
type TouchStep struct {
	TemplateID string         `json:"template_id" db:"template_id"`
	Delay      int            `json:"delay" db:"delay"`
	DelayUnit  DelayUnit      `json:"delay_unit" db:"delay_unit"`
	Conditions map[string]any `json:"conditions,omitempty" db:"conditions"`
}

// Duration converts the step delay to a time.Duration.
func (s TouchStep) Duration() time.Duration {
	switch s.DelayUnit {
	case DelayMinutes:
		return time.Duration(s.Delay) * time.Minute
	case DelayHours:
		return time.Duration(s.Delay) * time.Hour
	case DelayDays:
		return time.Duration(s.Delay) * 24 * time.Hour
	}
	return time.Duration(s.Delay) * time.Minute
}

// ChannelPreferences order the Overlord's channel picks for a campaign.
type ChannelPreferences struct {
	Primary  Channel   `json:"primary" yaml:"primary"`
	Fallback []Channel `json:"fallback" yaml:"fallback"`
}

// Recipient is a human destination for handover dossiers.
type Recipient struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Priority string `json:"priority"` // high, medium, low
}

// Destination is a configured handover sink.
type Destination struct {
	Kind     string            `json:"kind"` // email, webhook, crm
	Target   string            `json:"target"`
	Secret   string            `json:"secret,omitempty"`
	Priority string            `json:"priority"`
	FieldMap map[string]string `json:"field_map,omitempty"`
}

// HandoverCriteria define when a conversation trips a handover.
// Any single condition tripping triggers the handover.
type HandoverCriteria struct {
	QualificationScoreThreshold float64     `json:"qualification_score_threshold"`
	ConversationLengthThreshold int         `json:"conversation_length_threshold"`
	TimeThresholdSeconds        int         `json:"time_threshold_seconds"`
	KeywordTriggers             []string    `json:"keyword_triggers"`
	GoalCompletionRequired      []string    `json:"goal_completion_required"`
	HandoverRecipients          []Recipient `json:"handover_recipients"`
	FollowUpAfterDays           int         `json:"follow_up_after_days,omitempty"`
}

// BusinessHours constrain outbound sends to a local-time window. The window
// is evaluated in the lead's timezone when the lead carries one, else in
// Timezone, else UTC.
type BusinessHours struct {
	StartHour   int    `json:"start_hour"`
	EndHour     int    `json:"end_hour"`
	AllowedDays []int  `json:"allowed_days,omitempty"` // time.Weekday values; empty = all days
	Timezone    string `json:"timezone,omitempty"`     // IANA name, e.g. America/Chicago
}

// CampaignSettings carry the per-campaign engagement knobs.
type CampaignSettings struct {
	HandoverCriteria  HandoverCriteria   `json:"handover_criteria"`
	ChannelPrefs      ChannelPreferences `json:"channel_preferences"`
	BusinessHours     *BusinessHours     `json:"business_hours,omitempty"`
	DailySendCap      int                `json:"daily_send_cap,omitempty"`
	QuiescenceSeconds int                `json:"quiescence_seconds,omitempty"`
	Destinations      []Destination      `json:"destinations,omitempty"`
}

// Campaign groups leads under one engagement strategy: an agent persona, a
// conversation mode, and a scheduled touch sequence.
type Campaign struct {
	ID            string           `json:"id" db:"id"`
	Name          string           `json:"name" db:"name"`
	AgentID       string           `json:"agent_id" db:"agent_id"`
	Mode          ConversationMode `json:"conversation_mode" db:"conversation_mode"`
	TouchSequence []TouchStep      `json:"touch_sequence" db:"touch_sequence"`
	Settings      CampaignSettings `json:"settings" db:"settings"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Template is a reusable message body with {{ placeholder }} variables.
type Template struct {
	ID        string   `json:"id" db:"id"`
	Name      string   `json:"name" db:"name"`
	Subject   string   `json:"subject,omitempty" db:"subject"`
	Body      string   `json:"body" db:"body"`
	Variables []string `json:"variables" db:"variables"`
	Category  string   `json:"category" db:"category"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
