package ingest

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleActions are applied when a mailbox rule matches an inbound email from
// an unknown sender.
type RuleActions struct {
	CreateLead     bool     `yaml:"create_lead" json:"create_lead"`
	AssignCampaign string   `yaml:"assign_campaign" json:"assign_campaign,omitempty"`
	SetPriority    string   `yaml:"set_priority" json:"set_priority,omitempty"`
	AddTags        []string `yaml:"add_tags" json:"add_tags,omitempty"`
}

// MailboxRule pattern-matches scanned emails. Empty patterns match anything;
// all non-empty patterns must match.
type MailboxRule struct {
	Name           string      `yaml:"name" json:"name"`
	FromPattern    string      `yaml:"from_pattern" json:"from_pattern,omitempty"`
	SubjectPattern string      `yaml:"subject_pattern" json:"subject_pattern,omitempty"`
	BodyPattern    string      `yaml:"body_pattern" json:"body_pattern,omitempty"`
	Actions        RuleActions `yaml:"actions" json:"actions"`

	fromRe    *regexp.Regexp
	subjectRe *regexp.Regexp
	bodyRe    *regexp.Regexp
}

// Compile parses the rule's patterns. Patterns are case-insensitive regexes.
func (r *MailboxRule) Compile() error {
	var err error
	if r.FromPattern != "" {
		if r.fromRe, err = regexp.Compile("(?i)" + r.FromPattern); err != nil {
			return err
		}
	}
	if r.SubjectPattern != "" {
		if r.subjectRe, err = regexp.Compile("(?i)" + r.SubjectPattern); err != nil {
			return err
		}
	}
	if r.BodyPattern != "" {
		if r.bodyRe, err = regexp.Compile("(?i)" + r.BodyPattern); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the email satisfies every configured pattern.
func (r *MailboxRule) Matches(from, subject, body string) bool {
	if r.fromRe == nil && r.subjectRe == nil && r.bodyRe == nil {
		return false
	}
	if r.fromRe != nil && !r.fromRe.MatchString(from) {
		return false
	}
	if r.subjectRe != nil && !r.subjectRe.MatchString(subject) {
		return false
	}
	if r.bodyRe != nil && !r.bodyRe.MatchString(body) {
		return false
	}
	return true
}

// CompileRules compiles a rule set, returning the first bad pattern.
func CompileRules(rules []MailboxRule) ([]MailboxRule, error) {
	for i := range rules {
		if err := rules[i].Compile(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// LoadRules reads a rule set from a YAML file. A missing file means an empty
// rule set, not an error.
func LoadRules(path string) ([]MailboxRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc struct {
		Rules []MailboxRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return CompileRules(doc.Rules)
}

// displayName extracts a human name from "Name <addr>" sender strings,
// falling back to the address local part.
func displayName(sender string) string {
	if i := strings.Index(sender, "<"); i > 0 {
		if name := strings.TrimSpace(strings.Trim(sender[:i], `" `)); name != "" {
			return name
		}
	}
	addr := extractAddress(sender)
	if i := strings.Index(addr, "@"); i > 0 {
		return addr[:i]
	}
	return addr
}
