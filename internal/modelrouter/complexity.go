package modelrouter

import "github.com/cadencehq/cadence/internal/domain"

// DecisionType categorizes what a model request is for. The type carries the
// largest weight in complexity scoring.
type DecisionType string

const (
	DecisionRouting       DecisionType = "routing"
	DecisionGeneration    DecisionType = "generation"
	DecisionAnalysis      DecisionType = "analysis"
	DecisionStrategy      DecisionType = "strategy"
	DecisionEvaluation    DecisionType = "evaluation"
	DecisionConversation  DecisionType = "conversation"
	DecisionQualification DecisionType = "qualification"
)

// Tier is the model capability class a request routes to.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

var decisionWeights = map[DecisionType]int{
	DecisionRouting:       20,
	DecisionGeneration:    25,
	DecisionAnalysis:      45,
	DecisionStrategy:      65,
	DecisionEvaluation:    55,
	DecisionConversation:  35,
	DecisionQualification: 40,
}

var agentModifiers = map[domain.AgentKind]int{
	domain.AgentOverlord: 15,
	domain.AgentEmail:    -5,
	domain.AgentSMS:      -10,
	domain.AgentChat:     0,
}

// Score computes the 0..100 complexity of a request. Identical factor sets
// always produce identical scores, which keeps tier selection deterministic.
func Score(req *Request) int {
	score := 0

	promptLen := len(req.Prompt) / 100
	if promptLen > 25 {
		promptLen = 25
	}
	score += promptLen

	if w, ok := decisionWeights[req.DecisionType]; ok {
		score += w
	} else {
		score += 30
	}

	schemaDepth := req.SchemaDepth * 8
	if schemaDepth > 20 {
		schemaDepth = 20
	}
	score += schemaDepth

	turns := len(req.History) * 3
	if turns > 15 {
		turns = 15
	}
	score += turns

	if req.RequiresReasoning {
		score += 20
	}
	if req.DecisionType == DecisionStrategy || req.DecisionType == DecisionEvaluation {
		score += 15
	}
	if req.BusinessCritical {
		score += 25
	}
	if len(req.History) > 0 {
		score += 10
	}

	score += agentModifiers[req.AgentKind]

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// TierFor maps a complexity score to its tier.
func TierFor(score int) Tier {
	return tierWithComplexThreshold(score, 70)
}

// tierWithComplexThreshold maps a score to a tier with a movable
// complex-tier cutoff. Lowering the threshold routes more of an agent's
// traffic to the complex model; raising it keeps borderline requests on the
// medium model.
func tierWithComplexThreshold(score, threshold int) Tier {
	switch {
	case score >= threshold:
		return TierComplex
	case score < 30:
		return TierSimple
	default:
		return TierMedium
	}
}
