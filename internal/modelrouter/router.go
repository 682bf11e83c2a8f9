// Package modelrouter picks a model tier for each agent request by scoring
// request complexity, invokes the external provider under the model breaker,
// and falls back once before surfacing a typed exhausted error.
package modelrouter

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
)

// HistoryTurn is one prior exchange supplied as conversation context.
type HistoryTurn struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Request carries everything the router needs to score and invoke.
type Request struct {
	Prompt            string
	SystemPrompt      string
	AgentKind         domain.AgentKind
	DecisionType      DecisionType
	History           []HistoryTurn
	RequiresReasoning bool
	BusinessCritical  bool
	// SchemaDepth is the nesting depth of the expected response schema;
	// zero means free-text.
	SchemaDepth    int
	StructuredJSON bool
	Temperature    float64
	MaxTokens      int
}

// Response is the provider's answer plus usage accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider invokes one named model. Implementations classify their own
// failures: transient errors trigger the fallback model, permanent errors
// do not.
type Provider interface {
	Invoke(ctx context.Context, model string, req *Request) (*Response, error)
}

// CallRecord is the accounting row written after every model invocation.
type CallRecord struct {
	Model        string    `json:"model"`
	Complexity   int       `json:"complexity"`
	Tier         Tier      `json:"tier"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CostEstimate float64   `json:"cost_estimate"`
	Fallback     bool      `json:"fallback,omitempty"`
	Err          string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Router scores requests and drives provider invocations.
type Router struct {
	provider Provider
	cfg      config.ModelConfig
	breaker  *breaker.Breaker

	mu      sync.Mutex
	records []CallRecord
}

// New creates a Router. br may be nil in tests; production wiring passes the
// model-provider breaker from the registry.
func New(provider Provider, cfg config.ModelConfig, br *breaker.Breaker) *Router {
	return &Router{provider: provider, cfg: cfg, breaker: br}
}

// PickModel resolves the model for a request: per-agent override first, then
// the tier's configured model. A per-agent threshold override shifts where
// that agent's requests cross into the complex tier.
func (r *Router) PickModel(req *Request) (model string, tier Tier, complexity int) {
	complexity = Score(req)
	if threshold, ok := r.cfg.AgentThresholdOverrides[string(req.AgentKind)]; ok && threshold > 0 {
		tier = tierWithComplexThreshold(complexity, threshold)
	} else {
		tier = TierFor(complexity)
	}

	if override, ok := r.cfg.AgentModelOverrides[string(req.AgentKind)]; ok && override != "" {
		return override, tier, complexity
	}

	switch tier {
	case TierSimple:
		model = r.cfg.SimpleModel
	case TierMedium:
		model = r.cfg.MediumModel
	default:
		model = r.cfg.ComplexModel
	}
	return model, tier, complexity
}

// Invoke runs the request against the picked model, retrying once on the
// fallback model for transient failures and JSON-parse failures on
// structured responses. Both calls share the model-provider breaker.
func (r *Router) Invoke(ctx context.Context, req *Request) (*Response, error) {
	primary, tier, complexity := r.PickModel(req)

	resp, err := r.invokeOne(ctx, primary, req, tier, complexity, false)
	if err == nil {
		return resp, nil
	}
	if apperr.CodeOf(err) == apperr.CodeModelPermanent {
		return nil, err
	}

	fallback := r.cfg.FallbackModel
	if fallback == "" || fallback == primary {
		return nil, apperr.Wrap(apperr.CodeModelTransient, "model router exhausted", err)
	}

	log.Printf("[ModelRouter] Primary model %s failed (%v), trying fallback %s", primary, err, fallback)
	resp, ferr := r.invokeOne(ctx, fallback, req, tier, complexity, true)
	if ferr == nil {
		return resp, nil
	}
	if apperr.CodeOf(ferr) == apperr.CodeModelPermanent {
		return nil, ferr
	}
	return nil, apperr.Wrap(apperr.CodeModelTransient, "model router exhausted", ferr)
}

func (r *Router) invokeOne(ctx context.Context, model string, req *Request, tier Tier, complexity int, isFallback bool) (*Response, error) {
	start := time.Now()
	var resp *Response

	call := func(ctx context.Context) error {
		var err error
		resp, err = r.provider.Invoke(ctx, model, req)
		if err != nil {
			return err
		}
		if req.StructuredJSON && !json.Valid([]byte(resp.Text)) {
			return apperr.New(apperr.CodeModelTransient, "structured response is not valid JSON")
		}
		return nil
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Do(ctx, call)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
		defer cancel()
		err = call(callCtx)
	}

	rec := CallRecord{
		Model:      model,
		Complexity: complexity,
		Tier:       tier,
		LatencyMs:  time.Since(start).Milliseconds(),
		Fallback:   isFallback,
		At:         start,
	}
	if err != nil {
		rec.Err = err.Error()
	} else {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostEstimate = estimateCost(model, resp.InputTokens, resp.OutputTokens)
	}
	r.record(rec)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) record(rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > 1000 {
		r.records = r.records[len(r.records)-1000:]
	}
}

// Records returns a copy of recent call records for the stats endpoint.
func (r *Router) Records() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Per-1k-token price sheet used for cost accounting. Unknown models fall to
// the default rate.
var costPer1k = map[string]struct{ in, out float64 }{
	"anthropic.claude-3-haiku-20240307-v1:0":  {0.00025, 0.00125},
	"anthropic.claude-3-sonnet-20240229-v1:0": {0.003, 0.015},
	"anthropic.claude-3-opus-20240229-v1:0":   {0.015, 0.075},
}

func estimateCost(model string, inputTokens, outputTokens int) float64 {
	rates, ok := costPer1k[model]
	if !ok {
		rates = struct{ in, out float64 }{0.003, 0.015}
	}
	return float64(inputTokens)/1000*rates.in + float64(outputTokens)/1000*rates.out
}
