// Package engine is the per-lead state machine driving ingress through
// routing, initial send, the reply loop, and completion. Only one transition
// is in flight per lead at a time; concurrency across leads is bounded by
// the worker pool.
package engine

import (
	"context"
	"time"

	"github.com/cadencehq/cadence/internal/agents"
	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/carrier"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/distlock"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/template"
)

// inboundDedupeWindow bounds webhook replay detection. Duplicate external
// message ids inside the window produce no second Message row.
const inboundDedupeWindow = 24 * time.Hour

// defaultQuiescence is how long an awaiting-reply conversation sits idle
// after its sequence finished before Tick completes it.
const defaultQuiescence = 72 * time.Hour

// HandoverEvaluator is notified after every conversation append. The
// evaluator decides whether the append trips handover criteria and runs the
// fan-out itself; the engine only delivers the event.
type HandoverEvaluator interface {
	OnAppend(ctx context.Context, lead *domain.Lead, conv *domain.Conversation, campaign *domain.Campaign)
}

// LeaseFactory builds the per-lead lease serializing state transitions
// across processes. Nil disables cross-process leasing (single-node runs
// and tests); queue partitioning still serializes within a process.
type LeaseFactory func(leadID string) distlock.Lock

// Engine wires the stores, agents, carriers, and queue into the lead state
// machine.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	overlord *agents.Overlord
	channels map[domain.Channel]agents.ChannelAgent

	email carrier.EmailCarrier
	sms   carrier.SMSCarrier

	tmpl     *template.Engine
	handover HandoverEvaluator
	lease    LeaseFactory
	pressure *queue.BackpressureMonitor
	breakers *breaker.Registry

	emailCfg   config.EmailConfig
	smsCfg     config.SMSConfig
	quiescence time.Duration

	maxDispatchAttempts int
	maxAgentAttempts    int
}

// Options collects optional Engine collaborators.
type Options struct {
	Handover   HandoverEvaluator
	Lease      LeaseFactory
	Pressure   *queue.BackpressureMonitor
	Breakers   *breaker.Registry
	Quiescence time.Duration
}

// New creates the engine.
func New(st *store.Store, q *queue.Queue, overlord *agents.Overlord, channelAgents []agents.ChannelAgent,
	email carrier.EmailCarrier, sms carrier.SMSCarrier, tmpl *template.Engine,
	emailCfg config.EmailConfig, smsCfg config.SMSConfig, opts Options) *Engine {

	channels := make(map[domain.Channel]agents.ChannelAgent, len(channelAgents))
	for _, a := range channelAgents {
		channels[a.Channel()] = a
	}

	quiescence := opts.Quiescence
	if quiescence <= 0 {
		quiescence = defaultQuiescence
	}

	return &Engine{
		store:               st,
		queue:               q,
		overlord:            overlord,
		channels:            channels,
		email:               email,
		sms:                 sms,
		tmpl:                tmpl,
		handover:            opts.Handover,
		lease:               opts.Lease,
		pressure:            opts.Pressure,
		breakers:            opts.Breakers,
		emailCfg:            emailCfg,
		smsCfg:              smsCfg,
		quiescence:          quiescence,
		maxDispatchAttempts: 5,
		maxAgentAttempts:    3,
	}
}

// withLeadLease runs fn while holding the lead's distributed lease. When no
// lease factory is configured, or the lease is held elsewhere, behavior
// degrades as documented: no factory runs fn directly; contention returns
// a transient error so the job layer retries after backoff.
func (e *Engine) withLeadLease(ctx context.Context, leadID string, fn func(ctx context.Context) error) error {
	if e.lease == nil {
		return fn(ctx)
	}
	lock := e.lease(leadID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		// Redis down: proceed locally rather than stalling every lead.
		return fn(ctx)
	}
	if !ok {
		return errLeadBusy
	}
	defer lock.Release(context.Background())
	return fn(ctx)
}

// Store exposes the backing store for the API layer.
func (e *Engine) Store() *store.Store { return e.store }

// Queue exposes the job queue for the API layer's stats endpoints.
func (e *Engine) Queue() *queue.Queue { return e.queue }
