// Package breaker implements per-service circuit breakers shared across
// worker processes. One breaker guards each named external service (model
// provider, email carrier, SMS carrier, lead marketplace, webhook
// destinations, database, IMAP).
package breaker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // failures within MonitoringWindow before opening
	RecoveryTimeout  time.Duration // open → half-open delay
	SuccessThreshold int           // consecutive half-open successes before closing
	PerCallTimeout   time.Duration // deadline applied to each guarded call
	MonitoringWindow time.Duration // sliding window for failure counting
}

// DefaultConfig matches the documented defaults: open after 3 failures in
// 60s, probe after 30s, close after 2 consecutive successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		PerCallTimeout:   15 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = d.PerCallTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	return c
}

// SharedState propagates trip decisions between workers. Implementations
// must tolerate being down: all errors are treated as "no shared opinion"
// and the local copy decides (fail-open locally rather than cascading).
type SharedState interface {
	Publish(ctx context.Context, service string, state State, until time.Time) error
	Fetch(ctx context.Context, service string) (State, time.Time, error)
}

// Breaker guards calls to one external service.
type Breaker struct {
	service string
	cfg     Config
	shared  SharedState
	now     func() time.Time

	mu             sync.Mutex
	state          State
	failures       []time.Time // sliding window of failure timestamps
	openedAt       time.Time
	halfOpenBusy   bool // half-open admits calls one at a time
	halfOpenPasses int
}

// New creates a breaker for the named service.
func New(service string, cfg Config, shared SharedState) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		shared:  shared,
		now:     time.Now,
		state:   StateClosed,
	}
}

// State returns the current local state, advancing open → half-open when the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Do runs fn guarded by the breaker, applying the per-call timeout. When the
// breaker is open, fn is not called and a breaker_open error is returned
// immediately.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.PerCallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		b.recordFailure(ctx)
		return err
	}
	b.recordSuccess(ctx)
	return nil
}

func (b *Breaker) admit(ctx context.Context) error {
	b.syncShared(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case StateOpen:
		return apperr.New(apperr.CodeBreakerOpen, "service unavailable: "+b.service)
	case StateHalfOpen:
		if b.halfOpenBusy {
			return apperr.New(apperr.CodeBreakerOpen, "service probing: "+b.service)
		}
		b.halfOpenBusy = true
	}
	return nil
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	switch b.state {
	case StateHalfOpen:
		b.halfOpenBusy = false
		b.halfOpenPasses++
		if b.halfOpenPasses >= b.cfg.SuccessThreshold {
			b.toStateLocked(StateClosed)
		}
	case StateClosed:
		// Successful calls age the window out naturally; nothing to do.
	}
	state, until := b.state, b.openedAt.Add(b.cfg.RecoveryTimeout)
	b.mu.Unlock()

	b.publishShared(ctx, state, until)
}

func (b *Breaker) recordFailure(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	switch b.state {
	case StateHalfOpen:
		// Any half-open failure reopens and resets the timer.
		b.halfOpenBusy = false
		b.toStateLocked(StateOpen)
		b.openedAt = now
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toStateLocked(StateOpen)
			b.openedAt = now
		}
	}
	state, until := b.state, b.openedAt.Add(b.cfg.RecoveryTimeout)
	b.mu.Unlock()

	b.publishShared(ctx, state, until)
}

// advanceLocked moves open → half-open once the recovery timeout elapses.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.toStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) toStateLocked(s State) {
	if b.state == s {
		return
	}
	log.Printf("[Breaker] %s: %s → %s", b.service, b.state, s)
	b.state = s
	switch s {
	case StateClosed:
		b.failures = b.failures[:0]
		b.halfOpenPasses = 0
		b.halfOpenBusy = false
	case StateHalfOpen:
		b.halfOpenPasses = 0
		b.halfOpenBusy = false
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// syncShared adopts a remote open decision so all workers trip together.
// Shared-store errors are ignored: the local copy decides.
func (b *Breaker) syncShared(ctx context.Context) {
	if b.shared == nil {
		return
	}
	state, until, err := b.shared.Fetch(ctx, b.service)
	if err != nil || state == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if state == StateOpen && b.state == StateClosed && b.now().Before(until) {
		b.toStateLocked(StateOpen)
		b.openedAt = until.Add(-b.cfg.RecoveryTimeout)
	}
}

func (b *Breaker) publishShared(ctx context.Context, state State, until time.Time) {
	if b.shared == nil {
		return
	}
	if err := b.shared.Publish(ctx, b.service, state, until); err != nil {
		log.Printf("[Breaker] %s: shared state publish failed: %v", b.service, err)
	}
}
