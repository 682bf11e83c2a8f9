package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/store"
)

const tickBatchSize = 200

// Tick completes conversations that have gone quiet. A conversation is quiet
// when it has been awaiting a reply longer than the quiescence window and the
// lead has no pending touches left. Returns the number completed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.quiescence)
	convs, err := e.store.AwaitingReplySince(ctx, cutoff, tickBatchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, conv := range convs {
		pending, err := e.store.ActiveEnrollmentCount(ctx, conv.LeadID)
		if err != nil {
			log.Printf("[Engine] Tick: enrollment count for lead %s: %v", conv.LeadID, err)
			continue
		}
		if pending > 0 {
			// Scheduler still owns this lead.
			continue
		}

		err = e.withLeadLease(ctx, conv.LeadID, func(ctx context.Context) error {
			return e.completeQuiet(ctx, conv)
		})
		if err != nil {
			if !errors.Is(err, errLeadBusy) {
				log.Printf("[Engine] Tick: complete conversation %s: %v", conv.ID, err)
			}
			continue
		}
		completed++
	}
	if completed > 0 {
		log.Printf("[Engine] Tick completed %d quiet conversations", completed)
	}
	return completed, nil
}

func (e *Engine) completeQuiet(ctx context.Context, conv *domain.Conversation) error {
	if err := e.store.CloseConversation(ctx, conv.ID, domain.CloseReasonCompleted); err != nil {
		return err
	}
	lead, err := e.store.GetLead(ctx, conv.LeadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if lead.Status.IsTerminal() {
		return nil
	}
	err = e.store.TransitionLead(ctx, lead.ID, lead.Status, domain.LeadCompleted, lead.Version)
	if err != nil && !errors.Is(err, store.ErrVersionConflict) {
		return err
	}
	return nil
}

// RunTickLoop calls Tick on the given interval until the context is done.
func (e *Engine) RunTickLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				log.Printf("[Engine] Tick failed: %v", err)
			}
		}
	}
}
