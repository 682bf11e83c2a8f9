package handover

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
)

// followUpBatch bounds one reminder sweep.
const followUpBatch = 50

// FollowUpWorker re-notifies the highest-priority destination of handovers
// that were delivered but never confirmed by a human.
type FollowUpWorker struct {
	evaluator *Evaluator
	after     time.Duration
	interval  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	totalReminders int64
}

// NewFollowUpWorker creates the reminder loop. after is how long a handover
// may sit unconfirmed before the first reminder (default 24h).
func NewFollowUpWorker(evaluator *Evaluator, after time.Duration) *FollowUpWorker {
	if after <= 0 {
		after = 24 * time.Hour
	}
	return &FollowUpWorker{
		evaluator: evaluator,
		after:     after,
		interval:  time.Hour,
	}
}

// Start begins the reminder loop.
func (w *FollowUpWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.loop()
	log.Printf("[Handover] Follow-up worker started (after: %v)", w.after)
}

// Stop halts the loop and waits for the in-flight sweep.
func (w *FollowUpWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	log.Printf("[Handover] Follow-up worker stopped (reminders: %d)", atomic.LoadInt64(&w.totalReminders))
}

func (w *FollowUpWorker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.RunOnce(w.ctx); err != nil {
				log.Printf("[Handover] Follow-up sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[Handover] Sent %d handover reminders", n)
			}
		}
	}
}

// RunOnce sends one round of reminders and returns how many went out. Each
// execution gets at most one reminder per sweep interval; the attempt log
// is the throttle.
func (w *FollowUpWorker) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-w.after)
	pending, err := w.evaluator.store.UnconfirmedHandoversBefore(ctx, cutoff, followUpBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, exec := range pending {
		if lastAttemptAfter(exec, time.Now().Add(-w.after)) {
			continue
		}
		dest, ok := firstEmailDestination(exec)
		if !ok {
			continue
		}
		attempt := domain.DeliveryAttempt{
			Destination: dest,
			Status:      domain.AttemptDelivered,
			AttemptedAt: time.Now(),
		}
		if err := w.evaluator.deliverEmail(ctx, dest, exec); err != nil {
			attempt.Status = domain.AttemptFailed
			attempt.Error = err.Error()
			log.Printf("[Handover] Reminder for %s failed: %v", exec.ID, err)
		} else {
			sent++
			atomic.AddInt64(&w.totalReminders, 1)
		}
		exec.Attempts = append(exec.Attempts, attempt)
		w.evaluator.store.UpdateHandoverAttempts(ctx, exec.ID, exec.Attempts)
	}
	return sent, nil
}

func lastAttemptAfter(exec *domain.HandoverExecution, t time.Time) bool {
	for _, a := range exec.Attempts {
		if a.AttemptedAt.After(t) {
			return true
		}
	}
	return false
}

func firstEmailDestination(exec *domain.HandoverExecution) (domain.Destination, bool) {
	for _, d := range exec.Destinations {
		if d.Kind == "email" {
			return d, true
		}
	}
	return domain.Destination{}, false
}
