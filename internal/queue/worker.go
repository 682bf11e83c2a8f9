package queue

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/apperr"
)

// Handler processes one claimed job. A nil return completes the job; an
// error with a permanent code parks it dead, anything else retries with
// backoff until max attempts.
type Handler func(ctx context.Context, job *Job) error

// WorkerPool polls the queue and fans claimed jobs out to handlers. One pool
// instance runs per process; concurrency is bounded per job type so a
// carrier slowdown on one channel cannot starve the others.
type WorkerPool struct {
	queue        *Queue
	workerID     string
	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	baseDelay    time.Duration

	handlers    map[string]Handler
	concurrency map[string]int
	sem         map[string]chan struct{}

	// Stats
	totalDone   int64
	totalFailed int64
	totalDead   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool. baseDelay seeds the exponential retry
// backoff (doubles per attempt with 25% jitter).
func NewWorkerPool(q *Queue, baseDelay time.Duration) *WorkerPool {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &WorkerPool{
		queue:        q,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		pollInterval: 250 * time.Millisecond,
		batchSize:    50,
		lease:        2 * time.Minute,
		baseDelay:    baseDelay,
		handlers:     make(map[string]Handler),
		concurrency:  make(map[string]int),
		sem:          make(map[string]chan struct{}),
	}
}

// Register binds a handler to a job type with a concurrency bound.
func (p *WorkerPool) Register(jobType string, maxConcurrent int, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	p.handlers[jobType] = h
	p.concurrency[jobType] = maxConcurrent
	p.sem[jobType] = make(chan struct{}, maxConcurrent)
}

// Start begins polling. Expired leases from a previous crash are recovered
// before the first claim.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	host, _ := os.Hostname()
	if err := p.queue.RegisterWorker(p.ctx, p.workerID, host); err != nil {
		log.Printf("[WorkerPool] Worker registration failed: %v", err)
	}

	if n, err := p.queue.RecoverExpired(p.ctx); err != nil {
		log.Printf("[WorkerPool] Startup lease recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[WorkerPool] Recovered %d jobs with expired leases", n)
	}

	p.wg.Add(1)
	go p.pollLoop()
	p.wg.Add(1)
	go p.recoveryLoop()
	p.wg.Add(1)
	go p.registryLoop()

	log.Printf("[WorkerPool] Started worker %s (batch=%d, poll=%s)", p.workerID, p.batchSize, p.pollInterval)
	return nil
}

// Stop drains in-flight jobs and halts polling.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	done, failed, _ := p.Stats()
	if err := p.queue.DeregisterWorker(context.Background(), p.workerID, done, failed); err != nil {
		log.Printf("[WorkerPool] Worker deregistration failed: %v", err)
	}
	log.Printf("[WorkerPool] Stopped worker %s (done=%d failed=%d dead=%d)",
		p.workerID, atomic.LoadInt64(&p.totalDone), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalDead))
}

func (p *WorkerPool) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *WorkerPool) pollOnce() {
	p.mu.RLock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	p.mu.RUnlock()
	if len(types) == 0 {
		return
	}

	jobs, err := p.queue.Claim(p.ctx, p.workerID, types, p.batchSize, p.lease)
	if err != nil {
		if p.ctx.Err() == nil {
			log.Printf("[WorkerPool] Claim failed: %v", err)
		}
		return
	}

	for _, job := range jobs {
		job := job
		sem := p.sem[job.Type]
		select {
		case sem <- struct{}{}:
		case <-p.ctx.Done():
			p.queue.Retry(context.Background(), job, fmt.Errorf("shutdown before start"), time.Now())
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.runJob(job)
		}()
	}
}

func (p *WorkerPool) runJob(job *Job) {
	p.mu.RLock()
	h := p.handlers[job.Type]
	p.mu.RUnlock()

	hbCtx, stopHB := context.WithCancel(p.ctx)
	defer stopHB()
	go p.heartbeat(hbCtx, job.ID)

	err := h(p.ctx, job)
	if err == nil {
		if cErr := p.queue.Complete(context.Background(), job.ID); cErr != nil {
			log.Printf("[WorkerPool] Complete failed for job %s: %v", job.ID, cErr)
		}
		atomic.AddInt64(&p.totalDone, 1)
		return
	}

	if apperr.Terminal(err) {
		log.Printf("[WorkerPool] Job %s (%s) failed permanently: %v", job.ID, job.Type, err)
		p.queue.Fail(context.Background(), job.ID, err)
		atomic.AddInt64(&p.totalDead, 1)
		return
	}

	delay := RetryDelay(p.baseDelay, job.Attempts)
	log.Printf("[WorkerPool] Job %s (%s) attempt %d/%d failed, retry in %s: %v",
		job.ID, job.Type, job.Attempts, job.MaxAttempts, delay.Round(time.Millisecond), err)
	p.queue.Retry(context.Background(), job, err, time.Now().Add(delay))
	atomic.AddInt64(&p.totalFailed, 1)
	if job.Attempts >= job.MaxAttempts {
		atomic.AddInt64(&p.totalDead, 1)
	}
}

func (p *WorkerPool) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.workerID, p.lease); err != nil && ctx.Err() == nil {
				log.Printf("[WorkerPool] Lease heartbeat failed for job %s: %v", jobID, err)
			}
		}
	}
}

// recoveryLoop periodically requeues jobs whose worker died mid-lease.
func (p *WorkerPool) recoveryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.RecoverExpired(p.ctx); err == nil && n > 0 {
				log.Printf("[WorkerPool] Recovered %d jobs with expired leases", n)
			}
		}
	}
}

// registryLoop refreshes the worker's liveness row so the stats surface can
// tell live workers from crashed ones.
func (p *WorkerPool) registryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			done, failed, _ := p.Stats()
			if err := p.queue.WorkerHeartbeat(p.ctx, p.workerID, done, failed); err != nil && p.ctx.Err() == nil {
				log.Printf("[WorkerPool] Worker heartbeat failed: %v", err)
			}
		}
	}
}

// Stats returns processed job counters.
func (p *WorkerPool) Stats() (done, failed, dead int64) {
	return atomic.LoadInt64(&p.totalDone), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalDead)
}

// RetryDelay computes the backoff before retry number attempt (1-based):
// base doubled per prior attempt, with 25% jitter in both directions.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 5*time.Minute {
			d = 5 * time.Minute
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(d) * jitter)
}
