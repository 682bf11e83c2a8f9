package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
)

// BackpressureMonitor samples queue depth and gates intake. Past the soft
// threshold new sequence enrollments pause; past the hard threshold lead
// intake itself is rejected until depth drains.
type BackpressureMonitor struct {
	queue     *Queue
	softDepth int
	hardDepth int
	interval  time.Duration

	depth int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewBackpressureMonitor creates a monitor with the configured thresholds.
func NewBackpressureMonitor(q *Queue, softDepth, hardDepth int) *BackpressureMonitor {
	return &BackpressureMonitor{
		queue:     q,
		softDepth: softDepth,
		hardDepth: hardDepth,
		interval:  5 * time.Second,
	}
}

// Start begins sampling.
func (m *BackpressureMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.loop()
}

// Stop halts sampling.
func (m *BackpressureMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	m.wg.Wait()
}

func (m *BackpressureMonitor) loop() {
	defer m.wg.Done()
	m.sample()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *BackpressureMonitor) sample() {
	depth, err := m.queue.Depth(m.ctx)
	if err != nil {
		if m.ctx.Err() == nil {
			log.Printf("[Backpressure] Depth sample failed: %v", err)
		}
		return
	}
	prev := atomic.SwapInt64(&m.depth, int64(depth))
	if int(prev) < m.softDepth && depth >= m.softDepth {
		log.Printf("[Backpressure] Queue depth %d crossed soft threshold %d, pausing enrollments", depth, m.softDepth)
	}
	if int(prev) < m.hardDepth && depth >= m.hardDepth {
		log.Printf("[Backpressure] Queue depth %d crossed hard threshold %d, rejecting intake", depth, m.hardDepth)
	}
}

// Depth returns the last sampled queue depth.
func (m *BackpressureMonitor) Depth() int { return int(atomic.LoadInt64(&m.depth)) }

// SoftLimited reports whether new sequence enrollments should pause.
func (m *BackpressureMonitor) SoftLimited() bool { return m.Depth() >= m.softDepth }

// CheckIntake returns a backpressure error when the hard threshold is
// reached; lead intake callers surface this as a retryable 503.
func (m *BackpressureMonitor) CheckIntake() error {
	if m.Depth() >= m.hardDepth {
		return apperr.New(apperr.CodeBackpressure, "queue depth over hard limit, retry later")
	}
	return nil
}
