// Package distlock provides distributed locking primitives used to serialize
// per-lead state transitions across worker processes.
package distlock

import (
	"context"
	"time"
)

// Lock is a distributed mutual-exclusion lock.
type Lock interface {
	// Acquire tries to take the lock. Returns false without error when the
	// lock is held elsewhere.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if this instance still owns it.
	Release(ctx context.Context) error
	// Extend pushes the lock expiry forward for long-running work.
	Extend(ctx context.Context, ttl time.Duration) error
}
