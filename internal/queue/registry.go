package queue

import (
	"context"

	"github.com/cadencehq/cadence/internal/apperr"
)

// RegisterWorker upserts the worker row at pool startup. Re-registration
// after a crash resets the counters for the new incarnation.
func (q *Queue) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, status, jobs_done, jobs_failed, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'active', 0, 0, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname, status = 'active',
			jobs_done = 0, jobs_failed = 0, started_at = NOW(), last_heartbeat_at = NOW()
	`, workerID, hostname)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "register worker", err)
	}
	return nil
}

// WorkerHeartbeat refreshes the worker's liveness timestamp and counters.
func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string, done, failed int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE workers SET jobs_done = $2, jobs_failed = $3, last_heartbeat_at = NOW()
		WHERE id = $1
	`, workerID, done, failed)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "worker heartbeat", err)
	}
	return nil
}

// DeregisterWorker marks the worker stopped on graceful shutdown. Crashed
// workers keep status 'active' with a stale heartbeat, which is how the
// stats surface distinguishes the two.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string, done, failed int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE workers SET status = 'stopped', jobs_done = $2, jobs_failed = $3, last_heartbeat_at = NOW()
		WHERE id = $1
	`, workerID, done, failed)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "deregister worker", err)
	}
	return nil
}
