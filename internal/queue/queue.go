// Package queue is the Postgres-backed job queue behind every outbound
// dispatch and agent invocation. Jobs carry a partition key (the lead id) and
// are delivered FIFO within a partition, so two workers never process the
// same lead concurrently.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/apperr"
)

// Job types routed to registered handlers.
const (
	TypeDispatchEmail = "dispatch_email"
	TypeDispatchSMS   = "dispatch_sms"
	TypeDispatchChat  = "dispatch_chat"
	TypeAgentCompose  = "agent_compose"
	TypeAgentReply    = "agent_reply"
	TypeHandover      = "handover"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// Job is one unit of work. Payload is opaque JSON interpreted by the handler
// registered for Type.
type Job struct {
	ID           string
	Type         string
	PartitionKey string
	Payload      json.RawMessage
	Status       string
	Attempts     int
	MaxAttempts  int
	RunAt        time.Time
	LastError    string
	CreatedAt    time.Time
}

// Queue wraps the shared database handle for enqueue and claim operations.
type Queue struct {
	db *sql.DB
}

// New creates a Queue over an open database handle.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue adds a job. maxAttempts bounds retries before the job is parked
// dead; dispatch jobs use 5, agent jobs 3.
func (q *Queue) Enqueue(ctx context.Context, jobType, partitionKey string, payload any, maxAttempts int, runAt time.Time) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, "enqueue: marshal payload", err)
	}
	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, partition_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, NOW(), NOW())
	`, id, jobType, partitionKey, payloadJSON, maxAttempts, runAt)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeStoreTransient, "enqueue job", err)
	}
	return id, nil
}

// Claim atomically leases up to limit due jobs for a worker. Within a
// partition only the oldest queued job is claimable, and never while another
// job of the same partition is running. The SKIP LOCKED scan lets concurrent
// workers claim disjoint sets without blocking each other.
func (q *Queue) Claim(ctx context.Context, workerID string, jobTypes []string, limit int, lease time.Duration) ([]*Job, error) {
	typeList, _ := json.Marshal(jobTypes)
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE jobs
			SET status = 'running', worker_id = $1, attempts = attempts + 1,
			    lease_expires_at = NOW() + $4::interval, updated_at = NOW()
			WHERE id IN (
				SELECT j.id FROM jobs j
				WHERE j.status = 'queued'
				  AND j.run_at <= NOW()
				  AND j.job_type = ANY(SELECT jsonb_array_elements_text($2::jsonb))
				  AND NOT EXISTS (
					SELECT 1 FROM jobs r
					WHERE r.partition_key = j.partition_key AND r.status = 'running'
				  )
				  AND NOT EXISTS (
					SELECT 1 FROM jobs p
					WHERE p.partition_key = j.partition_key AND p.status = 'queued'
					  AND (p.created_at < j.created_at OR (p.created_at = j.created_at AND p.id < j.id))
				  )
				ORDER BY j.run_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_type, partition_key, payload, status, attempts, max_attempts, run_at, COALESCE(last_error, ''), created_at
		)
		SELECT id, job_type, partition_key, payload::text, status, attempts, max_attempts, run_at, last_error, created_at
		FROM claimed
	`, workerID, typeList, limit, lease.String())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreTransient, "claim jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var payload string
		if err := rows.Scan(&j.ID, &j.Type, &j.PartitionKey, &payload, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError, &j.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreTransient, "scan job", err)
		}
		j.Payload = json.RawMessage(payload)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', lease_expires_at = NULL, updated_at = NOW() WHERE id = $1
	`, jobID)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "complete job", err)
	}
	return nil
}

// Retry requeues a failed job with its next run time. When attempts have
// reached max, the job is parked dead instead and surfaces in the DLQ stats.
func (q *Queue) Retry(ctx context.Context, job *Job, failure error, nextRunAt time.Time) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'dead', last_error = $2, lease_expires_at = NULL, updated_at = NOW() WHERE id = $1
		`, job.ID, msg)
		if err != nil {
			return apperr.Wrap(apperr.CodeStoreTransient, "park dead job", err)
		}
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', last_error = $2, run_at = $3, lease_expires_at = NULL, worker_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, job.ID, msg, nextRunAt)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "retry job", err)
	}
	return nil
}

// Fail parks a job dead immediately, used for permanent errors where retrying
// cannot help.
func (q *Queue) Fail(ctx context.Context, jobID string, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = $2, lease_expires_at = NULL, updated_at = NOW() WHERE id = $1
	`, jobID, msg)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "fail job", err)
	}
	return nil
}

// ExtendLease renews a running job's lease from a worker heartbeat.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = NOW() + $3::interval, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`, jobID, workerID, lease.String())
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreTransient, "extend lease", err)
	}
	return nil
}

// RecoverExpired requeues running jobs whose lease has lapsed, run at worker
// startup and periodically. A recovered job keeps its attempt count so a
// crash loop still converges on the DLQ.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', worker_id = NULL, lease_expires_at = NULL,
		       last_error = 'lease expired', updated_at = NOW()
		WHERE status = 'running' AND lease_expires_at < NOW()
	`)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreTransient, "recover expired jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReplayDead requeues dead jobs for a fresh round of attempts, optionally
// filtered by job type. Attempts reset to zero; dispatch idempotency keys
// keep a replayed send from going out twice.
func (q *Queue) ReplayDead(ctx context.Context, jobType string) (int, error) {
	base := `
		UPDATE jobs SET status = 'queued', attempts = 0, worker_id = NULL,
		       lease_expires_at = NULL, run_at = NOW(), updated_at = NOW()
		WHERE status = 'dead'`
	var res sql.Result
	var err error
	if jobType != "" {
		res, err = q.db.ExecContext(ctx, base+` AND job_type = $1`, jobType)
	} else {
		res, err = q.db.ExecContext(ctx, base)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreTransient, "replay dead jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Depth returns the number of queued jobs, the backpressure signal.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreTransient, "queue depth", err)
	}
	return n, nil
}

// Stats summarizes job counts by status for the monitoring endpoints.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreTransient, "queue stats", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreTransient, "scan queue stats", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
