package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// Queue is the Postgres-backed action job queue.
type Queue struct {
	db      *sqlx.DB
	logger  *logging.Logger
	metrics *metrics.Metrics

	// dequeueCounter drives the "every tenth dequeue scans oldest" fairness
	// policy (spec §4.7 "Fairness"): most leases favor priority order, but
	// periodically the oldest eligible job is served regardless of
	// priority so a low-priority job can't starve forever.
	dequeueCounter uint64
}

// New constructs a Queue.
func New(db *sqlx.DB, logger *logging.Logger, m *metrics.Metrics) *Queue {
	return &Queue{db: db, logger: logger, metrics: m}
}

// EnqueueInput describes one action delivery to schedule.
type EnqueueInput struct {
	TriggerID   string
	EventID     string
	ActionIndex int
	ActionType  string
	Priority    int
	Config      json.RawMessage
	EventData   json.RawMessage
	MaxRetries  int
}

// Enqueue inserts a new pending job, deduping on idempotency key (spec §4.7
// "Idempotency"). A duplicate enqueue for the same (trigger, event,
// action_index) is a no-op that returns the existing job's id and a
// QueueIdempotentHit-classified error the caller may safely ignore.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (jobID string, err error) {
	if in.MaxRetries <= 0 {
		in.MaxRetries = MaxRetries
	}
	key := IdempotencyKey(in.TriggerID, in.EventID, in.ActionIndex)
	id := uuid.NewString()

	row := q.db.QueryRowxContext(ctx, `
		INSERT INTO action_jobs
			(id, trigger_id, event_id, action_index, action_type, priority, config,
			 event_data, idempotency_key, status, attempt_count, max_retries,
			 visible_at, enqueued_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 0, $10, now(), now(), now())
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = action_jobs.idempotency_key
		RETURNING id, (xmax = 0) AS inserted
	`, id, in.TriggerID, in.EventID, in.ActionIndex, in.ActionType, in.Priority,
		in.Config, in.EventData, key, in.MaxRetries)

	var returnedID string
	var inserted bool
	if scanErr := row.Scan(&returnedID, &inserted); scanErr != nil {
		return "", errors.DatabaseError("enqueue_action_job", scanErr)
	}

	if q.metrics != nil && inserted {
		q.metrics.RecordJobEnqueued(in.ActionType)
	}
	if !inserted {
		return returnedID, errors.QueueIdempotentHit(key)
	}
	return returnedID, nil
}

// Lease atomically claims up to one eligible job of actionType: pending (or
// past-due-lease leased) jobs ordered by priority ASC (lower number =
// sooner), enqueued_at ASC, except every tenth call instead orders strictly
// by enqueued_at ASC to guarantee the oldest job eventually gets served
// regardless of priority. The returned job's VisibleAt is advanced by
// visibilityTimeout and its LeaseToken set; callers must Ack or Nack before
// the lease expires.
func (q *Queue) Lease(ctx context.Context, actionType string, visibilityTimeout time.Duration) (*ActionJob, error) {
	count := atomic.AddUint64(&q.dequeueCounter, 1)
	scanOldest := count%10 == 0

	orderBy := "priority ASC, enqueued_at ASC"
	if scanOldest {
		orderBy = "enqueued_at ASC"
	}

	leaseToken := uuid.NewString()
	newVisibleAt := time.Now().UTC().Add(visibilityTimeout)

	var job ActionJob
	err := q.db.GetContext(ctx, &job, `
		UPDATE action_jobs SET
			status = 'leased',
			lease_token = $1,
			visible_at = $2,
			updated_at = now()
		WHERE id = (
			SELECT id FROM action_jobs
			WHERE action_type = $3
			  AND status IN ('pending', 'leased')
			  AND visible_at <= now()
			ORDER BY `+orderBy+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, trigger_id, event_id, action_index, action_type, priority,
		          config, event_data, idempotency_key, status, attempt_count,
		          max_retries, visible_at, lease_token, enqueued_at, updated_at
	`, leaseToken, newVisibleAt, actionType)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.DatabaseError("lease_action_job", err)
	}
	return &job, nil
}

// Ack marks a leased job done. leaseToken must match the token returned by
// Lease, guarding against a worker acking a job whose lease has since
// expired and been reassigned (spec §4.7 "Visibility timeout").
func (q *Queue) Ack(ctx context.Context, jobID, leaseToken string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE action_jobs SET status = 'done', updated_at = now()
		WHERE id = $1 AND lease_token = $2
	`, jobID, leaseToken)
	if err != nil {
		return errors.DatabaseError("ack_action_job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.QueueLeaseExpired(jobID)
	}
	return nil
}

// Nack records a failed delivery attempt. If the job's attempt_count would
// reach or exceed max_retries, it is moved to the dead_letter status instead
// of being rescheduled (spec §4.7 "Dead letter"). jitter must be a
// caller-supplied uniform(0,1) sample, see BackoffDelay.
func (q *Queue) Nack(ctx context.Context, jobID, leaseToken string, jitter float64) error {
	var job ActionJob
	err := q.db.GetContext(ctx, &job, `
		SELECT id, trigger_id, event_id, action_index, action_type, priority,
		       config, event_data, idempotency_key, status, attempt_count,
		       max_retries, visible_at, lease_token, enqueued_at, updated_at
		FROM action_jobs WHERE id = $1
	`, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return errors.QueueJobNotFound(jobID)
		}
		return errors.DatabaseError("load_action_job", err)
	}
	if job.LeaseToken == nil || *job.LeaseToken != leaseToken {
		return errors.QueueLeaseExpired(jobID)
	}

	attempts := job.AttemptCount + 1

	if attempts >= job.MaxRetries {
		_, err := q.db.ExecContext(ctx, `
			UPDATE action_jobs SET
				status = 'dead_letter', attempt_count = $2, lease_token = NULL, updated_at = now()
			WHERE id = $1
		`, jobID, attempts)
		if err != nil {
			return errors.DatabaseError("dead_letter_action_job", err)
		}
		if q.metrics != nil {
			q.metrics.RecordJobDeadLettered(job.ActionType)
		}
		return errors.QueueDeadLettered(jobID, attempts)
	}

	delay := BackoffDelay(attempts, jitter)
	_, err = q.db.ExecContext(ctx, `
		UPDATE action_jobs SET
			status = 'pending', attempt_count = $2, lease_token = NULL,
			visible_at = now() + $3::interval, updated_at = now()
		WHERE id = $1
	`, jobID, attempts, delay.String())
	if err != nil {
		return errors.DatabaseError("reschedule_action_job", err)
	}
	return nil
}

// ListDeadLetter returns dead-lettered jobs for operator inspection (spec
// §6.5 "Dead letter inspect endpoint").
func (q *Queue) ListDeadLetter(ctx context.Context, actionType string, limit int) ([]ActionJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []ActionJob
	query := `
		SELECT id, trigger_id, event_id, action_index, action_type, priority,
		       config, event_data, idempotency_key, status, attempt_count,
		       max_retries, visible_at, lease_token, enqueued_at, updated_at
		FROM action_jobs
		WHERE status = 'dead_letter'`
	args := []interface{}{}
	if actionType != "" {
		query += " AND action_type = $1 ORDER BY updated_at DESC LIMIT $2"
		args = append(args, actionType, limit)
	} else {
		query += " ORDER BY updated_at DESC LIMIT $1"
		args = append(args, limit)
	}
	if err := q.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, errors.DatabaseError("list_dead_letter", err)
	}
	return jobs, nil
}

// Replay resets a dead-lettered job back to pending with a fresh attempt
// budget, for manual operator replay (spec §6.5 "Replay endpoint": resets
// attempt_count to 0).
func (q *Queue) Replay(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE action_jobs SET
			status = 'pending', attempt_count = 0, lease_token = NULL,
			visible_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'dead_letter'
	`, jobID)
	if err != nil {
		return errors.DatabaseError("replay_action_job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.QueueJobNotFound(jobID)
	}
	return nil
}

// PurgeDeadLetter deletes dead-lettered jobs older than olderThan, returning
// the number removed. Used by the periodic retention sweep (spec §9
// "Supplemented features").
func (q *Queue) PurgeDeadLetter(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM action_jobs
		WHERE status = 'dead_letter' AND updated_at <= now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, errors.DatabaseError("purge_dead_letter", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BacklogCounts returns the count of pending-or-leased jobs per action type,
// for the periodic backlog scan (spec §9 "Supplemented features").
func (q *Queue) BacklogCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.QueryxContext(ctx, `
		SELECT action_type, count(*) AS cnt
		FROM action_jobs
		WHERE status IN ('pending', 'leased')
		GROUP BY action_type
	`)
	if err != nil {
		return nil, errors.DatabaseError("backlog_counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var actionType string
		var cnt int64
		if err := rows.Scan(&actionType, &cnt); err != nil {
			return nil, errors.DatabaseError("scan_backlog_counts", err)
		}
		counts[actionType] = cnt
	}
	return counts, rows.Err()
}
