package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rostersync.org/internal/jobqueue"
)

// jobStore keeps the sync queue in sync_jobs so pending runs survive a
// restart and several processes can share one queue.
type jobStore struct{ db *sql.DB }

const jobColumns = `id, key, integration_id, kind, status, priority, run_at, attempts, max_attempts,
	coalesce(last_error, ''), created_at, updated_at`

func scanJob(row scanner) (jobqueue.Job, error) {
	var j jobqueue.Job
	err := row.Scan(&j.ID, &j.Key, &j.IntegrationID, &j.Kind, &j.Status, &j.Priority, &j.RunAt,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobqueue.Job{}, jobqueue.ErrNotFound
	}
	return j, err
}

func queryJobs(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]jobqueue.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobqueue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s jobStore) Insert(ctx context.Context, j *jobqueue.Job) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sync_jobs (id, key, integration_id, kind, status, priority, run_at, attempts,
			max_attempts, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, j.Key, j.IntegrationID, j.Kind, j.Status, j.Priority, j.RunAt, j.Attempts,
		j.MaxAttempts, j.CreatedAt, j.UpdatedAt)
	if isUniqueViolation(err) {
		return jobqueue.ErrDuplicateKey
	}
	return err
}

func (s jobStore) Get(ctx context.Context, id string) (jobqueue.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `select `+jobColumns+` from sync_jobs where id = $1`, id))
}

type candidate struct {
	id            string
	integrationID string
}

// ClaimDue locks due rows with skip locked and takes an advisory lock per
// integration before checking for a running job, so two processes never run
// the same integration at once.
func (s jobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, integration_id
		from sync_jobs
		where status = $1 and run_at <= $2
		order by priority desc, run_at asc, id asc
		limit $3
		for update skip locked
	`, jobqueue.StatusPending, now, limit*4)
	if err != nil {
		return nil, err
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.integrationID); err != nil {
			rows.Close()
			return nil, err
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []jobqueue.Job
	for _, c := range cands {
		if len(out) >= limit {
			break
		}
		if seen[c.integrationID] {
			continue
		}
		seen[c.integrationID] = true

		var locked bool
		if err := tx.QueryRowContext(ctx, `select pg_try_advisory_xact_lock(hashtext($1))`, c.integrationID).Scan(&locked); err != nil {
			return nil, err
		}
		if !locked {
			continue
		}
		var busy bool
		if err := tx.QueryRowContext(ctx, `
			select exists (select 1 from sync_jobs where integration_id = $1 and status = $2)
		`, c.integrationID, jobqueue.StatusRunning).Scan(&busy); err != nil {
			return nil, err
		}
		if busy {
			continue
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `
			update sync_jobs
			set status = $2, attempts = attempts + 1, updated_at = $3
			where id = $1
			returning `+jobColumns, c.id, jobqueue.StatusRunning, now))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return out, nil
}

func (s jobStore) transition(ctx context.Context, id string, to jobqueue.Status, runAt *time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		update sync_jobs
		set status = $2, run_at = coalesce($3, run_at), last_error = $4, updated_at = now()
		where id = $1 and status = $5
	`, id, to, nullTime(runAt), nullIfEmpty(lastErr), jobqueue.StatusRunning)
	return expectOne(res, err, jobqueue.ErrNotFound)
}

func (s jobStore) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, id, jobqueue.StatusCompleted, nil, "")
}

func (s jobStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.transition(ctx, id, jobqueue.StatusPending, &runAt, lastErr)
}

func (s jobStore) Fail(ctx context.Context, id string, lastErr string) error {
	return s.transition(ctx, id, jobqueue.StatusFailed, nil, lastErr)
}

func (s jobStore) CancelPending(ctx context.Context, integrationID string) ([]jobqueue.Job, error) {
	return queryJobs(ctx, s.db, `
		update sync_jobs
		set status = $2, updated_at = now()
		where integration_id = $1 and status = $3
		returning `+jobColumns, integrationID, jobqueue.StatusCancelled, jobqueue.StatusPending)
}

func (s jobStore) Pending(ctx context.Context, integrationID string) ([]jobqueue.Job, error) {
	return queryJobs(ctx, s.db, `
		select `+jobColumns+`
		from sync_jobs
		where integration_id = $1 and status = $2
		order by run_at
	`, integrationID, jobqueue.StatusPending)
}

func (s jobStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from sync_jobs
		where status in ($1, $2, $3) and updated_at < $4
	`, jobqueue.StatusCompleted, jobqueue.StatusFailed, jobqueue.StatusCancelled, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s jobStore) Requeue(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sync_jobs set status = $1, updated_at = now() where status = $2
	`, jobqueue.StatusPending, jobqueue.StatusRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
