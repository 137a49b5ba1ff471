package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/roster"
)

type syncLogRepo struct{ db *sql.DB }

const syncLogColumns = `id, integration_id, status, started_at, finished_at, duration_ms,
	people_added, people_updated, people_removed, groups_added, groups_updated, groups_skipped,
	coalesce(error_message, ''), metadata`

func scanSyncLog(row scanner) (roster.SyncLog, error) {
	var (
		l        roster.SyncLog
		finished sql.NullTime
		ms       int64
		raw      []byte
	)
	c := &l.Counters
	err := row.Scan(&l.ID, &l.IntegrationID, &l.Status, &l.StartedAt, &finished, &ms,
		&c.PeopleAdded, &c.PeopleUpdated, &c.PeopleRemoved, &c.GroupsAdded, &c.GroupsUpdated, &c.GroupsSkipped,
		&l.ErrorMessage, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.SyncLog{}, roster.ErrNotFound
	}
	if err != nil {
		return roster.SyncLog{}, err
	}
	l.FinishedAt = timeOrNil(finished)
	l.Duration = time.Duration(ms) * time.Millisecond
	if len(raw) > 0 && string(raw) != "{}" {
		if err := json.Unmarshal(raw, &l.Metadata); err != nil {
			return roster.SyncLog{}, fmt.Errorf("decode sync log metadata: %w", err)
		}
	}
	return l, nil
}

func (r syncLogRepo) Create(ctx context.Context, l *roster.SyncLog) error {
	if l == nil || l.IntegrationID == "" {
		return roster.ErrInvalidInput
	}
	meta, err := encodeData(l.Metadata)
	if err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.Status == "" {
		l.Status = roster.SyncRunning
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		insert into sync_logs (id, integration_id, status, started_at, metadata)
		values ($1, $2, $3, $4, $5)
	`, l.ID, l.IntegrationID, l.Status, l.StartedAt, meta)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return roster.ErrNotFound
	}
	return err
}

// Finalize only touches a RUNNING row, so a log is closed exactly once.
func (r syncLogRepo) Finalize(ctx context.Context, l roster.SyncLog) error {
	meta, err := encodeData(l.Metadata)
	if err != nil {
		return err
	}
	c := l.Counters
	res, err := r.db.ExecContext(ctx, `
		update sync_logs
		set status = $2, finished_at = $3, duration_ms = $4,
		    people_added = $5, people_updated = $6, people_removed = $7,
		    groups_added = $8, groups_updated = $9, groups_skipped = $10,
		    error_message = $11, metadata = $12
		where id = $1 and status = $13
	`, l.ID, l.Status, nullTime(l.FinishedAt), l.Duration.Milliseconds(),
		c.PeopleAdded, c.PeopleUpdated, c.PeopleRemoved, c.GroupsAdded, c.GroupsUpdated, c.GroupsSkipped,
		nullIfEmpty(l.ErrorMessage), meta, roster.SyncRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, l.ID); err != nil {
		return err
	}
	return roster.ErrConflict
}

func (r syncLogRepo) Get(ctx context.Context, id string) (roster.SyncLog, error) {
	return scanSyncLog(r.db.QueryRowContext(ctx, `select `+syncLogColumns+` from sync_logs where id = $1`, id))
}

// ListByIntegration returns the newest logs first.
func (r syncLogRepo) ListByIntegration(ctx context.Context, integrationID string, limit int) ([]roster.SyncLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		select `+syncLogColumns+`
		from sync_logs
		where integration_id = $1
		order by started_at desc, id desc
		limit $2
	`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []roster.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
