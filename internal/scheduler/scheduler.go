// Package scheduler arms sync jobs from integration frequencies and executes
// them through the job queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/syncer"
)

// Syncer runs one sync of an integration.
type Syncer interface {
	PerformSync(ctx context.Context, integrationID string, trigger syncer.Trigger) (syncer.Result, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMaxAttempts sets the retry budget of sync jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetention sets how long finished jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// Scheduler owns the sync job lifecycle.
type Scheduler struct {
	queue        *jobqueue.Queue
	integrations roster.IntegrationStore
	syncer       Syncer
	now          func() time.Time
	maxAttempts  int
	retention    time.Duration
	tasks        *housekeeping
}

// New registers the sync handler on q.
func New(q *jobqueue.Queue, integrations roster.IntegrationStore, s Syncer, opts ...Option) *Scheduler {
	sch := &Scheduler{
		queue:        q,
		integrations: integrations,
		syncer:       s,
		now:          func() time.Time { return time.Now().UTC() },
		maxAttempts:  jobqueue.DefaultMaxAttempts,
		retention:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(sch)
	}
	q.SetHandler(sch.runJob)
	return sch
}

// ScheduleNext enqueues the next automatic run one interval from now. MANUAL
// is a no-op. A pending scheduled job for the integration deduplicates, so
// the returned handle is nil when nothing new was enqueued.
func (s *Scheduler) ScheduleNext(ctx context.Context, integrationID string, freq roster.Frequency) (*jobqueue.Handle, error) {
	interval := freq.Interval()
	if interval <= 0 {
		return nil, nil
	}
	pending, err := s.queue.Pending(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: pending jobs: %w", err)
	}
	for _, j := range pending {
		if j.Kind == jobqueue.KindScheduled {
			runAt := j.RunAt
			return nil, s.setNext(ctx, integrationID, &runAt)
		}
	}

	target := s.now().Add(interval).Truncate(time.Minute)
	h, err := s.queue.Enqueue(ctx, jobqueue.Job{
		Key:           fmt.Sprintf("sync:%s:%d", integrationID, target.Unix()),
		IntegrationID: integrationID,
		Kind:          jobqueue.KindScheduled,
		Priority:      jobqueue.PriorityNormal,
		RunAt:         target,
		MaxAttempts:   s.maxAttempts,
	})
	switch {
	case errors.Is(err, jobqueue.ErrDuplicateKey):
		h = nil
	case err != nil:
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	if err := s.setNext(ctx, integrationID, &target); err != nil {
		return h, err
	}
	obs.Logger().Info().Str("integration_id", integrationID).Str("frequency", string(freq)).Time("run_at", target).Msg("sync scheduled")
	return h, nil
}

func (s *Scheduler) setNext(ctx context.Context, integrationID string, at *time.Time) error {
	if err := s.integrations.SetNextSyncAt(ctx, integrationID, at); err != nil {
		return fmt.Errorf("scheduler: set next sync: %w", err)
	}
	return nil
}

// ScheduleSyncJob arms the next run from the integration's own settings.
func (s *Scheduler) ScheduleSyncJob(ctx context.Context, integrationID string) (*jobqueue.Handle, error) {
	in, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !in.Schedulable() {
		return nil, nil
	}
	return s.ScheduleNext(ctx, in.ID, in.SyncFrequency)
}

// TriggerImmediateSync enqueues a high-priority run that does not collide
// with the schedule or with earlier manual triggers.
func (s *Scheduler) TriggerImmediateSync(ctx context.Context, integrationID string) (*jobqueue.Handle, error) {
	if _, err := s.integrations.Get(ctx, integrationID); err != nil {
		return nil, err
	}
	now := s.now()
	h, err := s.queue.Enqueue(ctx, jobqueue.Job{
		Key:           fmt.Sprintf("sync-now:%s:%d", integrationID, now.UnixNano()),
		IntegrationID: integrationID,
		Kind:          jobqueue.KindImmediate,
		Priority:      jobqueue.PriorityHigh,
		RunAt:         now,
		MaxAttempts:   s.maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return h, nil
}

// CancelScheduledSync cancels pending runs and clears nextSyncAt. A run that
// already started finishes normally.
func (s *Scheduler) CancelScheduledSync(ctx context.Context, integrationID string) (int, error) {
	n, err := s.queue.CancelPending(ctx, integrationID)
	if err != nil {
		return 0, fmt.Errorf("scheduler: cancel: %w", err)
	}
	if err := s.setNext(ctx, integrationID, nil); err != nil && !errors.Is(err, roster.ErrNotFound) {
		return n, err
	}
	return n, nil
}

// InitializeScheduledSyncs re-arms every enabled, active integration. It is
// called at process start and returns how many schedules it armed.
func (s *Scheduler) InitializeScheduledSyncs(ctx context.Context) (int, error) {
	list, err := s.integrations.ListSchedulable(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list integrations: %w", err)
	}
	var (
		armed int
		errs  []error
	)
	for _, in := range list {
		if !in.Schedulable() {
			continue
		}
		if _, err := s.ScheduleNext(ctx, in.ID, in.SyncFrequency); err != nil {
			obs.Logger().Error().Err(err).Str("integration_id", in.ID).Msg("arm schedule failed")
			errs = append(errs, err)
			continue
		}
		armed++
	}
	return armed, errors.Join(errs...)
}

func triggerFor(k jobqueue.Kind) syncer.Trigger {
	if k == jobqueue.KindImmediate {
		return syncer.TriggerManual
	}
	return syncer.TriggerScheduled
}

// runJob is the queue handler. Errors that retrying cannot fix are marked
// permanent; success re-arms the schedule while the integration stays
// enabled and active.
func (s *Scheduler) runJob(ctx context.Context, job jobqueue.Job) error {
	_, err := s.syncer.PerformSync(ctx, job.IntegrationID, triggerFor(job.Kind))
	if err != nil {
		if !roster.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	in, err := s.integrations.Get(ctx, job.IntegrationID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return nil
		}
		return err
	}
	if in.Schedulable() {
		if _, err := s.ScheduleNext(ctx, in.ID, in.SyncFrequency); err != nil {
			obs.Logger().Error().Err(err).Str("integration_id", in.ID).Msg("re-arm schedule failed")
		}
	}
	return nil
}
