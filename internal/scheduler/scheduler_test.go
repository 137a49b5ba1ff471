package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/store/memory"
	"rostersync.org/internal/syncer"
)

const waitFor = 2 * time.Second

type fakeSyncer struct {
	mu    sync.Mutex
	err   error
	calls []syncer.Trigger
}

func (f *fakeSyncer) PerformSync(_ context.Context, _ string, trigger syncer.Trigger) (syncer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, trigger)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return syncer.Result{Status: roster.SyncError}, err
	}
	return syncer.Result{Status: roster.SyncSuccess}, nil
}

func (f *fakeSyncer) triggers() []syncer.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncer.Trigger(nil), f.calls...)
}

type fixture struct {
	store *memory.Store
	jobs  *jobqueue.MemoryStore
	queue *jobqueue.Queue
	sync  *fakeSyncer
	sched *Scheduler
}

var fixedNow = time.Date(2026, 3, 1, 10, 15, 42, 0, time.UTC)

func newFixture(t *testing.T, freq roster.Frequency, opts ...Option) (*fixture, roster.Integration) {
	t.Helper()
	st := memory.New()
	in := roster.Integration{OrganizationID: "org-1", Provider: "pco", Status: roster.IntegrationActive, SyncEnabled: true, SyncFrequency: freq}
	require.NoError(t, st.Integrations().Create(context.Background(), &in))

	js := jobqueue.NewMemoryStore()
	q := jobqueue.New(js, jobqueue.WithPollInterval(5*time.Millisecond), jobqueue.WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	fs := &fakeSyncer{}
	s := New(q, st.Integrations(), fs, opts...)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return &fixture{store: st, jobs: js, queue: q, sync: fs, sched: s}, in
}

func (f *fixture) integration(t *testing.T, id string) roster.Integration {
	t.Helper()
	in, err := f.store.Integrations().Get(context.Background(), id)
	require.NoError(t, err)
	return in
}

func wait(t *testing.T, h *jobqueue.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestScheduleNextDailyDeduplicates(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyDaily, WithClock(func() time.Time { return fixedNow }))

	h, err := f.sched.ScheduleNext(ctx, in.ID, roster.FrequencyDaily)
	require.NoError(t, err)
	require.NotNil(t, h)

	again, err := f.sched.ScheduleNext(ctx, in.ID, roster.FrequencyDaily)
	require.NoError(t, err)
	assert.Nil(t, again)

	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	want := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	assert.True(t, pending[0].RunAt.Equal(want), "run at %s", pending[0].RunAt)
	assert.Equal(t, jobqueue.KindScheduled, pending[0].Kind)

	got := f.integration(t, in.ID)
	require.NotNil(t, got.NextSyncAt)
	assert.True(t, got.NextSyncAt.Equal(want))
}

func TestScheduleNextManualIsNoop(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyManual)

	h, err := f.sched.ScheduleNext(ctx, in.ID, roster.FrequencyManual)
	require.NoError(t, err)
	assert.Nil(t, h)
	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Nil(t, f.integration(t, in.ID).NextSyncAt)
}

func TestScheduleSyncJobSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyHourly)
	off := false
	_, err := f.store.Integrations().UpdateSettings(ctx, in.ID, roster.IntegrationSettings{SyncEnabled: &off})
	require.NoError(t, err)

	h, err := f.sched.ScheduleSyncJob(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestCancelScheduledSync(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyWeekly)
	h, err := f.sched.ScheduleNext(ctx, in.ID, roster.FrequencyWeekly)
	require.NoError(t, err)

	n, err := f.sched.CancelScheduledSync(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, h.Err(), jobqueue.ErrCancelled)
	assert.Nil(t, f.integration(t, in.ID).NextSyncAt)

	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInitializeArmsSchedulableOnly(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyHourly)
	manual := roster.Integration{OrganizationID: "org-2", Provider: "pco", Status: roster.IntegrationActive, SyncEnabled: true, SyncFrequency: roster.FrequencyManual}
	require.NoError(t, f.store.Integrations().Create(ctx, &manual))

	armed, err := f.sched.InitializeScheduledSyncs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	// a second sweep does not duplicate the pending run
	_, err = f.sched.InitializeScheduledSyncs(ctx)
	require.NoError(t, err)
	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestImmediateSyncReschedulesOnSuccess(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyHourly)
	require.NoError(t, f.queue.Start(ctx))

	h, err := f.sched.TriggerImmediateSync(ctx, in.ID)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, []syncer.Trigger{syncer.TriggerManual}, f.sync.triggers())
	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jobqueue.KindScheduled, pending[0].Kind)
	assert.NotNil(t, f.integration(t, in.ID).NextSyncAt)
}

func TestTriggerImmediateSyncUnknownIntegration(t *testing.T) {
	f, _ := newFixture(t, roster.FrequencyHourly)
	_, err := f.sched.TriggerImmediateSync(context.Background(), "missing")
	assert.ErrorIs(t, err, roster.ErrNotFound)
}

func TestReauthFailureIsPermanentAndNotRescheduled(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyHourly)
	reauth := &roster.ReauthorizationRequiredError{IntegrationID: in.ID, Err: errors.New("401")}
	f.sync.err = reauth
	require.NoError(t, f.queue.Start(ctx))

	h, err := f.sched.TriggerImmediateSync(ctx, in.ID)
	require.NoError(t, err)
	err = wait(t, h)
	var target *roster.ReauthorizationRequiredError
	require.ErrorAs(t, err, &target)

	assert.Len(t, f.sync.triggers(), 1)
	job, err := f.queue.Get(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)

	pending, err := f.queue.Pending(ctx, in.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyManual)
	f.sync.err = &roster.ExternalFetchError{Resource: "lists", StatusCode: 503, Err: errors.New("unavailable")}
	require.NoError(t, f.queue.Start(ctx))

	h, err := f.sched.TriggerImmediateSync(ctx, in.ID)
	require.NoError(t, err)
	require.Error(t, wait(t, h))
	assert.Len(t, f.sync.triggers(), jobqueue.DefaultMaxAttempts)
}

func TestRunTaskNowUnknown(t *testing.T) {
	f, _ := newFixture(t, roster.FrequencyDaily)
	assert.Error(t, f.sched.RunTaskNow(context.Background(), "nope"))
}

func TestPruneTaskRemovesFinishedJobs(t *testing.T) {
	ctx := context.Background()
	f, in := newFixture(t, roster.FrequencyManual)
	require.NoError(t, f.queue.Start(ctx))
	h, err := f.sched.TriggerImmediateSync(ctx, in.ID)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	f.sched.retention = time.Nanosecond
	require.NoError(t, f.sched.RunTaskNow(ctx, "prune-jobs"))
	_, err = f.queue.Get(ctx, h.JobID)
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
}

func TestHousekeepingStartStop(t *testing.T) {
	f, _ := newFixture(t, roster.FrequencyDaily)
	require.NoError(t, f.sched.StartHousekeeping())
	require.NoError(t, f.sched.StartHousekeeping())
	f.sched.StopHousekeeping()
	f.sched.StopHousekeeping()
}
