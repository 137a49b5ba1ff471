// Package syncer runs one reconciliation of an integration against the
// provider and records the outcome.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rostersync.org/internal/audit"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/stream"
)

// Stage is the point a run had reached.
type Stage string

const (
	StageStarted        Stage = "STARTED"
	StageFetchingGroups Stage = "FETCHING_GROUPS"
	StageFetchingPeople Stage = "FETCHING_PEOPLE"
	StageReconciling    Stage = "RECONCILING"
	StageFinalizing     Stage = "FINALIZING"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Source reads the provider's roster for one integration.
type Source interface {
	Lists(ctx context.Context) ([]roster.ExternalList, error)
	ListPeople(ctx context.Context, listID string) ([]roster.ExternalPerson, error)
}

// Connector opens a Source with the integration's stored credentials.
type Connector interface {
	Connect(ctx context.Context, in roster.Integration) (Source, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, in roster.Integration) (Source, error)

func (f ConnectorFunc) Connect(ctx context.Context, in roster.Integration) (Source, error) {
	return f(ctx, in)
}

// PasswordProvisioner hashes a throwaway password for accounts created by sync.
type PasswordProvisioner interface {
	TemporaryPassword() (string, error)
}

// Result summarizes a finished run.
type Result struct {
	LogID        string
	Status       roster.SyncStatus
	Counters     roster.Counters
	ErrorMessage string
	Stage        Stage
	FailedGroups []string
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPasswords sets the provisioner for new accounts.
func WithPasswords(p PasswordProvisioner) Option {
	return func(s *Syncer) { s.passwords = p }
}

// WithFetchConcurrency bounds parallel people fetches within one run.
func WithFetchConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Publisher receives progress events.
type Publisher interface {
	Publish(evt stream.Event)
}

// WithEvents publishes stage changes and results of every run to p.
func WithEvents(p Publisher) Option {
	return func(s *Syncer) { s.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer runs syncs. Runs of one integration are mutually exclusive; runs of
// different integrations may proceed in parallel.
type Syncer struct {
	store       roster.Store
	connector   Connector
	passwords   PasswordProvisioner
	concurrency int
	now         func() time.Time
	events      Publisher

	mu      sync.Mutex
	running map[string]struct{}
}

func New(store roster.Store, connector Connector, opts ...Option) *Syncer {
	s := &Syncer{
		store:       store,
		connector:   connector,
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
		running:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) tryLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Syncer) unlock(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Running reports whether a run of integrationID is in progress.
func (s *Syncer) Running(integrationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[integrationID]
	return ok
}

// PerformSync runs one full reconciliation. The returned error is the cause
// of an ERROR result; the Result is populated either way once a SyncLog was
// opened.
func (s *Syncer) PerformSync(ctx context.Context, integrationID string, trigger Trigger) (Result, error) {
	if !s.tryLock(integrationID) {
		return Result{}, roster.ErrSyncInProgress
	}
	defer s.unlock(integrationID)

	in, err := s.store.Integrations().Get(ctx, integrationID)
	if err != nil {
		return Result{}, fmt.Errorf("load integration %s: %w", integrationID, err)
	}

	started := s.now()
	entry := roster.SyncLog{
		IntegrationID: in.ID,
		Status:        roster.SyncRunning,
		StartedAt:     started,
		Metadata:      map[string]any{"trigger": string(trigger)},
	}
	if err := s.store.SyncLogs().Create(ctx, &entry); err != nil {
		return Result{}, fmt.Errorf("open sync log: %w", err)
	}

	log := obs.Logger().With().Str("integration_id", in.ID).Str("sync_log_id", entry.ID).Logger()
	log.Info().Str("trigger", string(trigger)).Msg("sync started")

	r := &run{Syncer: s, in: in, logID: entry.ID}
	r.enter(StageStarted)
	runErr := r.execute(ctx)

	res := s.finalize(context.WithoutCancel(ctx), in, entry, r, runErr)
	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(res.Status)).
		Str("stage", string(res.Stage)).
		Int("people_added", res.Counters.PeopleAdded).
		Int("people_updated", res.Counters.PeopleUpdated).
		Int("people_removed", res.Counters.PeopleRemoved).
		Int("groups_added", res.Counters.GroupsAdded).
		Int("failed_groups", len(res.FailedGroups)).
		Dur("duration", s.now().Sub(started)).
		Msg("sync finished")
	return res, runErr
}

// finalize writes the terminal SyncLog and the integration outcome. It runs
// exactly once per opened log.
func (s *Syncer) finalize(ctx context.Context, in roster.Integration, entry roster.SyncLog, r *run, runErr error) Result {
	finished := s.now()
	res := Result{
		LogID:        entry.ID,
		Status:       roster.SyncSuccess,
		Counters:     r.counters,
		Stage:        r.stage,
		FailedGroups: r.failedGroups,
	}
	outcome := roster.SyncOutcome{
		Status:         roster.IntegrationActive,
		LastSyncStatus: roster.SyncSuccess,
		LastSyncAt:     &finished,
	}
	if runErr != nil {
		res.Status = roster.SyncError
		res.ErrorMessage = runErr.Error()
		outcome = roster.SyncOutcome{
			Status:         roster.IntegrationError,
			LastSyncStatus: roster.SyncError,
			LastError:      res.ErrorMessage,
		}
	} else {
		res.Stage = StageFinalizing
	}

	entry.Status = res.Status
	entry.FinishedAt = &finished
	entry.Duration = finished.Sub(entry.StartedAt)
	entry.Counters = res.Counters
	entry.ErrorMessage = res.ErrorMessage
	entry.Metadata["stage"] = string(res.Stage)
	if len(res.FailedGroups) > 0 {
		entry.Metadata["failed_groups"] = res.FailedGroups
	}

	logger := obs.Logger().With().Str("integration_id", in.ID).Str("sync_log_id", entry.ID).Logger()
	if err := s.store.SyncLogs().Finalize(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("finalize sync log failed")
	}
	if err := s.store.Integrations().RecordOutcome(ctx, in.ID, outcome); err != nil && !errors.Is(err, roster.ErrNotFound) {
		logger.Error().Err(err).Msg("record sync outcome failed")
	}

	obs.SyncRuns.WithLabelValues(string(res.Status)).Inc()
	obs.SyncDuration.WithLabelValues(string(res.Status)).Observe(entry.Duration.Seconds())
	observeCounters(res.Counters)
	counters := res.Counters
	s.publish(stream.Event{
		IntegrationID: in.ID,
		SyncLogID:     entry.ID,
		Stage:         string(res.Stage),
		Status:        string(res.Status),
		Counters:      &counters,
		Error:         res.ErrorMessage,
	})
	_ = audit.LogEvent(ctx, audit.EventSyncFinished, map[string]any{
		"integration_id": in.ID,
		"sync_log_id":    entry.ID,
		"status":         string(res.Status),
		"stage":          string(res.Stage),
		"error":          res.ErrorMessage,
	})
	return res
}

func (s *Syncer) publish(evt stream.Event) {
	if s.events == nil {
		return
	}
	evt.Timestamp = s.now()
	s.events.Publish(evt)
}

func observeCounters(c roster.Counters) {
	for name, v := range map[string]int{
		"people_added":   c.PeopleAdded,
		"people_updated": c.PeopleUpdated,
		"people_removed": c.PeopleRemoved,
		"groups_added":   c.GroupsAdded,
		"groups_updated": c.GroupsUpdated,
		"groups_skipped": c.GroupsSkipped,
	} {
		if v > 0 {
			obs.SyncChanges.WithLabelValues(name).Add(float64(v))
		}
	}
}
