// Package integrations implements the operator-facing lifecycle of an
// integration: connecting through OAuth, settings, mapping links and
// sync requests.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rostersync.org/internal/audit"
	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/vault"
)

// Provider is the OAuth side of the roster provider.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (vault.Credentials, error)
}

// States signs and verifies the OAuth state parameter.
type States interface {
	StateToken(organizationID string, ttl time.Duration) (string, error)
	ParseState(token string) (string, error)
}

// Scheduler arms and cancels sync jobs.
type Scheduler interface {
	ScheduleSyncJob(ctx context.Context, integrationID string) (*jobqueue.Handle, error)
	TriggerImmediateSync(ctx context.Context, integrationID string) (*jobqueue.Handle, error)
	CancelScheduledSync(ctx context.Context, integrationID string) (int, error)
}

// Prober checks stored credentials against the provider.
type Prober interface {
	Probe(ctx context.Context, in roster.Integration) (bool, error)
}

// Config holds lifecycle defaults.
type Config struct {
	ProviderName     string
	DefaultFrequency roster.Frequency
	StateTTL         time.Duration
	SyncLogLimit     int
}

func (c Config) withDefaults() Config {
	if c.ProviderName == "" {
		c.ProviderName = "planning_center"
	}
	if !c.DefaultFrequency.Valid() {
		c.DefaultFrequency = roster.FrequencyDaily
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.SyncLogLimit <= 0 {
		c.SyncLogLimit = 50
	}
	return c
}

// Service coordinates the store, credential vault and scheduler.
type Service struct {
	cfg       Config
	store     roster.Store
	vault     *vault.Vault
	provider  Provider
	states    States
	scheduler Scheduler
	prober    Prober
}

func NewService(cfg Config, store roster.Store, v *vault.Vault, provider Provider, states States, sched Scheduler, prober Prober) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		vault:     v,
		provider:  provider,
		states:    states,
		scheduler: sched,
		prober:    prober,
	}
}

// AuthorizeURL returns the provider consent URL for an organization.
func (s *Service) AuthorizeURL(organizationID string) (string, error) {
	if organizationID == "" {
		return "", fmt.Errorf("%w: organization id is required", roster.ErrInvalidInput)
	}
	state, err := s.states.StateToken(organizationID, s.cfg.StateTTL)
	if err != nil {
		return "", err
	}
	return s.provider.AuthCodeURL(state), nil
}

// Connect completes the OAuth callback. A first connection creates the
// integration; reconnecting replaces the credentials and clears an ERROR
// status. Either way the schedule is armed.
func (s *Service) Connect(ctx context.Context, code, state string) (roster.Integration, error) {
	orgID, err := s.states.ParseState(state)
	if err != nil {
		return roster.Integration{}, fmt.Errorf("%w: oauth state: %v", roster.ErrInvalidInput, err)
	}
	creds, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return roster.Integration{}, err
	}

	in, err := s.store.Integrations().GetByOrganization(ctx, orgID)
	switch {
	case errors.Is(err, roster.ErrNotFound):
		in, err = s.create(ctx, orgID, creds)
	case err == nil:
		in, err = s.reconnect(ctx, in, creds)
	}
	if err != nil {
		return roster.Integration{}, err
	}

	if _, err := s.scheduler.ScheduleSyncJob(ctx, in.ID); err != nil {
		obs.Logger().Error().Err(err).Str("integration_id", in.ID).Msg("arm schedule after connect failed")
	}
	_ = audit.LogEvent(ctx, audit.EventIntegrationConnected, map[string]any{
		"integration_id":  in.ID,
		"organization_id": orgID,
		"provider":        in.Provider,
	})
	return s.store.Integrations().Get(ctx, in.ID)
}

func (s *Service) create(ctx context.Context, orgID string, creds vault.Credentials) (roster.Integration, error) {
	sealed, err := s.vault.Seal(creds)
	if err != nil {
		return roster.Integration{}, err
	}
	in := roster.Integration{
		OrganizationID: orgID,
		Provider:       s.cfg.ProviderName,
		Status:         roster.IntegrationActive,
		SyncEnabled:    true,
		SyncFrequency:  s.cfg.DefaultFrequency,
		Credentials:    sealed,
		AccessToken:    creds.AccessToken,
		TokenExpiresAt: creds.ExpiresAt,
	}
	if err := s.store.Integrations().Create(ctx, &in); err != nil {
		return roster.Integration{}, fmt.Errorf("create integration: %w", err)
	}
	return in, nil
}

func (s *Service) reconnect(ctx context.Context, in roster.Integration, creds vault.Credentials) (roster.Integration, error) {
	if err := s.vault.Rotate(ctx, in.ID, creds); err != nil {
		return roster.Integration{}, err
	}
	err := s.store.Integrations().RecordOutcome(ctx, in.ID, roster.SyncOutcome{
		Status:         roster.IntegrationActive,
		LastSyncStatus: in.LastSyncStatus,
	})
	if err != nil {
		return roster.Integration{}, fmt.Errorf("reactivate integration: %w", err)
	}
	return s.store.Integrations().Get(ctx, in.ID)
}

// Get returns one integration.
func (s *Service) Get(ctx context.Context, id string) (roster.Integration, error) {
	return s.store.Integrations().Get(ctx, id)
}

// Disconnect cancels pending runs and deletes the integration with its
// mappings and history. Synced people keep their data.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	if _, err := s.store.Integrations().Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.scheduler.CancelScheduledSync(ctx, id); err != nil {
		return err
	}
	if err := s.store.Integrations().Delete(ctx, id); err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	_ = audit.LogEvent(ctx, audit.EventIntegrationDisconnected, map[string]any{"integration_id": id})
	return nil
}

// UpdateSettings applies enable/frequency changes and re-arms or cancels
// the schedule to match.
func (s *Service) UpdateSettings(ctx context.Context, id string, settings roster.IntegrationSettings) (roster.Integration, error) {
	if settings.SyncFrequency != nil && !settings.SyncFrequency.Valid() {
		return roster.Integration{}, fmt.Errorf("%w: unknown frequency %q", roster.ErrInvalidInput, *settings.SyncFrequency)
	}
	prev, err := s.store.Integrations().Get(ctx, id)
	if err != nil {
		return roster.Integration{}, err
	}
	in, err := s.store.Integrations().UpdateSettings(ctx, id, settings)
	if err != nil {
		return roster.Integration{}, err
	}

	switch {
	case !in.Schedulable():
		_, err = s.scheduler.CancelScheduledSync(ctx, id)
	case prev.SyncFrequency != in.SyncFrequency:
		if _, err = s.scheduler.CancelScheduledSync(ctx, id); err == nil {
			_, err = s.scheduler.ScheduleSyncJob(ctx, id)
		}
	default:
		_, err = s.scheduler.ScheduleSyncJob(ctx, id)
	}
	if err != nil {
		return roster.Integration{}, err
	}

	_ = audit.LogEvent(ctx, audit.EventSettingsUpdated, map[string]any{
		"integration_id": id,
		"sync_enabled":   in.SyncEnabled,
		"sync_frequency": string(in.SyncFrequency),
	})
	return s.store.Integrations().Get(ctx, id)
}

// RequestSync enqueues an immediate run.
func (s *Service) RequestSync(ctx context.Context, id string) (*jobqueue.Handle, error) {
	h, err := s.scheduler.TriggerImmediateSync(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, audit.EventSyncRequested, map[string]any{"integration_id": id, "job_id": h.JobID})
	return h, nil
}

// CancelSchedule cancels pending runs without touching settings.
func (s *Service) CancelSchedule(ctx context.Context, id string) (int, error) {
	if _, err := s.store.Integrations().Get(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.scheduler.CancelScheduledSync(ctx, id)
	if err != nil {
		return 0, err
	}
	_ = audit.LogEvent(ctx, audit.EventScheduleCancelled, map[string]any{"integration_id": id, "cancelled": n})
	return n, nil
}

// TestConnection reports whether the stored grant still works.
func (s *Service) TestConnection(ctx context.Context, id string) (bool, error) {
	in, err := s.store.Integrations().Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.prober.Probe(ctx, in)
}

// SyncLogs returns recent runs, newest first.
func (s *Service) SyncLogs(ctx context.Context, id string, limit int) ([]roster.SyncLog, error) {
	if _, err := s.store.Integrations().Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.SyncLogLimit {
		limit = s.cfg.SyncLogLimit
	}
	return s.store.SyncLogs().ListByIntegration(ctx, id, limit)
}

// Mappings lists the external groups discovered for an integration.
func (s *Service) Mappings(ctx context.Context, id string) ([]roster.GroupMapping, error) {
	if _, err := s.store.Integrations().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Mappings().ListByIntegration(ctx, id)
}

// LinkRequest is the operator's choice for one mapping. A nil group unlinks.
type LinkRequest struct {
	InternalGroupID *string
	SyncMembers     bool
	SyncLeaders     bool
}

// LinkMapping points a mapping at an internal group. Subsequent syncs never
// change the link.
func (s *Service) LinkMapping(ctx context.Context, mappingID string, req LinkRequest) (roster.GroupMapping, error) {
	if req.InternalGroupID != nil && *req.InternalGroupID == "" {
		req.InternalGroupID = nil
	}
	m, err := s.store.Mappings().Link(ctx, mappingID, req.InternalGroupID, req.SyncMembers, req.SyncLeaders)
	if err != nil {
		return roster.GroupMapping{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventMappingLinked, map[string]any{
		"mapping_id":     m.ID,
		"integration_id": m.IntegrationID,
		"group_id":       m.GroupID(),
		"sync_members":   m.SyncMembers,
	})
	return m, nil
}
